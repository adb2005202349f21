package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulse/social-app/internal/message"
	"github.com/pulse/social-app/internal/messaging"
	"github.com/pulse/social-app/internal/presence"
	"github.com/pulse/social-app/internal/protocol"
	"github.com/pulse/social-app/internal/room"
	"github.com/pulse/social-app/internal/user"
)

// fakeSender records every targeted send and broadcast for inspection.
type fakeSender struct {
	mu         sync.Mutex
	sent       map[string][][]byte
	broadcasts [][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (s *fakeSender) SendTo(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connID] = append(s.sent[connID], data)
	return nil
}

func (s *fakeSender) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, data)
}

// eventsFor decodes every event sent to a connection into generic maps.
func (s *fakeSender) eventsFor(t *testing.T, connID string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, raw := range s.sent[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("failed to decode event for %s: %v", connID, err)
		}
		out = append(out, m)
	}
	return out
}

// lastBroadcast returns the most recent broadcast of the given type, or nil.
func (s *fakeSender) lastBroadcast(t *testing.T, evtType string) map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.broadcasts) - 1; i >= 0; i-- {
		var m map[string]interface{}
		if err := json.Unmarshal(s.broadcasts[i], &m); err != nil {
			t.Fatalf("failed to decode broadcast: %v", err)
		}
		if m["type"] == evtType {
			return m
		}
	}
	return nil
}

// fakeStore is an in-memory message.Store with a configurable Create error.
type fakeStore struct {
	mu        sync.Mutex
	createErr error
	created   []message.Draft
	nextID    string
}

func (s *fakeStore) Create(ctx context.Context, draft message.Draft) (*message.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = append(s.created, draft)

	id := s.nextID
	if id == "" {
		id = "msg-1"
	}
	return &message.Record{
		ID:        id,
		Sender:    draft.Sender,
		Receiver:  draft.Receiver,
		Text:      draft.Text,
		TempID:    draft.TempID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *fakeStore) FindByID(ctx context.Context, id string) (*message.Record, error) {
	return nil, message.ErrNotFound
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	return message.ErrNotFound
}

func (s *fakeStore) ListBetween(ctx context.Context, a, b string) ([]message.Record, error) {
	return nil, nil
}

// statusCall records one SetOnlineStatus invocation.
type statusCall struct {
	userID   string
	isOnline bool
	lastSeen *time.Time
}

// fakeDirectory records status projections and signals each one on a channel
// so tests can wait for the background write.
type fakeDirectory struct {
	mu       sync.Mutex
	calls    []statusCall
	statusCh chan statusCall
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{statusCh: make(chan statusCall, 16)}
}

func (d *fakeDirectory) FindByID(ctx context.Context, id string) (*user.User, error) {
	return nil, user.ErrNotFound
}

func (d *fakeDirectory) SetOnlineStatus(ctx context.Context, id string, isOnline bool, lastSeen *time.Time) error {
	call := statusCall{userID: id, isOnline: isOnline, lastSeen: lastSeen}
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
	d.statusCh <- call
	return nil
}

func (d *fakeDirectory) ResetPresence(ctx context.Context) error {
	return nil
}

// waitForStatus blocks until a projection for the given user arrives.
func (d *fakeDirectory) waitForStatus(t *testing.T, userID string) statusCall {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case call := <-d.statusCh:
			if call.userID == userID {
				return call
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status projection for %s", userID)
		}
	}
}

func newTestHub() (*Hub, *fakeSender, *fakeStore, *fakeDirectory) {
	sender := newFakeSender()
	store := &fakeStore{}
	dir := newFakeDirectory()
	hub := NewHub(DefaultConfig(), presence.NewRegistry(), room.NewTable(), store, dir, sender, nil)
	return hub, sender, store, dir
}

func TestAddUserFirstConnectionBroadcastsPresence(t *testing.T) {
	hub, sender, _, dir := newTestHub()
	ctx := context.Background()

	if err := hub.AddUser(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}

	call := dir.waitForStatus(t, "alice")
	if !call.isOnline {
		t.Errorf("expected online projection, got offline")
	}
	if call.lastSeen != nil {
		t.Errorf("expected nil lastSeen for online transition, got %v", call.lastSeen)
	}

	status := sender.lastBroadcast(t, protocol.TypeUserStatus)
	if status == nil {
		t.Fatal("expected a user_status broadcast")
	}
	if status["user_id"] != "alice" || status["is_online"] != true {
		t.Errorf("unexpected user_status payload: %v", status)
	}
	if seen, ok := status["last_seen"]; !ok || seen != nil {
		t.Errorf("expected explicit null last_seen while online, got %v (present=%t)", seen, ok)
	}

	online := sender.lastBroadcast(t, protocol.TypeOnlineUsers)
	if online == nil {
		t.Fatal("expected an online_users broadcast")
	}
	ids, _ := online["user_ids"].([]interface{})
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("expected online snapshot [alice], got %v", ids)
	}
}

func TestAddUserSecondTabNoStatusDelta(t *testing.T) {
	hub, sender, _, dir := newTestHub()
	ctx := context.Background()

	if err := hub.AddUser(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("first AddUser failed: %v", err)
	}
	dir.waitForStatus(t, "alice")

	before := len(sender.broadcasts)
	if err := hub.AddUser(ctx, "conn-2", "alice"); err != nil {
		t.Fatalf("second AddUser failed: %v", err)
	}

	// The snapshot still goes out, but no second user_status delta.
	sender.mu.Lock()
	newOnes := sender.broadcasts[before:]
	sender.mu.Unlock()
	for _, raw := range newOnes {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if m["type"] == protocol.TypeUserStatus {
			t.Errorf("unexpected user_status delta for an already-online user: %v", m)
		}
	}
}

func TestSendMessageEchoesToBothMembers(t *testing.T) {
	hub, sender, store, _ := newTestHub()
	ctx := context.Background()
	store.nextID = "msg-42"

	roomID := room.ConversationID("alice", "bob")

	if err := hub.AddUser(ctx, "conn-a", "alice"); err != nil {
		t.Fatalf("AddUser alice: %v", err)
	}
	if err := hub.AddUser(ctx, "conn-b", "bob"); err != nil {
		t.Fatalf("AddUser bob: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-a", "alice", roomID); err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-b", "bob", roomID); err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}

	err := hub.SendMessage(ctx, "conn-a", protocol.SendMessageEvent{
		RoomID:   roomID,
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hi",
		TempID:   "tmp_1",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	for _, connID := range []string{"conn-a", "conn-b"} {
		var got map[string]interface{}
		for _, evt := range sender.eventsFor(t, connID) {
			if evt["type"] == protocol.TypeMessage {
				got = evt
			}
		}
		if got == nil {
			t.Fatalf("connection %s never received the message broadcast", connID)
		}
		if got["id"] != "msg-42" {
			t.Errorf("%s: expected server id msg-42, got %v", connID, got["id"])
		}
		if got["temp_id"] != "tmp_1" {
			t.Errorf("%s: expected temp_id echo tmp_1, got %v", connID, got["temp_id"])
		}
		if got["text"] != "hi" {
			t.Errorf("%s: expected text hi, got %v", connID, got["text"])
		}
	}
}

func TestSendMessagePersistFailureNoBroadcast(t *testing.T) {
	hub, sender, store, _ := newTestHub()
	ctx := context.Background()
	store.createErr = errors.New("db down")

	roomID := room.ConversationID("alice", "bob")
	if err := hub.AddUser(ctx, "conn-a", "alice"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-a", "alice", roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	err := hub.SendMessage(ctx, "conn-a", protocol.SendMessageEvent{
		RoomID:   roomID,
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hi",
		TempID:   "tmp_1",
	})
	if err == nil {
		t.Fatal("expected SendMessage to surface the persistence error")
	}

	for _, evt := range sender.eventsFor(t, "conn-a") {
		if evt["type"] == protocol.TypeMessage {
			t.Errorf("message broadcast despite persistence failure: %v", evt)
		}
	}
}

func TestSendMessageRejectsSpoofedSender(t *testing.T) {
	hub, sender, store, _ := newTestHub()
	ctx := context.Background()

	roomID := room.ConversationID("alice", "bob")
	if err := hub.AddUser(ctx, "conn-m", "mallory"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	err := hub.SendMessage(ctx, "conn-m", protocol.SendMessageEvent{
		RoomID:   roomID,
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hi",
		TempID:   "tmp_1",
	})
	if err == nil {
		t.Fatal("expected spoofed sender to be rejected")
	}
	if len(store.created) != 0 {
		t.Errorf("spoofed message was persisted: %v", store.created)
	}

	var gotError bool
	for _, evt := range sender.eventsFor(t, "conn-m") {
		if evt["type"] == protocol.TypeError {
			gotError = true
		}
	}
	if !gotError {
		t.Error("expected an error event on the offending connection")
	}
}

func TestSendMessageRejectsMismatchedRoom(t *testing.T) {
	hub, _, store, _ := newTestHub()
	ctx := context.Background()

	if err := hub.AddUser(ctx, "conn-a", "alice"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	err := hub.SendMessage(ctx, "conn-a", protocol.SendMessageEvent{
		RoomID:   room.ConversationID("alice", "carol"), // wrong pair
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hi",
		TempID:   "tmp_1",
	})
	if err == nil {
		t.Fatal("expected mismatched room id to be rejected")
	}
	if len(store.created) != 0 {
		t.Errorf("message with mismatched room was persisted")
	}
}

func TestJoinRoomRejectsNonMember(t *testing.T) {
	hub, sender, _, _ := newTestHub()
	ctx := context.Background()

	if err := hub.AddUser(ctx, "conn-m", "mallory"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	err := hub.JoinRoom(ctx, "conn-m", "mallory", room.ConversationID("alice", "bob"))
	if err == nil {
		t.Fatal("expected non-member join to be rejected")
	}

	var gotError bool
	for _, evt := range sender.eventsFor(t, "conn-m") {
		if evt["type"] == protocol.TypeError {
			gotError = true
		}
	}
	if !gotError {
		t.Error("expected an error event on the offending connection")
	}
}

func TestUnsendTempBroadcastsRetraction(t *testing.T) {
	hub, sender, _, _ := newTestHub()
	ctx := context.Background()

	roomID := room.ConversationID("alice", "bob")
	if err := hub.AddUser(ctx, "conn-a", "alice"); err != nil {
		t.Fatalf("AddUser alice: %v", err)
	}
	if err := hub.AddUser(ctx, "conn-b", "bob"); err != nil {
		t.Fatalf("AddUser bob: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-a", "alice", roomID); err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-b", "bob", roomID); err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}

	if err := hub.UnsendTemp("conn-a", protocol.UnsendTempEvent{RoomID: roomID, TempID: "tmp_9"}); err != nil {
		t.Fatalf("UnsendTemp failed: %v", err)
	}

	var got map[string]interface{}
	for _, evt := range sender.eventsFor(t, "conn-b") {
		if evt["type"] == protocol.TypeMessageDeleted {
			got = evt
		}
	}
	if got == nil {
		t.Fatal("room member never received the retraction")
	}
	if got["temp_id"] != "tmp_9" {
		t.Errorf("expected temp_id tmp_9, got %v", got["temp_id"])
	}
	if _, hasID := got["id"]; hasID {
		t.Errorf("retraction must not carry a persisted id: %v", got)
	}
}

func TestDisconnectLastConnectionFlipsOffline(t *testing.T) {
	hub, sender, _, dir := newTestHub()
	ctx := context.Background()

	if err := hub.AddUser(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	dir.waitForStatus(t, "alice")

	hub.Disconnect("conn-1")

	call := dir.waitForStatus(t, "alice")
	if call.isOnline {
		t.Error("expected offline projection after last disconnect")
	}
	if call.lastSeen == nil {
		t.Error("expected a recorded lastSeen on the offline transition")
	}

	status := sender.lastBroadcast(t, protocol.TypeUserStatus)
	if status == nil || status["is_online"] != false {
		t.Fatalf("expected an offline user_status broadcast, got %v", status)
	}
	if status["last_seen"] == nil {
		t.Error("offline user_status must carry last_seen")
	}

	online := sender.lastBroadcast(t, protocol.TypeOnlineUsers)
	ids, _ := online["user_ids"].([]interface{})
	if len(ids) != 0 {
		t.Errorf("expected empty online snapshot, got %v", ids)
	}
}

func TestDisconnectOneOfTwoTabsStaysOnline(t *testing.T) {
	hub, sender, _, dir := newTestHub()
	ctx := context.Background()

	if err := hub.AddUser(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("AddUser conn-1: %v", err)
	}
	dir.waitForStatus(t, "alice")
	if err := hub.AddUser(ctx, "conn-2", "alice"); err != nil {
		t.Fatalf("AddUser conn-2: %v", err)
	}

	before := len(sender.broadcasts)
	hub.Disconnect("conn-1")

	sender.mu.Lock()
	newOnes := sender.broadcasts[before:]
	sender.mu.Unlock()
	for _, raw := range newOnes {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if m["type"] == protocol.TypeUserStatus {
			t.Errorf("user_status delta for a user that is still online: %v", m)
		}
	}

	online := sender.lastBroadcast(t, protocol.TypeOnlineUsers)
	ids, _ := online["user_ids"].([]interface{})
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("expected alice to remain online, got %v", ids)
	}

	// Closing the second tab flips her offline.
	hub.Disconnect("conn-2")
	call := dir.waitForStatus(t, "alice")
	if call.isOnline {
		t.Error("expected offline projection after the second tab closed")
	}
}

func TestDisconnectUnidentifiedConnectionIsNoOp(t *testing.T) {
	hub, sender, _, _ := newTestHub()

	hub.Disconnect("conn-ghost")

	sender.mu.Lock()
	n := len(sender.broadcasts)
	sender.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no broadcasts for an unidentified disconnect, got %d", n)
	}
}

func TestHandleMessageCreatedBroadcastsToRoom(t *testing.T) {
	hub, sender, _, _ := newTestHub()
	ctx := context.Background()

	roomID := room.ConversationID("alice", "bob")
	if err := hub.AddUser(ctx, "conn-b", "bob"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-b", "bob", roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	hub.HandleMessageCreated(&message.Record{
		ID:        "msg-7",
		Sender:    "alice",
		Receiver:  "bob",
		Image:     "/uploads/cat.png",
		TempID:    "tmp_img",
		CreatedAt: time.Now().UTC(),
	})

	var got map[string]interface{}
	for _, evt := range sender.eventsFor(t, "conn-b") {
		if evt["type"] == protocol.TypeMessage {
			got = evt
		}
	}
	if got == nil {
		t.Fatal("room member never received the API-persisted message")
	}
	if got["id"] != "msg-7" || got["image"] != "/uploads/cat.png" || got["temp_id"] != "tmp_img" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestHandleMessageDeletedBroadcastsToRoom(t *testing.T) {
	hub, sender, _, _ := newTestHub()
	ctx := context.Background()

	roomID := room.ConversationID("alice", "bob")
	if err := hub.AddUser(ctx, "conn-a", "alice"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-a", "alice", roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	hub.HandleMessageDeleted(messaging.DeletedEvent{
		ID:       "msg-7",
		Sender:   "alice",
		Receiver: "bob",
	})

	var got map[string]interface{}
	for _, evt := range sender.eventsFor(t, "conn-a") {
		if evt["type"] == protocol.TypeMessageDeleted {
			got = evt
		}
	}
	if got == nil {
		t.Fatal("room member never received the deletion")
	}
	if got["id"] != "msg-7" {
		t.Errorf("expected id msg-7, got %v", got["id"])
	}
	if _, hasTemp := got["temp_id"]; hasTemp {
		t.Errorf("persisted deletion must not carry temp_id: %v", got)
	}
}

func TestMembershipResolvedAtBroadcastTime(t *testing.T) {
	hub, sender, store, _ := newTestHub()
	ctx := context.Background()

	roomID := room.ConversationID("alice", "bob")
	if err := hub.AddUser(ctx, "conn-a", "alice"); err != nil {
		t.Fatalf("AddUser alice: %v", err)
	}
	if err := hub.AddUser(ctx, "conn-b", "bob"); err != nil {
		t.Fatalf("AddUser bob: %v", err)
	}
	if err := hub.JoinRoom(ctx, "conn-a", "alice", roomID); err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	// Bob is not in the room when the send starts; he joins before the
	// broadcast happens (the synchronous store makes that ordering exact).
	if err := hub.JoinRoom(ctx, "conn-b", "bob", roomID); err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}

	if err := hub.SendMessage(ctx, "conn-a", protocol.SendMessageEvent{
		RoomID:   roomID,
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hello",
		TempID:   "tmp_2",
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("expected exactly one persisted draft, got %d", len(store.created))
	}

	var got bool
	for _, evt := range sender.eventsFor(t, "conn-b") {
		if evt["type"] == protocol.TypeMessage {
			got = true
		}
	}
	if !got {
		t.Error("late-joining member missed the broadcast")
	}
}
