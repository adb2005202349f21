package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulse/social-app/internal/message"
	"github.com/pulse/social-app/internal/protocol"
	"github.com/pulse/social-app/internal/room"
)

// fakeSocket implements SocketEmitter with a controllable connected state.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []protocol.SendMessageEvent
	unsent    []string
}

func (s *fakeSocket) SendMessage(evt protocol.SendMessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, evt)
	return nil
}

func (s *fakeSocket) UnsendTemp(roomID, tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsent = append(s.unsent, tempID)
	return nil
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// fakeAPI implements MessageCreator in memory.
type fakeAPI struct {
	mu         sync.Mutex
	createErr  error
	deleteErr  error
	created    []message.Draft
	multiparts []message.Draft
	deleted    []string
}

func (a *fakeAPI) respond(draft message.Draft) *message.Record {
	return &message.Record{
		ID:        "srv-" + draft.TempID,
		Sender:    draft.Sender,
		Receiver:  draft.Receiver,
		Text:      draft.Text,
		TempID:    draft.TempID,
		CreatedAt: time.Now().UTC(),
	}
}

func (a *fakeAPI) CreateMessage(ctx context.Context, draft message.Draft) (*message.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.created = append(a.created, draft)
	return a.respond(draft), nil
}

func (a *fakeAPI) CreateMessageMultipart(ctx context.Context, draft message.Draft, attachments []Attachment) (*message.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.multiparts = append(a.multiparts, draft)
	rec := a.respond(draft)
	rec.Image = "/uploads/fake.png"
	return rec, nil
}

func (a *fakeAPI) DeleteMessage(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, id)
	return nil
}

func newTestMessenger(socket *fakeSocket, api *fakeAPI) (*Messenger, *Thread) {
	th := NewThread()
	// Convert nil pointers to nil interfaces so the messenger's nil checks
	// see an absent dependency rather than a typed-nil value.
	var se SocketEmitter
	if socket != nil {
		se = socket
	}
	var mc MessageCreator
	if api != nil {
		mc = api
	}
	m := NewMessenger("alice", "bob", th, se, mc)
	return m, th
}

func TestSendUsesSocketWhenConnected(t *testing.T) {
	socket := &fakeSocket{connected: true}
	api := &fakeAPI{}
	m, th := newTestMessenger(socket, api)

	tempID, err := m.Send(context.Background(), "hi bob")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.HasPrefix(tempID, "tmp_") {
		t.Errorf("temp id should carry the tmp_ prefix, got %q", tempID)
	}

	if len(socket.sent) != 1 {
		t.Fatalf("expected 1 socket send, got %d", len(socket.sent))
	}
	evt := socket.sent[0]
	if evt.RoomID != room.ConversationID("alice", "bob") {
		t.Errorf("unexpected room id %q", evt.RoomID)
	}
	if evt.TempID != tempID {
		t.Errorf("socket event temp id %q != returned %q", evt.TempID, tempID)
	}
	if len(api.created) != 0 {
		t.Error("socket path must not also hit REST")
	}

	if st := th.Entries()[0].Status; st != StatusSending {
		t.Errorf("entry should be sending until the echo arrives, got %q", st)
	}
}

func TestSendFallsBackToRESTWhenDisconnected(t *testing.T) {
	socket := &fakeSocket{connected: false}
	api := &fakeAPI{}
	m, th := newTestMessenger(socket, api)

	tempID, err := m.Send(context.Background(), "hi bob")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(socket.sent) != 0 {
		t.Error("disconnected socket must not be used")
	}
	if len(api.created) != 1 {
		t.Fatalf("expected 1 REST create, got %d", len(api.created))
	}

	// The REST response reconciles the optimistic entry directly.
	e := th.Entries()[0]
	if e.Status != StatusSent || e.ID != "srv-"+tempID {
		t.Errorf("expected reconciled sent entry, got status=%q id=%q", e.Status, e.ID)
	}
}

func TestSendRESTFailureMarksEntryFailed(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("api down")}
	m, th := newTestMessenger(nil, api)

	if _, err := m.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected the REST failure to surface")
	}
	if st := th.Entries()[0].Status; st != StatusFailed {
		t.Errorf("entry should be failed, got %q", st)
	}
}

func TestSendSocketTimeoutMarksEntryFailed(t *testing.T) {
	socket := &fakeSocket{connected: true}
	m, th := newTestMessenger(socket, &fakeAPI{})

	// Capture the timer callback instead of waiting out a real timeout.
	var fire func()
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		fire = f
		return nil
	}

	if _, err := m.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if fire == nil {
		t.Fatal("socket send should arm the pending timeout")
	}

	fire()
	if st := th.Entries()[0].Status; st != StatusFailed {
		t.Errorf("entry should be failed after timeout, got %q", st)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	m, th := newTestMessenger(&fakeSocket{connected: true}, &fakeAPI{})

	if _, err := m.Send(context.Background(), ""); err == nil {
		t.Fatal("expected empty text to be rejected")
	}
	if th.Len() != 0 {
		t.Error("rejected send must not leave an optimistic entry")
	}
}

func TestSendWithAttachmentsAlwaysUsesREST(t *testing.T) {
	socket := &fakeSocket{connected: true}
	api := &fakeAPI{}
	m, th := newTestMessenger(socket, api)

	tempID, err := m.SendWithAttachments(context.Background(), "", []Attachment{
		{Field: "image", Filename: "cat.png", Reader: strings.NewReader("png-bytes")},
	})
	if err != nil {
		t.Fatalf("SendWithAttachments failed: %v", err)
	}

	if len(socket.sent) != 0 {
		t.Error("attachments must not ride the socket path")
	}
	if len(api.multiparts) != 1 {
		t.Fatalf("expected 1 multipart create, got %d", len(api.multiparts))
	}
	if api.multiparts[0].TempID != tempID {
		t.Errorf("multipart draft temp id mismatch")
	}

	e := th.Entries()[0]
	if e.Image != "/uploads/fake.png" || e.Status != StatusSent {
		t.Errorf("expected reconciled attachment entry, got %+v", e)
	}
}

func TestRetractRemovesEntryAndNotifiesOtherTabs(t *testing.T) {
	socket := &fakeSocket{connected: true, sendErr: errors.New("socket broke")}
	m, th := newTestMessenger(socket, nil)

	tempID, err := m.Send(context.Background(), "doomed")
	if err == nil {
		t.Fatal("expected the socket error to surface")
	}
	if st := th.Entries()[0].Status; st != StatusFailed {
		t.Fatalf("entry should be failed, got %q", st)
	}

	socket.sendErr = nil
	m.Retract(tempID)

	if th.Len() != 0 {
		t.Error("retracted entry should be gone")
	}
	if len(socket.unsent) != 1 || socket.unsent[0] != tempID {
		t.Errorf("expected unsend_temp for %q, got %v", tempID, socket.unsent)
	}
}

func TestDeleteRestoresEntryOnFailure(t *testing.T) {
	api := &fakeAPI{deleteErr: errors.New("delete failed")}
	m, th := newTestMessenger(nil, api)

	th.MergeIncoming(message.Record{ID: "msg-1", Sender: "alice", Receiver: "bob",
		Text: "keep me", CreatedAt: time.Now()}, "alice")

	if err := m.Delete(context.Background(), "msg-1"); err == nil {
		t.Fatal("expected the delete failure to surface")
	}

	e := th.Entries()[0]
	if e.Deleting {
		t.Error("failed delete should clear the deleting flag")
	}
	if e.Text != "keep me" {
		t.Error("failed delete must leave the entry untouched")
	}

	// A successful retry removes it.
	api.deleteErr = nil
	if err := m.Delete(context.Background(), "msg-1"); err != nil {
		t.Fatalf("retry delete failed: %v", err)
	}
	if th.Len() != 0 {
		t.Error("confirmed delete should remove the entry")
	}
}
