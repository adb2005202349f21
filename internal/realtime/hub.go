// Package realtime implements the application semantics of the realtime
// server: presence transitions, room membership, and the persist-then-
// broadcast message lifecycle. The transport layer hands it parsed events and
// connection ids; it never touches sockets directly.
package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pulse/social-app/internal/message"
	"github.com/pulse/social-app/internal/messaging"
	"github.com/pulse/social-app/internal/metrics"
	"github.com/pulse/social-app/internal/presence"
	"github.com/pulse/social-app/internal/protocol"
	"github.com/pulse/social-app/internal/ratelimit"
	"github.com/pulse/social-app/internal/room"
	"github.com/pulse/social-app/internal/user"
)

// Sender abstracts the WebSocket transport: targeted delivery to a single
// connection and fanout to every connection. The ws.Server satisfies it.
type Sender interface {
	SendTo(connID string, data []byte) error
	Broadcast(data []byte)
}

// Config holds hub tuning parameters.
type Config struct {
	PersistTimeout time.Duration // per-message persistence deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PersistTimeout: 5 * time.Second,
	}
}

// Hub coordinates presence, rooms, and the message lifecycle for one realtime
// server process. All state it owns is process-local; persisted messages and
// the is_online projection are the only durable side effects.
type Hub struct {
	config   Config
	registry *presence.Registry
	rooms    *room.Table
	store    message.Store
	users    user.Directory
	sender   Sender
	limiter  *ratelimit.Limiter // optional per-sender send throttle
}

// NewHub creates a Hub. limiter may be nil to disable send throttling.
func NewHub(config Config, registry *presence.Registry, rooms *room.Table, store message.Store, users user.Directory, sender Sender, limiter *ratelimit.Limiter) *Hub {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Hub{
		config:   config,
		registry: registry,
		rooms:    rooms,
		store:    store,
		users:    users,
		sender:   sender,
		limiter:  limiter,
	}
}

// AddUser declares the user identity behind a connection. The first
// connection for a user flips them online: the projected flag is written,
// a user_status delta goes out, and every client receives a fresh
// online-user snapshot. Additional connections for an already-online user
// still trigger the snapshot broadcast so late joiners converge.
func (h *Hub) AddUser(ctx context.Context, connID, userID string) error {
	cameOnline, err := h.registry.AddConn(userID, connID)
	if err != nil {
		h.sendError(connID, "add_user_rejected", err.Error())
		return err
	}

	if cameOnline {
		h.projectStatus(userID, true, nil)
		h.broadcastUserStatus(userID, true, nil)
		log.Printf("realtime: user online user=%s conn=%s", userID, connID)
	}

	h.broadcastOnlineUsers()
	return nil
}

// JoinRoom subscribes a connection to a conversation room. The room id must
// name the declared user as one of its two participants; anything else is a
// spoof attempt and is rejected. If the event re-declares an identity the
// registry has not seen (reconnect race), the declaration is replayed first.
func (h *Hub) JoinRoom(ctx context.Context, connID, userID, roomID string) error {
	if h.registry.UserOf(connID) == "" && userID != "" {
		if err := h.AddUser(ctx, connID, userID); err != nil {
			return err
		}
	}

	declared := h.registry.UserOf(connID)
	if declared == "" {
		h.sendError(connID, "not_identified", "declare identity with add_user first")
		return fmt.Errorf("realtime: join_room from unidentified conn %s", connID)
	}

	if !room.IsMember(roomID, declared) {
		h.sendError(connID, "not_a_member", "user is not a participant of this conversation")
		return fmt.Errorf("realtime: user %s is not a member of room %s", declared, roomID)
	}

	h.rooms.Join(roomID, connID)
	return nil
}

// LeaveRoom unsubscribes a connection from a room. Presence is unaffected.
func (h *Hub) LeaveRoom(connID, roomID string) {
	h.rooms.Leave(roomID, connID)
}

// SendMessage runs the persist-then-broadcast lifecycle for a text message:
// validate, throttle, persist with a deadline, then deliver to the room
// members resolved at broadcast time. The sender's own connections receive
// the broadcast too; the echoed temp_id drives client-side reconciliation.
//
// On persistence failure nothing is broadcast. The client's pending-send
// timeout surfaces the failure; no failure event is sent.
func (h *Hub) SendMessage(ctx context.Context, connID string, evt protocol.SendMessageEvent) error {
	declared := h.registry.UserOf(connID)
	if declared == "" || declared != evt.Sender {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "sender_mismatch", "sender does not match connection identity")
		return fmt.Errorf("realtime: send_message sender %q does not match conn %s identity %q",
			evt.Sender, connID, declared)
	}

	if evt.RoomID != room.ConversationID(evt.Sender, evt.Receiver) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "room_mismatch", "room id does not match the participant pair")
		return fmt.Errorf("realtime: room %q does not match pair (%s, %s)",
			evt.RoomID, evt.Sender, evt.Receiver)
	}

	draft := message.Draft{
		Sender:   evt.Sender,
		Receiver: evt.Receiver,
		Text:     evt.Text,
		TempID:   evt.TempID,
	}
	if err := draft.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "invalid_message", err.Error())
		return err
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, evt.Sender, ratelimit.RuleSend); !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			h.sendError(connID, "rate_limited", "too many messages, slow down")
			return fmt.Errorf("realtime: sender %s rate limited", evt.Sender)
		}
	}

	persistCtx, cancel := context.WithTimeout(ctx, h.config.PersistTimeout)
	defer cancel()

	start := time.Now()
	rec, err := h.store.Create(persistCtx, draft)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("realtime: persist failed room=%s sender=%s temp_id=%s: %v",
			evt.RoomID, evt.Sender, evt.TempID, err)
		return err
	}

	metrics.MessagesTotal.WithLabelValues("persisted").Inc()
	h.broadcastMessage(evt.RoomID, rec)
	return nil
}

// UnsendTemp retracts an optimistic entry that was never persisted, so the
// sender's other connections in the room drop it too. Only a room member may
// retract.
func (h *Hub) UnsendTemp(connID string, evt protocol.UnsendTempEvent) error {
	declared := h.registry.UserOf(connID)
	if declared == "" || !room.IsMember(evt.RoomID, declared) {
		h.sendError(connID, "not_a_member", "user is not a participant of this conversation")
		return fmt.Errorf("realtime: unsend_temp from non-member conn %s in room %s", connID, evt.RoomID)
	}

	data, err := protocol.NewServerEvent(protocol.TypeMessageDeleted, protocol.MessageDeletedEvent{
		TempID: evt.TempID,
	})
	if err != nil {
		return fmt.Errorf("realtime: build message_deleted event: %w", err)
	}

	h.broadcastToRoom(evt.RoomID, data)
	return nil
}

// Disconnect cleans up after a closed connection: the connection leaves every
// room, and if it was the user's last connection the user flips offline, with
// the projection write and presence broadcasts that follow. Safe to call for
// connections that never declared an identity.
func (h *Hub) Disconnect(connID string) {
	h.rooms.DropConn(connID)

	userID, wentOffline := h.registry.RemoveConn(connID)
	if userID == "" {
		return
	}

	if wentOffline {
		now := time.Now().UTC()
		h.projectStatus(userID, false, &now)
		h.broadcastUserStatus(userID, false, &now)
		log.Printf("realtime: user offline user=%s conn=%s", userID, connID)
	}

	h.broadcastOnlineUsers()
}

// HandleMessageCreated rebroadcasts a message the API server persisted (the
// attachment and fallback path). The record already carries any temp_id the
// client supplied, so reconciliation works the same as for socket sends.
func (h *Hub) HandleMessageCreated(rec *message.Record) {
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()
	h.broadcastMessage(room.ConversationID(rec.Sender, rec.Receiver), rec)
}

// HandleMessageDeleted rebroadcasts a confirmed deletion performed through
// the API server.
func (h *Hub) HandleMessageDeleted(evt messaging.DeletedEvent) {
	data, err := protocol.NewServerEvent(protocol.TypeMessageDeleted, protocol.MessageDeletedEvent{
		ID: evt.ID,
	})
	if err != nil {
		log.Printf("realtime: build message_deleted event: %v", err)
		return
	}

	metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	h.broadcastToRoom(room.ConversationID(evt.Sender, evt.Receiver), data)
}

// broadcastMessage delivers a persisted record to the members of its room.
func (h *Hub) broadcastMessage(roomID string, rec *message.Record) {
	data, err := protocol.NewServerEvent(protocol.TypeMessage, protocol.MessageEvent{
		Record: *rec,
	})
	if err != nil {
		log.Printf("realtime: build message event room=%s: %v", roomID, err)
		return
	}
	h.broadcastToRoom(roomID, data)
}

// broadcastToRoom sends an event to every connection currently in the room.
// Membership is resolved here, at broadcast time: connections that joined or
// left while a persistence call was pending are honored. Individual send
// failures mean the connection died mid-broadcast; the transport cleans those
// up on their next read.
func (h *Hub) broadcastToRoom(roomID string, data []byte) {
	members := h.rooms.Members(roomID)
	delivered := 0
	for _, connID := range members {
		if err := h.sender.SendTo(connID, data); err == nil {
			delivered++
		}
	}
	metrics.BroadcastFanout.Observe(float64(delivered))
}

// broadcastOnlineUsers pushes the full online-user-id snapshot to every
// connected client and refreshes the presence gauge.
func (h *Hub) broadcastOnlineUsers() {
	ids := h.registry.OnlineUserIDs()
	metrics.OnlineUsers.Set(float64(len(ids)))

	data, err := protocol.NewServerEvent(protocol.TypeOnlineUsers, protocol.OnlineUsersEvent{
		UserIDs: ids,
	})
	if err != nil {
		log.Printf("realtime: build online_users event: %v", err)
		return
	}
	h.sender.Broadcast(data)
}

// broadcastUserStatus pushes the single-user presence delta to every
// connected client.
func (h *Hub) broadcastUserStatus(userID string, isOnline bool, lastSeen *time.Time) {
	data, err := protocol.NewServerEvent(protocol.TypeUserStatus, protocol.UserStatusEvent{
		UserID:   userID,
		IsOnline: isOnline,
		LastSeen: lastSeen,
	})
	if err != nil {
		log.Printf("realtime: build user_status event: %v", err)
		return
	}
	h.sender.Broadcast(data)
}

// projectStatus writes the denormalized is_online / last_seen flags in the
// background. The projection is one-way: a write failure is logged and never
// blocks or reorders the presence broadcasts.
func (h *Hub) projectStatus(userID string, isOnline bool, lastSeen *time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.users.SetOnlineStatus(ctx, userID, isOnline, lastSeen); err != nil {
			log.Printf("realtime: status projection failed user=%s online=%t: %v", userID, isOnline, err)
		}
	}()
}

// sendError sends a structured error event to one connection. Failures are
// logged only; the connection may already be gone.
func (h *Hub) sendError(connID, code, msg string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: msg,
	})
	if err != nil {
		log.Printf("realtime: build error event: %v", err)
		return
	}
	if err := h.sender.SendTo(connID, data); err != nil {
		log.Printf("realtime: send error event conn=%s: %v", connID, err)
	}
}
