package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pulse/social-app/internal/message"
	"github.com/pulse/social-app/internal/protocol"
	"github.com/pulse/social-app/internal/room"
)

// DefaultSendTimeout is how long an optimistic entry may sit in the sending
// state before it is marked failed. The server never sends a failure event
// for a dropped send; the timeout is the only failure signal.
const DefaultSendTimeout = 8 * time.Second

// SocketEmitter is the messenger's view of the realtime connection. *Conn
// satisfies it; tests substitute a fake.
type SocketEmitter interface {
	SendMessage(evt protocol.SendMessageEvent) error
	UnsendTemp(roomID, tempID string) error
	Connected() bool
}

// MessageCreator is the messenger's view of the REST API. *APIClient
// satisfies it.
type MessageCreator interface {
	CreateMessage(ctx context.Context, draft message.Draft) (*message.Record, error)
	CreateMessageMultipart(ctx context.Context, draft message.Draft, attachments []Attachment) (*message.Record, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Messenger orchestrates sends for one conversation across the two delivery
// paths: text-only messages ride the socket when it is up, attachment sends
// and socket-down fallbacks go through REST. Exactly one path runs per
// message; the thread's temp-id reconciliation absorbs whichever confirmation
// arrives.
type Messenger struct {
	self        string
	peer        string
	roomID      string
	thread      *Thread
	socket      SocketEmitter  // may be nil (REST-only client)
	api         MessageCreator // may be nil when a socket is always available
	sendTimeout time.Duration

	// afterFunc is swapped out in tests to avoid real timers.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewMessenger creates a Messenger for the conversation between self and
// peer. Either socket or api may be nil, but not both.
func NewMessenger(self, peer string, thread *Thread, socket SocketEmitter, api MessageCreator) *Messenger {
	return &Messenger{
		self:        self,
		peer:        peer,
		roomID:      room.ConversationID(self, peer),
		thread:      thread,
		socket:      socket,
		api:         api,
		sendTimeout: DefaultSendTimeout,
		afterFunc:   time.AfterFunc,
	}
}

// RoomID returns the canonical conversation id for this messenger's pair.
func (m *Messenger) RoomID() string {
	return m.roomID
}

// Send delivers a text message. The thread gains an optimistic entry
// immediately; the entry flips to sent when the server echo arrives, or to
// failed when the REST call errors or the send timeout fires.
func (m *Messenger) Send(ctx context.Context, text string) (tempID string, err error) {
	tempID = newTempID()

	draft := message.Draft{
		Sender:   m.self,
		Receiver: m.peer,
		Text:     text,
		TempID:   tempID,
	}
	if err := draft.Validate(); err != nil {
		return "", err
	}

	m.thread.AppendLocal(message.Record{
		Sender:    m.self,
		Receiver:  m.peer,
		Text:      text,
		TempID:    tempID,
		CreatedAt: time.Now().UTC(),
	})

	if m.socket != nil && m.socket.Connected() {
		if err := m.socket.SendMessage(protocol.SendMessageEvent{
			RoomID:   m.roomID,
			Sender:   m.self,
			Receiver: m.peer,
			Text:     text,
			TempID:   tempID,
		}); err != nil {
			m.thread.MarkFailed(tempID)
			return tempID, fmt.Errorf("client: socket send: %w", err)
		}
		m.armTimeout(tempID)
		return tempID, nil
	}

	return tempID, m.sendViaREST(ctx, draft, nil)
}

// SendWithAttachments delivers a message carrying image or voice files. The
// attachment path is always REST; the realtime server rebroadcasts the
// persisted record, and the echoed temp id reconciles the optimistic entry.
func (m *Messenger) SendWithAttachments(ctx context.Context, text string, attachments []Attachment) (tempID string, err error) {
	if len(attachments) == 0 {
		return m.Send(ctx, text)
	}
	if m.api == nil {
		return "", fmt.Errorf("client: attachments require the REST path")
	}

	tempID = newTempID()
	draft := message.Draft{
		Sender:   m.self,
		Receiver: m.peer,
		Text:     text,
		TempID:   tempID,
	}

	m.thread.AppendLocal(message.Record{
		Sender:    m.self,
		Receiver:  m.peer,
		Text:      text,
		TempID:    tempID,
		CreatedAt: time.Now().UTC(),
	})

	return tempID, m.sendViaREST(ctx, draft, attachments)
}

// sendViaREST persists through the API server and merges the returned record
// locally. When the socket is also up the broadcast echo arrives too; the
// thread's id dedupe makes the second copy a no-op.
func (m *Messenger) sendViaREST(ctx context.Context, draft message.Draft, attachments []Attachment) error {
	if m.api == nil {
		m.thread.MarkFailed(draft.TempID)
		return fmt.Errorf("client: socket down and no REST client configured")
	}

	var (
		rec *message.Record
		err error
	)
	if len(attachments) > 0 {
		rec, err = m.api.CreateMessageMultipart(ctx, draft, attachments)
	} else {
		rec, err = m.api.CreateMessage(ctx, draft)
	}
	if err != nil {
		m.thread.MarkFailed(draft.TempID)
		return err
	}

	m.thread.MergeIncoming(*rec, m.self)
	return nil
}

// Retract removes a failed optimistic entry and tells the sender's other
// tabs to drop it too. Only entries without a server id can be retracted;
// persisted messages go through Delete.
func (m *Messenger) Retract(tempID string) {
	m.thread.Remove("", tempID)
	if m.socket != nil && m.socket.Connected() {
		if err := m.socket.UnsendTemp(m.roomID, tempID); err != nil {
			log.Printf("client: unsend_temp %s: %v", tempID, err)
		}
	}
}

// Delete removes a persisted message: the entry is flagged as deleting, the
// REST call runs, and on failure the flag is cleared so the message
// reappears untouched. The entry itself is dropped only on success.
func (m *Messenger) Delete(ctx context.Context, id string) error {
	if m.api == nil {
		return fmt.Errorf("client: deletion requires the REST path")
	}
	if !m.thread.BeginDelete(id) {
		return fmt.Errorf("client: unknown message id %s", id)
	}

	if err := m.api.DeleteMessage(ctx, id); err != nil {
		m.thread.RestoreDelete(id)
		return err
	}

	m.thread.Remove(id, "")
	return nil
}

// Bind registers this messenger's thread as the consumer of the
// conversation's realtime events on the given connection. Events for other
// conversations are ignored.
func (m *Messenger) Bind(c *Conn) {
	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var rec message.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("client: bad message event: %v", err)
			return
		}
		if room.ConversationID(rec.Sender, rec.Receiver) != m.roomID {
			return
		}
		m.thread.MergeIncoming(rec, m.self)
	})

	c.On(protocol.TypeMessageDeleted, func(raw json.RawMessage) {
		var evt protocol.MessageDeletedEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			log.Printf("client: bad message_deleted event: %v", err)
			return
		}
		m.thread.Remove(evt.ID, evt.TempID)
	})
}

// armTimeout schedules the pending-send expiry for a socket send. The
// MarkFailed call is a no-op when the echo already flipped the entry to sent.
func (m *Messenger) armTimeout(tempID string) {
	m.afterFunc(m.sendTimeout, func() {
		m.thread.MarkFailed(tempID)
	})
}

// newTempID generates a client-local correlation token. The tmp_ prefix
// makes optimistic ids recognizable in logs; uniqueness only matters within
// the sending client.
func newTempID() string {
	return "tmp_" + uuid.New().String()
}
