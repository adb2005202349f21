// Package protocol defines the realtime event types exchanged between the
// browser client and the realtime server. Every event is serialized as JSON
// with a "type" discriminator in a consistent envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulse/social-app/internal/message"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAddUser     = "add_user"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeUnsendTemp  = "unsend_temp"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeConnected      = "connected"
	TypeOnlineUsers    = "online_users"
	TypeMessage        = "message"
	TypeMessageDeleted = "message_deleted"
	TypeUserStatus     = "user_status"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later into the appropriate
// concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// AddUserEvent declares the connection's user identity, registering the
// connection with the presence registry.
type AddUserEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// JoinRoomEvent adds the connection to a conversation room. UserID is
// carried as a defensive re-declaration of identity for reconnect races.
type JoinRoomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// LeaveRoomEvent removes the connection from a conversation room without
// affecting presence.
type LeaveRoomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageEvent carries a client-originated direct message. TempID is the
// client-local correlation token echoed back in the broadcast.
type SendMessageEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	TempID   string `json:"temp_id"`
}

// UnsendTempEvent retracts an optimistic entry that was never persisted, so
// the sender's other tabs drop it too.
type UnsendTempEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	TempID string `json:"temp_id"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ConnectedEvent is sent when a connection is established, carrying the
// server-assigned connection id.
type ConnectedEvent struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

// OnlineUsersEvent is the full online-user-id snapshot broadcast to every
// connected client on each presence transition.
type OnlineUsersEvent struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids"`
}

// MessageEvent delivers a persisted message record to a conversation room,
// including the sender's own connections (the echo drives reconciliation).
type MessageEvent struct {
	Type string `json:"type"`
	message.Record
}

// MessageDeletedEvent tells room members to remove a message. Exactly one of
// ID and TempID is set: ID for persisted deletions, TempID for unsent
// optimistic retractions.
type MessageDeletedEvent struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	TempID string `json:"temp_id,omitempty"`
}

// UserStatusEvent is the single-user presence delta. LastSeen is nil while
// the user is online.
type UserStatusEvent struct {
	Type     string     `json:"type"`
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

// ErrorEvent communicates a rejected client event.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent answers a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event. It
// returns the event type string, the decoded struct, and any error. An error
// is returned for unknown or server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		evt interface{}
		err error
	)

	switch env.Type {
	case TypeAddUser:
		var e AddUserEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeJoinRoom:
		var e JoinRoomEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeLeaveRoom:
		var e LeaveRoomEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeSendMessage:
		var e SendMessageEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeUnsendTemp:
		var e UnsendTempEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypePing:
		var e PingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, evt, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event. The
// evtType is injected into the payload under the "type" key so callers never
// have to remember to set the discriminator on the struct.
func NewServerEvent(evtType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = evtType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
