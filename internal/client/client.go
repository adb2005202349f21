package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pulse/social-app/internal/protocol"
)

// Conn is a WebSocket connection to the realtime server. It connects with
// gobwas/ws (the same library the server uses), dispatches incoming events to
// registered handlers, and captures the connected handshake internally.
type Conn struct {
	conn      net.Conn
	mu        sync.Mutex
	connID    string
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the realtime server at the given WebSocket URL. The
// connection is established immediately and a background goroutine begins
// reading events. The connected event is handled automatically to record the
// server-assigned connection id.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Conn{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Send sends a JSON event to the server. It is goroutine-safe.
func (c *Conn) Send(evt interface{}) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a server event type. The handler receives the
// full raw JSON of the event for flexible decoding. Handlers run on the read
// loop goroutine so they should not block for extended periods. Registering
// a second handler for the same type replaces the first.
func (c *Conn) On(evtType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[evtType] = handler
	c.mu.Unlock()
}

// AddUser declares the user identity behind this connection.
func (c *Conn) AddUser(userID string) error {
	return c.Send(protocol.AddUserEvent{Type: protocol.TypeAddUser, UserID: userID})
}

// JoinRoom subscribes this connection to a conversation room.
func (c *Conn) JoinRoom(roomID, userID string) error {
	return c.Send(protocol.JoinRoomEvent{Type: protocol.TypeJoinRoom, RoomID: roomID, UserID: userID})
}

// LeaveRoom unsubscribes this connection from a room.
func (c *Conn) LeaveRoom(roomID string) error {
	return c.Send(protocol.LeaveRoomEvent{Type: protocol.TypeLeaveRoom, RoomID: roomID})
}

// SendMessage emits a send_message event on the socket path.
func (c *Conn) SendMessage(evt protocol.SendMessageEvent) error {
	evt.Type = protocol.TypeSendMessage
	return c.Send(evt)
}

// UnsendTemp retracts an optimistic entry that was never persisted.
func (c *Conn) UnsendTemp(roomID, tempID string) error {
	return c.Send(protocol.UnsendTempEvent{Type: protocol.TypeUnsendTemp, RoomID: roomID, TempID: tempID})
}

// WaitForConn blocks until the server has assigned a connection id or the
// context is cancelled.
func (c *Conn) WaitForConn(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("client: connection closed before handshake completed")
		case <-ticker.C:
			if c.ConnID() != "" {
				return nil
			}
		}
	}
}

// ConnID returns the server-assigned connection id, or an empty string if
// the handshake has not completed yet.
func (c *Conn) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Connected reports whether the connection is open and has completed the
// handshake.
func (c *Conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.ConnID() != ""
	}
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop continuously reads events from the server and dispatches them to
// registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Conn) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.Close()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Capture the handshake internally.
		if envelope.Type == protocol.TypeConnected {
			var evt protocol.ConnectedEvent
			if err := json.Unmarshal(data, &evt); err == nil && evt.ConnID != "" {
				c.mu.Lock()
				c.connID = evt.ConnID
				c.mu.Unlock()
			}
		}

		c.mu.Lock()
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
