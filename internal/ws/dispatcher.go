package ws

import (
	"log"
	"time"

	"github.com/pulse/social-app/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The evt parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.AddUserEvent,
// protocol.SendMessageEvent).
type EventHandler func(conn *Connection, evt interface{})

// Dispatcher routes incoming WebSocket events to registered handlers based on
// the event type. It handles the built-in ping/pong keepalive internally and
// sends structured error responses for malformed or unsupported events.
type Dispatcher struct {
	handlers map[string]EventHandler
	server   *Server
}

// NewDispatcher creates a Dispatcher. The server reference is assigned later
// via SetServer, since NewServer requires the Dispatch callback.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]EventHandler),
	}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *Dispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(evtType string, handler EventHandler) {
	d.handlers[evtType] = handler
}

// Dispatch is the onEvent callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error event sent back to the client.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	evtType, evt, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid event format")
		return
	}

	// Built-in ping handler so keepalive works before any registration.
	if evtType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[evtType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", evtType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported event type")
		return
	}

	handler(conn, evt)
}

// sendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteEvent(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and refreshes the
// connection's LastActive timestamp.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.LastActive = time.Now()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongEvent{})
	if err != nil {
		log.Printf("ws: failed to build pong event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteEvent(data); err != nil {
		log.Printf("ws: failed to send pong event conn=%s: %v", conn.ID, err)
	}
}
