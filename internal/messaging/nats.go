// Package messaging provides the NATS bridge between the REST API server and
// the realtime server. The API server persists attachment sends and deletes
// over HTTP, then publishes lifecycle events here; the realtime server
// subscribes and rebroadcasts them into the affected conversation rooms.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulse/social-app/internal/message"
)

// NATS subjects for message lifecycle events.
const (
	SubjectMessageCreated = "message.created"
	SubjectMessageDeleted = "message.deleted"
)

// DeletedEvent is the payload published when a persisted message is removed.
type DeletedEvent struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// Client wraps the NATS connection with helper methods for the message
// lifecycle subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "pulse",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishMessageCreated announces a freshly persisted message record.
func (c *Client) PublishMessageCreated(rec *message.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("nats: marshal created event: %w", err)
	}
	return c.conn.Publish(SubjectMessageCreated, data)
}

// SubscribeMessageCreated registers a handler for persisted-message
// announcements. Payloads that fail to decode are logged and dropped.
func (c *Client) SubscribeMessageCreated(handler func(rec *message.Record)) error {
	return c.subscribe(SubjectMessageCreated, func(msg *nats.Msg) {
		var rec message.Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Printf("[nats] bad %s payload: %v", SubjectMessageCreated, err)
			return
		}
		handler(&rec)
	})
}

// PublishMessageDeleted announces a confirmed message deletion.
func (c *Client) PublishMessageDeleted(evt DeletedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("nats: marshal deleted event: %w", err)
	}
	return c.conn.Publish(SubjectMessageDeleted, data)
}

// SubscribeMessageDeleted registers a handler for deletion announcements.
func (c *Client) SubscribeMessageDeleted(handler func(evt DeletedEvent)) error {
	return c.subscribe(SubjectMessageDeleted, func(msg *nats.Msg) {
		var evt DeletedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Printf("[nats] bad %s payload: %v", SubjectMessageDeleted, err)
			return
		}
		handler(evt)
	})
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for cleanup in Close.
func (c *Client) subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
