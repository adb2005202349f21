// Package message defines the direct-message record, its content validation
// rules, and the store gateway that persists records. The realtime layer
// depends on the Store interface only; the PostgreSQL implementation lives in
// store.go.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextBytes caps the encoded size of a message body.
	MaxTextBytes = 4096
	// MaxTextChars caps the visible character count.
	MaxTextChars = 2000
)

// ErrNotFound is returned by store lookups and deletes when no record with
// the given id exists.
var ErrNotFound = errors.New("message: not found")

// Record is a persisted direct message. ID is assigned by the store and is
// present only after persistence; TempID is the client correlation token
// echoed back so the sender can reconcile its optimistic entry.
type Record struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Image     string    `json:"image,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	TempID    string    `json:"temp_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasAttachment reports whether the record carries an image or voice ref.
func (r *Record) HasAttachment() bool {
	return r.Image != "" || r.Voice != ""
}

// Draft is the input to Store.Create: a message as declared by the sender,
// before an id or timestamp exists.
type Draft struct {
	Sender   string
	Receiver string
	Text     string
	Image    string
	Voice    string
	TempID   string
}

// Validate checks a draft before any state is mutated. A message must name
// both participants and must carry text, an attachment, or both: a fully
// empty message is rejected.
func (d *Draft) Validate() error {
	if d.Sender == "" || d.Receiver == "" {
		return fmt.Errorf("message: sender and receiver are required")
	}
	if d.Sender == d.Receiver {
		return fmt.Errorf("message: sender and receiver must differ")
	}
	if d.Text == "" && d.Image == "" && d.Voice == "" {
		return fmt.Errorf("message: text or attachment is required")
	}
	if len(d.Text) > MaxTextBytes {
		return fmt.Errorf("message: text exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(d.Text) > MaxTextChars {
		return fmt.Errorf("message: text exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(d.Text) {
		return fmt.Errorf("message: text contains invalid UTF-8")
	}
	return nil
}

// Store is the message store gateway. Create validates and persists a draft
// and returns the canonical record; ListBetween returns the full history for
// a participant pair in chronological ascending order.
type Store interface {
	Create(ctx context.Context, draft Draft) (*Record, error)
	FindByID(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	ListBetween(ctx context.Context, userA, userB string) ([]Record, error)
}
