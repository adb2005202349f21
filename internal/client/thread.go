// Package client provides the Go client for the realtime messaging
// subsystem: a WebSocket connection with typed event handlers, the
// optimistic per-conversation thread state, and the messenger that
// orchestrates sends across the socket and REST paths.
package client

import (
	"sync"
	"time"

	"github.com/pulse/social-app/internal/message"
)

// Delivery status of a thread entry, as seen by the local user.
const (
	StatusSending = "sending" // optimistic, not yet confirmed by the server
	StatusSent    = "sent"    // server echo received, entry carries a real id
	StatusFailed  = "failed"  // send failed or timed out
)

// PinThresholdPx is how close to the bottom (in pixels) the viewport must be
// for new messages to auto-scroll it. A reader who has scrolled up further
// than this keeps their position.
const PinThresholdPx = 50

// Entry is one message in a conversation thread: the record plus local-only
// delivery state.
type Entry struct {
	message.Record
	Status     string    // sending / sent / failed; empty for peer messages
	Deleting   bool      // delete requested, awaiting confirmation
	EnqueuedAt time.Time // when the optimistic entry was appended
}

// Thread holds the ordered message list for one conversation, with the
// reconciliation indexes that make server echoes replace optimistic entries
// in place instead of duplicating them. All methods are safe for concurrent
// use; the socket read loop and the UI touch the same thread.
type Thread struct {
	mu       sync.Mutex
	entries  []*Entry
	byTempID map[string]*Entry
	byID     map[string]*Entry
	pinned   bool // viewport is at (or near) the bottom
}

// NewThread creates an empty thread. A fresh thread starts pinned: the first
// render is at the bottom.
func NewThread() *Thread {
	return &Thread{
		byTempID: make(map[string]*Entry),
		byID:     make(map[string]*Entry),
		pinned:   true,
	}
}

// AppendLocal adds an optimistic entry for a message the local user just
// sent. The record carries only client-known fields (no server id yet); the
// entry starts in the sending state.
func (t *Thread) AppendLocal(rec message.Record) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{
		Record:     rec,
		Status:     StatusSending,
		EnqueuedAt: time.Now(),
	}
	t.entries = append(t.entries, e)
	if rec.TempID != "" {
		t.byTempID[rec.TempID] = e
	}
	return e
}

// MergeIncoming reconciles a server-delivered record into the thread.
//
// If the record's temp_id matches an optimistic entry, that entry is upgraded
// in place: it gains the server id and timestamp, flips to sent, and keeps
// its position. If the record's id is already present the event is a
// duplicate and is dropped. Otherwise the record is appended as a new entry
// (a peer message, or an echo for a send made from another tab).
//
// The returned scroll flag is true when the viewport should follow the new
// message, i.e. the viewport is pinned to the bottom or the message is the
// local user's own.
func (t *Thread) MergeIncoming(rec message.Record, self string) (appended bool, scroll bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	own := rec.Sender == self

	if rec.TempID != "" {
		if e, ok := t.byTempID[rec.TempID]; ok {
			e.ID = rec.ID
			e.CreatedAt = rec.CreatedAt
			e.Image = rec.Image
			e.Voice = rec.Voice
			e.Status = StatusSent
			if rec.ID != "" {
				t.byID[rec.ID] = e
			}
			return false, t.pinned || own
		}
	}

	if rec.ID != "" {
		if _, ok := t.byID[rec.ID]; ok {
			return false, false
		}
	}

	e := &Entry{Record: rec}
	if own {
		e.Status = StatusSent
	}
	t.entries = append(t.entries, e)
	if rec.ID != "" {
		t.byID[rec.ID] = e
	}
	if rec.TempID != "" {
		t.byTempID[rec.TempID] = e
	}
	return true, t.pinned || own
}

// MarkFailed flips an optimistic entry to failed. Unknown temp ids are a
// no-op (the echo may have won the race).
func (t *Thread) MarkFailed(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byTempID[tempID]; ok && e.Status == StatusSending {
		e.Status = StatusFailed
	}
}

// ExpirePending fails every entry that has been in the sending state longer
// than timeout. Returns the temp ids that were failed.
func (t *Thread) ExpirePending(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var expired []string
	for _, e := range t.entries {
		if e.Status == StatusSending && e.EnqueuedAt.Before(cutoff) {
			e.Status = StatusFailed
			expired = append(expired, e.TempID)
		}
	}
	return expired
}

// BeginDelete marks a persisted entry as pending deletion. The entry stays
// visible (grayed out in the UI) until the deletion is confirmed or restored.
func (t *Thread) BeginDelete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return false
	}
	e.Deleting = true
	return true
}

// RestoreDelete clears the pending-deletion flag after a failed delete call.
func (t *Thread) RestoreDelete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byID[id]; ok {
		e.Deleting = false
	}
}

// Remove drops an entry by server id or temp id, whichever is set. Used for
// confirmed deletions and unsent-entry retractions from other tabs. Unknown
// ids are a no-op.
func (t *Thread) Remove(id, tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var e *Entry
	if id != "" {
		e = t.byID[id]
	} else if tempID != "" {
		e = t.byTempID[tempID]
	}
	if e == nil {
		return false
	}

	if e.ID != "" {
		delete(t.byID, e.ID)
	}
	if e.TempID != "" {
		delete(t.byTempID, e.TempID)
	}
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	return true
}

// SetViewport records how far from the bottom the viewport currently sits.
// Within PinThresholdPx the thread is pinned and follows new messages;
// further up it holds position.
func (t *Thread) SetViewport(distanceFromBottomPx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinned = distanceFromBottomPx < PinThresholdPx
}

// Pinned reports whether the viewport follows new messages.
func (t *Thread) Pinned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinned
}

// Entries returns a snapshot of the thread in display order.
func (t *Thread) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries in the thread.
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
