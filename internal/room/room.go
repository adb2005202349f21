// Package room manages conversation identifiers and the ephemeral mapping
// from conversation rooms to the WebSocket connections currently joined to
// them. Rooms have no persisted existence: they are broadcast groups that a
// connection must rejoin after every reconnect.
package room

import (
	"sort"
	"strings"
	"sync"
)

// Separator joins the two participant ids of a 1:1 conversation. It is not a
// valid character sequence inside a user id, so the canonical id is
// unambiguous.
const Separator = "::"

// ConversationID derives the canonical room id for the unordered pair of
// participant ids. Both participants compute the same id regardless of which
// side is the sender: the two ids are sorted lexicographically and joined
// with Separator.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + Separator + b
}

// Participants splits a canonical conversation id back into its two
// participant ids. The second return value is false if the id is not in
// canonical form.
func Participants(roomID string) (string, string, bool) {
	parts := strings.SplitN(roomID, Separator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsMember reports whether userID is one of the two participants encoded in
// the canonical room id. Used to reject room-spoofed events.
func IsMember(roomID, userID string) bool {
	a, b, ok := Participants(roomID)
	return ok && (userID == a || userID == b)
}

// Table is the thread-safe registry of live room membership. It indexes both
// directions: room -> connection set for broadcasts, and connection -> room
// set for O(1) cleanup when a connection drops.
type Table struct {
	mu      sync.RWMutex
	byRoom  map[string]map[string]struct{} // room id -> conn ids
	byConn  map[string]map[string]struct{} // conn id -> room ids
}

// NewTable creates an empty membership table.
func NewTable() *Table {
	return &Table{
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a room. Joining a room twice is a no-op.
func (t *Table) Join(roomID, connID string) {
	if roomID == "" || connID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byRoom[roomID] == nil {
		t.byRoom[roomID] = make(map[string]struct{})
	}
	t.byRoom[roomID][connID] = struct{}{}

	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]struct{})
	}
	t.byConn[connID][roomID] = struct{}{}
}

// Leave removes a connection from a single room. Leaving a room the
// connection never joined is a no-op.
func (t *Table) Leave(roomID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveLocked(roomID, connID)
}

func (t *Table) leaveLocked(roomID, connID string) {
	if conns, ok := t.byRoom[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.byRoom, roomID)
		}
	}
	if rooms, ok := t.byConn[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(t.byConn, connID)
		}
	}
}

// DropConn removes a connection from every room it had joined. Called on
// disconnect as transport-level cleanup.
func (t *Table) DropConn(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID := range t.byConn[connID] {
		t.leaveLocked(roomID, connID)
	}
}

// Members returns a snapshot of the connection ids currently in a room,
// sorted for deterministic iteration. Broadcast paths must call this at
// broadcast time, never cache it across a persistence await: membership may
// have changed while the await was pending.
func (t *Table) Members(roomID string) []string {
	t.mu.RLock()
	conns := make([]string, 0, len(t.byRoom[roomID]))
	for id := range t.byRoom[roomID] {
		conns = append(conns, id)
	}
	t.mu.RUnlock()

	sort.Strings(conns)
	return conns
}

// Rooms returns the rooms a connection is currently joined to.
func (t *Table) Rooms(connID string) []string {
	t.mu.RLock()
	rooms := make([]string, 0, len(t.byConn[connID]))
	for id := range t.byConn[connID] {
		rooms = append(rooms, id)
	}
	t.mu.RUnlock()

	sort.Strings(rooms)
	return rooms
}
