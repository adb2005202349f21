// Package presence tracks which users currently have at least one live
// realtime connection. The registry is the sole source of truth for "online":
// the persisted is_online flag is a one-way projection written on transitions
// and is never read back to rebuild registry state.
package presence

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps user ids to their set of active connection ids. A user may
// hold several connections at once (tabs, devices); the user is online iff
// the set is non-empty. A reverse connection -> user index makes disconnect
// cleanup O(1) regardless of how many users are online.
//
// The registry is process-local. A restart loses all entries, which callers
// must treat as "everyone offline" (see Directory.ResetPresence).
type Registry struct {
	mu     sync.Mutex
	byUser map[string]map[string]struct{} // user id -> conn ids
	byConn map[string]string              // conn id -> user id
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// AddConn registers a connection under a user. It is idempotent for the same
// (user, conn) pair. The returned flag is true when this was the user's first
// connection, i.e. the user just transitioned from offline to online.
//
// A connection id may belong to at most one user; re-declaring an existing
// connection under a different user is rejected.
func (r *Registry) AddConn(userID, connID string) (cameOnline bool, err error) {
	if userID == "" || connID == "" {
		return false, fmt.Errorf("presence: empty user or connection id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byConn[connID]; ok {
		if owner == userID {
			return false, nil
		}
		return false, fmt.Errorf("presence: connection %s already owned by user %s", connID, owner)
	}

	conns, existed := r.byUser[userID]
	if !existed {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID

	return !existed, nil
}

// RemoveConn removes a connection from whichever user owns it. It returns the
// owning user id and whether that user transitioned to offline (last
// connection gone). Removing an unknown connection is a no-op.
func (r *Registry) RemoveConn(connID string) (userID string, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return userID, true
	}
	return userID, false
}

// UserOf returns the user id that declared the given connection, or "" if
// the connection never declared an identity.
func (r *Registry) UserOf(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[connID]
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUserIDs returns a sorted snapshot of every currently-online user id.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// ConnCount returns the number of live connections held by a user.
func (r *Registry) ConnCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}
