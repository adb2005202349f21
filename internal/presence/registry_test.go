package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestAddConnFirstConnectionComesOnline(t *testing.T) {
	r := NewRegistry()

	cameOnline, err := r.AddConn("u1", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cameOnline {
		t.Error("first connection must report the online transition")
	}

	cameOnline, err = r.AddConn("u1", "c2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cameOnline {
		t.Error("second connection must not report another online transition")
	}
}

func TestAddConnIdempotent(t *testing.T) {
	r := NewRegistry()

	if _, err := r.AddConn("u1", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cameOnline, err := r.AddConn("u1", "c1")
	if err != nil {
		t.Fatalf("repeated add of same pair must not error: %v", err)
	}
	if cameOnline {
		t.Error("repeated add must not report an online transition")
	}
	if got := r.ConnCount("u1"); got != 1 {
		t.Errorf("expected 1 connection, got %d", got)
	}
}

func TestAddConnRejectsInvalidInput(t *testing.T) {
	r := NewRegistry()

	if _, err := r.AddConn("", "c1"); err == nil {
		t.Error("expected error for empty user id")
	}
	if _, err := r.AddConn("u1", ""); err == nil {
		t.Error("expected error for empty connection id")
	}

	// A connection cannot be re-declared under a different user.
	if _, err := r.AddConn("u1", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.AddConn("u2", "c1"); err == nil {
		t.Error("expected error when stealing a connection id")
	}
}

func TestRemoveConnOfflineTransition(t *testing.T) {
	r := NewRegistry()
	r.AddConn("u1", "c1")
	r.AddConn("u1", "c2")

	// Two tabs open, one closes: still online.
	userID, wentOffline := r.RemoveConn("c1")
	if userID != "u1" {
		t.Fatalf("expected owner u1, got %q", userID)
	}
	if wentOffline {
		t.Error("user with a remaining connection must stay online")
	}
	if !r.IsOnline("u1") {
		t.Error("u1 must still be online")
	}

	// Last tab closes: offline.
	userID, wentOffline = r.RemoveConn("c2")
	if userID != "u1" || !wentOffline {
		t.Fatalf("expected u1 to go offline, got user=%q offline=%v", userID, wentOffline)
	}
	if r.IsOnline("u1") {
		t.Error("u1 must be offline after last connection closed")
	}
}

func TestRemoveUnknownConnIsNoOp(t *testing.T) {
	r := NewRegistry()
	userID, wentOffline := r.RemoveConn("ghost")
	if userID != "" || wentOffline {
		t.Fatalf("expected no-op, got user=%q offline=%v", userID, wentOffline)
	}
}

func TestOnlineUserIDsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.AddConn("u2", "c1")
	r.AddConn("u1", "c2")
	r.AddConn("u3", "c3")
	r.RemoveConn("c3")

	got := r.OnlineUserIDs()
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("expected sorted [u1 u2], got %v", got)
	}
}

// Online iff the live connection set is non-empty, for arbitrary add/remove
// interleavings.
func TestOnlineMatchesConnectionSet(t *testing.T) {
	r := NewRegistry()
	type op struct {
		add    bool
		user   string
		conn   string
	}
	ops := []op{
		{true, "a", "c1"},
		{true, "a", "c2"},
		{true, "b", "c3"},
		{false, "", "c1"},
		{false, "", "c3"},
		{true, "b", "c4"},
		{false, "", "c2"},
	}
	live := map[string]map[string]bool{}
	for _, o := range ops {
		if o.add {
			r.AddConn(o.user, o.conn)
			if live[o.user] == nil {
				live[o.user] = map[string]bool{}
			}
			live[o.user][o.conn] = true
		} else {
			r.RemoveConn(o.conn)
			for u := range live {
				delete(live[u], o.conn)
			}
		}
		for u, conns := range live {
			if r.IsOnline(u) != (len(conns) > 0) {
				t.Fatalf("user %s: IsOnline=%v but live conns=%d", u, r.IsOnline(u), len(conns))
			}
		}
	}
}

func TestUserOf(t *testing.T) {
	r := NewRegistry()
	r.AddConn("u1", "c1")

	if got := r.UserOf("c1"); got != "u1" {
		t.Errorf("expected u1, got %q", got)
	}
	if got := r.UserOf("ghost"); got != "" {
		t.Errorf("expected empty owner, got %q", got)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	r := NewRegistry()
	goroutines := 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", id%10)
			conn := fmt.Sprintf("c%d", id)
			for i := 0; i < 20; i++ {
				r.AddConn(user, conn)
				_ = r.OnlineUserIDs()
				r.RemoveConn(conn)
			}
		}(g)
	}
	wg.Wait()

	if got := len(r.OnlineUserIDs()); got != 0 {
		t.Fatalf("expected empty registry after balanced add/remove, got %d users", got)
	}
}
