// Package user exposes the user directory consumed by the realtime layer:
// participant lookup for validation and payload enrichment, plus the
// denormalized presence projection (is_online / last_seen) written on
// registry transitions.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no user with the given id exists.
var ErrNotFound = errors.New("user: not found")

// User is the directory view of an account: display data plus the projected
// presence flags. LastSeen is nil while the user is online (or has never
// disconnected).
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	ProfilePicture string     `json:"profile_picture"`
	IsOnline       bool       `json:"is_online"`
	LastSeen       *time.Time `json:"last_seen"`
}

// Directory is the realtime layer's view of user storage. SetOnlineStatus is
// fire-and-forget from the registry's perspective: failures are logged by the
// caller, never retried, and must never block a broadcast.
type Directory interface {
	FindByID(ctx context.Context, id string) (*User, error)
	SetOnlineStatus(ctx context.Context, id string, isOnline bool, lastSeen *time.Time) error

	// ResetPresence marks every user offline. Called once at realtime-server
	// startup: the in-memory registry is empty after a restart, so the
	// projected flags must agree that everyone is offline.
	ResetPresence(ctx context.Context) error
}

// PostgresDirectory implements Directory on the users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by the given database
// handle.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// FindByID returns the user with the given id, or ErrNotFound.
func (d *PostgresDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, username, profile_picture, is_online, last_seen
		FROM users
		WHERE id = $1`

	var (
		u        User
		lastSeen sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.ProfilePicture, &u.IsOnline, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: find %s: %w", id, err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	return &u, nil
}

// SetOnlineStatus writes the projected presence flags for a user. Going
// online clears last_seen; going offline records it.
func (d *PostgresDirectory) SetOnlineStatus(ctx context.Context, id string, isOnline bool, lastSeen *time.Time) error {
	var seen sql.NullTime
	if lastSeen != nil {
		seen = sql.NullTime{Time: *lastSeen, Valid: true}
	}

	_, err := d.db.ExecContext(ctx,
		`UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`,
		id, isOnline, seen)
	if err != nil {
		return fmt.Errorf("user: set online status %s: %w", id, err)
	}
	return nil
}

// ResetPresence marks all users offline without touching last_seen, so a
// pre-restart "last seen" survives the reset.
func (d *PostgresDirectory) ResetPresence(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `UPDATE users SET is_online = FALSE WHERE is_online`)
	if err != nil {
		return fmt.Errorf("user: reset presence: %w", err)
	}
	return nil
}
