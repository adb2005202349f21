// Package session mirrors live WebSocket connection state into Redis for
// operational visibility (which server holds a connection, which user it
// declared, when it was last active). The mirror is write-only from the
// realtime server's point of view: presence decisions always come from the
// in-memory registry, never from Redis.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// ConnTTL caps how long a connection record outlives its last refresh,
	// so crashed servers don't leave records behind forever.
	ConnTTL = 1 * time.Hour
)

// Conn is a connection's mirrored state.
type Conn struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"` // empty until the client declares identity
	Server     string `redis:"server"`  // which realtime server instance holds it
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a fresh connection record with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	key := ConnPrefix + connID
	var conn Conn
	if err := s.client.HGetAll(ctx, key).Scan(&conn); err != nil {
		return nil, err
	}
	if conn.ID == "" {
		return nil, nil
	}
	return &conn, nil
}

// SetUser records the user id a connection declared and refreshes the TTL.
func (s *Store) SetUser(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the record's last_active timestamp and TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, ConnPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares this connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
