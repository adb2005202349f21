package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists message records in the messages table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given database
// handle. The messages table is created by the storage migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create validates the draft, assigns a server id and timestamp, and inserts
// the record. The draft's temp id is stored alongside the record so broadcast
// payloads can echo it back to the sender.
func (s *PostgresStore) Create(ctx context.Context, draft Draft) (*Record, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:        uuid.New().String(),
		Sender:    draft.Sender,
		Receiver:  draft.Receiver,
		Text:      draft.Text,
		Image:     draft.Image,
		Voice:     draft.Voice,
		TempID:    draft.TempID,
		CreatedAt: time.Now().UTC(),
	}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, text, image_ref, voice_ref, temp_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Sender,
		rec.Receiver,
		rec.Text,
		nullable(rec.Image),
		nullable(rec.Voice),
		nullable(rec.TempID),
		rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return rec, nil
}

// FindByID returns the record with the given id, or ErrNotFound.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Record, error) {
	const query = `
		SELECT id, sender_id, receiver_id, text, image_ref, voice_ref, temp_id, created_at
		FROM messages
		WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: find %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes the record with the given id. Returns ErrNotFound when the
// record does not exist, so callers only broadcast deletions that actually
// occurred.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("message: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBetween returns every message exchanged between the two users,
// chronological ascending, regardless of which side sent each one.
func (s *PostgresStore) ListBetween(ctx context.Context, userA, userB string) ([]Record, error) {
	const query = `
		SELECT id, sender_id, receiver_id, text, image_ref, voice_ref, temp_id, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("message: list between %s and %s: %w", userA, userB, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list rows: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec    Record
		image  sql.NullString
		voice  sql.NullString
		tempID sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Sender, &rec.Receiver, &rec.Text, &image, &voice, &tempID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Image = image.String
	rec.Voice = voice.String
	rec.TempID = tempID.String
	return &rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
