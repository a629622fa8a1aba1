// Package history persists completed relay responses.
// Writes are best-effort: a failed insert is logged and swallowed, never
// surfaced to the user-facing request.
package history

import (
	"context"
	"time"
)

// Record is one completed question/answer pair.
// Records are append-only; nothing in the relay mutates or deletes them.
type Record struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	Model     string    `json:"model"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface for history records.
type Store interface {
	// Insert appends one record.
	Insert(ctx context.Context, rec *Record) error

	// Recent returns up to limit records ordered newest first.
	// A nil userID returns records across all callers.
	Recent(ctx context.Context, userID *string, limit int) ([]*Record, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
