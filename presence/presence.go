// Package presence records which connections are attached to which server
// instance, so operators and other instances can see who is online.
package presence

import (
	"context"
	"time"
)

// Record holds metadata about one attached connection.
type Record struct {
	SessionID   string    `json:"session_id"`
	ServerID    string    `json:"server_id"` // ID of the relay instance holding the socket
	App         string    `json:"app"`
	Capability  string    `json:"capability"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory stores presence records. Records expire unless refreshed, so a
// crashed instance does not leave its users online forever.
type Directory interface {
	// Create stores a new record.
	Create(ctx context.Context, record *Record) error
	// Get retrieves a record by session ID. A missing record yields nil, nil.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Delete removes a record.
	Delete(ctx context.Context, sessionID string) error
	// RefreshTTL extends the record's lifetime.
	RefreshTTL(ctx context.Context, sessionID string) error
}
