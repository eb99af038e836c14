// Package store is the persistent side of the relay: Storage records keyed by
// (application, user, key) and blobs keyed by content hash.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a blob is not present.
var ErrNotFound = errors.New("store: not found")

// Scope identifies the owner of a set of records. App is the router's application
// key, so two applications never see each other's records.
type Scope struct {
	App  string
	User string
}

// Record is one persisted (user, key) -> value entry. When ValueIsHash is set,
// Value names a blob rather than holding the data inline.
type Record struct {
	Value        string
	ValueIsHash  bool
	LastUpdated  time.Time
	LastAccessed time.Time
}

// Blob is a stored binary payload. A zero Expires means the blob is permanent.
type Blob struct {
	Hash         string
	Data         []byte
	Created      time.Time
	LastAccessed time.Time
	Expires      time.Time
}

// RecordStore persists Storage records.
type RecordStore interface {
	// Keys lists the keys owned by scope.
	Keys(ctx context.Context, scope Scope) ([]string, error)
	// Get returns the record and refreshes its access time. A missing key yields nil, nil.
	Get(ctx context.Context, scope Scope, key string) (*Record, error)
	// Upsert writes rec and returns the record it replaced, or nil.
	Upsert(ctx context.Context, scope Scope, key string, rec Record) (*Record, error)
	// Remove deletes the record and returns it, or nil when absent.
	Remove(ctx context.Context, scope Scope, key string) (*Record, error)
	// Clear deletes every record owned by scope.
	Clear(ctx context.Context, scope Scope) error
	// Restore puts prev back (or deletes the key when prev is nil), but only while the
	// current value still equals expect. It undoes an Upsert whose blob never arrived.
	Restore(ctx context.Context, scope Scope, key, expect string, prev *Record) (bool, error)
}

// BlobStore persists content-addressed blobs.
type BlobStore interface {
	Exists(ctx context.Context, hash string) (bool, error)
	// Get returns the blob or ErrNotFound.
	Get(ctx context.Context, hash string) (*Blob, error)
	// Put stores data under hash. A positive ttl makes a new blob expire; it never
	// downgrades an existing permanent blob. A zero ttl makes the blob permanent.
	Put(ctx context.Context, hash string, data []byte, ttl time.Duration) error
	// Touch refreshes the access time. A positive ttl extends an expiring blob; a zero
	// ttl makes the blob permanent. It reports whether the blob exists.
	Touch(ctx context.Context, hash string, ttl time.Duration) (bool, error)
	// Share records that owner handed out hash, for ttl (zero never expires). Sharing
	// again restarts the clock.
	Share(ctx context.Context, owner, hash string, ttl time.Duration) error
	// Shared reports whether owner has an unexpired share of hash.
	Shared(ctx context.Context, owner, hash string) (bool, error)
}
