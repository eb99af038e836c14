package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRecords keeps Storage records in process memory. It backs development
// deployments and tests; nothing survives a restart.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[Scope]map[string]Record
	now     func() time.Time
}

// NewMemoryRecords creates an empty record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		records: make(map[Scope]map[string]Record),
		now:     time.Now,
	}
}

func (m *MemoryRecords) Keys(_ context.Context, scope Scope) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.records[scope]))
	for key := range m.records[scope] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryRecords) Get(_ context.Context, scope Scope, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[scope][key]
	if !ok {
		return nil, nil
	}
	rec.LastAccessed = m.now()
	m.records[scope][key] = rec
	return &rec, nil
}

func (m *MemoryRecords) Upsert(_ context.Context, scope Scope, key string, rec Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.records[scope]
	if !ok {
		owned = make(map[string]Record)
		m.records[scope] = owned
	}
	var prev *Record
	if old, ok := owned[key]; ok {
		prev = &old
		rec.LastAccessed = old.LastAccessed
	}
	rec.LastUpdated = m.now()
	owned[key] = rec
	return prev, nil
}

func (m *MemoryRecords) Remove(_ context.Context, scope Scope, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.records[scope][key]
	if !ok {
		return nil, nil
	}
	delete(m.records[scope], key)
	return &old, nil
}

func (m *MemoryRecords) Clear(_ context.Context, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, scope)
	return nil
}

func (m *MemoryRecords) Restore(_ context.Context, scope Scope, key, expect string, prev *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[scope][key]
	if !ok || current.Value != expect {
		return false, nil
	}
	if prev == nil {
		delete(m.records[scope], key)
	} else {
		m.records[scope][key] = *prev
	}
	return true, nil
}

// MemoryBlobs keeps blobs in process memory with lazy expiry.
type MemoryBlobs struct {
	mu     sync.Mutex
	blobs  map[string]*Blob
	shares map[share]time.Time // zero expiry is permanent
	now    func() time.Time
}

type share struct {
	owner, hash string
}

// NewMemoryBlobs creates an empty blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{
		blobs:  make(map[string]*Blob),
		shares: make(map[share]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces time.Now, for tests.
func (m *MemoryBlobs) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryBlobs) Exists(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(hash) != nil, nil
}

func (m *MemoryBlobs) Get(_ context.Context, hash string) (*Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob := m.live(hash)
	if blob == nil {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	copied := *blob
	return &copied, nil
}

func (m *MemoryBlobs) Put(_ context.Context, hash string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	blob := m.live(hash)
	existed := blob != nil
	if !existed {
		blob = &Blob{Hash: hash, Created: now}
		m.blobs[hash] = blob
	}
	blob.Data = append([]byte(nil), data...)
	blob.LastAccessed = now
	switch {
	case ttl <= 0:
		blob.Expires = time.Time{}
	case !existed || !blob.Expires.IsZero():
		blob.Expires = now.Add(ttl)
	}
	return nil
}

func (m *MemoryBlobs) Touch(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob := m.live(hash)
	if blob == nil {
		return false, nil
	}
	now := m.now()
	blob.LastAccessed = now
	switch {
	case ttl <= 0:
		blob.Expires = time.Time{}
	case !blob.Expires.IsZero():
		blob.Expires = now.Add(ttl)
	}
	return true, nil
}

func (m *MemoryBlobs) Share(_ context.Context, owner, hash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for other, expires := range m.shares {
		if !expires.IsZero() && !now.Before(expires) {
			delete(m.shares, other)
		}
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.shares[share{owner, hash}] = expires
	return nil
}

func (m *MemoryBlobs) Shared(_ context.Context, owner, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := share{owner, hash}
	expires, ok := m.shares[key]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && !m.now().Before(expires) {
		delete(m.shares, key)
		return false, nil
	}
	return true, nil
}

// live returns an unexpired blob, dropping it if its time is up. m.mu must be held.
func (m *MemoryBlobs) live(hash string) *Blob {
	blob, ok := m.blobs[hash]
	if !ok {
		return nil
	}
	if !blob.Expires.IsZero() && !m.now().Before(blob.Expires) {
		delete(m.blobs, hash)
		return nil
	}
	return blob
}
