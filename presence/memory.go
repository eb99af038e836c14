package presence

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record  Record
	expires time.Time
}

// MemoryDirectory is a Directory for a single instance.
type MemoryDirectory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryEntry
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]memoryEntry),
	}
}

func (d *MemoryDirectory) Create(_ context.Context, record *Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[record.SessionID] = memoryEntry{record: *record, expires: d.now().Add(d.ttl)}
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, sessionID string) (*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.records[sessionID]
	if !ok {
		return nil, nil
	}
	if !d.now().Before(entry.expires) {
		delete(d.records, sessionID)
		return nil, nil
	}
	record := entry.record
	return &record, nil
}

func (d *MemoryDirectory) Delete(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, sessionID)
	return nil
}

func (d *MemoryDirectory) RefreshTTL(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.records[sessionID]; ok && d.now().Before(entry.expires) {
		entry.expires = d.now().Add(d.ttl)
		d.records[sessionID] = entry
	}
	return nil
}
