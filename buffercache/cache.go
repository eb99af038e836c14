// Package buffercache deduplicates binary payloads by content hash.
//
// Cache is the in-memory, reference-counted store used on both ends of a
// connection. Persisted layers it over a store.BlobStore for the server.
package buffercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a hash is not cached.
var ErrNotFound = errors.New("buffercache: no content with hash")

// Entry is a snapshot of a cached blob's bookkeeping.
type Entry struct {
	Hash       string
	Size       int
	Created    time.Time
	LastAccess time.Time
	Expires    time.Time
	Refs       int
}

type entry struct {
	mu         sync.Mutex
	hash       string
	data       []byte
	created    time.Time
	lastAccess time.Time
	expires    time.Time
	ids        []string
	counter    int
	evicted    bool
}

func (e *entry) refs() int {
	return len(e.ids) + e.counter
}

// Cache maps content hashes to blobs. Every entry is guarded by its own lock;
// the index itself is a sync.Map so unrelated hashes never contend.
type Cache struct {
	alg     Algorithm
	entries sync.Map // hash -> *entry
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache hashing with alg.
func New(alg Algorithm, opts ...Option) *Cache {
	c := &Cache{alg: alg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Algorithm returns the hash algorithm used for keys.
func (c *Cache) Algorithm() Algorithm { return c.alg }

// Add stores data under its hash and takes a reference on it. A non-empty refID is
// recorded in the entry's reference set; an empty one bumps the generic counter.
// Adding identical bytes again adds a reference, not a copy.
func (c *Cache) Add(data []byte, refID string) string {
	return c.AddExpiring(data, refID, 0)
}

// AddExpiring is Add with a time-to-live. A zero ttl never expires. A later call
// can only push the expiry further out.
func (c *Cache) AddExpiring(data []byte, refID string, ttl time.Duration) string {
	return c.add(data, refID, ttl, false)
}

// Hold keeps data cached until ttl elapses without taking a new reference when the
// entry already holds a generic one. Repeated holds only extend the expiry.
func (c *Cache) Hold(data []byte, ttl time.Duration) string {
	return c.add(data, "", ttl, true)
}

func (c *Cache) add(data []byte, refID string, ttl time.Duration, hold bool) string {
	hash := c.alg.Sum(data)
	now := c.now()
	for {
		fresh := &entry{hash: hash, data: data, created: now}
		value, _ := c.entries.LoadOrStore(hash, fresh)
		e := value.(*entry)

		e.mu.Lock()
		if e.evicted {
			// Lost a race with eviction; the index no longer holds e.
			e.mu.Unlock()
			continue
		}
		switch {
		case refID != "":
			e.ids = append(e.ids, refID)
		case !hold || e.counter == 0:
			e.counter++
		}
		e.lastAccess = now
		if ttl > 0 {
			if expires := now.Add(ttl); expires.After(e.expires) {
				e.expires = expires
			}
		}
		e.mu.Unlock()
		return hash
	}
}

// Retrieve returns the bytes cached under hash. When refID is non-empty that
// reference is released, and the entry is evicted once no references remain.
func (c *Cache) Retrieve(hash, refID string) ([]byte, error) {
	e, err := c.live(hash)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	data := e.data
	e.lastAccess = c.now()
	if refID != "" {
		for i, id := range e.ids {
			if id == refID {
				e.ids = append(e.ids[:i], e.ids[i+1:]...)
				break
			}
		}
		if e.refs() <= 0 {
			c.evictLocked(e)
		}
	}
	return data, nil
}

// Release drops one generic (anonymous) reference taken by Add with an empty refID.
func (c *Cache) Release(hash string) error {
	e, err := c.live(hash)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.counter > 0 {
		e.counter--
	}
	if e.refs() <= 0 {
		c.evictLocked(e)
	}
	return nil
}

// Peek returns the cached bytes without touching references.
func (c *Cache) Peek(hash string) ([]byte, bool) {
	e, err := c.live(hash)
	if err != nil {
		return nil, false
	}
	defer e.mu.Unlock()
	e.lastAccess = c.now()
	return e.data, true
}

// Contains reports whether hash is cached and not expired.
func (c *Cache) Contains(hash string) bool {
	e, err := c.live(hash)
	if err != nil {
		return false
	}
	e.mu.Unlock()
	return true
}

// Stat returns the bookkeeping of a cached entry.
func (c *Cache) Stat(hash string) (Entry, error) {
	e, err := c.live(hash)
	if err != nil {
		return Entry{}, err
	}
	defer e.mu.Unlock()
	return Entry{
		Hash:       e.hash,
		Size:       len(e.data),
		Created:    e.created,
		LastAccess: e.lastAccess,
		Expires:    e.expires,
		Refs:       e.refs(),
	}, nil
}

// Evict drops hash regardless of its references.
func (c *Cache) Evict(hash string) {
	value, ok := c.entries.Load(hash)
	if !ok {
		return
	}
	e := value.(*entry)
	e.mu.Lock()
	if !e.evicted {
		c.evictLocked(e)
	}
	e.mu.Unlock()
}

// Len counts live entries.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		if !e.evicted {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Sweep evicts every entry whose expiry has passed and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	n := 0
	c.entries.Range(func(_, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		if !e.evicted && !e.expires.IsZero() && !now.Before(e.expires) {
			c.evictLocked(e)
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// live returns the entry for hash locked, or ErrNotFound. Expired entries are
// evicted on the way.
func (c *Cache) live(hash string) (*entry, error) {
	value, ok := c.entries.Load(hash)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNotFound, hash)
	}
	e := value.(*entry)
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w %s", ErrNotFound, hash)
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.evictLocked(e)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w %s", ErrNotFound, hash)
	}
	return e, nil
}

// evictLocked removes e from the index. e.mu must be held.
func (c *Cache) evictLocked(e *entry) {
	e.evicted = true
	e.data = nil
	c.entries.CompareAndDelete(e.hash, e)
}
