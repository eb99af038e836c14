package buffercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/store"
)

// ErrHashMismatch is returned when uploaded bytes do not hash to the claimed value.
var ErrHashMismatch = errors.New("buffercache: received wrong buffer")

// Persisted is the server's view of the buffer cache: a BlobStore fronted by a
// hot in-memory tier. Blobs stay hot for hotTTL after they are written or read,
// so a transport blob handed from one peer to another rarely hits the store.
type Persisted struct {
	blobs  store.BlobStore
	hot    *Cache
	hotTTL time.Duration
}

// NewPersisted wraps blobs. A zero hotTTL disables the in-memory tier.
func NewPersisted(blobs store.BlobStore, alg Algorithm, hotTTL time.Duration) *Persisted {
	return &Persisted{
		blobs:  blobs,
		hot:    New(alg),
		hotTTL: hotTTL,
	}
}

// Algorithm returns the hash algorithm blobs are addressed by.
func (p *Persisted) Algorithm() Algorithm { return p.hot.Algorithm() }

// Hot exposes the in-memory tier, for sweeping.
func (p *Persisted) Hot() *Cache { return p.hot }

// Exists reports whether hash is already stored.
func (p *Persisted) Exists(ctx context.Context, hash string) (bool, error) {
	return p.blobs.Exists(ctx, hash)
}

// Touch refreshes hash's access time and lifetime; see store.BlobStore.Touch.
func (p *Persisted) Touch(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return p.blobs.Touch(ctx, hash, ttl)
}

// Share marks hash as handed out by owner for ttl; see store.BlobStore.Share.
func (p *Persisted) Share(ctx context.Context, owner, hash string, ttl time.Duration) error {
	return p.blobs.Share(ctx, owner, hash, ttl)
}

// Shared reports whether owner has an unexpired share of hash.
func (p *Persisted) Shared(ctx context.Context, owner, hash string) (bool, error) {
	return p.blobs.Shared(ctx, owner, hash)
}

// Upsert verifies that data hashes to claimed and stores it with ttl (zero is
// permanent). Nothing is written on a mismatch.
func (p *Persisted) Upsert(ctx context.Context, claimed string, data []byte, ttl time.Duration) error {
	hash := p.hot.Algorithm().Sum(data)
	if hash != claimed {
		return fmt.Errorf("%w: claimed %s, got %s", ErrHashMismatch, claimed, hash)
	}
	if err := p.blobs.Put(ctx, hash, data, ttl); err != nil {
		return err
	}
	p.warm(data, ttl)
	glog.V(2).Infof("[cache] stored %s (%d bytes, ttl=%s)", hash, len(data), ttl)
	return nil
}

// Get returns the blob bytes and refreshes their lifetime with ttl, the way Touch does.
// A missing blob is store.ErrNotFound.
func (p *Persisted) Get(ctx context.Context, hash string, ttl time.Duration) ([]byte, error) {
	found, err := p.blobs.Touch(ctx, hash, ttl)
	if err != nil {
		return nil, err
	}
	if !found {
		p.hot.Evict(hash)
		return nil, fmt.Errorf("blob %s: %w", hash, store.ErrNotFound)
	}
	if data, ok := p.hot.Peek(hash); ok {
		return data, nil
	}
	blob, err := p.blobs.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	p.warm(blob.Data, ttl)
	return blob.Data, nil
}

func (p *Persisted) warm(data []byte, ttl time.Duration) {
	if p.hotTTL <= 0 {
		return
	}
	hotTTL := p.hotTTL
	if ttl > 0 && ttl < hotTTL {
		hotTTL = ttl
	}
	p.hot.Hold(data, hotTTL)
}
