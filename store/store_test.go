package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecordStore runs the behavior every RecordStore must share.
func testRecordStore(t *testing.T, newStore func(t *testing.T) RecordStore) {
	ctx := context.Background()
	alice := Scope{App: "Storage-https://a.example/app", User: "alice"}

	t.Run("upsert returns previous value", func(t *testing.T) {
		s := newStore(t)
		prev, err := s.Upsert(ctx, alice, "fruit", Record{Value: "apple"})
		require.NoError(t, err)
		assert.Nil(t, prev)

		prev, err = s.Upsert(ctx, alice, "fruit", Record{Value: "pear"})
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "apple", prev.Value)
		assert.False(t, prev.ValueIsHash)

		rec, err := s.Get(ctx, alice, "fruit")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "pear", rec.Value)
		assert.False(t, rec.LastAccessed.IsZero())
	})

	t.Run("missing key is nil", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Get(ctx, alice, "nothing")
		require.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = s.Remove(ctx, alice, "nothing")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("hash flag is kept", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, alice, "blob", Record{Value: "5eb63bbbe01eeed093cb22bb8f5acdc3", ValueIsHash: true})
		require.NoError(t, err)
		rec, err := s.Get(ctx, alice, "blob")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.ValueIsHash)
	})

	t.Run("keys remove and clear", func(t *testing.T) {
		s := newStore(t)
		for _, key := range []string{"b", "a", "c"} {
			_, err := s.Upsert(ctx, alice, key, Record{Value: key})
			require.NoError(t, err)
		}
		keys, err := s.Keys(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		prev, err := s.Remove(ctx, alice, "b")
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "b", prev.Value)

		keys, err = s.Keys(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, keys)

		require.NoError(t, s.Clear(ctx, alice))
		keys, err = s.Keys(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("scopes are isolated", func(t *testing.T) {
		s := newStore(t)
		otherApp := Scope{App: "Storage-https://b.example/app", User: "alice"}
		bob := Scope{App: alice.App, User: "bob"}

		_, err := s.Upsert(ctx, alice, "k", Record{Value: "alice"})
		require.NoError(t, err)

		for _, scope := range []Scope{otherApp, bob} {
			rec, err := s.Get(ctx, scope, "k")
			require.NoError(t, err)
			assert.Nil(t, rec)
			keys, err := s.Keys(ctx, scope)
			require.NoError(t, err)
			assert.Empty(t, keys)
		}

		require.NoError(t, s.Clear(ctx, bob))
		rec, err := s.Get(ctx, alice, "k")
		require.NoError(t, err)
		assert.NotNil(t, rec)
	})

	t.Run("restore undoes upsert", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, alice, "k", Record{Value: "old"})
		require.NoError(t, err)
		prev, err := s.Upsert(ctx, alice, "k", Record{Value: "new", ValueIsHash: true})
		require.NoError(t, err)

		restored, err := s.Restore(ctx, alice, "k", "new", prev)
		require.NoError(t, err)
		assert.True(t, restored)

		rec, err := s.Get(ctx, alice, "k")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "old", rec.Value)
		assert.False(t, rec.ValueIsHash)
	})

	t.Run("restore to nothing deletes", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, alice, "k", Record{Value: "new"})
		require.NoError(t, err)

		restored, err := s.Restore(ctx, alice, "k", "new", nil)
		require.NoError(t, err)
		assert.True(t, restored)

		rec, err := s.Get(ctx, alice, "k")
		require.NoError(t, err)
		assert.Nil(t, rec)
		keys, err := s.Keys(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("restore skips changed record", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, alice, "k", Record{Value: "newer"})
		require.NoError(t, err)

		restored, err := s.Restore(ctx, alice, "k", "new", &Record{Value: "old"})
		require.NoError(t, err)
		assert.False(t, restored)

		rec, err := s.Get(ctx, alice, "k")
		require.NoError(t, err)
		assert.Equal(t, "newer", rec.Value)
	})
}

// testBlobStore runs the behavior every BlobStore must share. advance moves the
// store's clock forward.
func testBlobStore(t *testing.T, newStore func(t *testing.T) (BlobStore, func(time.Duration))) {
	ctx := context.Background()
	const hash = "9e107d9d372bb6826bd81d3542a419d6"
	data := []byte("the quick brown fox jumps over the lazy dog")

	t.Run("put get exists", func(t *testing.T) {
		s, _ := newStore(t)
		exists, err := s.Exists(ctx, hash)
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = s.Get(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, hash, data, 0))
		exists, err = s.Exists(ctx, hash)
		require.NoError(t, err)
		assert.True(t, exists)

		blob, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, data, blob.Data)
		assert.True(t, blob.Expires.IsZero())
		assert.False(t, blob.Created.IsZero())
	})

	t.Run("ttl expires", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Put(ctx, hash, data, time.Minute))
		blob, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.False(t, blob.Expires.IsZero())

		advance(2 * time.Minute)
		_, err = s.Get(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound)
		found, err := s.Touch(ctx, hash, time.Minute)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("touch extends ttl", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Put(ctx, hash, data, time.Minute))
		advance(40 * time.Second)
		found, err := s.Touch(ctx, hash, time.Minute)
		require.NoError(t, err)
		assert.True(t, found)
		advance(40 * time.Second)

		exists, err := s.Exists(ctx, hash)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("touch with zero ttl persists", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Put(ctx, hash, data, time.Minute))
		found, err := s.Touch(ctx, hash, 0)
		require.NoError(t, err)
		assert.True(t, found)

		advance(time.Hour)
		blob, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.True(t, blob.Expires.IsZero())
	})

	t.Run("permanent blob is never downgraded", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Put(ctx, hash, data, 0))
		require.NoError(t, s.Put(ctx, hash, data, time.Minute))
		found, err := s.Touch(ctx, hash, time.Minute)
		require.NoError(t, err)
		assert.True(t, found)

		advance(time.Hour)
		exists, err := s.Exists(ctx, hash)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("shares are per owner and expire", func(t *testing.T) {
		s, advance := newStore(t)
		shared, err := s.Shared(ctx, "Transport-https://a.example/app", hash)
		require.NoError(t, err)
		assert.False(t, shared)

		require.NoError(t, s.Share(ctx, "Transport-https://a.example/app", hash, time.Minute))
		shared, err = s.Shared(ctx, "Transport-https://a.example/app", hash)
		require.NoError(t, err)
		assert.True(t, shared)
		shared, err = s.Shared(ctx, "Transport-https://b.example/app", hash)
		require.NoError(t, err)
		assert.False(t, shared)

		advance(40 * time.Second)
		require.NoError(t, s.Share(ctx, "Transport-https://a.example/app", hash, time.Minute))
		advance(40 * time.Second)
		shared, err = s.Shared(ctx, "Transport-https://a.example/app", hash)
		require.NoError(t, err)
		assert.True(t, shared)

		advance(time.Minute)
		shared, err = s.Shared(ctx, "Transport-https://a.example/app", hash)
		require.NoError(t, err)
		assert.False(t, shared)
	})
}

func TestMemoryRecords(t *testing.T) {
	testRecordStore(t, func(t *testing.T) RecordStore {
		return NewMemoryRecords()
	})
}

func TestMemoryBlobs(t *testing.T) {
	testBlobStore(t, func(t *testing.T) (BlobStore, func(time.Duration)) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		s := NewMemoryBlobs()
		s.SetClock(func() time.Time { return now })
		return s, func(d time.Duration) { now = now.Add(d) }
	})
}

func TestMemoryBlobs_CopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBlobs()
	data := []byte("mutable")
	require.NoError(t, s.Put(ctx, "h", data, 0))
	data[0] = 'X'

	blob, err := s.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), blob.Data)
}
