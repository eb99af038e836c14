package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRecords(t *testing.T) {
	testRecordStore(t, func(t *testing.T) RecordStore {
		_, client := newTestRedis(t)
		return NewRedisRecords(client, "test:")
	})
}

func TestRedisBlobs(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			testBlobStore(t, func(t *testing.T) (BlobStore, func(time.Duration)) {
				mr, client := newTestRedis(t)
				return NewRedisBlobs(client, "test:", Codec{Compression: compression}), mr.FastForward
			})
		})
	}
}

func TestRedisBlobs_CompressesAtRest(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedisBlobs(client, "test:", Codec{Compression: CompressionZstd})

	data := bytes.Repeat([]byte("compress me "), 1000)
	require.NoError(t, s.Put(ctx, "h", data, 0))

	stored := mr.HGet("test:blob:h", "data")
	assert.Less(t, len(stored), len(data))
	assert.Equal(t, byte(CompressionZstd), stored[0])

	blob, err := s.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, data, blob.Data)
}

func TestRedisRecords_KeyLayout(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedisRecords(client, "p:")
	scope := Scope{App: "Storage-https://x.example/a b", User: "alice"}

	_, err := s.Upsert(ctx, scope, "k:1", Record{Value: "v"})
	require.NoError(t, err)

	key := "p:rec:Storage-https%3A%2F%2Fx.example%2Fa+b:alice:k%3A1"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, "v", mr.HGet(key, "value"))
	members, err := mr.SMembers("p:keys:Storage-https%3A%2F%2Fx.example%2Fa+b:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"k:1"}, members)
}

func TestRedisBlobs_ShareKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedisBlobs(client, "p:", Codec{})

	require.NoError(t, s.Share(ctx, "Transport-https://x.example/app", "h", time.Minute))

	key := "p:share:Transport-https%3A%2F%2Fx.example%2Fapp:h"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestRedisRecords_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisRecords(client, "p:")
	mr.Close()

	_, err := s.Get(context.Background(), Scope{App: "a", User: "u"}, "k")
	assert.Error(t, err)
}
