package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedomjs/radiatus-providers/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), &config.RedisConfig{Address: mr.Addr(), PoolSize: 4, PoolTimeout: 1})
	require.NoError(t, err)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.Equal(t, "v", mustGet(t, mr, "k"))
	assert.NoError(t, CloseRedisClient(client))
	assert.NoError(t, CloseRedisClient(nil))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	value, err := mr.Get(key)
	require.NoError(t, err)
	return value
}

func TestNewRedisClient_GivesUpWhenCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := NewRedisClient(ctx, &config.RedisConfig{Address: addr, PoolSize: 1, PoolTimeout: 1})
	assert.Error(t, err)
}
