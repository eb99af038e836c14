package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDirectory implements Directory using Redis keys with a TTL.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDirectory creates a directory whose keys start with prefix.
func NewRedisDirectory(client *redis.Client, prefix string, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (d *RedisDirectory) key(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", d.prefix, sessionID)
}

// Create stores a new record in Redis with a TTL.
func (d *RedisDirectory) Create(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	return d.client.Set(ctx, d.key(record.SessionID), data, d.ttl).Err()
}

// Get retrieves a record from Redis.
func (d *RedisDirectory) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := d.client.Get(ctx, d.key(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &record, nil
}

// Delete removes a record from Redis.
func (d *RedisDirectory) Delete(ctx context.Context, sessionID string) error {
	return d.client.Del(ctx, d.key(sessionID)).Err()
}

// RefreshTTL updates the expiration of a record. A missing key is a no-op.
func (d *RedisDirectory) RefreshTTL(ctx context.Context, sessionID string) error {
	return d.client.Expire(ctx, d.key(sessionID), d.ttl).Err()
}
