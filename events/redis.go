package events

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/metrics"
)

const (
	redisMaxRetries     = 3
	redisInitialBackoff = 50 * time.Millisecond
)

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher publishes on channel. The client is owned by the caller.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	operation := func() error {
		return p.client.Publish(ctx, p.channel, event).Err()
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(redisInitialBackoff)),
			redisMaxRetries,
		),
		ctx,
	)
	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		metrics.EventPublishRetries.WithLabelValues(p.Type()).Inc()
		glog.Warningf("Retrying Redis publish for %s: %v (next attempt in %s)", event.UserID, err, d)
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }

func (p *RedisPublisher) Type() string { return "redis" }
