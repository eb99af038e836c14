package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret must be set")
	}

	switch strings.ToLower(c.Store.Type) {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return errors.New("store.redis.address must be specified for the redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s. Must be 'memory' or 'redis'", c.Store.Type)
	}
	if c.Store.TransportTTL < 1 {
		return errors.New("store.transportTTL must be at least 1 second")
	}
	switch strings.ToLower(c.Store.Compression) {
	case "", "none", "lz4", "zstd":
	default:
		return fmt.Errorf("invalid store compression: %s", c.Store.Compression)
	}

	switch strings.ToLower(c.Cache.HashAlgorithm) {
	case "md5", "sha256", "blake3":
	default:
		return fmt.Errorf("invalid cache hash algorithm: %s", c.Cache.HashAlgorithm)
	}
	if c.Cache.HotTTL < 0 {
		return errors.New("cache.hotTTL must not be negative")
	}
	if c.Cache.HotTTL > 0 && c.Cache.SweepInterval < 1 {
		return errors.New("cache.sweepInterval must be at least 1 second")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.WebSocket.BinaryHandshakeTimeout < 1 {
		return errors.New("binary handshake timeout must be at least 1 second")
	}
	if c.WebSocket.SessionTTL < 1 {
		return errors.New("session TTL must be at least 1 second")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}
	if c.WebSocket.MessageSizeLimit < 1 {
		return errors.New("message size limit must be positive")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "none", "redis":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}
	if c.Broker.Topic == "" && !strings.EqualFold(c.Broker.Type, "none") {
		return errors.New("broker.topic must be set")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("invalid metrics port")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "RADIATUS_PORT")
	v.BindEnv("server.staticDir", "RADIATUS_STATIC_DIR")

	// Auth
	v.BindEnv("auth.secret", "RADIATUS_SECRET")

	// Store
	v.BindEnv("store.type", "RADIATUS_STORE_TYPE")
	v.BindEnv("store.transportTTL", "RADIATUS_TRANSPORT_TTL")
	v.BindEnv("store.compression", "RADIATUS_STORE_COMPRESSION")
	v.BindEnv("store.redis.address", "RADIATUS_REDIS_ADDRESS")
	v.BindEnv("store.redis.password", "RADIATUS_REDIS_PASSWORD")
	v.BindEnv("store.redis.db", "RADIATUS_REDIS_DB")

	// Cache
	v.BindEnv("cache.hashAlgorithm", "RADIATUS_HASH_ALGORITHM")
	v.BindEnv("cache.hotTTL", "RADIATUS_CACHE_HOT_TTL")

	// Broker
	v.BindEnv("broker.type", "RADIATUS_BROKER_TYPE")
	v.BindEnv("broker.topic", "RADIATUS_BROKER_TOPIC")
	v.BindEnv("broker.kafka.brokers", "RADIATUS_KAFKA_BROKERS")

	// WebSocket
	v.BindEnv("websocket.pingInterval", "RADIATUS_PING_INTERVAL")
	v.BindEnv("websocket.activityTimeout", "RADIATUS_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.binaryHandshakeTimeout", "RADIATUS_BINARY_HANDSHAKE_TIMEOUT")
	v.BindEnv("websocket.sessionTTL", "RADIATUS_SESSION_TTL")

	// Metrics
	v.BindEnv("metrics.enabled", "RADIATUS_METRICS_ENABLED")
	v.BindEnv("metrics.port", "RADIATUS_METRICS_PORT")
}
