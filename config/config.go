package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Store     StoreConfig
	Cache     CacheConfig
	WebSocket WebSocketConfig
	Broker    BrokerConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
	StaticDir    string
}

type AuthConfig struct {
	// Secret is compared verbatim with the radiatusSecret query parameter.
	Secret string
}

type StoreConfig struct {
	Type         string // memory | redis
	TransportTTL int    // Seconds
	Compression  string // none | lz4 | zstd
	Redis        RedisConfig
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
	KeyPrefix   string
}

type CacheConfig struct {
	HashAlgorithm string
	HotTTL        int // Seconds, 0 disables the in-memory tier
	SweepInterval int // Seconds
}

type WebSocketConfig struct {
	MessageSizeLimit       int64
	HandshakeTimeout       int // Seconds
	PingInterval           int // Seconds
	PongTimeout            int // Seconds
	ActivityTimeout        int // Seconds
	WriteTimeout           int // Seconds
	KeepAlive              bool
	BinaryHandshakeTimeout int // Seconds
	SessionTTL             int // Seconds, lifetime of a presence record without activity
}

type BrokerConfig struct {
	Type  string // none | redis | kafka
	Topic string
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// TransportTTLDuration is the lifetime of blobs uploaded through the transport capability.
func (c *StoreConfig) TransportTTLDuration() time.Duration {
	return time.Duration(c.TransportTTL) * time.Second
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads config.<env>.yaml (optional), environment overrides and any flags
// already bound into viper, then validates the result. Only the first call has effect.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = Load(viper.GetViper(), env)
	})
	return initErr
}

// Load reads a configuration from v. Tests use it with a fresh viper instance.
func Load(v *viper.Viper, env string) (*AppConfig, error) {
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RADIATUS")
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *AppConfig) NeedsRedis() bool {
	return strings.EqualFold(c.Store.Type, "redis") || strings.EqualFold(c.Broker.Type, "redis")
}

func Get() *AppConfig {
	return instance
}
