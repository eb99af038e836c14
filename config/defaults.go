package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.staticDir", "")

	// Auth
	v.SetDefault("auth.secret", "")

	// Store
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.transportTTL", 3600)
	v.SetDefault("store.compression", "none")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.poolSize", 100)
	v.SetDefault("store.redis.poolTimeout", 5)
	v.SetDefault("store.redis.keyPrefix", "radiatus:")

	// Cache
	v.SetDefault("cache.hashAlgorithm", "md5")
	v.SetDefault("cache.hotTTL", 300)
	v.SetDefault("cache.sweepInterval", 30)

	// WebSocket
	v.SetDefault("websocket.messageSizeLimit", 32<<20)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 300)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.keepAlive", true)
	v.SetDefault("websocket.binaryHandshakeTimeout", 30)
	v.SetDefault("websocket.sessionTTL", 600)

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.topic", "radiatus-events")
	v.SetDefault("broker.kafka.clientID", "radiatus-providers")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}
