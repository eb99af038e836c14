package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/config"
	"github.com/freedomjs/radiatus-providers/events"
	"github.com/freedomjs/radiatus-providers/metrics"
	"github.com/freedomjs/radiatus-providers/presence"
	"github.com/freedomjs/radiatus-providers/server"
	"github.com/freedomjs/radiatus-providers/services"
	"github.com/freedomjs/radiatus-providers/store"
	"github.com/freedomjs/radiatus-providers/websocket"
)

const (
	shutdownTimeout = 15 * time.Second
	eventTimeout    = 5 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:          "radiatus-providers",
		Short:        "WebSocket relay for social, storage and transport providers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer glog.Flush()
			return run(env)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&env, "env", getEnv("ENVIRONMENT", "dev"), "configuration environment (selects config.<env>.yaml)")
	flags.Int("port", 0, "HTTP port (overrides server.port)")
	flags.String("secret", "", "shared secret (overrides auth.secret)")
	flags.String("store", "", "backing store: memory or redis (overrides store.type)")
	flags.String("static", "", "directory of provider files to serve (overrides server.staticDir)")
	bindFlags(flags, map[string]string{
		"server.port":      "port",
		"auth.secret":      "secret",
		"store.type":       "store",
		"server.staticDir": "static",
	})

	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

// bindFlags binds flags into the global viper, keyed by config key. Unchanged
// flags do not shadow defaults or the environment.
func bindFlags(flags *pflag.FlagSet, bindings map[string]string) {
	for key, name := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			glog.Fatalf("Failed to bind flag %s: %v", name, err)
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func run(env string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Initialize(env); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.Get()

	// Generate a unique ID for this server instance
	serverID := uuid.New().String()
	glog.Infof("Starting relay instance %s (store=%s, broker=%s, hash=%s)",
		serverID, cfg.Store.Type, cfg.Broker.Type, cfg.Cache.HashAlgorithm)

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		client, err := services.NewRedisClient(ctx, &cfg.Store.Redis)
		if err != nil {
			return err
		}
		redisClient = client
		defer services.CloseRedisClient(redisClient)
	}

	records, blobs, err := newStores(cfg, redisClient)
	if err != nil {
		return err
	}
	alg, err := buffercache.ParseAlgorithm(cfg.Cache.HashAlgorithm)
	if err != nil {
		return err
	}
	persisted := buffercache.NewPersisted(blobs, alg, time.Duration(cfg.Cache.HotTTL)*time.Second)
	if cfg.Cache.HotTTL > 0 {
		go persisted.Hot().Run(ctx, time.Duration(cfg.Cache.SweepInterval)*time.Second)
	}

	publisher, err := newPublisher(cfg, redisClient)
	if err != nil {
		return err
	}
	dispatcher := events.NewDispatcher(publisher, serverID, eventTimeout)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			glog.Errorf("Failed to close event publisher: %v", err)
		}
	}()

	sessionTTL := time.Duration(cfg.WebSocket.SessionTTL) * time.Second
	var directory presence.Directory = presence.NewMemoryDirectory(sessionTTL)
	if redisClient != nil {
		directory = presence.NewRedisDirectory(redisClient, cfg.Store.Redis.KeyPrefix, sessionTTL)
	}

	router := websocket.NewRouter(websocket.Options{
		ServerID:         serverID,
		Secret:           cfg.Auth.Secret,
		Records:          records,
		Blobs:            persisted,
		Events:           dispatcher,
		Presence:         directory,
		Timeouts:         websocket.TimeoutsFromConfig(&cfg.WebSocket),
		TransportTTL:     cfg.Store.TransportTTLDuration(),
		MessageSizeLimit: cfg.WebSocket.MessageSizeLimit,
		HandshakeTimeout: time.Duration(cfg.WebSocket.HandshakeTimeout) * time.Second,
	})

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	srv := server.NewServer(&cfg.Server, router.HandleWebSocket)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		glog.Infof("Received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("HTTP server shutdown: %v", err)
	}
	if err := router.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Timed out waiting for connections to drain: %v", err)
	}
	glog.Info("Shutdown complete")
	return nil
}

func newStores(cfg *config.AppConfig, redisClient *redis.Client) (store.RecordStore, store.BlobStore, error) {
	switch strings.ToLower(cfg.Store.Type) {
	case "redis":
		compression, err := store.ParseCompression(cfg.Store.Compression)
		if err != nil {
			return nil, nil, err
		}
		prefix := cfg.Store.Redis.KeyPrefix
		return store.NewRedisRecords(redisClient, prefix),
			store.NewRedisBlobs(redisClient, prefix, store.Codec{Compression: compression}),
			nil
	case "memory":
		return store.NewMemoryRecords(), store.NewMemoryBlobs(), nil
	default:
		// Caught by config validation; checked again for direct callers.
		return nil, nil, fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}
}

func newPublisher(cfg *config.AppConfig, redisClient *redis.Client) (events.Publisher, error) {
	glog.Infof("Initializing event publisher of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		return events.NewRedisPublisher(redisClient, cfg.Broker.Topic), nil
	case "kafka":
		publisher, err := events.NewKafkaPublisher(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.ClientID, cfg.Broker.Topic)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		return events.Nop{}, nil
	}
}
