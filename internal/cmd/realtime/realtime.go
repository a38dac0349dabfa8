// Package realtime parses realtime command flags and composes the process:
// audit store, optional Redis relay and Kafka sink, and the HTTP/WebSocket
// server.
package realtime

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/vernite/realtime/internal/platform/cmd"
	"github.com/vernite/realtime/internal/platform/logging"
	platformredis "github.com/vernite/realtime/internal/platform/redis"
	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/sink/kafka"
	"github.com/vernite/realtime/internal/services/audit/storage/memory"
	"github.com/vernite/realtime/internal/services/audit/storage/postgres"
	"github.com/vernite/realtime/internal/services/audit/storage/sqlite"
	"github.com/vernite/realtime/internal/services/realtime/app"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds realtime command configuration.
type Config struct {
	HTTPAddr       string `env:"HTTP_ADDR"       envDefault:":8090"`
	JWTSecret      string `env:"JWT_SECRET"`
	AllowAnonymous bool   `env:"ALLOW_ANONYMOUS" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	KeepAliveTimeout   time.Duration `env:"KEEP_ALIVE_TIMEOUT"    envDefault:"30s"`
	PingInterval       time.Duration `env:"PING_INTERVAL"         envDefault:"10s"`
	ServerPing         bool          `env:"SERVER_PING"           envDefault:"true"`
	MaxFrameBytes      int           `env:"MAX_FRAME_BYTES"       envDefault:"16384"`
	MaxFramesPerSecond int           `env:"MAX_FRAMES_PER_SECOND" envDefault:"40"`
	BroadcastWorkers   int           `env:"BROADCAST_WORKERS"     envDefault:"32"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"data/audit.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	RedisURL           string `env:"REDIS_URL"`
	RelayChannelPrefix string `env:"RELAY_CHANNEL_PREFIX" envDefault:"vernite:realtime"`

	KafkaBrokers         []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic           string        `env:"KAFKA_TOPIC"            envDefault:"vernite.audit.logs"`
	KafkaDeliveryTimeout time.Duration `env:"KAFKA_DELIVERY_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	brokers := strings.Join(cfg.KafkaBrokers, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "realtime HTTP listen address")
	fs.BoolVar(&cfg.AllowAnonymous, "allow-anonymous", cfg.AllowAnonymous, "accept connections without a token")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, console)")
	fs.DurationVar(&cfg.KeepAliveTimeout, "keep-alive-timeout", cfg.KeepAliveTimeout, "silence before a session is reaped")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "reaper sweep and server ping period")
	fs.BoolVar(&cfg.ServerPing, "server-ping", cfg.ServerPing, "send keep_alive pings to every session")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "audit store driver (memory, sqlite, postgres)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite audit database path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres audit database DSN")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for cross-instance fan-out")
	fs.StringVar(&brokers, "kafka-brokers", brokers, "comma-separated kafka brokers for the audit sink")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "kafka topic for audit logs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = splitList(brokers)
	return cfg, nil
}

// Run builds the realtime app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(entrypoint.ServiceRealtime, cfg.LogLevel, logging.Format(cfg.LogFormat))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRealtime, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if closer, ok := store.(io.Closer); ok {
			defer func() {
				if err := closer.Close(); err != nil {
					logger.Warn("close audit store", zap.Error(err))
				}
			}()
		}

		deps := app.Deps{Logger: logger, Store: store}

		redisClient, err := platformredis.New(ctx, platformredis.Config{URL: cfg.RedisURL})
		if err != nil {
			return err
		}
		if redisClient != nil {
			defer func() { _ = redisClient.Close() }()
			deps.Redis = redisClient
			logger.Info("redis relay enabled")
		}

		if len(cfg.KafkaBrokers) > 0 {
			sink, err := kafka.New(kafka.Config{
				Brokers:         cfg.KafkaBrokers,
				Topic:           cfg.KafkaTopic,
				ClientID:        entrypoint.ServiceRealtime,
				DeliveryTimeout: cfg.KafkaDeliveryTimeout,
			})
			if err != nil {
				return fmt.Errorf("init kafka sink: %w", err)
			}
			defer sink.Close()
			deps.Notifiers = append(deps.Notifiers, sink)
			logger.Info("kafka audit sink enabled", zap.String("topic", cfg.KafkaTopic))
		}

		return app.Run(ctx, app.Config{
			HTTPAddr:             cfg.HTTPAddr,
			JWTSecret:            cfg.JWTSecret,
			AllowAnonymous:       cfg.AllowAnonymous,
			KeepAliveTimeout:     cfg.KeepAliveTimeout,
			PingInterval:         cfg.PingInterval,
			ServerPing:           cfg.ServerPing,
			MaxFrameBytes:        cfg.MaxFrameBytes,
			MaxFramesPerSecond:   cfg.MaxFramesPerSecond,
			BroadcastConcurrency: cfg.BroadcastWorkers,
			RelayChannelPrefix:   cfg.RelayChannelPrefix,
		}, deps)
	})
}

func openStore(ctx context.Context, cfg Config) (audit.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case StoreMemory:
		return memory.New(), nil
	case StoreSQLite, "":
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit store: %w", err)
		}
		return store, nil
	case StorePostgres:
		store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("open postgres audit store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
