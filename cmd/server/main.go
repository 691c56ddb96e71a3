// Command server starts the livesync HTTP and WebSocket service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"livesync/internal/api"
	"livesync/internal/config"
	"livesync/internal/observability/logging"
	"livesync/internal/observability/metrics"
	"livesync/internal/realtime"
	"livesync/internal/server"
	"livesync/internal/storage"
)

// flagOverrides holds command line values that take precedence over the
// environment. Empty values leave the environment setting in place.
type flagOverrides struct {
	envFile       string
	addr          string
	logLevel      string
	logFormat     string
	storageDriver string
	dataPath      string
	postgresDSN   string
	sqlitePath    string
	mongoURI      string
	busDriver     string
	redisAddr     string
	instanceID    string
	origins       string
	tlsCert       string
	tlsKey        string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		slog.Error("livesync server failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (flagOverrides, error) {
	var o flagOverrides
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&o.envFile, "env-file", "", "dotenv file merged beneath the process environment")
	fs.StringVar(&o.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&o.storageDriver, "storage-driver", "", "datastore driver (memory, json, postgres, sqlite or mongo)")
	fs.StringVar(&o.dataPath, "data", "", "path to the JSON datastore")
	fs.StringVar(&o.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&o.sqlitePath, "sqlite-path", "", "path to the SQLite database")
	fs.StringVar(&o.mongoURI, "mongo-uri", "", "MongoDB connection URI")
	fs.StringVar(&o.busDriver, "bus-driver", "", "replication bus driver (none, memory or redis)")
	fs.StringVar(&o.redisAddr, "bus-redis-addr", "", "Redis address for the replication bus")
	fs.StringVar(&o.instanceID, "instance-id", "", "identifier tagging deltas published by this replica")
	fs.StringVar(&o.origins, "allowed-origins", "", "comma separated cross-origin callers")
	fs.StringVar(&o.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&o.tlsKey, "tls-key", "", "path to TLS private key file")
	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, err
	}
	return o, nil
}

func (o flagOverrides) apply(cfg *config.Config) {
	cfg.Addr = firstNonEmpty(o.addr, cfg.Addr)
	cfg.LogLevel = strings.ToLower(firstNonEmpty(o.logLevel, cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(firstNonEmpty(o.logFormat, cfg.LogFormat))
	cfg.TLSCert = firstNonEmpty(o.tlsCert, cfg.TLSCert)
	cfg.TLSKey = firstNonEmpty(o.tlsKey, cfg.TLSKey)
	if origins := splitAndTrim(o.origins); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	cfg.Storage.Driver = strings.ToLower(firstNonEmpty(o.storageDriver, cfg.Storage.Driver))
	cfg.Storage.DataPath = firstNonEmpty(o.dataPath, cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = firstNonEmpty(o.postgresDSN, cfg.Storage.PostgresDSN)
	cfg.Storage.SQLitePath = firstNonEmpty(o.sqlitePath, cfg.Storage.SQLitePath)
	cfg.Storage.MongoURI = firstNonEmpty(o.mongoURI, cfg.Storage.MongoURI)
	cfg.Bus.Driver = strings.ToLower(firstNonEmpty(o.busDriver, cfg.Bus.Driver))
	cfg.Bus.RedisAddr = firstNonEmpty(o.redisAddr, cfg.Bus.RedisAddr)
	cfg.Bus.InstanceID = firstNonEmpty(o.instanceID, cfg.Bus.InstanceID)
}

// run wires the service and blocks until ctx is cancelled or a component
// fails. ready, when non-nil, receives the bound listen address.
func run(ctx context.Context, args []string, ready chan<- net.Addr) error {
	overrides, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(overrides.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	overrides.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Instance: cfg.Bus.InstanceID})
	recorder := metrics.Default()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer closeStore(store, cfg.ShutdownTimeout, logger)

	bus, err := openBus(cfg.Bus, logging.WithComponent(logger, "bus"))
	if err != nil {
		return fmt.Errorf("configure replication bus: %w", err)
	}
	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Warn("failed to close replication bus", "error", err)
			}
		}()
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Store:            store,
		Bus:              bus,
		InstanceID:       cfg.Bus.InstanceID,
		HistoryLimit:     cfg.Realtime.HistoryLimit,
		RejectionNotices: cfg.Realtime.RejectionNotices,
		Logger:           logging.WithComponent(logger, "hub"),
		Metrics:          recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise hub: %w", err)
	}

	corsCfg := server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}
	checkOrigin, err := server.OriginChecker(corsCfg)
	if err != nil {
		return fmt.Errorf("configure origins: %w", err)
	}
	sockets := realtime.NewWebsocketHandler(realtime.WebsocketConfig{
		Hub:            hub,
		Logger:         logging.WithComponent(logger, "websocket"),
		CheckOrigin:    checkOrigin,
		PingInterval:   cfg.Realtime.PingInterval,
		SendBuffer:     cfg.Realtime.SendBuffer,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
	})

	handler := api.NewHandler(hub, store)
	handler.Logger = logging.WithComponent(logger, "api")
	if bus != nil {
		handler.Bus = bus
	}

	srv, err := server.New(handler, sockets, server.Config{
		Addr:            cfg.Addr,
		TLS:             server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		CORS:            corsCfg,
		RateLimit:       rateLimitConfig(cfg.RateLimit),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("livesync listening",
		"addr", cfg.Addr,
		"instance", hub.InstanceID(),
		"storage", cfg.Storage.Driver,
		"bus", cfg.Bus.Driver,
		"tls", cfg.TLSCert != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx, ready)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.ShutdownTimeout))
		defer cancel()
		if err := sockets.Shutdown(shutdownCtx); err != nil {
			logger.Warn("websocket connections did not drain", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("livesync stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "", "json":
		return storage.NewStorage(cfg.DataPath)
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres storage selected without DSN")
		}
		var opts []storage.Option
		if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(cfg.PostgresMaxConns, cfg.PostgresMinConns))
		}
		if cfg.PostgresMaxLifetime > 0 || cfg.PostgresMaxIdle > 0 || cfg.PostgresHealthInterval > 0 {
			opts = append(opts, storage.WithPostgresPoolDurations(cfg.PostgresMaxLifetime, cfg.PostgresMaxIdle, cfg.PostgresHealthInterval))
		}
		if cfg.PostgresAcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout))
		}
		if cfg.PostgresAppName != "" {
			opts = append(opts, storage.WithPostgresApplicationName(cfg.PostgresAppName))
		}
		return storage.NewPostgresRepository(ctx, cfg.PostgresDSN, opts...)
	case "sqlite":
		var opts []storage.Option
		if cfg.SQLiteBusyTimeout > 0 {
			opts = append(opts, storage.WithSQLiteBusyTimeout(cfg.SQLiteBusyTimeout))
		}
		return storage.NewSQLiteRepository(ctx, cfg.SQLitePath, opts...)
	case "mongo":
		if strings.TrimSpace(cfg.MongoURI) == "" {
			return nil, errors.New("mongo storage selected without URI")
		}
		opts := []storage.Option{storage.WithMongoDatabase(cfg.MongoDatabase)}
		if cfg.MongoConnectTimeout > 0 {
			opts = append(opts, storage.WithMongoTimeouts(cfg.MongoConnectTimeout, cfg.MongoConnectTimeout))
		}
		if cfg.MongoMaxPoolSize > 0 {
			opts = append(opts, storage.WithMongoPoolSize(cfg.MongoMaxPoolSize))
		}
		return storage.NewMongoRepository(ctx, cfg.MongoURI, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func closeStore(store storage.Repository, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(timeout))
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}

// openBus returns nil when replication is disabled.
func openBus(cfg config.BusConfig, logger *slog.Logger) (realtime.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return realtime.NewMemoryBus(0), nil
	case "redis":
		return realtime.NewRedisBus(realtime.RedisBusConfig{
			Addr:         cfg.RedisAddr,
			Addrs:        cfg.RedisAddrs,
			Username:     cfg.RedisUsername,
			Password:     cfg.RedisPassword,
			Stream:       cfg.RedisStream,
			Group:        cfg.RedisGroup,
			Logger:       logger,
			BlockTimeout: cfg.RedisBlock,
			PoolSize:     cfg.RedisPoolSize,
			MasterName:   cfg.RedisMasterName,
			TLS: realtime.RedisTLSConfig{
				CAFile:             cfg.RedisTLSCA,
				CertFile:           cfg.RedisTLSCert,
				KeyFile:            cfg.RedisTLSKey,
				ServerName:         cfg.RedisTLSServer,
				InsecureSkipVerify: cfg.RedisTLSSkip,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) server.RateLimitConfig {
	return server.RateLimitConfig{
		GlobalRPS:             cfg.GlobalRPS,
		GlobalBurst:           cfg.GlobalBurst,
		ConnectLimit:          cfg.ConnectLimit,
		ConnectWindow:         cfg.ConnectWindow,
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
		RedisAddr:             cfg.RedisAddr,
		RedisPassword:         cfg.RedisPassword,
		RedisTimeout:          cfg.RedisTimeout,
	}
}

func shutdownTimeout(value time.Duration) time.Duration {
	if value <= 0 {
		return 10 * time.Second
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
