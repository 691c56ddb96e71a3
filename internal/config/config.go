// Package config loads livesync settings from LIVESYNC_* environment
// variables, optionally seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"livesync/internal/observability/logging"
)

// Prefix is prepended to every environment variable name.
const Prefix = "LIVESYNC_"

// Config is the complete server configuration.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	TLSCert   string `env:"TLS_CERT"`
	TLSKey    string `env:"TLS_KEY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	// AllowedOrigins lists cross-origin callers permitted to reach the API and
	// open sockets. Same-origin requests are always allowed.
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	Bus       BusConfig       `envPrefix:"BUS_"`
	Realtime  RealtimeConfig  `envPrefix:"REALTIME_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_"`
}

// StorageConfig selects and tunes the durable store driver.
type StorageConfig struct {
	Driver   string `env:"DRIVER" envDefault:"json"`
	DataPath string `env:"DATA" envDefault:"data/livesync.json"`

	PostgresDSN            string        `env:"POSTGRES_DSN"`
	PostgresMaxConns       int32         `env:"POSTGRES_MAX_CONNS"`
	PostgresMinConns       int32         `env:"POSTGRES_MIN_CONNS"`
	PostgresAcquireTimeout time.Duration `env:"POSTGRES_ACQUIRE_TIMEOUT"`
	PostgresMaxLifetime    time.Duration `env:"POSTGRES_MAX_CONN_LIFETIME"`
	PostgresMaxIdle        time.Duration `env:"POSTGRES_MAX_CONN_IDLE"`
	PostgresHealthInterval time.Duration `env:"POSTGRES_HEALTH_INTERVAL"`
	PostgresAppName        string        `env:"POSTGRES_APP_NAME" envDefault:"livesync"`

	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"data/livesync.db"`
	SQLiteBusyTimeout time.Duration `env:"SQLITE_BUSY_TIMEOUT"`

	MongoURI            string        `env:"MONGO_URI"`
	MongoDatabase       string        `env:"MONGO_DATABASE" envDefault:"livesync"`
	MongoConnectTimeout time.Duration `env:"MONGO_CONNECT_TIMEOUT"`
	MongoMaxPoolSize    uint64        `env:"MONGO_MAX_POOL_SIZE"`
}

// BusConfig selects the replication bus shared by server replicas.
type BusConfig struct {
	Driver     string `env:"DRIVER" envDefault:"none"`
	InstanceID string `env:"INSTANCE_ID"`

	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisAddrs      []string      `env:"REDIS_ADDRS" envSeparator:","`
	RedisUsername   string        `env:"REDIS_USERNAME"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisStream     string        `env:"REDIS_STREAM"`
	RedisGroup      string        `env:"REDIS_GROUP"`
	RedisMasterName string        `env:"REDIS_SENTINEL_MASTER"`
	RedisPoolSize   int           `env:"REDIS_POOL_SIZE"`
	RedisBlock      time.Duration `env:"REDIS_BLOCK_TIMEOUT"`
	RedisTLSCA      string        `env:"REDIS_TLS_CA"`
	RedisTLSCert    string        `env:"REDIS_TLS_CERT"`
	RedisTLSKey     string        `env:"REDIS_TLS_KEY"`
	RedisTLSServer  string        `env:"REDIS_TLS_SERVER_NAME"`
	RedisTLSSkip    bool          `env:"REDIS_TLS_SKIP_VERIFY"`
}

// RealtimeConfig tunes the socket transport and hub.
type RealtimeConfig struct {
	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	SendBuffer       int           `env:"SEND_BUFFER" envDefault:"64"`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE" envDefault:"16384"`
	HistoryLimit     int           `env:"HISTORY_LIMIT" envDefault:"50"`
	RejectionNotices bool          `env:"REJECTION_NOTICES" envDefault:"false"`
}

// RateLimitConfig throttles HTTP requests and socket connects. Zero values
// disable the corresponding limiter.
type RateLimitConfig struct {
	GlobalRPS             float64       `env:"GLOBAL_RPS"`
	GlobalBurst           int           `env:"GLOBAL_BURST"`
	ConnectLimit          int           `env:"CONNECT_LIMIT"`
	ConnectWindow         time.Duration `env:"CONNECT_WINDOW" envDefault:"1m"`
	TrustForwardedHeaders bool          `env:"TRUST_FORWARDED_HEADERS"`
	RedisAddr             string        `env:"REDIS_ADDR"`
	RedisPassword         string        `env:"REDIS_PASSWORD"`
	RedisTimeout          time.Duration `env:"REDIS_TIMEOUT" envDefault:"2s"`
}

var (
	storageDrivers = map[string]struct{}{"memory": {}, "json": {}, "postgres": {}, "sqlite": {}, "mongo": {}}
	busDrivers     = map[string]struct{}{"none": {}, "memory": {}, "redis": {}}
)

// Load parses the process environment. When envFile is set its values are
// used for variables the environment does not already define.
func Load(envFile string) (Config, error) {
	environ := environMap(os.Environ())
	if path := strings.TrimSpace(envFile); path != "" {
		fileValues, err := godotenv.Read(path)
		if err != nil {
			return Config{}, fmt.Errorf("read env file %s: %w", path, err)
		}
		for key, value := range fileValues {
			if _, exists := environ[key]; !exists {
				environ[key] = value
			}
		}
	}
	return Parse(environ)
}

// Parse builds a Config from an explicit environment map.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Bus.Driver = strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
	c.Bus.RedisAddrs = trimAll(c.Bus.RedisAddrs)
}

// Validate reports every setting that cannot be used to start a server.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("unsupported log level %q", c.LogLevel))
	}
	if c.LogFormat != string(logging.FormatJSON) && c.LogFormat != string(logging.FormatText) {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("both TLS cert and key must be provided"))
	}
	if _, ok := storageDrivers[c.Storage.Driver]; !ok {
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	switch c.Storage.Driver {
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage selected without DSN"))
		}
	case "mongo":
		if strings.TrimSpace(c.Storage.MongoURI) == "" {
			errs = append(errs, errors.New("mongo storage selected without URI"))
		}
	}
	if _, ok := busDrivers[c.Bus.Driver]; !ok {
		errs = append(errs, fmt.Errorf("unsupported bus driver %q", c.Bus.Driver))
	}
	if c.Bus.Driver == "redis" && strings.TrimSpace(c.Bus.RedisAddr) == "" && len(c.Bus.RedisAddrs) == 0 {
		errs = append(errs, errors.New("redis addr is required for the redis bus"))
	}
	if c.Realtime.PingInterval <= 0 {
		errs = append(errs, errors.New("ping interval must be positive"))
	}
	if c.Realtime.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	if c.Realtime.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.Realtime.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history limit must be positive"))
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.GlobalBurst < 0 || c.RateLimit.ConnectLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.RateLimit.ConnectLimit > 0 && c.RateLimit.ConnectWindow <= 0 {
		errs = append(errs, errors.New("connect window must be positive when a connect limit is set"))
	}
	return errors.Join(errs...)
}

func environMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
