// Package logging builds the slog loggers used across livesync and carries
// request and connection identifiers through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"livesync/internal/observability/metrics"
)

// Config selects the log level, encoding and destination. Instance, when set,
// is attached to every record so replicas can be told apart.
type Config struct {
	Level    string
	Format   string
	Writer   io.Writer
	Instance string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to cfg.Writer, or stdout when unset.
func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(handler)
	if instance := strings.TrimSpace(cfg.Instance); instance != "" {
		logger = logger.With("instance", instance)
	}
	return logger
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to
// info and report false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// WithComponent tags logger with a component name. A nil logger stays nil.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey int

const (
	requestIDKey contextKey = iota
	connectionIDKey
	identityKey
	loggerKey
)

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID stores a non-empty request ID on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// ContextWithConnectionID stores a non-empty socket connection ID on ctx.
func ContextWithConnectionID(ctx context.Context, id string) context.Context {
	return withValue(ctx, connectionIDKey, id)
}

func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, connectionIDKey)
}

// ContextWithIdentity stores the username a connection presented.
func ContextWithIdentity(ctx context.Context, username string) context.Context {
	return withValue(ctx, identityKey, username)
}

func IdentityFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, identityKey)
}

// ContextWithLogger stores logger on ctx. A nil logger leaves ctx unchanged.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext annotates logger with the request ID, connection ID and
// identity held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", id)
	}
	if id, ok := ConnectionIDFromContext(ctx); ok {
		attrs = append(attrs, "connection_id", id)
	}
	if identity, ok := IdentityFromContext(ctx); ok {
		attrs = append(attrs, "identity", identity)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// QuietPaths are logged at debug level, which keeps probes such as
	// /healthz out of info logs.
	QuietPaths       []string
	AdditionalFields func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one record per request once the handler returns. Server
// errors log at error level and client errors at warn. Upgraded sockets log
// when the connection closes and report the session length.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	quiet := make(map[string]struct{}, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			elapsed := time.Since(start)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
			}
			if recorder.Hijacked() {
				attrs = append(attrs, "upgraded", true)
			} else {
				attrs = append(attrs, "bytes", recorder.BytesWritten())
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			default:
				if _, ok := quiet[r.URL.Path]; ok {
					level = slog.LevelDebug
				}
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
