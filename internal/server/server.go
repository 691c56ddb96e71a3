package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"livesync/internal/api"
	"livesync/internal/observability/logging"
	"livesync/internal/observability/metrics"
	"livesync/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr            string
	TLS             TLSConfig
	CORS            CORSConfig
	Security        SecurityConfig
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
}

// New assembles the HTTP routes. socket serves websocket upgrades on /ws.
func New(handler *api.Handler, socket http.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	if socket == nil {
		return nil, errors.New("socket handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}
	rl := newRateLimiter(cfg.RateLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/poll", handler.Poll)
	mux.HandleFunc("/api/messages", handler.Messages)
	mux.Handle("/ws", connectLimitMiddleware(rl, logger, socket))

	handlerChain := http.Handler(mux)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		QuietPaths:        []string{"/healthz", "/metrics"},
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", rl.clientIP(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		handler:     handlerChain,
		logger:      logger,
		rateLimiter: rl,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready, when
// non-nil, receives the bound address.
func (s *Server) Run(ctx context.Context, ready chan<- net.Addr) error {
	defer func() {
		if err := s.rateLimiter.Close(); err != nil {
			s.logger.Warn("failed to close rate limiter", "error", err)
		}
	}()
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
	})
}
