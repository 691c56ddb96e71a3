// Package serverutil runs an http.Server bound to a context lifetime.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key served when both are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server *http.Server
	// Listener is used instead of listening on Server.Addr when set.
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready receives the bound address once the listener accepts connections.
	Ready chan<- net.Addr
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves until the server fails or ctx is cancelled. Cancellation drains
// in-flight requests for at most ShutdownTimeout. Hijacked connections are
// left to their handlers.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- cfg.Server.Serve(ln) }()
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
	}

	select {
	case err := <-served:
		return ignoreClosed(err)
	case <-ctx.Done():
	}
	return shutdown(cfg, served)
}

func listen(cfg Config) (net.Listener, error) {
	certFile, keyFile := cfg.TLS.CertFile, cfg.TLS.KeyFile
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}
	var cert tls.Certificate
	if certFile != "" {
		var err error
		if cert, err = tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cfg.Server.Addr); err != nil {
			return nil, fmt.Errorf("listen on %q: %w", cfg.Server.Addr, err)
		}
	}
	if certFile == "" {
		return ln, nil
	}

	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func shutdown(cfg Config, served <-chan error) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	drainErr := cfg.Server.Shutdown(ctx)
	select {
	case err := <-served:
		if err = ignoreClosed(err); err != nil {
			return err
		}
		return drainErr
	case <-ctx.Done():
		return errors.Join(drainErr, ctx.Err())
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
