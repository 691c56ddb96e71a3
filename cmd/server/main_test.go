package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"livesync/internal/config"
)

func TestParseFlagsOverridesEnvironment(t *testing.T) {
	overrides, err := parseFlags([]string{
		"--addr", "127.0.0.1:9999",
		"--storage-driver", "SQLite",
		"--sqlite-path", "/tmp/livesync.db",
		"--allowed-origins", "https://a.example, https://b.example",
		"--bus-driver", "memory",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}

	cfg, err := config.Parse(map[string]string{"LIVESYNC_ADDR": ":8081", "LIVESYNC_LOG_LEVEL": "debug"})
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	overrides.apply(&cfg)

	if cfg.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected flag addr to win, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected environment log level to survive, got %q", cfg.LogLevel)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "/tmp/livesync.db" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.Bus.Driver != "memory" {
		t.Fatalf("unexpected bus driver %q", cfg.Bus.Driver)
	}
}

func TestParseFlagsRejectsUnknownFlags(t *testing.T) {
	if _, err := parseFlags([]string{"--stream-key", "abc"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{name: "memory", cfg: config.StorageConfig{Driver: "memory"}},
		{name: "json", cfg: config.StorageConfig{Driver: "json", DataPath: filepath.Join(dir, "store.json")}},
		{name: "sqlite", cfg: config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "store.db"), SQLiteBusyTimeout: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer store.Close(ctx)
			if err := store.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}
		})
	}
}

func TestOpenStoreRejectsIncompleteConfig(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []config.StorageConfig{
		{Driver: "postgres"},
		{Driver: "mongo"},
		{Driver: "cassandra"},
	} {
		if _, err := openStore(ctx, cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestOpenBusDrivers(t *testing.T) {
	bus, err := openBus(config.BusConfig{Driver: "none"}, slog.Default())
	if err != nil || bus != nil {
		t.Fatalf("expected no bus, got %v err=%v", bus, err)
	}

	bus, err = openBus(config.BusConfig{Driver: "memory"}, slog.Default())
	if err != nil || bus == nil {
		t.Fatalf("expected memory bus, got err=%v", err)
	}
	_ = bus.Close()

	srv := miniredis.RunT(t)
	bus, err = openBus(config.BusConfig{Driver: "redis", RedisAddr: srv.Addr()}, slog.Default())
	if err != nil {
		t.Fatalf("openBus redis: %v", err)
	}
	defer bus.Close()
	if err := bus.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if _, err := openBus(config.BusConfig{Driver: "redis"}, slog.Default()); err == nil {
		t.Fatal("expected error for redis bus without address")
	}
	if _, err := openBus(config.BusConfig{Driver: "kafka"}, slog.Default()); err == nil {
		t.Fatal("expected error for unsupported bus")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Setenv("LIVESYNC_STORAGE_DRIVER", "memory")
	t.Setenv("LIVESYNC_LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	errs := make(chan error, 1)
	go func() {
		errs <- run(ctx, []string{"--addr", "127.0.0.1:0", "--instance-id", "smoke"}, ready)
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-errs:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health struct {
		Status   string `json:"status"`
		Instance string `json:"instance"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Instance != "smoke" {
		t.Fatalf("unexpected health %+v", health)
	}

	cancel()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("LIVESYNC_STORAGE_DRIVER", "postgres")
	t.Setenv("LIVESYNC_STORAGE_POSTGRES_DSN", "")
	if err := run(context.Background(), nil, nil); err == nil {
		t.Fatal("expected config validation error")
	}
}
