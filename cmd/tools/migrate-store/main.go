// Command migrate-store copies a JSON datastore into a database-backed store
// and verifies the imported record counts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"livesync/internal/observability/logging"
	"livesync/internal/storage"
)

func main() {
	logger := logging.New(logging.Config{Level: "info", Format: "text"})
	if err := run(context.Background(), os.Args[1:], logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	jsonPath    string
	driver      string
	postgresDSN string
	sqlitePath  string
	mongoURI    string
	mongoDB     string
	timeout     time.Duration
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("migrate-store", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&o.jsonPath, "json", "data/livesync.json", "path to the JSON datastore to migrate")
	fs.StringVar(&o.driver, "to", "postgres", "target driver (postgres, sqlite or mongo)")
	fs.StringVar(&o.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&o.sqlitePath, "sqlite-path", "data/livesync.db", "SQLite database path")
	fs.StringVar(&o.mongoURI, "mongo-uri", "", "MongoDB connection URI")
	fs.StringVar(&o.mongoDB, "mongo-database", "livesync", "MongoDB database name")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Minute, "overall migration timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.driver = strings.ToLower(strings.TrimSpace(o.driver))
	if o.postgresDSN == "" {
		o.postgresDSN = firstNonEmpty(os.Getenv("LIVESYNC_STORAGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	}
	if o.mongoURI == "" {
		o.mongoURI = strings.TrimSpace(os.Getenv("LIVESYNC_STORAGE_MONGO_URI"))
	}
	return o, nil
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	opts, err := parseOptions(args, io.Discard)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	snapshot, err := storage.LoadSnapshotFromJSON(opts.jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", opts.jsonPath, "polls", counts.Polls, "votes", counts.Votes, "messages", counts.Messages, "preferences", counts.Preferences)

	repo, err := openTarget(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(context.Background()); err != nil {
			logger.Warn("failed to close target", "error", err)
		}
	}()

	target, ok := repo.(storage.SnapshotTarget)
	if !ok {
		return fmt.Errorf("driver %s does not support snapshot import", opts.driver)
	}
	if err := storage.ImportSnapshot(ctx, target, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyCounts(ctx, target, counts); err != nil {
		return fmt.Errorf("verify import: %w", err)
	}

	logger.Info("migration completed", "driver", opts.driver, "polls", counts.Polls, "messages", counts.Messages, "preferences", counts.Preferences)
	return nil
}

func openTarget(ctx context.Context, opts options) (storage.Repository, error) {
	switch opts.driver {
	case "postgres":
		if opts.postgresDSN == "" {
			return nil, errors.New("postgres DSN required: set --postgres-dsn, LIVESYNC_STORAGE_POSTGRES_DSN or DATABASE_URL")
		}
		return storage.NewPostgresRepository(ctx, opts.postgresDSN)
	case "sqlite":
		return storage.NewSQLiteRepository(ctx, opts.sqlitePath)
	case "mongo":
		if opts.mongoURI == "" {
			return nil, errors.New("mongo URI required: set --mongo-uri or LIVESYNC_STORAGE_MONGO_URI")
		}
		return storage.NewMongoRepository(ctx, opts.mongoURI, storage.WithMongoDatabase(opts.mongoDB))
	default:
		return nil, fmt.Errorf("unsupported target driver %q", opts.driver)
	}
}

func verifyCounts(ctx context.Context, target storage.SnapshotTarget, expected storage.SnapshotCounts) error {
	actual, err := target.SnapshotCounts(ctx)
	if err != nil {
		return err
	}
	checks := []struct {
		name     string
		expected int
		actual   int
	}{
		{"polls", expected.Polls, actual.Polls},
		{"votes", expected.Votes, actual.Votes},
		{"messages", expected.Messages, actual.Messages},
		{"preferences", expected.Preferences, actual.Preferences},
	}
	for _, check := range checks {
		if check.actual != check.expected {
			return fmt.Errorf("mismatch for %s: expected %d, got %d", check.name, check.expected, check.actual)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
