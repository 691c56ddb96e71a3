package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livesync/internal/models"
)

func TestSQLiteRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, sqliteRepositoryFactory)
}

func TestSQLiteRepositoryPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "livesync.db")

	repo, err := NewSQLiteRepository(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	created, err := repo.CreateMessage(ctx, models.ChatMessage{Username: "alice", Text: "hi", Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteRepository(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close(ctx) })
	stored, err := reopened.GetMessage(ctx, created.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !stored.Timestamp.Equal(created.Timestamp) || stored.Text != "hi" {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
}

func TestSQLiteRepositoryRequiresPath(t *testing.T) {
	if _, err := NewSQLiteRepository(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteDSNCarriesPragmas(t *testing.T) {
	cfg := newSQLiteConfig("/tmp/x.db", WithSQLiteBusyTimeout(2*time.Second))
	dsn := cfg.dsn()
	for _, want := range []string{"journal_mode%28WAL%29", "busy_timeout%282000%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected dsn %q to contain %q", dsn, want)
		}
	}
}
