package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livesync/internal/models"
	"livesync/internal/storage"
)

func seedJSONStore(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "livesync.json")
	store, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	poll, err := store.CreatePoll(ctx, models.NewPoll("", "Lunch?", []string{"Pizza", "Salad"}, time.Now()))
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	for _, user := range []string{"alice", "bob"} {
		if _, err := store.AppendVote(ctx, poll.ID, models.Vote{User: user, OptionID: "1"}); err != nil {
			t.Fatalf("AppendVote: %v", err)
		}
	}
	if _, err := store.CreateMessage(ctx, models.ChatMessage{Username: "alice", Text: "hi"}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := store.GetPreferences(ctx, "alice"); err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunMigratesIntoSQLite(t *testing.T) {
	jsonPath := seedJSONStore(t)
	dbPath := filepath.Join(t.TempDir(), "livesync.db")

	if err := run(context.Background(), []string{"--json", jsonPath, "--to", "sqlite", "--sqlite-path", dbPath}, discardLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	repo, err := storage.NewSQLiteRepository(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	defer repo.Close(ctx)
	poll, err := repo.ActivePoll(ctx)
	if err != nil {
		t.Fatalf("ActivePoll: %v", err)
	}
	if poll.Question != "Lunch?" || poll.Options[0].Votes != 2 || len(poll.VotedBy) != 2 {
		t.Fatalf("unexpected migrated poll %+v", poll)
	}
	messages, err := repo.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].Text != "hi" {
		t.Fatalf("unexpected migrated messages %+v", messages)
	}
}

func TestRunRequiresTargetSettings(t *testing.T) {
	jsonPath := seedJSONStore(t)
	t.Setenv("LIVESYNC_STORAGE_POSTGRES_DSN", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LIVESYNC_STORAGE_MONGO_URI", "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "postgres", args: []string{"--json", jsonPath, "--to", "postgres"}, want: "postgres DSN required"},
		{name: "mongo", args: []string{"--json", jsonPath, "--to", "mongo"}, want: "mongo URI required"},
		{name: "unknown", args: []string{"--json", jsonPath, "--to", "cassandra"}, want: "unsupported target driver"},
		{name: "missing snapshot", args: []string{"--json", filepath.Join(t.TempDir(), "nope.json"), "--to", "sqlite"}, want: "load JSON snapshot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, discardLogger())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyCountsReportsMismatch(t *testing.T) {
	store := storage.NewMemoryStorage()
	err := verifyCounts(context.Background(), store, storage.SnapshotCounts{Messages: 3})
	if err == nil || !strings.Contains(err.Error(), "messages") {
		t.Fatalf("expected messages mismatch, got %v", err)
	}
}
