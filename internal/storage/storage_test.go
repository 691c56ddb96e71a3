package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"livesync/internal/models"
)

func TestJSONRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, jsonRepositoryFactory)
}

func TestMemoryRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, memoryRepositoryFactory)
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx := context.Background()

	poll, err := store.CreatePoll(ctx, models.NewPoll("", "Persist?", []string{"A", "B"}, time.Now()))
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if _, err := store.AppendVote(ctx, poll.ID, models.Vote{User: "alice", OptionID: "1"}); err != nil {
		t.Fatalf("append vote: %v", err)
	}
	msg, err := store.CreateMessage(ctx, models.ChatMessage{Username: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	active, err := reopened.ActivePoll(ctx)
	if err != nil {
		t.Fatalf("active poll: %v", err)
	}
	if active.ID != poll.ID || active.TotalVotes() != 1 {
		t.Fatalf("unexpected reopened poll: %+v", active)
	}
	stored, err := reopened.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Text != "hi" {
		t.Fatalf("unexpected reopened message: %+v", stored)
	}
}

func TestStorageEmptyFileLoadsEmptyDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := store.ActivePoll(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorageRollsBackOnPersistFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	poll, err := store.CreatePoll(ctx, models.NewPoll("", "Q", []string{"A", "B"}, time.Now()))
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	msg, err := store.CreateMessage(ctx, models.ChatMessage{Username: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	failure := errors.New("disk full")
	store.persistOverride = func(dataset) error { return failure }

	if _, err := store.AppendVote(ctx, poll.ID, models.Vote{User: "alice", OptionID: "1"}); !errors.Is(err, failure) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if _, err := store.CreatePoll(ctx, models.NewPoll("", "Q2", []string{"C", "D"}, time.Now())); !errors.Is(err, failure) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	edited := msg
	if err := edited.Edit("alice", "changed"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := store.UpdateMessage(ctx, edited, msg.Revision); !errors.Is(err, failure) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if _, err := store.GetPreferences(ctx, "alice"); !errors.Is(err, failure) {
		t.Fatalf("expected persist failure, got %v", err)
	}

	store.persistOverride = nil
	active, err := store.ActivePoll(ctx)
	if err != nil {
		t.Fatalf("active poll: %v", err)
	}
	if active.ID != poll.ID || active.TotalVotes() != 0 {
		t.Fatalf("expected original poll without votes, got %+v", active)
	}
	stored, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Text != "hi" || stored.Revision != msg.Revision {
		t.Fatalf("expected message unchanged, got %+v", stored)
	}
	store.mu.RLock()
	_, hasPrefs := store.data.Preferences["alice"]
	store.mu.RUnlock()
	if hasPrefs {
		t.Fatal("expected lazily created preferences to be rolled back")
	}
}

func TestStorageExportImportRoundTrip(t *testing.T) {
	source := newTestStore(t)
	ctx := context.Background()
	poll, err := source.CreatePoll(ctx, models.NewPoll("", "Q", []string{"A", "B"}, time.Now()))
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if _, err := source.AppendVote(ctx, poll.ID, models.Vote{User: "bob", OptionID: "2"}); err != nil {
		t.Fatalf("append vote: %v", err)
	}

	snapshot, err := source.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	target := newTestStore(t)
	if _, err := target.CreatePoll(ctx, models.NewPoll("", "Old", []string{"X", "Y"}, time.Now())); err != nil {
		t.Fatalf("create old poll: %v", err)
	}
	if err := ImportSnapshot(ctx, target, snapshot); err != nil {
		t.Fatalf("import: %v", err)
	}

	active, err := target.ActivePoll(ctx)
	if err != nil {
		t.Fatalf("active poll: %v", err)
	}
	if active.ID != poll.ID {
		t.Fatalf("expected imported poll to be the only active poll, got %s", active.ID)
	}
	counts, err := target.SnapshotCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Polls != 2 || counts.Votes != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestSnapshotValidate(t *testing.T) {
	poll := models.NewPoll("p1", "Q", []string{"A", "B"}, time.Now())
	poll.Options[0].Votes = 3

	cases := []struct {
		name     string
		snapshot *Snapshot
	}{
		{name: "nil snapshot", snapshot: nil},
		{name: "inconsistent counts", snapshot: &Snapshot{Polls: map[string]models.Poll{"p1": poll}}},
		{name: "mismatched key", snapshot: &Snapshot{Polls: map[string]models.Poll{"other": models.NewPoll("p2", "Q", []string{"A", "B"}, time.Now())}}},
		{name: "two active polls", snapshot: &Snapshot{Polls: map[string]models.Poll{
			"a": models.NewPoll("a", "Q", []string{"A", "B"}, time.Now()),
			"b": models.NewPoll("b", "Q", []string{"A", "B"}, time.Now()),
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.snapshot.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadSnapshotFromJSONReadsStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := store.CreateMessage(context.Background(), models.ChatMessage{Username: "alice", Text: "hi"}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if got := snapshot.Counts().Messages; got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
	if _, err := LoadSnapshotFromJSON(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}
