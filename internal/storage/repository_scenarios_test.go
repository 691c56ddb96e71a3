package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"livesync/internal/models"
)

// RepositoryFactory constructs a repository for cross-driver scenario
// assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

// runRepositoryScenarios executes every shared scenario against factory.
func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("PollLifecycle", func(t *testing.T) { RunRepositoryPollLifecycle(t, factory) })
	t.Run("ConcurrentVotes", func(t *testing.T) { RunRepositoryConcurrentVotes(t, factory) })
	t.Run("MessageLifecycle", func(t *testing.T) { RunRepositoryMessageLifecycle(t, factory) })
	t.Run("RecentMessages", func(t *testing.T) { RunRepositoryRecentMessages(t, factory) })
	t.Run("Preferences", func(t *testing.T) { RunRepositoryPreferences(t, factory) })
	t.Run("SnapshotImport", func(t *testing.T) { RunRepositorySnapshotImport(t, factory) })
}

func RunRepositoryPollLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	if _, err := repo.ActivePoll(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first, err := repo.CreatePoll(ctx, models.NewPoll("", "First?", []string{"A", "B"}, base))
	if err != nil {
		t.Fatalf("create first poll: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected store to assign a poll id")
	}

	updated, err := repo.AppendVote(ctx, first.ID, models.Vote{User: "alice", OptionID: "2"})
	if err != nil {
		t.Fatalf("append vote: %v", err)
	}
	if updated.Options[1].Votes != 1 || len(updated.VotedBy) != 1 {
		t.Fatalf("unexpected poll after vote: %+v", updated)
	}

	current, err := repo.AppendVote(ctx, first.ID, models.Vote{User: "alice", OptionID: "1"})
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if current.TotalVotes() != 1 {
		t.Fatalf("expected current poll with one vote, got %+v", current)
	}
	if _, err := repo.AppendVote(ctx, first.ID, models.Vote{User: "bob", OptionID: "7"}); !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("expected ErrUnknownOption, got %v", err)
	}
	if _, err := repo.AppendVote(ctx, "missing", models.Vote{User: "bob", OptionID: "1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown poll, got %v", err)
	}

	second, err := repo.CreatePoll(ctx, models.NewPoll("", "Second?", []string{"X", "Y", "Z"}, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("create second poll: %v", err)
	}
	active, err := repo.ActivePoll(ctx)
	if err != nil {
		t.Fatalf("active poll: %v", err)
	}
	if active.ID != second.ID || active.TotalVotes() != 0 {
		t.Fatalf("expected fresh second poll to be active, got %+v", active)
	}
	old, err := repo.GetPoll(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first poll: %v", err)
	}
	if old.Active {
		t.Fatal("expected first poll to be deactivated")
	}
	if !old.Consistent() || old.TotalVotes() != 1 {
		t.Fatalf("expected first poll votes preserved, got %+v", old)
	}

	closed, err := repo.AppendVote(ctx, first.ID, models.Vote{User: "bob", OptionID: "1"})
	if !errors.Is(err, ErrPollClosed) {
		t.Fatalf("expected ErrPollClosed for a deactivated poll, got %v", err)
	}
	if closed.ID != first.ID || closed.TotalVotes() != 1 {
		t.Fatalf("expected unchanged first poll alongside ErrPollClosed, got %+v", closed)
	}
	if _, voted := closed.VoteOf("bob"); voted {
		t.Fatal("vote on a deactivated poll must not be recorded")
	}
}

func RunRepositoryConcurrentVotes(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	poll, err := repo.CreatePoll(ctx, models.NewPoll("", "Race?", []string{"A", "B"}, time.Now()))
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		failures []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			option := fmt.Sprintf("%d", i%2+1)
			_, err := repo.AppendVote(ctx, poll.ID, models.Vote{User: "dave", OptionID: option})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrAlreadyVoted):
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected vote errors: %v", failures)
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted vote, got %d", accepted)
	}
	stored, err := repo.GetPoll(ctx, poll.ID)
	if err != nil {
		t.Fatalf("get poll: %v", err)
	}
	if stored.TotalVotes() != 1 || len(stored.VotedBy) != 1 || !stored.Consistent() {
		t.Fatalf("expected a single counted vote, got %+v", stored)
	}
}

func RunRepositoryMessageLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	created, err := repo.CreateMessage(ctx, models.ChatMessage{Username: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if created.ID == "" || created.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned, got %+v", created)
	}

	edited := created
	if err := edited.Edit("alice", "hello"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := repo.UpdateMessage(ctx, edited, created.Revision); err != nil {
		t.Fatalf("update message: %v", err)
	}

	stale := created
	if err := stale.Edit("alice", "stale"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := repo.UpdateMessage(ctx, stale, created.Revision); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale revision, got %v", err)
	}

	stored, err := repo.GetMessage(ctx, created.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Text != "hello" || !stored.Edited || stored.Revision != 1 {
		t.Fatalf("unexpected stored message: %+v", stored)
	}

	deleted := stored
	if _, err := deleted.Delete("alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.UpdateMessage(ctx, deleted, stored.Revision); err != nil {
		t.Fatalf("save deleted message: %v", err)
	}
	stored, err = repo.GetMessage(ctx, created.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !stored.Deleted() || stored.Text != models.DeletedPlaceholder {
		t.Fatalf("expected soft-deleted message, got %+v", stored)
	}

	if _, err := repo.GetMessage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.UpdateMessage(ctx, models.ChatMessage{ID: "missing"}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func RunRepositoryRecentMessages(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		msg := models.ChatMessage{
			Username:  "alice",
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := repo.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
	}

	recent, err := repo.RecentMessages(ctx, 50)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(recent) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(recent))
	}
	if recent[0].Text != "message 10" || recent[49].Text != "message 59" {
		t.Fatalf("expected newest 50 ascending, got first=%q last=%q", recent[0].Text, recent[49].Text)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Timestamp.Before(recent[i-1].Timestamp) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func RunRepositoryPreferences(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	prefs, err := repo.GetPreferences(ctx, "alice")
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if !prefs.Notifications {
		t.Fatal("expected notifications enabled by default")
	}

	off := false
	prefs, err = repo.UpdatePreferences(ctx, "alice", models.PreferencesPatch{Notifications: &off})
	if err != nil {
		t.Fatalf("update preferences: %v", err)
	}
	if prefs.Notifications {
		t.Fatal("expected notifications disabled")
	}

	prefs, err = repo.UpdatePreferences(ctx, "alice", models.PreferencesPatch{})
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if prefs.Notifications {
		t.Fatal("empty patch must leave notifications unchanged")
	}

	prefs, err = repo.UpdatePreferences(ctx, "bob", models.PreferencesPatch{Notifications: &off})
	if err != nil {
		t.Fatalf("update new account: %v", err)
	}
	if prefs.Notifications {
		t.Fatal("expected patch applied on lazily created record")
	}
}

func RunRepositorySnapshotImport(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	target, ok := repo.(SnapshotTarget)
	if !ok {
		t.Skip("repository does not accept snapshot imports")
	}
	ctx := context.Background()

	poll := models.NewPoll("poll-1", "Imported?", []string{"A", "B"}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := poll.ApplyVote(models.Vote{User: "alice", OptionID: "1"}); err != nil {
		t.Fatalf("apply vote: %v", err)
	}
	snapshot := &Snapshot{
		Polls: map[string]models.Poll{poll.ID: poll},
		Messages: map[string]models.ChatMessage{
			"msg-1": {ID: "msg-1", Username: "alice", Text: "hi", Timestamp: time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)},
		},
		Preferences: map[string]models.Preferences{"alice": {Notifications: false}},
	}
	if err := ImportSnapshot(ctx, target, snapshot); err != nil {
		t.Fatalf("import snapshot: %v", err)
	}

	counts, err := target.SnapshotCounts(ctx)
	if err != nil {
		t.Fatalf("snapshot counts: %v", err)
	}
	if counts != snapshot.Counts() {
		t.Fatalf("expected counts %+v, got %+v", snapshot.Counts(), counts)
	}
	active, err := repo.ActivePoll(ctx)
	if err != nil {
		t.Fatalf("active poll: %v", err)
	}
	if active.ID != "poll-1" || active.TotalVotes() != 1 {
		t.Fatalf("unexpected imported poll: %+v", active)
	}
	if _, err := repo.AppendVote(ctx, "poll-1", models.Vote{User: "alice", OptionID: "2"}); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected imported voter ledger to be enforced, got %v", err)
	}
	prefs, err := repo.GetPreferences(ctx, "alice")
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if prefs.Notifications {
		t.Fatal("expected imported preferences")
	}
}
