package storage

import (
	"context"
	"errors"

	"livesync/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by conditional saves when the stored revision no
	// longer matches the one the caller read.
	ErrConflict = errors.New("record changed since it was read")
	// ErrPollClosed is returned by AppendVote when the poll is no longer the
	// active one.
	ErrPollClosed = errors.New("poll is no longer active")

	ErrAlreadyVoted  = models.ErrAlreadyVoted
	ErrUnknownOption = models.ErrUnknownOption
)

// PollStore persists polls and their vote ledgers.
type PollStore interface {
	// ActivePoll returns the most recently created active poll or ErrNotFound.
	ActivePoll(ctx context.Context) (models.Poll, error)
	GetPoll(ctx context.Context, id string) (models.Poll, error)
	// CreatePoll deactivates every active poll and stores poll as the only
	// active one. An empty ID is assigned by the store.
	CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error)
	// AppendVote records the vote and increments the option count as one
	// conditional write. The write only lands while the poll is active. When
	// the poll was deactivated or the voter already has an entry, the current
	// poll is returned alongside ErrPollClosed or ErrAlreadyVoted.
	AppendVote(ctx context.Context, pollID string, vote models.Vote) (models.Poll, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// CreateMessage stores a new message. An empty ID or zero timestamp is
	// assigned by the store.
	CreateMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
	GetMessage(ctx context.Context, id string) (models.ChatMessage, error)
	// UpdateMessage saves msg only when the stored revision equals
	// expectedRevision, returning ErrConflict otherwise.
	UpdateMessage(ctx context.Context, msg models.ChatMessage, expectedRevision int64) error
	// RecentMessages returns up to limit of the newest messages in ascending
	// creation order.
	RecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// PreferenceStore persists per-account preferences.
type PreferenceStore interface {
	// GetPreferences returns the stored record, creating the default on first
	// access.
	GetPreferences(ctx context.Context, account string) (models.Preferences, error)
	// UpdatePreferences shallow-merges patch into the stored record, creating
	// it from the default when absent.
	UpdatePreferences(ctx context.Context, account string, patch models.PreferencesPatch) (models.Preferences, error)
}

// Repository combines every store the sync engine depends on.
type Repository interface {
	PollStore
	MessageStore
	PreferenceStore

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// SnapshotTarget accepts bulk imports of an exported dataset.
type SnapshotTarget interface {
	ImportSnapshot(ctx context.Context, snapshot *Snapshot) error
	SnapshotCounts(ctx context.Context) (SnapshotCounts, error)
}
