package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"livesync/internal/models"
	"livesync/internal/observability/logging"
	"livesync/internal/observability/metrics"
	"livesync/internal/storage"
)

// DefaultPollQuestion seeds the poll created when the store holds no active
// poll.
const DefaultPollQuestion = "What is your favorite programming language?"

// DefaultPollOptions returns the options of the default poll.
func DefaultPollOptions() []string {
	return []string{"JavaScript / TypeScript", "Python", "Rust", "Go"}
}

// VoteOutcome classifies the result of a vote.
type VoteOutcome int

const (
	VoteAccepted VoteOutcome = iota
	VoteAlreadyCast
	// VoteRejected covers votes for options the active poll does not carry.
	VoteRejected
	// VotePollClosed covers votes that reached a poll after it was replaced.
	VotePollClosed
	VoteFailed
)

func (o VoteOutcome) String() string {
	switch o {
	case VoteAccepted:
		return "accepted"
	case VoteAlreadyCast:
		return "already_cast"
	case VoteRejected:
		return "rejected"
	case VotePollClosed:
		return "poll_closed"
	default:
		return "failed"
	}
}

// PollSynchronizer owns the active poll. It keeps a cached copy that is
// discarded on any store failure, closed-poll vote or remote poll delta.
// With read-through set every read goes to the store, which is required when
// other instances write the same store without a bus to announce it.
type PollSynchronizer struct {
	store       storage.PollStore
	dispatch    *Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Recorder
	readThrough bool

	bootstrap singleflight.Group

	mu     sync.Mutex
	cached *models.Poll
}

func NewPollSynchronizer(store storage.PollStore, dispatcher *Dispatcher, logger *slog.Logger, recorder *metrics.Recorder) *PollSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &PollSynchronizer{store: store, dispatch: dispatcher, logger: logger, metrics: recorder}
}

// ActivePoll returns the active poll, creating the default poll when the store
// has none.
func (p *PollSynchronizer) ActivePoll(ctx context.Context) (models.Poll, error) {
	if poll, ok := p.cachedPoll(); ok && !p.readThrough {
		return poll, nil
	}
	result, err, _ := p.bootstrap.Do("active", func() (any, error) {
		poll, err := p.store.ActivePoll(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			poll, err = p.store.CreatePoll(ctx, models.NewPoll("", DefaultPollQuestion, DefaultPollOptions(), time.Time{}))
			if err == nil {
				p.logger.Info("created default poll", "poll_id", poll.ID)
			}
		}
		if err != nil {
			p.metrics.ObservePersistenceFailure("active_poll")
			return nil, err
		}
		if p.readThrough {
			// The store decides which poll is active, whatever its timestamps.
			p.forgetUnless(poll.ID)
		}
		return p.remember(poll), nil
	})
	if err != nil {
		p.Invalidate()
		return models.Poll{}, fmt.Errorf("load active poll: %w", err)
	}
	return result.(models.Poll).Clone(), nil
}

// Vote records voter's choice on the active poll. Accepted votes are broadcast
// to everyone; the sender also receives its vote status. A vote that reaches a
// poll after it was replaced is not moved to the new poll, since option IDs
// name different choices there; the sender gets the current poll instead.
func (p *PollSynchronizer) Vote(ctx context.Context, connID, voter, optionID string) (VoteOutcome, error) {
	poll, err := p.ActivePoll(ctx)
	if err != nil {
		return VoteFailed, err
	}
	if !poll.HasOption(optionID) {
		return VoteRejected, nil
	}
	if existing, ok := poll.VoteOf(voter); ok {
		return VoteAlreadyCast, p.sendStatus(ctx, connID, existing.OptionID)
	}

	updated, err := p.store.AppendVote(ctx, poll.ID, models.Vote{User: voter, OptionID: optionID})
	switch {
	case errors.Is(err, storage.ErrPollClosed):
		p.Invalidate()
		logging.WithContext(ctx, p.logger).Info("vote reached a replaced poll", "poll_id", poll.ID)
		return VotePollClosed, p.Snapshot(ctx, connID)
	case errors.Is(err, storage.ErrAlreadyVoted):
		p.remember(updated)
		existing, _ := updated.VoteOf(voter)
		return VoteAlreadyCast, p.sendStatus(ctx, connID, existing.OptionID)
	case errors.Is(err, storage.ErrUnknownOption):
		return VoteRejected, nil
	case err != nil:
		p.Invalidate()
		p.metrics.ObservePersistenceFailure("append_vote")
		return VoteFailed, fmt.Errorf("append vote: %w", err)
	}

	latest := p.remember(updated)
	if err := p.dispatch.Dispatch(ctx, AudienceAll, connID, EventUpdatePoll, newPollPayload(latest)); err != nil {
		return VoteAccepted, err
	}
	return VoteAccepted, p.sendStatus(ctx, connID, optionID)
}

// CheckStatus tells the sender whether voter has voted on the active poll.
func (p *PollSynchronizer) CheckStatus(ctx context.Context, connID, voter string) error {
	poll, err := p.ActivePoll(ctx)
	if err != nil {
		return err
	}
	vote, ok := poll.VoteOf(voter)
	if !ok {
		return p.dispatch.Dispatch(ctx, AudienceSender, connID, EventUserPollStatus, PollStatusPayload{})
	}
	return p.sendStatus(ctx, connID, vote.OptionID)
}

// CreatePoll replaces the active poll and broadcasts it to everyone.
func (p *PollSynchronizer) CreatePoll(ctx context.Context, connID, question string, options []string) (models.Poll, error) {
	created, err := p.store.CreatePoll(ctx, models.NewPoll("", question, options, time.Time{}))
	if err != nil {
		p.Invalidate()
		p.metrics.ObservePersistenceFailure("create_poll")
		return models.Poll{}, fmt.Errorf("create poll: %w", err)
	}
	p.mu.Lock()
	cached := created.Clone()
	p.cached = &cached
	p.mu.Unlock()
	if err := p.dispatch.Dispatch(ctx, AudienceAll, connID, EventUpdatePoll, newPollPayload(created)); err != nil {
		return created, err
	}
	return created, nil
}

// Snapshot sends the active poll to the sender.
func (p *PollSynchronizer) Snapshot(ctx context.Context, connID string) error {
	poll, err := p.ActivePoll(ctx)
	if err != nil {
		return err
	}
	return p.dispatch.Dispatch(ctx, AudienceSender, connID, EventUpdatePoll, newPollPayload(poll))
}

// Invalidate discards the cached poll so the next access reloads it.
func (p *PollSynchronizer) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *PollSynchronizer) forgetUnless(id string) {
	p.mu.Lock()
	if p.cached != nil && p.cached.ID != id {
		p.cached = nil
	}
	p.mu.Unlock()
}

func (p *PollSynchronizer) sendStatus(ctx context.Context, connID, optionID string) error {
	return p.dispatch.Dispatch(ctx, AudienceSender, connID, EventUserPollStatus, PollStatusPayload{HasVoted: true, OptionID: optionID})
}

func (p *PollSynchronizer) cachedPoll() (models.Poll, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return models.Poll{}, false
	}
	return p.cached.Clone(), true
}

// remember folds a poll read from the store into the cache and returns the
// newest known state of the active poll. Vote ledgers only grow, so a shorter
// ledger for the cached poll is an older read and is ignored.
func (p *PollSynchronizer) remember(poll models.Poll) models.Poll {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.cached
	switch {
	case !poll.Active:
		if current != nil && current.ID == poll.ID {
			p.cached = nil
		}
		return poll.Clone()
	case current == nil:
	case current.ID == poll.ID:
		if len(poll.VotedBy) < len(current.VotedBy) {
			return current.Clone()
		}
	case poll.CreatedAt.Before(current.CreatedAt):
		return current.Clone()
	}
	cached := poll.Clone()
	p.cached = &cached
	return cached.Clone()
}
