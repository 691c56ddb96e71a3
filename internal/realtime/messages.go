package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"livesync/internal/models"
	"livesync/internal/observability/metrics"
	"livesync/internal/storage"
)

// DefaultHistoryLimit is the number of messages returned by a history request.
const DefaultHistoryLimit = 50

// EditOutcome classifies the result of an edit.
type EditOutcome int

const (
	EditApplied EditOutcome = iota
	EditNotFound
	EditForbidden
	EditDeleted
	// EditConflict reports a concurrent change; the edit is abandoned.
	EditConflict
	EditFailed
)

func (o EditOutcome) String() string {
	switch o {
	case EditApplied:
		return "applied"
	case EditNotFound:
		return "not_found"
	case EditForbidden:
		return "forbidden"
	case EditDeleted:
		return "deleted"
	case EditConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// DeleteOutcome classifies the result of a delete.
type DeleteOutcome int

const (
	DeleteApplied DeleteOutcome = iota
	// DeleteNoop reports a message that was already deleted.
	DeleteNoop
	DeleteNotFound
	DeleteForbidden
	DeleteConflict
	DeleteFailed
)

func (o DeleteOutcome) String() string {
	switch o {
	case DeleteApplied:
		return "applied"
	case DeleteNoop:
		return "noop"
	case DeleteNotFound:
		return "not_found"
	case DeleteForbidden:
		return "forbidden"
	case DeleteConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// MessageSynchronizer persists chat messages and broadcasts their changes.
type MessageSynchronizer struct {
	store        storage.MessageStore
	dispatch     *Dispatcher
	logger       *slog.Logger
	metrics      *metrics.Recorder
	historyLimit int
}

func NewMessageSynchronizer(store storage.MessageStore, dispatcher *Dispatcher, historyLimit int, logger *slog.Logger, recorder *metrics.Recorder) *MessageSynchronizer {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &MessageSynchronizer{
		store:        store,
		dispatch:     dispatcher,
		logger:       logger,
		metrics:      recorder,
		historyLimit: historyLimit,
	}
}

// Recent returns up to limit of the newest messages in ascending order. A
// limit outside 1..historyLimit is clamped to historyLimit.
func (m *MessageSynchronizer) Recent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > m.historyLimit {
		limit = m.historyLimit
	}
	messages, err := m.store.RecentMessages(ctx, limit)
	if err != nil {
		m.metrics.ObservePersistenceFailure("recent_messages")
		return nil, fmt.Errorf("load history: %w", err)
	}
	return messages, nil
}

// History sends the most recent messages to the sender as one frame.
func (m *MessageSynchronizer) History(ctx context.Context, connID string) error {
	messages, err := m.Recent(ctx, m.historyLimit)
	if err != nil {
		return err
	}
	payload := HistoryPayload{Messages: make([]MessagePayload, 0, len(messages))}
	for _, msg := range messages {
		payload.Messages = append(payload.Messages, newMessagePayload(msg))
	}
	return m.dispatch.Dispatch(ctx, AudienceSender, connID, EventMessageHistory, payload)
}

// Send stores a new message by author and broadcasts it to everyone,
// including the sender.
func (m *MessageSynchronizer) Send(ctx context.Context, connID, author, text string) (models.ChatMessage, error) {
	created, err := m.store.CreateMessage(ctx, models.ChatMessage{Username: author, Text: text})
	if err != nil {
		m.metrics.ObservePersistenceFailure("create_message")
		return models.ChatMessage{}, fmt.Errorf("create message: %w", err)
	}
	return created, m.dispatch.Dispatch(ctx, AudienceAll, connID, EventReceiveMessage, newMessagePayload(created))
}

// Edit replaces the text of a message authored by actor.
func (m *MessageSynchronizer) Edit(ctx context.Context, connID, id, text, actor string) (EditOutcome, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return EditNotFound, nil
	}
	if err != nil {
		m.metrics.ObservePersistenceFailure("get_message")
		return EditFailed, fmt.Errorf("load message: %w", err)
	}

	expected := msg.Revision
	if err := msg.Edit(actor, text); err != nil {
		switch {
		case errors.Is(err, models.ErrForbidden):
			return EditForbidden, nil
		case errors.Is(err, models.ErrMessageDeleted):
			return EditDeleted, nil
		}
		return EditFailed, err
	}

	if outcome, err := m.save(ctx, msg, expected); err != nil || outcome != saveApplied {
		switch outcome {
		case saveConflict:
			return EditConflict, nil
		case saveMissing:
			return EditNotFound, nil
		}
		return EditFailed, err
	}
	return EditApplied, m.dispatch.Dispatch(ctx, AudienceAll, connID, EventMessageUpdated, MessageUpdatedPayload{
		ID:       msg.ID,
		Text:     msg.Text,
		IsEdited: msg.Edited,
	})
}

// Delete soft-deletes a message authored by actor. Deleting an already
// deleted message changes nothing and broadcasts nothing.
func (m *MessageSynchronizer) Delete(ctx context.Context, connID, id, actor string) (DeleteOutcome, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return DeleteNotFound, nil
	}
	if err != nil {
		m.metrics.ObservePersistenceFailure("get_message")
		return DeleteFailed, fmt.Errorf("load message: %w", err)
	}

	expected := msg.Revision
	changed, err := msg.Delete(actor)
	if errors.Is(err, models.ErrForbidden) {
		return DeleteForbidden, nil
	}
	if err != nil {
		return DeleteFailed, err
	}
	if !changed {
		return DeleteNoop, nil
	}

	if outcome, err := m.save(ctx, msg, expected); err != nil || outcome != saveApplied {
		switch outcome {
		case saveConflict:
			return DeleteConflict, nil
		case saveMissing:
			return DeleteNotFound, nil
		}
		return DeleteFailed, err
	}
	return DeleteApplied, m.dispatch.Dispatch(ctx, AudienceAll, connID, EventMessageDeleted, MessageDeletedPayload{ID: msg.ID})
}

type saveOutcome int

const (
	saveApplied saveOutcome = iota
	saveConflict
	saveMissing
	saveFailed
)

func (m *MessageSynchronizer) save(ctx context.Context, msg models.ChatMessage, expected int64) (saveOutcome, error) {
	err := m.store.UpdateMessage(ctx, msg, expected)
	switch {
	case err == nil:
		return saveApplied, nil
	case errors.Is(err, storage.ErrConflict):
		return saveConflict, nil
	case errors.Is(err, storage.ErrNotFound):
		return saveMissing, nil
	default:
		m.metrics.ObservePersistenceFailure("update_message")
		return saveFailed, fmt.Errorf("update message: %w", err)
	}
}
