package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"livesync/internal/models"
)

type dataset struct {
	Polls       map[string]models.Poll        `json:"polls"`
	Messages    map[string]models.ChatMessage `json:"messages"`
	Preferences map[string]models.Preferences `json:"preferences"`
}

func newDataset() dataset {
	return dataset{
		Polls:       make(map[string]models.Poll),
		Messages:    make(map[string]models.ChatMessage),
		Preferences: make(map[string]models.Preferences),
	}
}

// Storage is the JSON file repository. Every mutation is applied under a
// single mutex and persisted atomically before it becomes visible; a failed
// persist rolls the in-memory change back. An empty path keeps the dataset in
// memory only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens the JSON repository at path, creating an empty dataset
// when the file does not exist yet.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{filePath: path, now: defaultClock}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewMemoryStorage returns a repository that never touches the filesystem.
func NewMemoryStorage(opts ...Option) *Storage {
	store, _ := NewStorage("", opts...)
	return store
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = newDataset()
	if s.filePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Polls == nil {
		s.data.Polls = make(map[string]models.Poll)
	}
	if s.data.Messages == nil {
		s.data.Messages = make(map[string]models.ChatMessage)
	}
	if s.data.Preferences == nil {
		s.data.Preferences = make(map[string]models.Preferences)
	}
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.filePath == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) ActivePoll(ctx context.Context) (models.Poll, error) {
	if err := ctx.Err(); err != nil {
		return models.Poll{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	poll, ok := s.activePollLocked()
	if !ok {
		return models.Poll{}, ErrNotFound
	}
	return poll.Clone(), nil
}

func (s *Storage) activePollLocked() (models.Poll, bool) {
	var (
		latest models.Poll
		found  bool
	)
	for _, poll := range s.data.Polls {
		if !poll.Active {
			continue
		}
		if !found || poll.CreatedAt.After(latest.CreatedAt) ||
			(poll.CreatedAt.Equal(latest.CreatedAt) && poll.ID > latest.ID) {
			latest = poll
			found = true
		}
	}
	return latest, found
}

func (s *Storage) GetPoll(ctx context.Context, id string) (models.Poll, error) {
	if err := ctx.Err(); err != nil {
		return models.Poll{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	poll, ok := s.data.Polls[id]
	if !ok {
		return models.Poll{}, ErrNotFound
	}
	return poll.Clone(), nil
}

func (s *Storage) CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error) {
	if err := ctx.Err(); err != nil {
		return models.Poll{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	created := poll.Clone()
	if created.ID == "" {
		created.ID = generateID()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	created.Active = true
	if _, exists := s.data.Polls[created.ID]; exists {
		return models.Poll{}, fmt.Errorf("poll %s already exists", created.ID)
	}

	deactivated := make([]models.Poll, 0, 1)
	for id, existing := range s.data.Polls {
		if !existing.Active {
			continue
		}
		deactivated = append(deactivated, existing)
		existing.Active = false
		s.data.Polls[id] = existing
	}
	s.data.Polls[created.ID] = created

	if err := s.persist(); err != nil {
		delete(s.data.Polls, created.ID)
		for _, previous := range deactivated {
			s.data.Polls[previous.ID] = previous
		}
		return models.Poll{}, err
	}
	return created.Clone(), nil
}

func (s *Storage) AppendVote(ctx context.Context, pollID string, vote models.Vote) (models.Poll, error) {
	if err := ctx.Err(); err != nil {
		return models.Poll{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Polls[pollID]
	if !ok {
		return models.Poll{}, ErrNotFound
	}
	if !current.Active {
		return current.Clone(), ErrPollClosed
	}
	updated := current.Clone()
	if err := updated.ApplyVote(vote); err != nil {
		return current.Clone(), err
	}
	s.data.Polls[pollID] = updated
	if err := s.persist(); err != nil {
		s.data.Polls[pollID] = current
		return models.Poll{}, err
	}
	return updated.Clone(), nil
}

func (s *Storage) CreateMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.ChatMessage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if _, exists := s.data.Messages[msg.ID]; exists {
		return models.ChatMessage{}, fmt.Errorf("message %s already exists", msg.ID)
	}
	s.data.Messages[msg.ID] = msg
	if err := s.persist(); err != nil {
		delete(s.data.Messages, msg.ID)
		return models.ChatMessage{}, err
	}
	return msg, nil
}

func (s *Storage) GetMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.ChatMessage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data.Messages[id]
	if !ok {
		return models.ChatMessage{}, ErrNotFound
	}
	return msg, nil
}

func (s *Storage) UpdateMessage(ctx context.Context, msg models.ChatMessage, expectedRevision int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Revision != expectedRevision {
		return ErrConflict
	}
	s.data.Messages[msg.ID] = msg
	if err := s.persist(); err != nil {
		s.data.Messages[msg.ID] = current
		return err
	}
	return nil
}

func (s *Storage) RecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	messages := make([]models.ChatMessage, 0, len(s.data.Messages))
	for _, msg := range s.data.Messages {
		messages = append(messages, msg)
	}
	s.mu.RUnlock()

	sortMessages(messages)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func sortMessages(messages []models.ChatMessage) {
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		}
		return messages[i].ID < messages[j].ID
	})
}

func (s *Storage) GetPreferences(ctx context.Context, account string) (models.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return models.Preferences{}, err
	}
	s.mu.RLock()
	prefs, ok := s.data.Preferences[account]
	s.mu.RUnlock()
	if ok {
		return prefs, nil
	}
	return s.UpdatePreferences(ctx, account, models.PreferencesPatch{})
}

func (s *Storage) UpdatePreferences(ctx context.Context, account string, patch models.PreferencesPatch) (models.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return models.Preferences{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, existed := s.data.Preferences[account]
	if !existed {
		current = models.DefaultPreferences()
	}
	merged := current.Merge(patch)
	if existed && merged == current {
		return merged, nil
	}
	s.data.Preferences[account] = merged
	if err := s.persist(); err != nil {
		if existed {
			s.data.Preferences[account] = current
		} else {
			delete(s.data.Preferences, account)
		}
		return models.Preferences{}, err
	}
	return merged, nil
}
