package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"livesync/internal/models"
)

// Snapshot is a complete export of the sync dataset keyed by primary
// identifier. The JSON layout matches the JSON repository file, so an
// existing store file can be loaded directly as a snapshot.
type Snapshot struct {
	Polls       map[string]models.Poll        `json:"polls"`
	Messages    map[string]models.ChatMessage `json:"messages"`
	Preferences map[string]models.Preferences `json:"preferences"`
}

// SnapshotCounts summarises the size of each collection.
type SnapshotCounts struct {
	Polls       int
	Votes       int
	Messages    int
	Preferences int
}

// LoadSnapshotFromJSON reads a JSON repository file or exported snapshot.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Polls == nil {
		s.Polls = make(map[string]models.Poll)
	}
	if s.Messages == nil {
		s.Messages = make(map[string]models.ChatMessage)
	}
	if s.Preferences == nil {
		s.Preferences = make(map[string]models.Preferences)
	}
}

// Counts returns the number of records held in each collection.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	counts := SnapshotCounts{
		Polls:       len(s.Polls),
		Messages:    len(s.Messages),
		Preferences: len(s.Preferences),
	}
	for _, poll := range s.Polls {
		counts.Votes += len(poll.VotedBy)
	}
	return counts
}

// Validate rejects snapshots that would break store invariants once imported.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot is required")
	}
	active := 0
	for id, poll := range s.Polls {
		if poll.ID != id {
			return fmt.Errorf("poll key %s does not match id %s", id, poll.ID)
		}
		if poll.Active {
			active++
		}
		if !poll.Consistent() {
			return fmt.Errorf("poll %s vote counts do not match its voter list", id)
		}
	}
	if active > 1 {
		return fmt.Errorf("snapshot holds %d active polls", active)
	}
	for id, msg := range s.Messages {
		if msg.ID != id {
			return fmt.Errorf("message key %s does not match id %s", id, msg.ID)
		}
	}
	return nil
}

// ImportSnapshot validates the snapshot and loads it into target.
func ImportSnapshot(ctx context.Context, target SnapshotTarget, snapshot *Snapshot) error {
	if target == nil {
		return fmt.Errorf("snapshot target is required")
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	snapshot.ensureInitialized()
	return target.ImportSnapshot(ctx, snapshot)
}

// ExportSnapshot returns a deep copy of the JSON repository dataset.
func (s *Storage) ExportSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := &Snapshot{
		Polls:       make(map[string]models.Poll, len(s.data.Polls)),
		Messages:    make(map[string]models.ChatMessage, len(s.data.Messages)),
		Preferences: make(map[string]models.Preferences, len(s.data.Preferences)),
	}
	for id, poll := range s.data.Polls {
		snapshot.Polls[id] = poll.Clone()
	}
	for id, msg := range s.data.Messages {
		snapshot.Messages[id] = msg
	}
	for account, prefs := range s.data.Preferences {
		snapshot.Preferences[account] = prefs
	}
	return snapshot, nil
}

// ImportSnapshot merges the snapshot into the dataset, replacing records that
// share an identifier.
func (s *Storage) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.data
	next := newDataset()
	for id, poll := range previous.Polls {
		next.Polls[id] = poll
	}
	for id, msg := range previous.Messages {
		next.Messages[id] = msg
	}
	for account, prefs := range previous.Preferences {
		next.Preferences[account] = prefs
	}

	hasActive := false
	for _, poll := range snapshot.Polls {
		if poll.Active {
			hasActive = true
		}
	}
	if hasActive {
		for id, poll := range next.Polls {
			poll.Active = false
			next.Polls[id] = poll
		}
	}
	for id, poll := range snapshot.Polls {
		next.Polls[id] = poll.Clone()
	}
	for id, msg := range snapshot.Messages {
		next.Messages[id] = msg
	}
	for account, prefs := range snapshot.Preferences {
		next.Preferences[account] = prefs
	}

	s.data = next
	if err := s.persist(); err != nil {
		s.data = previous
		return err
	}
	return nil
}

func (s *Storage) SnapshotCounts(ctx context.Context) (SnapshotCounts, error) {
	snapshot, err := s.ExportSnapshot(ctx)
	if err != nil {
		return SnapshotCounts{}, err
	}
	return snapshot.Counts(), nil
}
