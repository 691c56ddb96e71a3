package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"livesync/internal/models"
	"livesync/internal/observability/metrics"
	"livesync/internal/storage"
)

type fakeSink struct {
	id       string
	capacity int

	mu     sync.Mutex
	frames []Frame
	closed bool
}

func newFakeSink(id string) *fakeSink {
	return &fakeSink{id: id}
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.frames) >= s.capacity {
		return false
	}
	var decoded Frame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		panic(err)
	}
	s.frames = append(s.frames, decoded)
	return true
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) events() []EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]EventName, len(s.frames))
	for i, frame := range s.frames {
		names[i] = frame.Event
	}
	return names
}

func (s *fakeSink) count(name EventName) int {
	n := 0
	for _, event := range s.events() {
		if event == name {
			n++
		}
	}
	return n
}

// last decodes the data of the most recent frame named name into out.
func (s *fakeSink) last(t *testing.T, name EventName, out any) bool {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Event != name {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(s.frames[i].Data, out); err != nil {
				t.Fatalf("decode %s: %v", name, err)
			}
		}
		return true
	}
	return false
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

type testHarness struct {
	store      *storage.Storage
	registry   *Registry
	dispatcher *Dispatcher
	polls      *PollSynchronizer
	messages   *MessageSynchronizer
	signals    *SignalRelay
	prefs      *PreferenceService
	metrics    *metrics.Recorder
}

func newHarness(t *testing.T, store *storage.Storage) *testHarness {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	recorder := metrics.New()
	registry := NewRegistry()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Origin: "test", Metrics: recorder})
	return &testHarness{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		polls:      NewPollSynchronizer(store, dispatcher, nil, recorder),
		messages:   NewMessageSynchronizer(store, dispatcher, 0, nil, recorder),
		signals:    NewSignalRelay(registry, dispatcher),
		prefs:      NewPreferenceService(store, dispatcher, recorder),
		metrics:    recorder,
	}
}

func (h *testHarness) connect(t *testing.T, id string) *fakeSink {
	t.Helper()
	sink := newFakeSink(id)
	if _, added := h.registry.Register(sink); !added {
		t.Fatalf("register %s: already registered", id)
	}
	return sink
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the selected operations while delegating the rest.
type flakyStore struct {
	*storage.Storage

	mu    sync.Mutex
	fails map[string]bool
	calls map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		Storage: storage.NewMemoryStorage(),
		fails:   make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (f *flakyStore) fail(op string, enabled bool) {
	f.mu.Lock()
	f.fails[op] = enabled
	f.mu.Unlock()
}

func (f *flakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.fails[op] {
		return errStoreDown
	}
	return nil
}

func (f *flakyStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyStore) ActivePoll(ctx context.Context) (models.Poll, error) {
	if err := f.check("ActivePoll"); err != nil {
		return models.Poll{}, err
	}
	return f.Storage.ActivePoll(ctx)
}

func (f *flakyStore) AppendVote(ctx context.Context, pollID string, vote models.Vote) (models.Poll, error) {
	if err := f.check("AppendVote"); err != nil {
		return models.Poll{}, err
	}
	return f.Storage.AppendVote(ctx, pollID, vote)
}

func (f *flakyStore) CreateMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	if err := f.check("CreateMessage"); err != nil {
		return models.ChatMessage{}, err
	}
	return f.Storage.CreateMessage(ctx, msg)
}

func (f *flakyStore) UpdateMessage(ctx context.Context, msg models.ChatMessage, expectedRevision int64) error {
	if err := f.check("UpdateMessage"); err != nil {
		return err
	}
	return f.Storage.UpdateMessage(ctx, msg, expectedRevision)
}

func voteFor(user, option string) models.Vote {
	return models.Vote{User: user, OptionID: option}
}

// steppingClock returns a clock that advances one second per reading.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}
