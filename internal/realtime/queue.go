package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Envelope carries an encoded frame between hub instances. Origin identifies
// the publishing instance so it can skip its own deltas.
type Envelope struct {
	Origin     string          `json:"origin"`
	Event      EventName       `json:"event"`
	Frame      json.RawMessage `json:"frame"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (e Envelope) validate() error {
	if e.Event == "" {
		return errors.New("envelope event is required")
	}
	if len(e.Frame) == 0 {
		return errors.New("envelope frame is required")
	}
	return nil
}

// Bus replicates broadcast deltas to every hub instance sharing it.
type Bus interface {
	Publish(ctx context.Context, envelope Envelope) error
	Subscribe() Subscription
	Ping(ctx context.Context) error
	Close() error
}

// Subscription represents an active envelope stream.
type Subscription interface {
	Events() <-chan Envelope
	Close()
}

// NewMemoryBus initialises an in-process fan-out bus for tests and for
// several hubs sharing one process.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, envelope Envelope) error {
	if err := envelope.validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- envelope:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow subscribers lose deltas rather than stalling publishers.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Envelope, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *memoryBus) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *memoryBus) Close() error {
	b.mu.RLock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan Envelope
}

func (s *memorySubscription) Events() <-chan Envelope {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
