package realtime

import (
	"sort"
	"sync"

	"livesync/internal/models"
)

// Sink is the write side of a live connection. Send must never block; it
// reports false when the connection cannot accept the frame.
type Sink interface {
	ID() string
	Send(frame []byte) bool
	Close()
}

type presence struct {
	sink     Sink
	identity string
	seq      uint64
}

// Registry tracks the live connections of this process and the identity each
// one last presented.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*presence
	seq   uint64
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*presence)}
}

// Register adds the connection with the placeholder identity and returns the
// resulting count. Registering an ID twice keeps the first entry.
func (r *Registry) Register(sink Sink) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[sink.ID()]; exists {
		return len(r.conns), false
	}
	r.seq++
	r.conns[sink.ID()] = &presence{sink: sink, identity: models.AnonymousIdentity, seq: r.seq}
	return len(r.conns), true
}

// Unregister removes the connection and returns the resulting count. The
// second result is false when the ID was not registered.
func (r *Registry) Unregister(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; !exists {
		return len(r.conns), false
	}
	delete(r.conns, id)
	return len(r.conns), true
}

// Resolve returns the identity an action on connection id acts as. A non-empty
// claimed identity is recorded and returned; otherwise the last recorded one
// is used.
func (r *Registry) Resolve(id, claimed string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if claimed != "" {
		if ok {
			entry.identity = claimed
		}
		return claimed
	}
	if !ok {
		return models.AnonymousIdentity
	}
	return entry.identity
}

func (r *Registry) Identity(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.conns[id]; ok {
		return entry.identity
	}
	return models.AnonymousIdentity
}

func (r *Registry) Lookup(id string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return entry.sink, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered sinks in registration order.
func (r *Registry) Snapshot() []Sink {
	r.mu.RLock()
	entries := make([]*presence, 0, len(r.conns))
	for _, entry := range r.conns {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	sinks := make([]Sink, len(entries))
	for i, entry := range entries {
		sinks[i] = entry.sink
	}
	return sinks
}
