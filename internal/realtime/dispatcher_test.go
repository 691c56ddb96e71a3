package realtime

import (
	"context"
	"testing"
	"time"

	"livesync/internal/models"
	"livesync/internal/observability/metrics"
)

func TestRegistryPresence(t *testing.T) {
	registry := NewRegistry()
	a := newFakeSink("a")
	b := newFakeSink("b")

	if count, added := registry.Register(a); !added || count != 1 {
		t.Fatalf("register a: count=%d added=%v", count, added)
	}
	if count, added := registry.Register(b); !added || count != 2 {
		t.Fatalf("register b: count=%d added=%v", count, added)
	}
	if _, added := registry.Register(a); added {
		t.Fatalf("expected duplicate register to be refused")
	}

	if got := registry.Identity("a"); got != models.AnonymousIdentity {
		t.Fatalf("expected placeholder identity, got %q", got)
	}
	if got := registry.Resolve("a", "alice"); got != "alice" {
		t.Fatalf("expected claimed identity, got %q", got)
	}
	if got := registry.Resolve("a", ""); got != "alice" {
		t.Fatalf("expected remembered identity, got %q", got)
	}

	snapshot := registry.Snapshot()
	if len(snapshot) != 2 || snapshot[0].ID() != "a" || snapshot[1].ID() != "b" {
		t.Fatalf("expected registration order, got %v", snapshot)
	}

	if count, removed := registry.Unregister("a"); !removed || count != 1 {
		t.Fatalf("unregister a: count=%d removed=%v", count, removed)
	}
	if _, removed := registry.Unregister("a"); removed {
		t.Fatalf("expected second unregister to be a no-op")
	}
}

func TestDispatchAudiences(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Metrics: metrics.New()})
	a, b, c := newFakeSink("a"), newFakeSink("b"), newFakeSink("c")
	for _, sink := range []*fakeSink{a, b, c} {
		registry.Register(sink)
	}
	ctx := context.Background()

	if err := dispatcher.Dispatch(ctx, AudienceAll, "a", EventReceiveMessage, MessagePayload{ID: "1"}); err != nil {
		t.Fatalf("dispatch all: %v", err)
	}
	if err := dispatcher.Dispatch(ctx, AudienceOthers, "a", EventDisplayTyping, TypingPayload{ID: "a"}); err != nil {
		t.Fatalf("dispatch others: %v", err)
	}
	if err := dispatcher.Dispatch(ctx, AudienceSender, "b", EventUserPollStatus, PollStatusPayload{}); err != nil {
		t.Fatalf("dispatch sender: %v", err)
	}

	if got := a.events(); len(got) != 1 || got[0] != EventReceiveMessage {
		t.Fatalf("sender a should only see its broadcast, got %v", got)
	}
	if got := b.events(); len(got) != 3 {
		t.Fatalf("b should see all three frames, got %v", got)
	}
	if got := c.events(); len(got) != 2 || c.count(EventUserPollStatus) != 0 {
		t.Fatalf("c should not see b's status, got %v", got)
	}
}

func TestDispatchClosesSlowConnection(t *testing.T) {
	registry := NewRegistry()
	recorder := metrics.New()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Metrics: recorder})
	slow := &fakeSink{id: "slow", capacity: 1}
	fast := newFakeSink("fast")
	registry.Register(slow)
	registry.Register(fast)

	for i := 0; i < 2; i++ {
		if err := dispatcher.DispatchLocal(AudienceAll, "", EventUpdateUserCount, UserCountPayload{Count: i}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	if !slow.isClosed() {
		t.Fatalf("expected slow connection to be closed")
	}
	if fast.isClosed() || len(fast.events()) != 2 {
		t.Fatalf("fast connection should receive every frame, got %v", fast.events())
	}
}

func TestDispatchReplicatesThroughBus(t *testing.T) {
	bus := NewMemoryBus(8)
	t.Cleanup(func() { _ = bus.Close() })
	sub := bus.Subscribe()

	registryA := NewRegistry()
	dispatcherA := NewDispatcher(DispatcherConfig{Registry: registryA, Bus: bus, Origin: "a", Metrics: metrics.New()})
	registryB := NewRegistry()
	dispatcherB := NewDispatcher(DispatcherConfig{Registry: registryB, Bus: bus, Origin: "b", Metrics: metrics.New()})
	remote := newFakeSink("remote")
	registryB.Register(remote)

	ctx := context.Background()
	if err := dispatcherA.Dispatch(ctx, AudienceSender, "x", EventUserPollStatus, PollStatusPayload{}); err != nil {
		t.Fatalf("dispatch sender: %v", err)
	}
	if err := dispatcherA.Dispatch(ctx, AudienceOthers, "x", EventDisplayTyping, TypingPayload{ID: "x", Username: "alice"}); err != nil {
		t.Fatalf("dispatch others: %v", err)
	}

	select {
	case envelope := <-sub.Events():
		if envelope.Event != EventDisplayTyping || envelope.Origin != "a" {
			t.Fatalf("unexpected envelope %+v", envelope)
		}
		if dispatcherA.DeliverRemote(envelope) {
			t.Fatalf("origin should ignore its own envelope")
		}
		if !dispatcherB.DeliverRemote(envelope) {
			t.Fatalf("remote instance should deliver the envelope")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope")
	}

	var typing TypingPayload
	if !remote.last(t, EventDisplayTyping, &typing) || typing.Username != "alice" {
		t.Fatalf("expected remote typing frame, got %v", remote.events())
	}
	select {
	case envelope := <-sub.Events():
		t.Fatalf("sender-only frames must not be replicated, got %+v", envelope)
	default:
	}
}
