package realtime

import (
	"context"
	"log/slog"
	"time"

	"livesync/internal/observability/metrics"
)

// Audience selects which connections receive a frame.
type Audience int

const (
	// AudienceAll targets every connection, including the sender.
	AudienceAll Audience = iota
	// AudienceOthers targets every connection except the sender.
	AudienceOthers
	// AudienceSender targets only the originating connection.
	AudienceSender
)

func (a Audience) String() string {
	switch a {
	case AudienceAll:
		return "all"
	case AudienceOthers:
		return "others"
	case AudienceSender:
		return "sender"
	default:
		return "unknown"
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	// Bus replicates non-sender frames to other instances. Nil keeps
	// delivery local.
	Bus Bus
	// Origin identifies this instance on the bus.
	Origin  string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Dispatcher fans encoded frames out to the connections in the registry.
type Dispatcher struct {
	registry *Registry
	bus      Bus
	origin   string
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{
		registry: registry,
		bus:      cfg.Bus,
		origin:   cfg.Origin,
		logger:   logger,
		metrics:  recorder,
	}
}

// Dispatch delivers the event to the local audience and, for non-sender
// audiences, publishes it on the bus.
func (d *Dispatcher) Dispatch(ctx context.Context, audience Audience, senderID string, name EventName, payload any) error {
	frame, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}
	d.deliver(audience, senderID, frame)
	if audience != AudienceSender {
		d.publish(ctx, name, frame)
	}
	return nil
}

// DispatchLocal delivers the event to local connections only.
func (d *Dispatcher) DispatchLocal(audience Audience, senderID string, name EventName, payload any) error {
	frame, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}
	d.deliver(audience, senderID, frame)
	return nil
}

// DeliverRemote hands an envelope from another instance to every local
// connection. Envelopes published by this instance are ignored.
func (d *Dispatcher) DeliverRemote(envelope Envelope) bool {
	if envelope.Origin == d.origin {
		return false
	}
	d.deliver(AudienceAll, "", envelope.Frame)
	return true
}

func (d *Dispatcher) deliver(audience Audience, senderID string, frame []byte) {
	d.metrics.ObserveBroadcast(audience.String())
	if audience == AudienceSender {
		if sink, ok := d.registry.Lookup(senderID); ok {
			d.send(sink, frame)
		}
		return
	}
	for _, sink := range d.registry.Snapshot() {
		if audience == AudienceOthers && sink.ID() == senderID {
			continue
		}
		d.send(sink, frame)
	}
}

func (d *Dispatcher) send(sink Sink, frame []byte) {
	if sink.Send(frame) {
		return
	}
	d.logger.Warn("closing slow connection", "connection_id", sink.ID())
	d.metrics.SlowConnectionDropped()
	sink.Close()
}

func (d *Dispatcher) publish(ctx context.Context, name EventName, frame []byte) {
	if d.bus == nil {
		return
	}
	err := d.bus.Publish(ctx, Envelope{
		Origin:     d.origin,
		Event:      name,
		Frame:      frame,
		OccurredAt: time.Now().UTC(),
	})
	d.metrics.ObserveBus("publish", err)
	if err != nil {
		d.logger.Warn("failed to publish delta", "event", name, "error", err)
	}
}
