package realtime

import "context"

// SignalRelay forwards typing indicators. Nothing is stored.
type SignalRelay struct {
	registry *Registry
	dispatch *Dispatcher
}

func NewSignalRelay(registry *Registry, dispatcher *Dispatcher) *SignalRelay {
	return &SignalRelay{registry: registry, dispatch: dispatcher}
}

// TypingStart tells every other connection that identity is typing.
func (s *SignalRelay) TypingStart(ctx context.Context, connID, identity string) error {
	return s.dispatch.Dispatch(ctx, AudienceOthers, connID, EventDisplayTyping, TypingPayload{ID: connID, Username: identity})
}

// TypingStop clears the typing indicator of connID on every other connection.
func (s *SignalRelay) TypingStop(ctx context.Context, connID string) error {
	return s.dispatch.Dispatch(ctx, AudienceOthers, connID, EventStopDisplayTyping, TypingPayload{ID: connID, Username: s.registry.Identity(connID)})
}
