package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"livesync/internal/models"
	"livesync/internal/observability/logging"
	"livesync/internal/observability/metrics"
	"livesync/internal/storage"
)

// Store is the persistence surface the hub depends on.
type Store interface {
	storage.PollStore
	storage.MessageStore
	storage.PreferenceStore
}

// HubConfig configures a Hub.
type HubConfig struct {
	Store Store
	// Bus replicates deltas between instances. Nil runs the hub standalone.
	Bus Bus
	// InstanceID tags envelopes published by this hub. A random ID is used
	// when empty.
	InstanceID   string
	HistoryLimit int
	// RejectionNotices sends action_rejected frames to the sender when an
	// edit, delete or vote is refused. Rejections are silent otherwise.
	RejectionNotices bool
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

// Hub routes inbound actions to the synchronizers and tracks connection
// presence.
type Hub struct {
	instanceID string
	bus        Bus
	logger     *slog.Logger
	metrics    *metrics.Recorder
	rejections bool

	registry   *Registry
	dispatcher *Dispatcher
	polls      *PollSynchronizer
	messages   *MessageSynchronizer
	signals    *SignalRelay
	prefs      *PreferenceService
	session    *SessionReconciler
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("hub store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	registry := NewRegistry()
	dispatcher := NewDispatcher(DispatcherConfig{
		Registry: registry,
		Bus:      cfg.Bus,
		Origin:   instanceID,
		Logger:   logger,
		Metrics:  recorder,
	})
	polls := NewPollSynchronizer(cfg.Store, dispatcher, logger, recorder)
	// Without a bus nothing announces polls created by other instances.
	polls.readThrough = cfg.Bus == nil
	messages := NewMessageSynchronizer(cfg.Store, dispatcher, cfg.HistoryLimit, logger, recorder)
	prefs := NewPreferenceService(cfg.Store, dispatcher, recorder)

	return &Hub{
		instanceID: instanceID,
		bus:        cfg.Bus,
		logger:     logger,
		metrics:    recorder,
		rejections: cfg.RejectionNotices,
		registry:   registry,
		dispatcher: dispatcher,
		polls:      polls,
		messages:   messages,
		signals:    NewSignalRelay(registry, dispatcher),
		prefs:      prefs,
		session:    NewSessionReconciler(polls, messages, prefs),
	}, nil
}

func (h *Hub) InstanceID() string {
	return h.instanceID
}

// ConnectionCount reports the live connections of this instance.
func (h *Hub) ConnectionCount() int {
	return h.registry.Count()
}

// Connect registers the sink, broadcasts the new count and sends the initial
// poll snapshot. A non-empty identity is recorded and also reconciled.
func (h *Hub) Connect(ctx context.Context, sink Sink, identity string) error {
	count, added := h.registry.Register(sink)
	if !added {
		return fmt.Errorf("connection %s already registered", sink.ID())
	}
	h.metrics.ConnectionOpened()
	connID := sink.ID()
	ctx = logging.ContextWithConnectionID(ctx, connID)
	if identity != "" {
		identity = h.registry.Resolve(connID, identity)
	}
	logging.WithContext(ctx, h.logger).Debug("connection registered", "count", count)

	if err := h.dispatcher.DispatchLocal(AudienceAll, connID, EventUpdateUserCount, UserCountPayload{Count: count}); err != nil {
		return err
	}
	if err := h.session.Reconcile(ctx, connID, ReconcileRequest{Poll: true, Identity: identity}); err != nil {
		logging.WithContext(ctx, h.logger).Error("initial reconcile failed", "error", err)
	}
	return nil
}

// Disconnect removes the connection and broadcasts the new count. Unknown IDs
// are ignored so callers may disconnect more than once.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	count, removed := h.registry.Unregister(connID)
	if !removed {
		return
	}
	h.metrics.ConnectionClosed()
	ctx = logging.ContextWithConnectionID(ctx, connID)
	logging.WithContext(ctx, h.logger).Debug("connection unregistered", "count", count)
	if err := h.dispatcher.DispatchLocal(AudienceAll, "", EventUpdateUserCount, UserCountPayload{Count: count}); err != nil {
		logging.WithContext(ctx, h.logger).Error("failed to broadcast user count", "error", err)
	}
}

// HandleFrame decodes a raw frame and applies it. Malformed frames are
// answered with an error frame to the sender only.
func (h *Hub) HandleFrame(ctx context.Context, connID string, raw []byte) {
	action, err := DecodeAction(raw)
	if err != nil {
		name := string(action.Event)
		if name == "" {
			name = "frame"
		}
		h.metrics.ObserveSync(name, "invalid")
		h.sendError(connID, action.Event, err)
		return
	}
	h.Handle(ctx, connID, action)
}

// Handle applies a decoded action on behalf of connID. Store failures abandon
// the action and are logged; they never reach other connections.
func (h *Hub) Handle(ctx context.Context, connID string, action Action) {
	ctx = logging.ContextWithConnectionID(ctx, connID)
	// Actions act only as the identity they carry. The connection's last
	// recorded identity is used for typing projections alone.
	display := h.registry.Resolve(connID, action.Username)
	identity := action.Username
	if identity == "" {
		identity = models.AnonymousIdentity
	}

	switch action.Event {
	case EventSendMessage, EventEditMessage, EventDeleteMessage:
		if err := requireAuthor(action.Username); err != nil {
			h.metrics.ObserveSync(string(action.Event), "anonymous")
			h.sendError(connID, action.Event, err)
			return
		}
	}

	outcome := "ok"
	var err error
	switch action.Event {
	case EventRequestHistory:
		err = h.messages.History(ctx, connID)
	case EventSendMessage:
		_, err = h.messages.Send(ctx, connID, identity, action.Text)
	case EventEditMessage:
		var result EditOutcome
		result, err = h.messages.Edit(ctx, connID, action.MessageID, action.Text, identity)
		outcome = result.String()
		if result != EditApplied && result != EditFailed {
			h.reject(connID, action.Event, outcome)
		}
	case EventDeleteMessage:
		var result DeleteOutcome
		result, err = h.messages.Delete(ctx, connID, action.MessageID, identity)
		outcome = result.String()
		if result != DeleteApplied && result != DeleteNoop && result != DeleteFailed {
			h.reject(connID, action.Event, outcome)
		}
	case EventTyping:
		err = h.signals.TypingStart(ctx, connID, display)
	case EventStopTyping:
		err = h.signals.TypingStop(ctx, connID)
	case EventRequestPoll:
		err = h.polls.Snapshot(ctx, connID)
	case EventVote:
		if identity == models.AnonymousIdentity {
			outcome = "anonymous"
			h.sendError(connID, action.Event, fmt.Errorf("%w: username is required to vote", ErrInvalidPayload))
			break
		}
		var result VoteOutcome
		result, err = h.polls.Vote(ctx, connID, identity, action.OptionID)
		outcome = result.String()
		switch result {
		case VoteRejected:
			h.reject(connID, action.Event, "unknown_option")
		case VotePollClosed:
			h.reject(connID, action.Event, "poll_closed")
		}
	case EventCheckPollStatus:
		err = h.polls.CheckStatus(ctx, connID, identity)
	case EventCreatePoll:
		_, err = h.polls.CreatePoll(ctx, connID, action.Question, action.Options)
	case EventGetSettings:
		if identity == models.AnonymousIdentity {
			outcome = "anonymous"
			h.sendError(connID, action.Event, fmt.Errorf("%w: username is required", ErrInvalidPayload))
			break
		}
		_, err = h.prefs.Get(ctx, connID, identity)
	case EventUpdateSettings:
		if identity == models.AnonymousIdentity {
			outcome = "anonymous"
			h.sendError(connID, action.Event, fmt.Errorf("%w: username is required", ErrInvalidPayload))
			break
		}
		_, err = h.prefs.Update(ctx, connID, identity, action.Settings)
	default:
		outcome = "unknown"
		h.sendError(connID, action.Event, fmt.Errorf("%w: %s", ErrUnknownEvent, action.Event))
	}

	if err != nil {
		outcome = "failed"
		logging.WithContext(ctx, h.logger).Error("realtime action failed", "action", action.Event, "identity", identity, "error", err)
		h.reject(connID, action.Event, "unavailable")
	}
	h.metrics.ObserveSync(string(action.Event), outcome)
}

// Run consumes the replication bus until ctx is cancelled. Without a bus it
// simply waits for cancellation.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	sub := h.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case envelope, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("replication bus subscription closed")
			}
			h.applyRemote(envelope)
		}
	}
}

func (h *Hub) applyRemote(envelope Envelope) {
	if envelope.Origin == h.instanceID {
		return
	}
	h.metrics.ObserveBus("consume", nil)
	if envelope.Event == EventUpdatePoll {
		h.polls.Invalidate()
	}
	h.dispatcher.DeliverRemote(envelope)
}

// ActivePoll returns the client projection of the active poll.
func (h *Hub) ActivePoll(ctx context.Context) (PollPayload, error) {
	poll, err := h.polls.ActivePoll(ctx)
	if err != nil {
		return PollPayload{}, err
	}
	return newPollPayload(poll), nil
}

// RecentMessages returns the client projection of the newest messages.
func (h *Hub) RecentMessages(ctx context.Context, limit int) ([]MessagePayload, error) {
	messages, err := h.messages.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]MessagePayload, 0, len(messages))
	for _, msg := range messages {
		out = append(out, newMessagePayload(msg))
	}
	return out, nil
}

func (h *Hub) sendError(connID string, event EventName, err error) {
	if dispatchErr := h.dispatcher.DispatchLocal(AudienceSender, connID, EventError, ErrorPayload{Event: event, Message: err.Error()}); dispatchErr != nil {
		h.logger.Error("failed to send error frame", "connection_id", connID, "error", dispatchErr)
	}
}

func (h *Hub) reject(connID string, event EventName, reason string) {
	if !h.rejections {
		return
	}
	if err := h.dispatcher.DispatchLocal(AudienceSender, connID, EventActionRejected, RejectionPayload{Event: event, Reason: reason}); err != nil {
		h.logger.Error("failed to send rejection", "connection_id", connID, "error", err)
	}
}
