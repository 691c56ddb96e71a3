package realtime

import (
	"context"

	"golang.org/x/sync/errgroup"

	"livesync/internal/models"
)

// ReconcileRequest selects the point-in-time reads sent to a connection that
// needs to catch up.
type ReconcileRequest struct {
	Poll    bool
	History bool
	// Identity, when known, adds the vote status and preferences of that
	// identity.
	Identity string
}

// SessionReconciler serves the read-only catch-up of a connection. The reads
// are independent, so they run concurrently and arrive in any order.
type SessionReconciler struct {
	polls    *PollSynchronizer
	messages *MessageSynchronizer
	prefs    *PreferenceService
}

func NewSessionReconciler(polls *PollSynchronizer, messages *MessageSynchronizer, prefs *PreferenceService) *SessionReconciler {
	return &SessionReconciler{polls: polls, messages: messages, prefs: prefs}
}

func (s *SessionReconciler) Reconcile(ctx context.Context, connID string, req ReconcileRequest) error {
	g, gctx := errgroup.WithContext(ctx)
	if req.Poll {
		g.Go(func() error { return s.polls.Snapshot(gctx, connID) })
	}
	if req.History {
		g.Go(func() error { return s.messages.History(gctx, connID) })
	}
	if req.Identity != "" && req.Identity != models.AnonymousIdentity {
		g.Go(func() error { return s.polls.CheckStatus(gctx, connID, req.Identity) })
		g.Go(func() error {
			_, err := s.prefs.Get(gctx, connID, req.Identity)
			return err
		})
	}
	return g.Wait()
}
