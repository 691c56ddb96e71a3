package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"livesync/internal/observability/logging"
	"livesync/internal/realtime"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshots is the read side of the realtime hub.
type Snapshots interface {
	ActivePoll(ctx context.Context) (realtime.PollPayload, error)
	RecentMessages(ctx context.Context, limit int) ([]realtime.MessagePayload, error)
	ConnectionCount() int
	InstanceID() string
}

type Handler struct {
	Hub    Snapshots
	Store  Pinger
	Bus    Pinger
	Logger *slog.Logger
}

func NewHandler(hub Snapshots, store Pinger) *Handler {
	return &Handler{Hub: hub, Store: store}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteMethodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	components, status, code := h.componentHealth(r.Context())
	payload := map[string]interface{}{
		"status":     status,
		"components": components,
	}
	if h.Hub != nil {
		payload["instance"] = h.Hub.InstanceID()
		payload["connections"] = h.Hub.ConnectionCount()
	}
	writeJSON(w, r, code, payload)
}

// Poll returns the active poll, creating the default one on first use.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	poll, err := h.Hub.ActivePoll(r.Context())
	if err != nil {
		h.logger(r).Error("failed to load active poll", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("poll unavailable"))
		return
	}
	writeJSON(w, r, http.StatusOK, poll)
}

// Messages returns up to ?limit= of the newest messages in ascending order.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), realtime.DefaultHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	messages, err := h.Hub.RecentMessages(r.Context(), limit)
	if err != nil {
		h.logger(r).Error("failed to load messages", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("messages unavailable"))
		return
	}
	writeJSON(w, r, http.StatusOK, realtime.HistoryPayload{Messages: messages})
}

func parseLimit(raw string, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return max, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}
