package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// SyncLabel identifies a realtime action and the outcome it produced.
type SyncLabel struct {
	Action  string
	Outcome string
}

// BusLabel identifies a replication bus operation and its result.
type BusLabel struct {
	Direction string
	Status    string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// realtime synchronisation outcomes, broadcasts, persistence failures and
// replication bus traffic. Maps are guarded by a RWMutex while the connection
// gauge is tracked atomically.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	syncOutcomes        map[SyncLabel]uint64
	broadcasts          map[string]uint64
	persistenceFailures map[string]uint64
	connectionEvents    map[string]uint64
	busEvents           map[BusLabel]uint64
	activeConnections   atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		syncOutcomes:        make(map[SyncLabel]uint64),
		broadcasts:          make(map[string]uint64),
		persistenceFailures: make(map[string]uint64),
		connectionEvents:    make(map[string]uint64),
		busEvents:           make(map[BusLabel]uint64),
	}
}

// Default returns the process-wide Recorder used when components are not
// given one explicitly.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. A nil recorder is ignored.
func SetDefault(recorder *Recorder) {
	if recorder == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = recorder
	defaultMu.Unlock()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveSync records the outcome of a realtime action such as
// vote/accepted or edit_message/forbidden.
func (r *Recorder) ObserveSync(action, outcome string) {
	label := SyncLabel{Action: normalizeName(action), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.syncOutcomes[label]++
	r.mu.Unlock()
}

// ObserveBroadcast counts a fan-out to the given audience.
func (r *Recorder) ObserveBroadcast(audience string) {
	normalized := normalizeName(audience)
	r.mu.Lock()
	r.broadcasts[normalized]++
	r.mu.Unlock()
}

// ObservePersistenceFailure counts a store error keyed by operation name.
func (r *Recorder) ObservePersistenceFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.persistenceFailures[op]++
	r.mu.Unlock()
}

// ObserveBus counts a replication bus publish or consume with its status.
func (r *Recorder) ObserveBus(direction string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	label := BusLabel{Direction: normalizeName(direction), Status: status}
	r.mu.Lock()
	r.busEvents[label]++
	r.mu.Unlock()
}

// ConnectionOpened increments the active connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.incrementConnectionEvent("open")
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the active connection gauge without letting it
// go negative.
func (r *Recorder) ConnectionClosed() {
	r.incrementConnectionEvent("close")
	r.decrementGauge(&r.activeConnections)
}

// SlowConnectionDropped records a connection closed because its send buffer
// was full.
func (r *Recorder) SlowConnectionDropped() {
	r.incrementConnectionEvent("slow")
}

func (r *Recorder) incrementConnectionEvent(event string) {
	r.mu.Lock()
	r.connectionEvents[event]++
	r.mu.Unlock()
}

// ActiveConnections exposes the current connection gauge.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// SyncCounts returns a copy of the sync outcome counters.
func (r *Recorder) SyncCounts() map[SyncLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[SyncLabel]uint64, len(r.syncOutcomes))
	for k, v := range r.syncOutcomes {
		out[k] = v
	}
	return out
}

// PersistenceFailures returns a copy of the persistence failure counters.
func (r *Recorder) PersistenceFailures() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.persistenceFailures))
	for k, v := range r.persistenceFailures {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.syncOutcomes = make(map[SyncLabel]uint64)
	r.broadcasts = make(map[string]uint64)
	r.persistenceFailures = make(map[string]uint64)
	r.connectionEvents = make(map[string]uint64)
	r.busEvents = make(map[BusLabel]uint64)
	r.activeConnections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	syncLabels := r.sortedSyncLabels()
	busLabels := r.sortedBusLabels()

	fmt.Fprintln(w, "# HELP livesync_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE livesync_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "livesync_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP livesync_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE livesync_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "livesync_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP livesync_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE livesync_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "livesync_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP livesync_sync_actions_total Realtime actions by outcome")
	fmt.Fprintln(w, "# TYPE livesync_sync_actions_total counter")
	for _, label := range syncLabels {
		fmt.Fprintf(w, "livesync_sync_actions_total{action=\"%s\",outcome=\"%s\"} %d\n", label.Action, label.Outcome, r.syncOutcomes[label])
	}

	fmt.Fprintln(w, "# HELP livesync_broadcasts_total Fan-outs by audience")
	fmt.Fprintln(w, "# TYPE livesync_broadcasts_total counter")
	for _, audience := range sortedKeys(r.broadcasts) {
		fmt.Fprintf(w, "livesync_broadcasts_total{audience=\"%s\"} %d\n", audience, r.broadcasts[audience])
	}

	fmt.Fprintln(w, "# HELP livesync_persistence_failures_total Store errors by operation")
	fmt.Fprintln(w, "# TYPE livesync_persistence_failures_total counter")
	for _, op := range sortedKeys(r.persistenceFailures) {
		fmt.Fprintf(w, "livesync_persistence_failures_total{operation=\"%s\"} %d\n", op, r.persistenceFailures[op])
	}

	fmt.Fprintln(w, "# HELP livesync_connection_events_total Connection lifecycle events by type")
	fmt.Fprintln(w, "# TYPE livesync_connection_events_total counter")
	for _, event := range sortedKeys(r.connectionEvents) {
		fmt.Fprintf(w, "livesync_connection_events_total{event=\"%s\"} %d\n", event, r.connectionEvents[event])
	}

	fmt.Fprintln(w, "# HELP livesync_active_connections Current number of open realtime connections")
	fmt.Fprintln(w, "# TYPE livesync_active_connections gauge")
	fmt.Fprintf(w, "livesync_active_connections %d\n", r.activeConnections.Load())

	fmt.Fprintln(w, "# HELP livesync_bus_events_total Replication bus operations by direction and status")
	fmt.Fprintln(w, "# TYPE livesync_bus_events_total counter")
	for _, label := range busLabels {
		fmt.Fprintf(w, "livesync_bus_events_total{direction=\"%s\",status=\"%s\"} %d\n", label.Direction, label.Status, r.busEvents[label])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSyncLabels() []SyncLabel {
	labels := make([]SyncLabel, 0, len(r.syncOutcomes))
	for label := range r.syncOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Action != labels[j].Action {
			return labels[i].Action < labels[j].Action
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedBusLabels() []BusLabel {
	labels := make([]BusLabel, 0, len(r.busEvents))
	for label := range r.busEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Direction != labels[j].Direction {
			return labels[i].Direction < labels[j].Direction
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats numeric or UUID-shaped segments as IDs so route
// names such as "messages" keep their own series.
func looksLikeIdentifier(segment string) bool {
	if _, err := uuid.Parse(segment); err == nil {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3 || (len(segment) >= 8 && digitCount > 0)
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
