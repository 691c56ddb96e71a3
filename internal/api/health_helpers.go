package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type healthCheck struct {
	name   string
	pinger Pinger
}

// componentHealth pings every configured dependency in parallel. Any failure
// marks the instance degraded so load balancers stop routing sockets to it.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	var checks []healthCheck
	if h.Store != nil {
		checks = append(checks, healthCheck{name: "datastore", pinger: h.Store})
	}
	if h.Bus != nil {
		checks = append(checks, healthCheck{name: "replication_bus", pinger: h.Bus})
	}

	results := make([]componentStatus, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			start := time.Now()
			err := check.pinger.Ping(pingCtx)
			results[i] = componentStatus{
				Component: check.name,
				Status:    "ok",
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range results {
		if result.Status != "ok" {
			return results, "degraded", http.StatusServiceUnavailable
		}
	}
	return results, "ok", http.StatusOK
}
