package rpcfanout

import (
	"sync"
	"time"
)

// EndpointHealth is an observability-only rolling summary of one
// endpoint's recent call outcomes. Unlike the teacher's
// SimpleHealthTracker (src/chainadapter/rpc/health.go), this tracker
// never gates endpoint selection: spec §4.1 requires every call to be
// dispatched to every configured endpoint and forbids permanent
// banning on failure ("lists are static; transient failures are
// tolerated at each call"). The circuit-breaker-driven skip logic is
// intentionally dropped; only the success/failure/latency bookkeeping
// survives, now purely for logging and metrics.
type EndpointHealth struct {
	Endpoint        string
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	AvgLatencyMs    int64
	LastSuccessUnix int64
	LastFailureUnix int64
}

// HealthTracker records per-endpoint call outcomes for observability.
type HealthTracker struct {
	mu     sync.RWMutex
	health map[string]*EndpointHealth
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{health: make(map[string]*EndpointHealth)}
}

// RecordSuccess records a successful call and its latency.
func (t *HealthTracker) RecordSuccess(endpoint string, latencyMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.SuccessfulCalls++
	h.LastSuccessUnix = time.Now().Unix()
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = latencyMs
	} else {
		h.AvgLatencyMs = (h.AvgLatencyMs*9 + latencyMs) / 10
	}
}

// RecordFailure records a failed call.
func (t *HealthTracker) RecordFailure(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.FailedCalls++
	h.LastFailureUnix = time.Now().Unix()
}

// Snapshot returns a copy of one endpoint's health, for metrics export.
func (t *HealthTracker) Snapshot(endpoint string) EndpointHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.health[endpoint]
	if !ok {
		return EndpointHealth{Endpoint: endpoint}
	}
	return *h
}

func (t *HealthTracker) getOrCreate(endpoint string) *EndpointHealth {
	h, ok := t.health[endpoint]
	if !ok {
		h = &EndpointHealth{Endpoint: endpoint}
		t.health[endpoint] = h
	}
	return h
}
