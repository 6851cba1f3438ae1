// Package rpcclient is a failover JSON-RPC client for Solana cluster
// endpoints, adapted from the teacher's src/chainadapter/rpc package
// (HTTPRPCClient + SimpleHealthTracker): round-robin endpoint selection
// gated by a per-endpoint circuit breaker, so one unhealthy RPC node
// never blocks submission while others are reachable.
package rpcclient

import (
	"sync"
	"time"
)

// EndpointHealth is a snapshot of one endpoint's call history.
type EndpointHealth struct {
	Endpoint        string
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	AvgLatencyMs    int64
	LastSuccess     int64
	LastFailure     int64
	CircuitOpen     bool
}

// HealthTracker decides which endpoints are safe to route calls to.
type HealthTracker interface {
	RecordSuccess(endpoint string, latencyMs int64)
	RecordFailure(endpoint string, err error)
	IsHealthy(endpoint string) bool
	GetHealth(endpoint string) *EndpointHealth
}

// CircuitBreakerTracker opens an endpoint's circuit once its total
// failed calls exceed its total successful calls by failureThreshold,
// and closes it again once total successes exceed total failures by
// successThreshold. The counts are cumulative, not consecutive. While
// the circuit is open the endpoint is reported unhealthy only until
// circuitOpenWindow has elapsed since its last failure.
type CircuitBreakerTracker struct {
	mu     sync.RWMutex
	health map[string]*EndpointHealth

	failureThreshold  int
	successThreshold  int
	circuitOpenWindow time.Duration
}

// NewCircuitBreakerTracker creates a tracker with the teacher's default
// thresholds (net 3 failures to open, net 2 successes to close, 30s
// window).
func NewCircuitBreakerTracker() *CircuitBreakerTracker {
	return &CircuitBreakerTracker{
		health:            make(map[string]*EndpointHealth),
		failureThreshold:  3,
		successThreshold:  2,
		circuitOpenWindow: 30 * time.Second,
	}
}

func (t *CircuitBreakerTracker) getOrCreate(endpoint string) *EndpointHealth {
	h, ok := t.health[endpoint]
	if !ok {
		h = &EndpointHealth{Endpoint: endpoint}
		t.health[endpoint] = h
	}
	return h
}

func (t *CircuitBreakerTracker) RecordSuccess(endpoint string, latencyMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.SuccessfulCalls++
	h.LastSuccess = time.Now().Unix()
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = latencyMs
	} else {
		h.AvgLatencyMs = (h.AvgLatencyMs*9 + latencyMs) / 10
	}
	if h.CircuitOpen && h.SuccessfulCalls-h.FailedCalls >= int64(t.successThreshold) {
		h.CircuitOpen = false
	}
}

func (t *CircuitBreakerTracker) RecordFailure(endpoint string, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.FailedCalls++
	h.LastFailure = time.Now().Unix()
	if h.FailedCalls-h.SuccessfulCalls >= int64(t.failureThreshold) {
		h.CircuitOpen = true
	}
}

func (t *CircuitBreakerTracker) IsHealthy(endpoint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.health[endpoint]
	if !ok {
		return true
	}
	if h.CircuitOpen {
		if time.Now().Unix()-h.LastFailure < int64(t.circuitOpenWindow.Seconds()) {
			return false
		}
	}
	return true
}

func (t *CircuitBreakerTracker) GetHealth(endpoint string) *EndpointHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.health[endpoint]
	if !ok {
		return &EndpointHealth{Endpoint: endpoint}
	}
	cp := *h
	return &cp
}
