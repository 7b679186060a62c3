// Package edgeproxy provides metrics collection for the gateway.
package edgeproxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// MetricsCollector collects and exposes per-target request metrics. A target
// is a service name, a server ID, or a derived key such as "svc_retry_2".
type MetricsCollector struct {
	mu              sync.RWMutex
	requestCounts   map[string]int
	errorCounts     map[string]int
	statusCodes     map[string]map[int]int
	retryAttempts   map[string]int
	latencySamples  map[string][]time.Duration
	lastLatency     map[string]time.Duration
	circuitStates   map[string]string
	startTime       time.Time
	maxSamplesPerID int
}

// NewMetricsCollector creates a new MetricsCollector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		requestCounts:   make(map[string]int),
		errorCounts:     make(map[string]int),
		statusCodes:     make(map[string]map[int]int),
		retryAttempts:   make(map[string]int),
		latencySamples:  make(map[string][]time.Duration),
		lastLatency:     make(map[string]time.Duration),
		circuitStates:   make(map[string]string),
		startTime:       time.Now(),
		maxSamplesPerID: 100,
	}
}

// RecordRequest records one request against a target.
func (m *MetricsCollector) RecordRequest(target string, start time.Time, statusCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestCounts[target]++

	latency := time.Since(start)
	m.lastLatency[target] = latency

	samples := m.latencySamples[target]
	if len(samples) >= m.maxSamplesPerID {
		// Sliding window of recent samples
		samples = samples[1:]
	}
	m.latencySamples[target] = append(samples, latency)

	if err != nil {
		m.errorCounts[target]++
	}

	if statusCode > 0 {
		if _, ok := m.statusCodes[target]; !ok {
			m.statusCodes[target] = make(map[int]int)
		}
		m.statusCodes[target][statusCode]++
	}
}

// RecordRetryAttempt counts a retry attempt for a service against a server.
func (m *MetricsCollector) RecordRetryAttempt(service, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryAttempts[service]++
	m.retryAttempts[service+"/"+serverID]++
}

// SetCircuitState records the circuit breaker state for a server.
func (m *MetricsCollector) SetCircuitState(serverID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitStates[serverID] = state
}

// RequestCount returns the recorded request count for a target.
func (m *MetricsCollector) RequestCount(target string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCounts[target]
}

// RetryCount returns the recorded retry attempt count for a target.
func (m *MetricsCollector) RetryCount(target string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryAttempts[target]
}

// percentiles computed from the recent latency sample window.
var latencyPercentiles = []struct {
	name  string
	point float64
}{
	{"p50", 0.5},
	{"p90", 0.9},
	{"p95", 0.95},
	{"p99", 0.99},
}

// GetMetrics returns the collected metrics keyed by target.
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"targets":        make(map[string]interface{}),
	}
	targets := metrics["targets"].(map[string]interface{})

	for target := range m.requestCounts {
		// Copy the inner map so the encoder never reads it after the lock
		// is released.
		statusCodes := make(map[int]int, len(m.statusCodes[target]))
		for code, count := range m.statusCodes[target] {
			statusCodes[code] = count
		}

		entry := map[string]interface{}{
			"request_count": m.requestCounts[target],
			"error_count":   m.errorCounts[target],
			"error_rate":    float64(m.errorCounts[target]) / float64(m.requestCounts[target]),
			"latency_ms":    m.lastLatency[target].Milliseconds(),
			"status_codes":  statusCodes,
		}

		if retries, ok := m.retryAttempts[target]; ok {
			entry["retry_attempts"] = retries
		}

		if state, ok := m.circuitStates[target]; ok {
			entry["circuit_state"] = state
		}

		if samples := m.latencySamples[target]; len(samples) >= 10 {
			sorted := make([]time.Duration, len(samples))
			copy(sorted, samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			pcts := make(map[string]int64, len(latencyPercentiles))
			for _, p := range latencyPercentiles {
				idx := int(float64(len(sorted)-1) * p.point)
				pcts[p.name] = sorted[idx].Milliseconds()
			}
			entry["latency_percentiles_ms"] = pcts
		}

		targets[target] = entry
	}

	return metrics
}

// MetricsHandler returns an HTTP handler for the metrics endpoint.
func (m *MetricsCollector) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics := m.GetMetrics()

		w.Header().Set("Content-Type", "application/json")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(metrics); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"error": "Failed to encode metrics"}`)
			return
		}
	}
}
