// Package edgeproxy provides a circuit breaker guarding backend servers.
package edgeproxy

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed indicates the circuit is closed and allowing requests.
	StateClosed CircuitState = iota
	// StateOpen indicates the circuit is open and blocking requests.
	StateOpen
	// StateHalfOpen indicates the circuit is allowing a test request.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open and requests are not allowed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern for a single backend
// server. The gateway keeps one per server so a failing instance is isolated
// without taking its whole service offline.
type CircuitBreaker struct {
	failureThreshold int           // Number of failures before opening circuit
	resetTimeout     time.Duration // How long to wait before trying again
	failureCount     int           // Current count of consecutive failures
	lastFailure      time.Time     // When the last failure occurred
	state            CircuitState  // Current state of the circuit
	mutex            sync.RWMutex
	metricsCollector *MetricsCollector
	serverID         string
}

// CircuitSnapshot is a point-in-time view of a circuit breaker, used by the
// debug endpoints.
type CircuitSnapshot struct {
	ServerID     string `json:"server_id"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

// NewCircuitBreaker creates a new CircuitBreaker with default settings.
func NewCircuitBreaker(serverID string, metricsCollector *MetricsCollector) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: 5,
		resetTimeout:     10 * time.Second,
		state:            StateClosed,
		metricsCollector: metricsCollector,
		serverID:         serverID,
	}
}

// NewCircuitBreakerWithConfig creates a new CircuitBreaker from configuration.
func NewCircuitBreakerWithConfig(serverID string, config CircuitBreakerConfig, metricsCollector *MetricsCollector) *CircuitBreaker {
	cb := NewCircuitBreaker(serverID, metricsCollector)
	if config.FailureThreshold > 0 {
		cb.failureThreshold = config.FailureThreshold
	}
	if config.ResetTimeoutSeconds > 0 {
		cb.resetTimeout = time.Duration(config.ResetTimeoutSeconds) * time.Second
	}
	return cb
}

// IsOpen returns true if the circuit is open (no requests should be made).
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		// Circuit is open, check if reset timeout has passed
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			// Allow a single request to check if the server has recovered
			cb.state = StateHalfOpen
			return false
		}
		return true
	}

	return false
}

// RecordSuccess records a successful request and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateClosed {
		cb.state = StateClosed
		if cb.metricsCollector != nil {
			cb.metricsCollector.SetCircuitState(cb.serverID, StateClosed.String())
		}
	}

	cb.failureCount = 0
}

// RecordFailure records a failed request and opens the circuit if the
// threshold is reached. A failure in half-open state reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.failureCount < cb.failureThreshold {
		cb.failureCount++
	}

	cb.lastFailure = time.Now()

	if cb.state == StateHalfOpen || (cb.failureCount >= cb.failureThreshold && cb.state == StateClosed) {
		cb.state = StateOpen
		if cb.metricsCollector != nil {
			cb.metricsCollector.SetCircuitState(cb.serverID, StateOpen.String())
		}
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.failureCount = 0
	cb.state = StateClosed
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetFailureCount returns the current failure count of the circuit breaker.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.failureCount
}

// Snapshot returns a point-in-time view for the debug endpoints.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return CircuitSnapshot{
		ServerID:     cb.serverID,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
	}
}

// WithFailureThreshold sets the number of failures required to open the circuit.
func (cb *CircuitBreaker) WithFailureThreshold(threshold int) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.failureThreshold = threshold
	return cb
}

// WithResetTimeout sets the duration to wait before allowing a test request.
func (cb *CircuitBreaker) WithResetTimeout(timeout time.Duration) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.resetTimeout = timeout
	return cb
}

// WithMetricsCollector associates a metrics collector with this circuit breaker.
func (cb *CircuitBreaker) WithMetricsCollector(collector *MetricsCollector) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.metricsCollector = collector
	return cb
}
