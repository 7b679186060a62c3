package edgeproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ServerHealthStatus is the health of a single backend server as seen by the
// periodic checker.
type ServerHealthStatus struct {
	Service          string        `json:"service"`
	ServerID         string        `json:"server_id"`
	URL              string        `json:"url"`
	Healthy          bool          `json:"healthy"`
	LastCheck        time.Time     `json:"last_check"`
	LastSuccess      time.Time     `json:"last_success"`
	LastError        string        `json:"last_error,omitempty"`
	ResponseTime     time.Duration `json:"response_time"`
	LastRequest      time.Time     `json:"last_request"`
	ChecksSkipped    int64         `json:"checks_skipped"`
	TotalChecks      int64         `json:"total_checks"`
	SuccessfulChecks int64         `json:"successful_checks"`
}

// healthTarget is one server under periodic checking.
type healthTarget struct {
	service  string
	server   Server
	balancer Balancer
}

// HealthChecker periodically probes backend servers and feeds the results to
// their balancers so unhealthy instances stop receiving traffic.
type HealthChecker struct {
	config       *HealthCheckConfig
	httpClient   *http.Client
	logger       *slog.Logger
	emitter      *EventEmitter
	targets      []healthTarget
	status       map[string]*ServerHealthStatus
	statusMutex  sync.RWMutex
	requestTimes map[string]time.Time
	requestMutex sync.RWMutex
	stopChan     chan struct{}
	wg           sync.WaitGroup
	running      bool
	runningMutex sync.RWMutex
}

// NewHealthChecker creates a health checker for the given targets.
func NewHealthChecker(config *HealthCheckConfig, httpClient *http.Client, logger *slog.Logger, emitter *EventEmitter) *HealthChecker {
	return &HealthChecker{
		config:       config,
		httpClient:   httpClient,
		logger:       logger,
		emitter:      emitter,
		status:       make(map[string]*ServerHealthStatus),
		requestTimes: make(map[string]time.Time),
		stopChan:     make(chan struct{}),
	}
}

// AddTarget registers a server for periodic checking. The balancer is
// notified when the server's health changes.
func (hc *HealthChecker) AddTarget(service string, server Server, balancer Balancer) {
	hc.targets = append(hc.targets, healthTarget{service: service, server: server, balancer: balancer})

	hc.statusMutex.Lock()
	hc.status[statusKey(service, server.ID)] = &ServerHealthStatus{
		Service:  service,
		ServerID: server.ID,
		URL:      server.URL.String(),
		// Assume healthy until the first check says otherwise, so a cold
		// start does not block traffic.
		Healthy: true,
	}
	hc.statusMutex.Unlock()
}

func statusKey(service, serverID string) string {
	return service + "/" + serverID
}

// Start begins periodic health checking for all registered targets.
func (hc *HealthChecker) Start(ctx context.Context) error {
	hc.runningMutex.Lock()
	if hc.running {
		hc.runningMutex.Unlock()
		return nil // Already running
	}
	hc.running = true

	select {
	case <-hc.stopChan:
		hc.stopChan = make(chan struct{})
	default:
	}
	hc.runningMutex.Unlock()

	for _, target := range hc.targets {
		hc.performCheck(ctx, target)
	}

	for _, target := range hc.targets {
		hc.wg.Add(1)
		go hc.runPeriodicCheck(ctx, target)
	}

	hc.logger.InfoContext(ctx, "Health checker started", "targets", len(hc.targets))
	return nil
}

// Stop stops health checking and waits for in-flight checks to finish.
func (hc *HealthChecker) Stop(ctx context.Context) {
	hc.runningMutex.Lock()
	if !hc.running {
		hc.runningMutex.Unlock()
		return
	}
	hc.running = false
	hc.runningMutex.Unlock()

	select {
	case <-hc.stopChan:
	default:
		close(hc.stopChan)
	}

	hc.wg.Wait()
	hc.logger.InfoContext(ctx, "Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.runningMutex.RLock()
	defer hc.runningMutex.RUnlock()
	return hc.running
}

// RecordServerRequest records that live traffic reached a server, allowing
// the next scheduled check to be skipped.
func (hc *HealthChecker) RecordServerRequest(service, serverID string) {
	now := time.Now()

	hc.requestMutex.Lock()
	hc.requestTimes[statusKey(service, serverID)] = now
	hc.requestMutex.Unlock()

	hc.statusMutex.Lock()
	if status, ok := hc.status[statusKey(service, serverID)]; ok {
		status.LastRequest = now
	}
	hc.statusMutex.Unlock()
}

// GetStatus returns a copy of the health status for all targets.
func (hc *HealthChecker) GetStatus() map[string]*ServerHealthStatus {
	hc.statusMutex.RLock()
	defer hc.statusMutex.RUnlock()

	out := make(map[string]*ServerHealthStatus, len(hc.status))
	for key, status := range hc.status {
		copied := *status
		out[key] = &copied
	}
	return out
}

func (hc *HealthChecker) runPeriodicCheck(ctx context.Context, target healthTarget) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.config.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopChan:
			return
		case <-ticker.C:
			hc.performCheck(ctx, target)
		}
	}
}

func (hc *HealthChecker) performCheck(ctx context.Context, target healthTarget) {
	key := statusKey(target.service, target.server.ID)

	if hc.shouldSkipCheck(key) {
		hc.statusMutex.Lock()
		if status, ok := hc.status[key]; ok {
			status.ChecksSkipped++
		}
		hc.statusMutex.Unlock()
		return
	}

	healthy, responseTime, err := hc.probe(ctx, target.server)

	hc.statusMutex.Lock()
	status, ok := hc.status[key]
	var changed bool
	if ok {
		changed = status.Healthy != healthy
		status.TotalChecks++
		status.LastCheck = time.Now()
		status.ResponseTime = responseTime
		status.Healthy = healthy
		if healthy {
			status.SuccessfulChecks++
			status.LastSuccess = time.Now()
			status.LastError = ""
		} else if err != nil {
			status.LastError = err.Error()
		}
	}
	hc.statusMutex.Unlock()

	target.balancer.MarkHealthy(target.server.ID, healthy)

	if changed {
		eventType := EventTypeServerHealthy
		if !healthy {
			eventType = EventTypeServerUnhealthy
		}
		if hc.emitter != nil {
			_ = hc.emitter.Emit(ctx, eventType, map[string]interface{}{
				"service": target.service,
				"server":  target.server.ID,
			})
		}
		hc.logger.InfoContext(ctx, "Server health changed",
			"service", target.service,
			"server", target.server.ID,
			"healthy", healthy,
			"error", err)
	}
}

func (hc *HealthChecker) shouldSkipCheck(key string) bool {
	threshold := hc.config.RecentRequestThreshold()
	if threshold <= 0 {
		return false
	}

	hc.requestMutex.RLock()
	lastRequest, ok := hc.requestTimes[key]
	hc.requestMutex.RUnlock()

	return ok && time.Since(lastRequest) < threshold
}

// probe issues one health check request against a server.
func (hc *HealthChecker) probe(ctx context.Context, server Server) (bool, time.Duration, error) {
	checkCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout())
	defer cancel()

	checkURL := server.URL.JoinPath(hc.config.Path).String()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, checkURL, nil)
	if err != nil {
		return false, 0, fmt.Errorf("building health check request: %w", err)
	}

	start := time.Now()
	resp, err := hc.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, elapsed, fmt.Errorf("health check request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != hc.config.ExpectedStatus {
		return false, elapsed, fmt.Errorf("%w: got %d, want %d",
			ErrUnexpectedHealthStatus, resp.StatusCode, hc.config.ExpectedStatus)
	}
	return true, elapsed, nil
}
