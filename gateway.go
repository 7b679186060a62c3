// Package edgeproxy implements a reverse proxy gateway with client-side load
// balancing, per-service retry policies, circuit breaking and health checking.
package edgeproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// proxyService is the runtime state for one configured service.
type proxyService struct {
	name        string
	policy      RetryPolicy
	balancer    *RoundRobinBalancer
	breakers    map[string]*CircuitBreaker
	useBreakers bool
	stripPrefix bool
}

// Gateway is a reverse proxy routing requests to services, each backed by a
// load-balanced set of servers with retry and circuit breaker protection.
type Gateway struct {
	config      *Config
	logger      *slog.Logger
	httpClient  *http.Client
	router      chi.Router
	matcher     *PathMatcher
	services    map[string]*proxyService
	metrics     *MetricsCollector
	health      *HealthChecker
	emitter     *EventEmitter
	maintenance *maintenanceJob
	policyMutex sync.RWMutex
	started     bool
	startMutex  sync.Mutex
}

// NewGateway builds a gateway from the given configuration. The config is
// validated (and defaulted) as part of construction.
func NewGateway(config *Config, logger *slog.Logger) (*Gateway, error) {
	if config == nil {
		return nil, ErrConfigurationNil
	}
	if logger == nil {
		return nil, ErrLoggerNil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Customized transport with connection pooling settings.
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	httpClient := &http.Client{Transport: transport}

	g := &Gateway{
		config:     config,
		logger:     logger,
		httpClient: httpClient,
		matcher:    NewPathMatcher(),
		services:   make(map[string]*proxyService),
		metrics:    NewMetricsCollector(),
		emitter:    NewEventEmitter(),
	}

	g.health = NewHealthChecker(&config.HealthCheck, httpClient, logger, g.emitter)

	for name, svcCfg := range config.Services {
		svc, err := g.buildService(name, svcCfg)
		if err != nil {
			return nil, err
		}
		g.services[name] = svc

		if err := g.matcher.AddRoute(name, svcCfg.Route); err != nil {
			return nil, err
		}

		if config.HealthCheck.Enabled {
			for _, srv := range svc.balancer.Servers() {
				g.health.AddTarget(name, srv, svc.balancer)
			}
		}
	}

	g.maintenance = newMaintenanceJob(g, config.Maintenance)
	g.buildRouter()

	logger.Info("Gateway configured",
		"services", len(g.services),
		"retries_globally_disabled", config.DisableAllRetries)
	return g, nil
}

// buildService constructs the balancer, breakers and retry policy for one
// configured service.
func (g *Gateway) buildService(name string, cfg ServiceConfig) (*proxyService, error) {
	servers, err := NewStaticServerList(cfg.Servers)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", name, err)
	}

	balancer := NewRoundRobinBalancer(servers)

	cbConfig := g.config.CircuitBreaker
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	breakers := make(map[string]*CircuitBreaker, len(servers))
	for _, srv := range servers {
		breakers[srv.ID] = NewCircuitBreakerWithConfig(srv.ID, cbConfig, g.metrics)
	}

	svc := &proxyService{
		name:        name,
		policy:      cfg.Retry.ToPolicy(),
		balancer:    balancer,
		breakers:    breakers,
		useBreakers: cbConfig.Enabled,
		stripPrefix: cfg.StripRoutePrefix,
	}

	if svc.useBreakers {
		balancer.WithAvailability(func(serverID string) bool {
			breaker, ok := svc.breakers[serverID]
			return !ok || !breaker.IsOpen()
		})
	}

	return svc, nil
}

// buildRouter wires the chi router: debug endpoints first, then the proxy
// catch-all.
func (g *Gateway) buildRouter() {
	router := chi.NewRouter()
	if g.config.DebugEndpoints {
		router.Get("/debug/health", g.handleDebugHealth)
		router.Get("/debug/circuits", g.handleDebugCircuits)
		router.Get("/debug/metrics", g.metrics.MetricsHandler())
	}
	router.HandleFunc("/*", g.handleProxy)
	g.router = router
}

// Start begins background work: health checking and the maintenance job.
func (g *Gateway) Start(ctx context.Context) error {
	g.startMutex.Lock()
	defer g.startMutex.Unlock()
	if g.started {
		return nil
	}

	if g.config.HealthCheck.Enabled {
		if err := g.health.Start(ctx); err != nil {
			return fmt.Errorf("starting health checker: %w", err)
		}
	}
	if err := g.maintenance.Start(); err != nil {
		return fmt.Errorf("starting maintenance job: %w", err)
	}

	g.started = true
	_ = g.emitter.Emit(ctx, EventTypeGatewayStarted, map[string]interface{}{
		"services": len(g.services),
	})
	g.logger.InfoContext(ctx, "Gateway started")
	return nil
}

// Stop halts background work. In-flight proxied requests are not interrupted.
func (g *Gateway) Stop(ctx context.Context) error {
	g.startMutex.Lock()
	defer g.startMutex.Unlock()
	if !g.started {
		return ErrGatewayNotStarted
	}

	g.health.Stop(ctx)
	g.maintenance.Stop()
	g.started = false

	_ = g.emitter.Emit(ctx, EventTypeGatewayStopped, nil)
	g.logger.InfoContext(ctx, "Gateway stopped")
	return nil
}

// RegisterObserver subscribes an observer to gateway events.
func (g *Gateway) RegisterObserver(observer Observer) {
	g.emitter.RegisterObserver(observer)
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *MetricsCollector {
	return g.metrics
}

// ApplyConfig swaps retry policies and the global retry switch from a freshly
// loaded configuration. Topology changes (services, servers, routes) require
// a restart and are ignored here.
func (g *Gateway) ApplyConfig(ctx context.Context, config *Config) error {
	if config == nil {
		return ErrConfigurationNil
	}
	if err := config.Validate(); err != nil {
		return err
	}

	g.policyMutex.Lock()
	g.config.DisableAllRetries = config.DisableAllRetries
	for name, svcCfg := range config.Services {
		if svc, ok := g.services[name]; ok {
			svc.policy = svcCfg.Retry.ToPolicy()
		}
	}
	g.policyMutex.Unlock()

	_ = g.emitter.Emit(ctx, EventTypeConfigReloaded, map[string]interface{}{
		"disable_all_retries": config.DisableAllRetries,
	})
	g.logger.InfoContext(ctx, "Applied updated retry configuration",
		"retries_globally_disabled", config.DisableAllRetries)
	return nil
}

// effectivePolicy returns the service's retry policy with the global kill
// switch applied.
func (g *Gateway) effectivePolicy(svc *proxyService) RetryPolicy {
	g.policyMutex.RLock()
	defer g.policyMutex.RUnlock()
	policy := svc.policy
	if g.config.DisableAllRetries {
		policy.Enabled = false
	}
	return policy
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// handleProxy routes a request to its service and executes it with retries.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	name, prefix, ok := g.matcher.Match(r.URL.Path)
	if !ok {
		if g.config.DefaultService == "" {
			http.NotFound(w, r)
			return
		}
		name, prefix = g.config.DefaultService, ""
	}

	svc, ok := g.services[name]
	if !ok {
		g.logger.WarnContext(r.Context(), "Route matched unknown service",
			"service", name, "error", ErrServiceNotFound)
		http.NotFound(w, r)
		return
	}

	g.proxyToService(w, r, svc, prefix)
}

// proxyToService performs the balanced, retried round trip for one request.
func (g *Gateway) proxyToService(w http.ResponseWriter, r *http.Request, svc *proxyService, prefix string) {
	start := time.Now()
	policy := g.effectivePolicy(svc)

	// Buffer the body once so failed attempts can be replayed.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
	}

	outPath := r.URL.Path
	if svc.stripPrefix && prefix != "" {
		outPath = strings.TrimPrefix(outPath, prefix)
		if !strings.HasPrefix(outPath, "/") {
			outPath = "/" + outPath
		}
	}

	attempt := func(ctx context.Context, srv Server) (*http.Response, error) {
		return g.doAttempt(ctx, r, svc, srv, outPath, body)
	}

	resp, err := policy.Execute(r.Context(), r.Method, svc.balancer, g.metrics, svc.name, attempt)
	if err != nil {
		status := gatewayErrorStatus(err)
		g.metrics.RecordRequest(svc.name, start, status, err)
		if errors.Is(err, ErrMaxRetriesReached) {
			_ = g.emitter.Emit(r.Context(), EventTypeRetryExhausted, map[string]interface{}{
				"service": svc.name,
				"path":    r.URL.Path,
			})
		}
		_ = g.emitter.Emit(r.Context(), EventTypeRequestFailed, map[string]interface{}{
			"service": svc.name,
			"path":    r.URL.Path,
			"status":  status,
			"error":   err.Error(),
		})
		g.logger.WarnContext(r.Context(), "Proxied request failed",
			"service", svc.name, "path", r.URL.Path, "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	g.metrics.RecordRequest(svc.name, start, resp.StatusCode, nil)
	_ = g.emitter.Emit(r.Context(), EventTypeRequestProxied, map[string]interface{}{
		"service": svc.name,
		"path":    r.URL.Path,
		"status":  resp.StatusCode,
	})

	stripHopByHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.DebugContext(r.Context(), "Streaming response body failed",
			"service", svc.name, "error", err)
	}
}

// doAttempt issues a single attempt against a server, recording the outcome
// with the server's circuit breaker.
func (g *Gateway) doAttempt(ctx context.Context, r *http.Request, svc *proxyService, srv Server, outPath string, body []byte) (*http.Response, error) {
	breaker := svc.breakers[srv.ID]
	if svc.useBreakers && breaker != nil && breaker.IsOpen() {
		return nil, fmt.Errorf("server %s: %w", srv.ID, ErrCircuitOpen)
	}

	outURL := *srv.URL
	outURL.Path = joinURLPath(srv.URL.Path, outPath)
	outURL.RawQuery = r.URL.RawQuery

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	copyHeaders(outReq.Header, r.Header)
	stripHopByHopHeaders(outReq.Header)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		forwardedFor := clientIP
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			forwardedFor = prior + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", forwardedFor)
	}

	g.health.RecordServerRequest(svc.name, srv.ID)

	resp, err := g.httpClient.Do(outReq)

	if svc.useBreakers && breaker != nil {
		if err != nil || (resp != nil && resp.StatusCode >= 500) {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", srv.ID, err)
	}
	return resp, nil
}

// gatewayErrorStatus maps a terminal proxy error to the status code returned
// to the client: timeouts become 504, unavailable servers 503, anything else 502.
func gatewayErrorStatus(err error) int {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrRequestTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrNoAvailableServer):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// hopByHopHeaders are stripped before forwarding, per RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func joinURLPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
