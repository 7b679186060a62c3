package edgeproxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHealthLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func healthTestChecker(t *testing.T, backendURL string, cfg *HealthCheckConfig) (*HealthChecker, *RoundRobinBalancer) {
	t.Helper()

	servers, err := NewStaticServerList([]string{backendURL})
	require.NoError(t, err)
	balancer := NewRoundRobinBalancer(servers)

	checker := NewHealthChecker(cfg, http.DefaultClient, testHealthLogger(), nil)
	checker.AddTarget("svc", servers[0], balancer)
	return checker, balancer
}

func TestHealthCheckerHealthyServer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &HealthCheckConfig{Enabled: true, IntervalSeconds: 60, TimeoutMs: 1000, Path: "/health", ExpectedStatus: 200}
	checker, balancer := healthTestChecker(t, backend.URL, cfg)

	ctx := context.Background()
	require.NoError(t, checker.Start(ctx))
	defer checker.Stop(ctx)

	assert.True(t, checker.IsRunning())
	assert.Equal(t, 1, balancer.HealthyCount())

	status := checker.GetStatus()
	require.Len(t, status, 1)
	for _, s := range status {
		assert.True(t, s.Healthy)
		assert.Equal(t, int64(1), s.TotalChecks)
		assert.Equal(t, int64(1), s.SuccessfulChecks)
		assert.Empty(t, s.LastError)
	}
}

func TestHealthCheckerUnhealthyServer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	cfg := &HealthCheckConfig{Enabled: true, IntervalSeconds: 60, TimeoutMs: 1000, Path: "/health", ExpectedStatus: 200}
	checker, balancer := healthTestChecker(t, backend.URL, cfg)

	ctx := context.Background()
	require.NoError(t, checker.Start(ctx))
	defer checker.Stop(ctx)

	assert.Equal(t, 0, balancer.HealthyCount())

	status := checker.GetStatus()
	for _, s := range status {
		assert.False(t, s.Healthy)
		assert.NotEmpty(t, s.LastError)
	}
}

func TestHealthCheckerUnreachableServer(t *testing.T) {
	cfg := &HealthCheckConfig{Enabled: true, IntervalSeconds: 60, TimeoutMs: 200, Path: "/health", ExpectedStatus: 200}
	checker, balancer := healthTestChecker(t, "http://127.0.0.1:1", cfg)

	ctx := context.Background()
	require.NoError(t, checker.Start(ctx))
	defer checker.Stop(ctx)

	assert.Equal(t, 0, balancer.HealthyCount())
}

func TestHealthCheckerPeriodicChecks(t *testing.T) {
	var checks atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &HealthCheckConfig{Enabled: true, IntervalSeconds: 1, TimeoutMs: 1000, Path: "/health", ExpectedStatus: 200}
	checker, _ := healthTestChecker(t, backend.URL, cfg)

	ctx := context.Background()
	require.NoError(t, checker.Start(ctx))
	defer checker.Stop(ctx)

	require.Eventually(t, func() bool {
		return checks.Load() >= 2
	}, 3*time.Second, 50*time.Millisecond, "expected the initial check plus at least one periodic check")
}

func TestHealthCheckerSkipsAfterRecentRequest(t *testing.T) {
	var checks atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &HealthCheckConfig{
		Enabled: true, IntervalSeconds: 1, TimeoutMs: 1000,
		Path: "/health", ExpectedStatus: 200,
		RecentRequestThresholdMs: 60_000,
	}
	checker, _ := healthTestChecker(t, backend.URL, cfg)

	// Live traffic just reached the server, so the checker should hold off.
	var serverID string
	for _, s := range checker.GetStatus() {
		serverID = s.ServerID
	}
	checker.RecordServerRequest("svc", serverID)

	ctx := context.Background()
	require.NoError(t, checker.Start(ctx))
	defer checker.Stop(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, checks.Load(), "check should be skipped inside the recent-request window")

	for _, s := range checker.GetStatus() {
		assert.GreaterOrEqual(t, s.ChecksSkipped, int64(1))
	}
}

func TestHealthCheckerStartStopIdempotent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &HealthCheckConfig{Enabled: true, IntervalSeconds: 60, TimeoutMs: 1000, Path: "/health", ExpectedStatus: 200}
	checker, _ := healthTestChecker(t, backend.URL, cfg)

	ctx := context.Background()
	require.NoError(t, checker.Start(ctx))
	require.NoError(t, checker.Start(ctx), "second start should be a no-op")

	checker.Stop(ctx)
	checker.Stop(ctx)
	assert.False(t, checker.IsRunning())
}
