// Package edgeproxy provides client-side load balancing across backend servers.
package edgeproxy

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Server identifies a single backend server instance a service can route to.
type Server struct {
	// ID uniquely identifies the server within its service, typically host:port.
	ID string
	// URL is the parsed base URL of the server.
	URL *url.URL
}

// String returns the server's identifier.
func (s Server) String() string {
	return s.ID
}

// NewStaticServerList parses the configured server URLs into Server values.
// This is the seed for a balancer backed by a fixed set of instances.
func NewStaticServerList(rawURLs []string) ([]Server, error) {
	if len(rawURLs) == 0 {
		return nil, ErrNoServersConfigured
	}

	servers := make([]Server, 0, len(rawURLs))
	for _, raw := range rawURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidServerURL, raw, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidServerURL, raw)
		}
		servers = append(servers, Server{ID: parsed.Host, URL: parsed})
	}
	return servers, nil
}

// Balancer chooses servers for outgoing attempts.
type Balancer interface {
	// Choose returns the next server to attempt a request against.
	Choose(ctx context.Context) (Server, error)
	// Servers returns all servers known to the balancer.
	Servers() []Server
	// MarkHealthy records the health of a server as observed by health checks.
	MarkHealthy(serverID string, healthy bool)
}

// AvailabilityFunc reports whether a server is currently eligible for traffic,
// beyond health checking. The gateway uses this to exclude servers whose
// circuit breaker is open.
type AvailabilityFunc func(serverID string) bool

// RoundRobinBalancer distributes requests across a static server list in
// round-robin order, skipping servers marked unhealthy or reported
// unavailable. When every server is excluded it falls back to plain
// round-robin so a cold start without health data still proxies.
type RoundRobinBalancer struct {
	servers      []Server
	healthy      map[string]bool
	availability AvailabilityFunc
	cursor       int
	mutex        sync.Mutex
}

// NewRoundRobinBalancer creates a balancer over the given servers. All
// servers start healthy.
func NewRoundRobinBalancer(servers []Server) *RoundRobinBalancer {
	healthy := make(map[string]bool, len(servers))
	for _, srv := range servers {
		healthy[srv.ID] = true
	}
	return &RoundRobinBalancer{
		servers: servers,
		healthy: healthy,
	}
}

// WithAvailability sets the availability callback consulted on each Choose.
func (b *RoundRobinBalancer) WithAvailability(fn AvailabilityFunc) *RoundRobinBalancer {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.availability = fn
	return b
}

// Choose returns the next eligible server in rotation.
func (b *RoundRobinBalancer) Choose(ctx context.Context) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, fmt.Errorf("balancer choose: %w", err)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.servers) == 0 {
		return Server{}, ErrNoAvailableServer
	}

	for i := 0; i < len(b.servers); i++ {
		srv := b.servers[b.cursor%len(b.servers)]
		b.cursor++
		if !b.healthy[srv.ID] {
			continue
		}
		if b.availability != nil && !b.availability(srv.ID) {
			continue
		}
		return srv, nil
	}

	// Every server excluded; hand out the next one anyway rather than
	// failing a request that might still succeed.
	srv := b.servers[b.cursor%len(b.servers)]
	b.cursor++
	return srv, nil
}

// Servers returns all servers known to the balancer.
func (b *RoundRobinBalancer) Servers() []Server {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]Server, len(b.servers))
	copy(out, b.servers)
	return out
}

// MarkHealthy records the health of a server.
func (b *RoundRobinBalancer) MarkHealthy(serverID string, healthy bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, known := b.healthy[serverID]; known {
		b.healthy[serverID] = healthy
	}
}

// HealthyCount returns the number of servers currently marked healthy.
func (b *RoundRobinBalancer) HealthyCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	count := 0
	for _, ok := range b.healthy {
		if ok {
			count++
		}
	}
	return count
}
