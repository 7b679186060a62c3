package edgeproxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStaticServerList(t *testing.T) {
	servers, err := NewStaticServerList([]string{"http://localhost:8081", "https://api.example.com"})
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, "localhost:8081", servers[0].ID)
	assert.Equal(t, "http", servers[0].URL.Scheme)
	assert.Equal(t, "api.example.com", servers[1].ID)
}

func TestNewStaticServerListRejectsEmpty(t *testing.T) {
	_, err := NewStaticServerList(nil)
	assert.ErrorIs(t, err, ErrNoServersConfigured)
}

func TestNewStaticServerListRejectsInvalidURL(t *testing.T) {
	_, err := NewStaticServerList([]string{"not a url"})
	assert.ErrorIs(t, err, ErrInvalidServerURL)

	_, err = NewStaticServerList([]string{"/just/a/path"})
	assert.ErrorIs(t, err, ErrInvalidServerURL)
}

func testServers(t *testing.T) []Server {
	t.Helper()
	servers, err := NewStaticServerList([]string{
		"http://host-a:9000",
		"http://host-b:9000",
		"http://host-c:9000",
	})
	require.NoError(t, err)
	return servers
}

func TestRoundRobinRotation(t *testing.T) {
	balancer := NewRoundRobinBalancer(testServers(t))

	var order []string
	for i := 0; i < 6; i++ {
		srv, err := balancer.Choose(context.Background())
		require.NoError(t, err)
		order = append(order, srv.ID)
	}

	assert.Equal(t, []string{
		"host-a:9000", "host-b:9000", "host-c:9000",
		"host-a:9000", "host-b:9000", "host-c:9000",
	}, order)
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	balancer := NewRoundRobinBalancer(testServers(t))
	balancer.MarkHealthy("host-b:9000", false)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		srv, err := balancer.Choose(context.Background())
		require.NoError(t, err)
		seen[srv.ID]++
	}

	assert.Zero(t, seen["host-b:9000"])
	assert.Equal(t, 3, seen["host-a:9000"])
	assert.Equal(t, 3, seen["host-c:9000"])
}

func TestRoundRobinFallsBackWhenAllUnhealthy(t *testing.T) {
	balancer := NewRoundRobinBalancer(testServers(t))
	for _, srv := range balancer.Servers() {
		balancer.MarkHealthy(srv.ID, false)
	}

	srv, err := balancer.Choose(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, srv.ID)
}

func TestRoundRobinAvailabilityCallback(t *testing.T) {
	balancer := NewRoundRobinBalancer(testServers(t)).
		WithAvailability(func(serverID string) bool {
			return serverID != "host-a:9000"
		})

	for i := 0; i < 4; i++ {
		srv, err := balancer.Choose(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, "host-a:9000", srv.ID)
	}
}

func TestRoundRobinHonorsContext(t *testing.T) {
	balancer := NewRoundRobinBalancer(testServers(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := balancer.Choose(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoundRobinHealthyCount(t *testing.T) {
	balancer := NewRoundRobinBalancer(testServers(t))
	assert.Equal(t, 3, balancer.HealthyCount())

	balancer.MarkHealthy("host-a:9000", false)
	assert.Equal(t, 2, balancer.HealthyCount())

	// Unknown servers are ignored
	balancer.MarkHealthy("host-z:9000", false)
	assert.Equal(t, 2, balancer.HealthyCount())

	balancer.MarkHealthy("host-a:9000", true)
	assert.Equal(t, 3, balancer.HealthyCount())
}

func TestRoundRobinEmpty(t *testing.T) {
	balancer := NewRoundRobinBalancer(nil)
	_, err := balancer.Choose(context.Background())
	assert.ErrorIs(t, err, ErrNoAvailableServer)
}
