package edgeproxy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watcherConfigV1 = `
services:
  api:
    route: "/api/**"
    servers: ["http://localhost:8081"]
`

const watcherConfigV2 = `
disable_all_retries: true
services:
  api:
    route: "/api/**"
    servers: ["http://localhost:8081"]
`

func TestConfigWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgeproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV1), 0o600))

	var mu sync.Mutex
	var reloaded *Config
	watcher, err := NewConfigWatcher(path, testHealthLogger(), func(cfg *Config) {
		mu.Lock()
		reloaded = cfg
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV2), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloaded != nil
	}, 3*time.Second, 50*time.Millisecond, "watcher should reload the changed config")

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, reloaded.DisableAllRetries)
}

func TestConfigWatcherIgnoresInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgeproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV1), 0o600))

	called := false
	watcher, err := NewConfigWatcher(path, testHealthLogger(), func(cfg *Config) {
		called = true
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	// Broken YAML must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("services: ["), 0o600))

	time.Sleep(time.Second)
	assert.False(t, called, "invalid config should be rejected, keeping the previous one")
}

func TestConfigWatcherDoubleStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgeproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV1), 0o600))

	watcher, err := NewConfigWatcher(path, testHealthLogger(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	assert.ErrorIs(t, watcher.Start(ctx), ErrWatcherAlreadyActive)
}

func TestNewConfigWatcherRequiresLogger(t *testing.T) {
	_, err := NewConfigWatcher("some/path.yaml", nil, nil)
	assert.ErrorIs(t, err, ErrLoggerNil)
}
