package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 24, cfg.Budget.MaxIterations)
	assert.Equal(t, 2112, cfg.Observability.Metrics.Port)
	assert.False(t, cfg.Policy.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: redis:6380
budget:
  max_iterations: 5
  max_extensions: 1
policy:
  enabled: true
  mode: enforce
  path: /etc/conductor/policies
`), 0o644))
	t.Setenv("CONDUCTOR_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Budget.MaxIterations)
	assert.Equal(t, 1, cfg.Budget.MaxExtensions)
	assert.True(t, cfg.Policy.Enabled)
	assert.Equal(t, "/etc/conductor/policies", cfg.Policy.Path)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8, cfg.Budget.ExtensionIterations)
}

type countingReloader struct {
	mu    sync.Mutex
	count int
}

func (r *countingReloader) LoadPolicies() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *countingReloader) loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func TestPolicyWatcherReloadsOnRegoChange(t *testing.T) {
	dir := t.TempDir()
	target := &countingReloader{}

	pw, err := NewPolicyWatcher(dir, target, zap.NewNop())
	require.NoError(t, err)
	defer pw.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "authz.rego"), []byte("package conductor.authz"), 0o644))

	deadline := time.After(5 * time.Second)
	for target.loads() == 0 {
		select {
		case <-deadline:
			t.Fatal("policy watcher never reloaded")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestPolicyWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	target := &countingReloader{}

	pw, err := NewPolicyWatcher(dir, target, zap.NewNop())
	require.NoError(t, err)
	defer pw.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	time.Sleep(2 * reloadDebounce)
	assert.Zero(t, target.loads())
}
