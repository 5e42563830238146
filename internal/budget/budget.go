// Package budget tracks the iteration budget for one workflow run and
// rate-limits that run's provider calls. One Manager is created per
// run, so the limiter bounds each conversation independently.
package budget

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config bounds a workflow run.
type Config struct {
	MaxIterations       int     `mapstructure:"max_iterations"`
	MaxExtensions       int     `mapstructure:"max_extensions"`
	ExtensionIterations int     `mapstructure:"extension_iterations"`
	ProviderRPS         float64 `mapstructure:"provider_rps"`
	ProviderBurst       int     `mapstructure:"provider_burst"`
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       24,
		MaxExtensions:       2,
		ExtensionIterations: 8,
		ProviderRPS:         2,
		ProviderBurst:       4,
	}
}

// Manager tracks iterations used against a ceiling that the model may
// extend a bounded number of times.
type Manager struct {
	logger *zap.Logger

	mu         sync.Mutex
	ceiling    int
	used       int
	extensions int

	maxExtensions       int
	extensionIterations int

	limiter *rate.Limiter
}

// NewManager creates a manager for one workflow run.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.ExtensionIterations <= 0 {
		cfg.ExtensionIterations = DefaultConfig().ExtensionIterations
	}
	if cfg.ProviderRPS <= 0 {
		cfg.ProviderRPS = DefaultConfig().ProviderRPS
	}
	if cfg.ProviderBurst <= 0 {
		cfg.ProviderBurst = DefaultConfig().ProviderBurst
	}
	return &Manager{
		logger:              logger,
		ceiling:             cfg.MaxIterations,
		maxExtensions:       cfg.MaxExtensions,
		extensionIterations: cfg.ExtensionIterations,
		limiter:             rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
	}
}

// Next consumes one iteration. It returns false when the budget is
// already exhausted, in which case nothing is consumed.
func (m *Manager) Next() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used >= m.ceiling {
		return false
	}
	m.used++
	return true
}

// Remaining reports iterations left under the current ceiling.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ceiling - m.used
}

// Used reports iterations consumed so far.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Exhausted reports whether no iterations remain.
func (m *Manager) Exhausted() bool {
	return m.Remaining() <= 0
}

// RequestExtension raises the ceiling by the configured extension
// size. Extensions are capped; past the cap the request is refused and
// the ceiling is unchanged.
func (m *Manager) RequestExtension() (granted int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extensions >= m.maxExtensions {
		return 0, fmt.Errorf("extension limit reached (%d of %d used)", m.extensions, m.maxExtensions)
	}
	m.extensions++
	m.ceiling += m.extensionIterations
	m.logger.Info("Iteration budget extended",
		zap.Int("extension", m.extensions),
		zap.Int("granted", m.extensionIterations),
		zap.Int("ceiling", m.ceiling),
	)
	return m.extensionIterations, nil
}

// WaitProvider blocks until the provider rate limiter admits one call
// or the context is done.
func (m *Manager) WaitProvider(ctx context.Context) error {
	return m.limiter.Wait(ctx)
}
