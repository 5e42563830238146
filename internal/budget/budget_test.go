package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextConsumesUntilExhausted(t *testing.T) {
	m := NewManager(Config{MaxIterations: 3}, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.True(t, m.Next())
	}
	assert.False(t, m.Next())
	assert.True(t, m.Exhausted())
	assert.Equal(t, 3, m.Used())
	assert.Equal(t, 0, m.Remaining())
}

func TestExtensionRaisesCeiling(t *testing.T) {
	m := NewManager(Config{MaxIterations: 2, MaxExtensions: 1, ExtensionIterations: 4}, zap.NewNop())
	m.Next()
	m.Next()
	require.True(t, m.Exhausted())

	granted, err := m.RequestExtension()
	require.NoError(t, err)
	assert.Equal(t, 4, granted)
	assert.Equal(t, 4, m.Remaining())
	assert.True(t, m.Next())
}

func TestExtensionCap(t *testing.T) {
	m := NewManager(Config{MaxIterations: 2, MaxExtensions: 2, ExtensionIterations: 4}, zap.NewNop())

	_, err := m.RequestExtension()
	require.NoError(t, err)
	_, err = m.RequestExtension()
	require.NoError(t, err)

	_, err = m.RequestExtension()
	assert.Error(t, err)
	assert.Equal(t, 10, m.Remaining())
}

func TestWaitProviderHonorsContext(t *testing.T) {
	m := NewManager(Config{ProviderRPS: 0.001, ProviderBurst: 1}, zap.NewNop())
	require.NoError(t, m.WaitProvider(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, m.WaitProvider(ctx))
}
