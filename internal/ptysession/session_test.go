package ptysession

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requirePTY(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx available")
	}
}

func waitForOutput(t *testing.T, s *Session, substr string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		out := s.Scrollback()
		if strings.Contains(out, substr) {
			return out
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %q in output:\n%s", substr, out)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSessionRunsCommands(t *testing.T) {
	requirePTY(t)
	m := NewManager("/bin/sh", zap.NewNop())
	defer m.CloseAll()

	s, err := m.Acquire("conv-1", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Send("echo hello-pty\n"))
	waitForOutput(t, s, "hello-pty")
	assert.Contains(t, s.LastOutput(), "hello-pty")
}

func TestOutputFromOffset(t *testing.T) {
	requirePTY(t)
	m := NewManager("/bin/sh", zap.NewNop())
	defer m.CloseAll()

	s, err := m.Acquire("conv-1", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Send("echo first\n"))
	waitForOutput(t, s, "first")
	_, offset := s.OutputFrom(0)

	require.NoError(t, s.Send("echo second\n"))
	waitForOutput(t, s, "second")

	tail, _ := s.OutputFrom(offset)
	assert.Contains(t, tail, "second")
	assert.NotContains(t, tail, "echo first")
}

func TestAcquireReusesSameWorkdir(t *testing.T) {
	requirePTY(t)
	m := NewManager("/bin/sh", zap.NewNop())
	defer m.CloseAll()

	workdir := t.TempDir()
	s1, err := m.Acquire("conv-1", workdir)
	require.NoError(t, err)
	s2, err := m.Acquire("conv-1", workdir)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestAcquireRecyclesOnWorkdirChange(t *testing.T) {
	requirePTY(t)
	m := NewManager("/bin/sh", zap.NewNop())
	defer m.CloseAll()

	s1, err := m.Acquire("conv-1", t.TempDir())
	require.NoError(t, err)
	s2, err := m.Acquire("conv-1", t.TempDir())
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)

	assert.Error(t, s1.Send("echo should-fail\n"))
}

func TestCloseConversation(t *testing.T) {
	requirePTY(t)
	m := NewManager("/bin/sh", zap.NewNop())

	_, err := m.Acquire("conv-1", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.CloseConversation("conv-1"))

	_, ok := m.Get("conv-1")
	assert.False(t, ok)
	assert.NoError(t, m.CloseConversation("conv-1"))
}
