package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/approval"
	"github.com/conductor-core/conductor/internal/budget"
	"github.com/conductor-core/conductor/internal/llm"
)

type recordingGranter struct {
	conv, key string
	ttl       time.Duration
	oneTime   bool
	calls     int
}

func (g *recordingGranter) Grant(conversationID, operationKey string, ttl time.Duration, oneTime bool) {
	g.conv, g.key, g.ttl, g.oneTime = conversationID, operationKey, ttl, oneTime
	g.calls++
}

func respondFirstPending(t *testing.T, broker *approval.Broker, resp approval.Response) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if pending := broker.Pending(); len(pending) > 0 {
			require.NoError(t, broker.Respond(pending[0].ID, resp))
			return
		}
		select {
		case <-deadline:
			t.Error("no approval ever became pending")
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestApprovalToolRememberedGrant(t *testing.T) {
	broker := approval.NewBroker(zap.NewNop())
	granter := &recordingGranter{}

	registry := NewRegistry()
	require.NoError(t, registry.Register(NewApprovalTool(broker, granter)))
	d := NewDispatcher(registry, nil, zap.NewNop())

	go respondFirstPending(t, broker, approval.Response{
		Decision:    approval.DecisionApproved,
		RememberFor: 300 * time.Second,
	})

	res := d.Execute(context.Background(), llm.ToolCall{
		Name: "request_user_approval",
		Arguments: map[string]interface{}{
			"operation_key": "terminal.run",
			"prompt":        "run the build?",
		},
	}, ExecContext{ConversationID: "conv-1"})

	assert.True(t, res.Success)
	assert.Equal(t, 1, granter.calls)
	assert.Equal(t, "terminal.run", granter.key)
	assert.Equal(t, 300*time.Second, granter.ttl)
	assert.False(t, granter.oneTime)
}

func TestApprovalToolPlainApprovalIsOneTime(t *testing.T) {
	broker := approval.NewBroker(zap.NewNop())
	granter := &recordingGranter{}

	registry := NewRegistry()
	require.NoError(t, registry.Register(NewApprovalTool(broker, granter)))
	d := NewDispatcher(registry, nil, zap.NewNop())

	go respondFirstPending(t, broker, approval.Response{Decision: approval.DecisionApproved})

	res := d.Execute(context.Background(), llm.ToolCall{
		Name: "request_user_approval",
		Arguments: map[string]interface{}{
			"operation_key": "memory.delete",
			"prompt":        "clear memory?",
		},
	}, ExecContext{ConversationID: "conv-1"})

	assert.True(t, res.Success)
	assert.True(t, granter.oneTime)
}

func TestApprovalToolDenied(t *testing.T) {
	broker := approval.NewBroker(zap.NewNop())
	granter := &recordingGranter{}

	registry := NewRegistry()
	require.NoError(t, registry.Register(NewApprovalTool(broker, granter)))
	d := NewDispatcher(registry, nil, zap.NewNop())

	go respondFirstPending(t, broker, approval.Response{Decision: approval.DecisionDenied})

	res := d.Execute(context.Background(), llm.ToolCall{
		Name: "request_user_approval",
		Arguments: map[string]interface{}{
			"operation_key": "terminal.run",
			"prompt":        "?",
		},
	}, ExecContext{ConversationID: "conv-1"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "denied")
	assert.Zero(t, granter.calls)
}

func TestIterationsToolGrantsAndRefuses(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(NewIterationsTool()))
	d := NewDispatcher(registry, nil, zap.NewNop())

	b := budget.NewManager(budget.Config{MaxIterations: 2, MaxExtensions: 1, ExtensionIterations: 4}, zap.NewNop())
	ec := ExecContext{ConversationID: "conv-1", Budget: b}

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "request_iterations",
		Arguments: map[string]interface{}{"reason": "large refactor"},
	}, ec)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Metadata["granted"])

	res = d.Execute(context.Background(), llm.ToolCall{
		Name:      "request_iterations",
		Arguments: map[string]interface{}{"reason": "more"},
	}, ec)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "extension refused")
}
