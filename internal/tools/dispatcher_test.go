package tools

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/auth"
	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/toolargs"
)

type denyAll struct{}

func (denyAll) Authorize(_ context.Context, req auth.Request) auth.Verdict {
	return auth.Verdict{Authorized: false, Reason: "operation " + req.OperationKey + " requires user approval", Prompt: true}
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, auth.Request) auth.Verdict {
	return auth.Verdict{Authorized: true}
}

func echoRegistration(name string, serial, blocking bool) Registration {
	return Registration{
		Name:         name,
		Description:  "test tool",
		Consolidated: true,
		Serial:       serial,
		Blocking:     blocking,
		Operations: map[string]Operation{
			"echo": {
				Name: "echo",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"text": {Kind: toolargs.KindString, Required: true},
				}},
				Handler: func(_ context.Context, args map[string]toolargs.Value, _ ExecContext) (Result, error) {
					text, _ := args["text"].AsString()
					return Result{Success: true, Output: text}, nil
				},
			},
		},
	}
}

func newTestDispatcher(t *testing.T, guard Authorizer, regs ...Registration) *Dispatcher {
	t.Helper()
	registry := NewRegistry()
	for _, reg := range regs {
		require.NoError(t, registry.Register(reg))
	}
	return NewDispatcher(registry, guard, zap.NewNop())
}

func TestExecuteOperationField(t *testing.T) {
	d := newTestDispatcher(t, nil, echoRegistration("echo_tool", false, false))

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "echo_tool",
		Arguments: map[string]interface{}{"operation": "echo", "text": "hello"},
	}, ExecContext{ConversationID: "conv-1"})

	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
}

func TestExecuteDottedForm(t *testing.T) {
	d := newTestDispatcher(t, nil, echoRegistration("echo_tool", false, false))

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "echo_tool.echo",
		Arguments: map[string]interface{}{"text": "hello"},
	}, ExecContext{ConversationID: "conv-1"})

	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
}

func TestDottedFormUnknownPrefixReportsNotFound(t *testing.T) {
	d := newTestDispatcher(t, nil, echoRegistration("echo_tool", false, false))

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "mystery.echo",
		Arguments: map[string]interface{}{"text": "hello"},
	}, ExecContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Output, `tool not found: "mystery.echo"`)
}

func TestUnknownOperationIsStructured(t *testing.T) {
	d := newTestDispatcher(t, nil, echoRegistration("echo_tool", false, false))

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "echo_tool",
		Arguments: map[string]interface{}{"operation": "yell", "text": "hello"},
	}, ExecContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Output, `unknown operation "yell"`)
	assert.Contains(t, res.Output, "echo")
}

func TestParameterErrorsReturnedAsResults(t *testing.T) {
	d := newTestDispatcher(t, nil, echoRegistration("echo_tool", false, false))

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "echo_tool.echo",
		Arguments: map[string]interface{}{},
	}, ExecContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "missing required arguments: text")

	res = d.Execute(context.Background(), llm.ToolCall{
		Name:      "echo_tool.echo",
		Arguments: map[string]interface{}{"text": 42},
	}, ExecContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "expected string, got number")
}

func TestGuardedOperationReturnsAuthorizationRequired(t *testing.T) {
	reg := echoRegistration("guarded_tool", false, false)
	op := reg.Operations["echo"]
	op.Guarded = true
	reg.Operations["echo"] = op

	d := newTestDispatcher(t, denyAll{}, reg)

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "guarded_tool.echo",
		Arguments: map[string]interface{}{"text": "hi"},
	}, ExecContext{ConversationID: "conv-1", WorkingDir: "/ws/conv-1"})

	assert.False(t, res.Success)
	assert.True(t, res.AuthorizationRequired)
	assert.Contains(t, res.Prompt, "guarded_tool.echo")
}

func TestGuardedOperationAllowedProceeds(t *testing.T) {
	reg := echoRegistration("guarded_tool", false, false)
	op := reg.Operations["echo"]
	op.Guarded = true
	reg.Operations["echo"] = op

	d := newTestDispatcher(t, allowAll{}, reg)

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "guarded_tool.echo",
		Arguments: map[string]interface{}{"text": "hi"},
	}, ExecContext{ConversationID: "conv-1"})
	assert.True(t, res.Success)
}

func TestHandlerErrorFoldedIntoResult(t *testing.T) {
	reg := Registration{
		Name:         "flaky",
		Consolidated: true,
		Operations: map[string]Operation{
			"boom": {
				Name:  "boom",
				Shape: toolargs.Shape{},
				Handler: func(context.Context, map[string]toolargs.Value, ExecContext) (Result, error) {
					return Result{}, assert.AnError
				},
			},
		},
	}
	d := newTestDispatcher(t, nil, reg)

	res := d.Execute(context.Background(), llm.ToolCall{
		Name:      "flaky.boom",
		Arguments: map[string]interface{}{},
	}, ExecContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "flaky.boom failed")
}

func TestSerialToolNeverOverlaps(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	reg := Registration{
		Name:         "serial_tool",
		Consolidated: true,
		Serial:       true,
		Operations: map[string]Operation{
			"work": {
				Name:  "work",
				Shape: toolargs.Shape{},
				Handler: func(context.Context, map[string]toolargs.Value, ExecContext) (Result, error) {
					mu.Lock()
					inFlight++
					if inFlight > maxInFlight {
						maxInFlight = inFlight
					}
					mu.Unlock()
					time.Sleep(10 * time.Millisecond)
					mu.Lock()
					inFlight--
					mu.Unlock()
					return Result{Success: true}, nil
				},
			},
		},
	}
	d := newTestDispatcher(t, nil, reg)

	calls := make([]llm.ToolCall, 4)
	for i := range calls {
		calls[i] = llm.ToolCall{Name: "serial_tool.work", Arguments: map[string]interface{}{}}
	}
	results := d.ExecuteBatch(context.Background(), calls, ExecContext{})

	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.Equal(t, 1, maxInFlight)
}

func TestSerialToolExecutesInCallOrder(t *testing.T) {
	var mu sync.Mutex
	var executed []int

	reg := Registration{
		Name:         "serial_tool",
		Consolidated: true,
		Serial:       true,
		Operations: map[string]Operation{
			"work": {
				Name: "work",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"seq": {Kind: toolargs.KindNumber, Required: true},
				}},
				Handler: func(_ context.Context, args map[string]toolargs.Value, _ ExecContext) (Result, error) {
					seq, _ := args["seq"].AsNumber()
					mu.Lock()
					executed = append(executed, int(seq))
					mu.Unlock()
					return Result{Success: true}, nil
				},
			},
		},
	}
	d := newTestDispatcher(t, nil, reg)

	// Same-round write/update pairs depend on call order: a serial tool
	// must execute in the order the model issued the calls, not in
	// whatever order goroutines happened to reach the mutex.
	for round := 0; round < 20; round++ {
		executed = executed[:0]
		calls := make([]llm.ToolCall, 8)
		for i := range calls {
			calls[i] = llm.ToolCall{
				Name:      "serial_tool.work",
				Arguments: map[string]interface{}{"seq": float64(i)},
			}
		}
		d.ExecuteBatch(context.Background(), calls, ExecContext{})
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, executed)
	}
}

func TestExecuteBatchPreservesIssueOrder(t *testing.T) {
	d := newTestDispatcher(t, nil, echoRegistration("echo_tool", false, false))

	calls := []llm.ToolCall{
		{Name: "echo_tool.echo", Arguments: map[string]interface{}{"text": "first"}},
		{Name: "echo_tool.echo", Arguments: map[string]interface{}{"text": "second"}},
		{Name: "echo_tool.echo", Arguments: map[string]interface{}{"text": "third"}},
	}
	results := d.ExecuteBatch(context.Background(), calls, ExecContext{})

	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Output)
	assert.Equal(t, "second", results[1].Output)
	assert.Equal(t, "third", results[2].Output)
}

func TestBlockingToolDrainsInFlightWork(t *testing.T) {
	var mu sync.Mutex
	var order []string

	record := func(name string, delay time.Duration) Handler {
		return func(context.Context, map[string]toolargs.Value, ExecContext) (Result, error) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Result{Success: true}, nil
		}
	}

	slow := Registration{
		Name:         "slow",
		Consolidated: true,
		Operations: map[string]Operation{
			"work": {Name: "work", Shape: toolargs.Shape{}, Handler: record("slow", 30*time.Millisecond)},
		},
	}
	blocker := Registration{
		Name:         "blocker",
		Consolidated: true,
		Blocking:     true,
		Operations: map[string]Operation{
			"work": {Name: "work", Shape: toolargs.Shape{}, Handler: record("blocker", 0)},
		},
	}
	d := newTestDispatcher(t, nil, slow, blocker)

	d.ExecuteBatch(context.Background(), []llm.ToolCall{
		{Name: "slow.work", Arguments: map[string]interface{}{}},
		{Name: "blocker.work", Arguments: map[string]interface{}{}},
	}, ExecContext{})

	require.Equal(t, []string{"slow", "blocker"}, order)
}

func TestRegistryFixedOrder(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(echoRegistration("b_tool", false, false)))
	require.NoError(t, registry.Register(echoRegistration("a_tool", false, false)))

	// Registration order, never alphabetical, and stable across calls.
	for i := 0; i < 3; i++ {
		defs := registry.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, "b_tool", defs[0].Name)
		assert.Equal(t, "a_tool", defs[1].Name)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(echoRegistration("echo_tool", false, false)))
	assert.Error(t, registry.Register(echoRegistration("echo_tool", false, false)))
}
