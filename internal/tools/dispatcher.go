package tools

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/auth"
	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/metrics"
	"github.com/conductor-core/conductor/internal/toolargs"
)

// Authorizer is the guard surface the dispatcher consults before
// guarded operations.
type Authorizer interface {
	Authorize(ctx context.Context, req auth.Request) auth.Verdict
}

// Dispatcher resolves tool calls against the registry, validates and
// authorizes them, and executes them under each tool's concurrency
// policy.
type Dispatcher struct {
	registry *Registry
	guard    Authorizer
	logger   *zap.Logger

	mu      sync.Mutex
	serials map[string]*sync.Mutex
}

func NewDispatcher(registry *Registry, guard Authorizer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		guard:    guard,
		logger:   logger,
		serials:  make(map[string]*sync.Mutex),
	}
}

// Execute runs one tool call and returns a uniform result. Parameter
// errors, unknown tools/operations, and authorization requirements are
// all returned as results, never as Go errors; the model reads them
// and adapts.
func (d *Dispatcher) Execute(ctx context.Context, call llm.ToolCall, ec ExecContext) Result {
	start := time.Now()

	reg, opName, args, res, ok := d.resolve(call)
	if !ok {
		metrics.ToolExecutions.WithLabelValues(call.Name, "invalid").Inc()
		return res
	}

	op, ok := reg.Operations[opName]
	if !ok {
		metrics.ToolExecutions.WithLabelValues(reg.Name, "invalid").Inc()
		return Errorf("unknown operation %q for tool %q (supported: %s)",
			opName, reg.Name, strings.Join(operationNames(reg), ", "))
	}

	if err := op.Shape.Validate(args); err != nil {
		metrics.ToolExecutions.WithLabelValues(reg.Name, "invalid").Inc()
		return Errorf("invalid arguments for %s: %v", operationKey(reg.Name, opName), err)
	}

	if op.Guarded && d.guard != nil {
		targetPath := ""
		if op.PathArg != "" {
			if v, ok := args[op.PathArg]; ok {
				targetPath, _ = v.AsString()
			}
		}
		verdict := d.guard.Authorize(ctx, auth.Request{
			ConversationID: ec.ConversationID,
			OperationKey:   operationKey(reg.Name, opName),
			TargetPath:     targetPath,
			WorkingDir:     ec.WorkingDir,
			UserInitiated:  ec.UserInitiated,
		})
		if !verdict.Authorized {
			metrics.ToolExecutions.WithLabelValues(reg.Name, "unauthorized").Inc()
			return Result{
				Success:               false,
				Output:                verdict.Reason,
				AuthorizationRequired: verdict.Prompt,
				Prompt:                verdict.Reason,
			}
		}
	}

	if reg.Serial {
		waitStart := time.Now()
		mu := d.serialMutex(reg.Name)
		mu.Lock()
		metrics.SerialQueueWait.WithLabelValues(reg.Name).Observe(time.Since(waitStart).Seconds())
		defer mu.Unlock()
	}

	result, err := op.Handler(ctx, args, ec)
	elapsed := time.Since(start)
	metrics.ToolExecutionDuration.WithLabelValues(reg.Name).Observe(elapsed.Seconds())

	if err != nil {
		// Execution errors fold into the result so the loop survives.
		metrics.ToolExecutions.WithLabelValues(reg.Name, "error").Inc()
		d.logger.Warn("Tool execution failed",
			zap.String("tool", operationKey(reg.Name, opName)),
			zap.String("conversation_id", ec.ConversationID),
			zap.Error(err),
		)
		result = Errorf("tool %s failed: %v", operationKey(reg.Name, opName), err)
	} else {
		status := "ok"
		if !result.Success {
			status = "error"
		}
		metrics.ToolExecutions.WithLabelValues(reg.Name, status).Inc()
	}

	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	result.Metadata["operation"] = operationKey(reg.Name, opName)
	result.Metadata["elapsed_ms"] = elapsed.Milliseconds()
	return result
}

// ExecuteBatch runs all tool calls from one model response. Results
// come back in issue order regardless of execution interleaving.
// Non-serial, non-blocking tools run in parallel. Calls to the same
// serial tool run sequentially in issue order: racing them onto the
// per-tool mutex would give mutual exclusion but not ordering, and a
// same-round write/update pair applied in reverse stores a different
// list. Blocking tools drain all in-flight work, run alone, and only
// then does the batch resume.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, calls []llm.ToolCall, ec ExecContext) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	serialQueues := make(map[string][]int)

	// drain launches one goroutine per serial tool, each running its
	// queued calls in issue order, then waits for everything in flight.
	drain := func() {
		for _, queue := range serialQueues {
			wg.Add(1)
			go func(queue []int) {
				defer wg.Done()
				for _, i := range queue {
					results[i] = d.Execute(ctx, calls[i], ec)
				}
			}(queue)
		}
		serialQueues = make(map[string][]int)
		wg.Wait()
	}

	for i, call := range calls {
		reg, ok := d.lookup(call.Name)
		switch {
		case ok && reg.Blocking:
			drain()
			results[i] = d.Execute(ctx, call, ec)
		case ok && reg.Serial:
			serialQueues[reg.Name] = append(serialQueues[reg.Name], i)
		default:
			wg.Add(1)
			go func(i int, call llm.ToolCall) {
				defer wg.Done()
				results[i] = d.Execute(ctx, call, ec)
			}(i, call)
		}
	}
	drain()
	return results
}

// resolve locates the registration and extracts the operation name and
// typed arguments. Accepts both ("tool", {operation: "op", ...}) and
// the dotted "tool.op" form. A dotted name whose prefix is not a
// registered tool stays unresolved and is reported as tool-not-found
// with its arguments intact.
func (d *Dispatcher) resolve(call llm.ToolCall) (reg Registration, opName string, args map[string]toolargs.Value, res Result, ok bool) {
	name := call.Name
	rawArgs := call.Arguments

	reg, found := d.registry.Get(name)
	if !found {
		if idx := strings.LastIndex(name, "."); idx > 0 {
			if prefixReg, prefixFound := d.registry.Get(name[:idx]); prefixFound {
				reg = prefixReg
				opName = name[idx+1:]
				found = true
			}
		}
	}
	if !found {
		return Registration{}, "", nil, Errorf("tool not found: %q", name), false
	}

	args, err := toolargs.FromArguments(rawArgs)
	if err != nil {
		return Registration{}, "", nil, Errorf("invalid arguments for tool %q: %v", reg.Name, err), false
	}

	if reg.Consolidated && opName == "" {
		opVal, exists := args["operation"]
		if !exists {
			return Registration{}, "", nil,
				Errorf("tool %q requires an \"operation\" argument (supported: %s)",
					reg.Name, strings.Join(operationNames(reg), ", ")), false
		}
		opStr, isStr := opVal.AsString()
		if !isStr {
			return Registration{}, "", nil,
				Errorf("tool %q: \"operation\" must be a string", reg.Name), false
		}
		opName = opStr
		delete(args, "operation")
	}

	return reg, opName, args, Result{}, true
}

func (d *Dispatcher) lookup(name string) (Registration, bool) {
	if reg, ok := d.registry.Get(name); ok {
		return reg, true
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return d.registry.Get(name[:idx])
	}
	return Registration{}, false
}

func (d *Dispatcher) serialMutex(tool string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu, ok := d.serials[tool]
	if !ok {
		mu = &sync.Mutex{}
		d.serials[tool] = mu
	}
	return mu
}

func operationKey(tool, op string) string {
	if op == "" {
		return tool
	}
	return tool + "." + op
}

func operationNames(reg Registration) []string {
	names := make([]string, 0, len(reg.Operations))
	for name := range reg.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
