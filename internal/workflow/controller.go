// Package workflow drives the iterate-until-done loop: send a request,
// execute any requested tools, consult the task list and continuation
// guidance, and decide whether to iterate or stop. One controller
// serves many conversations; each Run is a single logical sequence,
// but different conversations run concurrently.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/budget"
	"github.com/conductor-core/conductor/internal/guidance"
	"github.com/conductor-core/conductor/internal/history"
	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/metrics"
	"github.com/conductor-core/conductor/internal/tasklist"
	"github.com/conductor-core/conductor/internal/taskstore"
	"github.com/conductor-core/conductor/internal/tools"
	"github.com/conductor-core/conductor/internal/tracing"
)

// Reserved control markers the model may emit in a text-only response.
// Either marker takes precedence over everything else in that round.
const (
	CompleteMarker = "<<WORKFLOW_COMPLETE>>"
	ContinueMarker = "<<WORKFLOW_CONTINUE>>"
)

// StopReason is the terminal state of one workflow run. Budget
// exhaustion and authorization pauses are distinguishable states, not
// generic failures.
type StopReason string

const (
	StopNaturalCompletion StopReason = "natural_completion"
	StopExplicitMarker    StopReason = "explicit_marker"
	StopBudgetExhausted   StopReason = "budget_exhausted"
	StopErrored           StopReason = "errored"
)

// RoundRecord is the immutable audit entry for one iteration.
type RoundRecord struct {
	Iteration int
	Kind      string // "tool" or "text"
	ToolNames []string
	Elapsed   time.Duration
}

// executionContext is the per-run mutable state. Owned exclusively by
// the controller for the duration of one Run and discarded afterwards.
type executionContext struct {
	conversationID string
	workingDir     string
	originalText   string

	budget        *budget.Manager
	transcript    []llm.Message
	rounds        []RoundRecord
	lastHadTools  bool
	ephemeral     []llm.Message // guidance for the next round only
	completedSeen map[int]bool
}

// RunInput describes one workflow invocation.
type RunInput struct {
	ConversationID string
	WorkingDir     string
	// UserRequest is the triggering user message.
	UserRequest string
	// History is the prior conversation transcript, if any.
	History []llm.Message
	// WorkflowMode keeps the loop going with generic guidance even
	// after the task list is complete.
	WorkflowMode bool
	Budget       budget.Config
}

// Outcome is the result of one completed run.
type Outcome struct {
	StopReason StopReason
	// Content is the final assistant text.
	Content string
	// Warning carries non-blocking findings, e.g. a complete marker
	// emitted while todos were still open.
	Warning    string
	Iterations int
	Rounds     []RoundRecord
	Transcript []llm.Message
}

// Controller wires the loop's collaborators.
type Controller struct {
	provider   llm.Provider
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	tasks      *taskstore.Store
	guide      *guidance.Engine
	audit      *history.Store // optional, best-effort
	logger     *zap.Logger
}

func NewController(
	provider llm.Provider,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	tasks *taskstore.Store,
	guide *guidance.Engine,
	audit *history.Store,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		tasks:      tasks,
		guide:      guide,
		audit:      audit,
		logger:     logger,
	}
}

// Run executes the loop until a terminal state. A provider failure is
// the only error path; every other outcome is a StopReason.
func (c *Controller) Run(ctx context.Context, in RunInput) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", in.ConversationID))

	ec := &executionContext{
		conversationID: in.ConversationID,
		workingDir:     in.WorkingDir,
		originalText:   in.UserRequest,
		budget:         budget.NewManager(in.Budget, c.logger),
		transcript:     append([]llm.Message(nil), in.History...),
		completedSeen:  make(map[int]bool),
	}
	ec.transcript = append(ec.transcript, llm.Message{Role: llm.RoleUser, Content: in.UserRequest})

	if items, err := c.tasks.Read(ctx, in.ConversationID); err == nil {
		for _, id := range tasklist.CompletedIDs(items) {
			ec.completedSeen[id] = true
		}
	}

	for {
		if !ec.budget.Next() {
			c.logger.Info("Iteration budget exhausted",
				zap.String("conversation_id", in.ConversationID),
				zap.Int("iterations", ec.budget.Used()),
			)
			return c.finish(ec, StopBudgetExhausted, lastAssistantText(ec.transcript), ""), nil
		}

		outcome, done, err := c.round(ctx, ec, in.WorkflowMode)
		if err != nil {
			metrics.WorkflowStops.WithLabelValues(string(StopErrored)).Inc()
			return Outcome{
				StopReason: StopErrored,
				Iterations: ec.budget.Used(),
				Rounds:     ec.rounds,
				Transcript: ec.transcript,
			}, err
		}
		if done {
			return outcome, nil
		}
	}
}

// round executes one iteration. done=true carries a terminal outcome.
func (c *Controller) round(ctx context.Context, ec *executionContext, workflowMode bool) (Outcome, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.round")
	defer span.End()
	start := time.Now()
	iteration := ec.budget.Used()

	req := llm.Request{
		Messages: c.buildMessages(ec),
		Tools:    c.registry.Definitions(),
	}

	if err := ec.budget.WaitProvider(ctx); err != nil {
		return Outcome{}, false, err
	}
	resp, err := c.provider.Send(ctx, req)
	if err != nil {
		// Provider failure is fatal for the run, unlike tool failures.
		return Outcome{}, false, fmt.Errorf("provider call failed on iteration %d: %w", iteration, err)
	}

	// Guidance was consumed by this request.
	ec.ephemeral = nil

	ec.transcript = append(ec.transcript, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	if len(resp.ToolCalls) > 0 {
		c.executeTools(ctx, ec, resp.ToolCalls)
		c.recordRound(ctx, ec, iteration, "tool", toolNames(resp.ToolCalls), time.Since(start))
		metrics.WorkflowRounds.WithLabelValues("tool_calls").Inc()
		metrics.WorkflowRoundDuration.Observe(time.Since(start).Seconds())

		ec.lastHadTools = true
		c.injectGuidance(ctx, ec)
		return Outcome{}, false, nil
	}

	// Text-only round.
	ec.lastHadTools = false
	c.recordRound(ctx, ec, iteration, "text", nil, time.Since(start))
	metrics.WorkflowRounds.WithLabelValues("text_only").Inc()
	metrics.WorkflowRoundDuration.Observe(time.Since(start).Seconds())

	if strings.Contains(resp.Content, CompleteMarker) {
		warning := ""
		// Marker wins, but open todos are surfaced as a warning.
		if items, err := c.tasks.Read(ctx, ec.conversationID); err == nil && tasklist.HasIncomplete(items) {
			warning = "workflow declared complete while todo items remain incomplete"
			c.logger.Warn("Complete marker with incomplete todos",
				zap.String("conversation_id", ec.conversationID),
			)
		}
		return c.finish(ec, StopExplicitMarker, stripMarkers(resp.Content), warning), true, nil
	}

	if strings.Contains(resp.Content, ContinueMarker) {
		c.injectGuidance(ctx, ec)
		return Outcome{}, false, nil
	}

	// Always re-read the authoritative store. A text-only round cannot
	// have changed the list, but an earlier cached copy could be stale
	// and would risk declaring completion prematurely.
	items, err := c.tasks.Read(ctx, ec.conversationID)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("task list read failed on iteration %d: %w", iteration, err)
	}

	if tasklist.HasIncomplete(items) {
		c.injectGuidance(ctx, ec)
		return Outcome{}, false, nil
	}

	if workflowMode {
		c.injectGuidance(ctx, ec)
		return Outcome{}, false, nil
	}

	return c.finish(ec, StopNaturalCompletion, resp.Content, ""), true, nil
}

// executeTools dispatches the round's calls and folds every result
// back into the transcript in issue order.
func (c *Controller) executeTools(ctx context.Context, ec *executionContext, calls []llm.ToolCall) {
	results := c.dispatcher.ExecuteBatch(ctx, calls, tools.ExecContext{
		ConversationID:  ec.conversationID,
		WorkingDir:      ec.workingDir,
		UserInitiated:   false,
		OriginalRequest: ec.originalText,
		Budget:          ec.budget,
	})

	for i, call := range calls {
		content, err := json.Marshal(results[i])
		if err != nil {
			content = []byte(fmt.Sprintf(`{"success":false,"output":"result encoding failed: %v"}`, err))
		}
		ec.transcript = append(ec.transcript, llm.Message{
			Role:       llm.RoleTool,
			Content:    string(content),
			ToolCallID: call.ID,
		})
	}
}

// injectGuidance computes and stores exactly one directive for the
// next request.
func (c *Controller) injectGuidance(ctx context.Context, ec *executionContext) {
	items, err := c.tasks.Read(ctx, ec.conversationID)
	if err != nil {
		c.logger.Warn("Task list read failed while computing guidance", zap.Error(err))
	}

	completedDelta := 0
	for _, id := range tasklist.CompletedIDs(items) {
		if !ec.completedSeen[id] {
			ec.completedSeen[id] = true
			completedDelta++
		}
	}

	directive := c.guide.Directive(guidance.Round{
		ConversationID: ec.conversationID,
		HasIncomplete:  tasklist.HasIncomplete(items),
		UsedTools:      ec.lastHadTools,
		CompletedDelta: completedDelta,
	})
	ec.ephemeral = []llm.Message{{Role: llm.RoleUser, Content: directive}}
}

// buildMessages assembles the outgoing request: the transcript with
// the guidance directive appended last, normalized for alternation.
func (c *Controller) buildMessages(ec *executionContext) []llm.Message {
	msgs := make([]llm.Message, 0, len(ec.transcript)+len(ec.ephemeral))
	msgs = append(msgs, ec.transcript...)
	msgs = append(msgs, ec.ephemeral...)
	return llm.Normalize(msgs, llm.NormalizeOptions{RequireUserFirst: true})
}

func (c *Controller) recordRound(ctx context.Context, ec *executionContext, iteration int, kind string, toolNames []string, elapsed time.Duration) {
	ec.rounds = append(ec.rounds, RoundRecord{
		Iteration: iteration,
		Kind:      kind,
		ToolNames: toolNames,
		Elapsed:   elapsed,
	})
	if c.audit == nil {
		return
	}
	// Audit writes never fail the loop.
	var err error
	if kind == "tool" {
		err = c.audit.AppendToolRound(ctx, ec.conversationID, iteration, toolNames)
	} else {
		err = c.audit.Append(ctx, history.Round{
			ConversationID: ec.conversationID,
			Round:          iteration,
			Kind:           kind,
			ToolCalls:      "[]",
		})
	}
	if err != nil {
		c.logger.Warn("Audit write failed",
			zap.String("conversation_id", ec.conversationID),
			zap.Error(err),
		)
	}
}

func (c *Controller) finish(ec *executionContext, reason StopReason, content, warning string) Outcome {
	metrics.WorkflowStops.WithLabelValues(string(reason)).Inc()
	c.guide.Reset(ec.conversationID)
	c.logger.Info("Workflow stopped",
		zap.String("conversation_id", ec.conversationID),
		zap.String("reason", string(reason)),
		zap.Int("iterations", ec.budget.Used()),
	)
	return Outcome{
		StopReason: reason,
		Content:    content,
		Warning:    warning,
		Iterations: ec.budget.Used(),
		Rounds:     ec.rounds,
		Transcript: ec.transcript,
	}
}

func toolNames(calls []llm.ToolCall) []string {
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	return names
}

func lastAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func stripMarkers(content string) string {
	content = strings.ReplaceAll(content, CompleteMarker, "")
	content = strings.ReplaceAll(content, ContinueMarker, "")
	return strings.TrimSpace(content)
}
