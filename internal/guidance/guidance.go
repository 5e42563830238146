// Package guidance synthesizes the short continuation directive
// appended to each LLM request. One directive per round, chosen by a
// 2x2 table on (incomplete todos, tools used last round), with
// graduated escalation when incomplete todos persist without progress.
package guidance

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/metrics"
)

// Escalation levels for persistent stalls.
const (
	levelReminder = iota
	levelWarning
	levelFinalWarning
)

const (
	directiveTodosTools = "You have incomplete todo items. Follow the required sequence for each: " +
		"mark the item in_progress before starting work on it, perform the work, then mark it " +
		"completed immediately after finishing. Do not batch completions."

	directiveTodosNoTools = "You have incomplete todo items but made no tool calls last round. A " +
		"text-only response is only acceptable if it directly answered the user's question. " +
		"Otherwise you must act now: use your tools to make progress on the next todo item."

	directiveNoTodosTools = "All todo items are complete. Decide whether further tool use is needed " +
		"to finish the task, or respond to the user with your result. Do not repeat an answer you " +
		"have already given."

	directiveNoTodosNoTools = "You produced a text-only response with no pending todo items. Either " +
		"that was your final answer to the user, or you must act via tools now. Do not continue " +
		"producing text without taking action."
)

var stallEscalation = [...]string{
	levelReminder: "Reminder: you have made no progress on your todo items this round. Pick the " +
		"next incomplete item, mark it in_progress, and work on it.",
	levelWarning: "Warning: you have produced multiple consecutive rounds without completing any " +
		"todo item. This looks like a loop. Stop planning and execute: make tool calls that move " +
		"the next incomplete item toward completion.",
	levelFinalWarning: "Final warning: continued rounds without todo progress will cause this " +
		"workflow to be judged failed. You must complete a todo item or explicitly report why " +
		"you cannot.",
}

var variantNames = map[[2]bool]string{
	{true, true}:   "todos_tools",
	{true, false}:  "todos_no_tools",
	{false, true}:  "no_todos_tools",
	{false, false}: "no_todos_no_tools",
}

// Engine tracks per-conversation stall counters and produces
// directives. Counters are in-memory; they reset with the process,
// which is acceptable because a fresh run starts at the mildest level
// anyway. One engine serves every conversation, so the counter map is
// guarded by a lock.
type Engine struct {
	logger *zap.Logger

	mu     sync.Mutex
	stalls map[string]int
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger, stalls: make(map[string]int)}
}

// Round is the observed outcome of the previous workflow round.
type Round struct {
	ConversationID string
	HasIncomplete  bool
	UsedTools      bool
	// CompletedDelta is the number of todo items newly completed this
	// round. Any completion is progress and resets escalation, even on
	// an otherwise text-only round.
	CompletedDelta int
}

// Directive returns exactly one guidance string for the next request.
func (e *Engine) Directive(r Round) string {
	metrics.GuidanceDirectives.WithLabelValues(variantNames[[2]bool{r.HasIncomplete, r.UsedTools}]).Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	if r.CompletedDelta > 0 {
		e.stalls[r.ConversationID] = 0
	}

	base := e.selectVariant(r)
	if !r.HasIncomplete || r.CompletedDelta > 0 || r.UsedTools {
		if !r.HasIncomplete {
			// No pending work means no stall to track.
			e.stalls[r.ConversationID] = 0
		}
		return base
	}

	// Incomplete todos, no tools, no completions: one more stalled
	// round. Escalation caps at the final warning.
	e.stalls[r.ConversationID]++
	level := e.stalls[r.ConversationID] - 1
	if level > levelFinalWarning {
		level = levelFinalWarning
	}
	metrics.GuidanceEscalations.WithLabelValues(fmt.Sprintf("%d", level)).Inc()
	e.logger.Debug("Guidance escalation",
		zap.String("conversation_id", r.ConversationID),
		zap.Int("level", level),
	)
	return base + " " + stallEscalation[level]
}

// Reset clears the stall counter for a conversation, e.g. on teardown.
func (e *Engine) Reset(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stalls, conversationID)
}

func (e *Engine) selectVariant(r Round) string {
	switch {
	case r.HasIncomplete && r.UsedTools:
		return directiveTodosTools
	case r.HasIncomplete && !r.UsedTools:
		return directiveTodosNoTools
	case !r.HasIncomplete && r.UsedTools:
		return directiveNoTodosTools
	default:
		return directiveNoTodosNoTools
	}
}
