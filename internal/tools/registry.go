// Package tools holds the tool registry, the dispatcher, and the
// built-in consolidated tools. Registrations are static configuration
// created at startup; the registry keeps a fixed total ordering over
// them so the tool list presented to the model never changes between
// requests (prompt-cache stability).
package tools

import (
	"context"
	"fmt"

	"github.com/conductor-core/conductor/internal/budget"
	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/toolargs"
)

// ExecContext carries per-call context into every tool handler.
type ExecContext struct {
	ConversationID string
	WorkingDir     string
	UserInitiated  bool
	// OriginalRequest is the user's request text, carried for audit.
	OriginalRequest string
	Budget          *budget.Manager
}

// Result is the uniform outcome of one tool execution. Authorization
// requirements are a control-flow branch, not a failure: the result
// carries the verdict and a human-facing prompt instead of an error.
type Result struct {
	Success               bool                   `json:"success"`
	Output                string                 `json:"output"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	AuthorizationRequired bool                   `json:"authorization_required,omitempty"`
	Prompt                string                 `json:"prompt,omitempty"`
}

// Errorf builds a failed result whose output carries the error text so
// the model can read it and adapt.
func Errorf(format string, args ...interface{}) Result {
	return Result{Success: false, Output: fmt.Sprintf(format, args...)}
}

// Handler executes one operation with validated arguments.
type Handler func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error)

// Operation is one named sub-behavior of a tool.
type Operation struct {
	Name  string
	Shape toolargs.Shape
	// Guarded operations are checked against the authorization guard
	// before execution. PathArg names the argument carrying the target
	// path, if any.
	Guarded bool
	PathArg string
	Handler Handler
}

// Registration is one tool's static configuration.
type Registration struct {
	Name         string
	Description  string
	Consolidated bool
	// Serial tools never run two calls concurrently. Blocking tools
	// suspend the whole workflow until they resolve.
	Serial   bool
	Blocking bool
	// Operations keyed by operation name. Single-purpose tools register
	// exactly one operation under the empty key.
	Operations map[string]Operation
	// Parameters is the provider-facing JSON schema for this tool.
	Parameters map[string]interface{}
}

// Registry holds registrations in a fixed registration order. It is
// constructed once at startup and passed explicitly to the dispatcher
// and controller; there is no ambient global registry.
type Registry struct {
	order  []string
	byName map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Registration)}
}

// Register adds a tool. Duplicate names are a programming error.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("tool registration requires a name")
	}
	if _, exists := r.byName[reg.Name]; exists {
		return fmt.Errorf("tool %q is already registered", reg.Name)
	}
	if len(reg.Operations) == 0 {
		return fmt.Errorf("tool %q registers no operations", reg.Name)
	}
	r.order = append(r.order, reg.Name)
	r.byName[reg.Name] = reg
	return nil
}

// Get looks up a registration by exact name.
func (r *Registry) Get(name string) (Registration, bool) {
	reg, ok := r.byName[name]
	return reg, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns provider-facing tool definitions in registration
// order, always the same order for the same registry.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		reg := r.byName[name]
		defs = append(defs, llm.ToolDef{
			Name:        reg.Name,
			Description: reg.Description,
			Parameters:  reg.Parameters,
		})
	}
	return defs
}
