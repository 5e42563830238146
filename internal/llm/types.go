// Package llm defines the provider boundary for the workflow controller:
// message and tool-call types, the Provider interface, and the message
// alternation normalizer applied before every outgoing request.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model. Immutable once
// parsed from a provider response; the ID is opaque and provider-supplied.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one turn in a conversation transcript.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-result message back to the call that
	// produced it. Messages with a ToolCallID are kept by the
	// normalizer even when their content is still empty.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// IsToolResult reports whether the message carries (or will carry) the
// result of a tool call.
func (m Message) IsToolResult() bool {
	return m.ToolCallID != ""
}

// FinishReason reports why the provider ended the turn.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
)

// ToolDef describes one tool offered to the model. Parameters is the
// provider-facing JSON schema of the tool's arguments.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one outgoing provider call. Tools must already be in the
// registry's fixed order; providers must not reorder them (prompt-cache
// stability).
type Request struct {
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	Streaming bool      `json:"streaming,omitempty"`
}

// Response is the provider's completed turn. Streaming providers decode
// progressively but only return once a finish condition is known.
type Response struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
}

// Provider is the narrow interface the controller uses to reach an LLM.
// Concrete adapters (HTTP clients per vendor) live outside this module.
type Provider interface {
	Send(ctx context.Context, req Request) (*Response, error)
}
