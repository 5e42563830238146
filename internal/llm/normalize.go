package llm

import "strings"

// continuationPlaceholder is inserted where a provider requires a user
// turn but the transcript has none at that position.
const continuationPlaceholder = "Continue."

// NormalizeOptions controls normalization for provider families with
// stricter ordering rules.
type NormalizeOptions struct {
	// RequireUserFirst inserts a placeholder user turn when the first
	// non-system message is assistant-authored.
	RequireUserFirst bool
}

// Normalize prepares a message sequence for providers that reject
// consecutive same-role turns. It merges adjacent same-role messages,
// drops messages with empty content (tool-result placeholders exempt),
// and guarantees the sequence does not end on an assistant turn, so the
// next assistant turn is valid. The transform is pure and idempotent:
// applying it twice yields the same result as applying it once.
func Normalize(messages []Message, opts NormalizeOptions) []Message {
	out := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Content == "" && len(msg.ToolCalls) == 0 && !msg.IsToolResult() {
			continue
		}
		if n := len(out); n > 0 && canMerge(out[n-1], msg) {
			out[n-1] = merge(out[n-1], msg)
			continue
		}
		out = append(out, msg)
	}

	if opts.RequireUserFirst {
		idx := firstNonSystem(out)
		if idx >= 0 && out[idx].Role == RoleAssistant {
			head := append([]Message{}, out[:idx]...)
			head = append(head, Message{Role: RoleUser, Content: continuationPlaceholder})
			out = append(head, out[idx:]...)
		}
	}

	if n := len(out); n > 0 && out[n-1].Role == RoleAssistant && len(out[n-1].ToolCalls) == 0 {
		out = append(out, Message{Role: RoleUser, Content: continuationPlaceholder})
	}

	return out
}

// canMerge reports whether two adjacent messages collapse into one turn.
// Tool results and assistant turns carrying tool calls keep their own
// message so the call/result pairing stays intact.
func canMerge(a, b Message) bool {
	if a.Role != b.Role {
		return false
	}
	if a.IsToolResult() || b.IsToolResult() {
		return false
	}
	if len(a.ToolCalls) > 0 || len(b.ToolCalls) > 0 {
		return false
	}
	return true
}

func merge(a, b Message) Message {
	sep := " "
	if strings.Contains(a.Content, "\n") || strings.Contains(b.Content, "\n") {
		sep = "\n"
	}
	switch {
	case a.Content == "":
		a.Content = b.Content
	case b.Content == "":
		// keep a.Content
	default:
		a.Content = a.Content + sep + b.Content
	}
	return a
}

func firstNonSystem(messages []Message) int {
	for i, m := range messages {
		if m.Role != RoleSystem {
			return i
		}
	}
	return -1
}
