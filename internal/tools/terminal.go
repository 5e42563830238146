package tools

import (
	"context"
	"time"

	"github.com/conductor-core/conductor/internal/ptysession"
	"github.com/conductor-core/conductor/internal/toolargs"
)

// outputSettle is how long terminal.run waits for the shell's output
// to stop growing before returning. Long-running commands keep writing
// after this window; callers pick the rest up with read_output.
const outputSettle = 200 * time.Millisecond

// outputWait bounds the total time run spends waiting for output.
const outputWait = 5 * time.Second

// NewTerminalTool registers the persistent shell tool. Serial so two
// commands from the same round cannot interleave on one PTY. The run
// operation is guarded: an autonomous shell command needs a grant or
// explicit approval.
func NewTerminalTool(mgr *ptysession.Manager) Registration {
	return Registration{
		Name:         "terminal",
		Description:  "Run commands in a persistent interactive shell. Operations: run, read_output, scrollback. Input to run must end with a newline.",
		Consolidated: true,
		Serial:       true,
		Operations: map[string]Operation{
			"run": {
				Name: "run",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"input": {Kind: toolargs.KindString, Required: true},
				}},
				Guarded: true,
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					input, _ := args["input"].AsString()
					s, err := mgr.Acquire(ec.ConversationID, ec.WorkingDir)
					if err != nil {
						return Result{}, err
					}
					if err := s.Send(input); err != nil {
						return Result{}, err
					}
					out := awaitQuiescence(ctx, s)
					_, offset := s.OutputFrom(-1)
					return Result{
						Success:  true,
						Output:   out,
						Metadata: map[string]interface{}{"offset": offset},
					}, nil
				},
			},
			"read_output": {
				Name: "read_output",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"offset": {Kind: toolargs.KindNumber},
				}},
				Handler: func(_ context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					s, ok := mgr.Get(ec.ConversationID)
					if !ok {
						return Errorf("no terminal session for this conversation"), nil
					}
					offset := 0
					if ov, exists := args["offset"]; exists {
						offset, _ = ov.AsInt()
					}
					out, next := s.OutputFrom(offset)
					return Result{
						Success:  true,
						Output:   out,
						Metadata: map[string]interface{}{"offset": next},
					}, nil
				},
			},
			"scrollback": {
				Name:  "scrollback",
				Shape: toolargs.Shape{},
				Handler: func(_ context.Context, _ map[string]toolargs.Value, ec ExecContext) (Result, error) {
					s, ok := mgr.Get(ec.ConversationID)
					if !ok {
						return Errorf("no terminal session for this conversation"), nil
					}
					return Result{Success: true, Output: s.Scrollback()}, nil
				},
			},
		},
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation": map[string]interface{}{
					"type": "string",
					"enum": []string{"run", "read_output", "scrollback"},
				},
				"input":  map[string]interface{}{"type": "string", "description": "Shell input including its trailing newline"},
				"offset": map[string]interface{}{"type": "integer", "description": "Scrollback offset for read_output"},
			},
			"required": []string{"operation"},
		},
	}
}

// awaitQuiescence returns the output of the last command once it stops
// growing, or whatever has accumulated when the wait bound is hit.
func awaitQuiescence(ctx context.Context, s *ptysession.Session) string {
	deadline := time.After(outputWait)
	last := s.LastOutput()
	for {
		select {
		case <-ctx.Done():
			return s.LastOutput()
		case <-deadline:
			return s.LastOutput()
		case <-time.After(outputSettle):
			cur := s.LastOutput()
			if cur == last && cur != "" {
				return cur
			}
			last = cur
		}
	}
}
