package tools

import (
	"context"
	"fmt"

	"github.com/conductor-core/conductor/internal/toolargs"
)

// NewIterationsTool registers the budget-extension tool. Extensions
// come from the budget manager and are capped by configuration; the
// tool cannot raise the ceiling arbitrarily.
func NewIterationsTool() Registration {
	return Registration{
		Name:        "request_iterations",
		Description: "Request additional workflow iterations when the remaining budget is too small to finish the task.",
		Serial:      true,
		Operations: map[string]Operation{
			"": {
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"reason": {Kind: toolargs.KindString, Required: true},
				}},
				Handler: func(_ context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					reason, _ := args["reason"].AsString()
					if ec.Budget == nil {
						return Errorf("no iteration budget attached to this workflow"), nil
					}
					granted, err := ec.Budget.RequestExtension()
					if err != nil {
						return Errorf("extension refused: %v", err), nil
					}
					return Result{
						Success: true,
						Output:  fmt.Sprintf("granted %d additional iterations (%d remaining)", granted, ec.Budget.Remaining()),
						Metadata: map[string]interface{}{
							"granted":   granted,
							"remaining": ec.Budget.Remaining(),
							"reason":    reason,
						},
					}, nil
				},
			},
		},
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Why the remaining budget is insufficient",
				},
			},
			"required": []string{"reason"},
		},
	}
}
