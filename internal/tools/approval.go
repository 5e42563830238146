package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/conductor-core/conductor/internal/approval"
	"github.com/conductor-core/conductor/internal/toolargs"
)

// oneTimeGrantTTL bounds how long an un-remembered approval stays
// usable for the retry that follows it.
const oneTimeGrantTTL = 5 * time.Minute

// Granter is the slice of the guard the approval tool needs.
type Granter interface {
	Grant(conversationID, operationKey string, ttl time.Duration, oneTime bool)
}

// NewApprovalTool registers the human-approval tool. It is blocking:
// the whole workflow suspends until the human responds or the
// conversation is torn down. There is no timeout.
func NewApprovalTool(broker *approval.Broker, granter Granter) Registration {
	return Registration{
		Name:        "request_user_approval",
		Description: "Ask the user to approve an operation that requires authorization. Blocks until the user responds.",
		Serial:      true,
		Blocking:    true,
		Operations: map[string]Operation{
			"": {
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"operation_key": {Kind: toolargs.KindString, Required: true},
					"prompt":        {Kind: toolargs.KindString, Required: true},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					opKey, _ := args["operation_key"].AsString()
					prompt, _ := args["prompt"].AsString()

					resp, err := broker.Request(ctx, ec.ConversationID, opKey, prompt)
					if err != nil {
						return Result{Success: false, Output: "approval request canceled"}, nil
					}

					switch resp.Decision {
					case approval.DecisionApproved:
						ttl := resp.RememberFor
						oneTime := false
						if ttl <= 0 {
							ttl = oneTimeGrantTTL
							oneTime = true
						}
						granter.Grant(ec.ConversationID, opKey, ttl, oneTime)
						return Result{
							Success: true,
							Output:  fmt.Sprintf("user approved %s", opKey),
							Metadata: map[string]interface{}{
								"remembered_seconds": int(resp.RememberFor.Seconds()),
							},
						}, nil
					case approval.DecisionDenied:
						return Result{Success: false, Output: fmt.Sprintf("user denied %s", opKey)}, nil
					default:
						return Result{Success: false, Output: "approval request canceled"}, nil
					}
				},
			},
		},
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation_key": map[string]interface{}{
					"type":        "string",
					"description": "The operation that was reported as requiring authorization, e.g. terminal.run",
				},
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "A short, human-readable explanation of what will happen and why",
				},
			},
			"required": []string{"operation_key", "prompt"},
		},
	}
}
