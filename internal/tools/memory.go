package tools

import (
	"context"
	"encoding/json"

	"github.com/conductor-core/conductor/internal/memorystore"
	"github.com/conductor-core/conductor/internal/toolargs"
)

// NewMemoryTool registers the consolidated long-term memory tool.
// Serial for the same reason as the task list: concurrent writes from
// one round must not race.
func NewMemoryTool(store *memorystore.Store) Registration {
	return Registration{
		Name:         "memory",
		Description:  "Store and retrieve long-term notes for this conversation. Operations: append, list, search, delete.",
		Consolidated: true,
		Serial:       true,
		Operations: map[string]Operation{
			"append": {
				Name: "append",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"text": {Kind: toolargs.KindString, Required: true},
					"tags": {Kind: toolargs.KindList},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					text, _ := args["text"].AsString()
					var tags []string
					if tv, ok := args["tags"]; ok {
						list, _ := tv.AsList()
						for _, t := range list {
							s, isStr := t.AsString()
							if !isStr {
								return Errorf("tags must be a list of strings"), nil
							}
							tags = append(tags, s)
						}
					}
					rec, err := store.Append(ctx, ec.ConversationID, text, tags)
					if err != nil {
						return Result{}, err
					}
					return recordsResult([]memorystore.Record{rec})
				},
			},
			"list": {
				Name: "list",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"limit": {Kind: toolargs.KindNumber},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					limit := 0
					if lv, ok := args["limit"]; ok {
						limit, _ = lv.AsInt()
					}
					recs, err := store.List(ctx, ec.ConversationID, limit)
					if err != nil {
						return Result{}, err
					}
					return recordsResult(recs)
				},
			},
			"search": {
				Name: "search",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"query": {Kind: toolargs.KindString, Required: true},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					query, _ := args["query"].AsString()
					recs, err := store.Search(ctx, ec.ConversationID, query)
					if err != nil {
						return Result{}, err
					}
					return recordsResult(recs)
				},
			},
			"delete": {
				Name:    "delete",
				Shape:   toolargs.Shape{},
				Guarded: true,
				Handler: func(ctx context.Context, _ map[string]toolargs.Value, ec ExecContext) (Result, error) {
					if err := store.Delete(ctx, ec.ConversationID); err != nil {
						return Result{}, err
					}
					return Result{Success: true, Output: "memory cleared"}, nil
				},
			},
		},
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation": map[string]interface{}{
					"type": "string",
					"enum": []string{"append", "list", "search", "delete"},
				},
				"text":  map[string]interface{}{"type": "string", "description": "Note text for append"},
				"tags":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"limit": map[string]interface{}{"type": "integer", "description": "Max records for list"},
				"query": map[string]interface{}{"type": "string", "description": "Search text"},
			},
			"required": []string{"operation"},
		},
	}
}

func recordsResult(recs []memorystore.Record) (Result, error) {
	data, err := json.Marshal(recs)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success:  true,
		Output:   string(data),
		Metadata: map[string]interface{}{"count": len(recs)},
	}, nil
}
