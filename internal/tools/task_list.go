package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conductor-core/conductor/internal/tasklist"
	"github.com/conductor-core/conductor/internal/taskstore"
	"github.com/conductor-core/conductor/internal/toolargs"
)

var statusEnum = []string{
	string(tasklist.StatusNotStarted),
	string(tasklist.StatusInProgress),
	string(tasklist.StatusCompleted),
	string(tasklist.StatusBlocked),
}

// NewTaskListTool registers the consolidated task list tool. It is
// serial: two writes from the same round must never race.
func NewTaskListTool(store *taskstore.Store) Registration {
	return Registration{
		Name:         "task_list",
		Description:  "Read and maintain the todo list for the current task. Operations: read, write, update, add.",
		Consolidated: true,
		Serial:       true,
		Operations: map[string]Operation{
			"read": {
				Name:  "read",
				Shape: toolargs.Shape{},
				Handler: func(ctx context.Context, _ map[string]toolargs.Value, ec ExecContext) (Result, error) {
					items, err := store.Read(ctx, ec.ConversationID)
					if err != nil {
						return Result{}, err
					}
					return itemsResult(items)
				},
			},
			"write": {
				Name: "write",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"items": {Kind: toolargs.KindList, Required: true},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					items, err := parseItems(args["items"], true)
					if err != nil {
						return Errorf("%v", err), nil
					}
					next, err := store.Write(ctx, ec.ConversationID, items)
					if err != nil {
						return rejection(err), nil
					}
					return itemsResult(next)
				},
			},
			"update": {
				Name: "update",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"id":             {Kind: toolargs.KindNumber, Required: true},
					"title":          {Kind: toolargs.KindString},
					"description":    {Kind: toolargs.KindString},
					"status":         {Kind: toolargs.KindString, Enum: statusEnum},
					"priority":       {Kind: toolargs.KindString},
					"depends_on":     {Kind: toolargs.KindList},
					"blocked_reason": {Kind: toolargs.KindString},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					upd, err := parseUpdate(args)
					if err != nil {
						return Errorf("%v", err), nil
					}
					next, err := store.Update(ctx, ec.ConversationID, upd)
					if err != nil {
						return rejection(err), nil
					}
					return itemsResult(next)
				},
			},
			"add": {
				Name: "add",
				Shape: toolargs.Shape{Fields: map[string]toolargs.FieldSpec{
					"items": {Kind: toolargs.KindList, Required: true},
				}},
				Handler: func(ctx context.Context, args map[string]toolargs.Value, ec ExecContext) (Result, error) {
					items, err := parseItems(args["items"], false)
					if err != nil {
						return Errorf("%v", err), nil
					}
					next, err := store.Add(ctx, ec.ConversationID, items)
					if err != nil {
						return rejection(err), nil
					}
					return itemsResult(next)
				},
			},
		},
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation": map[string]interface{}{
					"type": "string",
					"enum": []string{"read", "write", "update", "add"},
				},
				"items": map[string]interface{}{
					"type":        "array",
					"description": "Todo items for write/add",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"id":             map[string]interface{}{"type": "integer"},
							"title":          map[string]interface{}{"type": "string"},
							"description":    map[string]interface{}{"type": "string"},
							"status":         map[string]interface{}{"type": "string", "enum": statusEnum},
							"priority":       map[string]interface{}{"type": "string"},
							"depends_on":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}},
							"blocked_reason": map[string]interface{}{"type": "string"},
						},
					},
				},
				"id":             map[string]interface{}{"type": "integer", "description": "Item id for update"},
				"title":          map[string]interface{}{"type": "string"},
				"description":    map[string]interface{}{"type": "string"},
				"status":         map[string]interface{}{"type": "string", "enum": statusEnum},
				"priority":       map[string]interface{}{"type": "string"},
				"depends_on":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}},
				"blocked_reason": map[string]interface{}{"type": "string"},
			},
			"required": []string{"operation"},
		},
	}
}

// rejection converts an invariant violation into a failed result the
// model can read and correct. The stored list is unchanged.
func rejection(err error) Result {
	return Result{Success: false, Output: err.Error()}
}

func itemsResult(items []tasklist.Item) (Result, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Output:  string(data),
		Metadata: map[string]interface{}{
			"incomplete": tasklist.HasIncomplete(items),
			"count":      len(items),
		},
	}, nil
}

func parseItems(v toolargs.Value, requireID bool) ([]tasklist.Item, error) {
	list, _ := v.AsList()
	items := make([]tasklist.Item, 0, len(list))
	for i, e := range list {
		item, err := parseItem(e, requireID)
		if err != nil {
			return nil, fmt.Errorf("item %d: %v", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func parseItem(v toolargs.Value, requireID bool) (tasklist.Item, error) {
	m, ok := v.AsMap()
	if !ok {
		return tasklist.Item{}, fmt.Errorf("expected an object, got %s", v.Kind())
	}
	var item tasklist.Item
	item.Status = tasklist.StatusNotStarted

	if idv, ok := m["id"]; ok {
		id, isInt := idv.AsInt()
		if !isInt {
			return tasklist.Item{}, fmt.Errorf("id must be an integer")
		}
		item.ID = id
	} else if requireID {
		return tasklist.Item{}, fmt.Errorf("missing id")
	}

	title, ok := m["title"].AsString()
	if !ok || title == "" {
		return tasklist.Item{}, fmt.Errorf("missing title")
	}
	item.Title = title

	if dv, ok := m["description"]; ok {
		item.Description, _ = dv.AsString()
	}
	if sv, ok := m["status"]; ok {
		s, _ := sv.AsString()
		item.Status = tasklist.Status(s)
	}
	if pv, ok := m["priority"]; ok {
		item.Priority, _ = pv.AsString()
	}
	if bv, ok := m["blocked_reason"]; ok {
		item.BlockedReason, _ = bv.AsString()
	}
	if depv, ok := m["depends_on"]; ok {
		deps, isList := depv.AsList()
		if !isList {
			return tasklist.Item{}, fmt.Errorf("depends_on must be a list of integers")
		}
		for _, d := range deps {
			id, isInt := d.AsInt()
			if !isInt {
				return tasklist.Item{}, fmt.Errorf("depends_on must be a list of integers")
			}
			item.DependsOn = append(item.DependsOn, id)
		}
	}
	return item, nil
}

func parseUpdate(args map[string]toolargs.Value) (tasklist.Update, error) {
	var upd tasklist.Update
	id, ok := args["id"].AsInt()
	if !ok {
		return upd, fmt.Errorf("id must be an integer")
	}
	upd.ID = id

	if v, ok := args["title"]; ok {
		s, _ := v.AsString()
		upd.Title = &s
	}
	if v, ok := args["description"]; ok {
		s, _ := v.AsString()
		upd.Description = &s
	}
	if v, ok := args["status"]; ok {
		s, _ := v.AsString()
		st := tasklist.Status(s)
		upd.Status = &st
	}
	if v, ok := args["priority"]; ok {
		s, _ := v.AsString()
		upd.Priority = &s
	}
	if v, ok := args["blocked_reason"]; ok {
		s, _ := v.AsString()
		upd.BlockedReason = &s
	}
	if v, ok := args["depends_on"]; ok {
		deps, _ := v.AsList()
		for _, d := range deps {
			id, isInt := d.AsInt()
			if !isInt {
				return upd, fmt.Errorf("depends_on must be a list of integers")
			}
			upd.DependsOn = append(upd.DependsOn, id)
		}
	}
	return upd, nil
}
