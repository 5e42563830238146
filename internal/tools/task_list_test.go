package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/tasklist"
	"github.com/conductor-core/conductor/internal/taskstore"
)

func newTaskListDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := taskstore.NewStoreWithClient(client, zap.NewNop())

	registry := NewRegistry()
	require.NoError(t, registry.Register(NewTaskListTool(store)))
	return NewDispatcher(registry, nil, zap.NewNop())
}

func call(t *testing.T, d *Dispatcher, args map[string]interface{}) Result {
	t.Helper()
	return d.Execute(context.Background(), llm.ToolCall{Name: "task_list", Arguments: args}, ExecContext{ConversationID: "conv-1"})
}

func TestTaskListWriteAndRead(t *testing.T) {
	d := newTaskListDispatcher(t)

	res := call(t, d, map[string]interface{}{
		"operation": "write",
		"items": []interface{}{
			map[string]interface{}{"id": 1, "title": "first", "status": "in_progress"},
			map[string]interface{}{"id": 2, "title": "second"},
		},
	})
	require.True(t, res.Success, res.Output)

	res = call(t, d, map[string]interface{}{"operation": "read"})
	require.True(t, res.Success)

	var items []tasklist.Item
	require.NoError(t, json.Unmarshal([]byte(res.Output), &items))
	require.Len(t, items, 2)
	assert.Equal(t, tasklist.StatusInProgress, items[0].Status)
	assert.Equal(t, tasklist.StatusNotStarted, items[1].Status)
	assert.Equal(t, true, res.Metadata["incomplete"])
}

func TestTaskListWriteCannotDeleteCompleted(t *testing.T) {
	d := newTaskListDispatcher(t)

	res := call(t, d, map[string]interface{}{
		"operation": "write",
		"items": []interface{}{
			map[string]interface{}{"id": 1, "title": "done", "status": "completed"},
		},
	})
	require.True(t, res.Success, res.Output)

	res = call(t, d, map[string]interface{}{
		"operation": "write",
		"items":     []interface{}{},
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "would delete completed item 1")

	res = call(t, d, map[string]interface{}{"operation": "read"})
	var items []tasklist.Item
	require.NoError(t, json.Unmarshal([]byte(res.Output), &items))
	require.Len(t, items, 1)
	assert.Equal(t, tasklist.StatusCompleted, items[0].Status)
}

func TestTaskListUpdateStatus(t *testing.T) {
	d := newTaskListDispatcher(t)

	call(t, d, map[string]interface{}{
		"operation": "write",
		"items": []interface{}{
			map[string]interface{}{"id": 1, "title": "work"},
		},
	})

	res := call(t, d, map[string]interface{}{"operation": "update", "id": 1, "status": "in_progress"})
	require.True(t, res.Success, res.Output)

	res = call(t, d, map[string]interface{}{"operation": "update", "id": 1, "status": "completed"})
	require.True(t, res.Success)
	assert.Equal(t, false, res.Metadata["incomplete"])
}

func TestTaskListAddContinuesIDs(t *testing.T) {
	d := newTaskListDispatcher(t)

	call(t, d, map[string]interface{}{
		"operation": "write",
		"items": []interface{}{
			map[string]interface{}{"id": 3, "title": "existing"},
		},
	})

	res := call(t, d, map[string]interface{}{
		"operation": "add",
		"items": []interface{}{
			map[string]interface{}{"title": "new item"},
		},
	})
	require.True(t, res.Success, res.Output)

	var items []tasklist.Item
	require.NoError(t, json.Unmarshal([]byte(res.Output), &items))
	require.Len(t, items, 2)
	assert.Equal(t, 4, items[1].ID)
}

func TestTaskListRejectsBadItems(t *testing.T) {
	d := newTaskListDispatcher(t)

	res := call(t, d, map[string]interface{}{
		"operation": "write",
		"items": []interface{}{
			map[string]interface{}{"id": 1},
		},
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "missing title")
}
