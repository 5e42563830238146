package history

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewStoreWithDB(sqlx.NewDb(mockDB, "sqlite3"), zap.NewNop()), mock
}

func TestAppend(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_rounds").
		WithArgs("conv-1", 1, "text", "natural_completion", "done", "[]").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(context.Background(), Round{
		ConversationID: "conv-1",
		Round:          1,
		Kind:           "text",
		StopReason:     "natural_completion",
		Content:        "done",
		ToolCalls:      "[]",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendToolRound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_rounds").
		WithArgs("conv-1", 2, "tool", "", "", `["task_list.write","terminal.run"]`).
		WillReturnResult(sqlmock.NewResult(2, 1))

	err := store.AppendToolRound(context.Background(), "conv-1", 2, []string{"task_list.write", "terminal.run"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByConversation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "conversation_id", "round", "kind", "stop_reason", "content", "tool_calls", "created_at"}).
		AddRow(1, "conv-1", 1, "tool", "", "", `["memory.append"]`, now).
		AddRow(2, "conv-1", 2, "text", "explicit_marker", "all done", "[]", now)

	mock.ExpectQuery("SELECT (.+) FROM workflow_rounds WHERE conversation_id").
		WithArgs("conv-1").
		WillReturnRows(rows)

	rounds, err := store.ListByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, "tool", rounds[0].Kind)
	assert.Equal(t, "explicit_marker", rounds[1].StopReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
