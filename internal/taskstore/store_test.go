package taskstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/tasklist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStoreWithClient(client, zap.NewNop())
}

func TestReadMissingListIsEmpty(t *testing.T) {
	s := newTestStore(t)
	items, err := s.Read(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWriteThenRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	written, err := s.Write(ctx, "conv-1", []tasklist.Item{
		{ID: 1, Title: "investigate", Status: tasklist.StatusInProgress},
		{ID: 2, Title: "fix", Status: tasklist.StatusNotStarted, DependsOn: []int{1}},
	})
	require.NoError(t, err)
	require.Len(t, written, 2)

	got, err := s.Read(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, written, got)
}

func TestWriteCannotDeleteCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "conv-1", []tasklist.Item{{ID: 1, Status: tasklist.StatusCompleted}})
	require.NoError(t, err)

	_, err = s.Write(ctx, "conv-1", []tasklist.Item{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "would delete completed item 1")

	// stored state unchanged by the rejected write
	got, err := s.Read(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tasklist.StatusCompleted, got[0].Status)
}

func TestUpdateAndAdd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "conv-1", []tasklist.Item{{ID: 1, Status: tasklist.StatusNotStarted}})
	require.NoError(t, err)

	st := tasklist.StatusInProgress
	next, err := s.Update(ctx, "conv-1", tasklist.Update{ID: 1, Status: &st})
	require.NoError(t, err)
	assert.Equal(t, tasklist.StatusInProgress, next[0].Status)

	next, err = s.Add(ctx, "conv-1", []tasklist.Item{{Title: "follow-up"}})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, 2, next[1].ID)
}

func TestListsAreIsolatedPerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "conv-a", []tasklist.Item{{ID: 1, Status: tasklist.StatusNotStarted}})
	require.NoError(t, err)

	got, err := s.Read(ctx, "conv-b")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Delete(ctx, "conv-a"))
	got, err = s.Read(ctx, "conv-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}
