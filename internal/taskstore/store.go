// Package taskstore persists the per-conversation task list in Redis.
// It is the authoritative store of spec behavior: the controller always
// re-reads it before deciding whether a text-only round may stop, and
// every write is validated against the task-list invariants before
// being committed.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/metrics"
	"github.com/conductor-core/conductor/internal/tasklist"
)

// DefaultTTL keeps task lists around well past any realistic
// conversation lifetime; teardown deletes them explicitly.
const DefaultTTL = 7 * 24 * time.Hour

// Store reads and writes task lists keyed by conversation id. Reads
// always hit Redis; there is deliberately no local cache, because a
// stale in-memory copy risks declaring completion prematurely.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore connects to Redis at addr and verifies the connection.
func NewStore(addr, password string, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStoreWithClient(client, logger), nil
}

// NewStoreWithClient wraps an existing client (tests use miniredis).
func NewStoreWithClient(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger, ttl: DefaultTTL}
}

func key(conversationID string) string {
	return fmt.Sprintf("tasklist:%s", conversationID)
}

// Read returns the current task list for the conversation. A missing
// key is an empty list, not an error.
func (s *Store) Read(ctx context.Context, conversationID string) ([]tasklist.Item, error) {
	data, err := s.client.Get(ctx, key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task list: %w", err)
	}

	var items []tasklist.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task list: %w", err)
	}
	return items, nil
}

// Write replaces the whole list after validating the replacement
// against the stored state. On rejection the stored list is unchanged
// and the invariant violation is returned.
func (s *Store) Write(ctx context.Context, conversationID string, next []tasklist.Item) ([]tasklist.Item, error) {
	current, err := s.Read(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	validated, err := tasklist.Replace(current, next)
	if err != nil {
		metrics.TaskListWrites.WithLabelValues("write", "rejected").Inc()
		return nil, err
	}

	if err := s.save(ctx, conversationID, validated); err != nil {
		return nil, err
	}
	metrics.TaskListWrites.WithLabelValues("write", "ok").Inc()
	return validated, nil
}

// Update patches a single item in place.
func (s *Store) Update(ctx context.Context, conversationID string, upd tasklist.Update) ([]tasklist.Item, error) {
	current, err := s.Read(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	next, err := tasklist.Apply(current, upd)
	if err != nil {
		metrics.TaskListWrites.WithLabelValues("update", "rejected").Inc()
		return nil, err
	}

	if err := s.save(ctx, conversationID, next); err != nil {
		return nil, err
	}
	metrics.TaskListWrites.WithLabelValues("update", "ok").Inc()
	return next, nil
}

// Add appends items with auto-assigned ids.
func (s *Store) Add(ctx context.Context, conversationID string, additions []tasklist.Item) ([]tasklist.Item, error) {
	current, err := s.Read(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	next, err := tasklist.Add(current, additions)
	if err != nil {
		metrics.TaskListWrites.WithLabelValues("add", "rejected").Inc()
		return nil, err
	}

	if err := s.save(ctx, conversationID, next); err != nil {
		return nil, err
	}
	metrics.TaskListWrites.WithLabelValues("add", "ok").Inc()
	return next, nil
}

// Delete removes the conversation's list entirely (conversation
// teardown only; model-issued writes can never delete completed items).
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task list: %w", err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, conversationID string, items []tasklist.Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal task list: %w", err)
	}
	if err := s.client.Set(ctx, key(conversationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save task list: %w", err)
	}
	s.logger.Debug("Task list saved",
		zap.String("conversation_id", conversationID),
		zap.Int("items", len(items)),
	)
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
