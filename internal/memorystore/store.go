// Package memorystore persists long-term memory records per
// conversation. The memory tool is registered requires-serial, so two
// appends from the same round can never interleave; the store itself
// only needs the single-writer guarantees Redis lists already provide.
package memorystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Record is one remembered fact or note.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store appends and queries memory records in Redis lists.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore connects to Redis at addr and verifies the connection.
func NewStore(addr, password string, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
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
	return &Store{client: client, logger: logger}
}

func key(conversationID string) string {
	return fmt.Sprintf("memory:%s", conversationID)
}

// Append stores a new record and returns it with id and timestamp set.
func (s *Store) Append(ctx context.Context, conversationID, text string, tags []string) (Record, error) {
	rec := Record{
		ID:        uuid.New().String(),
		Text:      text,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal memory record: %w", err)
	}
	if err := s.client.RPush(ctx, key(conversationID), data).Err(); err != nil {
		return Record{}, fmt.Errorf("failed to append memory record: %w", err)
	}
	s.logger.Debug("Memory record appended",
		zap.String("conversation_id", conversationID),
		zap.String("record_id", rec.ID),
	)
	return rec, nil
}

// List returns up to limit most recent records, newest last. limit <= 0
// returns everything.
func (s *Store) List(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, key(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list memory records: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.logger.Warn("Skipping unreadable memory record", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Search returns records whose text or tags contain the query,
// case-insensitively.
func (s *Store) Search(ctx context.Context, conversationID, query string) ([]Record, error) {
	all, err := s.List(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var hits []Record
	for _, rec := range all {
		if strings.Contains(strings.ToLower(rec.Text), q) {
			hits = append(hits, rec)
			continue
		}
		for _, tag := range rec.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				hits = append(hits, rec)
				break
			}
		}
	}
	return hits, nil
}

// Delete removes all records for a conversation (teardown).
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete memory records: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
