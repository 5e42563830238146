// Package history persists an audit trail of workflow rounds to
// SQLite. The trail is append-only and best-effort; a write failure is
// logged and never aborts the workflow.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_rounds (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT    NOT NULL,
    round           INTEGER NOT NULL,
    kind            TEXT    NOT NULL,
    stop_reason     TEXT    NOT NULL DEFAULT '',
    content         TEXT    NOT NULL DEFAULT '',
    tool_calls      TEXT    NOT NULL DEFAULT '[]',
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workflow_rounds_conversation
    ON workflow_rounds (conversation_id, round);
`

// Round is one persisted workflow round.
type Round struct {
	ID             int64     `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Round          int       `db:"round"`
	Kind           string    `db:"kind"` // "tool" or "text"
	StopReason     string    `db:"stop_reason"`
	Content        string    `db:"content"`
	ToolCalls      string    `db:"tool_calls"` // JSON array of tool call names
	CreatedAt      time.Time `db:"created_at"`
}

// Store wraps the SQLite connection.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the database at path and ensures the
// schema exists.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewStoreWithDB wraps an existing connection, used by tests.
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Append records one round.
func (s *Store) Append(ctx context.Context, r Round) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_rounds (conversation_id, round, kind, stop_reason, content, tool_calls)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ConversationID, r.Round, r.Kind, r.StopReason, r.Content, r.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("append workflow round: %w", err)
	}
	return nil
}

// AppendToolRound is a convenience for rounds that executed tools.
func (s *Store) AppendToolRound(ctx context.Context, conversationID string, round int, toolNames []string) error {
	calls, err := json.Marshal(toolNames)
	if err != nil {
		return err
	}
	return s.Append(ctx, Round{
		ConversationID: conversationID,
		Round:          round,
		Kind:           "tool",
		ToolCalls:      string(calls),
	})
}

// ListByConversation returns a conversation's rounds in order.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]Round, error) {
	var rounds []Round
	err := s.db.SelectContext(ctx, &rounds,
		`SELECT id, conversation_id, round, kind, stop_reason, content, tool_calls, created_at
		 FROM workflow_rounds WHERE conversation_id = ? ORDER BY round ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow rounds: %w", err)
	}
	return rounds, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
