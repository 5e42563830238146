package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/approval"
	"github.com/conductor-core/conductor/internal/auth"
	"github.com/conductor-core/conductor/internal/guidance"
	"github.com/conductor-core/conductor/internal/ptysession"
	"github.com/conductor-core/conductor/internal/taskstore"
)

// Teardown releases everything a conversation holds: pending approval
// waits resolve as canceled, the PTY session is terminated, grants and
// the auto-approve toggle are revoked, the guidance counter is cleared,
// and the task list is deleted. Safe to call for conversations that
// never acquired some of these.
type Teardown struct {
	Broker   *approval.Broker
	Sessions *ptysession.Manager
	Guard    *auth.Guard
	Guide    *guidance.Engine
	Tasks    *taskstore.Store
	Logger   *zap.Logger
}

func (t *Teardown) Close(ctx context.Context, conversationID string) error {
	// Unblock any in-flight approval wait first so a suspended workflow
	// resolves instead of hanging on a dead conversation.
	t.Broker.CancelConversation(conversationID)
	t.Guard.RevokeAll(conversationID)
	t.Guide.Reset(conversationID)

	var firstErr error
	if err := t.Sessions.CloseConversation(conversationID); err != nil {
		firstErr = err
		t.Logger.Warn("Session teardown failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	if err := t.Tasks.Delete(ctx, conversationID); err != nil && firstErr == nil {
		firstErr = err
	}

	t.Logger.Info("Conversation torn down", zap.String("conversation_id", conversationID))
	return firstErr
}
