// Package approval brokers blocking human-approval requests between
// the workflow and the outer surface (CLI, API). A request suspends
// its caller until a human responds or the conversation is torn down;
// there is no timeout.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/metrics"
)

// Decision is the human's answer.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionCanceled Decision = "canceled"
)

// PendingRequest is an approval awaiting a human response.
type PendingRequest struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	OperationKey   string    `json:"operation_key"`
	Prompt         string    `json:"prompt"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Response is what the human (or teardown) resolves a request with.
type Response struct {
	Decision    Decision
	RememberFor time.Duration // when > 0 and approved, issue a standing grant
	RespondedBy string
}

type pending struct {
	req  PendingRequest
	ch   chan Response
	once sync.Once
}

func (p *pending) resolve(resp Response) {
	p.once.Do(func() {
		p.ch <- resp
		close(p.ch)
	})
}

// Broker tracks pending approvals in memory.
type Broker struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{logger: logger, pending: make(map[string]*pending)}
}

// Request registers an approval and blocks until it resolves. Context
// cancellation resolves it as canceled.
func (b *Broker) Request(ctx context.Context, conversationID, operationKey, prompt string) (Response, error) {
	p := &pending{
		req: PendingRequest{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			OperationKey:   operationKey,
			Prompt:         prompt,
			RequestedAt:    time.Now(),
		},
		ch: make(chan Response, 1),
	}

	b.mu.Lock()
	b.pending[p.req.ID] = p
	b.mu.Unlock()
	metrics.ApprovalsPending.Inc()

	b.logger.Info("Approval requested",
		zap.String("approval_id", p.req.ID),
		zap.String("conversation_id", conversationID),
		zap.String("operation_key", operationKey),
	)

	defer func() {
		b.mu.Lock()
		delete(b.pending, p.req.ID)
		b.mu.Unlock()
		metrics.ApprovalsPending.Dec()
	}()

	select {
	case resp := <-p.ch:
		metrics.ApprovalOutcomes.WithLabelValues(string(resp.Decision)).Inc()
		return resp, nil
	case <-ctx.Done():
		p.resolve(Response{Decision: DecisionCanceled})
		<-p.ch // drain in case the resolve above lost the race
		metrics.ApprovalOutcomes.WithLabelValues(string(DecisionCanceled)).Inc()
		return Response{Decision: DecisionCanceled}, ctx.Err()
	}
}

// Respond resolves a pending approval by id.
func (b *Broker) Respond(id string, resp Response) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval with id %s", id)
	}
	p.resolve(resp)
	b.logger.Info("Approval resolved",
		zap.String("approval_id", id),
		zap.String("decision", string(resp.Decision)),
		zap.String("responded_by", resp.RespondedBy),
	)
	return nil
}

// CancelConversation resolves every pending approval for a
// conversation as canceled. Used on teardown so blocked workflows
// never hang.
func (b *Broker) CancelConversation(conversationID string) {
	b.mu.Lock()
	var toCancel []*pending
	for _, p := range b.pending {
		if p.req.ConversationID == conversationID {
			toCancel = append(toCancel, p)
		}
	}
	b.mu.Unlock()
	for _, p := range toCancel {
		p.resolve(Response{Decision: DecisionCanceled})
	}
}

// Pending lists approvals awaiting a response, newest last.
func (b *Broker) Pending() []PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
