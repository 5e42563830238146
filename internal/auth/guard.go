// Package auth implements the two-layer authorization guard. Layer 0
// delegates agent-initiated operations to the policy engine; layer 1
// applies the built-in rules: user-initiated operations pass, paths
// must stay inside the conversation's working directory, and anything
// else needs an auto-approve toggle or a standing grant from a prior
// user approval.
package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/metrics"
	"github.com/conductor-core/conductor/internal/policy"
)

// Grant is a standing permission issued when the user approves an
// operation and asks to remember the decision.
type Grant struct {
	ConversationID string
	OperationKey   string
	IssuedAt       time.Time
	TTL            time.Duration
	OneTime        bool
}

// Expired reports whether the grant is no longer usable at now. A
// grant is valid strictly before IssuedAt+TTL.
func (g Grant) Expired(now time.Time) bool {
	return !now.Before(g.IssuedAt.Add(g.TTL))
}

// Request describes one operation the guard must authorize.
type Request struct {
	ConversationID string
	OperationKey   string
	TargetPath     string
	WorkingDir     string
	UserInitiated  bool
}

// Verdict is the guard's answer. When Authorized is false and Prompt
// is set, the dispatcher should surface an approval request rather
// than a hard denial.
type Verdict struct {
	Authorized bool
	Reason     string
	Prompt     bool
}

// Guard evaluates authorization requests. Grants and auto-approve
// toggles are in-memory, scoped per conversation, and protected by a
// single lock; they are never persisted.
type Guard struct {
	logger *zap.Logger
	policy policy.Engine

	mu          sync.Mutex
	grants      map[string]map[string]Grant
	autoApprove map[string]bool

	now func() time.Time
}

// NewGuard creates a guard. The policy engine may be nil, in which
// case layer 0 is skipped entirely.
func NewGuard(policyEngine policy.Engine, logger *zap.Logger) *Guard {
	return &Guard{
		logger:      logger,
		policy:      policyEngine,
		grants:      make(map[string]map[string]Grant),
		autoApprove: make(map[string]bool),
		now:         time.Now,
	}
}

// Authorize runs both layers in order and returns the first final
// verdict.
func (g *Guard) Authorize(ctx context.Context, req Request) Verdict {
	// Layer 0: policy engine, agent-initiated operations only. A deny
	// is final; require_approval short-circuits straight to a prompt.
	if g.policy != nil && g.policy.IsEnabled() && !req.UserInitiated {
		decision, err := g.policy.Evaluate(ctx, &policy.Input{
			ConversationID: req.ConversationID,
			OperationKey:   req.OperationKey,
			TargetPath:     req.TargetPath,
			WorkingDir:     req.WorkingDir,
			UserInitiated:  req.UserInitiated,
			Timestamp:      g.now(),
		})
		if err != nil {
			g.logger.Error("Policy evaluation error",
				zap.String("operation_key", req.OperationKey),
				zap.Error(err),
			)
		}
		if decision != nil {
			if !decision.Allow {
				metrics.GuardDecisions.WithLabelValues("policy", "deny").Inc()
				return Verdict{Authorized: false, Reason: decision.Reason}
			}
			if decision.RequireApproval {
				metrics.GuardDecisions.WithLabelValues("policy", "prompt").Inc()
				return Verdict{Authorized: false, Reason: decision.Reason, Prompt: true}
			}
		}
	}

	// Layer 1: built-in rules.
	if req.UserInitiated {
		metrics.GuardDecisions.WithLabelValues("builtin", "allow").Inc()
		return Verdict{Authorized: true, Reason: "user initiated"}
	}

	if req.TargetPath != "" {
		ok, reason := insideBoundary(req.WorkingDir, req.TargetPath)
		if !ok {
			metrics.GuardDecisions.WithLabelValues("builtin", "prompt").Inc()
			return Verdict{Authorized: false, Reason: reason, Prompt: true}
		}
		// The working directory is the sandbox: anything resolving
		// inside it is auto-approved.
		metrics.GuardDecisions.WithLabelValues("builtin", "allow").Inc()
		return Verdict{Authorized: true, Reason: "inside working directory"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.autoApprove[req.ConversationID] {
		metrics.GuardDecisions.WithLabelValues("builtin", "allow").Inc()
		return Verdict{Authorized: true, Reason: "auto-approve enabled"}
	}

	if convGrants, ok := g.grants[req.ConversationID]; ok {
		if grant, ok := convGrants[req.OperationKey]; ok {
			if grant.Expired(g.now()) {
				delete(convGrants, req.OperationKey)
				metrics.GrantsExpired.Inc()
			} else {
				if grant.OneTime {
					delete(convGrants, req.OperationKey)
				}
				metrics.GuardDecisions.WithLabelValues("builtin", "allow").Inc()
				return Verdict{Authorized: true, Reason: "covered by grant"}
			}
		}
	}

	metrics.GuardDecisions.WithLabelValues("builtin", "prompt").Inc()
	return Verdict{
		Authorized: false,
		Reason:     fmt.Sprintf("operation %q requires user approval", req.OperationKey),
		Prompt:     true,
	}
}

// Grant records a standing permission for one operation key.
func (g *Guard) Grant(conversationID, operationKey string, ttl time.Duration, oneTime bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	convGrants, ok := g.grants[conversationID]
	if !ok {
		convGrants = make(map[string]Grant)
		g.grants[conversationID] = convGrants
	}
	convGrants[operationKey] = Grant{
		ConversationID: conversationID,
		OperationKey:   operationKey,
		IssuedAt:       g.now(),
		TTL:            ttl,
		OneTime:        oneTime,
	}
	metrics.GrantsIssued.Inc()
	g.logger.Info("Grant issued",
		zap.String("conversation_id", conversationID),
		zap.String("operation_key", operationKey),
		zap.Duration("ttl", ttl),
		zap.Bool("one_time", oneTime),
	)
}

// RevokeAll drops every grant and the auto-approve toggle for a
// conversation.
func (g *Guard) RevokeAll(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, conversationID)
	delete(g.autoApprove, conversationID)
}

// SetAutoApprove toggles blanket approval for agent-initiated
// operations in one conversation.
func (g *Guard) SetAutoApprove(conversationID string, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled {
		g.autoApprove[conversationID] = true
	} else {
		delete(g.autoApprove, conversationID)
	}
}

// insideBoundary reports whether target resolves inside workdir.
// Relative targets resolve against workdir; the check is done on the
// lexically cleaned relative path so a sibling directory sharing the
// workdir name as a prefix ("/ws/conv-1-evil" vs "/ws/conv-1") is
// rejected.
func insideBoundary(workdir, target string) (bool, string) {
	if workdir == "" {
		return false, "no working directory configured"
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(workdir, target)
	}
	rel, err := filepath.Rel(workdir, filepath.Clean(target))
	if err != nil {
		return false, fmt.Sprintf("path %q cannot be resolved against working directory", target)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, fmt.Sprintf("path %q is outside the working directory", target)
	}
	return true, ""
}
