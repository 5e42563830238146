// Package httpapi exposes the small operational surface of the core:
// listing and resolving pending approvals, and tearing down a
// conversation's resources.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/approval"
)

// ApprovalHandler resolves pending human-approval requests via HTTP.
type ApprovalHandler struct {
	broker *approval.Broker
	logger *zap.Logger
}

func NewApprovalHandler(broker *approval.Broker, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{broker: broker, logger: logger}
}

// RegisterRoutes registers approval routes on the provided mux.
func (h *ApprovalHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/approvals/pending", h.handlePending)
	mux.HandleFunc("/approvals/decision", h.handleDecision)
}

// approvalDecisionRequest is the expected payload for approval decisions.
type approvalDecisionRequest struct {
	ApprovalID      string `json:"approval_id"`
	Approved        bool   `json:"approved"`
	RememberSeconds int    `json:"remember_seconds,omitempty"`
	ApprovedBy      string `json:"approved_by,omitempty"`
}

func (h *ApprovalHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": h.broker.Pending(),
	})
}

func (h *ApprovalHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.ApprovalID == "" {
		http.Error(w, `{"error":"approval_id is required"}`, http.StatusBadRequest)
		return
	}

	decision := approval.DecisionDenied
	if req.Approved {
		decision = approval.DecisionApproved
	}
	err := h.broker.Respond(req.ApprovalID, approval.Response{
		Decision:    decision,
		RememberFor: time.Duration(req.RememberSeconds) * time.Second,
		RespondedBy: req.ApprovedBy,
	})
	if err != nil {
		http.Error(w, `{"error":"approval not found"}`, http.StatusNotFound)
		return
	}

	h.logger.Info("Approval decision received",
		zap.String("approval_id", req.ApprovalID),
		zap.Bool("approved", req.Approved),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "resolved"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
