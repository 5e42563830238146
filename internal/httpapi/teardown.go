package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Closer tears down one conversation's resources.
type Closer interface {
	Close(ctx context.Context, conversationID string) error
}

// TeardownHandler ends conversations over HTTP.
type TeardownHandler struct {
	closer Closer
	logger *zap.Logger
}

func NewTeardownHandler(closer Closer, logger *zap.Logger) *TeardownHandler {
	return &TeardownHandler{closer: closer, logger: logger}
}

func (h *TeardownHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/conversations/teardown", h.handleTeardown)
}

type teardownRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (h *TeardownHandler) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req teardownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		http.Error(w, `{"error":"conversation_id is required"}`, http.StatusBadRequest)
		return
	}

	if err := h.closer.Close(r.Context(), req.ConversationID); err != nil {
		h.logger.Error("Teardown failed",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		http.Error(w, `{"error":"teardown failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "closed"})
}
