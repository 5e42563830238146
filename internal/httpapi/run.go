package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/workflow"
)

// WorkflowRunner is the controller surface the run endpoint needs.
type WorkflowRunner interface {
	Run(ctx context.Context, in workflow.RunInput) (workflow.Outcome, error)
}

// RunHandler starts workflow runs over HTTP. Runs for the same
// conversation are serialized; different conversations proceed
// concurrently.
type RunHandler struct {
	runner WorkflowRunner
	logger *zap.Logger

	defaults workflow.RunInput

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRunHandler(runner WorkflowRunner, defaults workflow.RunInput, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		runner:   runner,
		logger:   logger,
		defaults: defaults,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (h *RunHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/workflows/run", h.handleRun)
}

type runRequest struct {
	ConversationID string        `json:"conversation_id"`
	WorkingDir     string        `json:"working_dir"`
	Message        string        `json:"message"`
	History        []llm.Message `json:"history,omitempty"`
	WorkflowMode   bool          `json:"workflow_mode,omitempty"`
}

type runResponse struct {
	StopReason string        `json:"stop_reason"`
	Content    string        `json:"content"`
	Warning    string        `json:"warning,omitempty"`
	Iterations int           `json:"iterations"`
	Transcript []llm.Message `json:"transcript"`
}

func (h *RunHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" || req.Message == "" {
		http.Error(w, `{"error":"conversation_id and message are required"}`, http.StatusBadRequest)
		return
	}

	lock := h.conversationLock(req.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	in := h.defaults
	in.ConversationID = req.ConversationID
	in.WorkingDir = req.WorkingDir
	in.UserRequest = req.Message
	in.History = req.History
	in.WorkflowMode = req.WorkflowMode

	out, err := h.runner.Run(r.Context(), in)
	if err != nil {
		h.logger.Error("Workflow run failed",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":       err.Error(),
			"stop_reason": string(workflow.StopErrored),
		})
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		StopReason: string(out.StopReason),
		Content:    out.Content,
		Warning:    out.Warning,
		Iterations: out.Iterations,
		Transcript: out.Transcript,
	})
}

func (h *RunHandler) conversationLock(conversationID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[conversationID] = lock
	}
	return lock
}
