package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-core/conductor/internal/budget"
	"github.com/conductor-core/conductor/internal/workflow"
)

type fakeRunner struct {
	inputs  []workflow.RunInput
	outcome workflow.Outcome
	err     error
}

func (f *fakeRunner) Run(_ context.Context, in workflow.RunInput) (workflow.Outcome, error) {
	f.inputs = append(f.inputs, in)
	return f.outcome, f.err
}

func TestRunHandler(t *testing.T) {
	runner := &fakeRunner{outcome: workflow.Outcome{
		StopReason: workflow.StopNaturalCompletion,
		Content:    "done",
		Iterations: 3,
	}}
	mux := http.NewServeMux()
	defaults := workflow.RunInput{Budget: budget.Config{MaxIterations: 12}}
	NewRunHandler(runner, defaults, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/workflows/run",
		strings.NewReader(`{"conversation_id":"conv-1","working_dir":"/ws/conv-1","message":"build it"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "natural_completion", resp.StopReason)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 3, resp.Iterations)

	require.Len(t, runner.inputs, 1)
	assert.Equal(t, "conv-1", runner.inputs[0].ConversationID)
	assert.Equal(t, "build it", runner.inputs[0].UserRequest)
	assert.Equal(t, 12, runner.inputs[0].Budget.MaxIterations)
}

func TestRunHandlerValidation(t *testing.T) {
	mux := http.NewServeMux()
	NewRunHandler(&fakeRunner{}, workflow.RunInput{}, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/workflows/run",
		strings.NewReader(`{"message":"no conversation"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandlerProviderError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("provider down")}
	mux := http.NewServeMux()
	NewRunHandler(runner, workflow.RunInput{}, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/workflows/run",
		strings.NewReader(`{"conversation_id":"conv-1","message":"go"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider down")
}
