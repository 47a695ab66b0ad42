package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/gateway"
	"github.com/mpataki/crew/internal/gateway/gatewaytest"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/workflow"
)

var twoStep = &models.Workflow{
	ID: "two",
	Steps: []*models.Step{
		{Agent: "pm", Command: "create-prd", Template: "prd-tmpl"},
		{Agent: "architect", Command: "create-architecture", Template: "architecture-tmpl"},
	},
}

func newTestServer(t *testing.T, fake *gatewaytest.Fake) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, reg, err := catalog.Defaults()
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:      cat,
		Registry:     reg,
		Workflows:    workflow.NewSet(twoStep),
		Storage:      store,
		Gateway:      fake,
		WorkspaceDir: filepath.Join(dir, "workspaces"),
	})
	require.NoError(t, err)
	return New(orch, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func startRun(t *testing.T, s *Server) *models.WorkflowRun {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/workflows", StartRequest{Definition: "two", Prompt: "todo app"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*models.WorkflowRun](t, w)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, gatewaytest.New())
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListAgents(t *testing.T) {
	s := newTestServer(t, gatewaytest.New())
	w := doJSON(t, s, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	agents := decode[[]models.AgentDefinition](t, w)
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, "pm")
	assert.Contains(t, ids, "qa")
}

func TestExecuteElicitationThenReply(t *testing.T) {
	fake := gatewaytest.New(
		gatewaytest.Elicit("Who is the audience?", "Consumers", "Enterprises"),
		gatewaytest.Document("PRD created", models.Artifact{Filename: "prd.md", Content: "# PRD"}),
	)
	s := newTestServer(t, fake)
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/execute", ExecuteRequest{
		WorkflowID: run.ID,
		Agent:      "pm",
		Command:    "create-prd",
		Prompt:     "todo app",
		Template:   "prd-tmpl",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[map[string]any](t, w)
	assert.Equal(t, "elicitation", out["kind"])
	assert.Equal(t, []any{"Consumers", "Enterprises"}, out["options"])

	w = doJSON(t, s, http.MethodPost, "/api/reply", ReplyRequest{WorkflowID: run.ID, Response: "1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out = decode[map[string]any](t, w)
	assert.Equal(t, "document", out["kind"])

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Consumers", reqs[1].Context["userResponse"])

	w = doJSON(t, s, http.MethodGet, "/api/history?workflow="+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]map[string]any](t, w)
	assert.Len(t, history, 2)
}

func TestExecuteValidationErrors(t *testing.T) {
	fake := gatewaytest.New()
	s := newTestServer(t, fake)
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/execute", ExecuteRequest{
		WorkflowID: run.ID,
		Agent:      "pm",
		Command:    "create-prd",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode[ErrorResponse](t, w).Error)

	w = doJSON(t, s, http.MethodPost, "/api/execute", map[string]string{"agent": "pm"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, w).Error)

	w = doJSON(t, s, http.MethodPost, "/api/execute", ExecuteRequest{
		WorkflowID: "missing",
		Agent:      "pm",
		Command:    "help",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Empty(t, fake.Requests())
}

func TestFailedOutcomeCarriesError(t *testing.T) {
	fake := gatewaytest.New(gatewaytest.Fail(&gatewayDown{}))
	s := newTestServer(t, fake)
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/execute", ExecuteRequest{
		WorkflowID: run.ID,
		Agent:      "dev",
		Command:    "help",
	})
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[map[string]any](t, w)
	assert.Equal(t, "failed", out["kind"])
	assert.Contains(t, out["error"], "backend down")
}

type gatewayDown struct{}

func (*gatewayDown) Error() string { return "backend down" }

func TestReplyWithoutPrompt(t *testing.T) {
	s := newTestServer(t, gatewaytest.New())
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/reply", ReplyRequest{WorkflowID: run.ID, Response: "yes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdvanceAndView(t *testing.T) {
	fake := gatewaytest.New(
		gatewaytest.Document("PRD created", models.Artifact{Filename: "prd.md", Content: "# PRD"}),
	)
	s := newTestServer(t, fake)
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/workflows/"+run.ID+"/advance", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "document", decode[map[string]any](t, w)["kind"])

	w = doJSON(t, s, http.MethodGet, "/api/workflows/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[orchestrator.View](t, w)
	assert.Equal(t, 1, view.Run.NextStep)
	require.Len(t, view.PendingHandoffs, 1)
	assert.Equal(t, "architect", view.PendingHandoffs[0].ToAgent)
	require.NotEmpty(t, view.Agents)
	assert.Equal(t, "pm", view.Agents[0].ID)

	w = doJSON(t, s, http.MethodPost, "/api/handoffs/"+view.PendingHandoffs[0].ID+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.HandoffCompleted, decode[models.Handoff](t, w).Status)

	w = doJSON(t, s, http.MethodPost, "/api/handoffs/nope/complete", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandoffsAndReset(t *testing.T) {
	s := newTestServer(t, gatewaytest.New())
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/handoffs", HandoffRequest{
		WorkflowID: run.ID,
		From:       "pm",
		To:         "architect",
		Payload:    map[string]any{"document": "prd.md"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	h := decode[models.Handoff](t, w)
	assert.Equal(t, models.HandoffPending, h.Status)

	w = doJSON(t, s, http.MethodPost, "/api/handoffs", HandoffRequest{
		WorkflowID: run.ID,
		From:       "pm",
		To:         "ghost",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/api/workflows/"+run.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/workflows/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[orchestrator.View](t, w).PendingHandoffs)
}

func TestNewConversation(t *testing.T) {
	s := newTestServer(t, gatewaytest.New())
	run := startRun(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/conversations/new", ConversationRequest{WorkflowID: run.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code, "no conversation to replace yet")

	w = doJSON(t, s, http.MethodPost, "/api/conversations/new", ConversationRequest{WorkflowID: run.ID, Agent: "pm"})
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[map[string]string](t, w)["conversationId"]
	assert.NotEmpty(t, first)

	w = doJSON(t, s, http.MethodPost, "/api/conversations/new", ConversationRequest{WorkflowID: run.ID, Agent: "pm"})
	assert.Equal(t, first, decode[map[string]string](t, w)["conversationId"])
}

func TestListWorkflowsAndMetadata(t *testing.T) {
	fake := gatewaytest.New()
	fake.Templates = []gateway.Template{{ID: "prd-tmpl", Name: "PRD"}}
	s := newTestServer(t, fake)
	startRun(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.WorkflowRun](t, w), 1)

	w = doJSON(t, s, http.MethodGet, "/api/workflows?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prd-tmpl", decode[[]gateway.Template](t, w)[0].ID)

	w = doJSON(t, s, http.MethodGet, "/api/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestNewLeavesGinModeAlone(t *testing.T) {
	newTestServer(t, gatewaytest.New())
	assert.Equal(t, gin.TestMode, gin.Mode())
}
