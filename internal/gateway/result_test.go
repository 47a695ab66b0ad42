package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/errs"
)

func TestDecodeElicitation(t *testing.T) {
	env, err := Decode([]byte(`{
		"success": true,
		"conversationId": "c-1",
		"result": {"type": "elicitation_request", "message": "What's the target audience?", "options": ["Consumers", "Enterprises"]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", env.ConversationID)

	req, ok := env.Result.(ElicitationRequest)
	require.True(t, ok)
	assert.Equal(t, "What's the target audience?", req.Message)
	assert.Equal(t, []string{"Consumers", "Enterprises"}, req.Options)
}

func TestDecodeDocumentCreated(t *testing.T) {
	env, err := Decode([]byte(`{
		"success": true,
		"result": {"type": "document_created", "message": "PRD ready", "artifact": {"filename": "prd.md", "content": "# PRD", "sections": 7}}
	}`))
	require.NoError(t, err)

	doc, ok := env.Result.(DocumentCreated)
	require.True(t, ok)
	assert.Equal(t, "PRD ready", doc.Message)
	assert.Equal(t, "prd.md", doc.Artifact.Filename)
	assert.Equal(t, "# PRD", doc.Artifact.Content)
	assert.Equal(t, float64(7), doc.Artifact.Extra["sections"])
	assert.NotContains(t, doc.Artifact.Extra, "filename")
}

func TestDecodeStandardResponse(t *testing.T) {
	env, err := Decode([]byte(`{"success": true, "workflowId": "wf-9", "result": {"output": "Here are my commands", "workflowId": "wf-9"}}`))
	require.NoError(t, err)

	resp, ok := env.Result.(Response)
	require.True(t, ok)
	assert.Equal(t, "Here are my commands", resp.Message)
	assert.Equal(t, "wf-9", env.StartedWorkflowID)
	assert.Equal(t, "Here are my commands", resp.Raw["output"])
}

func TestDecodeDoesNotSniffContent(t *testing.T) {
	// A plain response that merely mentions options is still a plain response.
	env, err := Decode([]byte(`{"success": true, "result": {"message": "Pick one", "options": ["a", "b"]}}`))
	require.NoError(t, err)
	_, ok := env.Result.(Response)
	assert.True(t, ok)
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		transport bool
	}{
		{name: "not json", body: `<html>oops</html>`},
		{name: "missing result", body: `{"success": true}`},
		{name: "null result", body: `{"success": true, "result": null}`},
		{name: "result not object", body: `{"success": true, "result": "done"}`},
		{name: "unknown type", body: `{"success": true, "result": {"type": "telepathy"}}`},
		{name: "elicitation without message", body: `{"success": true, "result": {"type": "elicitation_request"}}`},
		{name: "document without artifact", body: `{"success": true, "result": {"type": "document_created"}}`},
		{name: "unsuccessful", body: `{"success": false, "error": "agent crashed"}`, transport: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			require.Error(t, err)
			if tt.transport {
				assert.True(t, errs.IsTransport(err))
				assert.Contains(t, err.Error(), "agent crashed")
			} else {
				assert.True(t, errs.IsProtocol(err), err.Error())
			}
		})
	}
}
