// Package gateway is the client side of the command execution boundary.
// Replies are decoded once here into a closed set of result types.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/models"
)

const (
	TypeElicitationRequest = "elicitation_request"
	TypeDocumentCreated    = "document_created"
)

// Result is implemented only by Response, ElicitationRequest and DocumentCreated.
type Result interface {
	isResult()
}

// Response is a plain terminal reply.
type Response struct {
	Message string
	Raw     map[string]any
}

// ElicitationRequest asks the user for more input before the agent can finish.
type ElicitationRequest struct {
	Message string
	Options []string
}

// DocumentCreated is a terminal reply carrying a produced artifact.
type DocumentCreated struct {
	Message  string
	Artifact models.Artifact
}

func (Response) isResult()           {}
func (ElicitationRequest) isResult() {}
func (DocumentCreated) isResult()    {}

// Envelope is a decoded successful reply.
type Envelope struct {
	Result         Result
	ConversationID string
	WorkflowID     string
	// StartedWorkflowID is set when the backend reports that this command
	// started a new tracked workflow.
	StartedWorkflowID string
}

type wireResponse struct {
	Success        bool            `json:"success"`
	Result         json.RawMessage `json:"result"`
	ConversationID string          `json:"conversationId"`
	WorkflowID     string          `json:"workflowId"`
	Error          string          `json:"error"`
}

type wireResult struct {
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Output     string         `json:"output"`
	Content    string         `json:"content"`
	Options    []string       `json:"options"`
	WorkflowID string         `json:"workflowId"`
	Artifact   map[string]any `json:"artifact"`
}

// Decode parses a reply body. success:false becomes a TransportError; bodies
// that are not valid replies become a ProtocolError.
func Decode(body []byte) (*Envelope, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &errs.ProtocolError{Reason: "invalid response body", Err: err}
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "command failed"
		}
		return nil, &errs.TransportError{Op: "execute", Err: errors.New(msg)}
	}

	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, &errs.ProtocolError{Reason: "missing result"}
	}

	var raw map[string]any
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return nil, &errs.ProtocolError{Reason: "result is not an object", Err: err}
	}
	var wr wireResult
	if err := json.Unmarshal(resp.Result, &wr); err != nil {
		return nil, &errs.ProtocolError{Reason: "malformed result", Err: err}
	}

	env := &Envelope{
		ConversationID:    resp.ConversationID,
		WorkflowID:        resp.WorkflowID,
		StartedWorkflowID: wr.WorkflowID,
	}

	switch wr.Type {
	case TypeElicitationRequest:
		if wr.Message == "" {
			return nil, &errs.ProtocolError{Reason: "elicitation request without message"}
		}
		env.Result = ElicitationRequest{Message: wr.Message, Options: wr.Options}
	case TypeDocumentCreated:
		if wr.Artifact == nil {
			return nil, &errs.ProtocolError{Reason: "document_created without artifact"}
		}
		env.Result = DocumentCreated{Message: wr.Message, Artifact: decodeArtifact(wr.Artifact)}
	case "":
		env.Result = Response{Message: firstNonEmpty(wr.Message, wr.Output, wr.Content), Raw: raw}
	default:
		return nil, &errs.ProtocolError{Reason: fmt.Sprintf("unknown result type %q", wr.Type)}
	}

	return env, nil
}

func decodeArtifact(m map[string]any) models.Artifact {
	a := models.Artifact{}
	take := func(key string) string {
		v, ok := m[key].(string)
		if ok {
			delete(m, key)
		}
		return v
	}
	a.Filename = take("filename")
	a.Title = take("title")
	a.Type = take("type")
	a.Content = take("content")
	a.Path = take("path")
	if len(m) > 0 {
		a.Extra = m
	}
	return a
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
