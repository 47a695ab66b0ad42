package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/logging"
)

// CommandContinueConversation is the reserved command used to answer an
// elicitation prompt.
const CommandContinueConversation = "continue-conversation"

// Request is one command execution call.
type Request struct {
	Agent          string         `json:"agent"`
	Command        string         `json:"command"`
	Context        map[string]any `json:"context"`
	WorkflowID     string         `json:"workflowId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
}

type Template struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

type Document struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Gateway executes commands against the agent backend. Metadata queries never
// fail; an unavailable backend yields empty lists.
type Gateway interface {
	Execute(ctx context.Context, req Request) (*Envelope, error)
	ListTemplates(ctx context.Context) []Template
	ListFiles(ctx context.Context) []Document
}

// HTTPClient talks to the backend over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type ClientOption func(*HTTPClient)

func WithToken(token string) ClientOption {
	return func(c *HTTPClient) { c.token = token }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.client = hc }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *HTTPClient) { c.logger = logging.WithComponent(l, "gateway") }
}

func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute posts the command and decodes the reply. The caller bounds the call
// through ctx.
func (c *HTTPClient) Execute(ctx context.Context, req Request) (*Envelope, error) {
	if c.baseURL == "" {
		return nil, &errs.TransportError{Op: "execute", Err: fmt.Errorf("gateway URL is not configured")}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agents/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, &errs.TransportError{Op: "execute", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("execute_failed", "agent", req.Agent, "command", req.Command, "error", err)
		return nil, &errs.TransportError{Op: "execute", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TransportError{Op: "execute", StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("execute", "agent", req.Agent, "command", req.Command,
		"status", resp.StatusCode, "duration", time.Since(start).String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errs.TransportError{Op: "execute", StatusCode: resp.StatusCode, Err: errors.New(errorText(body, resp.Status))}
	}

	return Decode(body)
}

func (c *HTTPClient) ListTemplates(ctx context.Context) []Template {
	var out struct {
		Templates []Template `json:"templates"`
	}
	if err := c.getJSON(ctx, "/api/templates", &out); err != nil {
		c.logger.Warn("list_templates_failed", "error", err)
		return []Template{}
	}
	if out.Templates == nil {
		return []Template{}
	}
	return out.Templates
}

func (c *HTTPClient) ListFiles(ctx context.Context) []Document {
	var out struct {
		Files []Document `json:"files"`
	}
	if err := c.getJSON(ctx, "/api/files", &out); err != nil {
		c.logger.Warn("list_files_failed", "error", err)
		return []Document{}
	}
	if out.Files == nil {
		return []Document{}
	}
	return out.Files
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, v any) error {
	if c.baseURL == "" {
		return fmt.Errorf("gateway URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorText pulls the "error" field out of a JSON body, falling back to the
// HTTP status text.
func errorText(body []byte, status string) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return status
}
