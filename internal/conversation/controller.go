// Package conversation drives a single agent dialogue: it submits commands
// through the gateway, routes each reply, and keeps the conversation and any
// open elicitation prompt consistent with the execution tracker.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/gateway"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/tracker"
)

// DefaultTimeout bounds a gateway call when Config.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// ErrBusy is returned when a command is submitted while another one for the
// same controller is still outstanding.
var ErrBusy = &errs.ValidationError{Field: "conversation", Message: "a command is already executing"}

type OutcomeKind string

const (
	OutcomeResponse    OutcomeKind = "response"
	OutcomeElicitation OutcomeKind = "elicitation"
	OutcomeDocument    OutcomeKind = "document"
	OutcomeFailed      OutcomeKind = "failed"
	// OutcomeDiscarded marks a reply that arrived after its conversation was
	// replaced. It is kept in history only.
	OutcomeDiscarded OutcomeKind = "discarded"
)

// Outcome describes how one invocation ended. Gateway failures are reported
// here with Kind == OutcomeFailed rather than as a returned error.
type Outcome struct {
	Kind           OutcomeKind               `json:"kind"`
	ConversationID string                    `json:"conversationId"`
	Agent          string                    `json:"agent"`
	Command        string                    `json:"command"`
	Message        string                    `json:"message,omitempty"`
	Options        []string                  `json:"options,omitempty"`
	Artifact       *models.Artifact          `json:"artifact,omitempty"`
	Prompt         *models.ElicitationPrompt `json:"prompt,omitempty"`
	Err            error                     `json:"-"`
	Elapsed        time.Duration             `json:"elapsed"`
}

// Params are the per-call inputs of Execute.
type Params struct {
	Prompt   string
	Template string
	File     string
	Extra    map[string]any
}

type DocumentEvent struct {
	WorkflowID     string
	Agent          string
	Command        string
	ConversationID string
	Artifact       models.Artifact
}

type WorkflowStartedEvent struct {
	WorkflowID string
	Agent      string
	Command    string
}

type Config struct {
	WorkflowID string
	Catalog    *catalog.Catalog
	Registry   *catalog.Registry
	Tracker    *tracker.Tracker
	Gateway    gateway.Gateway
	Logger     *slog.Logger

	// Timeout bounds each gateway call.
	Timeout time.Duration
	// HeartbeatInterval, when positive, stamps tracker heartbeats while a
	// call is outstanding.
	HeartbeatInterval time.Duration

	OnDocumentCreated func(DocumentEvent)
	OnWorkflowStarted func(WorkflowStartedEvent)

	Now   func() time.Time
	NewID func() string
}

type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	executing    bool
	conversation *models.ConversationState
	prompt       *models.ElicitationPrompt
	history      ring
	nextSeq      int
	// generation advances whenever the conversation is replaced, so replies
	// to calls made in an older conversation can be told apart.
	generation int
	// remoteWorkflowID is the id the backend reported for the workflow it
	// started, sent on subsequent calls.
	remoteWorkflowID string
	startedWorkflows map[string]bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.WorkflowID == "" {
		return nil, fmt.Errorf("conversation: workflow id is required")
	}
	if cfg.Catalog == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("conversation: catalog and registry are required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("conversation: tracker is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("conversation: gateway is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Controller{
		cfg:              cfg,
		logger:           logging.WithComponent(cfg.Logger, "conversation").With("workflow", cfg.WorkflowID),
		startedWorkflows: make(map[string]bool),
	}, nil
}

func (c *Controller) WorkflowID() string { return c.cfg.WorkflowID }

// IsExecuting reports whether a gateway call is outstanding.
func (c *Controller) IsExecuting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// Prompt returns the open elicitation prompt, if any.
func (c *Controller) Prompt() *models.ElicitationPrompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt.Clone()
}

// State returns a snapshot of the current conversation, nil if none.
func (c *Controller) State() *models.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation.Clone()
}

// History returns the bounded invocation log, oldest first.
func (c *Controller) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.entries()
}

// StartNewConversation drops the open prompt and conversation and returns the
// fresh conversation id. Calling it on an already empty conversation is a
// no-op that returns the same id.
func (c *Controller) StartNewConversation() string {
	c.mu.Lock()
	if c.conversation != nil && len(c.conversation.Messages) == 0 && c.prompt == nil {
		id := c.conversation.ID
		c.mu.Unlock()
		return id
	}
	dropped := c.prompt
	c.prompt = nil
	c.conversation = &models.ConversationState{ID: c.cfg.NewID()}
	c.nextSeq = 0
	c.generation++
	id := c.conversation.ID
	c.mu.Unlock()

	if dropped != nil {
		c.releaseWaiting(dropped.Agent)
	}
	c.logger.Info("conversation_started", "conversation", id)
	return id
}

// Execute submits a command for an agent. Validation problems are returned as
// errors before any network call; gateway failures are reported on the outcome.
func (c *Controller) Execute(ctx context.Context, agentID, commandID string, params Params) (*Outcome, error) {
	agent, err := c.validate(agentID, commandID, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.executing {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.executing = true
	if c.conversation == nil {
		c.conversation = &models.ConversationState{ID: c.cfg.NewID()}
	}
	replaced := c.prompt
	c.prompt = nil
	c.conversation.Agent = agent.ID
	c.conversation.Command = commandID
	c.conversation.Completed = false
	c.conversation.Result = ""
	c.appendLocked(models.Message{Role: models.RoleUser, Content: invocationText(commandID, params.Prompt)})
	convID := c.conversation.ID
	gen := c.generation
	c.mu.Unlock()

	if replaced != nil && replaced.Agent != agent.ID {
		c.releaseWaiting(replaced.Agent)
	}

	c.trackerDo("start", agent.ID, func() error {
		return c.cfg.Tracker.Start(c.cfg.WorkflowID, agent.ID, commandID)
	})
	c.cfg.Tracker.Focus(c.cfg.WorkflowID, agent.ID)

	req := gateway.Request{
		Agent:          agent.ID,
		Command:        commandID,
		Context:        buildContext(params),
		WorkflowID:     c.requestWorkflowID(),
		ConversationID: convID,
	}
	return c.call(ctx, req, gen, agent.ID, commandID), nil
}

// ContinueConversation answers the open elicitation prompt. A numeric reply
// selects the matching numbered option.
func (c *Controller) ContinueConversation(ctx context.Context, response string) (*Outcome, error) {
	response = strings.TrimSpace(response)

	c.mu.Lock()
	if c.prompt == nil {
		c.mu.Unlock()
		return nil, errs.Validation("conversation", "no elicitation prompt is open")
	}
	if response == "" {
		c.mu.Unlock()
		return nil, errs.Validation("response", "must not be empty")
	}
	if c.executing {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.executing = true
	prompt := c.prompt
	answer := resolveOption(response, prompt.Options)
	c.appendLocked(models.Message{Role: models.RoleUser, Content: answer})
	gen := c.generation
	c.mu.Unlock()

	c.trackerDo("resume", prompt.Agent, func() error {
		return c.cfg.Tracker.SetStatus(c.cfg.WorkflowID, prompt.Agent, models.ExecStatusActive)
	})

	req := gateway.Request{
		Agent:          prompt.Agent,
		Command:        gateway.CommandContinueConversation,
		Context:        map[string]any{"userResponse": answer},
		WorkflowID:     c.requestWorkflowID(),
		ConversationID: prompt.ConversationID,
	}
	return c.call(ctx, req, gen, prompt.Agent, prompt.Command), nil
}

func (c *Controller) validate(agentID, commandID string, params Params) (*models.AgentDefinition, error) {
	agent, ok := c.cfg.Catalog.Get(agentID)
	if !ok {
		return nil, errs.Validation("agent", "unknown agent %q", agentID)
	}
	if !agent.Supports(commandID) {
		return nil, errs.Validation("command", "agent %q does not support %q", agent.ID, commandID)
	}
	def, ok := c.cfg.Registry.Get(commandID)
	if !ok {
		return nil, errs.Validation("command", "unknown command %q", commandID)
	}
	if def.RequiresTemplate && strings.TrimSpace(params.Template) == "" {
		return nil, errs.Validation("template", "command %q requires a template", commandID)
	}
	if def.RequiresSourceFile && strings.TrimSpace(params.File) == "" {
		return nil, errs.Validation("file", "command %q requires a source file", commandID)
	}
	if !c.cfg.Tracker.Eligible(c.cfg.WorkflowID, agent.ID) {
		return nil, errs.Validation("agent", "agent %q is waiting on a pending handoff", agent.ID)
	}
	return agent, nil
}

// call performs the gateway round trip and routes the reply. The command is
// the one recorded against the conversation (the originating command for
// continuations). gen is the conversation generation the request was made in.
func (c *Controller) call(ctx context.Context, req gateway.Request, gen int, agentID, command string) *Outcome {
	defer func() {
		c.mu.Lock()
		c.executing = false
		c.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stopHeartbeat := c.heartbeat(callCtx, agentID)
	start := c.cfg.Now()
	env, err := c.cfg.Gateway.Execute(callCtx, req)
	elapsed := c.cfg.Now().Sub(start)
	stopHeartbeat()

	if err == nil && env == nil {
		err = &errs.ProtocolError{Reason: "empty reply"}
	}
	if err != nil && callCtx.Err() != nil && !errs.IsTransport(err) {
		err = &errs.TransportError{Op: "execute", Err: err}
	}
	if c.superseded(gen) {
		return c.discard(req, agentID, command, err, elapsed)
	}
	if err != nil {
		return c.fail(req, agentID, command, err, elapsed)
	}

	c.noteWorkflowStart(env.StartedWorkflowID, agentID, command)

	switch res := env.Result.(type) {
	case gateway.ElicitationRequest:
		return c.onElicitation(req, env, res, agentID, command, elapsed)
	case gateway.DocumentCreated:
		return c.onDocument(req, env, res, agentID, command, elapsed)
	case gateway.Response:
		return c.onResponse(req, env, res, agentID, command, elapsed)
	default:
		return c.fail(req, agentID, command, &errs.ProtocolError{Reason: fmt.Sprintf("unhandled result %T", env.Result)}, elapsed)
	}
}

func (c *Controller) onElicitation(req gateway.Request, env *gateway.Envelope, res gateway.ElicitationRequest, agentID, command string, elapsed time.Duration) *Outcome {
	c.mu.Lock()
	c.adoptConversationIDLocked(env.ConversationID)
	previous := c.prompt
	c.prompt = &models.ElicitationPrompt{
		Agent:          agentID,
		Command:        command,
		Instruction:    res.Message,
		Options:        append([]string(nil), res.Options...),
		ConversationID: c.conversation.ID,
	}
	c.appendLocked(models.Message{Role: models.RoleAssistant, Agent: agentID, Content: res.Message, Options: res.Options})
	c.recordLocked(req, true, elapsed, res.Message, "")
	out := &Outcome{
		Kind:           OutcomeElicitation,
		ConversationID: c.conversation.ID,
		Agent:          agentID,
		Command:        command,
		Message:        res.Message,
		Options:        append([]string(nil), res.Options...),
		Prompt:         c.prompt.Clone(),
		Elapsed:        elapsed,
	}
	c.mu.Unlock()

	if previous != nil && previous.Agent != agentID {
		c.releaseWaiting(previous.Agent)
	}
	c.trackerDo("waiting", agentID, func() error {
		return c.cfg.Tracker.SetStatus(c.cfg.WorkflowID, agentID, models.ExecStatusWaitingForInput)
	})
	c.logger.Info("elicitation", "agent", agentID, "command", command, "options", len(res.Options))
	return out
}

func (c *Controller) onDocument(req gateway.Request, env *gateway.Envelope, res gateway.DocumentCreated, agentID, command string, elapsed time.Duration) *Outcome {
	message := res.Message
	if message == "" {
		message = "Created " + artifactName(res.Artifact)
	}

	c.mu.Lock()
	c.adoptConversationIDLocked(env.ConversationID)
	c.prompt = nil
	c.appendLocked(models.Message{Role: models.RoleAssistant, Agent: agentID, Content: message})
	c.conversation.Completed = true
	c.conversation.Result = message
	c.recordLocked(req, true, elapsed, message, "")
	convID := c.conversation.ID
	c.mu.Unlock()

	artifact := res.Artifact.Clone()
	c.trackerDo("artifact", agentID, func() error {
		return c.cfg.Tracker.RecordArtifact(c.cfg.WorkflowID, agentID, artifact)
	})
	c.logger.Info("document_created", "agent", agentID, "command", command, "artifact", artifactName(artifact))

	if c.cfg.OnDocumentCreated != nil {
		c.cfg.OnDocumentCreated(DocumentEvent{
			WorkflowID:     c.cfg.WorkflowID,
			Agent:          agentID,
			Command:        command,
			ConversationID: convID,
			Artifact:       artifact.Clone(),
		})
	}

	return &Outcome{
		Kind:           OutcomeDocument,
		ConversationID: convID,
		Agent:          agentID,
		Command:        command,
		Message:        message,
		Artifact:       &artifact,
		Elapsed:        elapsed,
	}
}

func (c *Controller) onResponse(req gateway.Request, env *gateway.Envelope, res gateway.Response, agentID, command string, elapsed time.Duration) *Outcome {
	c.mu.Lock()
	c.adoptConversationIDLocked(env.ConversationID)
	c.prompt = nil
	c.appendLocked(models.Message{Role: models.RoleAssistant, Agent: agentID, Content: res.Message})
	c.conversation.Completed = true
	c.conversation.Result = res.Message
	c.recordLocked(req, true, elapsed, res.Message, "")
	convID := c.conversation.ID
	c.mu.Unlock()

	c.trackerDo("output", agentID, func() error {
		return c.cfg.Tracker.RecordOutput(c.cfg.WorkflowID, agentID, res.Message)
	})

	return &Outcome{
		Kind:           OutcomeResponse,
		ConversationID: convID,
		Agent:          agentID,
		Command:        command,
		Message:        res.Message,
		Elapsed:        elapsed,
	}
}

// fail clears any open prompt, records the failure and moves the record to
// error so nothing is left looking busy or waiting.
func (c *Controller) fail(req gateway.Request, agentID, command string, err error, elapsed time.Duration) *Outcome {
	c.mu.Lock()
	dropped := c.prompt
	c.prompt = nil
	c.recordLocked(req, false, elapsed, "", err.Error())
	convID := req.ConversationID
	if c.conversation != nil {
		convID = c.conversation.ID
	}
	c.mu.Unlock()

	if dropped != nil && dropped.Agent != agentID {
		c.releaseWaiting(dropped.Agent)
	}
	c.trackerDo("error", agentID, func() error {
		return c.cfg.Tracker.RecordError(c.cfg.WorkflowID, agentID, err)
	})
	c.logger.Error("command_failed", "agent", agentID, "command", req.Command, "error", err)

	return &Outcome{
		Kind:           OutcomeFailed,
		ConversationID: convID,
		Agent:          agentID,
		Command:        command,
		Err:            err,
		Elapsed:        elapsed,
	}
}

func (c *Controller) superseded(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation != gen
}

// discard handles a reply to a conversation that was replaced while the call
// was outstanding. Only history keeps it; the agent goes back to pending.
func (c *Controller) discard(req gateway.Request, agentID, command string, err error, elapsed time.Duration) *Outcome {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	c.mu.Lock()
	c.recordLocked(req, err == nil, elapsed, "", errMsg)
	c.mu.Unlock()

	c.trackerDo("discard", agentID, func() error {
		return c.cfg.Tracker.SetStatus(c.cfg.WorkflowID, agentID, models.ExecStatusPending)
	})
	c.logger.Info("reply_discarded", "agent", agentID, "command", req.Command, "conversation", req.ConversationID)

	return &Outcome{
		Kind:           OutcomeDiscarded,
		ConversationID: req.ConversationID,
		Agent:          agentID,
		Command:        command,
		Message:        "conversation was replaced before the reply arrived",
		Err:            err,
		Elapsed:        elapsed,
	}
}

// releaseWaiting returns an agent whose prompt was discarded to pending so it
// does not stay waiting for an answer that can no longer arrive.
func (c *Controller) releaseWaiting(agentID string) {
	rec, ok := c.cfg.Tracker.Record(c.cfg.WorkflowID, agentID)
	if !ok || rec.Status != models.ExecStatusWaitingForInput {
		return
	}
	c.trackerDo("release", agentID, func() error {
		return c.cfg.Tracker.SetStatus(c.cfg.WorkflowID, agentID, models.ExecStatusPending)
	})
}

func (c *Controller) noteWorkflowStart(workflowID, agentID, command string) {
	if workflowID == "" {
		return
	}
	c.mu.Lock()
	seen := c.startedWorkflows[workflowID]
	c.startedWorkflows[workflowID] = true
	c.remoteWorkflowID = workflowID
	c.mu.Unlock()

	if seen {
		return
	}
	c.logger.Info("workflow_started", "remote_workflow", workflowID, "agent", agentID, "command", command)
	if c.cfg.OnWorkflowStarted != nil {
		c.cfg.OnWorkflowStarted(WorkflowStartedEvent{WorkflowID: workflowID, Agent: agentID, Command: command})
	}
}

func (c *Controller) requestWorkflowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteWorkflowID != "" {
		return c.remoteWorkflowID
	}
	return c.cfg.WorkflowID
}

func (c *Controller) heartbeat(ctx context.Context, agentID string) func() {
	if c.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.trackerDo("heartbeat", agentID, func() error {
					return c.cfg.Tracker.Heartbeat(c.cfg.WorkflowID, agentID)
				})
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// trackerDo applies a tracker mutation, logging persistence failures. The
// in-memory tracker has already advanced when an error comes back.
func (c *Controller) trackerDo(op, agentID string, fn func() error) {
	if err := fn(); err != nil {
		c.logger.Warn("tracker_update_failed", "op", op, "agent", agentID, "error", err)
	}
}

// appendLocked appends a message with the next sequence number. Caller holds c.mu.
func (c *Controller) appendLocked(m models.Message) {
	c.nextSeq++
	m.Seq = c.nextSeq
	m.Timestamp = c.cfg.Now()
	m.Options = append([]string(nil), m.Options...)
	c.conversation.Messages = append(c.conversation.Messages, m)
}

func (c *Controller) adoptConversationIDLocked(id string) {
	if id != "" && c.conversation.ID != id {
		c.conversation.ID = id
	}
}

func (c *Controller) recordLocked(req gateway.Request, success bool, elapsed time.Duration, output, errMsg string) {
	c.history.add(HistoryEntry{
		At:             c.cfg.Now(),
		Agent:          req.Agent,
		Command:        req.Command,
		ConversationID: req.ConversationID,
		Success:        success,
		Elapsed:        elapsed,
		Output:         output,
		Error:          errMsg,
	})
}

func buildContext(p Params) map[string]any {
	ctx := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		ctx[k] = v
	}
	if p.Prompt != "" {
		ctx["userPrompt"] = p.Prompt
	}
	if p.Template != "" {
		ctx["template"] = p.Template
	}
	if p.File != "" {
		ctx["file"] = p.File
	}
	return ctx
}

func invocationText(command, prompt string) string {
	if prompt == "" {
		return "*" + command
	}
	return "*" + command + " " + prompt
}

func resolveOption(response string, options []string) string {
	n, err := strconv.Atoi(response)
	if err != nil || n < 1 || n > len(options) {
		return response
	}
	return options[n-1]
}

func artifactName(a models.Artifact) string {
	switch {
	case a.Filename != "":
		return a.Filename
	case a.Title != "":
		return a.Title
	case a.Path != "":
		return a.Path
	}
	return "document"
}
