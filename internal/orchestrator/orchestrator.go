package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/gateway"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/tracker"
	"github.com/mpataki/crew/internal/workflow"
	"github.com/mpataki/crew/internal/workspace"
)

type Options struct {
	Catalog      *catalog.Catalog
	Registry     *catalog.Registry
	Workflows    *workflow.Set
	Storage      *storage.Storage
	Gateway      gateway.Gateway
	WorkspaceDir string

	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Orchestrator ties workflow runs to their conversation controllers, the
// shared execution tracker and the on-disk workspaces.
type Orchestrator struct {
	opts    Options
	tracker *tracker.Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*workflowState
	// runMu serializes read-modify-write of run rows.
	runMu  sync.Mutex
}

// workflowState holds one conversation controller per agent of a workflow.
type workflowState struct {
	// gate is held shared for every gateway call and exclusively while the
	// workflow is reset or deleted.
	gate sync.RWMutex

	// controllers and focus are guarded by Orchestrator.mu.
	controllers map[string]*conversation.Controller
	// focus is the agent whose conversation was saved last.
	focus       string
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil || opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator: catalog and registry are required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("orchestrator: storage is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: gateway is required")
	}
	if opts.Workflows == nil {
		opts.Workflows = workflow.NewSet()
	}

	logger := logging.WithComponent(opts.Logger, "orchestrator")
	t := tracker.New(tracker.WithStore(opts.Storage), tracker.WithLogger(opts.Logger))

	records, err := opts.Storage.LoadRecords("")
	if err != nil {
		return nil, fmt.Errorf("failed to load execution records: %w", err)
	}
	handoffs, err := opts.Storage.LoadHandoffs()
	if err != nil {
		return nil, fmt.Errorf("failed to load handoffs: %w", err)
	}
	t.Restore(records, handoffs)

	return &Orchestrator{
		opts:    opts,
		tracker: t,
		logger:  logger,
		states:  make(map[string]*workflowState),
	}, nil
}

func (o *Orchestrator) Tracker() *tracker.Tracker { return o.tracker }
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.opts.Catalog }
func (o *Orchestrator) Registry() *catalog.Registry { return o.opts.Registry }
func (o *Orchestrator) Workflows() *workflow.Set { return o.opts.Workflows }

// StartWorkflow creates a run of the named definition and its workspace.
func (o *Orchestrator) StartWorkflow(definitionID, prompt string) (*models.WorkflowRun, error) {
	def, ok := o.opts.Workflows.Get(definitionID)
	if !ok {
		return nil, errs.NotFound("workflow definition", definitionID)
	}
	if err := workflow.Validate(def, o.opts.Catalog, o.opts.Registry); err != nil {
		return nil, err
	}

	run := &models.WorkflowRun{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Prompt:       prompt,
		Status:       models.RunStatusRunning,
		CreatedAt:    time.Now(),
	}

	ws, err := workspace.Create(o.opts.WorkspaceDir, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	run.WorkspacePath = ws.Path

	if err := o.opts.Storage.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if err := o.writeMetadata(run, ws); err != nil {
		return nil, err
	}

	o.logger.Info("workflow_created", "workflow", run.ID, "definition", def.ID)
	return run, nil
}

func (o *Orchestrator) Run(workflowID string) (*models.WorkflowRun, error) {
	return o.opts.Storage.GetRun(workflowID)
}

func (o *Orchestrator) Runs(limit int) ([]*models.WorkflowRun, error) {
	return o.opts.Storage.ListRuns(limit)
}

// Execute runs a single command for an agent inside a workflow. Each agent
// has its own conversation, so commands for different agents may be
// outstanding at the same time.
func (o *Orchestrator) Execute(ctx context.Context, workflowID, agentID, commandID string, params conversation.Params) (*conversation.Outcome, error) {
	if !o.opts.Catalog.Has(agentID) {
		return nil, errs.Validation("agent", "unknown agent %q", agentID)
	}
	agentID = catalog.NormalizeID(agentID)
	leave, err := o.enter(workflowID)
	if err != nil {
		return nil, err
	}
	defer leave()

	c, err := o.controller(workflowID, agentID)
	if err != nil {
		return nil, err
	}
	out, err := c.Execute(ctx, agentID, commandID, params)
	if err != nil {
		return nil, err
	}
	o.saveSession(workflowID, agentID, c)
	o.afterOutcome(workflowID, out)
	return out, nil
}

// Reply answers the workflow's open elicitation prompt. When several agents
// are waiting, the current conversation's prompt is answered first.
func (o *Orchestrator) Reply(ctx context.Context, workflowID, response string) (*conversation.Outcome, error) {
	return o.ReplyTo(ctx, workflowID, "", response)
}

// ReplyTo answers the open prompt of agentID's conversation, or of the
// active conversation when agentID is empty.
func (o *Orchestrator) ReplyTo(ctx context.Context, workflowID, agentID, response string) (*conversation.Outcome, error) {
	leave, err := o.enter(workflowID)
	if err != nil {
		return nil, err
	}
	defer leave()

	agentID, c, err := o.target(workflowID, agentID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.Validation("conversation", "no elicitation prompt is open")
	}
	out, err := c.ContinueConversation(ctx, response)
	if err != nil {
		return nil, err
	}
	o.saveSession(workflowID, agentID, c)
	o.afterOutcome(workflowID, out)
	return out, nil
}

// NewConversation replaces agentID's conversation, or the active one when
// agentID is empty, and returns the fresh conversation id.
func (o *Orchestrator) NewConversation(workflowID, agentID string) (string, error) {
	leave, err := o.enter(workflowID)
	if err != nil {
		return "", err
	}
	defer leave()

	agentID, c, err := o.target(workflowID, agentID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", errs.Validation("agent", "no active conversation; name an agent")
	}
	id := c.StartNewConversation()
	o.saveSession(workflowID, agentID, c)
	return id, nil
}

// Status returns point-in-time copies of the workflow's execution records.
func (o *Orchestrator) Status(workflowID string) []*models.ExecutionRecord {
	return o.tracker.Records(workflowID)
}

// History merges the invocation logs of every agent conversation in the
// workflow, oldest first.
func (o *Orchestrator) History(workflowID string) ([]conversation.HistoryEntry, error) {
	if _, err := o.Run(workflowID); err != nil {
		return nil, err
	}
	st, err := o.state(workflowID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	var entries []conversation.HistoryEntry
	for _, c := range st.controllers {
		entries = append(entries, c.History()...)
	}
	o.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}

// Reset clears the workflow's tracked state, conversations and documents and
// rewinds it to its first step. It fails with conversation.ErrBusy while a
// command is outstanding.
func (o *Orchestrator) Reset(workflowID string) error {
	run, err := o.Run(workflowID)
	if err != nil {
		return err
	}
	st, err := o.state(workflowID)
	if err != nil {
		return err
	}
	if !st.gate.TryLock() {
		return conversation.ErrBusy
	}
	defer st.gate.Unlock()

	o.mu.Lock()
	st.controllers = make(map[string]*conversation.Controller)
	st.focus = ""
	o.mu.Unlock()

	if err := o.tracker.ResetWorkflow(workflowID); err != nil {
		return err
	}
	if ws, err := workspace.Open(o.opts.WorkspaceDir, workflowID); err == nil {
		if err := ws.Clear(); err != nil {
			return fmt.Errorf("failed to clear workspace: %w", err)
		}
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()
	run.NextStep = 0
	run.Status = models.RunStatusRunning
	run.StuckReason = ""
	run.CompletedAt = nil
	if err := o.opts.Storage.UpdateRun(run); err != nil {
		return err
	}
	o.logger.Info("workflow_reset", "workflow", workflowID)
	return nil
}

// Delete removes the run, its state and its workspace. Like Reset it refuses
// while a command is outstanding.
func (o *Orchestrator) Delete(workflowID string) error {
	run, err := o.Run(workflowID)
	if err != nil {
		return err
	}
	st, err := o.state(workflowID)
	if err != nil {
		return err
	}
	if !st.gate.TryLock() {
		return conversation.ErrBusy
	}
	defer st.gate.Unlock()

	o.mu.Lock()
	delete(o.states, workflowID)
	o.mu.Unlock()

	if err := o.tracker.ResetWorkflow(workflowID); err != nil {
		return err
	}
	if run.WorkspacePath != "" {
		os.RemoveAll(run.WorkspacePath)
	}
	return o.opts.Storage.DeleteRun(workflowID)
}

func (o *Orchestrator) InitiateHandoff(fromAgent, toAgent, workflowID string, payload map[string]any) (*models.Handoff, error) {
	if _, err := o.Run(workflowID); err != nil {
		return nil, err
	}
	for _, id := range []string{fromAgent, toAgent} {
		if !o.opts.Catalog.Has(id) {
			return nil, errs.Validation("agent", "unknown agent %q", id)
		}
	}
	h, err := o.tracker.InitiateHandoff(catalog.NormalizeID(fromAgent), catalog.NormalizeID(toAgent), workflowID, payload)
	if err != nil {
		return nil, err
	}
	o.recordHandoff(h)
	return h, nil
}

func (o *Orchestrator) CompleteHandoff(id string) (*models.Handoff, error) {
	h, err := o.tracker.CompleteHandoff(id)
	if err != nil {
		return nil, err
	}
	o.recordHandoff(h)
	return h, nil
}

func (o *Orchestrator) Templates(ctx context.Context) []gateway.Template {
	return o.opts.Gateway.ListTemplates(ctx)
}

func (o *Orchestrator) Files(ctx context.Context) []gateway.Document {
	return o.opts.Gateway.ListFiles(ctx)
}

// enter holds the workflow's gate shared until the returned func is called.
func (o *Orchestrator) enter(workflowID string) (func(), error) {
	if _, err := o.Run(workflowID); err != nil {
		return nil, err
	}
	st, err := o.state(workflowID)
	if err != nil {
		return nil, err
	}
	st.gate.RLock()

	o.mu.Lock()
	live := o.states[workflowID] == st
	o.mu.Unlock()
	if !live {
		st.gate.RUnlock()
		return nil, errs.NotFound("workflow", workflowID)
	}
	return st.gate.RUnlock, nil
}

func (o *Orchestrator) state(workflowID string) (*workflowState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked(workflowID)
}

// stateLocked returns the workflow's state, restoring persisted sessions on
// first use. Caller holds o.mu.
func (o *Orchestrator) stateLocked(workflowID string) (*workflowState, error) {
	if st, ok := o.states[workflowID]; ok {
		return st, nil
	}

	sessions, err := o.opts.Storage.LoadSessions(workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	st := &workflowState{controllers: make(map[string]*conversation.Controller)}
	for _, sess := range sessions {
		var snap conversation.Snapshot
		if err := json.Unmarshal(sess.Data, &snap); err != nil {
			o.logger.Warn("session_discarded", "workflow", workflowID, "agent", sess.AgentID, "error", err)
			continue
		}
		c, err := o.newController(workflowID)
		if err != nil {
			return nil, err
		}
		c.Restore(&snap)
		st.controllers[sess.AgentID] = c
		st.focus = sess.AgentID
	}

	o.states[workflowID] = st
	return st, nil
}

// controller returns agentID's controller in the workflow, creating it on
// first use.
func (o *Orchestrator) controller(workflowID, agentID string) (*conversation.Controller, error) {
	agentID = catalog.NormalizeID(agentID)

	o.mu.Lock()
	defer o.mu.Unlock()
	st, err := o.stateLocked(workflowID)
	if err != nil {
		return nil, err
	}
	if c, ok := st.controllers[agentID]; ok {
		return c, nil
	}
	c, err := o.newController(workflowID)
	if err != nil {
		return nil, err
	}
	st.controllers[agentID] = c
	return c, nil
}

// target picks the conversation a reply or restart applies to. With no agent
// named it prefers the active conversation, then any agent with an open
// prompt. The controller is nil when the workflow has no conversation yet.
func (o *Orchestrator) target(workflowID, agentID string) (string, *conversation.Controller, error) {
	if agentID != "" {
		if !o.opts.Catalog.Has(agentID) {
			return "", nil, errs.Validation("agent", "unknown agent %q", agentID)
		}
		agentID = catalog.NormalizeID(agentID)
		c, err := o.controller(workflowID, agentID)
		return agentID, c, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st, err := o.stateLocked(workflowID)
	if err != nil {
		return "", nil, err
	}
	agentID, c := o.activeLocked(workflowID, st)
	return agentID, c, nil
}

// activeLocked returns the conversation a console should show: the current
// one when it has an open prompt, else another agent's open prompt, else the
// current one. Caller holds o.mu.
func (o *Orchestrator) activeLocked(workflowID string, st *workflowState) (string, *conversation.Controller) {
	current := st.focus
	if f, ok := o.tracker.Focused(); ok && f.WorkflowID == workflowID {
		if _, ok := st.controllers[f.AgentID]; ok {
			current = f.AgentID
		}
	}
	if c, ok := st.controllers[current]; ok && c.Prompt() != nil {
		return current, c
	}

	agents := make([]string, 0, len(st.controllers))
	for id := range st.controllers {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	for _, id := range agents {
		if c := st.controllers[id]; c.Prompt() != nil {
			return id, c
		}
	}
	return current, st.controllers[current]
}

func (o *Orchestrator) newController(workflowID string) (*conversation.Controller, error) {
	return conversation.New(conversation.Config{
		WorkflowID:        workflowID,
		Catalog:           o.opts.Catalog,
		Registry:          o.opts.Registry,
		Tracker:           o.tracker,
		Gateway:           o.opts.Gateway,
		Logger:            o.opts.Logger,
		Timeout:           o.opts.CommandTimeout,
		HeartbeatInterval: o.opts.HeartbeatInterval,
		OnDocumentCreated: o.onDocumentCreated,
		OnWorkflowStarted: func(e conversation.WorkflowStartedEvent) {
			o.logger.Info("remote_workflow_started", "workflow", workflowID, "remote", e.WorkflowID, "agent", e.Agent)
		},
	})
}

// saveSession persists agentID's controller and makes its conversation the
// workflow's current one.
func (o *Orchestrator) saveSession(workflowID, agentID string, c *conversation.Controller) {
	o.mu.Lock()
	if st, ok := o.states[workflowID]; ok {
		st.focus = agentID
	}
	o.mu.Unlock()

	data, err := json.Marshal(c.Snapshot())
	if err == nil {
		err = o.opts.Storage.SaveSession(workflowID, agentID, data)
	}
	if err != nil {
		o.logger.Warn("session_save_failed", "workflow", workflowID, "agent", agentID, "error", err)
	}
}

func (o *Orchestrator) onDocumentCreated(e conversation.DocumentEvent) {
	ws, err := workspace.Open(o.opts.WorkspaceDir, e.WorkflowID)
	if err != nil {
		o.logger.Warn("document_not_saved", "workflow", e.WorkflowID, "error", err)
		return
	}
	path, err := ws.WriteArtifact(e.Artifact)
	if err != nil {
		o.logger.Warn("document_not_saved", "workflow", e.WorkflowID, "error", err)
		return
	}
	o.logger.Info("document_saved", "workflow", e.WorkflowID, "agent", e.Agent, "path", path)
}

func (o *Orchestrator) recordHandoff(h *models.Handoff) {
	ws, err := workspace.Open(o.opts.WorkspaceDir, h.WorkflowID)
	if err != nil {
		return
	}
	if err := ws.WriteHandoff(h); err != nil {
		o.logger.Warn("handoff_not_saved", "handoff", h.ID, "error", err)
	}
}

func (o *Orchestrator) writeMetadata(run *models.WorkflowRun, ws *workspace.Workspace) error {
	meta := &workspace.Metadata{
		WorkflowID:      run.ID,
		Definition:      run.DefinitionID,
		Prompt:          run.Prompt,
		CompletedAgents: []string{},
		UpdatedAt:       time.Now(),
	}
	if focus, ok := o.tracker.Focused(); ok && focus.WorkflowID == run.ID {
		meta.CurrentAgent = focus.AgentID
	}
	for _, r := range o.tracker.Records(run.ID) {
		if r.Status == models.ExecStatusCompleted {
			meta.CompletedAgents = append(meta.CompletedAgents, r.AgentID)
		}
	}
	docs, err := ws.Documents()
	if err != nil {
		return err
	}
	meta.Documents = append([]string{}, docs...)
	return ws.WriteMetadata(meta)
}
