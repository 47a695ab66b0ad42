// Package tracker is the single source of truth for per-workflow, per-agent
// execution state and for handoffs between agents.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
)

// Store persists tracker mutations. Implementations must tolerate repeated
// saves of the same key.
type Store interface {
	SaveRecord(rec *models.ExecutionRecord) error
	SaveHandoff(h *models.Handoff) error
	DeleteWorkflow(workflowID string) error
}

type key struct {
	workflowID string
	agentID    string
}

// AgentRef names an agent inside a workflow.
type AgentRef struct {
	WorkflowID string `json:"workflowId"`
	AgentID    string `json:"agentId"`
}

type Tracker struct {
	mu sync.RWMutex

	records map[key]*models.ExecutionRecord
	// active holds exactly the keys whose record status is active, in
	// activation order.
	active []key

	pending   []*models.Handoff
	completed map[string][]*models.Handoff

	focused *key

	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Tracker)

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logging.WithComponent(l, "tracker") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		records:   make(map[key]*models.ExecutionRecord),
		completed: make(map[string][]*models.Handoff),
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore seeds the tracker from persisted state. Existing state is replaced.
func (t *Tracker) Restore(records []*models.ExecutionRecord, handoffs []*models.Handoff) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[key]*models.ExecutionRecord, len(records))
	t.active = nil
	t.pending = nil
	t.completed = make(map[string][]*models.Handoff)
	t.focused = nil

	ordered := append([]*models.ExecutionRecord(nil), records...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastUpdated.Before(ordered[j].LastUpdated)
	})
	for _, r := range ordered {
		k := key{r.WorkflowID, r.AgentID}
		t.records[k] = r.Clone()
		if r.Status == models.ExecStatusActive {
			t.active = append(t.active, k)
		}
	}
	for _, h := range handoffs {
		if h.Status == models.HandoffCompleted {
			t.completed[h.WorkflowID] = append(t.completed[h.WorkflowID], h.Clone())
		} else {
			t.pending = append(t.pending, h.Clone())
		}
	}
}

// SetStatus transitions the record of (workflowID, agentID), creating it if needed.
func (t *Tracker) SetStatus(workflowID, agentID string, status models.ExecStatus) error {
	if !status.Valid() {
		return errs.Validation("status", "unknown status %q", status)
	}
	return t.mutate(workflowID, agentID, func(r *models.ExecutionRecord, now time.Time) {
		t.applyStatus(r, status, now)
	})
}

// Start marks the agent active for a command.
func (t *Tracker) Start(workflowID, agentID, command string) error {
	return t.mutate(workflowID, agentID, func(r *models.ExecutionRecord, now time.Time) {
		r.Command = command
		t.applyStatus(r, models.ExecStatusActive, now)
	})
}

// RecordOutput stores the latest textual output and marks the record completed.
func (t *Tracker) RecordOutput(workflowID, agentID, output string) error {
	return t.mutate(workflowID, agentID, func(r *models.ExecutionRecord, now time.Time) {
		r.Output = output
		t.applyStatus(r, models.ExecStatusCompleted, now)
	})
}

// RecordArtifact appends a produced document and marks the record completed.
func (t *Tracker) RecordArtifact(workflowID, agentID string, artifact models.Artifact) error {
	return t.mutate(workflowID, agentID, func(r *models.ExecutionRecord, now time.Time) {
		r.Artifacts = append(r.Artifacts, artifact.Clone())
		t.applyStatus(r, models.ExecStatusCompleted, now)
	})
}

// RecordError stores the failure and moves the record to error.
func (t *Tracker) RecordError(workflowID, agentID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.mutate(workflowID, agentID, func(r *models.ExecutionRecord, now time.Time) {
		r.Error = msg
		t.applyStatus(r, models.ExecStatusError, now)
	})
}

// Heartbeat stamps liveness for an outstanding call without changing status.
func (t *Tracker) Heartbeat(workflowID, agentID string) error {
	return t.mutate(workflowID, agentID, func(r *models.ExecutionRecord, now time.Time) {
		r.LastHeartbeat = &now
	})
}

func (t *Tracker) mutate(workflowID, agentID string, fn func(*models.ExecutionRecord, time.Time)) error {
	if workflowID == "" {
		return errs.Validation("workflowId", "required")
	}
	if agentID == "" {
		return errs.Validation("agentId", "required")
	}

	t.mu.Lock()
	k := key{workflowID, agentID}
	r, ok := t.records[k]
	if !ok {
		r = &models.ExecutionRecord{
			WorkflowID: workflowID,
			AgentID:    agentID,
			Status:     models.ExecStatusPending,
		}
		t.records[k] = r
	}
	before := r.Status
	now := t.now()
	fn(r, now)
	r.LastUpdated = now
	t.syncActive(k, r.Status)
	snapshot := r.Clone()
	t.mu.Unlock()

	if before != snapshot.Status {
		t.logger.Info("status_change",
			"workflow", workflowID, "agent", agentID,
			"from", string(before), "to", string(snapshot.Status))
	}

	if t.store != nil {
		if err := t.store.SaveRecord(snapshot); err != nil {
			return fmt.Errorf("failed to persist execution record: %w", err)
		}
	}
	return nil
}

func (t *Tracker) applyStatus(r *models.ExecutionRecord, status models.ExecStatus, now time.Time) {
	switch status {
	case models.ExecStatusActive:
		resuming := r.Status == models.ExecStatusActive || r.Status == models.ExecStatusWaitingForInput
		if !resuming || r.StartedAt == nil {
			r.StartedAt = &now
		}
		r.EndedAt = nil
		r.Error = ""
	case models.ExecStatusCompleted, models.ExecStatusError:
		r.EndedAt = &now
	case models.ExecStatusPending:
		r.StartedAt = nil
		r.EndedAt = nil
	}
	r.Status = status
}

// syncActive keeps the active list equal to the set of active records.
// Caller holds t.mu.
func (t *Tracker) syncActive(k key, status models.ExecStatus) {
	idx := -1
	for i, a := range t.active {
		if a == k {
			idx = i
			break
		}
	}
	switch {
	case status == models.ExecStatusActive && idx < 0:
		t.active = append(t.active, k)
	case status != models.ExecStatusActive && idx >= 0:
		t.active = append(t.active[:idx], t.active[idx+1:]...)
	}
}

// Record returns a snapshot of one record.
func (t *Tracker) Record(workflowID, agentID string) (*models.ExecutionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[key{workflowID, agentID}]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Records returns snapshots of every record of a workflow ordered by agent id.
func (t *Tracker) Records(workflowID string) []*models.ExecutionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*models.ExecutionRecord
	for k, r := range t.records {
		if k.workflowID == workflowID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Statuses maps agent id to status for one workflow.
func (t *Tracker) Statuses(workflowID string) map[string]models.ExecStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.ExecStatus)
	for k, r := range t.records {
		if k.workflowID == workflowID {
			out[k.agentID] = r.Status
		}
	}
	return out
}

// ActiveAgents lists agents whose status is active, in activation order.
func (t *Tracker) ActiveAgents() []AgentRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]AgentRef, len(t.active))
	for i, k := range t.active {
		out[i] = AgentRef{WorkflowID: k.workflowID, AgentID: k.agentID}
	}
	return out
}

// Focus marks the agent currently shown to the user.
func (t *Tracker) Focus(workflowID, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focused = &key{workflowID, agentID}
}

func (t *Tracker) Focused() (AgentRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.focused == nil {
		return AgentRef{}, false
	}
	return AgentRef{WorkflowID: t.focused.workflowID, AgentID: t.focused.agentID}, true
}

// ResetWorkflow drops every record and handoff scoped to the workflow and
// clears the focus if it pointed into it.
func (t *Tracker) ResetWorkflow(workflowID string) error {
	t.mu.Lock()
	for k := range t.records {
		if k.workflowID == workflowID {
			delete(t.records, k)
		}
	}
	active := t.active[:0]
	for _, k := range t.active {
		if k.workflowID != workflowID {
			active = append(active, k)
		}
	}
	t.active = active

	pending := t.pending[:0]
	for _, h := range t.pending {
		if h.WorkflowID != workflowID {
			pending = append(pending, h)
		}
	}
	t.pending = pending
	delete(t.completed, workflowID)

	if t.focused != nil && t.focused.workflowID == workflowID {
		t.focused = nil
	}
	t.mu.Unlock()

	t.logger.Info("workflow_reset", "workflow", workflowID)

	if t.store != nil {
		if err := t.store.DeleteWorkflow(workflowID); err != nil {
			return fmt.Errorf("failed to delete persisted workflow: %w", err)
		}
	}
	return nil
}
