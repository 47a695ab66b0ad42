package tracker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/models"
)

// InitiateHandoff queues a pending transfer from one agent to another.
func (t *Tracker) InitiateHandoff(fromAgent, toAgent, workflowID string, payload map[string]any) (*models.Handoff, error) {
	if workflowID == "" {
		return nil, errs.Validation("workflowId", "required")
	}
	if fromAgent == "" || toAgent == "" {
		return nil, errs.Validation("agent", "handoff needs both a source and a target agent")
	}
	if fromAgent == toAgent {
		return nil, errs.Validation("toAgent", "cannot hand off to the same agent")
	}

	h := &models.Handoff{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		FromAgent:  fromAgent,
		ToAgent:    toAgent,
		Status:     models.HandoffPending,
		CreatedAt:  t.now(),
	}
	if payload != nil {
		h.Payload = make(map[string]any, len(payload))
		for k, v := range payload {
			h.Payload[k] = v
		}
	}

	t.mu.Lock()
	t.pending = append(t.pending, h)
	snapshot := h.Clone()
	t.mu.Unlock()

	t.logger.Info("handoff_initiated", "workflow", workflowID, "from", fromAgent, "to", toAgent, "id", h.ID)

	if t.store != nil {
		if err := t.store.SaveHandoff(snapshot); err != nil {
			return nil, fmt.Errorf("failed to persist handoff: %w", err)
		}
	}
	return snapshot, nil
}

// CompleteHandoff moves a pending handoff to its workflow's completed list.
func (t *Tracker) CompleteHandoff(id string) (*models.Handoff, error) {
	t.mu.Lock()
	idx := -1
	for i, h := range t.pending {
		if h.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return nil, errs.NotFound("handoff", id)
	}
	h := t.pending[idx]
	t.pending = append(t.pending[:idx], t.pending[idx+1:]...)

	now := t.now()
	h.Status = models.HandoffCompleted
	h.CompletedAt = &now
	t.completed[h.WorkflowID] = append(t.completed[h.WorkflowID], h)
	snapshot := h.Clone()
	t.mu.Unlock()

	t.logger.Info("handoff_completed", "workflow", h.WorkflowID, "from", h.FromAgent, "to", h.ToAgent, "id", id)

	if t.store != nil {
		if err := t.store.SaveHandoff(snapshot); err != nil {
			return nil, fmt.Errorf("failed to persist handoff: %w", err)
		}
	}
	return snapshot, nil
}

// PendingHandoffs returns the queue, optionally filtered by workflow.
func (t *Tracker) PendingHandoffs(workflowID string) []*models.Handoff {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*models.Handoff
	for _, h := range t.pending {
		if workflowID == "" || h.WorkflowID == workflowID {
			out = append(out, h.Clone())
		}
	}
	return out
}

// CompletedHandoffs returns the completed list of a workflow in completion order.
func (t *Tracker) CompletedHandoffs(workflowID string) []*models.Handoff {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.completed[workflowID]
	out := make([]*models.Handoff, len(list))
	for i, h := range list {
		out[i] = h.Clone()
	}
	return out
}

// Eligible reports whether agentID may execute in the workflow, which is
// false while a handoff targeting it is still pending.
func (t *Tracker) Eligible(workflowID, agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.pending {
		if h.WorkflowID == workflowID && h.ToAgent == agentID {
			return false
		}
	}
	return true
}
