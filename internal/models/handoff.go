package models

import "time"

type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffCompleted HandoffStatus = "completed"
)

// Handoff is a transfer of responsibility between two agents of a workflow.
type Handoff struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflowId"`
	FromAgent   string         `json:"fromAgent"`
	ToAgent     string         `json:"toAgent"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      HandoffStatus  `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

func (h *Handoff) Clone() *Handoff {
	if h == nil {
		return nil
	}
	c := *h
	c.CompletedAt = cloneTime(h.CompletedAt)
	if h.Payload != nil {
		c.Payload = make(map[string]any, len(h.Payload))
		for k, v := range h.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
