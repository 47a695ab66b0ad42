package conversation

import "github.com/mpataki/crew/internal/models"

// Snapshot is the persisted form of a controller, used to resume a
// conversation across CLI invocations.
type Snapshot struct {
	WorkflowID       string                    `json:"workflowId"`
	RemoteWorkflowID string                    `json:"remoteWorkflowId,omitempty"`
	Conversation     *models.ConversationState `json:"conversation,omitempty"`
	Prompt           *models.ElicitationPrompt `json:"prompt,omitempty"`
	History          []HistoryEntry            `json:"history,omitempty"`
	NextSeq          int                       `json:"nextSeq"`
}

func (c *Controller) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Snapshot{
		WorkflowID:       c.cfg.WorkflowID,
		RemoteWorkflowID: c.remoteWorkflowID,
		Conversation:     c.conversation.Clone(),
		Prompt:           c.prompt.Clone(),
		History:          c.history.entries(),
		NextSeq:          c.nextSeq,
	}
}

// Restore replaces the controller state with s. A prompt without a
// conversation is dropped.
func (c *Controller) Restore(s *Snapshot) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteWorkflowID = s.RemoteWorkflowID
	if s.RemoteWorkflowID != "" {
		c.startedWorkflows[s.RemoteWorkflowID] = true
	}
	c.conversation = s.Conversation.Clone()
	c.prompt = nil
	if c.conversation != nil {
		c.prompt = s.Prompt.Clone()
	}
	c.history.reset(s.History)
	c.nextSeq = s.NextSeq
	if c.conversation != nil {
		for _, m := range c.conversation.Messages {
			if m.Seq > c.nextSeq {
				c.nextSeq = m.Seq
			}
		}
	}
}
