package models

import "time"

type ExecStatus string

const (
	ExecStatusPending         ExecStatus = "pending"
	ExecStatusActive          ExecStatus = "active"
	ExecStatusWaitingForInput ExecStatus = "waiting_for_input"
	ExecStatusCompleted       ExecStatus = "completed"
	ExecStatusError           ExecStatus = "error"
)

// Valid reports whether s is one of the known execution statuses.
func (s ExecStatus) Valid() bool {
	switch s {
	case ExecStatusPending, ExecStatusActive, ExecStatusWaitingForInput,
		ExecStatusCompleted, ExecStatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected without a new command.
func (s ExecStatus) Terminal() bool {
	return s == ExecStatusCompleted || s == ExecStatusError
}

// ExecutionRecord is the tracked state of one agent inside one workflow.
type ExecutionRecord struct {
	WorkflowID    string     `json:"workflowId"`
	AgentID       string     `json:"agentId"`
	Command       string     `json:"command,omitempty"`
	Status        ExecStatus `json:"status"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	Output        string     `json:"output,omitempty"`
	Artifacts     []Artifact `json:"artifacts,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out of the tracker.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	c.LastHeartbeat = cloneTime(r.LastHeartbeat)
	if r.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(r.Artifacts))
		for i, a := range r.Artifacts {
			c.Artifacts[i] = a.Clone()
		}
	}
	return &c
}

// Artifact describes a document produced by an agent command.
type Artifact struct {
	Filename string         `json:"filename"`
	Title    string         `json:"title,omitempty"`
	Type     string         `json:"type,omitempty"`
	Content  string         `json:"content,omitempty"`
	Path     string         `json:"path,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func (a Artifact) Clone() Artifact {
	if a.Extra != nil {
		extra := make(map[string]any, len(a.Extra))
		for k, v := range a.Extra {
			extra[k] = v
		}
		a.Extra = extra
	}
	return a
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
