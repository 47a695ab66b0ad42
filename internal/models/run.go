package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusStuck    RunStatus = "stuck"
)

// WorkflowRun is one instance of a workflow definition. NextStep is the index
// of the next declared step to run.
type WorkflowRun struct {
	ID            string     `json:"id"`
	DefinitionID  string     `json:"definitionId"`
	Prompt        string     `json:"prompt"`
	WorkspacePath string     `json:"workspacePath"`
	Status        RunStatus  `json:"status"`
	NextStep      int        `json:"nextStep"`
	StuckReason   string     `json:"stuckReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}
