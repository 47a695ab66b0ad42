// Package resolver derives the ordered list of agents relevant to a running
// workflow from its declared steps and the agents seen in the conversation.
package resolver

import (
	"math"
	"strings"
	"time"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/models"
)

// OrderUnbounded is the order of agents that were only observed in messages.
const OrderUnbounded = math.MaxInt

const (
	choiceIcon   = "🔄"
	unknownIcon  = "🤖"
	variousAgent = "various"
)

// Declared is one agent of the workflow's step sequence with the status the
// workflow reports for it, if any.
type Declared struct {
	AgentID string
	Status  models.ExecStatus
}

type Input struct {
	Messages     []models.Message
	Prompt       *models.ElicitationPrompt
	Declared     []Declared
	CurrentAgent string
	Catalog      *catalog.Catalog
}

type AgentView struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Role           string            `json:"role"`
	Icon           string            `json:"icon"`
	IsActive       bool              `json:"isActive"`
	IsCurrent      bool              `json:"isCurrent"`
	IsRecent       bool              `json:"isRecent"`
	IsAdditional   bool              `json:"isAdditional"`
	IsChoicePoint  bool              `json:"isChoicePoint"`
	WorkflowStatus models.ExecStatus `json:"workflowStatus"`
	LastActivity   *time.Time        `json:"lastActivity,omitempty"`
	Order          int               `json:"order"`
}

var reserved = map[string]bool{
	"user":      true,
	"system":    true,
	"you":       true,
	"assistant": true,
}

// IsChoicePoint reports whether id stands for an unresolved choice between
// several agents.
func IsChoicePoint(id string) bool {
	id = catalog.NormalizeID(id)
	return id == variousAgent || strings.Contains(id, "/")
}

// Resolve merges declared agents with observed ones. Declared agents come
// first in declared order; agents seen only in messages follow in the order
// they were first observed.
func Resolve(in Input) []AgentView {
	activity, observed := scan(in.Messages)

	current := catalog.NormalizeID(in.CurrentAgent)
	active := current
	if in.Prompt != nil && in.Prompt.Agent != "" {
		active = catalog.NormalizeID(in.Prompt.Agent)
	}

	views := make([]AgentView, 0, len(in.Declared)+len(observed))
	seen := make(map[string]bool, len(in.Declared))

	for _, d := range in.Declared {
		id := catalog.NormalizeID(d.AgentID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		v := describe(in.Catalog, id)
		v.Order = len(views) + 1
		v.WorkflowStatus = d.Status
		if v.WorkflowStatus == "" {
			v.WorkflowStatus = models.ExecStatusPending
		}
		views = append(views, v)
	}

	extra := observed
	for _, id := range []string{active, current} {
		if id != "" && !reserved[id] {
			extra = append(extra, id)
		}
	}
	for _, id := range extra {
		if seen[id] {
			continue
		}
		seen[id] = true
		v := describe(in.Catalog, id)
		v.Order = OrderUnbounded
		v.IsAdditional = true
		v.WorkflowStatus = models.ExecStatusPending
		views = append(views, v)
	}

	for i := range views {
		v := &views[i]
		if t, ok := activity[v.ID]; ok {
			t := t
			v.LastActivity = &t
		}
		v.IsActive = v.ID == active
		v.IsCurrent = v.ID == current
		v.IsRecent = v.IsCurrent && !v.IsActive
	}
	return views
}

// scan returns the latest activity per agent and the agents in order of
// first observation.
func scan(messages []models.Message) (map[string]time.Time, []string) {
	activity := make(map[string]time.Time)
	var order []string
	for _, m := range messages {
		sender := m.Agent
		if sender == "" {
			sender = string(m.Role)
		}
		id := catalog.NormalizeID(sender)
		if id == "" || reserved[id] {
			continue
		}
		last, ok := activity[id]
		if !ok {
			order = append(order, id)
		}
		if !ok || m.Timestamp.After(last) {
			activity[id] = m.Timestamp
		}
	}
	return activity, order
}

func describe(cat *catalog.Catalog, id string) AgentView {
	if IsChoicePoint(id) {
		name := "Various agents"
		if id != variousAgent {
			name = strings.Join(strings.Split(id, "/"), " or ")
		}
		return AgentView{ID: id, Name: name, Role: "Choice point", Icon: choiceIcon, IsChoicePoint: true}
	}
	if cat != nil {
		if a, ok := cat.Get(id); ok {
			return AgentView{ID: a.ID, Name: a.Name, Role: a.Title, Icon: a.Icon}
		}
	}
	return AgentView{ID: id, Name: id, Role: "Additional agent", Icon: unknownIcon}
}
