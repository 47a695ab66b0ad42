package orchestrator

import (
	"sort"

	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/resolver"
	"github.com/mpataki/crew/internal/workflow"
)

// View is everything a console needs to render one workflow.
type View struct {
	Run               *models.WorkflowRun         `json:"run"`
	Definition        *models.Workflow            `json:"definition,omitempty"`
	NextStep          *models.Step                `json:"nextStep,omitempty"`
	Records           []*models.ExecutionRecord   `json:"records"`
	Agents            []resolver.AgentView        `json:"agents"`
	Prompt            *models.ElicitationPrompt   `json:"prompt,omitempty"`
	Conversation      *models.ConversationState   `json:"conversation,omitempty"`
	// OpenPrompts holds the prompt of every agent still waiting for an
	// answer, sorted by agent.
	OpenPrompts       []*models.ElicitationPrompt `json:"openPrompts"`
	PendingHandoffs   []*models.Handoff           `json:"pendingHandoffs"`
	CompletedHandoffs []*models.Handoff           `json:"completedHandoffs"`
}

func (o *Orchestrator) View(workflowID string) (*View, error) {
	run, err := o.Run(workflowID)
	if err != nil {
		return nil, err
	}
	_, c, err := o.target(workflowID, "")
	if err != nil {
		return nil, err
	}
	prompts, err := o.openPrompts(workflowID)
	if err != nil {
		return nil, err
	}

	v := &View{
		Run:               run,
		Records:           o.tracker.Records(workflowID),
		OpenPrompts:       prompts,
		PendingHandoffs:   o.tracker.PendingHandoffs(workflowID),
		CompletedHandoffs: o.tracker.CompletedHandoffs(workflowID),
	}
	if c != nil {
		v.Prompt = c.Prompt()
		v.Conversation = c.State()
	}

	in := resolver.Input{Prompt: v.Prompt, Catalog: o.opts.Catalog}
	if v.Conversation != nil {
		in.Messages = v.Conversation.Messages
	}
	if focus, ok := o.tracker.Focused(); ok && focus.WorkflowID == workflowID {
		in.CurrentAgent = focus.AgentID
	}
	if def, ok := o.opts.Workflows.Get(run.DefinitionID); ok {
		v.Definition = def
		if run.NextStep < len(def.Steps) {
			v.NextStep = def.Steps[run.NextStep]
		}
		in.Declared = workflow.Declared(def, o.tracker.Statuses(workflowID))
	}
	v.Agents = resolver.Resolve(in)
	return v, nil
}

func (o *Orchestrator) openPrompts(workflowID string) ([]*models.ElicitationPrompt, error) {
	st, err := o.state(workflowID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	prompts := []*models.ElicitationPrompt{}
	for _, c := range st.controllers {
		if p := c.Prompt(); p != nil {
			prompts = append(prompts, p)
		}
	}
	o.mu.Unlock()

	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Agent < prompts[j].Agent })
	return prompts, nil
}
