package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/resolver"
	"github.com/mpataki/crew/internal/workspace"
)

// AdvanceOptions override the declared step. Agent picks the concrete agent
// of a choice-point step.
type AdvanceOptions struct {
	Agent  string
	Params conversation.Params
}

// Advance runs the workflow's next declared step. Handoffs addressed to the
// step's agent are accepted first; a successful step hands off to the next
// step's agent.
func (o *Orchestrator) Advance(ctx context.Context, workflowID string, opts AdvanceOptions) (*conversation.Outcome, error) {
	run, err := o.Run(workflowID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusComplete {
		return nil, errs.Validation("workflow", "workflow %s is already complete", workflowID)
	}
	def, ok := o.opts.Workflows.Get(run.DefinitionID)
	if !ok {
		return nil, errs.NotFound("workflow definition", run.DefinitionID)
	}
	if len(def.Steps) == 0 {
		return nil, errs.Validation("workflow", "workflow %s is scripted and has no steps", def.ID)
	}
	if run.NextStep >= len(def.Steps) {
		return nil, errs.Validation("workflow", "workflow %s has no remaining steps", workflowID)
	}

	step := def.Steps[run.NextStep]
	agentID, err := stepAgent(step, opts.Agent, o.opts.Catalog)
	if err != nil {
		return nil, err
	}
	c, err := o.controller(workflowID, agentID)
	if err != nil {
		return nil, err
	}
	if c.Prompt() != nil {
		return nil, errs.Validation("workflow", "answer %s's open prompt before advancing", agentID)
	}
	if err := o.AcceptHandoffs(workflowID, agentID); err != nil {
		return nil, err
	}

	params := opts.Params
	if params.Template == "" {
		params.Template = step.Template
	}
	if params.File == "" {
		params.File = step.File
	}
	if params.Prompt == "" {
		params.Prompt = step.Prompt
	}
	if params.Prompt == "" {
		params.Prompt = run.Prompt
	}

	o.logger.Info("step_started", "workflow", workflowID, "step", run.NextStep+1, "agent", agentID, "command", step.Command)
	return o.Execute(ctx, workflowID, agentID, step.Command, params)
}

// AcceptHandoffs completes every pending handoff to agentID in the workflow.
func (o *Orchestrator) AcceptHandoffs(workflowID, agentID string) error {
	agentID = catalog.NormalizeID(agentID)
	for _, h := range o.tracker.PendingHandoffs(workflowID) {
		if h.ToAgent != agentID {
			continue
		}
		if _, err := o.CompleteHandoff(h.ID); err != nil {
			return err
		}
	}
	return nil
}

// Finish marks the run complete, or stuck when reason is non-empty.
func (o *Orchestrator) Finish(workflowID, reason string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	run, err := o.Run(workflowID)
	if err != nil {
		return err
	}
	now := time.Now()
	run.CompletedAt = &now
	run.Status = models.RunStatusComplete
	run.StuckReason = ""
	if reason != "" {
		run.Status = models.RunStatusStuck
		run.StuckReason = reason
	}
	o.logger.Info("workflow_finished", "workflow", workflowID, "status", string(run.Status), "reason", reason)
	return o.opts.Storage.UpdateRun(run)
}

// afterOutcome moves the run past its current step when the outcome
// completes it, and refreshes the workspace metadata.
func (o *Orchestrator) afterOutcome(workflowID string, out *conversation.Outcome) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	run, err := o.Run(workflowID)
	if err != nil {
		return
	}
	defer func() {
		if ws, err := workspace.Open(o.opts.WorkspaceDir, workflowID); err == nil {
			if err := o.writeMetadata(run, ws); err != nil {
				o.logger.Warn("metadata_not_saved", "workflow", workflowID, "error", err)
			}
		}
	}()

	if out.Kind != conversation.OutcomeResponse && out.Kind != conversation.OutcomeDocument {
		return
	}
	def, ok := o.opts.Workflows.Get(run.DefinitionID)
	if !ok || run.NextStep >= len(def.Steps) {
		return
	}
	step := def.Steps[run.NextStep]
	if step.Command != out.Command || !stepAllows(step, out.Agent) {
		return
	}

	run.NextStep++
	if run.NextStep == len(def.Steps) {
		now := time.Now()
		run.Status = models.RunStatusComplete
		run.CompletedAt = &now
		o.logger.Info("workflow_complete", "workflow", workflowID)
	} else if next := def.Steps[run.NextStep]; !resolver.IsChoicePoint(next.Agent) && next.Agent != out.Agent {
		payload := map[string]any{
			"step":    run.NextStep + 1,
			"command": next.Command,
		}
		if out.Artifact != nil {
			payload["document"] = out.Artifact.Filename
		}
		h, err := o.tracker.InitiateHandoff(out.Agent, next.Agent, workflowID, payload)
		if err != nil {
			o.logger.Warn("handoff_failed", "workflow", workflowID, "error", err)
		} else {
			o.recordHandoff(h)
		}
	}

	if err := o.opts.Storage.UpdateRun(run); err != nil {
		o.logger.Warn("run_update_failed", "workflow", workflowID, "error", err)
	}
}

func stepAgent(step *models.Step, chosen string, cat *catalog.Catalog) (string, error) {
	if !resolver.IsChoicePoint(step.Agent) {
		return step.Agent, nil
	}
	chosen = catalog.NormalizeID(chosen)
	if chosen == "" {
		return "", errs.Validation("agent", "step %q needs one of %s", step.Command, step.Agent)
	}
	if !stepAllows(step, chosen) || !cat.Has(chosen) {
		return "", errs.Validation("agent", "agent %q is not a choice for %s", chosen, step.Agent)
	}
	return chosen, nil
}

func stepAllows(step *models.Step, agentID string) bool {
	if step.Agent == agentID {
		return true
	}
	if !resolver.IsChoicePoint(step.Agent) {
		return false
	}
	if step.Agent == "various" {
		return true
	}
	for _, candidate := range strings.Split(step.Agent, "/") {
		if candidate == agentID {
			return true
		}
	}
	return false
}
