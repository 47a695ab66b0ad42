package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/gateway"
	"github.com/mpataki/crew/internal/gateway/gatewaytest"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/workflow"
)

var mini = &models.Workflow{
	ID:   "mini",
	Name: "Mini",
	Steps: []*models.Step{
		{Agent: "pm", Command: "create-prd", Template: "prd-tmpl"},
		{Agent: "architect", Command: "create-architecture", Template: "arch-tmpl"},
		{Agent: "qa", Command: "review-story", File: "docs/story.md"},
	},
}

var pick = &models.Workflow{
	ID:    "pick",
	Steps: []*models.Step{{Agent: "dev/qa", Command: "help"}},
}

type harness struct {
	dir   string
	store *storage.Storage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &harness{dir: dir, store: store}
}

func (h *harness) open(t *testing.T, gw gateway.Gateway) *Orchestrator {
	t.Helper()
	cat, reg, err := catalog.Defaults()
	require.NoError(t, err)
	o, err := New(Options{
		Catalog:      cat,
		Registry:     reg,
		Workflows:    workflow.NewSet(mini, pick),
		Storage:      h.store,
		Gateway:      gw,
		WorkspaceDir: filepath.Join(h.dir, "workspaces"),
	})
	require.NoError(t, err)
	return o
}

func TestStartWorkflow(t *testing.T) {
	h := newHarness(t)
	o := h.open(t, gatewaytest.New())

	run, err := o.StartWorkflow("mini", "todo app")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.FileExists(t, filepath.Join(run.WorkspacePath, "workflow.json"))

	got, err := o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "todo app", got.Prompt)

	_, err = o.StartWorkflow("nope", "")
	assert.True(t, errs.IsNotFound(err))
}

func TestAdvanceWalksStepsWithHandoffs(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(
		gatewaytest.Elicit("Who is the audience?", "Consumers", "Enterprises"),
		gatewaytest.Document("PRD created", models.Artifact{Filename: "prd.md", Content: "# PRD"}),
		gatewaytest.Document("Architecture created", models.Artifact{Filename: "architecture.md", Content: "# Arch"}),
		gatewaytest.Message("Approved"),
	)
	o := h.open(t, fake)
	ctx := context.Background()

	run, err := o.StartWorkflow("mini", "todo app")
	require.NoError(t, err)

	out, err := o.Advance(ctx, run.ID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeElicitation, out.Kind)

	_, err = o.Advance(ctx, run.ID, AdvanceOptions{})
	assert.True(t, errs.IsValidation(err), "advance must wait for the open prompt")

	out, err = o.Reply(ctx, run.ID, "2")
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeDocument, out.Kind)
	assert.FileExists(t, filepath.Join(run.WorkspacePath, "docs", "prd.md"))

	got, err := o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NextStep)
	pending := o.Tracker().PendingHandoffs(run.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "pm", pending[0].FromAgent)
	assert.Equal(t, "architect", pending[0].ToAgent)
	assert.Equal(t, "prd.md", pending[0].Payload["document"])
	assert.False(t, o.Tracker().Eligible(run.ID, "architect"))

	out, err = o.Advance(ctx, run.ID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeDocument, out.Kind)
	assert.Len(t, o.Tracker().CompletedHandoffs(run.ID), 1)

	reqs := fake.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "architect", reqs[2].Agent)
	assert.Equal(t, "arch-tmpl", reqs[2].Context["template"])
	assert.Equal(t, "todo app", reqs[2].Context["userPrompt"])

	out, err = o.Advance(ctx, run.ID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeResponse, out.Kind)
	assert.Equal(t, "docs/story.md", fake.Requests()[3].Context["file"])

	got, err = o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = o.Advance(ctx, run.ID, AdvanceOptions{})
	assert.True(t, errs.IsValidation(err))

	view, err := o.View(run.ID)
	require.NoError(t, err)
	require.Len(t, view.Agents, 3)
	for i, id := range []string{"pm", "architect", "qa"} {
		assert.Equal(t, id, view.Agents[i].ID)
		assert.Equal(t, models.ExecStatusCompleted, view.Agents[i].WorkflowStatus)
	}
	assert.True(t, view.Agents[2].IsActive)
	assert.Nil(t, view.NextStep)
}

func TestFailedStepDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(gatewaytest.Fail(&errs.TransportError{Op: "execute", StatusCode: 502}))
	o := h.open(t, fake)

	run, err := o.StartWorkflow("mini", "todo app")
	require.NoError(t, err)

	out, err := o.Advance(context.Background(), run.ID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeFailed, out.Kind)

	got, err := o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.NextStep)
	assert.Empty(t, o.Tracker().PendingHandoffs(run.ID))

	history, err := o.History(run.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
}

func TestChoicePointStepNeedsAgent(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(gatewaytest.Message("commands"))
	o := h.open(t, fake)

	run, err := o.StartWorkflow("pick", "")
	require.NoError(t, err)

	_, err = o.Advance(context.Background(), run.ID, AdvanceOptions{})
	assert.True(t, errs.IsValidation(err))
	_, err = o.Advance(context.Background(), run.ID, AdvanceOptions{Agent: "pm"})
	assert.True(t, errs.IsValidation(err))

	out, err := o.Advance(context.Background(), run.ID, AdvanceOptions{Agent: "QA"})
	require.NoError(t, err)
	assert.Equal(t, "qa", out.Agent)

	got, err := o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)
}

func TestSessionSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	first := h.open(t, gatewaytest.New(gatewaytest.Elicit("Audience?", "Consumers", "Enterprises")))

	run, err := first.StartWorkflow("mini", "todo app")
	require.NoError(t, err)
	_, err = first.Advance(context.Background(), run.ID, AdvanceOptions{})
	require.NoError(t, err)

	fake := gatewaytest.New(gatewaytest.Document("done", models.Artifact{Filename: "prd.md", Content: "x"}))
	second := h.open(t, fake)

	rec, ok := second.Tracker().Record(run.ID, "pm")
	require.True(t, ok)
	assert.Equal(t, models.ExecStatusWaitingForInput, rec.Status)

	view, err := second.View(run.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Prompt)
	convID := view.Prompt.ConversationID

	out, err := second.Reply(context.Background(), run.ID, "Enterprises")
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeDocument, out.Kind)
	assert.Equal(t, convID, fake.Requests()[0].ConversationID)
	assert.Equal(t, "Enterprises", fake.Requests()[0].Context["userResponse"])
}

func TestResetClearsWorkflowState(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(gatewaytest.Document("PRD created", models.Artifact{Filename: "prd.md", Content: "# PRD"}))
	o := h.open(t, fake)

	run, err := o.StartWorkflow("mini", "todo app")
	require.NoError(t, err)
	_, err = o.Advance(context.Background(), run.ID, AdvanceOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, o.Status(run.ID))

	require.NoError(t, o.Reset(run.ID))

	assert.Empty(t, o.Status(run.ID))
	assert.Empty(t, o.Tracker().PendingHandoffs(run.ID))
	history, err := o.History(run.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	entries, err := os.ReadDir(filepath.Join(run.WorkspacePath, "docs"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	got, err := o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.NextStep)

	records, err := h.store.LoadRecords(run.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManualHandoffs(t *testing.T) {
	h := newHarness(t)
	o := h.open(t, gatewaytest.New())

	run, err := o.StartWorkflow("mini", "")
	require.NoError(t, err)

	_, err = o.InitiateHandoff("pm", "ghost", run.ID, nil)
	assert.True(t, errs.IsValidation(err))
	_, err = o.InitiateHandoff("pm", "dev", "missing", nil)
	assert.True(t, errs.IsNotFound(err))

	ho, err := o.InitiateHandoff("pm", "dev", run.ID, map[string]any{"note": "go"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(run.WorkspacePath, "handoffs", ho.ID+".json"))

	_, err = o.Execute(context.Background(), run.ID, "dev", "help", conversation.Params{})
	assert.True(t, errs.IsValidation(err))

	done, err := o.CompleteHandoff(ho.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HandoffCompleted, done.Status)

	_, err = o.CompleteHandoff("nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestNewConversationAndMetadata(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(gatewaytest.Elicit("Name?"))
	fake.Templates = []gateway.Template{{ID: "prd-tmpl", Name: "PRD"}}
	o := h.open(t, fake)

	run, err := o.StartWorkflow("mini", "")
	require.NoError(t, err)
	_, err = o.Execute(context.Background(), run.ID, "analyst", "brainstorm", conversation.Params{})
	require.NoError(t, err)

	id, err := o.NewConversation(run.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	view, err := o.View(run.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Prompt)
	assert.Equal(t, id, view.Conversation.ID)
	require.NotNil(t, view.NextStep)
	assert.Equal(t, "create-prd", view.NextStep.Command)

	assert.Equal(t, []gateway.Template{{ID: "prd-tmpl", Name: "PRD"}}, o.Templates(context.Background()))
	assert.Empty(t, o.Files(context.Background()))
}

func TestFinish(t *testing.T) {
	h := newHarness(t)
	o := h.open(t, gatewaytest.New())

	run, err := o.StartWorkflow("mini", "")
	require.NoError(t, err)
	require.NoError(t, o.Finish(run.ID, "missing requirements"))

	got, err := o.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStuck, got.Status)
	assert.Equal(t, "missing requirements", got.StuckReason)

	require.NoError(t, o.Delete(run.ID))
	_, err = o.Run(run.ID)
	assert.True(t, errs.IsNotFound(err))
	assert.NoDirExists(t, run.WorkspacePath)
}

func TestAgentsInOneWorkflowRunIndependently(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(gatewaytest.Hang(), gatewaytest.Message("qa commands"))
	o := h.open(t, fake)

	run, err := o.StartWorkflow("mini", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *conversation.Outcome, 1)
	go func() {
		out, _ := o.Execute(ctx, run.ID, "dev", "help", conversation.Params{})
		done <- out
	}()
	require.Eventually(t, func() bool { return len(fake.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	out, err := o.Execute(context.Background(), run.ID, "qa", "help", conversation.Params{})
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeResponse, out.Kind)

	_, err = o.Execute(context.Background(), run.ID, "dev", "help", conversation.Params{})
	assert.True(t, errors.Is(err, conversation.ErrBusy))

	cancel()
	assert.Equal(t, conversation.OutcomeFailed, (<-done).Kind)

	history, err := o.History(run.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "qa", history[0].Agent)
	assert.Equal(t, "dev", history[1].Agent)
	assert.NotEqual(t, history[0].ConversationID, history[1].ConversationID)
}

func TestResetRefusedWhileCommandOutstanding(t *testing.T) {
	h := newHarness(t)
	fake := gatewaytest.New(gatewaytest.Hang())
	o := h.open(t, fake)

	run, err := o.StartWorkflow("mini", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Execute(ctx, run.ID, "dev", "help", conversation.Params{})
	}()
	require.Eventually(t, func() bool { return len(fake.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, errors.Is(o.Reset(run.ID), conversation.ErrBusy))
	assert.True(t, errors.Is(o.Delete(run.ID), conversation.ErrBusy))

	cancel()
	<-done

	require.NoError(t, o.Reset(run.ID))
	assert.Empty(t, o.Status(run.ID))
	sessions, err := h.store.LoadSessions(run.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	records, err := h.store.LoadRecords(run.ID)
	require.NoError(t, err)
	assert.Empty(t, records)

	reopened := h.open(t, gatewaytest.New())
	history, err := reopened.History(run.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPromptsPerAgentSurviveRestart(t *testing.T) {
	h := newHarness(t)
	first := h.open(t, gatewaytest.New(
		gatewaytest.Elicit("Audience?", "Consumers", "Enterprises"),
		gatewaytest.Elicit("Which story?", "1.1", "1.2"),
	))

	run, err := first.StartWorkflow("mini", "")
	require.NoError(t, err)
	_, err = first.Execute(context.Background(), run.ID, "pm", "create-prd", conversation.Params{Template: "prd-tmpl"})
	require.NoError(t, err)
	out, err := first.Execute(context.Background(), run.ID, "qa", "review-story", conversation.Params{File: "docs/story.md"})
	require.NoError(t, err)
	qaConv := out.ConversationID

	fake := gatewaytest.New(gatewaytest.Message("reviewed"), gatewaytest.Message("noted"))
	second := h.open(t, fake)

	view, err := second.View(run.ID)
	require.NoError(t, err)
	require.Len(t, view.OpenPrompts, 2)
	assert.Equal(t, "pm", view.OpenPrompts[0].Agent)
	assert.Equal(t, "qa", view.OpenPrompts[1].Agent)
	require.NotNil(t, view.Prompt)
	assert.Equal(t, "qa", view.Prompt.Agent, "the last used conversation is current")

	out, err = second.Reply(context.Background(), run.ID, "2")
	require.NoError(t, err)
	assert.Equal(t, "qa", out.Agent)
	assert.Equal(t, qaConv, fake.Requests()[0].ConversationID)
	assert.Equal(t, "1.2", fake.Requests()[0].Context["userResponse"])

	out, err = second.ReplyTo(context.Background(), run.ID, "pm", "Consumers")
	require.NoError(t, err)
	assert.Equal(t, "pm", out.Agent)
	assert.NotEqual(t, qaConv, fake.Requests()[1].ConversationID)

	view, err = second.View(run.ID)
	require.NoError(t, err)
	assert.Empty(t, view.OpenPrompts)
}
