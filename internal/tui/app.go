package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewNewRun
	ViewHistory
)

type inputMode int

const (
	inputNone inputMode = iota
	inputReply
	inputExecute
	inputPrompt
)

type App struct {
	orchestrator *orchestrator.Orchestrator
	definitions  []*models.Workflow

	view        View
	runs        []*models.WorkflowRun
	selectedIdx int
	defIdx      int
	detail      *orchestrator.View
	history     []conversation.HistoryEntry
	lastOutcome *conversation.Outcome
	busy        bool

	input textinput.Model
	mode  inputMode

	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator) *App {
	ti := textinput.New()
	ti.CharLimit = 2000
	ti.Width = 60

	return &App{
		orchestrator: orch,
		definitions:  orch.Workflows().List(),
		view:         ViewRunList,
		input:        ti,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

func (a *App) currentRunID() string {
	if a.detail == nil || a.detail.Run == nil {
		return ""
	}
	return a.detail.Run.ID
}

func (a *App) openPrompt() *models.ElicitationPrompt {
	if a.detail == nil {
		return nil
	}
	return a.detail.Prompt
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.mode != inputNone {
			return a.handleInputKey(msg)
		}
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.runs) - 1
		}
		return a, nil

	case tickMsg:
		switch {
		case a.view == ViewRunDetail && a.busy:
			// Heartbeats land in the records while a call is outstanding.
			return a, tea.Batch(a.loadDetail(a.currentRunID(), false), a.tickCmd())
		case a.view == ViewRunList && a.hasRunningRuns():
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case detailMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.detail = msg.view
		if msg.open {
			a.view = ViewRunDetail
			a.lastOutcome = nil
		}
		return a, nil

	case outcomeMsg:
		a.busy = false
		a.err = msg.err
		if msg.out != nil {
			a.lastOutcome = msg.out
		}
		return a, a.loadDetail(a.currentRunID(), false)

	case runStartedMsg:
		a.err = msg.err
		if msg.err != nil {
			a.view = ViewRunList
			return a, nil
		}
		return a, tea.Batch(a.loadRuns, a.loadDetail(msg.run.ID, true))

	case historyMsg:
		a.err = msg.err
		if msg.err == nil {
			a.history = msg.entries
			a.view = ViewHistory
		}
		return a, nil

	case runChangedMsg:
		a.err = msg.err
		if a.view == ViewRunDetail {
			return a, a.loadDetail(a.currentRunID(), false)
		}
		return a, a.loadRuns
	}

	if a.mode != inputNone {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	case ViewHistory:
		return a.handleHistoryKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadDetail(a.runs[a.selectedIdx].ID, true)
		}

	case "n":
		a.defIdx = 0
		a.view = ViewNewRun

	case "r":
		return a, a.loadRuns

	case "d":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.deleteRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	id := a.currentRunID()

	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.detail = nil
		a.lastOutcome = nil
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "r":
		return a, a.loadDetail(id, false)

	case "h":
		return a, a.loadHistory(id)

	case "n":
		if !a.busy {
			return a, a.newConversation(id)
		}

	case "R":
		if !a.busy {
			a.lastOutcome = nil
			return a, a.resetRun(id)
		}

	case "a":
		if !a.busy {
			a.busy = true
			return a, a.advance(id)
		}

	case "e":
		if !a.busy {
			a.focusInput(inputExecute, "agent command [template=..] [file=..] prompt")
			return a, textinput.Blink
		}

	case "enter", "i":
		if !a.busy && a.openPrompt() != nil {
			a.focusInput(inputReply, "your answer")
			return a, textinput.Blink
		}

	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		p := a.openPrompt()
		if a.busy || p == nil {
			return a, nil
		}
		if n := int(msg.String()[0] - '0'); n <= len(p.Options) {
			a.busy = true
			return a, a.reply(id, msg.String())
		}
	}

	return a, nil
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewRunList

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.defIdx > 0 {
			a.defIdx--
		}

	case "down", "j":
		if a.defIdx < len(a.definitions)-1 {
			a.defIdx++
		}

	case "enter":
		if len(a.definitions) > 0 {
			a.focusInput(inputPrompt, "what should the crew build?")
			return a, textinput.Blink
		}
	}

	return a, nil
}

func (a *App) handleHistoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.history = nil

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.blurInput()
		return a, nil

	case "enter":
		value := strings.TrimSpace(a.input.Value())
		mode := a.mode
		a.blurInput()
		return a, a.submit(mode, value)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) submit(mode inputMode, value string) tea.Cmd {
	switch mode {
	case inputReply:
		a.busy = true
		return a.reply(a.currentRunID(), value)

	case inputExecute:
		agent, command, params, err := parseExecLine(value)
		if err != nil {
			a.err = err
			return nil
		}
		a.busy = true
		return a.execute(a.currentRunID(), agent, command, params)

	case inputPrompt:
		if a.defIdx >= len(a.definitions) {
			return nil
		}
		return a.startRun(a.definitions[a.defIdx].ID, value)
	}
	return nil
}

func (a *App) focusInput(mode inputMode, placeholder string) {
	a.mode = mode
	a.input.Reset()
	a.input.Placeholder = placeholder
	a.input.Focus()
}

func (a *App) blurInput() {
	a.mode = inputNone
	a.input.Blur()
	a.input.Reset()
}

// parseExecLine reads "agent command [template=x] [file=y] free prompt".
func parseExecLine(line string) (string, string, conversation.Params, error) {
	var params conversation.Params
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", params, errs.Validation("input", "expected: agent command [template=..] [file=..] prompt")
	}

	agent := fields[0]
	command := strings.TrimPrefix(fields[1], "*")
	var prompt []string
	for _, f := range fields[2:] {
		switch {
		case strings.HasPrefix(f, "template="):
			params.Template = strings.TrimPrefix(f, "template=")
		case strings.HasPrefix(f, "file="):
			params.File = strings.TrimPrefix(f, "file=")
		default:
			prompt = append(prompt, f)
		}
	}
	params.Prompt = strings.Join(prompt, " ")
	return agent, command, params, nil
}

// Messages

type runsLoadedMsg struct {
	runs []*models.WorkflowRun
	err  error
}

type detailMsg struct {
	view *orchestrator.View
	open bool
	err  error
}

type outcomeMsg struct {
	out *conversation.Outcome
	err error
}

type runStartedMsg struct {
	run *models.WorkflowRun
	err error
}

type historyMsg struct {
	entries []conversation.HistoryEntry
	err     error
}

type runChangedMsg struct {
	err error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orchestrator.Runs(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadDetail(id string, open bool) tea.Cmd {
	return func() tea.Msg {
		view, err := a.orchestrator.View(id)
		return detailMsg{view: view, open: open, err: err}
	}
}

func (a *App) loadHistory(id string) tea.Cmd {
	return func() tea.Msg {
		entries, err := a.orchestrator.History(id)
		return historyMsg{entries: entries, err: err}
	}
}

func (a *App) startRun(definitionID, prompt string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.StartWorkflow(definitionID, prompt)
		return runStartedMsg{run: run, err: err}
	}
}

func (a *App) advance(id string) tea.Cmd {
	return func() tea.Msg {
		out, err := a.orchestrator.Advance(context.Background(), id, orchestrator.AdvanceOptions{})
		return outcomeMsg{out: out, err: err}
	}
}

func (a *App) execute(id, agent, command string, params conversation.Params) tea.Cmd {
	return func() tea.Msg {
		out, err := a.orchestrator.Execute(context.Background(), id, agent, command, params)
		return outcomeMsg{out: out, err: err}
	}
}

// reply answers the prompt on screen, which belongs to its own agent.
func (a *App) reply(id, response string) tea.Cmd {
	agent := ""
	if p := a.openPrompt(); p != nil {
		agent = p.Agent
	}
	return func() tea.Msg {
		out, err := a.orchestrator.ReplyTo(context.Background(), id, agent, response)
		return outcomeMsg{out: out, err: err}
	}
}

func (a *App) newConversation(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.orchestrator.NewConversation(id, "")
		return runChangedMsg{err: err}
	}
}

func (a *App) resetRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runChangedMsg{err: a.orchestrator.Reset(id)}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runChangedMsg{err: a.orchestrator.Delete(id)}
	}
}
