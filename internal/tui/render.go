package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/resolver"
)

const sidebarWidth = 30

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStuck    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("220")).
			Padding(0, 1)

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(lipgloss.Color("238")).
			PaddingRight(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewNewRun:
		return a.viewNewRun()
	case ViewHistory:
		return a.viewHistory()
	}
	return ""
}

func (a *App) viewRunList() string {
	s := titleStyle.Render("Crew") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No workflows yet. Press 'n' to start one.\n"
	} else {
		s += "Recent Workflows\n"
		s += "────────────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			isSelected := i == a.selectedIdx
			isRunning := run.Status == models.RunStatusRunning

			if isSelected {
				line = selectedStyle.Render("▶ " + line)
			} else if !isRunning && run.Status != models.RunStatusStuck {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] open  [n] new  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.WorkflowRun) string {
	status := a.formatStatus(run.Status)
	age := a.formatAge(run.CreatedAt)
	prompt := truncate(run.Prompt, 35)
	return fmt.Sprintf("%-8s %-16s %s  %-6s  %s", shortID(run.ID), run.DefinitionID, status, age, prompt)
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusStuck:
		return statusStuck.Render("⚠ stuck")
	case models.RunStatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(status)
	}
}

func formatExecStatus(status models.ExecStatus) string {
	switch status {
	case models.ExecStatusActive:
		return statusRunning.Render("●")
	case models.ExecStatusWaitingForInput:
		return statusStuck.Render("?")
	case models.ExecStatusCompleted:
		return statusComplete.Render("✓")
	case models.ExecStatusError:
		return statusFailed.Render("✗")
	default:
		return statusPending.Render("○")
	}
}

func (a *App) viewRunDetail() string {
	if a.detail == nil || a.detail.Run == nil {
		return "No workflow selected"
	}
	run := a.detail.Run

	header := fmt.Sprintf("Workflow %s: %s", shortID(run.ID), run.DefinitionID)
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n"
	if run.Prompt != "" {
		s += run.Prompt + "\n"
	}
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n"
	if step := a.detail.NextStep; step != nil {
		s += labelStyle.Render("Next: ") + fmt.Sprintf("step %d  %s *%s", run.NextStep+1, step.Agent, step.Command) + "\n"
	}
	if run.StuckReason != "" {
		s += statusStuck.Render("Stuck: "+run.StuckReason) + "\n"
	}
	s += "\n"

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		sidebarStyle.Render(a.renderAgents()),
		lipgloss.NewStyle().PaddingLeft(1).Width(a.paneWidth()).Render(a.renderConversation()),
	)
	s += body + "\n"

	if a.err != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.mode != inputNone {
		s += "\n" + a.input.View() + "\n"
	}

	help := "[a] advance  [e] execute  [n] new conversation  [h] history  [R] reset  [esc] back"
	if a.openPrompt() != nil {
		help = "[1-9] pick option  [enter] answer  " + help
	}
	if a.mode != inputNone {
		help = "[enter] send  [esc] cancel"
	}
	s += "\n" + helpStyle.Render(help)

	return s
}

func (a *App) paneWidth() int {
	if a.width <= sidebarWidth+20 {
		return 80
	}
	return a.width - sidebarWidth - 4
}

func (a *App) renderAgents() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Agents") + "\n")

	additional := false
	for _, v := range a.detail.Agents {
		if v.IsAdditional && !additional {
			additional = true
			b.WriteString(dimStyle.Render("── additional ──") + "\n")
		}
		b.WriteString(formatAgentLine(v) + "\n")
	}

	if waiting := a.otherPrompts(); len(waiting) > 0 {
		b.WriteString("\n" + labelStyle.Render("Also waiting") + "\n")
		for _, p := range waiting {
			b.WriteString(statusStuck.Render("? "+p.Agent) + "\n")
		}
	}

	if len(a.detail.PendingHandoffs) > 0 {
		b.WriteString("\n" + labelStyle.Render("Handoffs") + "\n")
		for _, h := range a.detail.PendingHandoffs {
			b.WriteString(fmt.Sprintf("%s → %s\n", h.FromAgent, h.ToAgent))
		}
	}
	return b.String()
}

// otherPrompts returns the open prompts not shown in the conversation pane.
func (a *App) otherPrompts() []*models.ElicitationPrompt {
	var out []*models.ElicitationPrompt
	shown := a.openPrompt()
	for _, p := range a.detail.OpenPrompts {
		if shown != nil && p.Agent == shown.Agent {
			continue
		}
		out = append(out, p)
	}
	return out
}

func formatAgentLine(v resolver.AgentView) string {
	marker := " "
	switch {
	case v.IsActive:
		marker = "▶"
	case v.IsRecent:
		marker = "•"
	}
	name := v.Name
	if v.IsChoicePoint {
		name = v.Name + " ?"
	}
	line := fmt.Sprintf("%s %s %s %s", marker, v.Icon, truncate(name, 16), formatExecStatus(v.WorkflowStatus))
	if v.IsActive {
		return agentStyle.Render(line)
	}
	return line
}

func (a *App) renderConversation() string {
	var b strings.Builder

	conv := a.detail.Conversation
	if conv == nil || len(conv.Messages) == 0 {
		b.WriteString(dimStyle.Render("(no conversation yet, press 'a' to run the next step)") + "\n")
	} else {
		messages := conv.Messages
		if limit := a.messageBudget(); len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
		for _, m := range messages {
			b.WriteString(formatMessage(m) + "\n")
		}
	}

	if p := a.openPrompt(); p != nil {
		b.WriteString("\n" + promptStyle.Render(formatPrompt(p)) + "\n")
	}

	if a.busy {
		b.WriteString("\n" + statusRunning.Render("● waiting on agent...") + "\n")
	} else if out := a.lastOutcome; out != nil && out.Kind == conversation.OutcomeFailed && out.Err != nil {
		b.WriteString("\n" + statusFailed.Render(fmt.Sprintf("✗ %s *%s failed: %v", out.Agent, out.Command, out.Err)) + "\n")
	} else if out != nil && out.Artifact != nil {
		b.WriteString("\n" + statusComplete.Render("✓ created "+out.Artifact.Filename) + "\n")
	}
	return b.String()
}

func (a *App) messageBudget() int {
	if a.height <= 0 {
		return 12
	}
	return max(a.height/3, 4)
}

func formatMessage(m models.Message) string {
	sender := m.Sender()
	label := agentStyle.Render(sender)
	if m.Role == models.RoleUser {
		label = userStyle.Render("you")
	}
	return label + ": " + m.Content
}

func formatPrompt(p *models.ElicitationPrompt) string {
	s := agentStyle.Render(p.Agent) + " asks:\n" + p.Instruction
	for i, opt := range p.Options {
		s += fmt.Sprintf("\n  %d. %s", i+1, opt)
	}
	return s
}

func (a *App) viewNewRun() string {
	s := titleStyle.Render("New Workflow") + "\n\n"

	if len(a.definitions) == 0 {
		s += "  (no workflow definitions found)\n"
	}
	for i, def := range a.definitions {
		line := def.ID
		if def.Name != "" {
			line += "  " + dimStyle.Render(def.Name)
		}
		if i == a.defIdx {
			s += selectedStyle.Render("▶ "+def.ID) + "\n"
			if def.Description != "" {
				s += "    " + dimStyle.Render(def.Description) + "\n"
			}
			continue
		}
		s += "  " + line + "\n"
	}

	if a.err != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.mode == inputPrompt {
		s += "\n" + a.input.View() + "\n"
		s += "\n" + helpStyle.Render("[enter] start  [esc] cancel")
		return s
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] choose  [esc] cancel")

	return s
}

func (a *App) viewHistory() string {
	s := titleStyle.Render("Recent Commands") + "\n\n"

	if len(a.history) == 0 {
		s += "(no commands yet)\n"
	}
	for _, e := range a.history {
		mark := statusComplete.Render("✓")
		if !e.Success {
			mark = statusFailed.Render("✗")
		}
		line := fmt.Sprintf("%s %-10s *%-22s %8s  %s", mark, e.Agent, e.Command, formatDuration(e.Elapsed), dimStyle.Render(e.At.Format("15:04:05")))
		if e.Error != "" {
			line += "  " + statusFailed.Render(truncate(e.Error, 50))
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back  [ctrl+c] quit")

	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
