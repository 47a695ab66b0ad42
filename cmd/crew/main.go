package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mpataki/crew/internal/catalog"
	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/gateway"
	"github.com/mpataki/crew/internal/logging"
	crewLua "github.com/mpataki/crew/internal/lua"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/server"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/tui"
	"github.com/mpataki/crew/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "crew",
		Short: "Agent workflow orchestration",
		Long:  "Crew drives persona agents through workflows over a remote agent gateway.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newAdvanceCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newReplyCommand())
	rootCmd.AddCommand(newConversationCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newWorkflowsCommand())
	rootCmd.AddCommand(newHandoffCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newFilesCommand())
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is the wiring shared by every command.
type env struct {
	cfg    *config.Config
	store  *storage.Storage
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	logs   io.Closer
}

func setup() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, logs, err := logging.OpenFile(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	cat, reg, err := catalog.LoadAll(cfg.AgentDirs())
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	workflows, err := workflow.LoadAll(cfg.WorkflowDirs())
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	gw := gateway.NewHTTPClient(cfg.GatewayURL,
		gateway.WithToken(cfg.GatewayToken),
		gateway.WithLogger(logger),
	)

	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:           cat,
		Registry:          reg,
		Workflows:         workflows,
		Storage:           store,
		Gateway:           gw,
		WorkspaceDir:      cfg.WorkspacesDir(),
		CommandTimeout:    cfg.CommandTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		store.Close()
		logs.Close()
		return nil, err
	}

	return &env{cfg: cfg, store: store, orch: orch, logger: logger, logs: logs}, nil
}

func (e *env) Close() {
	e.store.Close()
	e.logs.Close()
}

func withEnv(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, args, e)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(e.orch)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <workflow> <prompt>",
		Short: "Start a new workflow",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")

			run, err := e.orch.StartWorkflow(args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to start workflow: %w", err)
			}

			fmt.Printf("Created workflow %s\n", run.ID)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			def, _ := e.orch.Workflows().Get(run.DefinitionID)
			if def.Script == "" {
				fmt.Println("Run 'crew advance " + run.ID + "' to execute the first step")
				return nil
			}
			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}
			return runScript(cmd.Context(), e, run.ID, def.Script)
		}),
	}

	cmd.Flags().Bool("no-exec", false, "Create the workflow but don't run its script")
	return cmd
}

func newAdvanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <workflow-id>",
		Short: "Run the next step of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			agent, _ := cmd.Flags().GetString("agent")
			out, err := e.orch.Advance(cmd.Context(), args[0], orchestrator.AdvanceOptions{
				Agent:  agent,
				Params: paramsFromFlags(cmd, ""),
			})
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		}),
	}

	cmd.Flags().String("agent", "", "Agent to run when the step is a choice point")
	addParamFlags(cmd)
	return cmd
}

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <workflow-id> <agent> <command> [prompt...]",
		Short: "Execute one agent command",
		Args:  cobra.MinimumNArgs(3),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			command := strings.TrimPrefix(args[2], "*")
			params := paramsFromFlags(cmd, strings.Join(args[3:], " "))

			out, err := e.orch.Execute(cmd.Context(), args[0], args[1], command, params)
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		}),
	}

	addParamFlags(cmd)
	return cmd
}

func newReplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply <workflow-id> <response...>",
		Short: "Answer the open question of a workflow",
		Long:  "Answer the open question of a workflow. A number picks the matching numbered option.",
		Args:  cobra.MinimumNArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			agent, _ := cmd.Flags().GetString("agent")
			out, err := e.orch.ReplyTo(cmd.Context(), args[0], agent, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		}),
	}

	cmd.Flags().String("agent", "", "Agent whose question to answer when several are waiting")
	return cmd
}

func newConversationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new <workflow-id> [agent]",
		Short: "Start a fresh conversation in a workflow",
		Long:  "Start a fresh conversation with an agent, or with the current one when no agent is given.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			agent := ""
			if len(args) == 2 {
				agent = args[1]
			}
			id, err := e.orch.NewConversation(args[0], agent)
			if err != nil {
				return err
			}
			fmt.Printf("Conversation %s\n", id)
			return nil
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show workflow status",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			view, err := e.orch.View(args[0])
			if err != nil {
				return err
			}
			run := view.Run

			fmt.Printf("Workflow %s: %s\n", run.ID, run.DefinitionID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Prompt: %s\n", run.Prompt)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			if view.NextStep != nil {
				fmt.Printf("Next step: %d (%s *%s)\n", run.NextStep+1, view.NextStep.Agent, view.NextStep.Command)
			}
			if run.StuckReason != "" {
				fmt.Printf("Stuck: %s\n", run.StuckReason)
			}

			if len(view.Agents) > 0 {
				fmt.Println("\nAgents:")
				for _, a := range view.Agents {
					marker := " "
					switch {
					case a.IsActive:
						marker = ">"
					case a.IsRecent:
						marker = "*"
					}
					order := fmt.Sprintf("%d", a.Order)
					if a.IsAdditional {
						order = "+"
					}
					fmt.Printf(" %s [%s] %s %-12s %-24s %s\n", marker, order, a.Icon, a.ID, a.Role, a.WorkflowStatus)
				}
			}

			for _, h := range view.PendingHandoffs {
				fmt.Printf("\nPending handoff %s: %s -> %s\n", h.ID, h.FromAgent, h.ToAgent)
			}

			if p := view.Prompt; p != nil {
				fmt.Printf("\n%s asks: %s\n", p.Agent, p.Instruction)
				for i, opt := range p.Options {
					fmt.Printf("  %d. %s\n", i+1, opt)
				}
				for _, other := range view.OpenPrompts {
					if other.Agent != p.Agent {
						fmt.Printf("Also waiting: %s (crew reply --agent %s)\n", other.Agent, other.Agent)
					}
				}
			}
			return nil
		}),
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent workflows",
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			runs, err := e.orch.Runs(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No workflows found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s %s [%s] %s %s\n",
					run.ID, run.DefinitionID, run.Status,
					storage.FormatTimeAgo(run.CreatedAt),
					truncate(run.Prompt, 50))
			}

			return nil
		}),
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show the most recent commands of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			entries, err := e.orch.History(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No commands yet.")
				return nil
			}
			for _, h := range entries {
				mark := "ok"
				if !h.Success {
					mark = "failed"
				}
				fmt.Printf("%s %s *%s [%s] %s\n", h.At.Format("15:04:05"), h.Agent, h.Command, mark, h.Elapsed.Round(time.Millisecond))
				if h.Error != "" {
					fmt.Printf("    %s\n", h.Error)
				}
			}
			return nil
		}),
	}
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List known agents and their commands",
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			for _, a := range e.orch.Catalog().List() {
				fmt.Printf("%s %-10s %s (%s)\n", a.Icon, a.ID, a.Name, a.Title)
				fmt.Printf("    *%s\n", strings.Join(a.Commands, " *"))
			}
			return nil
		}),
	}
}

func newWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List workflow definitions",
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			for _, w := range e.orch.Workflows().List() {
				kind := fmt.Sprintf("%d steps", len(w.Steps))
				if w.Script != "" {
					kind = "script"
				}
				fmt.Printf("%-20s %-10s %s\n", w.ID, kind, w.Description)
			}
			return nil
		}),
	}
}

func newHandoffCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Manage handoffs between agents",
	}

	initiate := &cobra.Command{
		Use:   "initiate <workflow-id> <from> <to>",
		Short: "Hand work from one agent to another",
		Args:  cobra.ExactArgs(3),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			pairs, _ := cmd.Flags().GetStringToString("payload")
			payload := make(map[string]any, len(pairs))
			for k, v := range pairs {
				payload[k] = v
			}
			h, err := e.orch.InitiateHandoff(args[1], args[2], args[0], payload)
			if err != nil {
				return err
			}
			fmt.Printf("Handoff %s: %s -> %s\n", h.ID, h.FromAgent, h.ToAgent)
			return nil
		}),
	}
	initiate.Flags().StringToString("payload", nil, "Payload entries as key=value")

	complete := &cobra.Command{
		Use:   "complete <handoff-id>",
		Short: "Mark a handoff as completed",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			h, err := e.orch.CompleteHandoff(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Completed handoff %s (%s -> %s)\n", h.ID, h.FromAgent, h.ToAgent)
			return nil
		}),
	}

	cmd.AddCommand(initiate, complete)
	return cmd
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <workflow-id>",
		Short: "Clear a workflow's state and documents",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			if err := e.orch.Reset(args[0]); err != nil {
				return fmt.Errorf("failed to reset workflow: %w", err)
			}
			fmt.Printf("Reset workflow %s\n", args[0])
			return nil
		}),
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			if err := e.orch.Delete(args[0]); err != nil {
				return fmt.Errorf("failed to delete workflow: %w", err)
			}
			fmt.Printf("Deleted workflow %s\n", args[0])
			return nil
		}),
	}
}

func newScriptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "script <workflow-id> [script.lua]",
		Short: "Drive a workflow with a Lua script",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			run, err := e.orch.Run(args[0])
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 2 {
				path = args[1]
			} else if def, ok := e.orch.Workflows().Get(run.DefinitionID); ok {
				path = def.Script
			}
			if path == "" {
				return fmt.Errorf("workflow %s has no script; pass one explicitly", run.ID)
			}
			return runScript(cmd.Context(), e, run.ID, path)
		}),
	}
}

func runScript(ctx context.Context, e *env, workflowID, path string) error {
	if !crewLua.IsLuaScript(path) {
		return fmt.Errorf("not a Lua script: %s", path)
	}
	run, err := e.orch.Run(workflowID)
	if err != nil {
		return err
	}

	fmt.Printf("Executing script %s...\n", path)
	rt := crewLua.NewRuntime(e.orch, run, e.logger)
	execErr := rt.Execute(ctx, path)
	for _, line := range rt.GetLogs() {
		fmt.Printf("  | %s\n", line)
	}

	// Re-fetch run to get updated status
	if run, err := e.orch.Run(workflowID); err == nil {
		fmt.Printf("Workflow finished with status: %s\n", run.Status)
		if run.StuckReason != "" {
			fmt.Printf("Reason: %s\n", run.StuckReason)
		}
	}
	if execErr != nil {
		return fmt.Errorf("script failed: %w", execErr)
	}
	return nil
}

func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List templates offered by the gateway",
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			templates := e.orch.Templates(cmd.Context())
			if len(templates) == 0 {
				fmt.Println("No templates available.")
			}
			for _, t := range templates {
				fmt.Printf("%-28s %s\n", t.ID, t.Name)
			}
			return nil
		}),
	}
}

func newFilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List documents offered by the gateway",
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			files := e.orch.Files(cmd.Context())
			if len(files) == 0 {
				fmt.Println("No files available.")
			}
			for _, f := range files {
				fmt.Printf("%-40s %s\n", f.Path, f.Type)
			}
			return nil
		}),
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			addr, _ := cmd.Flags().GetString("listen")
			if addr == "" {
				addr = e.cfg.ListenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gin.SetMode(gin.ReleaseMode)
			fmt.Printf("Listening on %s\n", addr)
			return server.New(e.orch, e.logger).ListenAndServe(ctx, addr)
		}),
	}

	cmd.Flags().String("listen", "", "Listen address (default from config)")
	return cmd
}

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().String("template", "", "Template for commands that need one")
	cmd.Flags().String("file", "", "Source document for commands that need one")
	cmd.Flags().String("prompt", "", "Prompt passed to the agent")
}

func paramsFromFlags(cmd *cobra.Command, prompt string) conversation.Params {
	template, _ := cmd.Flags().GetString("template")
	file, _ := cmd.Flags().GetString("file")
	if p, _ := cmd.Flags().GetString("prompt"); p != "" {
		prompt = p
	}
	return conversation.Params{Prompt: prompt, Template: template, File: file}
}

func printOutcome(out *conversation.Outcome) {
	switch out.Kind {
	case conversation.OutcomeFailed:
		fmt.Printf("%s *%s failed: %v\n", out.Agent, out.Command, out.Err)
		return
	case conversation.OutcomeElicitation:
		fmt.Printf("%s asks:\n%s\n", out.Agent, out.Message)
		for i, opt := range out.Options {
			fmt.Printf("  %d. %s\n", i+1, opt)
		}
		fmt.Println("\nAnswer with 'crew reply <workflow-id> <answer>'")
	case conversation.OutcomeDiscarded:
		fmt.Printf("%s *%s: %s\n", out.Agent, out.Command, out.Message)
		return
	case conversation.OutcomeDocument:
		fmt.Printf("%s: %s\n", out.Agent, out.Message)
		if out.Artifact != nil {
			fmt.Printf("Created %s\n", out.Artifact.Filename)
		}
	default:
		fmt.Printf("%s: %s\n", out.Agent, out.Message)
	}
	fmt.Printf("(%s, conversation %s)\n", out.Elapsed.Round(time.Millisecond), out.ConversationID)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
