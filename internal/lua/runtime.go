package lua

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
)

// Driver is the part of the orchestrator a script can reach.
type Driver interface {
	Execute(ctx context.Context, workflowID, agentID, commandID string, params conversation.Params) (*conversation.Outcome, error)
	Reply(ctx context.Context, workflowID, response string) (*conversation.Outcome, error)
	InitiateHandoff(fromAgent, toAgent, workflowID string, payload map[string]any) (*models.Handoff, error)
	AcceptHandoffs(workflowID, agentID string) error
	Finish(workflowID, reason string) error
}

// Runtime executes Lua workflow scripts in a sandboxed environment
type Runtime struct {
	driver    Driver
	run       *models.WorkflowRun
	logger    *slog.Logger
	ctx       context.Context
	callIndex int
	logs      []string

	// stuckReason is set when stuck() is called
	stuckReason string
	isStuck     bool
}

// NewRuntime creates a new Lua runtime for executing a workflow run
func NewRuntime(driver Driver, run *models.WorkflowRun, logger *slog.Logger) *Runtime {
	return &Runtime{
		driver: driver,
		run:    run,
		logger: logging.WithComponent(logger, "lua").With("workflow", run.ID),
		logs:   make([]string, 0),
	}
}

// Execute runs workflow(prompt) from the script and records how the run ended.
func (r *Runtime) Execute(ctx context.Context, scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	r.ctx = ctx

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	workflow := L.GetGlobal("workflow")
	if workflow == lua.LNil {
		return fmt.Errorf("script must define a 'workflow' function")
	}

	L.Push(workflow)
	L.Push(lua.LString(r.run.Prompt))
	if err := L.PCall(1, 0, nil); err != nil {
		if r.isStuck {
			return r.driver.Finish(r.run.ID, r.stuckReason)
		}
		if ferr := r.driver.Finish(r.run.ID, "script failed: "+err.Error()); ferr != nil {
			r.logger.Warn("finish_failed", "error", ferr)
		}
		return fmt.Errorf("workflow execution failed: %w", err)
	}

	if r.isStuck {
		return r.driver.Finish(r.run.ID, r.stuckReason)
	}
	return r.driver.Finish(r.run.ID, "")
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Scripts must be replayable.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("execute", L.NewFunction(r.luaExecute))
	L.SetGlobal("respond", L.NewFunction(r.luaRespond))
	L.SetGlobal("handoff", L.NewFunction(r.luaHandoff))
	L.SetGlobal("stuck", L.NewFunction(r.luaStuck))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaExecute implements execute(agent, command, params?). Pending handoffs to
// the agent are accepted before the command runs.
func (r *Runtime) luaExecute(L *lua.LState) int {
	agent := L.CheckString(1)
	command := L.CheckString(2)
	params := paramsFromTable(L.OptTable(3, nil))
	if params.Prompt == "" {
		params.Prompt = r.run.Prompt
	}

	r.callIndex++
	if err := r.driver.AcceptHandoffs(r.run.ID, agent); err != nil {
		L.Push(failedTable(L, agent, command, err))
		return 1
	}

	out, err := r.driver.Execute(r.ctx, r.run.ID, agent, command, params)
	if err != nil {
		L.Push(failedTable(L, agent, command, err))
		return 1
	}
	L.Push(outcomeToTable(L, out))
	return 1
}

// luaRespond implements respond(text), answering the open prompt.
func (r *Runtime) luaRespond(L *lua.LState) int {
	text := L.CheckString(1)

	r.callIndex++
	out, err := r.driver.Reply(r.ctx, r.run.ID, text)
	if err != nil {
		L.Push(failedTable(L, "", "", err))
		return 1
	}
	L.Push(outcomeToTable(L, out))
	return 1
}

// luaHandoff implements handoff(from, to, payload?) and returns the handoff id.
func (r *Runtime) luaHandoff(L *lua.LState) int {
	from := L.CheckString(1)
	to := L.CheckString(2)
	var payload map[string]any
	if tbl := L.OptTable(3, nil); tbl != nil {
		payload, _ = luaToGo(tbl).(map[string]any)
	}

	h, err := r.driver.InitiateHandoff(from, to, r.run.ID, payload)
	if err != nil {
		L.RaiseError("handoff failed: %v", err)
		return 0
	}
	r.logger.Info("script_handoff", "from", from, "to", to, "payload_keys", sortedKeys(payload))
	L.Push(lua.LString(h.ID))
	return 1
}

// luaStuck implements the stuck(reason?) API
func (r *Runtime) luaStuck(L *lua.LState) int {
	reason := L.OptString(1, "workflow stuck")
	r.stuckReason = reason
	r.isStuck = true
	// Raise an error to stop execution
	L.RaiseError("stuck: %s", reason)
	return 0
}

// luaContext implements the context() API
func (r *Runtime) luaContext(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "workflow_id", lua.LString(r.run.ID))
	L.SetField(tbl, "definition", lua.LString(r.run.DefinitionID))
	L.SetField(tbl, "workspace", lua.LString(r.run.WorkspacePath))
	L.SetField(tbl, "docs", lua.LString(filepath.Join(r.run.WorkspacePath, "docs")))
	L.SetField(tbl, "calls", lua.LNumber(r.callIndex))
	L.SetField(tbl, "prompt", lua.LString(r.run.Prompt))
	L.Push(tbl)
	return 1
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Info("script_log", "message", message)
	return 0
}

// GetLogs returns the logs collected during execution
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsLuaScript checks if a file is a Lua workflow script
func IsLuaScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}

func paramsFromTable(tbl *lua.LTable) conversation.Params {
	var p conversation.Params
	if tbl == nil {
		return p
	}
	raw, _ := luaToGo(tbl).(map[string]any)
	for k, v := range raw {
		s, isString := v.(string)
		switch {
		case k == "template" && isString:
			p.Template = s
		case k == "file" && isString:
			p.File = s
		case k == "prompt" && isString:
			p.Prompt = s
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = v
		}
	}
	return p
}

func outcomeToTable(L *lua.LState, out *conversation.Outcome) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "kind", lua.LString(out.Kind))
	L.SetField(tbl, "agent", lua.LString(out.Agent))
	L.SetField(tbl, "command", lua.LString(out.Command))
	L.SetField(tbl, "conversation_id", lua.LString(out.ConversationID))
	L.SetField(tbl, "message", lua.LString(out.Message))
	if len(out.Options) > 0 {
		opts := L.NewTable()
		for _, o := range out.Options {
			opts.Append(lua.LString(o))
		}
		L.SetField(tbl, "options", opts)
	}
	if out.Artifact != nil {
		a := L.NewTable()
		L.SetField(a, "filename", lua.LString(out.Artifact.Filename))
		L.SetField(a, "title", lua.LString(out.Artifact.Title))
		L.SetField(a, "type", lua.LString(out.Artifact.Type))
		L.SetField(a, "content", lua.LString(out.Artifact.Content))
		L.SetField(tbl, "artifact", a)
	}
	if out.Err != nil {
		L.SetField(tbl, "error", lua.LString(out.Err.Error()))
	}
	return tbl
}

func failedTable(L *lua.LState, agent, command string, err error) *lua.LTable {
	return outcomeToTable(L, &conversation.Outcome{
		Kind:    conversation.OutcomeFailed,
		Agent:   agent,
		Command: command,
		Err:     err,
	})
}

// luaToGo converts a Lua value to plain Go values. Tables with only
// consecutive integer keys from 1 become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			count := 0
			val.ForEach(func(lua.LValue, lua.LValue) { count++ })
			if count == n {
				list := make([]any, 0, n)
				for i := 1; i <= n; i++ {
					list = append(list, luaToGo(val.RawGetInt(i)))
				}
				return list
			}
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return v.String()
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
