package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
	"github.com/joescharf/modeguard/internal/workflow"
)

// ModeLister lists the merged mode definitions.
type ModeLister interface {
	List() ([]models.ModeDefinition, error)
}

// Server exposes the workflow engine as MCP tools so the agent can drive
// its own mode without shelling out.
type Server struct {
	engine  *workflow.Engine
	modes   ModeLister
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(engine *workflow.Engine, modes ModeLister, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{engine: engine, modes: modes, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("modeguard", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listModesTool())
	srv.AddTool(s.enterModeTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.canExitTool())
	srv.AddTool(s.exitModeTool())
	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.updateTaskTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requireSession(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id, err := request.RequireString("session_id")
	if err != nil || id == "" {
		return "", mcp.NewToolResultError("missing required parameter: session_id")
	}
	if err := session.ValidateSessionID(id); err != nil {
		return "", mcp.NewToolResultError(err.Error())
	}
	return id, nil
}

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(), mcp.Description("Claude Code session id"))
}

type phaseOut struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Title     string   `json:"title"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type modeOut struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Source      string     `json:"source"`
	Phases      []phaseOut `json:"phases"`
}

func toModeOut(d models.ModeDefinition) modeOut {
	out := modeOut{ID: d.ID, Name: d.Name, Description: d.Description, Source: string(d.Source)}
	for _, p := range d.Phases {
		out.Phases = append(out.Phases, phaseOut{
			ID: p.ID, Name: p.Name, Title: p.TaskConfig.Title, DependsOn: p.TaskConfig.DependsOn,
		})
	}
	return out
}

type taskOut struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Phase      string   `json:"phase,omitempty"`
	WorkflowID string   `json:"workflow_id"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

func toTaskOut(t *models.Task) taskOut {
	return taskOut{
		ID: t.ID, Title: t.Title, Status: string(t.Status), Phase: t.PhaseID,
		WorkflowID: t.WorkflowID, DependsOn: t.DependsOn,
	}
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// modeguard_list_modes
func (s *Server) listModesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_list_modes",
		mcp.WithDescription("List available workflow modes (built-in and project-defined) with their phases and phase dependencies."),
	)
	return tool, s.handleListModes
}

func (s *Server) handleListModes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.modes.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load modes: %v", err)), nil
	}
	out := make([]modeOut, len(defs))
	for i, d := range defs {
		out[i] = toModeOut(d)
	}
	return jsonResult(out)
}

// modeguard_enter_mode
func (s *Server) enterModeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_enter_mode",
		mcp.WithDescription("Enter a workflow mode. Creates one task per phase; the session cannot end until all of them are closed."),
		sessionParam(),
		mcp.WithString("mode", mcp.Description("Mode id (see modeguard_list_modes)")),
		mcp.WithString("template", mcp.Description("Path to an ad-hoc template document; overrides mode")),
		mcp.WithBoolean("force", mcp.Description("Switch modes even if the current workflow has open tasks")),
	)
	return tool, s.handleEnterMode
}

func (s *Server) handleEnterMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, errResult := requireSession(request)
	if errResult != nil {
		return errResult, nil
	}
	opts := workflow.EnterOptions{
		Mode:         request.GetString("mode", ""),
		TemplatePath: request.GetString("template", ""),
		Force:        request.GetBool("force", false),
	}
	if opts.Mode == "" && opts.TemplatePath == "" {
		return mcp.NewToolResultError("missing required parameter: mode or template"), nil
	}

	m, err := s.engine.Enter(ctx, sid, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to enter mode: %v", err)), nil
	}

	tasks := make([]taskOut, 0, len(m.Order))
	for _, phase := range m.Order {
		t, err := s.engine.Tasks.ForSession(sid).GetTask(ctx, m.TaskIDs[phase])
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load task for phase %s: %v", phase, err)), nil
		}
		tasks = append(tasks, toTaskOut(t))
	}
	return jsonResult(map[string]any{
		"mode":          m.Mode.ID,
		"workflow_id":   m.WorkflowID,
		"current_phase": m.State.Phase(),
		"instructions":  m.Mode.Body,
		"tasks":         tasks,
	})
}

// modeguard_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_status",
		mcp.WithDescription("Show the session's current mode, phase, workflow id, tasks and mode history."),
		sessionParam(),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, errResult := requireSession(request)
	if errResult != nil {
		return errResult, nil
	}
	st, err := s.engine.Status(ctx, sid)
	if errors.IsNotFound(err) {
		return jsonResult(map[string]any{"session_id": sid, "current_mode": nil})
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load status: %v", err)), nil
	}

	tasks := make([]taskOut, len(st.Tasks))
	for i, t := range st.Tasks {
		tasks[i] = toTaskOut(t)
	}
	return jsonResult(map[string]any{
		"session_id":    sid,
		"current_mode":  st.Session.CurrentMode,
		"current_phase": st.Session.CurrentPhase,
		"workflow_id":   st.Session.WorkflowID,
		"tasks":         tasks,
		"history":       st.Session.ModeHistory,
		"can_exit":      st.Report.Allowed,
	})
}

// modeguard_can_exit
func (s *Server) canExitTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_can_exit",
		mcp.WithDescription("Check whether the session may end. Lists every task of the active workflow that is not closed."),
		sessionParam(),
	)
	return tool, s.handleCanExit
}

func (s *Server) handleCanExit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, errResult := requireSession(request)
	if errResult != nil {
		return errResult, nil
	}
	report, err := s.engine.CanExit(ctx, sid)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to evaluate exit: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"allowed":     report.Allowed,
		"workflow_id": report.WorkflowID,
		"blocking":    report.Blocking,
		"total":       report.Total,
		"closed":      report.Closed,
		"message":     report.Message(),
	})
}

// modeguard_exit_mode
func (s *Server) exitModeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_exit_mode",
		mcp.WithDescription("Leave the current mode. Fails while tasks are open unless force is set; tasks are never modified."),
		sessionParam(),
		mcp.WithBoolean("force", mcp.Description("Leave the mode even with open tasks")),
	)
	return tool, s.handleExitMode
}

func (s *Server) handleExitMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, errResult := requireSession(request)
	if errResult != nil {
		return errResult, nil
	}
	report, err := s.engine.Exit(ctx, sid, request.GetBool("force", false))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if report.WorkflowID == "" {
		return mcp.NewToolResultText("No active mode."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Exited %s mode (workflow %s).", report.Mode, report.WorkflowID)), nil
}

// modeguard_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_list_tasks",
		mcp.WithDescription("List tasks of the session's active workflow, or of another workflow by id."),
		sessionParam(),
		mcp.WithString("workflow_id", mcp.Description("Workflow id; defaults to the session's active workflow")),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("open", "in_progress", "closed")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, errResult := requireSession(request)
	if errResult != nil {
		return errResult, nil
	}

	filter := store.TaskFilter{WorkflowID: request.GetString("workflow_id", "")}
	if raw := request.GetString("status", ""); raw != "" {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Status = status
	}
	if filter.WorkflowID == "" {
		state, err := s.engine.Sessions.Load(ctx, sid)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load session: %v", err)), nil
		}
		if state == nil || state.Workflow() == "" {
			return jsonResult([]taskOut{})
		}
		filter.WorkflowID = state.Workflow()
	}

	tasks, err := s.engine.ListTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	out := make([]taskOut, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskOut(t)
	}
	return jsonResult(out)
}

// modeguard_update_task
func (s *Server) updateTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("modeguard_update_task",
		mcp.WithDescription("Set a task's status. Closing tasks is how a mode is completed."),
		sessionParam(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status"), mcp.Enum("open", "in_progress", "closed")),
	)
	return tool, s.handleUpdateTask
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, errResult := requireSession(request)
	if errResult != nil {
		return errResult, nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	rawStatus, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}
	status, err := models.ParseTaskStatus(rawStatus)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t, err := s.engine.UpdateTask(ctx, sid, taskID, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}

	out := map[string]any{"task": toTaskOut(t)}
	if state, err := s.engine.RefreshPhase(ctx, sid); err == nil && state != nil {
		out["current_phase"] = state.CurrentPhase
	}
	if report, err := s.engine.CanExit(ctx, sid); err == nil {
		out["can_exit"] = report.Allowed
		out["remaining"] = len(report.Blocking)
	}
	return jsonResult(out)
}
