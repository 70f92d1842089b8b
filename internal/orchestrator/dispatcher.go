package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/orca/internal/exec"
	"github.com/ShayCichocki/orca/internal/protocol"
	"github.com/ShayCichocki/orca/pkg/models"
)

const (
	traceScope      = "github.com/ShayCichocki/orca/internal/orchestrator"
	traceSpanAction = "orca.action"
	traceSpanTurn   = "orca.turn"

	traceAttrAgentID = "orca.agent_id"
	traceAttrTaskID  = "orca.task_id"
	traceAttrKind    = "orca.action_kind"
	traceAttrTurn    = "orca.turn"
)

// DefaultBootstrapLines is how many lines of a bootstrap file are pre-fetched for a worker.
const DefaultBootstrapLines = 1000

// BootstrapContext is a pre-fetched file or directory listing handed to a worker.
type BootstrapContext struct {
	Path    string
	Reason  string
	Content string
}

// Brief is everything a worker needs to execute a task.
type Brief struct {
	TaskID        string
	ParentAgentID string
	AgentType     models.AgentType
	Title         string
	Description   string
	Depth         int
	MaxTurns      int
	Contexts      []models.ContextEntry
	Bootstrap     []BootstrapContext
}

// Launcher runs a worker for a brief and returns its terminal report.
type Launcher interface {
	Launch(ctx context.Context, brief Brief) (models.SubagentReport, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, brief Brief) (models.SubagentReport, error)

// Launch calls f(ctx, brief).
func (f LauncherFunc) Launch(ctx context.Context, brief Brief) (models.SubagentReport, error) {
	return f(ctx, brief)
}

// Identity names the agent a dispatcher acts for.
type Identity struct {
	AgentID   string
	Role      models.Role
	AgentType models.AgentType
	// TaskID is the task the agent is executing. Empty for the controller.
	TaskID string
}

// Outcome is the response to one dispatched action.
type Outcome struct {
	Output  string
	IsError bool

	// Context reference resolution of a launch, zero for other actions.
	RefsResolved int
	RefsMissing  int
}

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	// Verbose requests contexts and trajectory in ingested results.
	Verbose bool
	// BootstrapLines caps pre-fetched file content. Defaults to DefaultBootstrapLines.
	BootstrapLines int
}

// Dispatcher routes validated actions to their handlers on behalf of one agent.
type Dispatcher struct {
	hub      *Hub
	env      exec.Environment
	launcher Launcher
	id       Identity
	ws       *Workspace
	opts     DispatcherOptions
}

// NewDispatcher creates a dispatcher. env may be nil for agents that never
// touch the sandbox, and launcher may be nil for agents that never delegate.
func NewDispatcher(hub *Hub, env exec.Environment, launcher Launcher, id Identity, ws *Workspace, opts DispatcherOptions) *Dispatcher {
	if ws == nil {
		ws = NewWorkspace()
	}
	if opts.BootstrapLines <= 0 {
		opts.BootstrapLines = DefaultBootstrapLines
	}
	return &Dispatcher{hub: hub, env: env, launcher: launcher, id: id, ws: ws, opts: opts}
}

// Identity returns the agent the dispatcher acts for.
func (d *Dispatcher) Identity() Identity {
	return d.id
}

// Workspace returns the agent's todo list and scratchpad.
func (d *Dispatcher) Workspace() *Workspace {
	return d.ws
}

// formatOutput wraps a handler response in <name_output> tags.
func formatOutput(name, content string) string {
	tag := name + "_output"
	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, content, tag)
}

func errorOutcome(name, format string, args ...interface{}) Outcome {
	return Outcome{Output: formatOutput(name, "[ERROR] "+fmt.Sprintf(format, args...)), IsError: true}
}

// outputName is the response tag family of an action.
func outputName(a protocol.Action) string {
	switch a.(type) {
	case protocol.BashAction:
		return "bash"
	case protocol.ReadFileAction, protocol.WriteFileAction, protocol.EditFileAction,
		protocol.MultiEditAction, protocol.FileMetadataAction, protocol.WriteTempScriptAction:
		return "file"
	case protocol.GrepAction, protocol.GlobAction, protocol.ListAction:
		return "search"
	case protocol.TodoAction:
		return "todo"
	case protocol.AddNoteAction, protocol.ViewNotesAction:
		return "scratchpad"
	case protocol.TaskCreateAction:
		return "task"
	case protocol.AddContextAction:
		return "context"
	case protocol.LaunchSubagentAction:
		return "subagent"
	case protocol.ReportAction:
		return "report"
	case protocol.FinishAction:
		return "finish"
	default:
		return "unknown"
	}
}

// Dispatch executes one action. It never panics: a failing handler is
// reported as an error outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, a protocol.Action) (out Outcome) {
	ctx, span := otel.Tracer(traceScope).Start(ctx, traceSpanAction, trace.WithAttributes(
		attribute.String(traceAttrAgentID, d.id.AgentID),
		attribute.String(traceAttrTaskID, d.id.TaskID),
		attribute.String(traceAttrKind, string(a.Kind())),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			debugLog("[dispatch] agent=%s action=%s panic: %v", d.id.AgentID, a.Kind(), r)
			out = Outcome{Output: fmt.Sprintf("[ERROR] Action execution failed: %v", r), IsError: true}
		}
		if out.IsError {
			span.SetStatus(codes.Error, "action failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		d.hub.Metrics().IncAction(string(a.Kind()), out.IsError)
		debugLog("[dispatch] agent=%s %s error=%v took=%s", d.id.AgentID, protocol.Describe(a), out.IsError, time.Since(start).Round(time.Millisecond))
	}()

	if reason := d.denied(a); reason != "" {
		return errorOutcome(outputName(a), "%s", reason)
	}

	switch v := a.(type) {
	case protocol.BashAction:
		return d.handleBash(ctx, v)
	case protocol.FinishAction:
		return Outcome{Output: formatOutput("finish", "Task marked as complete: "+v.Message)}
	case protocol.ReportAction:
		return Outcome{Output: formatOutput("report", "Report submission successful")}
	case protocol.TodoAction:
		return d.handleTodo(v)
	case protocol.AddNoteAction:
		if v.Content == "" {
			return Outcome{Output: formatOutput("scratchpad", "[ERROR] Cannot add empty note"), IsError: true}
		}
		idx := d.ws.AddNote(v.Content)
		return Outcome{Output: formatOutput("scratchpad", fmt.Sprintf("Added note %d to scratchpad", idx+1))}
	case protocol.ViewNotesAction:
		return Outcome{Output: formatOutput("scratchpad", d.ws.ViewNotes())}
	case protocol.ReadFileAction:
		return envOutcome("file", func() (string, error) { return d.env.ReadFile(v.FilePath, v.Offset, v.Limit) })
	case protocol.WriteFileAction:
		return envOutcome("file", func() (string, error) { return d.env.WriteFile(v.FilePath, v.Content) })
	case protocol.WriteTempScriptAction:
		return envOutcome("file", func() (string, error) { return d.env.WriteFile(v.FilePath, v.Content) })
	case protocol.EditFileAction:
		return envOutcome("file", func() (string, error) {
			return d.env.EditFile(v.FilePath, v.OldString, v.NewString, v.ReplaceAll)
		})
	case protocol.MultiEditAction:
		edits := make([]exec.Edit, len(v.Edits))
		for i, e := range v.Edits {
			edits[i] = exec.Edit{OldString: e.OldString, NewString: e.NewString, ReplaceAll: e.ReplaceAll}
		}
		return envOutcome("file", func() (string, error) { return d.env.MultiEdit(v.FilePath, edits) })
	case protocol.FileMetadataAction:
		return envOutcome("file", func() (string, error) { return d.env.Metadata(v.FilePaths) })
	case protocol.GrepAction:
		return envOutcome("search", func() (string, error) { return d.env.Grep(ctx, v.Pattern, v.Path, v.Include) })
	case protocol.GlobAction:
		return envOutcome("search", func() (string, error) { return d.env.Glob(v.Pattern, v.Path) })
	case protocol.ListAction:
		return envOutcome("search", func() (string, error) { return d.env.List(v.Path, v.Ignore) })
	case protocol.TaskCreateAction:
		return d.handleTaskCreate(ctx, v)
	case protocol.AddContextAction:
		return d.handleAddContext(v)
	case protocol.LaunchSubagentAction:
		return d.handleLaunch(ctx, v.TaskID)
	default:
		return Outcome{Output: formatOutput("unknown", fmt.Sprintf("[ERROR] Unknown action type: %s", a.Kind())), IsError: true}
	}
}

// denied returns why the agent may not perform the action, or "" if it may.
func (d *Dispatcher) denied(a protocol.Action) string {
	switch d.id.Role {
	case models.RoleController:
		if protocol.IsEnvironment(a) {
			return fmt.Sprintf("The orchestrator cannot use '%s' directly. Delegate the work to a subagent with task_create.", a.Kind())
		}
		if _, ok := a.(protocol.ReportAction); ok {
			return "The orchestrator does not submit reports. Use finish when the objective is done."
		}
	case models.RoleSubagent:
		if _, ok := a.(protocol.FinishAction); ok {
			return "Subagents cannot finish. Submit your findings with report."
		}
		if d.id.AgentType == models.AgentTypeExplorer && protocol.IsMutatingFile(a) {
			return fmt.Sprintf("Explorer agents are read-only and cannot use '%s'. Use write_temp_script for throwaway scripts.", a.Kind())
		}
	}
	if protocol.IsEnvironment(a) && d.env == nil {
		return "No execution environment is available."
	}
	return ""
}

func envOutcome(name string, fn func() (string, error)) Outcome {
	content, err := fn()
	if err != nil {
		return errorOutcome(name, "%v", err)
	}
	return Outcome{Output: formatOutput(name, content)}
}

func (d *Dispatcher) handleBash(ctx context.Context, a protocol.BashAction) Outcome {
	if !a.Block {
		pid, err := d.env.Start(a.Cmd)
		if err != nil {
			return Outcome{Output: formatOutput("bash", fmt.Sprintf("Error executing command: %v", err)), IsError: true}
		}
		return Outcome{Output: formatOutput("bash", fmt.Sprintf("Command started in background (pid %d)", pid))}
	}

	timeout := time.Duration(a.TimeoutSecs) * time.Second
	res, err := d.env.Run(ctx, a.Cmd, timeout)
	switch {
	case errors.Is(err, exec.ErrTimeout):
		msg := strings.TrimRight(res.Output, "\n")
		if msg != "" {
			msg += "\n"
		}
		msg += fmt.Sprintf("[TIMEOUT] command exceeded %ds", a.TimeoutSecs)
		return Outcome{Output: formatOutput("bash", msg), IsError: true}
	case err != nil:
		return Outcome{Output: formatOutput("bash", fmt.Sprintf("Error executing command: %v", err)), IsError: true}
	}
	return Outcome{Output: formatOutput("bash", res.Output), IsError: res.ExitCode != 0}
}

func (d *Dispatcher) handleTodo(a protocol.TodoAction) Outcome {
	var (
		results  []string
		hasError bool
		viewAll  = a.ViewAll
	)

	for _, op := range a.Operations {
		switch op.Action {
		case protocol.TodoAdd:
			id := d.ws.AddTodo(op.Content)
			results = append(results, fmt.Sprintf("Added todo [%d]: %s", id, truncateContent(op.Content, 15)))
		case protocol.TodoComplete:
			item, ok := d.ws.Todo(op.TaskID)
			switch {
			case !ok:
				results = append(results, fmt.Sprintf("[ERROR] Task %d not found", op.TaskID))
				hasError = true
			case item.Status == TodoCompleted:
				results = append(results, fmt.Sprintf("Task %d is already completed", op.TaskID))
			default:
				d.ws.CompleteTodo(op.TaskID)
				results = append(results, fmt.Sprintf("Completed task [%d]: %s", op.TaskID, truncateContent(item.Content, 15)))
			}
		case protocol.TodoDelete:
			item, ok := d.ws.Todo(op.TaskID)
			if !ok {
				results = append(results, fmt.Sprintf("[ERROR] Task %d not found", op.TaskID))
				hasError = true
				continue
			}
			d.ws.DeleteTodo(op.TaskID)
			results = append(results, fmt.Sprintf("Deleted task [%d]: %s", op.TaskID, truncateContent(item.Content, 15)))
		case protocol.TodoViewAll:
			viewAll = true
		}
	}

	response := strings.Join(results, "\n")
	if viewAll {
		if response != "" {
			response += "\n\n"
		}
		response += d.ws.ViewTodos()
	}
	return Outcome{Output: formatOutput("todo", response), IsError: hasError}
}

func (d *Dispatcher) handleTaskCreate(ctx context.Context, a protocol.TaskCreateAction) Outcome {
	task, err := d.hub.CreateTask(TaskInput{
		OwnerID:     d.id.AgentID,
		ParentID:    d.id.TaskID,
		AgentType:   a.AgentType,
		Title:       a.Title,
		Description: a.Description,
		ContextRefs: a.ContextRefs,
		Bootstrap:   a.Bootstrap,
	})
	if err != nil {
		var refsErr *UnresolvedRefsError
		if errors.As(err, &refsErr) {
			return Outcome{Output: formatOutput("task", refsErr.Message()), IsError: true}
		}
		return errorOutcome("task", "Failed to create task: %v", err)
	}

	response := fmt.Sprintf("Created task %s: %s", task.ID, task.Title)
	if !a.AutoLaunch {
		return Outcome{Output: formatOutput("task", response)}
	}

	launched := d.handleLaunch(ctx, task.ID)
	launched.Output = formatOutput("task", response+"\n"+launched.Output)
	return launched
}

func (d *Dispatcher) handleAddContext(a protocol.AddContextAction) Outcome {
	if d.hub.AddContext(a.ID, a.Content, a.ReportedBy, a.TaskID) {
		return Outcome{Output: formatOutput("context", fmt.Sprintf("Updated context '%s' (overwrote previous content)", a.ID))}
	}
	return Outcome{Output: formatOutput("context", fmt.Sprintf("Added context '%s' to store", a.ID))}
}

func (d *Dispatcher) handleLaunch(ctx context.Context, taskID string) Outcome {
	task, ok := d.hub.Task(taskID)
	if !ok {
		return errorOutcome("subagent", "Task %s not found", taskID)
	}
	if d.launcher == nil {
		return errorOutcome("subagent", "Cannot launch task %s: no launcher configured", taskID)
	}
	if err := d.hub.BeginLaunch(taskID, d.id.AgentID); err != nil {
		return errorOutcome("subagent", "Cannot launch task %s: %v", taskID, err)
	}
	defer d.hub.EndLaunch(taskID)

	res := d.hub.ResolveRefs(task.ContextRefs)
	d.hub.Metrics().AddRefs(res.Resolved, len(res.Missing))
	if len(res.Missing) > 0 {
		debugLog("[dispatch] task=%s unresolved refs at launch: %v", taskID, res.Missing)
	}

	brief := Brief{
		TaskID:        task.ID,
		ParentAgentID: d.id.AgentID,
		AgentType:     task.AgentType,
		Title:         task.Title,
		Description:   task.Description,
		Depth:         task.Depth,
		MaxTurns:      task.MaxTurns,
		Contexts:      res.Entries,
		Bootstrap:     d.bootstrap(task.Bootstrap),
	}

	report, err := d.launcher.Launch(ctx, brief)
	if err != nil {
		debugLog("[dispatch] task=%s launcher error: %v", taskID, err)
		report = models.SubagentReport{
			Failed:   true,
			Reason:   err.Error(),
			Comments: fmt.Sprintf("Subagent could not run: %v", err),
		}
	}

	result, err := d.hub.ProcessSubagentResult(taskID, d.id.AgentID, report, IngestOptions{Verbose: d.opts.Verbose})
	if err != nil {
		return errorOutcome("subagent", "Failed to ingest result for task %s: %v", taskID, err)
	}

	verb := "completed"
	if result.Status == models.TaskStatusFailed {
		verb = "failed"
	}
	lines := []string{
		fmt.Sprintf("Subagent %s task %s", verb, taskID),
		fmt.Sprintf("Contexts stored: %s", strings.Join(result.ContextIDsStored, ", ")),
	}
	if result.Comments != "" {
		lines = append(lines, "Comments: "+result.Comments)
	}
	return Outcome{
		Output:       formatOutput("subagent", strings.Join(lines, "\n")),
		IsError:      result.Status == models.TaskStatusFailed,
		RefsResolved: res.Resolved,
		RefsMissing:  len(res.Missing),
	}
}

// bootstrap pre-fetches the files and directory listings a task asked for.
// Failures are handed to the worker as content rather than aborting the launch.
func (d *Dispatcher) bootstrap(items []models.BootstrapItem) []BootstrapContext {
	if len(items) == 0 || d.env == nil {
		return nil
	}
	out := make([]BootstrapContext, 0, len(items))
	for _, item := range items {
		var (
			content string
			err     error
		)
		if item.IsDir() {
			content, err = d.env.List(item.Path, nil)
		} else {
			content, err = d.env.ReadFile(item.Path, 0, d.opts.BootstrapLines)
		}
		if err != nil {
			content = "[ERROR] " + err.Error()
		}
		out = append(out, BootstrapContext{Path: item.Path, Reason: item.Reason, Content: content})
	}
	return out
}
