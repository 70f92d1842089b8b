package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orca/internal/exec"
	"github.com/ShayCichocki/orca/internal/protocol"
	"github.com/ShayCichocki/orca/internal/testutil"
	"github.com/ShayCichocki/orca/pkg/models"
)

func controllerIdentity() Identity {
	return Identity{AgentID: controllerID, Role: models.RoleController}
}

func subagentIdentity(agentType models.AgentType, taskID string) Identity {
	return Identity{AgentID: string(agentType) + "-1234abcd", Role: models.RoleSubagent, AgentType: agentType, TaskID: taskID}
}

// reportingLauncher answers every brief with a fixed report and remembers the briefs.
type reportingLauncher struct {
	report models.SubagentReport
	err    error
	briefs []Brief
}

func (l *reportingLauncher) Launch(_ context.Context, b Brief) (models.SubagentReport, error) {
	l.briefs = append(l.briefs, b)
	return l.report, l.err
}

func TestDispatch_RolePermissions(t *testing.T) {
	env := testutil.NewFakeEnv(map[string]string{"a.go": "package a"})
	h := NewHub(nil, nil)

	tests := []struct {
		name    string
		id      Identity
		action  protocol.Action
		wantErr bool
	}{
		{"controller cannot bash", controllerIdentity(), protocol.BashAction{Cmd: "ls", Block: true}, true},
		{"controller cannot read", controllerIdentity(), protocol.ReadFileAction{FilePath: "a.go"}, true},
		{"controller cannot write temp script", controllerIdentity(), protocol.WriteTempScriptAction{FilePath: "x.sh"}, true},
		{"controller cannot report", controllerIdentity(), protocol.ReportAction{}, true},
		{"controller can finish", controllerIdentity(), protocol.FinishAction{Message: "ok"}, false},
		{"subagent cannot finish", subagentIdentity(models.AgentTypeCoder, ""), protocol.FinishAction{}, true},
		{"subagent can report", subagentIdentity(models.AgentTypeCoder, ""), protocol.ReportAction{}, false},
		{"explorer cannot write", subagentIdentity(models.AgentTypeExplorer, ""), protocol.WriteFileAction{FilePath: "b.go"}, true},
		{"explorer cannot edit", subagentIdentity(models.AgentTypeExplorer, ""), protocol.EditFileAction{FilePath: "a.go", OldString: "a", NewString: "b"}, true},
		{"explorer cannot multi edit", subagentIdentity(models.AgentTypeExplorer, ""), protocol.MultiEditAction{FilePath: "a.go"}, true},
		{"explorer can write temp script", subagentIdentity(models.AgentTypeExplorer, ""), protocol.WriteTempScriptAction{FilePath: "probe.sh", Content: "echo"}, false},
		{"explorer can read", subagentIdentity(models.AgentTypeExplorer, ""), protocol.ReadFileAction{FilePath: "a.go"}, false},
		{"coder can write", subagentIdentity(models.AgentTypeCoder, ""), protocol.WriteFileAction{FilePath: "b.go", Content: "package b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(h, env, nil, tt.id, nil, DispatcherOptions{})
			out := d.Dispatch(context.Background(), tt.action)
			assert.Equal(t, tt.wantErr, out.IsError, out.Output)
		})
	}

	_, written := env.File("b.go")
	assert.True(t, written)
}

func TestDispatch_OutputWrapping(t *testing.T) {
	d := NewDispatcher(NewHub(nil, nil), nil, nil, controllerIdentity(), nil, DispatcherOptions{})
	out := d.Dispatch(context.Background(), protocol.FinishAction{Message: "all done"})
	assert.Equal(t, "<finish_output>\nTask marked as complete: all done\n</finish_output>", out.Output)

	sub := NewDispatcher(NewHub(nil, nil), nil, nil, subagentIdentity(models.AgentTypeExplorer, ""), nil, DispatcherOptions{})
	out = sub.Dispatch(context.Background(), protocol.ReportAction{})
	assert.Equal(t, "<report_output>\nReport submission successful\n</report_output>", out.Output)
}

func TestDispatch_Bash(t *testing.T) {
	env := testutil.NewFakeEnv(nil)
	env.RunFunc = func(cmd string, timeout time.Duration) (exec.Result, error) {
		switch cmd {
		case "sleep 100":
			return exec.Result{Output: "partial\n", TimedOut: true, ExitCode: exec.TimeoutExitCode}, fmt.Errorf("%w after %s", exec.ErrTimeout, timeout)
		case "false":
			return exec.Result{ExitCode: 1}, nil
		default:
			return exec.Result{Output: "ok"}, nil
		}
	}
	d := NewDispatcher(NewHub(nil, nil), env, nil, subagentIdentity(models.AgentTypeCoder, ""), nil, DispatcherOptions{})
	ctx := context.Background()

	out := d.Dispatch(ctx, protocol.BashAction{Cmd: "echo ok", Block: true, TimeoutSecs: 30})
	assert.False(t, out.IsError)
	assert.Equal(t, "<bash_output>\nok\n</bash_output>", out.Output)

	out = d.Dispatch(ctx, protocol.BashAction{Cmd: "false", Block: true, TimeoutSecs: 30})
	assert.True(t, out.IsError)

	out = d.Dispatch(ctx, protocol.BashAction{Cmd: "sleep 100", Block: true, TimeoutSecs: 2})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Output, "partial\n[TIMEOUT] command exceeded 2s")

	out = d.Dispatch(ctx, protocol.BashAction{Cmd: "server --port 80", Block: false})
	assert.False(t, out.IsError)
	assert.Contains(t, out.Output, "Command started in background")
	assert.Contains(t, env.CallLog(), "Start server --port 80")
}

func TestDispatch_FileAndSearchErrors(t *testing.T) {
	env := testutil.NewFakeEnv(map[string]string{"a.go": "x x"})
	d := NewDispatcher(NewHub(nil, nil), env, nil, subagentIdentity(models.AgentTypeCoder, ""), nil, DispatcherOptions{})
	ctx := context.Background()

	out := d.Dispatch(ctx, protocol.ReadFileAction{FilePath: "missing.go"})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Output, "<file_output>\n[ERROR] ")

	out = d.Dispatch(ctx, protocol.EditFileAction{FilePath: "a.go", OldString: "x", NewString: "y"})
	assert.True(t, out.IsError, "ambiguous edit")

	out = d.Dispatch(ctx, protocol.MultiEditAction{FilePath: "a.go", Edits: []protocol.Edit{{OldString: "x", NewString: "y", ReplaceAll: true}}})
	assert.False(t, out.IsError)
	content, _ := env.File("a.go")
	assert.Equal(t, "y y", content)

	out = d.Dispatch(ctx, protocol.GrepAction{Pattern: "y"})
	assert.Equal(t, "<search_output>\na.go:1:y y\n</search_output>", out.Output)
}

func TestDispatch_Todo(t *testing.T) {
	d := NewDispatcher(NewHub(nil, nil), nil, nil, subagentIdentity(models.AgentTypeExplorer, ""), nil, DispatcherOptions{})
	ctx := context.Background()

	out := d.Dispatch(ctx, protocol.TodoAction{Operations: []protocol.TodoOperation{
		{Action: protocol.TodoAdd, Content: "inspect the router package"},
		{Action: protocol.TodoAdd, Content: "short"},
	}})
	assert.False(t, out.IsError)
	assert.Equal(t, "<todo_output>\nAdded todo [1]: inspect the rou...\nAdded todo [2]: short\n</todo_output>", out.Output)

	out = d.Dispatch(ctx, protocol.TodoAction{Operations: []protocol.TodoOperation{
		{Action: protocol.TodoComplete, TaskID: 1},
		{Action: protocol.TodoComplete, TaskID: 1},
		{Action: protocol.TodoDelete, TaskID: 9},
	}, ViewAll: true})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Output, "Completed task [1]: inspect the rou...")
	assert.Contains(t, out.Output, "Task 1 is already completed")
	assert.Contains(t, out.Output, "[ERROR] Task 9 not found")
	assert.Contains(t, out.Output, "[1] [✓] inspect the router package")
	assert.Contains(t, out.Output, "[2] [ ] short")

	out = d.Dispatch(ctx, protocol.TodoAction{Operations: []protocol.TodoOperation{{Action: protocol.TodoDelete, TaskID: 2}}})
	assert.False(t, out.IsError)
	id := d.Workspace().AddTodo("next")
	assert.Equal(t, 3, id, "ids are not reused")
}

func TestDispatch_Scratchpad(t *testing.T) {
	d := NewDispatcher(NewHub(nil, nil), nil, nil, controllerIdentity(), nil, DispatcherOptions{})
	ctx := context.Background()

	out := d.Dispatch(ctx, protocol.AddNoteAction{})
	assert.True(t, out.IsError)
	assert.Equal(t, "<scratchpad_output>\n[ERROR] Cannot add empty note\n</scratchpad_output>", out.Output)

	out = d.Dispatch(ctx, protocol.AddNoteAction{Content: "port is 8080"})
	assert.Equal(t, "<scratchpad_output>\nAdded note 1 to scratchpad\n</scratchpad_output>", out.Output)

	out = d.Dispatch(ctx, protocol.ViewNotesAction{})
	assert.Contains(t, out.Output, "--- Note 1 ---\nport is 8080")
}

func TestDispatch_AddContext(t *testing.T) {
	h := NewHub(nil, nil)
	d := NewDispatcher(h, nil, nil, controllerIdentity(), nil, DispatcherOptions{})
	ctx := context.Background()

	out := d.Dispatch(ctx, protocol.AddContextAction{ID: "goal", Content: "v1", ReportedBy: "?"})
	assert.Equal(t, "<context_output>\nAdded context 'goal' to store\n</context_output>", out.Output)

	out = d.Dispatch(ctx, protocol.AddContextAction{ID: "goal", Content: "v2", ReportedBy: "?"})
	assert.Equal(t, "<context_output>\nUpdated context 'goal' (overwrote previous content)\n</context_output>", out.Output)

	entry := h.ResolveRefs([]string{"goal"}).Entries[0]
	assert.Equal(t, "v2", entry.Content)
}

func TestDispatch_TaskCreateAndLaunch(t *testing.T) {
	h := NewHub(nil, nil)
	h.AddContext("layout", "cmd/ and internal/", "?", "")
	env := testutil.NewFakeEnv(map[string]string{
		"internal/api/client.go": "package api\nfunc New() {}",
		"README.md":              "# orca",
	})
	launcher := &reportingLauncher{report: models.SubagentReport{
		Contexts: []models.ContextItem{{ID: "client_ctor", Content: "api.New builds the client"}, {ID: "readme", Content: "title only"}},
		Comments: "found it",
	}}
	d := NewDispatcher(h, env, launcher, controllerIdentity(), nil, DispatcherOptions{})
	ctx := context.Background()

	out := d.Dispatch(ctx, protocol.TaskCreateAction{
		AgentType:   models.AgentTypeExplorer,
		Title:       "Find the client constructor",
		Description: "Look in internal/api.",
		ContextRefs: []string{"layout"},
		Bootstrap: []models.BootstrapItem{
			{Path: "internal/api/", Reason: "package under study"},
			{Path: "README.md", Reason: "overview"},
		},
	})
	require.False(t, out.IsError, out.Output)
	assert.Equal(t, "<task_output>\nCreated task task_001: Find the client constructor\n</task_output>", out.Output)

	out = d.Dispatch(ctx, protocol.LaunchSubagentAction{TaskID: "task_001"})
	require.False(t, out.IsError, out.Output)
	assert.Equal(t, "<subagent_output>\nSubagent completed task task_001\nContexts stored: client_ctor, readme\nComments: found it\n</subagent_output>", out.Output)
	assert.Equal(t, 1, out.RefsResolved)
	assert.Zero(t, out.RefsMissing)

	require.Len(t, launcher.briefs, 1)
	brief := launcher.briefs[0]
	assert.Equal(t, controllerID, brief.ParentAgentID)
	require.Len(t, brief.Contexts, 1)
	assert.Equal(t, "layout", brief.Contexts[0].ID)
	require.Len(t, brief.Bootstrap, 2)
	assert.Contains(t, brief.Bootstrap[0].Content, "- client.go")
	assert.Equal(t, "# orca", brief.Bootstrap[1].Content)
	assert.Contains(t, env.CallLog(), "ReadFile README.md 0 1000")

	task, _ := h.Task("task_001")
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.False(t, h.IsRunning("task_001"))

	out = d.Dispatch(ctx, protocol.LaunchSubagentAction{TaskID: "task_001"})
	assert.True(t, out.IsError, "completed task cannot be relaunched")

	out = d.Dispatch(ctx, protocol.LaunchSubagentAction{TaskID: "task_404"})
	assert.Equal(t, "<subagent_output>\n[ERROR] Task task_404 not found\n</subagent_output>", out.Output)
}

func TestDispatch_TaskCreateUnresolvedRefs(t *testing.T) {
	d := NewDispatcher(NewHub(nil, nil), nil, nil, controllerIdentity(), nil, DispatcherOptions{})
	out := d.Dispatch(context.Background(), protocol.TaskCreateAction{
		AgentType: models.AgentTypeExplorer, Title: "t", Description: "d", ContextRefs: []string{"ghost"},
	})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Output, "[ERROR] Invalid context references provided.")
	assert.Contains(t, out.Output, "The task(s) will not be created.")
}

func TestDispatch_SubagentCreatesUnderOwnTask(t *testing.T) {
	h := NewHub(nil, nil)
	parent := createRoot(t, h, "parent")
	id := subagentIdentity(models.AgentTypeCoder, parent.ID)
	d := NewDispatcher(h, nil, nil, id, nil, DispatcherOptions{})

	out := d.Dispatch(context.Background(), protocol.TaskCreateAction{AgentType: models.AgentTypeExplorer, Title: "child", Description: "d"})
	require.False(t, out.IsError, out.Output)

	child, ok := h.Task("task_002")
	require.True(t, ok)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, id.AgentID, child.OwnerID)
	assert.Equal(t, 1, child.Depth)
}

func TestDispatch_AutoLaunch(t *testing.T) {
	h := NewHub(nil, nil)
	launcher := &reportingLauncher{report: models.SubagentReport{Comments: "quick"}}
	d := NewDispatcher(h, nil, launcher, controllerIdentity(), nil, DispatcherOptions{})

	out := d.Dispatch(context.Background(), protocol.TaskCreateAction{
		AgentType: models.AgentTypeCoder, Title: "Fix", Description: "d", AutoLaunch: true,
	})
	require.False(t, out.IsError, out.Output)
	assert.Contains(t, out.Output, "Created task task_001: Fix\n<subagent_output>\nSubagent completed task task_001")
	assert.Len(t, launcher.briefs, 1)
}

func TestDispatch_LauncherFailureFailsTask(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "doomed")
	launcher := &reportingLauncher{err: errors.New("model unavailable")}
	d := NewDispatcher(h, nil, launcher, controllerIdentity(), nil, DispatcherOptions{})

	out := d.Dispatch(context.Background(), protocol.LaunchSubagentAction{TaskID: task.ID})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Output, "Subagent failed task task_001")

	got, _ := h.Task(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "model unavailable", got.ErrorMessage)
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "boom")
	launcher := LauncherFunc(func(context.Context, Brief) (models.SubagentReport, error) {
		panic("nil map write")
	})
	d := NewDispatcher(h, nil, launcher, controllerIdentity(), nil, DispatcherOptions{})

	out := d.Dispatch(context.Background(), protocol.LaunchSubagentAction{TaskID: task.ID})
	assert.True(t, out.IsError)
	assert.Equal(t, "[ERROR] Action execution failed: nil map write", out.Output)
	assert.False(t, h.IsRunning(task.ID), "launch mark is released")
}
