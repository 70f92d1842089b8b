package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orca/internal/protocol"
	"github.com/ShayCichocki/orca/internal/testutil"
	"github.com/ShayCichocki/orca/pkg/models"
)

func newControllerExecutor(h *Hub, l Launcher, parallel int) *TurnExecutor {
	d := NewDispatcher(h, testutil.NewFakeEnv(nil), l, controllerIdentity(), nil, DispatcherOptions{})
	return NewTurnExecutor(d, parallel)
}

func TestExecute_NoActions(t *testing.T) {
	e := newControllerExecutor(NewHub(nil, nil), nil, 1)

	res := e.Execute(context.Background(), 1, "I think I should look around first.\n<think>\nhmm\n</think>")
	assert.True(t, res.NoActionEmitted)
	assert.Equal(t, []string{NoActionMessage}, res.Responses)
	assert.Zero(t, res.ValidActions)
	assert.Equal(t, TurnOutcome{NoAction: true}, res.PolicyOutcome())
}

func TestExecute_ParseErrorsOnly(t *testing.T) {
	e := newControllerExecutor(NewHub(nil, nil), nil, 1)

	res := e.Execute(context.Background(), 1, "<dance>\nstep: 1\n</dance>\n<launch_subagent>\n</launch_subagent>")
	assert.False(t, res.NoActionEmitted)
	assert.True(t, res.HasParseError)
	assert.Equal(t, 2, res.ParseErrors)
	require.Len(t, res.Responses, 2)
	assert.Equal(t, "[PARSE ERROR] Unknown action type: dance", res.Responses[0])
	assert.True(t, strings.HasPrefix(res.Responses[1], "[PARSE ERROR] [launch_subagent]"))
	assert.Empty(t, res.Executed)
}

func TestExecute_ParseErrorsAlongsideValidActions(t *testing.T) {
	e := newControllerExecutor(NewHub(nil, nil), nil, 1)

	res := e.Execute(context.Background(), 1, "<dance>\n</dance>\n<scratchpad>\naction: add_note\ncontent: hi\n</scratchpad>")
	require.Len(t, res.Responses, 2)
	assert.Equal(t, "[PARSE ERROR] Unknown action type: dance", res.Responses[0])
	assert.Contains(t, res.Responses[1], "Added note 1 to scratchpad")
	assert.Equal(t, 1, res.ValidActions)
}

func TestExecute_StopsAfterFinish(t *testing.T) {
	e := newControllerExecutor(NewHub(nil, nil), nil, 1)

	output := "<scratchpad>\naction: add_note\ncontent: before\n</scratchpad>\n" +
		"<finish>\nmessage: shipped\n</finish>\n" +
		"<scratchpad>\naction: add_note\ncontent: after\n</scratchpad>"
	res := e.Execute(context.Background(), 3, output)

	assert.Equal(t, TerminalFinish, res.Terminal)
	assert.Equal(t, "shipped", res.FinishMessage)
	assert.Len(t, res.Executed, 2)
	assert.Equal(t, 3, res.ValidActions)
	assert.Equal(t, []string{"before"}, e.Dispatcher().Workspace().Notes())
}

func TestExecute_DeniedTerminalDoesNotStop(t *testing.T) {
	h := NewHub(nil, nil)
	d := NewDispatcher(h, nil, nil, subagentIdentity(models.AgentTypeExplorer, ""), nil, DispatcherOptions{})
	e := NewTurnExecutor(d, 1)

	res := e.Execute(context.Background(), 1, "<finish>\n</finish>\n<report>\ncomments: done\n</report>")
	assert.True(t, res.HasError)
	assert.Equal(t, TerminalReport, res.Terminal)
	require.NotNil(t, res.Report)
	assert.Equal(t, "done", res.Report.Comments)
	assert.Len(t, res.Executed, 2)
}

func TestExecute_LaunchGroupRunsConcurrently(t *testing.T) {
	h := NewHub(nil, nil)
	for i := 0; i < 3; i++ {
		createRoot(t, h, fmt.Sprintf("task %d", i))
	}

	// Each launch waits until all three are in flight, which only
	// happens if they run at the same time.
	var started sync.WaitGroup
	started.Add(3)
	var inFlight atomic.Int32
	launcher := LauncherFunc(func(ctx context.Context, b Brief) (models.SubagentReport, error) {
		inFlight.Add(1)
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return models.SubagentReport{}, fmt.Errorf("launch %s ran alone", b.TaskID)
		}
		return models.SubagentReport{Contexts: []models.ContextItem{{ID: b.TaskID + "_ctx", Content: "x"}}}, nil
	})
	e := newControllerExecutor(h, launcher, 4)

	output := "<launch_subagent>\ntask_id: task_001\n</launch_subagent>\n" +
		"<launch_subagent>\ntask_id: task_002\n</launch_subagent>\n" +
		"<launch_subagent>\ntask_id: task_003\n</launch_subagent>\n" +
		"<scratchpad>\naction: view_all_notes\n</scratchpad>"
	res := e.Execute(context.Background(), 1, output)

	assert.False(t, res.HasError, strings.Join(res.Responses, "\n"))
	require.Len(t, res.Responses, 4)
	for i, id := range []string{"task_001", "task_002", "task_003"} {
		assert.Contains(t, res.Responses[i], "Subagent completed task "+id, "responses keep emission order")
		task, _ := h.Task(id)
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
	}
	assert.Contains(t, res.Responses[3], "Scratchpad is empty.")
	assert.EqualValues(t, 3, inFlight.Load())
}

func TestExecute_LaunchGroupRespectsLimit(t *testing.T) {
	h := NewHub(nil, nil)
	for i := 0; i < 4; i++ {
		createRoot(t, h, fmt.Sprintf("task %d", i))
	}

	var current, peak atomic.Int32
	launcher := LauncherFunc(func(context.Context, Brief) (models.SubagentReport, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return models.SubagentReport{}, nil
	})
	e := newControllerExecutor(h, launcher, 2)

	var b strings.Builder
	for i := 1; i <= 4; i++ {
		fmt.Fprintf(&b, "<launch_subagent>\ntask_id: task_%03d\n</launch_subagent>\n", i)
	}
	res := e.Execute(context.Background(), 1, b.String())

	assert.Len(t, res.Executed, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecute_DuplicateLaunchInGroup(t *testing.T) {
	h := NewHub(nil, nil)
	createRoot(t, h, "once")

	release := make(chan struct{})
	var calls atomic.Int32
	launcher := LauncherFunc(func(context.Context, Brief) (models.SubagentReport, error) {
		calls.Add(1)
		<-release
		return models.SubagentReport{}, nil
	})
	e := newControllerExecutor(h, launcher, 2)

	go func() {
		// Let the first launch claim the task before releasing it.
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	res := e.Execute(context.Background(), 1,
		"<launch_subagent>\ntask_id: task_001\n</launch_subagent>\n<launch_subagent>\ntask_id: task_001\n</launch_subagent>")

	assert.True(t, res.HasError)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFindReport(t *testing.T) {
	r, ok := FindReport("<bash>\ncmd: ls\n</bash>\n<report>\ncomments: final\n</report>")
	require.True(t, ok)
	assert.Equal(t, "final", r.Comments)

	_, ok = FindReport("<bash>\ncmd: ls\n</bash>")
	assert.False(t, ok)
}

func TestTurnResult_PolicyOutcome(t *testing.T) {
	res := TurnResult{ValidActions: 2, ParseErrors: 1, Executed: []protocol.Action{protocol.ViewNotesAction{}}}
	assert.Equal(t, TurnOutcome{ValidActions: 2, ParseErrors: 1}, res.PolicyOutcome())
}
