package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orca/internal/graph"
	"github.com/ShayCichocki/orca/pkg/models"
)

const controllerID = "orca-test"

type memRecorder struct {
	mu       sync.Mutex
	tasks    map[string]models.Task
	contexts map[string]models.ContextEntry
	turns    []TurnRecord
	fail     bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{tasks: map[string]models.Task{}, contexts: map[string]models.ContextEntry{}}
}

func (r *memRecorder) RecordTask(_ context.Context, t models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.tasks[t.ID] = t
	return nil
}

func (r *memRecorder) RecordContext(_ context.Context, e models.ContextEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.contexts[e.ID] = e
	return nil
}

func (r *memRecorder) RecordTurn(_ context.Context, rec TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, rec)
	return nil
}

func createRoot(t *testing.T, h *Hub, title string, refs ...string) models.Task {
	t.Helper()
	task, err := h.CreateTask(TaskInput{OwnerID: controllerID, AgentType: models.AgentTypeExplorer, Title: title, ContextRefs: refs})
	require.NoError(t, err)
	return task
}

func TestHub_CreateTaskRejectsUnresolvedRefs(t *testing.T) {
	h := NewHub(nil, nil)

	_, err := h.CreateTask(TaskInput{OwnerID: controllerID, Title: "t", ContextRefs: []string{"nope"}})
	require.ErrorIs(t, err, ErrUnresolvedReference)

	var refsErr *UnresolvedRefsError
	require.True(t, errors.As(err, &refsErr))
	assert.Equal(t, []string{"nope"}, refsErr.Missing)
	assert.Equal(t, "[ERROR] Invalid context references provided.\n\n"+
		"Available context references:\n"+
		"  (none - context store is empty)\n"+
		"Please try again with no context references or after contexts have been added\n"+
		"The task(s) will not be created.", refsErr.Message())
	assert.Zero(t, len(h.Tasks()))

	h.AddContext("layout", "cmd/ and internal/", "?", "")
	_, err = h.CreateTask(TaskInput{OwnerID: controllerID, Title: "t", ContextRefs: []string{"layout", "task_009"}})
	require.True(t, errors.As(err, &refsErr))
	assert.Equal(t, []string{"task_009"}, refsErr.Missing)
	assert.Contains(t, refsErr.Message(), "  - layout\nPlease choose from the available context references and try again")

	task := createRoot(t, h, "ok", "layout")
	assert.Equal(t, "task_001", task.ID)
}

func TestHub_CreateTaskRejectsUnknownAgentType(t *testing.T) {
	h := NewHub(nil, nil)
	_, err := h.CreateTask(TaskInput{OwnerID: controllerID, AgentType: "reviewer", Title: "t"})
	require.ErrorIs(t, err, ErrInvalidAgentType)
}

func TestHub_ProcessSubagentResult(t *testing.T) {
	rec := newMemRecorder()
	h := NewHub(nil, nil, WithRecorder(rec))
	task := createRoot(t, h, "explore")

	report := models.SubagentReport{
		Contexts: []models.ContextItem{
			{ID: "routes", Content: "GET /users"},
			{ID: "", Content: "dropped"},
			{ID: "auth", Content: "JWT"},
		},
		Comments: "done",
		Meta:     models.ReportMeta{NumTurns: 4, InputTokens: 100, OutputTokens: 20},
	}
	result, err := h.ProcessSubagentResult(task.ID, controllerID, report, IngestOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, result.Status)
	assert.Equal(t, []string{"routes", "auth"}, result.ContextIDsStored)
	assert.Equal(t, 1, result.SkippedContexts)
	assert.Equal(t, "done", result.Comments)
	assert.Equal(t, 4, result.NumTurns)
	assert.False(t, result.Verbose)
	assert.Nil(t, result.Trajectory)

	got, _ := h.Task(task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, int64(100), got.Result.InputTokens)

	res := h.ResolveRefs([]string{task.ID})
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "routes", res.Entries[0].ID)
	assert.Equal(t, task.ID, res.Entries[0].ReportedBy)

	assert.Equal(t, models.TaskStatusCompleted, rec.tasks[task.ID].Status)
	assert.Len(t, rec.contexts, 2)
}

func TestHub_ReingestIsIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "explore")
	report := models.SubagentReport{
		Contexts: []models.ContextItem{{ID: "a", Content: "1"}, {ID: "b", Content: "2"}},
		Comments: "first",
	}

	_, err := h.ProcessSubagentResult(task.ID, controllerID, report, IngestOptions{})
	require.NoError(t, err)
	before, _ := h.Task(task.ID)

	report.Comments = "second"
	report.Failed = true
	result, err := h.ProcessSubagentResult(task.ID, controllerID, report, IngestOptions{})
	require.NoError(t, err)

	after, _ := h.Task(task.ID)
	assert.Equal(t, models.TaskStatusCompleted, after.Status, "terminal task is never re-opened")
	assert.Equal(t, models.TaskStatusCompleted, result.Status)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Equal(t, "second", after.Result.Comments)
	assert.Equal(t, []string{"a", "b"}, result.OverwrittenContexts)
	assert.Len(t, h.Contexts(), 2)
}

func TestHub_FailedReport(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "explore")

	result, err := h.ProcessSubagentResult(task.ID, controllerID,
		models.SubagentReport{Failed: true, Forced: true, Reason: "max_turns"}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, result.Status)
	assert.True(t, result.Forced)
	assert.Equal(t, "max_turns", result.Error)

	got, _ := h.Task(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "max_turns", got.ErrorMessage)
	assert.Contains(t, h.RenderTree(""), "⚠ Error: max_turns")
}

func TestHub_ProcessSubagentResultRejectsNonOwner(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "explore")

	_, err := h.ProcessSubagentResult(task.ID, "intruder",
		models.SubagentReport{Contexts: []models.ContextItem{{ID: "x", Content: "y"}}}, IngestOptions{})
	require.ErrorIs(t, err, graph.ErrNotOwner)
	assert.Empty(t, h.Contexts(), "nothing is stored for a rejected report")

	_, err = h.ProcessSubagentResult("task_404", controllerID, models.SubagentReport{}, IngestOptions{})
	require.ErrorIs(t, err, graph.ErrUnknownTask)
}

func TestHub_VerboseResult(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "explore")
	report := models.SubagentReport{
		Contexts: []models.ContextItem{{ID: "a", Content: "1"}},
		Meta:     models.ReportMeta{Trajectory: []models.TrajectoryTurn{{Turn: 1, Output: "<report>\n</report>"}}},
	}

	result, err := h.ProcessSubagentResult(task.ID, controllerID, report, IngestOptions{Verbose: true})
	require.NoError(t, err)
	assert.True(t, result.Verbose)
	assert.Equal(t, map[string]string{"a": "1"}, result.Contexts)
	assert.Len(t, result.Trajectory, 1)
}

func TestHub_LaunchTracking(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "explore")

	require.ErrorIs(t, h.BeginLaunch(task.ID, "someone-else"), graph.ErrNotOwner)
	require.ErrorIs(t, h.BeginLaunch("task_404", controllerID), graph.ErrUnknownTask)

	require.NoError(t, h.BeginLaunch(task.ID, controllerID))
	assert.True(t, h.IsRunning(task.ID))
	assert.Equal(t, []string{task.ID}, h.Running())
	require.ErrorIs(t, h.BeginLaunch(task.ID, controllerID), ErrAlreadyRunning)

	h.EndLaunch(task.ID)
	assert.False(t, h.IsRunning(task.ID))

	_, err := h.ProcessSubagentResult(task.ID, controllerID, models.SubagentReport{}, IngestOptions{})
	require.NoError(t, err)
	require.ErrorIs(t, h.BeginLaunch(task.ID, controllerID), graph.ErrInvalidTransition)
}

func TestHub_ConcurrentCreatesUnderOneParent(t *testing.T) {
	const n = 25
	h := NewHub(nil, nil)
	parent := createRoot(t, h, "parent")

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := h.CreateTask(TaskInput{
				OwnerID:   "explorer-1",
				ParentID:  parent.ID,
				AgentType: models.AgentTypeExplorer,
				Title:     fmt.Sprintf("child %d", i),
			})
			ids[i], errs[i] = task.ID, err
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "duplicate id %s", ids[i])
		seen[ids[i]] = true
	}

	p, _ := h.Task(parent.ID)
	assert.Len(t, p.ChildIDs, n)
	agg, err := h.AggregatedStatus(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCreated, agg)

	for _, id := range ids {
		_, err := h.ProcessSubagentResult(id, "explorer-1", models.SubagentReport{}, IngestOptions{})
		require.NoError(t, err)
	}
	agg, err = h.AggregatedStatus(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, agg)
}

func TestHub_IngestAndCreateSerialize(t *testing.T) {
	// A create referencing a task's output either sees every context of the
	// report or fails validation; it never observes a partial batch.
	h := NewHub(nil, nil)
	producer := createRoot(t, h, "producer")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.ProcessSubagentResult(producer.ID, controllerID, models.SubagentReport{
			Contexts: []models.ContextItem{{ID: "c1", Content: "1"}, {ID: "c2", Content: "2"}},
		}, IngestOptions{})
	}()

	for {
		task, err := h.CreateTask(TaskInput{OwnerID: controllerID, Title: "consumer", ContextRefs: []string{producer.ID}})
		if err != nil {
			require.ErrorIs(t, err, ErrUnresolvedReference)
			continue
		}
		res := h.ResolveRefs(task.ContextRefs)
		assert.Len(t, res.Entries, 2)
		break
	}
	wg.Wait()
}

func TestHub_UpdateTaskStatus(t *testing.T) {
	h := NewHub(nil, nil)
	task := createRoot(t, h, "explore")

	require.ErrorIs(t, h.UpdateTaskStatus(task.ID, models.TaskStatusFailed, "intruder", ""), graph.ErrNotOwner)
	require.NoError(t, h.UpdateTaskStatus(task.ID, models.TaskStatusFailed, controllerID, "gave up"))

	got, _ := h.Task(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "gave up", got.ErrorMessage)
	assert.Equal(t, 1, h.Counts()[models.TaskStatusFailed])
}

func TestHub_EventsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	events := NewEventEmitter(32)
	h := NewHub(nil, nil, WithMetrics(metrics), WithEvents(events))

	task := createRoot(t, h, "explore")
	require.NoError(t, h.BeginLaunch(task.ID, controllerID))
	_, err := h.ProcessSubagentResult(task.ID, controllerID, models.SubagentReport{
		Contexts: []models.ContextItem{{ID: "a", Content: "1"}},
	}, IngestOptions{})
	require.NoError(t, err)
	h.EndLaunch(task.ID)
	events.Close()

	var types []EventType
	for ev := range events.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventTaskCreated, EventTaskStarted, EventContextStored, EventTaskCompleted}, types)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.tasksCompleted.WithLabelValues("completed")))

	// A second registration against the same registry reuses the collectors.
	again := MustNewMetrics(reg)
	assert.Equal(t, 1.0, promtest.ToFloat64(again.tasksCompleted.WithLabelValues("completed")))
}

func TestHub_RecorderFailureDoesNotFailOperation(t *testing.T) {
	rec := newMemRecorder()
	rec.fail = true
	h := NewHub(nil, nil, WithRecorder(rec))

	task := createRoot(t, h, "explore")
	_, err := h.ProcessSubagentResult(task.ID, controllerID, models.SubagentReport{
		Contexts: []models.ContextItem{{ID: "a", Content: "1"}},
	}, IngestOptions{})
	require.NoError(t, err)
}
