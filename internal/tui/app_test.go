package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/pkg/models"
)

func newTestApp(snap SnapshotFunc) *App {
	app := NewApp("Fix the flaky test", nil, snap, time.Second)
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	app.now = func() time.Time { return fixed }
	app.started = fixed.Add(-65 * time.Second)
	return app
}

func send(app *App, msgs ...tea.Msg) {
	for _, m := range msgs {
		app.Update(m)
	}
}

func TestApp_TracksWorkers(t *testing.T) {
	app := newTestApp(nil)

	send(app,
		EventMsg{orchestrator.Event{Type: orchestrator.EventTaskCreated, TaskID: "task_001", TaskTitle: "Map repo"}},
		EventMsg{orchestrator.Event{Type: orchestrator.EventTaskStarted, TaskID: "task_001", TaskTitle: "Map repo"}},
		EventMsg{orchestrator.Event{Type: orchestrator.EventTurn, TaskID: "task_001", TaskTitle: "Map repo", AgentID: "explorer-1", Turn: 1, TokensUsed: 100}},
		EventMsg{orchestrator.Event{Type: orchestrator.EventTurn, TaskID: "task_001", TaskTitle: "Map repo", AgentID: "explorer-1", Turn: 2, TokensUsed: 250}},
	)

	workers := app.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, 2, workers[0].Turn)
	assert.EqualValues(t, 250, workers[0].Tokens)

	send(app, EventMsg{orchestrator.Event{Type: orchestrator.EventTaskCompleted, TaskID: "task_001", Status: models.TaskStatusFailed}})
	assert.Empty(t, app.Workers())

	logs := app.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "Created task_001: Map repo", logs[0].Message)
	assert.Equal(t, "error", logs[2].Level)
	assert.Equal(t, "✗ task_001 failed", logs[2].Message)
}

func TestApp_ControllerTurns(t *testing.T) {
	app := newTestApp(nil)
	send(app, EventMsg{orchestrator.Event{Type: orchestrator.EventTurn, AgentID: "orca-1", Turn: 4, TokensUsed: 900}})

	assert.Empty(t, app.Workers())
	assert.Contains(t, app.View(), "turn 4, 900 tokens")
}

func TestApp_SnapshotOnTick(t *testing.T) {
	calls := 0
	app := newTestApp(func() Snapshot {
		calls++
		return Snapshot{
			Tree:     "○ [task_001] Map repo (owner: orca-1)",
			Counts:   map[models.TaskStatus]int{models.TaskStatusCreated: 1},
			Contexts: 2,
		}
	})

	_, cmd := app.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd, "ticks keep running until done")
	assert.Equal(t, 1, calls)

	view := app.View()
	assert.Contains(t, view, "[task_001] Map repo")
	assert.Contains(t, view, "1 created")
	assert.Contains(t, view, "2 contexts")
	assert.Contains(t, view, "01:05")
}

func TestApp_Done(t *testing.T) {
	app := newTestApp(nil)
	send(app, DoneMsg{Success: true, Message: "All tests pass."})

	assert.True(t, app.Done())
	view := app.View()
	assert.Contains(t, view, "finished")
	assert.Contains(t, view, "All tests pass.")

	_, cmd := app.Update(tickMsg(time.Now()))
	assert.Nil(t, cmd, "ticking stops once the run is done")
}

func TestApp_Quit(t *testing.T) {
	app := newTestApp(nil)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	require.NotNil(t, cmd)
	assert.True(t, app.Quitting())
	assert.Empty(t, app.View())
}

func TestApp_EventChannel(t *testing.T) {
	ch := make(chan orchestrator.Event, 1)
	app := NewApp("x", ch, nil, 0)
	ch <- orchestrator.Event{Type: orchestrator.EventSessionDone}

	msg := app.waitForEvent()()
	require.IsType(t, EventMsg{}, msg)

	close(ch)
	assert.Equal(t, eventsClosedMsg{}, app.waitForEvent()())

	app.Update(eventsClosedMsg{})
	assert.Nil(t, app.waitForEvent())
}

func TestApp_LogIsBounded(t *testing.T) {
	app := newTestApp(nil)
	for i := 0; i < maxLogEntries+50; i++ {
		send(app, EventMsg{orchestrator.Event{Type: orchestrator.EventContextStored, Message: "c", TaskID: "task_001"}})
	}
	assert.Len(t, app.Logs(), maxLogEntries)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.True(t, strings.HasSuffix(truncate(strings.Repeat("x", 100), 40), "..."))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "02:05", formatDuration(125*time.Second))
	assert.Equal(t, "75:00", formatDuration(75*time.Minute))
}
