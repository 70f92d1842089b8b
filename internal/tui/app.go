package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/pkg/models"
)

// maxLogEntries bounds the activity log.
const maxLogEntries = 200

// Snapshot is the hub state shown in the tree panel.
type Snapshot struct {
	Tree     string
	Counts   map[models.TaskStatus]int
	Contexts int
}

// SnapshotFunc reads the current hub state.
type SnapshotFunc func() Snapshot

// EventMsg wraps a hub event for the TUI.
type EventMsg struct {
	Event orchestrator.Event
}

// eventsClosedMsg is sent once the event channel is drained.
type eventsClosedMsg struct{}

// tickMsg triggers a snapshot refresh.
type tickMsg time.Time

// DoneMsg signals that the controller has returned.
type DoneMsg struct {
	Success bool
	Message string
}

// LogEntry represents a line in the activity log.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// WorkerInfo describes a running subagent.
type WorkerInfo struct {
	AgentID   string
	TaskID    string
	TaskTitle string
	Turn      int
	Tokens    int64
	StartedAt time.Time
}

// App is the bubbletea model for a single orca run.
type App struct {
	objective string
	events    <-chan orchestrator.Event
	snapshot  SnapshotFunc
	refresh   time.Duration
	now       func() time.Time

	spinner    spinner.Model
	started    time.Time
	state      Snapshot
	workers    map[string]*WorkerInfo
	logs       []LogEntry
	ctrlTurn   int
	ctrlTokens int64

	width    int
	height   int
	quitting bool
	done     bool
	success  bool
	message  string

	styles styles
}

// NewApp creates a new App. A nil snapshot function leaves the tree empty.
func NewApp(objective string, events <-chan orchestrator.Event, snapshot SnapshotFunc, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = 200 * time.Millisecond
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	st := newStyles()
	sp.Style = st.running
	return &App{
		objective: objective,
		events:    events,
		snapshot:  snapshot,
		refresh:   refresh,
		now:       time.Now,
		spinner:   sp,
		started:   time.Now(),
		workers:   make(map[string]*WorkerInfo),
		styles:    st,
	}
}

// NewRunProgram creates a new bubbletea program for the run TUI.
func NewRunProgram(objective string, events <-chan orchestrator.Event, snapshot SnapshotFunc, refresh time.Duration) (*tea.Program, *App) {
	app := NewApp(objective, events, snapshot, refresh)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent(), a.tick())
}

func (a *App) waitForEvent() tea.Cmd {
	if a.events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-a.events
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tickMsg:
		a.refreshSnapshot()
		if a.done {
			return a, nil
		}
		return a, a.tick()

	case EventMsg:
		a.applyEvent(msg.Event)
		return a, a.waitForEvent()

	case eventsClosedMsg:
		a.events = nil

	case DoneMsg:
		a.done = true
		a.success = msg.Success
		a.message = msg.Message
		a.refreshSnapshot()
		a.addLog("info", "Run finished: "+msg.Message)
	}

	return a, nil
}

func (a *App) refreshSnapshot() {
	if a.snapshot != nil {
		a.state = a.snapshot()
	}
}

func (a *App) applyEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventTaskCreated:
		a.addLog("info", fmt.Sprintf("Created %s: %s", ev.TaskID, ev.TaskTitle))

	case orchestrator.EventTaskStarted:
		a.addLog("info", fmt.Sprintf("Launched %s: %s", ev.TaskID, ev.TaskTitle))

	case orchestrator.EventTurn:
		if ev.TaskID == "" {
			a.ctrlTurn = ev.Turn
			a.ctrlTokens = ev.TokensUsed
			return
		}
		w, ok := a.workers[ev.AgentID]
		if !ok {
			w = &WorkerInfo{AgentID: ev.AgentID, TaskID: ev.TaskID, TaskTitle: ev.TaskTitle, StartedAt: a.now()}
			a.workers[ev.AgentID] = w
		}
		w.Turn = ev.Turn
		w.Tokens = ev.TokensUsed

	case orchestrator.EventTaskCompleted, orchestrator.EventTaskFailed:
		a.dropWorkersFor(ev.TaskID)
		level := "info"
		if ev.Status == models.TaskStatusFailed {
			level = "error"
		}
		a.addLog(level, fmt.Sprintf("%s %s %s", ev.Status.Symbol(), ev.TaskID, ev.Status))

	case orchestrator.EventContextStored:
		a.addLog("debug", fmt.Sprintf("Stored context %s from %s", ev.Message, ev.TaskID))

	case orchestrator.EventForcedReport:
		who := ev.AgentID
		if ev.TaskID != "" {
			who = ev.TaskID
		}
		a.addLog("warn", fmt.Sprintf("Forced report for %s: %s", who, ev.Message))

	case orchestrator.EventSessionDone:
		a.addLog("info", "Controller returned")
	}
}

func (a *App) dropWorkersFor(taskID string) {
	for id, w := range a.workers {
		if w.TaskID == taskID {
			delete(a.workers, id)
		}
	}
}

func (a *App) addLog(level, message string) {
	a.logs = append(a.logs, LogEntry{Timestamp: a.now(), Level: level, Message: message})
	if len(a.logs) > maxLogEntries {
		a.logs = a.logs[len(a.logs)-maxLogEntries:]
	}
}

// Workers returns the running subagents ordered by task id.
func (a *App) Workers() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(a.workers))
	for _, w := range a.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Logs returns the activity log.
func (a *App) Logs() []LogEntry {
	return append([]LogEntry(nil), a.logs...)
}

// Done reports whether the run has finished.
func (a *App) Done() bool {
	return a.done
}

// Quitting reports whether the user asked to quit.
func (a *App) Quitting() bool {
	return a.quitting
}
