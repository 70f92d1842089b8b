package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/orca/internal/contextstore"
	"github.com/ShayCichocki/orca/internal/graph"
	"github.com/ShayCichocki/orca/pkg/models"
)

var (
	// ErrUnresolvedReference indicates a task was created with context refs the store cannot resolve.
	ErrUnresolvedReference = errors.New("unresolved context reference")
	// ErrAlreadyRunning indicates a worker is already executing the task.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrInvalidAgentType indicates a task was requested for an unknown worker profile.
	ErrInvalidAgentType = errors.New("invalid agent type")
)

// UnresolvedRefsError lists the references that failed validation and what was available instead.
type UnresolvedRefsError struct {
	Missing   []string
	Available []string
}

func (e *UnresolvedRefsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnresolvedReference, strings.Join(e.Missing, ", "))
}

func (e *UnresolvedRefsError) Unwrap() error {
	return ErrUnresolvedReference
}

// Message formats the error for the agent that requested the task.
func (e *UnresolvedRefsError) Message() string {
	lines := []string{
		"[ERROR] Invalid context references provided.",
		"",
		"Available context references:",
	}
	if len(e.Available) > 0 {
		for _, ref := range e.Available {
			lines = append(lines, "  - "+ref)
		}
		lines = append(lines, "Please choose from the available context references and try again")
	} else {
		lines = append(lines, "  (none - context store is empty)",
			"Please try again with no context references or after contexts have been added")
	}
	lines = append(lines, "The task(s) will not be created.")
	return strings.Join(lines, "\n")
}

// TaskInput describes a task requested by an agent.
type TaskInput struct {
	OwnerID     string
	ParentID    string
	AgentType   models.AgentType
	Title       string
	Description string
	ContextRefs []string
	Bootstrap   []models.BootstrapItem
	MaxTurns    int
}

// IngestOptions controls how a report is turned into a result.
type IngestOptions struct {
	// Verbose attaches the stored contexts and the worker trajectory to the result.
	Verbose bool
}

// Hub owns the task graph and context store and is the only writer to either.
// All methods are safe for concurrent use.
type Hub struct {
	graph *graph.TaskGraph
	store *contextstore.Store

	// ingestMu serializes reference validation on create with report ingestion.
	ingestMu sync.Mutex

	runMu   sync.Mutex
	running map[string]string

	recorder Recorder
	metrics  *Metrics
	events   *EventEmitter
	logger   *DebugLogger
}

// NewHub creates a hub over g and s. Nil arguments get fresh empty instances.
func NewHub(g *graph.TaskGraph, s *contextstore.Store, opts ...HubOption) *Hub {
	var o hubOptions
	for _, opt := range opts {
		opt(&o)
	}
	if g == nil {
		g = graph.New()
	}
	if s == nil {
		s = contextstore.New()
	}
	if o.logger == nil {
		o.logger = NopLogger()
	} else {
		SetPackageLogger(o.logger)
	}
	g.SetDebugLog(o.logger.Log)

	return &Hub{
		graph:    g,
		store:    s,
		running:  make(map[string]string),
		recorder: o.recorder,
		metrics:  o.metrics,
		events:   o.events,
		logger:   o.logger,
	}
}

// Metrics returns the hub's metrics, possibly nil.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Events returns the hub's event emitter, possibly nil.
func (h *Hub) Events() *EventEmitter {
	return h.events
}

// Recorder returns the hub's recorder, possibly nil.
func (h *Hub) Recorder() Recorder {
	return h.recorder
}

// CreateTask validates the input's context references and adds the task to the graph.
func (h *Hub) CreateTask(in TaskInput) (models.Task, error) {
	if in.AgentType != "" && !in.AgentType.Valid() {
		return models.Task{}, fmt.Errorf("%q: %w", in.AgentType, ErrInvalidAgentType)
	}

	h.ingestMu.Lock()
	defer h.ingestMu.Unlock()

	if missing := h.store.ValidateRefs(in.ContextRefs); len(missing) > 0 {
		h.logger.Log("[hub] create rejected: owner=%s missing refs=%v", in.OwnerID, missing)
		return models.Task{}, &UnresolvedRefsError{Missing: missing, Available: h.store.AvailableRefs()}
	}

	task, err := h.graph.Create(graph.CreateParams{
		OwnerID:     in.OwnerID,
		ParentID:    in.ParentID,
		AgentType:   in.AgentType,
		Title:       in.Title,
		Description: in.Description,
		ContextRefs: in.ContextRefs,
		Bootstrap:   in.Bootstrap,
		MaxTurns:    in.MaxTurns,
	})
	if err != nil {
		return models.Task{}, err
	}

	h.recordTask(task)
	h.events.Emit(Event{
		Type:      EventTaskCreated,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		ParentID:  task.ParentID,
		AgentID:   task.OwnerID,
		Status:    task.Status,
	})
	return task, nil
}

// UpdateTaskStatus changes a task's status on behalf of its owner.
func (h *Hub) UpdateTaskStatus(id string, status models.TaskStatus, ownerID, errMsg string) error {
	if err := h.graph.UpdateStatus(id, status, ownerID, errMsg); err != nil {
		return err
	}
	task, _ := h.graph.Get(id)
	h.recordTask(task)
	if status.IsTerminal() {
		h.metrics.IncTaskCompleted(string(status))
		h.events.Emit(terminalEvent(task))
	}
	return nil
}

// Task returns a copy of the task with the given id.
func (h *Hub) Task(id string) (models.Task, bool) {
	return h.graph.Get(id)
}

// Tasks returns copies of every task in creation order.
func (h *Hub) Tasks() []models.Task {
	return h.graph.All()
}

// AggregatedStatus computes a task's status from its subtree.
func (h *Hub) AggregatedStatus(id string) (models.TaskStatus, error) {
	return h.graph.AggregatedStatus(id)
}

// RenderTree formats the task tree rooted at rootID, or every root when empty.
func (h *Hub) RenderTree(rootID string) string {
	return h.graph.RenderTree(rootID)
}

// Counts returns the number of tasks per stored status.
func (h *Hub) Counts() map[models.TaskStatus]int {
	return h.graph.Counts()
}

// ViewContextStore formats the context store for a prompt.
func (h *Hub) ViewContextStore() string {
	return h.store.View()
}

// Contexts returns every stored context in reporting order.
func (h *Hub) Contexts() []models.ContextEntry {
	return h.store.All()
}

// ResolveRefs resolves context and task references against the store.
func (h *Hub) ResolveRefs(refs []string) contextstore.Resolution {
	return h.store.ResolveRefs(refs)
}

// AddContext stores a context directly. It reports whether an existing entry was overwritten.
func (h *Hub) AddContext(id, content, reportedBy, taskID string) bool {
	h.ingestMu.Lock()
	defer h.ingestMu.Unlock()

	overwritten := h.store.Put(id, content, reportedBy, taskID)
	h.afterStore([]string{id}, taskID)
	return overwritten
}

// BeginLaunch marks a task as running on behalf of its owner.
// Every successful call must be paired with EndLaunch.
func (h *Hub) BeginLaunch(taskID, ownerID string) error {
	task, ok := h.graph.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, graph.ErrUnknownTask)
	}
	if task.OwnerID != ownerID {
		return fmt.Errorf("agent %s cannot launch task %s owned by %s: %w", ownerID, taskID, task.OwnerID, graph.ErrNotOwner)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, graph.ErrInvalidTransition)
	}

	h.runMu.Lock()
	if _, busy := h.running[taskID]; busy {
		h.runMu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrAlreadyRunning)
	}
	h.running[taskID] = ownerID
	h.runMu.Unlock()

	h.logger.Log("[hub] launch task=%s owner=%s type=%s", taskID, ownerID, task.AgentType)
	h.events.Emit(Event{
		Type:      EventTaskStarted,
		TaskID:    taskID,
		TaskTitle: task.Title,
		ParentID:  task.ParentID,
		AgentID:   ownerID,
		Status:    task.Status,
	})
	return nil
}

// EndLaunch clears the running mark set by BeginLaunch.
func (h *Hub) EndLaunch(taskID string) {
	h.runMu.Lock()
	delete(h.running, taskID)
	h.runMu.Unlock()
}

// IsRunning reports whether a worker is executing the task.
func (h *Hub) IsRunning(taskID string) bool {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	_, ok := h.running[taskID]
	return ok
}

// Running returns the ids of running tasks, sorted.
func (h *Hub) Running() []string {
	h.runMu.Lock()
	ids := make([]string, 0, len(h.running))
	for id := range h.running {
		ids = append(ids, id)
	}
	h.runMu.Unlock()
	sort.Strings(ids)
	return ids
}

// ProcessSubagentResult stores a worker's contexts and moves its task to a
// terminal status. Contexts are written before the status so no reader sees
// a finished task with a partial set of contexts. Ingesting a report for a
// task that is already terminal overwrites the contexts and the result but
// keeps the status.
func (h *Hub) ProcessSubagentResult(taskID, ownerID string, report models.SubagentReport, opts IngestOptions) (models.SubagentResult, error) {
	h.ingestMu.Lock()
	defer h.ingestMu.Unlock()

	task, ok := h.graph.Get(taskID)
	if !ok {
		return models.SubagentResult{}, fmt.Errorf("task %s: %w", taskID, graph.ErrUnknownTask)
	}
	if task.OwnerID != ownerID {
		return models.SubagentResult{}, fmt.Errorf("agent %s cannot complete task %s owned by %s: %w", ownerID, taskID, task.OwnerID, graph.ErrNotOwner)
	}

	var (
		entries []contextstore.Entry
		ids     []string
		skipped int
	)
	for _, item := range report.Contexts {
		if item.ID == "" || item.Content == "" {
			skipped++
			continue
		}
		entries = append(entries, contextstore.Entry{
			ID:         item.ID,
			Content:    item.Content,
			ReportedBy: taskID,
			TaskID:     taskID,
		})
		ids = append(ids, item.ID)
	}
	overwritten := h.store.PutBatch(entries)
	if len(overwritten) > 0 {
		h.logger.Log("[hub] task=%s overwrote contexts %v", taskID, overwritten)
	}

	status := report.Status()
	result := models.SubagentResult{
		TaskID:              taskID,
		Status:              status,
		ContextIDsStored:    ids,
		OverwrittenContexts: overwritten,
		SkippedContexts:     skipped,
		Comments:            report.Comments,
		Forced:              report.Forced,
		NumTurns:            report.Meta.NumTurns,
		InputTokens:         report.Meta.InputTokens,
		OutputTokens:        report.Meta.OutputTokens,
		Duration:            report.Meta.Duration,
	}
	if report.Failed {
		result.Error = report.Reason
		if result.Error == "" {
			result.Error = "worker reported failure"
		}
	}
	if opts.Verbose {
		result.Verbose = true
		result.Contexts = make(map[string]string, len(entries))
		for _, e := range entries {
			result.Contexts[e.ID] = e.Content
		}
		result.Trajectory = report.Meta.Trajectory
	}

	firstIngest := !task.Status.IsTerminal()
	if firstIngest {
		if err := h.graph.Complete(taskID, status, ownerID, result); err != nil {
			return models.SubagentResult{}, err
		}
	} else {
		result.Status = task.Status
		if err := h.graph.SetResult(taskID, ownerID, result); err != nil {
			return models.SubagentResult{}, err
		}
		h.logger.Log("[hub] re-ingest task=%s kept status=%s", taskID, task.Status)
	}

	h.afterStore(ids, taskID)
	updated, _ := h.graph.Get(taskID)
	h.recordTask(updated)
	if firstIngest {
		h.metrics.IncTaskCompleted(string(updated.Status))
		h.events.Emit(terminalEvent(updated))
	}
	return result, nil
}

// afterStore records and announces freshly stored contexts. Caller holds ingestMu.
func (h *Hub) afterStore(ids []string, taskID string) {
	for _, id := range ids {
		entry, err := h.store.Get(id)
		if err != nil {
			continue
		}
		if h.recorder != nil {
			if err := h.recorder.RecordContext(context.Background(), entry); err != nil {
				h.logger.Log("[hub] record context %s: %v", id, err)
			}
		}
		h.events.Emit(Event{Type: EventContextStored, TaskID: taskID, Message: id})
	}
}

func (h *Hub) recordTask(task models.Task) {
	if h.recorder == nil || task.ID == "" {
		return
	}
	if err := h.recorder.RecordTask(context.Background(), task); err != nil {
		h.logger.Log("[hub] record task %s: %v", task.ID, err)
	}
}

// RecordTurn persists a worker turn if a recorder is configured.
func (h *Hub) RecordTurn(rec TurnRecord) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.RecordTurn(context.Background(), rec); err != nil {
		h.logger.Log("[hub] record turn %s/%d: %v", rec.AgentID, rec.Turn.Turn, err)
	}
}

func terminalEvent(task models.Task) Event {
	ev := Event{
		Type:      EventTaskCompleted,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		ParentID:  task.ParentID,
		AgentID:   task.OwnerID,
		Status:    task.Status,
	}
	if task.Status == models.TaskStatusFailed {
		ev.Type = EventTaskFailed
		ev.Message = task.ErrorMessage
	}
	if task.Result != nil {
		ev.TokensUsed = task.Result.InputTokens + task.Result.OutputTokens
		ev.Duration = task.Result.Duration
	}
	return ev
}
