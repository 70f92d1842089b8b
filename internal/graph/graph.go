// Package graph provides the hierarchical task graph with ownership and depth control.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/orca/pkg/models"
)

// MaxDepth is the deepest level a task may live at: root -> subagent -> sub-subagent.
const MaxDepth = 2

// TaskIDPrefix starts every task id. Context references that begin with it are task references.
const TaskIDPrefix = "task_"

var (
	// ErrDepthExceeded indicates a subtask would be created deeper than MaxDepth.
	ErrDepthExceeded = errors.New("maximum task depth exceeded")
	// ErrNotOwner indicates a status change was requested by an agent that does not own the task.
	ErrNotOwner = errors.New("agent does not own task")
	// ErrUnknownTask indicates the referenced task does not exist.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidTransition indicates a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CreateParams describes a task to add to the graph.
type CreateParams struct {
	OwnerID     string
	ParentID    string
	AgentType   models.AgentType
	Title       string
	Description string
	ContextRefs []string
	Bootstrap   []models.BootstrapItem
	MaxTurns    int
}

// TaskGraph stores tasks as a forest of parent/child relationships.
// All methods are safe for concurrent use.
type TaskGraph struct {
	mu sync.RWMutex
	// tasks maps task ID to the stored task.
	tasks map[string]*models.Task
	// order holds task IDs in creation order.
	order   []string
	counter int
	now     func() time.Time
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		tasks:    make(map[string]*models.Task),
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Create adds a task at depth parent.Depth+1, or 0 when ParentID is empty.
// On failure the graph is left unmodified and no id is consumed.
func (g *TaskGraph) Create(p CreateParams) (models.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	depth := 0
	var parent *models.Task
	if p.ParentID != "" {
		parent = g.tasks[p.ParentID]
		if parent == nil {
			return models.Task{}, fmt.Errorf("parent %s: %w", p.ParentID, ErrUnknownTask)
		}
		depth = parent.Depth + 1
	}
	if depth > MaxDepth {
		return models.Task{}, fmt.Errorf("cannot create subtask under %s (max depth %d): %w", p.ParentID, MaxDepth, ErrDepthExceeded)
	}

	agentType := p.AgentType
	if agentType == "" {
		agentType = models.AgentTypeExplorer
	}

	g.counter++
	task := &models.Task{
		ID:          fmt.Sprintf("%s%03d", TaskIDPrefix, g.counter),
		ParentID:    p.ParentID,
		Depth:       depth,
		OwnerID:     p.OwnerID,
		AgentType:   agentType,
		Status:      models.TaskStatusCreated,
		Title:       p.Title,
		Description: p.Description,
		ContextRefs: append([]string(nil), p.ContextRefs...),
		Bootstrap:   append([]models.BootstrapItem(nil), p.Bootstrap...),
		MaxTurns:    p.MaxTurns,
		CreatedAt:   g.now(),
	}
	g.tasks[task.ID] = task
	g.order = append(g.order, task.ID)
	if parent != nil {
		parent.ChildIDs = append(parent.ChildIDs, task.ID)
	}

	g.debugLog("[graph.Create] id=%s parent=%q depth=%d owner=%s title=%q", task.ID, task.ParentID, depth, task.OwnerID, task.Title)
	return task.Clone(), nil
}

// UpdateStatus changes a task's status on behalf of its owner.
func (g *TaskGraph) UpdateStatus(id string, status models.TaskStatus, ownerID string, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(id, status, ownerID)
	if err != nil {
		return err
	}
	if errMsg != "" {
		task.ErrorMessage = errMsg
	}
	return nil
}

// Complete moves a task to a terminal status and attaches its result in one step.
func (g *TaskGraph) Complete(id string, status models.TaskStatus, ownerID string, result models.SubagentResult) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete %s with %q: %w", id, status, ErrInvalidTransition)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(id, status, ownerID)
	if err != nil {
		return err
	}
	r := result.Clone()
	task.Result = &r
	if result.Error != "" {
		task.ErrorMessage = result.Error
	}
	return nil
}

// SetResult replaces the result of a task that already reached a terminal status.
// The status itself is never changed.
func (g *TaskGraph) SetResult(id string, ownerID string, result models.SubagentResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task := g.tasks[id]
	if task == nil {
		return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if task.OwnerID != ownerID {
		return fmt.Errorf("agent %s cannot modify task %s owned by %s: %w", ownerID, id, task.OwnerID, ErrNotOwner)
	}
	r := result.Clone()
	task.Result = &r
	return nil
}

// transitionLocked validates and applies a status change. Caller must hold g.mu.
func (g *TaskGraph) transitionLocked(id string, status models.TaskStatus, ownerID string) (*models.Task, error) {
	task := g.tasks[id]
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if task.OwnerID != ownerID {
		return nil, fmt.Errorf("agent %s cannot modify task %s owned by %s: %w", ownerID, id, task.OwnerID, ErrNotOwner)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("task %s: unknown status %q: %w", id, status, ErrInvalidTransition)
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, ErrInvalidTransition)
	}

	task.Status = status
	if status.IsTerminal() {
		at := g.now()
		task.CompletedAt = &at
	}
	g.debugLog("[graph.UpdateStatus] id=%s status=%s owner=%s", id, status, ownerID)
	return task, nil
}

// Get returns a copy of the task with the given id.
func (g *TaskGraph) Get(id string) (models.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task := g.tasks[id]
	if task == nil {
		return models.Task{}, false
	}
	return task.Clone(), true
}

// Children returns copies of the direct children of a task in creation order.
func (g *TaskGraph) Children(id string) []models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	parent := g.tasks[id]
	if parent == nil {
		return nil
	}
	children := make([]models.Task, 0, len(parent.ChildIDs))
	for _, childID := range parent.ChildIDs {
		if child := g.tasks[childID]; child != nil {
			children = append(children, child.Clone())
		}
	}
	return children
}

// Owned returns copies of all tasks owned by the given agent.
func (g *TaskGraph) Owned(ownerID string) []models.Task {
	return g.filter(func(t *models.Task) bool { return t.OwnerID == ownerID })
}

// Roots returns copies of all tasks without a parent.
func (g *TaskGraph) Roots() []models.Task {
	return g.filter(func(t *models.Task) bool { return t.ParentID == "" })
}

// All returns copies of every task in creation order.
func (g *TaskGraph) All() []models.Task {
	return g.filter(func(*models.Task) bool { return true })
}

func (g *TaskGraph) filter(keep func(*models.Task) bool) []models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Task
	for _, id := range g.order {
		if t := g.tasks[id]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// AggregatedStatus computes a task's status from its descendants.
// Leaves report their own status. For parents, any failed child yields failed,
// otherwise any non-terminal child yields created, otherwise completed.
func (g *TaskGraph) AggregatedStatus(id string) (models.TaskStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.tasks[id] == nil {
		return "", fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	return g.aggregateLocked(id), nil
}

func (g *TaskGraph) aggregateLocked(id string) models.TaskStatus {
	task := g.tasks[id]
	if len(task.ChildIDs) == 0 {
		return task.Status
	}

	pending := false
	for _, childID := range task.ChildIDs {
		if g.tasks[childID] == nil {
			continue
		}
		switch g.aggregateLocked(childID) {
		case models.TaskStatusFailed:
			return models.TaskStatusFailed
		case models.TaskStatusCompleted:
		default:
			pending = true
		}
	}
	if pending {
		return models.TaskStatusCreated
	}
	return models.TaskStatusCompleted
}

// RenderTree formats the tree rooted at rootID, or every root when rootID is empty.
func (g *TaskGraph) RenderTree(rootID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var lines []string
	var render func(id string, level int)
	render = func(id string, level int) {
		task := g.tasks[id]
		if task == nil {
			return
		}
		indent := strings.Repeat("  ", level)
		symbol := task.Status.Symbol()
		if len(task.ChildIDs) > 0 {
			if agg := g.aggregateLocked(id); agg != task.Status {
				symbol += "→" + strings.ToUpper(string(agg)[:1])
			}
		}
		lines = append(lines, fmt.Sprintf("%s%s [%s] %s (owner: %s)", indent, symbol, task.ID, task.Title, task.OwnerID))
		if task.ErrorMessage != "" {
			lines = append(lines, fmt.Sprintf("%s    ⚠ Error: %s", indent, task.ErrorMessage))
		}
		for _, childID := range task.ChildIDs {
			render(childID, level+1)
		}
	}

	if rootID != "" {
		render(rootID, 0)
	} else {
		for _, id := range g.order {
			if g.tasks[id].ParentID == "" {
				render(id, 0)
			}
		}
	}

	if len(lines) == 0 {
		return "No tasks found"
	}
	return strings.Join(lines, "\n")
}

// Counts returns the number of tasks in each stored status.
func (g *TaskGraph) Counts() map[models.TaskStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[models.TaskStatus]int, 3)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// IDs returns all task ids sorted lexically.
func (g *TaskGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
