package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusCreated indicates the task exists but has not reached a terminal state.
	TaskStatusCreated TaskStatus = "created"
	// TaskStatusCompleted indicates the task finished and its report was ingested.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task finished unsuccessfully.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses a task can never leave.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Symbol returns the single-character marker used in tree views.
func (s TaskStatus) Symbol() string {
	switch s {
	case TaskStatusCreated:
		return "○"
	case TaskStatusCompleted:
		return "●"
	case TaskStatusFailed:
		return "✗"
	default:
		return "?"
	}
}

// BootstrapItem names a file or directory whose content is pre-fetched for a worker.
// A path ending in "/" is treated as a directory.
type BootstrapItem struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}

// IsDir reports whether the item refers to a directory listing.
func (b BootstrapItem) IsDir() bool {
	return len(b.Path) > 0 && b.Path[len(b.Path)-1] == '/'
}

// Task represents a unit of delegated work in the task graph.
type Task struct {
	// ID is the unique identifier for this task (task_001, task_002, ...).
	ID string `json:"id"`
	// ParentID is the ID of the parent task. Empty for root tasks.
	ParentID string `json:"parent_id,omitempty"`
	// Depth is the distance from the root (root = 0).
	Depth int `json:"depth"`
	// OwnerID is the agent that created the task and may change its status.
	OwnerID string `json:"owner_id"`
	// AgentType is the kind of worker the task is meant for.
	AgentType AgentType `json:"agent_type"`
	// Status is the stored state of the task.
	Status TaskStatus `json:"status"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed instructions for the worker.
	Description string `json:"description,omitempty"`
	// ContextRefs lists context ids or task ids to inject into the worker prompt.
	ContextRefs []string `json:"context_refs,omitempty"`
	// Bootstrap lists files and directories to pre-fetch for the worker.
	Bootstrap []BootstrapItem `json:"bootstrap,omitempty"`
	// MaxTurns overrides the worker turn limit when positive.
	MaxTurns int `json:"max_turns,omitempty"`
	// ChildIDs lists direct subtasks in creation order.
	ChildIDs []string `json:"child_ids,omitempty"`
	// Result is populated when the task's report is ingested.
	Result *SubagentResult `json:"result,omitempty"`
	// ErrorMessage describes why the task failed, if it did.
	ErrorMessage string `json:"error_message,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsRoot reports whether the task has no parent.
func (t Task) IsRoot() bool {
	return t.ParentID == ""
}

// Clone returns a deep copy so callers never alias graph state.
func (t Task) Clone() Task {
	c := t
	c.ContextRefs = append([]string(nil), t.ContextRefs...)
	c.Bootstrap = append([]BootstrapItem(nil), t.Bootstrap...)
	c.ChildIDs = append([]string(nil), t.ChildIDs...)
	if t.Result != nil {
		r := t.Result.Clone()
		c.Result = &r
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}
