package orchestrator

import (
	"time"

	"github.com/ShayCichocki/orca/pkg/models"
)

// EventType represents the type of hub event.
type EventType string

const (
	// EventTaskCreated indicates a task was added to the graph.
	EventTaskCreated EventType = "task_created"
	// EventTaskStarted indicates a worker was launched for a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task's report was ingested as completed.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task ended as failed.
	EventTaskFailed EventType = "task_failed"
	// EventContextStored indicates a context was written to the store.
	EventContextStored EventType = "context_stored"
	// EventForcedReport indicates a worker was terminated by the continuation policy.
	EventForcedReport EventType = "forced_report"
	// EventTurn indicates a worker finished a turn.
	EventTurn EventType = "turn"
	// EventSessionDone indicates the controller finished.
	EventSessionDone EventType = "session_done"
)

// Event represents a state change published by the hub and worker loops.
// These events are used to update the TUI and track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string
	// ParentID is the ID of the parent task, if applicable.
	ParentID string
	// AgentID is the ID of the related agent, if applicable.
	AgentID string
	// Status is the task status after the event, if applicable.
	Status models.TaskStatus
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Turn is the worker turn number (for turn events).
	Turn int
	// TokensUsed is the running total of input plus output tokens.
	TokensUsed int64
	// Duration is the elapsed time.
	Duration time.Duration
}
