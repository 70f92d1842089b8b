package models

import "time"

// ContextEntry is a named piece of knowledge held in the context store.
type ContextEntry struct {
	// ID is the caller-chosen identifier (snake_case by convention).
	ID string `json:"id"`
	// Content is the knowledge itself.
	Content string `json:"content"`
	// ReportedBy names the agent or task that reported the entry.
	ReportedBy string `json:"reported_by"`
	// TaskID is the task the entry was reported under, if any.
	TaskID string `json:"task_id,omitempty"`
	// Seq orders entries by when they were first reported.
	Seq int64 `json:"seq"`
	// CreatedAt is when the entry was first stored.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the entry was last overwritten.
	UpdatedAt time.Time `json:"updated_at"`
}

// ContextItem is a context proposed by a worker in its report.
type ContextItem struct {
	ID      string `json:"id" yaml:"id"`
	Content string `json:"content" yaml:"content"`
}
