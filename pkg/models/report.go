package models

import "time"

// TrajectoryTurn captures one request/response cycle of a worker.
type TrajectoryTurn struct {
	Turn      int      `json:"turn"`
	Output    string   `json:"output"`
	Actions   []string `json:"actions,omitempty"`
	Responses []string `json:"responses,omitempty"`
}

// ReportMeta carries execution statistics attached to a report.
type ReportMeta struct {
	NumTurns     int              `json:"num_turns"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	Duration     time.Duration    `json:"duration"`
	Trajectory   []TrajectoryTurn `json:"trajectory,omitempty"`
}

// SubagentReport is the terminal payload of a worker run.
type SubagentReport struct {
	// Contexts are the knowledge items proposed for the shared store.
	Contexts []ContextItem `json:"contexts"`
	// Comments is free text addressed to the parent.
	Comments string `json:"comments"`
	// Failed marks the task as FAILED on ingestion.
	Failed bool `json:"failed,omitempty"`
	// Forced is set when the report was synthesized by the continuation policy.
	Forced bool `json:"forced,omitempty"`
	// Reason is the diagnostic reason of a forced report.
	Reason string `json:"reason,omitempty"`
	Meta   ReportMeta `json:"meta"`
}

// Status returns the terminal status the report maps to.
func (r SubagentReport) Status() TaskStatus {
	if r.Failed {
		return TaskStatusFailed
	}
	return TaskStatusCompleted
}

// SubagentResult is the hub's record of an ingested report.
type SubagentResult struct {
	TaskID              string        `json:"task_id"`
	Status              TaskStatus    `json:"status"`
	ContextIDsStored    []string      `json:"context_ids_stored"`
	OverwrittenContexts []string      `json:"overwritten_contexts,omitempty"`
	SkippedContexts     int           `json:"skipped_contexts,omitempty"`
	Comments            string        `json:"comments"`
	Error               string        `json:"error,omitempty"`
	Forced              bool          `json:"forced,omitempty"`
	NumTurns            int           `json:"num_turns"`
	InputTokens         int64         `json:"input_tokens"`
	OutputTokens        int64         `json:"output_tokens"`
	Duration            time.Duration `json:"duration"`

	// Verbose fields, populated only when trajectory tracking was requested.
	Verbose    bool              `json:"verbose,omitempty"`
	Contexts   map[string]string `json:"contexts,omitempty"`
	Trajectory []TrajectoryTurn  `json:"trajectory,omitempty"`
}

// Success reports whether the task completed without error.
func (r SubagentResult) Success() bool {
	return r.Error == "" && r.Status == TaskStatusCompleted
}

// Clone returns a deep copy of the result.
func (r SubagentResult) Clone() SubagentResult {
	c := r
	c.ContextIDsStored = append([]string(nil), r.ContextIDsStored...)
	c.OverwrittenContexts = append([]string(nil), r.OverwrittenContexts...)
	if r.Contexts != nil {
		c.Contexts = make(map[string]string, len(r.Contexts))
		for k, v := range r.Contexts {
			c.Contexts[k] = v
		}
	}
	c.Trajectory = append([]TrajectoryTurn(nil), r.Trajectory...)
	return c
}
