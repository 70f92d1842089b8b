package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/orca/pkg/models"
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionStopped     SessionStatus = "stopped"
	SessionCanceled    SessionStatus = "canceled"
	SessionInterrupted SessionStatus = "interrupted"
)

// IsTerminal reports whether the session can no longer change.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionActive
}

// Session represents one orca run against a single objective.
type Session struct {
	ID           string        `json:"id"`
	Objective    string        `json:"objective"`
	ControllerID string        `json:"controller_id"`
	Status       SessionStatus `json:"status"`
	Message      string        `json:"message"`
	Reason       string        `json:"reason,omitempty"`
	Turns        int           `json:"turns"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	PID          int           `json:"pid"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Duration returns how long the session ran, or has been running.
func (s Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Outcome is the final state written by FinishSession.
type Outcome struct {
	Status       SessionStatus
	Message      string
	Reason       string
	Turns        int
	InputTokens  int64
	OutputTokens int64
	EndedAt      time.Time
}

// TurnRow is a persisted worker turn.
type TurnRow struct {
	Seq       int64       `json:"seq"`
	SessionID string      `json:"session_id"`
	AgentID   string      `json:"agent_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Role      models.Role `json:"role"`
	Turn      int         `json:"turn"`
	Output    string      `json:"output"`
	Actions   []string    `json:"actions"`
	Responses []string    `json:"responses"`
	CreatedAt time.Time   `json:"created_at"`
}

// Session CRUD operations

// CreateSession creates a new session.
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	if s.Status == "" {
		s.Status = SessionActive
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO sessions (id, objective, controller_id, status, pid, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.Objective, s.ControllerID, string(s.Status), s.PID, formatTime(s.StartedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, objective, controller_id, status, message, reason, turns,
	input_tokens, output_tokens, pid, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var startedAt string
	var endedAt sql.NullString
	err := row.Scan(&s.ID, &s.Objective, &s.ControllerID, &s.Status, &s.Message, &s.Reason, &s.Turns,
		&s.InputTokens, &s.OutputTokens, &s.PID, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	s.StartedAt, _ = parseTime(startedAt)
	s.EndedAt = parseNullableTime(endedAt)
	return &s, nil
}

// GetSession retrieves a session by ID. It returns nil, nil when no such
// session exists.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// LatestSession returns the most recently started session, or nil.
func (db *DB) LatestSession(ctx context.Context) (*Session, error) {
	row := db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return s, nil
}

// FinishSession records the outcome of a run.
func (db *DB) FinishSession(ctx context.Context, id string, o Outcome) error {
	if o.EndedAt.IsZero() {
		o.EndedAt = time.Now()
	}
	res, err := db.Exec(ctx, `
		UPDATE sessions SET status = ?, message = ?, reason = ?, turns = ?,
			input_tokens = ?, output_tokens = ?, ended_at = ?
		WHERE id = ?
	`, string(o.Status), o.Message, o.Reason, o.Turns, o.InputTokens, o.OutputTokens, formatTime(o.EndedAt), id)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish session: %s not found", id)
	}
	return nil
}

// DeleteSession deletes a session and everything recorded under it.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	_, err := db.Exec(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions lists sessions newest first, optionally filtered by status.
// A non-positive limit returns all of them.
func (db *DB) ListSessions(ctx context.Context, status *SessionStatus, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// Task operations

// UpsertTask stores the latest snapshot of a task under a session.
func (db *DB) UpsertTask(ctx context.Context, sessionID string, t models.Task) error {
	refs, err := json.Marshal(nonNil(t.ContextRefs))
	if err != nil {
		return fmt.Errorf("marshal context refs: %w", err)
	}
	bootstrap, err := json.Marshal(t.Bootstrap)
	if err != nil {
		return fmt.Errorf("marshal bootstrap: %w", err)
	}
	if t.Bootstrap == nil {
		bootstrap = []byte("[]")
	}
	var result *string
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		s := string(b)
		result = &s
	}
	var completedAt *string
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err = db.Exec(ctx, `
		INSERT INTO tasks (session_id, id, parent_id, owner_id, agent_type, title, description, status,
			depth, context_refs, bootstrap, max_turns, error_message, result, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			result = excluded.result,
			completed_at = excluded.completed_at
	`, sessionID, t.ID, t.ParentID, t.OwnerID, string(t.AgentType), t.Title, t.Description, string(t.Status),
		t.Depth, string(refs), string(bootstrap), t.MaxTurns, t.ErrorMessage, result, formatTime(t.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns every task recorded under a session in creation order,
// with ChildIDs rebuilt from the parent links.
func (db *DB) ListTasks(ctx context.Context, sessionID string) ([]models.Task, error) {
	rows, err := db.Query(ctx, `
		SELECT id, parent_id, owner_id, agent_type, title, description, status, depth,
			context_refs, bootstrap, max_turns, error_message, result, created_at, completed_at
		FROM tasks WHERE session_id = ? ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	index := make(map[string]int)
	for rows.Next() {
		var t models.Task
		var refs, bootstrap, createdAt string
		var result, completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.ParentID, &t.OwnerID, &t.AgentType, &t.Title, &t.Description, &t.Status, &t.Depth,
			&refs, &bootstrap, &t.MaxTurns, &t.ErrorMessage, &result, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &t.ContextRefs); err != nil {
			return nil, fmt.Errorf("unmarshal context refs for %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(bootstrap), &t.Bootstrap); err != nil {
			return nil, fmt.Errorf("unmarshal bootstrap for %s: %w", t.ID, err)
		}
		if result.Valid {
			var r models.SubagentResult
			if err := json.Unmarshal([]byte(result.String), &r); err != nil {
				return nil, fmt.Errorf("unmarshal result for %s: %w", t.ID, err)
			}
			t.Result = &r
		}
		t.CreatedAt, _ = parseTime(createdAt)
		t.CompletedAt = parseNullableTime(completedAt)

		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if i, ok := index[t.ParentID]; ok {
			tasks[i].ChildIDs = append(tasks[i].ChildIDs, t.ID)
		}
	}
	return tasks, nil
}

// Context operations

// UpsertContext stores the latest content of a context entry under a session.
func (db *DB) UpsertContext(ctx context.Context, sessionID string, e models.ContextEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO contexts (session_id, id, content, reported_by, task_id, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			content = excluded.content,
			reported_by = excluded.reported_by,
			task_id = excluded.task_id,
			updated_at = excluded.updated_at
	`, sessionID, e.ID, e.Content, e.ReportedBy, e.TaskID, e.Seq, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert context %s: %w", e.ID, err)
	}
	return nil
}

// ListContexts returns a session's context entries in the order they were first reported.
func (db *DB) ListContexts(ctx context.Context, sessionID string) ([]models.ContextEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, content, reported_by, task_id, seq, created_at, updated_at
		FROM contexts WHERE session_id = ? ORDER BY seq, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var entries []models.ContextEntry
	for rows.Next() {
		var e models.ContextEntry
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.Content, &e.ReportedBy, &e.TaskID, &e.Seq, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		e.CreatedAt, _ = parseTime(createdAt)
		e.UpdatedAt, _ = parseTime(updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Turn operations

// InsertTurn appends a worker turn to a session.
func (db *DB) InsertTurn(ctx context.Context, r TurnRow) error {
	actions, err := json.Marshal(nonNil(r.Actions))
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	responses, err := json.Marshal(nonNil(r.Responses))
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = db.Exec(ctx, `
		INSERT INTO turns (session_id, agent_id, task_id, role, turn, output, actions, responses, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.AgentID, r.TaskID, string(r.Role), r.Turn, r.Output, string(actions), string(responses), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// ListTurns returns a session's turns in insertion order. An empty agentID
// returns the turns of every agent.
func (db *DB) ListTurns(ctx context.Context, sessionID, agentID string) ([]TurnRow, error) {
	query := `SELECT seq, session_id, agent_id, task_id, role, turn, output, actions, responses, created_at
		FROM turns WHERE session_id = ?`
	args := []any{sessionID}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY seq`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []TurnRow
	for rows.Next() {
		var r TurnRow
		var actions, responses, createdAt string
		if err := rows.Scan(&r.Seq, &r.SessionID, &r.AgentID, &r.TaskID, &r.Role, &r.Turn, &r.Output,
			&actions, &responses, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
		if err := json.Unmarshal([]byte(responses), &r.Responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses: %w", err)
		}
		r.CreatedAt, _ = parseTime(createdAt)
		turns = append(turns, r)
	}
	return turns, rows.Err()
}

// CountTurns returns the number of turns per role recorded under a session.
func (db *DB) CountTurns(ctx context.Context, sessionID string) (map[models.Role]int, error) {
	rows, err := db.Query(ctx, `SELECT role, COUNT(*) FROM turns WHERE session_id = ? GROUP BY role`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Role]int)
	for rows.Next() {
		var role models.Role
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("scan turn count: %w", err)
		}
		counts[role] = n
	}
	return counts, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
