package state

import (
	"context"

	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/pkg/models"
)

// Recorder persists hub activity for a single session.
type Recorder struct {
	db        *DB
	sessionID string
}

var _ orchestrator.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder writing under the given session.
func NewRecorder(db *DB, sessionID string) *Recorder {
	return &Recorder{db: db, sessionID: sessionID}
}

// SessionID returns the session the recorder writes to.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// RecordTask stores the latest snapshot of a task.
func (r *Recorder) RecordTask(ctx context.Context, task models.Task) error {
	return r.db.UpsertTask(ctx, r.sessionID, task)
}

// RecordContext stores the latest content of a context entry.
func (r *Recorder) RecordContext(ctx context.Context, entry models.ContextEntry) error {
	return r.db.UpsertContext(ctx, r.sessionID, entry)
}

// RecordTurn appends a worker turn.
func (r *Recorder) RecordTurn(ctx context.Context, rec orchestrator.TurnRecord) error {
	return r.db.InsertTurn(ctx, TurnRow{
		SessionID: r.sessionID,
		AgentID:   rec.AgentID,
		TaskID:    rec.TaskID,
		Role:      rec.Role,
		Turn:      rec.Turn.Turn,
		Output:    rec.Turn.Output,
		Actions:   rec.Turn.Actions,
		Responses: rec.Turn.Responses,
	})
}
