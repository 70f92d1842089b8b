package orchestrator

import (
	"context"

	"github.com/ShayCichocki/orca/pkg/models"
)

// Recorder persists hub state changes. The sqlite session store implements it.
// Recording failures never fail the operation that triggered them.
type Recorder interface {
	RecordTask(ctx context.Context, task models.Task) error
	RecordContext(ctx context.Context, entry models.ContextEntry) error
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

// TurnRecord is one worker turn as persisted by a Recorder.
type TurnRecord struct {
	AgentID string
	TaskID  string
	Role    models.Role
	Turn    models.TrajectoryTurn
}

// HubOption configures a Hub. Use With* functions to create options.
type HubOption func(*hubOptions)

type hubOptions struct {
	recorder Recorder
	metrics  *Metrics
	events   *EventEmitter
	logger   *DebugLogger
}

// WithRecorder persists tasks, contexts and turns through r.
func WithRecorder(r Recorder) HubOption {
	return func(o *hubOptions) { o.recorder = r }
}

// WithMetrics reports hub activity to m.
func WithMetrics(m *Metrics) HubOption {
	return func(o *hubOptions) { o.metrics = m }
}

// WithEvents publishes task and context changes to e.
func WithEvents(e *EventEmitter) HubOption {
	return func(o *hubOptions) { o.events = e }
}

// WithLogger sets the debug logger. It also becomes the package-level logger.
func WithLogger(l *DebugLogger) HubOption {
	return func(o *hubOptions) { o.logger = l }
}
