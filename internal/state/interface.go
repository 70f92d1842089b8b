package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/orca/pkg/models"
)

// SessionStore handles session-related persistence operations.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	LatestSession(ctx context.Context) (*Session, error)
	FinishSession(ctx context.Context, id string, o Outcome) error
	ListSessions(ctx context.Context, status *SessionStatus, limit int) ([]Session, error)
	PurgeOldSessions(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RunReader reads back what the hub recorded during a session.
type RunReader interface {
	ListTasks(ctx context.Context, sessionID string) ([]models.Task, error)
	ListContexts(ctx context.Context, sessionID string) ([]models.ContextEntry, error)
	ListTurns(ctx context.Context, sessionID, agentID string) ([]TurnRow, error)
	CountTurns(ctx context.Context, sessionID string) (map[models.Role]int, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore composes everything the CLI needs from the state database.
type StateStore interface {
	io.Closer
	Migrator
	SessionStore
	RunReader
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore   = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
	_ RunReader    = (*DB)(nil)
)
