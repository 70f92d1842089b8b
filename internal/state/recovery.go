package state

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// InterruptedSession describes an active session whose process is gone.
type InterruptedSession struct {
	SessionID string
	Objective string
	PID       int
	StartedAt time.Time
}

// RecoveryManager detects runs that died without recording an outcome.
type RecoveryManager struct {
	db    *DB
	alive func(pid int) bool
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, alive: isProcessAlive}
}

// CheckForInterrupted returns active sessions whose owning process is no
// longer running. Sessions owned by a live process are left alone.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedSession, error) {
	status := SessionActive
	sessions, err := rm.db.ListSessions(ctx, &status, 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []InterruptedSession
	for _, s := range sessions {
		if s.PID > 0 && rm.alive(s.PID) {
			continue
		}
		out = append(out, InterruptedSession{
			SessionID: s.ID,
			Objective: s.Objective,
			PID:       s.PID,
			StartedAt: s.StartedAt,
		})
	}
	return out, nil
}

// MarkInterrupted marks every orphaned active session as interrupted and
// returns how many were updated.
func (rm *RecoveryManager) MarkInterrupted(ctx context.Context) (int, error) {
	orphans, err := rm.CheckForInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range orphans {
		err := rm.db.FinishSession(ctx, o.SessionID, Outcome{
			Status:  SessionInterrupted,
			Message: "Run ended without recording an outcome.",
			Reason:  "process_exited",
		})
		if err != nil {
			return 0, fmt.Errorf("mark %s interrupted: %w", o.SessionID, err)
		}
	}
	return len(orphans), nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
