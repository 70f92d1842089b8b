package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultCriticalDir is where critical error reports are written by default.
const DefaultCriticalDir = ".orca/critical_errors"

// CriticalError is a failure that escaped a worker loop.
type CriticalError struct {
	// ErrorType is a one-word identifier, e.g. "subagent_panic". It becomes part of the file name.
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
}

// CriticalLogger writes each critical error to its own JSON file.
// A nil *CriticalLogger discards everything.
type CriticalLogger struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewCriticalLogger creates a logger writing under dir. The directory is
// created on first write.
func NewCriticalLogger(dir string) *CriticalLogger {
	if dir == "" {
		dir = DefaultCriticalDir
	}
	return &CriticalLogger{dir: dir, now: time.Now}
}

// Dir returns the output directory.
func (l *CriticalLogger) Dir() string {
	if l == nil {
		return ""
	}
	return l.dir
}

// Log writes e to <dir>/<DD_MM_HH_SS>_<error_type>.json and returns the path.
// A missing timestamp is filled in.
func (l *CriticalLogger) Log(ctx context.Context, e CriticalError) (string, error) {
	if l == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e.Timestamp == "" {
		e.Timestamp = now.Format(time.RFC3339Nano)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if e.ErrorType == "" {
		e.ErrorType = "unknown"
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return "", fmt.Errorf("create critical error dir: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal critical error: %w", err)
	}

	path := filepath.Join(l.dir, fmt.Sprintf("%s_%s.json", now.Format("02_01_15_05"), e.ErrorType))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write critical error: %w", err)
	}
	return path, nil
}
