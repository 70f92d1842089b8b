// Package exec provides the sandboxed execution environment workers act on.
package exec

import (
	"context"
	"errors"
	"time"
)

// TimeoutExitCode is the exit code reported when a command exceeds its timeout.
const TimeoutExitCode = 124

var (
	// ErrTimeout indicates a command was killed after exceeding its timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrNotFound indicates a file or directory does not exist.
	ErrNotFound = errors.New("path not found")
	// ErrNoMatch indicates an edit's old string does not occur in the file.
	ErrNoMatch = errors.New("old_string not found in file")
	// ErrAmbiguous indicates an edit's old string occurs more than once.
	ErrAmbiguous = errors.New("old_string is not unique")
)

// Result is the outcome of a shell command.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Edit is one string replacement applied by MultiEdit.
type Edit struct {
	OldString  string
	NewString  string
	ReplaceAll bool
}

// Environment is everything a worker may do to the outside world.
// This abstraction allows faking the sandbox in tests.
type Environment interface {
	// Run executes a shell command and waits for it. On timeout the returned
	// Result has TimedOut set and ExitCode TimeoutExitCode, and err wraps ErrTimeout.
	Run(ctx context.Context, cmd string, timeout time.Duration) (Result, error)

	// Start launches a shell command in the background and returns its pid.
	Start(cmd string) (int, error)

	// ReadFile returns up to limit lines starting at line offset (0-based), numbered.
	// A zero limit reads to the end.
	ReadFile(path string, offset, limit int) (string, error)

	WriteFile(path, content string) (string, error)
	EditFile(path, oldString, newString string, replaceAll bool) (string, error)

	// MultiEdit applies edits in order. Either all apply or the file is untouched.
	MultiEdit(path string, edits []Edit) (string, error)

	Metadata(paths []string) (string, error)
	Grep(ctx context.Context, pattern, path, include string) (string, error)
	Glob(pattern, path string) (string, error)
	List(path string, ignore []string) (string, error)
}
