package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// Defaults for a Local environment.
const (
	DefaultTimeout   = 30 * time.Second
	MaxTimeout       = 300 * time.Second
	DefaultMaxOutput = 30000
)

// Option configures a Local environment.
type Option func(*Local)

// WithMaxOutput caps the bytes returned from any single operation.
func WithMaxOutput(n int) Option {
	return func(l *Local) {
		if n > 0 {
			l.maxOutput = n
		}
	}
}

// WithMaxTimeout caps the timeout accepted by Run.
func WithMaxTimeout(d time.Duration) Option {
	return func(l *Local) {
		if d > 0 && d <= MaxTimeout {
			l.maxTimeout = d
		}
	}
}

// WithDefaultTimeout sets the timeout used when Run is given none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(l *Local) {
		if d > 0 {
			l.defaultTimeout = d
		}
	}
}

// WithShell overrides the shell used to run commands.
func WithShell(shell string) Option {
	return func(l *Local) {
		if shell != "" {
			l.shell = shell
		}
	}
}

// Local implements Environment against a directory on the host.
type Local struct {
	root           string
	shell          string
	maxOutput      int
	maxTimeout     time.Duration
	defaultTimeout time.Duration

	mu         sync.Mutex
	background map[int]*exec.Cmd
}

// NewLocal creates an environment rooted at root.
func NewLocal(root string, opts ...Option) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}

	l := &Local{
		root:           abs,
		shell:          "bash",
		maxOutput:      DefaultMaxOutput,
		maxTimeout:     MaxTimeout,
		defaultTimeout: DefaultTimeout,
		background:     make(map[int]*exec.Cmd),
	}
	if _, err := exec.LookPath(l.shell); err != nil {
		l.shell = "sh"
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Root returns the absolute sandbox root.
func (l *Local) Root() string {
	return l.root
}

// Run executes a shell command in the sandbox root and waits for it.
func (l *Local) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	if timeout > l.maxTimeout {
		timeout = l.maxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.shell, "-c", command)
	cmd.Dir = l.root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that keep the pipes open must not hold Wait past the deadline.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:   l.truncate(out.String()),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// Start launches a command in the background. Its output is discarded.
func (l *Local) Start(command string) (int, error) {
	cmd := exec.Command(l.shell, "-c", command)
	cmd.Dir = l.root
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start command: %w", err)
	}

	pid := cmd.Process.Pid
	l.mu.Lock()
	l.background[pid] = cmd
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		l.mu.Lock()
		delete(l.background, pid)
		l.mu.Unlock()
	}()
	return pid, nil
}

// Close kills any background commands still running.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pid, cmd := range l.background {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(l.background, pid)
	}
	return nil
}

// resolvePath anchors relative paths at the root. Absolute paths pass through
// unchanged: the root is the working directory, not a confinement boundary.
func (l *Local) resolvePath(path string) string {
	if path == "" {
		return l.root
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(l.root, path)
}

func (l *Local) truncate(s string) string {
	if len(s) <= l.maxOutput {
		return s
	}
	cut := l.maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}

// Verify Local implements Environment at compile time.
var _ Environment = (*Local)(nil)
