package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/orca/internal/exec"
)

// RunFunc scripts the result of a shell command.
type RunFunc func(cmd string, timeout time.Duration) (exec.Result, error)

// FakeEnv is an in-memory exec.Environment. Files live in a map keyed by
// path; directories are implied by path prefixes.
type FakeEnv struct {
	mu    sync.Mutex
	files map[string]string

	// RunFunc scripts shell commands. When nil, commands echo themselves with exit code 0.
	RunFunc RunFunc

	// Commands records every command passed to Run or Start.
	Commands []string
	// Calls records every method invoked, e.g. "ReadFile src/main.go".
	Calls []string
}

var _ exec.Environment = (*FakeEnv)(nil)

// NewFakeEnv creates an environment holding the given files.
func NewFakeEnv(files map[string]string) *FakeEnv {
	fs := make(map[string]string, len(files))
	for k, v := range files {
		fs[k] = v
	}
	return &FakeEnv{files: fs}
}

// File returns a file's content.
func (f *FakeEnv) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	return c, ok
}

// CallLog returns a copy of the recorded calls.
func (f *FakeEnv) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *FakeEnv) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeEnv) Run(ctx context.Context, cmd string, timeout time.Duration) (exec.Result, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	f.record("Run " + cmd)
	run := f.RunFunc
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return exec.Result{}, err
	}
	if run != nil {
		return run(cmd, timeout)
	}
	return exec.Result{Output: cmd}, nil
}

func (f *FakeEnv) Start(cmd string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)
	f.record("Start " + cmd)
	return 4242, nil
}

func (f *FakeEnv) ReadFile(path string, offset, limit int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("ReadFile %s %d %d", path, offset, limit))

	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, exec.ErrNotFound)
	}
	lines := strings.Split(content, "\n")
	if offset > len(lines) {
		offset = len(lines)
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return strings.Join(lines[offset:end], "\n"), nil
}

func (f *FakeEnv) WriteFile(path, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteFile " + path)
	f.files[path] = content
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

func (f *FakeEnv) EditFile(path, oldString, newString string, replaceAll bool) (string, error) {
	return f.MultiEdit(path, []exec.Edit{{OldString: oldString, NewString: newString, ReplaceAll: replaceAll}})
}

func (f *FakeEnv) MultiEdit(path string, edits []exec.Edit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("MultiEdit " + path)

	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("edit %s: %w", path, exec.ErrNotFound)
	}
	total := 0
	for _, e := range edits {
		n := strings.Count(content, e.OldString)
		switch {
		case n == 0:
			return "", fmt.Errorf("edit %s: %w", path, exec.ErrNoMatch)
		case n > 1 && !e.ReplaceAll:
			return "", fmt.Errorf("edit %s: %w", path, exec.ErrAmbiguous)
		}
		if e.ReplaceAll {
			content = strings.ReplaceAll(content, e.OldString, e.NewString)
			total += n
		} else {
			content = strings.Replace(content, e.OldString, e.NewString, 1)
			total++
		}
	}
	f.files[path] = content
	return fmt.Sprintf("Edited %s (%d replacement(s))", path, total), nil
}

func (f *FakeEnv) Metadata(paths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Metadata " + strings.Join(paths, ","))

	var lines []string
	for _, p := range paths {
		if c, ok := f.files[p]; ok {
			lines = append(lines, fmt.Sprintf("%s: %d bytes", p, len(c)))
		} else {
			lines = append(lines, p+": not found")
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (f *FakeEnv) Grep(_ context.Context, pattern, path, include string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Grep " + pattern)

	var hits []string
	for _, p := range f.sortedPathsLocked() {
		for i, line := range strings.Split(f.files[p], "\n") {
			if strings.Contains(line, pattern) {
				hits = append(hits, fmt.Sprintf("%s:%d:%s", p, i+1, line))
			}
		}
	}
	if len(hits) == 0 {
		return "No matches found", nil
	}
	return strings.Join(hits, "\n"), nil
}

func (f *FakeEnv) Glob(pattern, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Glob " + pattern)

	suffix := strings.TrimPrefix(pattern, "*")
	var hits []string
	for _, p := range f.sortedPathsLocked() {
		if strings.HasSuffix(p, suffix) {
			hits = append(hits, p)
		}
	}
	if len(hits) == 0 {
		return "No files matched the pattern", nil
	}
	return strings.Join(hits, "\n"), nil
}

func (f *FakeEnv) List(path string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("List " + path)

	prefix := strings.TrimSuffix(path, "/") + "/"
	var entries []string
	for _, p := range f.sortedPathsLocked() {
		if strings.HasPrefix(p, prefix) {
			entries = append(entries, "- "+strings.TrimPrefix(p, prefix))
		}
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("list %s: %w", path, exec.ErrNotFound)
	}
	return path + ":\n" + strings.Join(entries, "\n"), nil
}

func (f *FakeEnv) sortedPathsLocked() []string {
	paths := make([]string, 0, len(f.files))
	for p := range f.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
