package exec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ReadFile returns numbered lines, cat -n style.
func (l *Local) ReadFile(path string, offset, limit int) (string, error) {
	content, err := os.ReadFile(l.resolvePath(path))
	if err != nil {
		return "", wrapPathErr("read file", path, err)
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if offset > len(lines) {
		return "", fmt.Errorf("offset %d beyond end of file (%d lines)", offset, len(lines))
	}

	end := len(lines)
	if limit > 0 {
		end = min(offset+limit, len(lines))
	}

	var b strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "... (%d more lines)\n", len(lines)-end)
	}
	return l.truncate(b.String()), nil
}

// WriteFile replaces path's content, creating parent directories as needed.
func (l *Local) WriteFile(path, content string) (string, error) {
	full := l.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file %s: %w", path, err)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// EditFile replaces oldString with newString and returns a line diff of the change.
func (l *Local) EditFile(path, oldString, newString string, replaceAll bool) (string, error) {
	return l.MultiEdit(path, []Edit{{OldString: oldString, NewString: newString, ReplaceAll: replaceAll}})
}

// MultiEdit applies edits in order against the in-memory content and writes once.
func (l *Local) MultiEdit(path string, edits []Edit) (string, error) {
	full := l.resolvePath(path)
	raw, err := os.ReadFile(full)
	if err != nil {
		return "", wrapPathErr("read file", path, err)
	}

	original := string(raw)
	updated := original
	replacements := 0
	for i, e := range edits {
		next, n, err := applyEdit(updated, e)
		if err != nil {
			if len(edits) > 1 {
				return "", fmt.Errorf("edit %d: %w", i+1, err)
			}
			return "", err
		}
		updated = next
		replacements += n
	}

	if err := os.WriteFile(full, []byte(updated), 0644); err != nil {
		return "", fmt.Errorf("write file %s: %w", path, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Edited %s (%d replacement(s))\n", path, replacements)
	b.WriteString(lineDiff(original, updated))
	return l.truncate(b.String()), nil
}

func applyEdit(content string, e Edit) (string, int, error) {
	if e.OldString == "" {
		return "", 0, fmt.Errorf("%w: old_string is empty", ErrNoMatch)
	}
	count := strings.Count(content, e.OldString)
	if count == 0 {
		return "", 0, ErrNoMatch
	}
	if !e.ReplaceAll && count > 1 {
		return "", 0, fmt.Errorf("%w: found %d times; use replace_all", ErrAmbiguous, count)
	}
	if e.ReplaceAll {
		return strings.ReplaceAll(content, e.OldString, e.NewString), count, nil
	}
	return strings.Replace(content, e.OldString, e.NewString, 1), 1, nil
}

// lineDiff renders the changed lines between two texts with -/+ prefixes.
func lineDiff(before, after string) string {
	if before == after {
		return "(no changes)\n"
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(strings.TrimSuffix(line, "\n"))
			out.WriteString("\n")
		}
	}
	return out.String()
}

// Metadata reports size, line count, mode and modification time per path.
func (l *Local) Metadata(paths []string) (string, error) {
	var b strings.Builder
	for _, p := range paths {
		full := l.resolvePath(p)
		info, err := os.Stat(full)
		if err != nil {
			fmt.Fprintf(&b, "%s: not found\n", p)
			continue
		}
		if info.IsDir() {
			fmt.Fprintf(&b, "%s: directory, mode %s, modified %s\n", p, info.Mode().Perm(), info.ModTime().Format(time.RFC3339))
			continue
		}
		lines := 0
		if content, err := os.ReadFile(full); err == nil {
			lines = strings.Count(string(content), "\n")
			if len(content) > 0 && content[len(content)-1] != '\n' {
				lines++
			}
		}
		fmt.Fprintf(&b, "%s: %d bytes, %d lines, mode %s, modified %s\n",
			p, info.Size(), lines, info.Mode().Perm(), info.ModTime().Format(time.RFC3339))
	}
	return b.String(), nil
}

func wrapPathErr(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}
