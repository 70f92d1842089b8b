package exec

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const grepTimeout = 30 * time.Second

// Grep searches file contents under path for pattern. It uses ripgrep when it
// is installed and falls back to an in-process walk otherwise.
func (l *Local) Grep(ctx context.Context, pattern, searchPath, include string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	root := l.resolvePath(searchPath)
	if _, err := os.Stat(root); err != nil {
		return "", wrapPathErr("grep", searchPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, grepTimeout)
	defer cancel()

	var result string
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--color=never", "-n"}
		if include != "" {
			args = append(args, "--glob", include)
		}
		args = append(args, "-e", pattern, root)
		// rg exits non-zero when nothing matches.
		out, _ := exec.CommandContext(ctx, rg, args...).CombinedOutput()
		result = string(out)
	} else {
		result, err = l.walkGrep(ctx, re, root, include)
		if err != nil {
			return "", err
		}
	}

	if strings.TrimSpace(result) == "" {
		return "No matches found", nil
	}
	return l.truncate(result), nil
}

func (l *Local) walkGrep(ctx context.Context, re *regexp.Regexp, root, include string) (string, error) {
	var b strings.Builder
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		if b.Len() > l.maxOutput {
			return filepath.SkipAll
		}

		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.IndexByte(line, 0) >= 0 {
				// binary
				return nil
			}
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d:%s\n", p, lineNo, line)
			}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return b.String(), fmt.Errorf("grep: %w", ctx.Err())
	}
	return b.String(), nil
}

// Glob returns files under path whose relative path matches pattern. A
// pattern without a slash matches base names at any depth; "**" matches any
// number of directories.
func (l *Local) Glob(pattern, searchPath string) (string, error) {
	root := l.resolvePath(searchPath)
	if _, err := os.Stat(root); err != nil {
		return "", wrapPathErr("glob", searchPath, err)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("glob: %w", err)
	}
	if len(matches) == 0 {
		return "No files matched the pattern", nil
	}
	sort.Strings(matches)
	return l.truncate(strings.Join(matches, "\n")), nil
}

func matchGlob(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pat[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], name[0]); !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}

// List shows the entries of a directory, skipping names matching any ignore pattern.
func (l *Local) List(dir string, ignore []string) (string, error) {
	full := l.resolvePath(dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", wrapPathErr("list directory", dir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", dir)
outer:
	for _, entry := range entries {
		for _, pat := range ignore {
			if ok, _ := filepath.Match(pat, entry.Name()); ok {
				continue outer
			}
		}
		info, err := entry.Info()
		switch {
		case err != nil:
			fmt.Fprintf(&b, "? %s\n", entry.Name())
		case entry.IsDir():
			fmt.Fprintf(&b, "d %s/\n", entry.Name())
		default:
			fmt.Fprintf(&b, "- %s (%d bytes)\n", entry.Name(), info.Size())
		}
	}
	return l.truncate(b.String()), nil
}
