package agent

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Guidance holds operator instructions read from a file and appended to
// every system prompt. The file is reloaded whenever it changes, so edits
// reach agents started after the change. A nil *Guidance has no content.
type Guidance struct {
	path string

	mu      sync.RWMutex
	content string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewGuidance loads the guidance file at path and starts watching it.
// A missing file yields empty guidance until it is created.
func NewGuidance(path string) (*Guidance, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	g := &Guidance{
		path: abs,
		done: make(chan struct{}),
	}
	g.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - the file is read once
		debugf("[guidance] watcher unavailable: %v", err)
		return g, nil
	}

	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		debugf("[guidance] cannot watch %s: %v", filepath.Dir(abs), err)
		return g, nil
	}
	g.watcher = watcher

	g.wg.Add(1)
	go g.watch()
	return g, nil
}

func (g *Guidance) watch() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != g.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				g.reload()
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			debugf("[guidance] watch error: %v", err)
		}
	}
}

func (g *Guidance) reload() {
	data, err := os.ReadFile(g.path)
	if err != nil && !os.IsNotExist(err) {
		debugf("[guidance] read %s: %v", g.path, err)
		return
	}

	g.mu.Lock()
	g.content = string(data)
	g.mu.Unlock()
	debugf("[guidance] loaded %d bytes from %s", len(data), g.path)
}

// Content returns the current guidance text.
func (g *Guidance) Content() string {
	if g == nil {
		return ""
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.content
}

// Path returns the watched file.
func (g *Guidance) Path() string {
	if g == nil {
		return ""
	}
	return g.path
}

// Close stops watching the file.
func (g *Guidance) Close() {
	if g == nil {
		return
	}
	select {
	case <-g.done:
		return
	default:
		close(g.done)
	}
	if g.watcher != nil {
		g.watcher.Close()
	}
	g.wg.Wait()
}
