// Package contextstore holds the knowledge artifacts reported by workers.
package contextstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/orca/pkg/models"
)

// taskRefPrefix marks a reference to every context reported by a task.
const taskRefPrefix = "task_"

// taskRefSuffix is an optional qualifier stripped from task references.
const taskRefSuffix = "_output"

// ErrNotFound indicates the requested context id is not in the store.
var ErrNotFound = errors.New("context not found")

// Entry is an item to store in a batch.
type Entry struct {
	ID         string
	Content    string
	ReportedBy string
	TaskID     string
}

// Resolution is the outcome of resolving a list of references.
type Resolution struct {
	// Entries holds resolved contexts, deduplicated, in reference then reporting order.
	Entries []models.ContextEntry
	// Missing lists references that did not resolve, in the order given.
	Missing []string
	// Resolved counts references that resolved to at least one context.
	Resolved int
}

// Contents returns the resolved entries as an id to content mapping.
func (r Resolution) Contents() map[string]string {
	out := make(map[string]string, len(r.Entries))
	for _, e := range r.Entries {
		out[e.ID] = e.Content
	}
	return out
}

// Store maps context ids to entries. All methods are safe for concurrent use.
// Put is an upsert: re-reporting under an existing id replaces the entry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*models.ContextEntry
	seq     int64
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*models.ContextEntry),
		now:     time.Now,
	}
}

// Put stores a context, overwriting any entry with the same id.
// It reports whether an existing entry was replaced.
func (s *Store) Put(id, content, reportedBy, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(Entry{ID: id, Content: content, ReportedBy: reportedBy, TaskID: taskID})
}

// PutBatch stores all entries under a single lock acquisition, so readers see
// either none or all of them. It returns the ids that replaced existing entries.
func (s *Store) PutBatch(entries []Entry) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced []string
	for _, e := range entries {
		if s.putLocked(e) {
			replaced = append(replaced, e.ID)
		}
	}
	return replaced
}

func (s *Store) putLocked(e Entry) bool {
	now := s.now()
	if existing, ok := s.entries[e.ID]; ok {
		// Moving an entry to another task places it last in that task's reporting order.
		if existing.TaskID != e.TaskID {
			s.seq++
			existing.Seq = s.seq
		}
		existing.Content = e.Content
		existing.ReportedBy = e.ReportedBy
		existing.TaskID = e.TaskID
		existing.UpdatedAt = now
		return true
	}

	s.seq++
	s.entries[e.ID] = &models.ContextEntry{
		ID:         e.ID,
		Content:    e.Content,
		ReportedBy: e.ReportedBy,
		TaskID:     e.TaskID,
		Seq:        s.seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return false
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (models.ContextEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return models.ContextEntry{}, fmt.Errorf("context %q: %w", id, ErrNotFound)
	}
	return *e, nil
}

// Len returns the number of stored contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IsTaskRef reports whether ref names a task rather than a single context.
func IsTaskRef(ref string) bool {
	return strings.HasPrefix(ref, taskRefPrefix)
}

// normalizeTaskRef strips the optional qualifier from a task reference.
func normalizeTaskRef(ref string) string {
	return strings.TrimSuffix(ref, taskRefSuffix)
}

// ByTask returns every context reported under a task in reporting order.
func (s *Store) ByTask(taskID string) []models.ContextEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTaskLocked(taskID)
}

func (s *Store) byTaskLocked(taskID string) []models.ContextEntry {
	var out []models.ContextEntry
	for _, e := range s.entries {
		if e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ResolveRefs resolves each reference. A task reference (task_XXX, optionally
// suffixed with _output) expands to all contexts of that task; anything else is
// a direct context id. A task reference with no contexts counts as missing.
func (s *Store) ResolveRefs(refs []string) Resolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(refs)
}

func (s *Store) resolveLocked(refs []string) Resolution {
	var res Resolution
	seen := make(map[string]bool)
	add := func(e models.ContextEntry) {
		if !seen[e.ID] {
			seen[e.ID] = true
			res.Entries = append(res.Entries, e)
		}
	}

	for _, ref := range refs {
		if IsTaskRef(ref) {
			entries := s.byTaskLocked(normalizeTaskRef(ref))
			if len(entries) == 0 {
				res.Missing = append(res.Missing, ref)
				continue
			}
			res.Resolved++
			for _, e := range entries {
				add(e)
			}
			continue
		}

		e, ok := s.entries[ref]
		if !ok {
			res.Missing = append(res.Missing, ref)
			continue
		}
		res.Resolved++
		add(*e)
	}
	return res
}

// ValidateRefs returns the references that do not resolve. An empty result means all are valid.
func (s *Store) ValidateRefs(refs []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(refs).Missing
}

// AvailableRefs lists every context id plus every task id that has contexts, sorted.
func (s *Store) AvailableRefs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]string, 0, len(s.entries))
	tasks := make(map[string]bool)
	for id, e := range s.entries {
		refs = append(refs, id)
		if e.TaskID != "" {
			tasks[e.TaskID] = true
		}
	}
	for id := range tasks {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

// All returns every entry in reporting order.
func (s *Store) All() []models.ContextEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ContextEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// View formats the store for inclusion in a prompt.
func (s *Store) View() string {
	entries := s.All()
	if len(entries) == 0 {
		return "Context store is empty."
	}

	var b strings.Builder
	b.WriteString("Context Store:")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n  Id: [%s]", e.ID)
		fmt.Fprintf(&b, "\n     Content: %s", e.Content)
		fmt.Fprintf(&b, "\n     Reported by: %s", e.ReportedBy)
		if e.TaskID != "" {
			fmt.Fprintf(&b, "\n     Task: %s", e.TaskID)
		}
	}
	return b.String()
}
