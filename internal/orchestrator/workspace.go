package orchestrator

import (
	"fmt"
	"strings"
	"sync"
)

// TodoStatus is the state of a todo item.
type TodoStatus string

const (
	TodoPending   TodoStatus = "pending"
	TodoCompleted TodoStatus = "completed"
)

// TodoItem is one entry of an agent's todo list.
type TodoItem struct {
	ID      int
	Content string
	Status  TodoStatus
}

// Workspace is the private state of one agent: a todo list and a scratchpad.
// Todo ids increase monotonically and are never reused after deletion.
type Workspace struct {
	mu     sync.Mutex
	todos  []TodoItem
	nextID int
	notes  []string
}

// NewWorkspace creates an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{nextID: 1}
}

// AddTodo appends an item and returns its id.
func (w *Workspace) AddTodo(content string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	w.todos = append(w.todos, TodoItem{ID: id, Content: content, Status: TodoPending})
	return id
}

// Todo returns the item with the given id.
func (w *Workspace) Todo(id int) (TodoItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := w.indexLocked(id); i >= 0 {
		return w.todos[i], true
	}
	return TodoItem{}, false
}

// CompleteTodo marks an item completed. It returns false if the id is unknown.
func (w *Workspace) CompleteTodo(id int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.indexLocked(id)
	if i < 0 {
		return false
	}
	w.todos[i].Status = TodoCompleted
	return true
}

// DeleteTodo removes an item. It returns false if the id is unknown.
func (w *Workspace) DeleteTodo(id int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.indexLocked(id)
	if i < 0 {
		return false
	}
	w.todos = append(w.todos[:i], w.todos[i+1:]...)
	return true
}

func (w *Workspace) indexLocked(id int) int {
	for i, t := range w.todos {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Todos returns a copy of the todo list.
func (w *Workspace) Todos() []TodoItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]TodoItem(nil), w.todos...)
}

// ViewTodos formats the todo list.
func (w *Workspace) ViewTodos() string {
	todos := w.Todos()
	if len(todos) == 0 {
		return "Todo list is empty."
	}

	var b strings.Builder
	b.WriteString("Todo List:")
	for _, t := range todos {
		mark := " "
		if t.Status == TodoCompleted {
			mark = "✓"
		}
		fmt.Fprintf(&b, "\n  [%d] [%s] %s", t.ID, mark, t.Content)
	}
	return b.String()
}

// AddNote appends a note and returns its zero-based index.
func (w *Workspace) AddNote(content string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.notes = append(w.notes, content)
	return len(w.notes) - 1
}

// Notes returns a copy of the scratchpad.
func (w *Workspace) Notes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.notes...)
}

// ViewNotes formats the scratchpad with one-based note numbers.
func (w *Workspace) ViewNotes() string {
	notes := w.Notes()
	if len(notes) == 0 {
		return "Scratchpad is empty."
	}

	var b strings.Builder
	b.WriteString("Scratchpad Contents:")
	for i, n := range notes {
		fmt.Fprintf(&b, "\n\n--- Note %d ---\n%s", i+1, n)
	}
	return b.String()
}

// Summary is a compact view of the workspace used in forced reports.
func (w *Workspace) Summary() string {
	todos := w.Todos()
	notes := w.Notes()

	var parts []string
	if len(todos) > 0 {
		done := 0
		var open []string
		for _, t := range todos {
			if t.Status == TodoCompleted {
				done++
			} else {
				open = append(open, truncateContent(t.Content, 40))
			}
		}
		line := fmt.Sprintf("Todos: %d/%d completed", done, len(todos))
		if len(open) > 0 {
			line += "; open: " + strings.Join(open, "; ")
		}
		parts = append(parts, line)
	}
	for i, n := range notes {
		parts = append(parts, fmt.Sprintf("Note %d: %s", i+1, truncateContent(n, 200)))
	}
	return strings.Join(parts, "\n")
}

// truncateContent shortens s to n bytes for echoes back to the agent.
func truncateContent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
