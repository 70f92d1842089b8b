// Package protocol parses worker output into validated, typed actions.
package protocol

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/orca/pkg/models"
)

// Kind identifies an action variant.
type Kind string

const (
	KindBash            Kind = "bash"
	KindFinish          Kind = "finish"
	KindTodo            Kind = "todo"
	KindReadFile        Kind = "read"
	KindWriteFile       Kind = "write"
	KindEditFile        Kind = "edit"
	KindMultiEdit       Kind = "multi_edit"
	KindFileMetadata    Kind = "metadata"
	KindGrep            Kind = "grep"
	KindGlob            Kind = "glob"
	KindList            Kind = "ls"
	KindAddNote         Kind = "add_note"
	KindViewNotes       Kind = "view_all_notes"
	KindTaskCreate      Kind = "task_create"
	KindAddContext      Kind = "add_context"
	KindLaunchSubagent  Kind = "launch_subagent"
	KindReport          Kind = "report"
	KindWriteTempScript Kind = "write_temp_script"
)

// Action is one validated operation emitted by a worker.
// The set of implementations is closed; dispatch with a type switch.
type Action interface {
	Kind() Kind
	isAction()
}

// Defaults and bounds applied during validation.
const (
	DefaultBashTimeoutSecs = 30
	MaxBashTimeoutSecs     = 300
	DefaultFinishMessage   = "Task completed"
	DefaultReportedBy      = "?"
	MaxMetadataPaths       = 10
)

// BashAction runs a shell command in the sandbox.
type BashAction struct {
	Cmd         string
	Block       bool
	TimeoutSecs int
}

// FinishAction ends the controller's loop.
type FinishAction struct {
	Message string
}

// TodoOp is the operation applied by a TodoOperation.
type TodoOp string

const (
	TodoAdd      TodoOp = "add"
	TodoComplete TodoOp = "complete"
	TodoDelete   TodoOp = "delete"
	TodoViewAll  TodoOp = "view_all"
)

// TodoOperation is a single step of a todo batch.
type TodoOperation struct {
	Action  TodoOp
	Content string
	TaskID  int
}

// TodoAction applies a batch of operations to the agent's todo list.
type TodoAction struct {
	Operations []TodoOperation
	ViewAll    bool
}

// ReadFileAction reads a file, optionally a window of lines.
type ReadFileAction struct {
	FilePath string
	Offset   int
	Limit    int
}

// WriteFileAction replaces a file's content.
type WriteFileAction struct {
	FilePath string
	Content  string
}

// EditFileAction replaces one (or every) occurrence of a string in a file.
type EditFileAction struct {
	FilePath   string
	OldString  string
	NewString  string
	ReplaceAll bool
}

// Edit is one replacement of a MultiEditAction.
type Edit struct {
	OldString  string
	NewString  string
	ReplaceAll bool
}

// MultiEditAction applies several edits to one file in order.
type MultiEditAction struct {
	FilePath string
	Edits    []Edit
}

// FileMetadataAction inspects up to MaxMetadataPaths files.
type FileMetadataAction struct {
	FilePaths []string
}

// GrepAction searches file contents.
type GrepAction struct {
	Pattern string
	Path    string
	Include string
}

// GlobAction searches file names.
type GlobAction struct {
	Pattern string
	Path    string
}

// ListAction lists a directory.
type ListAction struct {
	Path   string
	Ignore []string
}

// AddNoteAction appends to the agent's scratchpad.
type AddNoteAction struct {
	Content string
}

// ViewNotesAction shows the agent's scratchpad.
type ViewNotesAction struct{}

// TaskCreateAction creates a subtask owned by the emitting agent.
type TaskCreateAction struct {
	AgentType   models.AgentType
	Title       string
	Description string
	ContextRefs []string
	Bootstrap   []models.BootstrapItem
	AutoLaunch  bool
}

// AddContextAction stores a context directly.
type AddContextAction struct {
	ID         string
	Content    string
	ReportedBy string
	TaskID     string
}

// LaunchSubagentAction runs a worker against an existing task.
type LaunchSubagentAction struct {
	TaskID string
}

// ReportAction ends a worker's loop and carries its report.
type ReportAction struct {
	Contexts []models.ContextItem
	Comments string
	Failed   bool
}

// WriteTempScriptAction writes a throwaway script file.
type WriteTempScriptAction struct {
	FilePath string
	Content  string
}

func (BashAction) Kind() Kind            { return KindBash }
func (FinishAction) Kind() Kind          { return KindFinish }
func (TodoAction) Kind() Kind            { return KindTodo }
func (ReadFileAction) Kind() Kind        { return KindReadFile }
func (WriteFileAction) Kind() Kind       { return KindWriteFile }
func (EditFileAction) Kind() Kind        { return KindEditFile }
func (MultiEditAction) Kind() Kind       { return KindMultiEdit }
func (FileMetadataAction) Kind() Kind    { return KindFileMetadata }
func (GrepAction) Kind() Kind            { return KindGrep }
func (GlobAction) Kind() Kind            { return KindGlob }
func (ListAction) Kind() Kind            { return KindList }
func (AddNoteAction) Kind() Kind         { return KindAddNote }
func (ViewNotesAction) Kind() Kind       { return KindViewNotes }
func (TaskCreateAction) Kind() Kind      { return KindTaskCreate }
func (AddContextAction) Kind() Kind      { return KindAddContext }
func (LaunchSubagentAction) Kind() Kind  { return KindLaunchSubagent }
func (ReportAction) Kind() Kind          { return KindReport }
func (WriteTempScriptAction) Kind() Kind { return KindWriteTempScript }

func (BashAction) isAction()            {}
func (FinishAction) isAction()          {}
func (TodoAction) isAction()            {}
func (ReadFileAction) isAction()        {}
func (WriteFileAction) isAction()       {}
func (EditFileAction) isAction()        {}
func (MultiEditAction) isAction()       {}
func (FileMetadataAction) isAction()    {}
func (GrepAction) isAction()            {}
func (GlobAction) isAction()            {}
func (ListAction) isAction()            {}
func (AddNoteAction) isAction()         {}
func (ViewNotesAction) isAction()       {}
func (TaskCreateAction) isAction()      {}
func (AddContextAction) isAction()      {}
func (LaunchSubagentAction) isAction()  {}
func (ReportAction) isAction()          {}
func (WriteTempScriptAction) isAction() {}

// IsEnvironment reports whether the action touches the sandbox.
func IsEnvironment(a Action) bool {
	switch a.(type) {
	case BashAction, ReadFileAction, WriteFileAction, EditFileAction, MultiEditAction,
		FileMetadataAction, GrepAction, GlobAction, ListAction, WriteTempScriptAction:
		return true
	default:
		return false
	}
}

// IsMutatingFile reports whether the action modifies project files.
func IsMutatingFile(a Action) bool {
	switch a.(type) {
	case WriteFileAction, EditFileAction, MultiEditAction:
		return true
	default:
		return false
	}
}

// Describe returns a short human-readable summary of an action.
func Describe(a Action) string {
	switch v := a.(type) {
	case BashAction:
		return fmt.Sprintf("bash: %s", truncate(v.Cmd, 60))
	case FinishAction:
		return fmt.Sprintf("finish: %s", truncate(v.Message, 60))
	case TodoAction:
		return fmt.Sprintf("todo: %d operation(s)", len(v.Operations))
	case ReadFileAction:
		return "read " + v.FilePath
	case WriteFileAction:
		return "write " + v.FilePath
	case EditFileAction:
		return "edit " + v.FilePath
	case MultiEditAction:
		return fmt.Sprintf("multi_edit %s (%d edits)", v.FilePath, len(v.Edits))
	case FileMetadataAction:
		return "metadata " + strings.Join(v.FilePaths, ", ")
	case GrepAction:
		return fmt.Sprintf("grep %q in %s", v.Pattern, orDot(v.Path))
	case GlobAction:
		return fmt.Sprintf("glob %q in %s", v.Pattern, orDot(v.Path))
	case ListAction:
		return "ls " + v.Path
	case AddNoteAction:
		return "add_note: " + truncate(v.Content, 40)
	case ViewNotesAction:
		return "view_all_notes"
	case TaskCreateAction:
		return fmt.Sprintf("task_create (%s): %s", v.AgentType, v.Title)
	case AddContextAction:
		return "add_context " + v.ID
	case LaunchSubagentAction:
		return "launch_subagent " + v.TaskID
	case ReportAction:
		return fmt.Sprintf("report: %d context(s)", len(v.Contexts))
	case WriteTempScriptAction:
		return "write_temp_script " + v.FilePath
	default:
		return string(a.Kind())
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func orDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}
