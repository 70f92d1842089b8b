package protocol

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/orca/pkg/models"
)

// ValidationError names the field that violated a constraint.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field '%s' %s", e.Field, e.Msg)
}

func required(field string) error {
	return &ValidationError{Field: field, Msg: "is required"}
}

type rawBash struct {
	Cmd         string `yaml:"cmd"`
	Block       *bool  `yaml:"block"`
	TimeoutSecs *int   `yaml:"timeout_secs"`
}

type rawFinish struct {
	Message *string `yaml:"message"`
}

type rawTodoOp struct {
	Action  string `yaml:"action"`
	Content string `yaml:"content"`
	TaskID  int    `yaml:"task_id"`
}

type rawTodo struct {
	Operations []rawTodoOp `yaml:"operations"`
	ViewAll    bool        `yaml:"view_all"`
}

type rawRead struct {
	Action   string `yaml:"action"`
	FilePath string `yaml:"file_path"`
	Offset   *int   `yaml:"offset"`
	Limit    *int   `yaml:"limit"`
}

type rawWrite struct {
	Action   string  `yaml:"action"`
	FilePath string  `yaml:"file_path"`
	Content  *string `yaml:"content"`
}

type rawEdit struct {
	Action     string  `yaml:"action"`
	FilePath   string  `yaml:"file_path"`
	OldString  *string `yaml:"old_string"`
	NewString  *string `yaml:"new_string"`
	ReplaceAll bool    `yaml:"replace_all"`
}

type rawEditOp struct {
	OldString  *string `yaml:"old_string"`
	NewString  *string `yaml:"new_string"`
	ReplaceAll bool    `yaml:"replace_all"`
}

type rawMultiEdit struct {
	Action   string      `yaml:"action"`
	FilePath string      `yaml:"file_path"`
	Edits    []rawEditOp `yaml:"edits"`
}

type rawMetadata struct {
	Action    string   `yaml:"action"`
	FilePaths []string `yaml:"file_paths"`
}

type rawGrep struct {
	Action  string `yaml:"action"`
	Pattern string `yaml:"pattern"`
	Path    string `yaml:"path"`
	Include string `yaml:"include"`
}

type rawGlob struct {
	Action  string `yaml:"action"`
	Pattern string `yaml:"pattern"`
	Path    string `yaml:"path"`
}

type rawList struct {
	Action string   `yaml:"action"`
	Path   string   `yaml:"path"`
	Ignore []string `yaml:"ignore"`
}

type rawBootstrap struct {
	Path   string `yaml:"path"`
	Reason string `yaml:"reason"`
}

type rawTaskCreate struct {
	AgentType        string         `yaml:"agent_type"`
	Title            string         `yaml:"title"`
	Description      string         `yaml:"description"`
	ContextRefs      []string       `yaml:"context_refs"`
	ContextBootstrap []rawBootstrap `yaml:"context_bootstrap"`
	AutoLaunch       bool           `yaml:"auto_launch"`
}

type rawAddContext struct {
	ID         string  `yaml:"id"`
	Content    string  `yaml:"content"`
	ReportedBy *string `yaml:"reported_by"`
	TaskID     string  `yaml:"task_id"`
}

type rawLaunch struct {
	TaskID string `yaml:"task_id"`
}

type rawReport struct {
	Contexts []models.ContextItem `yaml:"contexts"`
	Comments string               `yaml:"comments"`
	Status   string               `yaml:"status"`
}

type rawTempScript struct {
	FilePath string  `yaml:"file_path"`
	Content  *string `yaml:"content"`
}

// decodeAction strictly decodes body into the variant for kind and applies defaults.
func decodeAction(kind Kind, body string) (Action, error) {
	switch kind {
	case KindBash:
		var r rawBash
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := BashAction{Cmd: r.Cmd, Block: true, TimeoutSecs: DefaultBashTimeoutSecs}
		if r.Block != nil {
			a.Block = *r.Block
		}
		if r.TimeoutSecs != nil {
			a.TimeoutSecs = *r.TimeoutSecs
		}
		return a, nil

	case KindFinish:
		var r rawFinish
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := FinishAction{Message: DefaultFinishMessage}
		if r.Message != nil {
			a.Message = *r.Message
		}
		return a, nil

	case KindTodo:
		var r rawTodo
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := TodoAction{ViewAll: r.ViewAll}
		for _, op := range r.Operations {
			a.Operations = append(a.Operations, TodoOperation{Action: TodoOp(op.Action), Content: op.Content, TaskID: op.TaskID})
		}
		return a, nil

	case KindReadFile:
		var r rawRead
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := ReadFileAction{FilePath: r.FilePath}
		if r.Offset != nil {
			if *r.Offset < 0 {
				return nil, &ValidationError{Field: "offset", Msg: "must be >= 0"}
			}
			a.Offset = *r.Offset
		}
		// A zero limit means read to the end.
		if r.Limit != nil {
			if *r.Limit <= 0 {
				return nil, &ValidationError{Field: "limit", Msg: "must be > 0"}
			}
			a.Limit = *r.Limit
		}
		return a, nil

	case KindWriteFile:
		var r rawWrite
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		if r.Content == nil {
			return nil, required("content")
		}
		return WriteFileAction{FilePath: r.FilePath, Content: *r.Content}, nil

	case KindEditFile:
		var r rawEdit
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		if r.OldString == nil {
			return nil, required("old_string")
		}
		if r.NewString == nil {
			return nil, required("new_string")
		}
		return EditFileAction{FilePath: r.FilePath, OldString: *r.OldString, NewString: *r.NewString, ReplaceAll: r.ReplaceAll}, nil

	case KindMultiEdit:
		var r rawMultiEdit
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := MultiEditAction{FilePath: r.FilePath}
		for i, e := range r.Edits {
			if e.OldString == nil {
				return nil, required(fmt.Sprintf("edits[%d].old_string", i))
			}
			if e.NewString == nil {
				return nil, required(fmt.Sprintf("edits[%d].new_string", i))
			}
			a.Edits = append(a.Edits, Edit{OldString: *e.OldString, NewString: *e.NewString, ReplaceAll: e.ReplaceAll})
		}
		return a, nil

	case KindFileMetadata:
		var r rawMetadata
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		return FileMetadataAction{FilePaths: r.FilePaths}, nil

	case KindGrep:
		var r rawGrep
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		return GrepAction{Pattern: r.Pattern, Path: r.Path, Include: r.Include}, nil

	case KindGlob:
		var r rawGlob
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		return GlobAction{Pattern: r.Pattern, Path: r.Path}, nil

	case KindList:
		var r rawList
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		return ListAction{Path: r.Path, Ignore: r.Ignore}, nil

	case KindTaskCreate:
		var r rawTaskCreate
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := TaskCreateAction{
			AgentType:   models.AgentType(strings.ToLower(strings.TrimSpace(r.AgentType))),
			Title:       r.Title,
			Description: r.Description,
			ContextRefs: r.ContextRefs,
			AutoLaunch:  r.AutoLaunch,
		}
		for i, b := range r.ContextBootstrap {
			if b.Path == "" || b.Reason == "" {
				return nil, &ValidationError{Field: fmt.Sprintf("context_bootstrap[%d]", i), Msg: "needs 'path' and 'reason'"}
			}
			a.Bootstrap = append(a.Bootstrap, models.BootstrapItem{Path: b.Path, Reason: b.Reason})
		}
		return a, nil

	case KindAddContext:
		var r rawAddContext
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		a := AddContextAction{ID: r.ID, Content: r.Content, ReportedBy: DefaultReportedBy, TaskID: r.TaskID}
		if r.ReportedBy != nil {
			a.ReportedBy = *r.ReportedBy
		}
		return a, nil

	case KindLaunchSubagent:
		var r rawLaunch
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		return LaunchSubagentAction{TaskID: strings.TrimSpace(r.TaskID)}, nil

	case KindReport:
		var r rawReport
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		switch models.TaskStatus(r.Status) {
		case "", models.TaskStatusCompleted, models.TaskStatusFailed:
		default:
			return nil, &ValidationError{Field: "status", Msg: fmt.Sprintf("must be one of completed, failed, got %q", r.Status)}
		}
		return ReportAction{
			Contexts: r.Contexts,
			Comments: r.Comments,
			Failed:   models.TaskStatus(r.Status) == models.TaskStatusFailed,
		}, nil

	case KindWriteTempScript:
		var r rawTempScript
		if err := decodeStrict(body, &r); err != nil {
			return nil, err
		}
		if r.Content == nil {
			return nil, required("content")
		}
		return WriteTempScriptAction{FilePath: r.FilePath, Content: *r.Content}, nil

	default:
		return nil, fmt.Errorf("no decoder for action %q", kind)
	}
}

// validate applies per-variant field constraints to a decoded action.
func validate(a Action) error {
	switch v := a.(type) {
	case BashAction:
		if strings.TrimSpace(v.Cmd) == "" {
			return required("cmd")
		}
		if v.TimeoutSecs < 1 || v.TimeoutSecs > MaxBashTimeoutSecs {
			return &ValidationError{Field: "timeout_secs", Msg: fmt.Sprintf("must be between 1 and %d, got %d", MaxBashTimeoutSecs, v.TimeoutSecs)}
		}
	case FinishAction:
	case TodoAction:
		if len(v.Operations) == 0 {
			return &ValidationError{Field: "operations", Msg: "must contain at least one operation"}
		}
		for i, op := range v.Operations {
			field := fmt.Sprintf("operations[%d]", i)
			switch op.Action {
			case TodoAdd:
				if strings.TrimSpace(op.Content) == "" {
					return &ValidationError{Field: field + ".content", Msg: "is required for 'add'"}
				}
			case TodoComplete, TodoDelete:
				if op.TaskID < 1 {
					return &ValidationError{Field: field + ".task_id", Msg: fmt.Sprintf("must be a positive id for '%s'", op.Action)}
				}
			case TodoViewAll:
			default:
				return &ValidationError{Field: field + ".action", Msg: fmt.Sprintf("must be one of add, complete, delete, view_all, got %q", op.Action)}
			}
		}
	case ReadFileAction:
		if v.FilePath == "" {
			return required("file_path")
		}
	case WriteFileAction:
		if v.FilePath == "" {
			return required("file_path")
		}
	case EditFileAction:
		if v.FilePath == "" {
			return required("file_path")
		}
	case MultiEditAction:
		if v.FilePath == "" {
			return required("file_path")
		}
		if len(v.Edits) == 0 {
			return &ValidationError{Field: "edits", Msg: "must contain at least one edit"}
		}
	case FileMetadataAction:
		if len(v.FilePaths) == 0 {
			return &ValidationError{Field: "file_paths", Msg: "must contain at least one path"}
		}
		if len(v.FilePaths) > MaxMetadataPaths {
			return &ValidationError{Field: "file_paths", Msg: fmt.Sprintf("must contain at most %d paths, got %d", MaxMetadataPaths, len(v.FilePaths))}
		}
	case GrepAction:
		if v.Pattern == "" {
			return required("pattern")
		}
	case GlobAction:
		if v.Pattern == "" {
			return required("pattern")
		}
	case ListAction:
		if v.Path == "" {
			return required("path")
		}
	case AddNoteAction:
		if strings.TrimSpace(v.Content) == "" {
			return required("content")
		}
	case ViewNotesAction:
	case TaskCreateAction:
		if !v.AgentType.Valid() {
			return &ValidationError{Field: "agent_type", Msg: fmt.Sprintf("must be one of explorer, coder, got %q", v.AgentType)}
		}
		if strings.TrimSpace(v.Title) == "" {
			return required("title")
		}
		if strings.TrimSpace(v.Description) == "" {
			return required("description")
		}
	case AddContextAction:
		if v.ID == "" {
			return required("id")
		}
		if v.Content == "" {
			return required("content")
		}
	case LaunchSubagentAction:
		if v.TaskID == "" {
			return required("task_id")
		}
	case ReportAction:
	case WriteTempScriptAction:
		if v.FilePath == "" {
			return required("file_path")
		}
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
	return nil
}
