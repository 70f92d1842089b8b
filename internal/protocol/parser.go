package protocol

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// openTagPattern finds an opening tag at the start of a line.
var openTagPattern = regexp.MustCompile(`(?m)^[ \t]*<(\w+)>`)

// ignoredTags hold free-form reasoning and are never actions.
var ignoredTags = map[string]bool{
	"think":     true,
	"reasoning": true,
	"plan_md":   true,
}

// discriminatedTags map a tag to the sub-actions selected by its "action" field.
var discriminatedTags = map[string][]Kind{
	"file":       {KindReadFile, KindWriteFile, KindEditFile, KindMultiEdit, KindFileMetadata},
	"search":     {KindGrep, KindGlob, KindList},
	"scratchpad": {KindAddNote, KindViewNotes},
}

// directTags map one-to-one onto an action kind.
var directTags = map[string]Kind{
	"bash":              KindBash,
	"finish":            KindFinish,
	"todo":              KindTodo,
	"task_create":       KindTaskCreate,
	"add_context":       KindAddContext,
	"launch_subagent":   KindLaunchSubagent,
	"report":            KindReport,
	"write_temp_script": KindWriteTempScript,
}

// ErrorKind classifies a ParseError.
type ErrorKind string

const (
	ErrUnknownTag ErrorKind = "unknown_tag"
	ErrUnclosed   ErrorKind = "unclosed"
	ErrSyntax     ErrorKind = "syntax"
	ErrValidation ErrorKind = "validation"
)

// ParseError describes one block that could not become an action.
type ParseError struct {
	// Tag is the block's tag name.
	Tag string
	// Index is the position of the block among the attempted blocks.
	Index  int
	Kind   ErrorKind
	Reason string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ErrUnknownTag:
		return "Unknown action type: " + e.Tag
	case ErrUnclosed:
		return fmt.Sprintf("[%s] Unclosed block: missing </%s>", e.Tag, e.Tag)
	case ErrSyntax:
		return fmt.Sprintf("[%s] YAML error: %s", e.Tag, e.Reason)
	default:
		return fmt.Sprintf("[%s] Validation error: %s", e.Tag, e.Reason)
	}
}

// Result is the parser output. Valid blocks still produce actions when other blocks fail.
type Result struct {
	Actions []Action
	Errors  []*ParseError
	// Attempted is true when the text contained at least one non-ignored block.
	Attempted bool
}

// NoActionEmitted reports whether the text contained no action blocks at all.
func (r Result) NoActionEmitted() bool {
	return !r.Attempted
}

// NoActionableOutput reports whether blocks were present but none was valid.
func (r Result) NoActionableOutput() bool {
	return r.Attempted && len(r.Actions) == 0 && len(r.Errors) > 0
}

// block is a raw tag-delimited region of the input.
type block struct {
	tag    string
	body   string
	closed bool
}

// Parse extracts, decodes and validates every action block in text.
func Parse(text string) Result {
	var res Result
	index := 0
	for _, b := range extractBlocks(text) {
		if ignoredTags[strings.ToLower(b.tag)] {
			continue
		}
		_, direct := directTags[b.tag]
		_, multi := discriminatedTags[b.tag]
		if !b.closed {
			// Stray angle-bracket words in prose are not attempts.
			if !direct && !multi {
				continue
			}
			res.Attempted = true
			res.Errors = append(res.Errors, &ParseError{Tag: b.tag, Index: index, Kind: ErrUnclosed})
			index++
			continue
		}

		res.Attempted = true
		action, perr := parseBlock(b.tag, b.body)
		if perr != nil {
			perr.Index = index
			res.Errors = append(res.Errors, perr)
		} else {
			res.Actions = append(res.Actions, action)
		}
		index++
	}
	return res
}

// extractBlocks scans for <tag>...</tag> pairs whose opening tag starts a line.
// The body ends at the first matching closing tag. An opening tag without a
// closing tag is returned unclosed and scanning resumes right after it.
func extractBlocks(text string) []block {
	var blocks []block
	pos := 0
	for pos < len(text) {
		loc := openTagPattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		tag := text[pos+loc[2] : pos+loc[3]]
		bodyStart := pos + loc[1]
		closing := "</" + tag + ">"
		end := strings.Index(text[bodyStart:], closing)
		if end < 0 {
			blocks = append(blocks, block{tag: tag})
			pos = bodyStart
			continue
		}
		blocks = append(blocks, block{
			tag:    tag,
			body:   text[bodyStart : bodyStart+end],
			closed: true,
		})
		pos = bodyStart + end + len(closing)
	}
	return blocks
}

func parseBlock(tag, body string) (Action, *ParseError) {
	body = strings.TrimSpace(body)

	kind, direct := directTags[tag]
	kinds, multi := discriminatedTags[tag]
	if !direct && !multi {
		return nil, &ParseError{Tag: tag, Kind: ErrUnknownTag}
	}

	fields, perr := decodeMapping(tag, body)
	if perr != nil {
		return nil, perr
	}

	if multi {
		sub, _ := fields["action"].(string)
		kind = Kind(sub)
		if !containsKind(kinds, kind) {
			return nil, &ParseError{
				Tag:    tag,
				Kind:   ErrValidation,
				Reason: fmt.Sprintf("field 'action' must be one of %s, got %q", joinKinds(kinds), sub),
			}
		}
	}

	// Scratchpad blocks only ever read their content.
	if tag == "scratchpad" {
		if kind == KindViewNotes {
			return ViewNotesAction{}, nil
		}
		content, _ := fields["content"].(string)
		a := AddNoteAction{Content: content}
		if err := validate(a); err != nil {
			return nil, &ParseError{Tag: tag, Kind: ErrValidation, Reason: err.Error()}
		}
		return a, nil
	}

	action, err := decodeAction(kind, body)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, &ParseError{Tag: tag, Kind: ErrValidation, Reason: ve.Error()}
		}
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return nil, &ParseError{Tag: tag, Kind: ErrValidation, Reason: strings.Join(te.Errors, "; ")}
		}
		return nil, &ParseError{Tag: tag, Kind: ErrSyntax, Reason: err.Error()}
	}
	if err := validate(action); err != nil {
		return nil, &ParseError{Tag: tag, Kind: ErrValidation, Reason: err.Error()}
	}
	return action, nil
}

// decodeMapping checks that body is a YAML mapping and returns its top-level scalars.
func decodeMapping(tag, body string) (map[string]interface{}, *ParseError) {
	if body == "" {
		return map[string]interface{}{}, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(body), &node); err != nil {
		return nil, &ParseError{Tag: tag, Kind: ErrSyntax, Reason: err.Error()}
	}
	if len(node.Content) == 0 {
		return map[string]interface{}{}, nil
	}
	if node.Content[0].Kind != yaml.MappingNode {
		return nil, &ParseError{Tag: tag, Kind: ErrValidation, Reason: "block body must be a mapping of fields"}
	}
	fields := make(map[string]interface{})
	if err := node.Decode(&fields); err != nil {
		return nil, &ParseError{Tag: tag, Kind: ErrSyntax, Reason: err.Error()}
	}
	return fields, nil
}

// decodeStrict decodes body into out, rejecting fields out does not declare.
func decodeStrict(body string, out interface{}) error {
	if body == "" {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(body))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func joinKinds(kinds []Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
