package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orca/internal/protocol"
)

// NoActionMessage is the response to a turn without any action block.
const NoActionMessage = "No actions were attempted by you in the last turn. " +
	"YOU MUST RESPOND WITH ONE OF THE ACTIONS EXPLAINED TO YOU IN THE SYSTEM MESSAGE. " +
	"Actions follow the format <action_name>\n{action content}\n</action_name>.\n\n" +
	"Now you must respond with the next best action."

// Terminal identifies the control action that ended a turn.
type Terminal int

const (
	TerminalNone Terminal = iota
	TerminalFinish
	TerminalReport
)

// TurnResult is everything that happened while executing one model output.
type TurnResult struct {
	// Executed lists dispatched actions in emission order.
	Executed []protocol.Action
	// Responses holds one entry per parse error and per executed action.
	Responses []string

	Terminal      Terminal
	FinishMessage string
	Report        *protocol.ReportAction

	HasError        bool
	HasParseError   bool
	ParseErrors     int
	NoActionEmitted bool
	ValidActions    int

	RefsResolved int
	RefsMissing  int
}

// PolicyOutcome converts the result into the continuation policy's input.
func (r TurnResult) PolicyOutcome() TurnOutcome {
	return TurnOutcome{
		ValidActions: r.ValidActions,
		ParseErrors:  r.ParseErrors,
		NoAction:     r.NoActionEmitted,
	}
}

// TurnExecutor parses a model output and dispatches its actions in order.
type TurnExecutor struct {
	dispatcher  *Dispatcher
	maxParallel int
}

// NewTurnExecutor creates an executor. Consecutive launches run at most
// maxParallel at a time; a value below 1 runs them one by one.
func NewTurnExecutor(d *Dispatcher, maxParallel int) *TurnExecutor {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &TurnExecutor{dispatcher: d, maxParallel: maxParallel}
}

// Dispatcher returns the executor's dispatcher.
func (e *TurnExecutor) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Execute runs one turn. Execution stops after a successful finish or report.
func (e *TurnExecutor) Execute(ctx context.Context, turn int, output string) TurnResult {
	id := e.dispatcher.Identity()
	ctx, span := otel.Tracer(traceScope).Start(ctx, traceSpanTurn, trace.WithAttributes(
		attribute.String(traceAttrAgentID, id.AgentID),
		attribute.String(traceAttrTaskID, id.TaskID),
		attribute.Int(traceAttrTurn, turn),
	))
	defer span.End()

	var result TurnResult
	parsed := protocol.Parse(output)

	if !parsed.Attempted {
		result.NoActionEmitted = true
		result.Responses = []string{NoActionMessage}
		debugLog("[turn] agent=%s turn=%d no actions attempted", id.AgentID, turn)
		return result
	}

	for _, perr := range parsed.Errors {
		result.Responses = append(result.Responses, "[PARSE ERROR] "+perr.Error())
	}
	if len(parsed.Errors) > 0 {
		result.HasParseError = true
		result.ParseErrors = len(parsed.Errors)
		e.dispatcher.hub.Metrics().AddParseErrors(len(parsed.Errors))
		debugLog("[turn] agent=%s turn=%d parse errors=%d", id.AgentID, turn, len(parsed.Errors))
	}
	if len(parsed.Actions) == 0 {
		return result
	}
	result.ValidActions = len(parsed.Actions)

	actions := parsed.Actions
	for i := 0; i < len(actions); {
		if _, ok := actions[i].(protocol.LaunchSubagentAction); ok {
			j := i + 1
			for j < len(actions) {
				if _, ok := actions[j].(protocol.LaunchSubagentAction); !ok {
					break
				}
				j++
			}
			for k, out := range e.launchGroup(ctx, actions[i:j]) {
				result.record(actions[i+k], out)
			}
			i = j
			continue
		}

		a := actions[i]
		out := e.dispatcher.Dispatch(ctx, a)
		result.record(a, out)
		i++

		if out.IsError {
			continue
		}
		switch v := a.(type) {
		case protocol.FinishAction:
			result.Terminal = TerminalFinish
			result.FinishMessage = v.Message
		case protocol.ReportAction:
			result.Terminal = TerminalReport
			report := v
			result.Report = &report
		}
		if result.Terminal != TerminalNone {
			if skipped := len(actions) - i; skipped > 0 {
				debugLog("[turn] agent=%s turn=%d skipped %d action(s) after %s", id.AgentID, turn, skipped, a.Kind())
			}
			break
		}
	}

	span.SetAttributes(
		attribute.Int("orca.actions", len(result.Executed)),
		attribute.Int("orca.parse_errors", result.ParseErrors),
	)
	return result
}

// launchGroup runs consecutive launches concurrently and returns their
// outcomes in emission order.
func (e *TurnExecutor) launchGroup(ctx context.Context, group []protocol.Action) []Outcome {
	outs := make([]Outcome, len(group))
	if len(group) == 1 {
		outs[0] = e.dispatcher.Dispatch(ctx, group[0])
		return outs
	}

	debugLog("[turn] launching %d subagents (parallel limit %d)", len(group), e.maxParallel)
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for k, a := range group {
		g.Go(func() error {
			outs[k] = e.dispatcher.Dispatch(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

func (r *TurnResult) record(a protocol.Action, out Outcome) {
	r.Executed = append(r.Executed, a)
	r.Responses = append(r.Responses, out.Output)
	r.HasError = r.HasError || out.IsError
	r.RefsResolved += out.RefsResolved
	r.RefsMissing += out.RefsMissing
}

// FindReport returns the first report block in output, ignoring every other
// action. It is used for the final report-only turn.
func FindReport(output string) (*protocol.ReportAction, bool) {
	for _, a := range protocol.Parse(output).Actions {
		if r, ok := a.(protocol.ReportAction); ok {
			return &r, true
		}
	}
	return nil, false
}
