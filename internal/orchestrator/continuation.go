package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/orca/pkg/models"
)

// Reason explains why a worker loop was terminated early.
type Reason string

const (
	ReasonParseErrors    Reason = "parse_errors"
	ReasonNoValidActions Reason = "no_valid_actions"
	ReasonMaxTurns       Reason = "max_turns"
	ReasonWallClock      Reason = "wall_clock"
	ReasonContextWindow  Reason = "context_window"
	ReasonPanic          Reason = "panic"
	ReasonCanceled       Reason = "canceled"
)

// AllowsFinalRequest reports whether the worker is asked for a last report
// before one is synthesized. Only budget exhaustion qualifies: the other
// reasons mean the worker cannot be trusted to produce a valid turn.
func (r Reason) AllowsFinalRequest() bool {
	return r == ReasonMaxTurns || r == ReasonWallClock
}

// Verdict is the policy's instruction to a worker loop.
type Verdict int

const (
	Continue Verdict = iota
	ForceReport
)

func (v Verdict) String() string {
	if v == ForceReport {
		return "force_report"
	}
	return "continue"
}

// Decision is a verdict plus the reason for forcing a report.
type Decision struct {
	Verdict Verdict
	Reason  Reason
}

var proceed = Decision{Verdict: Continue}

func force(r Reason) Decision {
	return Decision{Verdict: ForceReport, Reason: r}
}

// Default limits.
const (
	DefaultSubagentMaxTurns     = 30
	DefaultControllerMaxTurns   = 50
	DefaultMaxParseErrorTurns   = 3
	DefaultMaxNoActionTurns     = 3
	DefaultSubagentWallClock    = 30 * time.Minute
	DefaultControllerWallClock  = 2 * time.Hour
	DefaultMaxParallelSubagents = 4
)

// Policy decides when a worker loop must stop and produce a report.
// It holds no state: callers thread a State value through Start, Check and Observe.
type Policy struct {
	MaxTurns           int
	MaxParseErrorTurns int
	MaxNoActionTurns   int
	// WallClock bounds the loop's elapsed time. Zero disables the bound.
	WallClock time.Duration
	// FinalReportRequest grants one report-only turn on max_turns and wall_clock.
	FinalReportRequest bool
}

// DefaultSubagentPolicy returns the worker limits.
func DefaultSubagentPolicy() Policy {
	return Policy{
		MaxTurns:           DefaultSubagentMaxTurns,
		MaxParseErrorTurns: DefaultMaxParseErrorTurns,
		MaxNoActionTurns:   DefaultMaxNoActionTurns,
		WallClock:          DefaultSubagentWallClock,
		FinalReportRequest: true,
	}
}

// DefaultControllerPolicy returns the controller limits.
func DefaultControllerPolicy() Policy {
	return Policy{
		MaxTurns:           DefaultControllerMaxTurns,
		MaxParseErrorTurns: DefaultMaxParseErrorTurns,
		MaxNoActionTurns:   DefaultMaxNoActionTurns,
		WallClock:          DefaultControllerWallClock,
	}
}

// State is the policy's view of a worker loop.
type State struct {
	Turns                  int
	ConsecutiveNoAction    int
	ConsecutiveParseErrors int
	StartedAt              time.Time
	Elapsed                time.Duration
}

// TurnOutcome summarizes one turn for the policy.
type TurnOutcome struct {
	ValidActions     int
	ParseErrors      int
	NoAction         bool
	InferenceFailed  bool
	ContextExhausted bool
	Panicked         bool
}

// Start returns the initial state of a loop beginning at now.
func (p Policy) Start(now time.Time) State {
	return State{StartedAt: now}
}

// Check runs before each turn and enforces the turn and time budgets.
func (p Policy) Check(s State, now time.Time) Decision {
	if p.WallClock > 0 && now.Sub(s.StartedAt) >= p.WallClock {
		return force(ReasonWallClock)
	}
	if p.MaxTurns > 0 && s.Turns >= p.MaxTurns {
		return force(ReasonMaxTurns)
	}
	return proceed
}

// Observe folds a finished turn into the state.
func (p Policy) Observe(s State, o TurnOutcome, now time.Time) (State, Decision) {
	s.Turns++
	s.Elapsed = now.Sub(s.StartedAt)

	switch {
	case o.Panicked:
		return s, force(ReasonPanic)
	case o.ContextExhausted:
		return s, force(ReasonContextWindow)
	}

	// The two streaks are independent: a turn breaks only the streak it
	// does not extend.
	if o.ValidActions > 0 && !o.InferenceFailed {
		s.ConsecutiveNoAction = 0
	} else {
		s.ConsecutiveNoAction++
	}
	if o.ParseErrors == 0 {
		s.ConsecutiveParseErrors = 0
	} else {
		s.ConsecutiveParseErrors++
	}

	if p.MaxParseErrorTurns > 0 && s.ConsecutiveParseErrors >= p.MaxParseErrorTurns {
		return s, force(ReasonParseErrors)
	}
	if p.MaxNoActionTurns > 0 && s.ConsecutiveNoAction >= p.MaxNoActionTurns {
		return s, force(ReasonNoValidActions)
	}
	return s, proceed
}

// FinalReportPrompt is appended to the last message of a worker that ran out
// of budget. Only a report block is accepted in reply.
func FinalReportPrompt(reason Reason) string {
	headline := "MAXIMUM TURNS REACHED"
	detail := "You have reached the maximum number of allowed turns."
	if reason == ReasonWallClock {
		headline = "TIME LIMIT REACHED"
		detail = "You have used all of the time allotted to this task."
	}
	return "\n\n⚠️ CRITICAL: " + headline + " ⚠️\n" +
		detail + "\n" +
		"You MUST now submit a report using ONLY the <report> action.\n" +
		"NO OTHER ACTIONS ARE ALLOWED.\n\n" +
		"Instructions:\n" +
		"1. Use ONLY the <report> action\n" +
		"2. Include ALL contexts you have discovered so far\n" +
		"3. In the comments section:\n" +
		"   - Summarize what you have accomplished\n" +
		"   - If the task is incomplete, explain what remains to be done\n" +
		"   - Describe what you were about to do next and why\n\n" +
		"SUBMIT YOUR REPORT NOW."
}

// Progress is what a worker achieved before it was stopped.
type Progress struct {
	Turns         int
	MaxTurns      int
	Elapsed       time.Duration
	RecentActions []string
	Workspace     string
	LastError     string
}

// ForcedReport synthesizes the terminal report of a worker that did not
// produce one. It is always marked failed.
func ForcedReport(reason Reason, p Progress) models.SubagentReport {
	var b strings.Builder
	switch reason {
	case ReasonMaxTurns:
		fmt.Fprintf(&b, "Task incomplete - reached maximum turns (%d) without proper completion. Agent failed to provide report when requested.", p.MaxTurns)
	case ReasonWallClock:
		fmt.Fprintf(&b, "Task incomplete - exceeded the time limit after %s. Agent failed to provide report when requested.", p.Elapsed.Round(time.Second))
	case ReasonParseErrors:
		b.WriteString("Task aborted - repeated turns produced only malformed actions.")
	case ReasonNoValidActions:
		b.WriteString("Task aborted - repeated turns produced no valid actions.")
	case ReasonContextWindow:
		b.WriteString("Task aborted - the conversation exceeded the model's context window.")
	case ReasonPanic:
		b.WriteString("Task aborted - the worker hit an internal error.")
	case ReasonCanceled:
		b.WriteString("Task aborted - the run was canceled.")
	default:
		fmt.Fprintf(&b, "Task aborted - %s.", reason)
	}

	fmt.Fprintf(&b, "\n\nProgress: %d turn(s) used", p.Turns)
	if p.Elapsed > 0 {
		fmt.Fprintf(&b, " in %s", p.Elapsed.Round(time.Second))
	}
	if p.LastError != "" {
		b.WriteString("\nLast error: " + p.LastError)
	}
	if len(p.RecentActions) > 0 {
		b.WriteString("\nRecent actions:")
		for _, a := range p.RecentActions {
			b.WriteString("\n  - " + a)
		}
	}
	if p.Workspace != "" {
		b.WriteString("\n" + p.Workspace)
	}

	return models.SubagentReport{
		Comments: b.String(),
		Failed:   true,
		Forced:   true,
		Reason:   string(reason),
		Meta:     models.ReportMeta{NumTurns: p.Turns, Duration: p.Elapsed},
	}
}
