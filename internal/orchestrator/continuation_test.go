package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPolicy_ZeroActionTurnsForceReportOnThird(t *testing.T) {
	p := DefaultSubagentPolicy()
	s := p.Start(t0)

	var d Decision
	for i := 1; i <= 3; i++ {
		require.Equal(t, Continue, p.Check(s, t0).Verdict)
		s, d = p.Observe(s, TurnOutcome{NoAction: true}, t0.Add(time.Duration(i)*time.Second))
		if i < 3 {
			assert.Equal(t, Continue, d.Verdict, "turn %d", i)
		}
	}
	assert.Equal(t, Decision{Verdict: ForceReport, Reason: ReasonNoValidActions}, d)
	assert.Equal(t, 3, s.Turns)
	assert.Equal(t, 3*time.Second, s.Elapsed)
}

func TestPolicy_ParseErrorTurns(t *testing.T) {
	p := DefaultSubagentPolicy()
	s := p.Start(t0)

	// Parse errors with some valid actions still count toward the parse threshold.
	s, d := p.Observe(s, TurnOutcome{ValidActions: 1, ParseErrors: 1}, t0)
	assert.Equal(t, Continue, d.Verdict)
	assert.Zero(t, s.ConsecutiveNoAction)
	s, d = p.Observe(s, TurnOutcome{ParseErrors: 2}, t0)
	assert.Equal(t, Continue, d.Verdict)
	s, d = p.Observe(s, TurnOutcome{ParseErrors: 1}, t0)
	assert.Equal(t, ReasonParseErrors, d.Reason)
	assert.Equal(t, 3, s.ConsecutiveParseErrors)
	assert.Equal(t, 2, s.ConsecutiveNoAction)
}

func TestPolicy_StreaksAreIndependent(t *testing.T) {
	partial := TurnOutcome{ValidActions: 1, ParseErrors: 1}
	silent := TurnOutcome{NoAction: true}
	clean := TurnOutcome{ValidActions: 1}

	tests := []struct {
		name         string
		turns        []TurnOutcome
		wantNoAction int
		wantParseErr int
	}{
		{
			name:         "alternating partial and silent turns",
			turns:        []TurnOutcome{partial, silent, partial, silent, partial},
			wantNoAction: 0,
			wantParseErr: 1,
		},
		{
			name:         "silent turn breaks the parse error streak",
			turns:        []TurnOutcome{partial, partial, silent},
			wantNoAction: 1,
			wantParseErr: 0,
		},
		{
			name:         "productive turn breaks the no action streak",
			turns:        []TurnOutcome{silent, silent, partial},
			wantNoAction: 0,
			wantParseErr: 1,
		},
		{
			name:         "failed inference between clean turns",
			turns:        []TurnOutcome{clean, {InferenceFailed: true}, clean, {InferenceFailed: true}},
			wantNoAction: 1,
			wantParseErr: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultSubagentPolicy()
			s := p.Start(t0)
			for i, o := range tt.turns {
				var d Decision
				s, d = p.Observe(s, o, t0)
				require.Equal(t, Continue, d.Verdict, "turn %d forced %s", i+1, d.Reason)
			}
			assert.Equal(t, tt.wantNoAction, s.ConsecutiveNoAction)
			assert.Equal(t, tt.wantParseErr, s.ConsecutiveParseErrors)
		})
	}
}

func TestPolicy_CleanTurnResetsCounters(t *testing.T) {
	p := DefaultSubagentPolicy()
	s := p.Start(t0)

	s, _ = p.Observe(s, TurnOutcome{ParseErrors: 1}, t0)
	s, _ = p.Observe(s, TurnOutcome{NoAction: true}, t0)
	s, d := p.Observe(s, TurnOutcome{ValidActions: 2}, t0)
	assert.Equal(t, Continue, d.Verdict)
	assert.Zero(t, s.ConsecutiveNoAction)
	assert.Zero(t, s.ConsecutiveParseErrors)

	s, _ = p.Observe(s, TurnOutcome{NoAction: true}, t0)
	_, d = p.Observe(s, TurnOutcome{NoAction: true}, t0)
	assert.Equal(t, Continue, d.Verdict)
}

func TestPolicy_InferenceFailureCountsAsNoAction(t *testing.T) {
	p := DefaultSubagentPolicy()
	s := p.Start(t0)
	var d Decision
	for i := 0; i < 3; i++ {
		s, d = p.Observe(s, TurnOutcome{InferenceFailed: true}, t0)
	}
	assert.Equal(t, ReasonNoValidActions, d.Reason)
}

func TestPolicy_ImmediateReasons(t *testing.T) {
	p := DefaultSubagentPolicy()

	_, d := p.Observe(p.Start(t0), TurnOutcome{ContextExhausted: true}, t0)
	assert.Equal(t, Decision{Verdict: ForceReport, Reason: ReasonContextWindow}, d)

	_, d = p.Observe(p.Start(t0), TurnOutcome{Panicked: true, ValidActions: 3}, t0)
	assert.Equal(t, ReasonPanic, d.Reason)
}

func TestPolicy_Check(t *testing.T) {
	p := Policy{MaxTurns: 2, WallClock: time.Minute}
	s := p.Start(t0)

	assert.Equal(t, Continue, p.Check(s, t0.Add(59*time.Second)).Verdict)
	assert.Equal(t, ReasonWallClock, p.Check(s, t0.Add(time.Minute)).Reason)

	s, _ = p.Observe(s, TurnOutcome{ValidActions: 1}, t0)
	s, _ = p.Observe(s, TurnOutcome{ValidActions: 1}, t0)
	assert.Equal(t, ReasonMaxTurns, p.Check(s, t0).Reason)

	unbounded := Policy{}
	assert.Equal(t, Continue, unbounded.Check(State{Turns: 1000}, t0.Add(1000*time.Hour)).Verdict)
}

func TestReason_AllowsFinalRequest(t *testing.T) {
	assert.True(t, ReasonMaxTurns.AllowsFinalRequest())
	assert.True(t, ReasonWallClock.AllowsFinalRequest())
	for _, r := range []Reason{ReasonParseErrors, ReasonNoValidActions, ReasonContextWindow, ReasonPanic} {
		assert.False(t, r.AllowsFinalRequest(), r)
	}
}

func TestForcedReport(t *testing.T) {
	r := ForcedReport(ReasonMaxTurns, Progress{
		Turns:         30,
		MaxTurns:      30,
		Elapsed:       90 * time.Second,
		RecentActions: []string{"read main.go", "grep \"TODO\" in ."},
		Workspace:     "Todos: 1/2 completed; open: write tests",
	})

	assert.True(t, r.Failed)
	assert.True(t, r.Forced)
	assert.Equal(t, "max_turns", r.Reason)
	assert.Equal(t, 30, r.Meta.NumTurns)
	assert.Contains(t, r.Comments, "Task incomplete - reached maximum turns (30) without proper completion.")
	assert.Contains(t, r.Comments, "Progress: 30 turn(s) used in 1m30s")
	assert.Contains(t, r.Comments, "  - read main.go")
	assert.Contains(t, r.Comments, "open: write tests")
	assert.Empty(t, r.Contexts)

	r = ForcedReport(ReasonParseErrors, Progress{Turns: 3, LastError: "yaml: line 2"})
	assert.Contains(t, r.Comments, "malformed actions")
	assert.Contains(t, r.Comments, "Last error: yaml: line 2")
}

func TestFinalReportPrompt(t *testing.T) {
	assert.Contains(t, FinalReportPrompt(ReasonMaxTurns), "⚠️ CRITICAL: MAXIMUM TURNS REACHED ⚠️")
	assert.Contains(t, FinalReportPrompt(ReasonWallClock), "TIME LIMIT REACHED")
	assert.Contains(t, FinalReportPrompt(ReasonMaxTurns), "SUBMIT YOUR REPORT NOW.")
}
