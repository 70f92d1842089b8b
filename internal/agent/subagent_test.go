package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orca/internal/api"
	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/internal/state"
	"github.com/ShayCichocki/orca/internal/testutil"
	"github.com/ShayCichocki/orca/pkg/models"
)

const (
	thinkOnly = "Let me think about this.\n<think>\nwhere to start\n</think>"
	addNote   = "<scratchpad>\naction: add_note\ncontent: progress\n</scratchpad>"
)

func newTestConfig(t *testing.T, c api.Completer, files map[string]string) Config {
	t.Helper()
	return Config{
		Completer: c,
		Hub:       orchestrator.NewHub(nil, nil),
		Env:       testutil.NewFakeEnv(files),
		Critical:  state.NewCriticalLogger(t.TempDir()),
	}
}

func testBrief(agentType models.AgentType) orchestrator.Brief {
	return orchestrator.Brief{
		TaskID:        "task_001",
		ParentAgentID: "orca-test",
		AgentType:     agentType,
		Title:         "Inspect config",
		Description:   "Find where the config is loaded.",
		Depth:         1,
		Contexts:      []models.ContextEntry{{ID: "layout", Content: "cmd/ and internal/"}},
	}
}

func TestSubagent_ID(t *testing.T) {
	f := NewFactory(newTestConfig(t, testutil.NewScriptedCompleter(), nil))
	s := f.New(testBrief(models.AgentTypeCoder))
	assert.Regexp(t, regexp.MustCompile(`^coder-[0-9a-f]{8}$`), s.ID())
	assert.Equal(t, orchestrator.DefaultSubagentMaxTurns, s.Policy().MaxTurns)

	b := testBrief(models.AgentTypeExplorer)
	b.MaxTurns = 7
	assert.Equal(t, 7, f.New(b).Policy().MaxTurns)
}

func TestSubagent_ReportEndsLoop(t *testing.T) {
	c := testutil.NewScriptedCompleter(
		"<file>\naction: read\nfile_path: config.yaml\n</file>",
		"<report>\ncontexts:\n  - id: config_loader\n    content: loaded in main\ncomments: found it\n</report>",
		"should never be requested",
	)
	c.TokensPerCall = 10
	cfg := newTestConfig(t, c, map[string]string{"config.yaml": "port: 8080"})

	report := NewFactory(cfg).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.False(t, report.Failed)
	assert.False(t, report.Forced)
	assert.Equal(t, "found it", report.Comments)
	assert.Equal(t, []models.ContextItem{{ID: "config_loader", Content: "loaded in main"}}, report.Contexts)
	assert.Equal(t, 2, report.Meta.NumTurns)
	assert.EqualValues(t, 20, report.Meta.InputTokens)
	assert.EqualValues(t, 20, report.Meta.OutputTokens)
	require.Len(t, report.Meta.Trajectory, 2)
	assert.Equal(t, []string{"read config.yaml"}, report.Meta.Trajectory[0].Actions)
	assert.Equal(t, 2, c.Calls())

	first := c.Requests()[0]
	require.Len(t, first.Messages, 1)
	assert.Contains(t, first.Messages[0].Content, "# Task: Inspect config")
	assert.Contains(t, first.Messages[0].Content, "### Context: layout")
	assert.Contains(t, first.System, "explorer subagent")

	second := c.Requests()[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, api.RoleAssistant, second.Messages[1].Role)
	assert.Contains(t, second.Messages[2].Content, "port: 8080")
}

func TestSubagent_ZeroActionTurnsForceReport(t *testing.T) {
	c := testutil.NewScriptedCompleter(thinkOnly, thinkOnly, thinkOnly, "<report>\ncomments: too late\n</report>")
	cfg := newTestConfig(t, c, nil)

	report := NewFactory(cfg).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.True(t, report.Failed)
	assert.True(t, report.Forced)
	assert.Equal(t, string(orchestrator.ReasonNoValidActions), report.Reason)
	assert.Equal(t, 3, report.Meta.NumTurns)
	assert.Equal(t, 3, c.Calls(), "no fourth inference call")

	// The agent is told about the missing actions after every empty turn.
	assert.Contains(t, c.Requests()[1].Messages[2].Content, orchestrator.NoActionMessage)
}

func TestSubagent_ParseErrorTurnsForceReport(t *testing.T) {
	bad := "<launch_subagent>\n</launch_subagent>"
	c := testutil.NewScriptedCompleter(bad, bad, bad)
	report := NewFactory(newTestConfig(t, c, nil)).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.Equal(t, string(orchestrator.ReasonParseErrors), report.Reason)
	assert.Contains(t, report.Comments, "Last error: [launch_subagent]")
	assert.Equal(t, 3, c.Calls())
}

func TestSubagent_MaxTurnsFinalReportRequest(t *testing.T) {
	c := testutil.NewScriptedCompleter(addNote, addNote, "<report>\ncomments: partial work\nstatus: completed\n</report>")
	cfg := newTestConfig(t, c, nil)
	cfg.SubagentPolicy = orchestrator.DefaultSubagentPolicy()
	cfg.SubagentPolicy.MaxTurns = 2

	report := NewFactory(cfg).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.False(t, report.Failed)
	assert.True(t, report.Forced)
	assert.Equal(t, string(orchestrator.ReasonMaxTurns), report.Reason)
	assert.Equal(t, "partial work", report.Comments)
	assert.Equal(t, 3, report.Meta.NumTurns)
	require.Equal(t, 3, c.Calls())

	last := c.LastRequest()
	assert.Contains(t, last.Messages[len(last.Messages)-1].Content, "⚠️ CRITICAL: MAXIMUM TURNS REACHED ⚠️")
}

func TestSubagent_MaxTurnsFallbackReport(t *testing.T) {
	c := testutil.NewScriptedCompleter(addNote, addNote, "I refuse to report.")
	cfg := newTestConfig(t, c, nil)
	cfg.SubagentPolicy = orchestrator.DefaultSubagentPolicy()
	cfg.SubagentPolicy.MaxTurns = 2

	report := NewFactory(cfg).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.True(t, report.Failed)
	assert.True(t, report.Forced)
	assert.Contains(t, report.Comments, "Task incomplete - reached maximum turns (2) without proper completion.")
	assert.Contains(t, report.Comments, "Note 1: progress")
	assert.Len(t, report.Meta.Trajectory, 3)
}

func TestSubagent_InferenceErrorIsFedBack(t *testing.T) {
	c := testutil.NewScriptedSteps(
		testutil.Step{Err: errors.New("boom")},
		testutil.Step{Text: "<report>\ncomments: recovered\n</report>"},
	)
	report := NewFactory(newTestConfig(t, c, nil)).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.False(t, report.Failed)
	assert.Equal(t, "recovered", report.Comments)
	assert.Equal(t, 2, report.Meta.NumTurns)

	second := c.Requests()[1]
	require.Len(t, second.Messages, 1)
	assert.Contains(t, second.Messages[0].Content, "Error occurred: boom. Please continue.")
}

func TestSubagent_ContextWindowForcesReport(t *testing.T) {
	c := testutil.NewScriptedSteps(testutil.Step{Err: fmt.Errorf("preflight: %w", api.ErrContextWindowExceeded)})
	report := NewFactory(newTestConfig(t, c, nil)).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())

	assert.True(t, report.Failed)
	assert.Equal(t, string(orchestrator.ReasonContextWindow), report.Reason)
	assert.Equal(t, 1, c.Calls())
}

func TestSubagent_PanicIsLoggedAndReported(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig(t, api.CompleterFunc(func(context.Context, api.Request) (api.Completion, error) {
		panic("kaboom")
	}), nil)
	cfg.Critical = state.NewCriticalLogger(dir)

	report := NewFactory(cfg).New(testBrief(models.AgentTypeCoder)).Run(context.Background())

	assert.True(t, report.Failed)
	assert.Equal(t, string(orchestrator.ReasonPanic), report.Reason)

	files, err := filepath.Glob(filepath.Join(dir, "*_subagent_panic.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSubagent_CanceledContext(t *testing.T) {
	c := testutil.NewScriptedCompleter(addNote)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewFactory(newTestConfig(t, c, nil)).New(testBrief(models.AgentTypeExplorer)).Run(ctx)
	assert.Equal(t, string(orchestrator.ReasonCanceled), report.Reason)
	assert.Zero(t, c.Calls())
}

func TestFactory_LaunchWithoutCompleter(t *testing.T) {
	f := NewFactory(Config{})
	_, err := f.Launch(context.Background(), testBrief(models.AgentTypeExplorer))
	assert.ErrorIs(t, err, ErrNoCompleter)
}

func TestSubagent_RecordsTurnsOnHub(t *testing.T) {
	events := orchestrator.NewEventEmitter(16)
	c := testutil.NewScriptedCompleter(addNote, "<report>\ncomments: ok\n</report>")
	cfg := newTestConfig(t, c, nil)
	cfg.Hub = orchestrator.NewHub(nil, nil, orchestrator.WithEvents(events))

	NewFactory(cfg).New(testBrief(models.AgentTypeExplorer)).Run(context.Background())
	events.Close()

	var turns []int
	for ev := range events.Events() {
		if ev.Type == orchestrator.EventTurn {
			turns = append(turns, ev.Turn)
		}
	}
	assert.Equal(t, []int{1, 2}, turns)
}
