package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/orca/internal/api"
	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/internal/protocol"
	"github.com/ShayCichocki/orca/internal/state"
	"github.com/ShayCichocki/orca/pkg/models"
)

// recentActionLimit is how many action descriptions a forced report keeps.
const recentActionLimit = 5

// Subagent executes one delegated task and terminates with a report.
type Subagent struct {
	id       string
	brief    orchestrator.Brief
	cfg      Config
	policy   orchestrator.Policy
	executor *orchestrator.TurnExecutor
	system   string
	started  time.Time

	messages     []api.Message
	trajectory   []models.TrajectoryTurn
	inputTokens  int64
	outputTokens int64
	recent       []string
	lastErr      string
}

func newSubagent(cfg Config, brief orchestrator.Brief, launcher orchestrator.Launcher) *Subagent {
	id := fmt.Sprintf("%s-%s", brief.AgentType, uuid.NewString()[:8])

	policy := cfg.SubagentPolicy
	if brief.MaxTurns > 0 {
		policy.MaxTurns = brief.MaxTurns
	}

	d := orchestrator.NewDispatcher(cfg.Hub, cfg.Env, launcher, orchestrator.Identity{
		AgentID:   id,
		Role:      models.RoleSubagent,
		AgentType: brief.AgentType,
		TaskID:    brief.TaskID,
	}, nil, cfg.Dispatch)

	return &Subagent{
		id:       id,
		brief:    brief,
		cfg:      cfg,
		policy:   policy,
		executor: orchestrator.NewTurnExecutor(d, cfg.MaxParallel),
		system:   SystemPrompt(models.RoleSubagent, brief.AgentType, brief.Depth),
	}
}

// ID returns the agent id, "<agent_type>-<uuid8>".
func (s *Subagent) ID() string {
	return s.id
}

// Policy returns the continuation policy the subagent runs under.
func (s *Subagent) Policy() orchestrator.Policy {
	return s.policy
}

// Run drives the subagent until it reports or the policy stops it.
// It always returns a report.
func (s *Subagent) Run(ctx context.Context) (report models.SubagentReport) {
	s.started = s.cfg.Now()
	st := s.policy.Start(s.started)
	s.messages = []api.Message{{Role: api.RoleUser, Content: BuildTaskPrompt(s.brief)}}
	debugf("[subagent] %s started task=%s type=%s max_turns=%d", s.id, s.brief.TaskID, s.brief.AgentType, s.policy.MaxTurns)

	defer func() {
		if r := recover(); r != nil {
			s.logCritical(ctx, "subagent_panic", fmt.Sprint(r), map[string]any{
				"turn":  st.Turns,
				"stack": string(debug.Stack()),
			})
			report = s.terminate(ctx, orchestrator.ReasonPanic, st)
		}
		debugf("[subagent] %s finished task=%s status=%s turns=%d", s.id, s.brief.TaskID, report.Status(), report.Meta.NumTurns)
	}()

	for {
		if ctx.Err() != nil {
			return s.terminate(ctx, orchestrator.ReasonCanceled, st)
		}
		if d := s.policy.Check(st, s.cfg.Now()); d.Verdict == orchestrator.ForceReport {
			return s.terminate(ctx, d.Reason, st)
		}
		turn := st.Turns + 1

		text, err := s.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.terminate(ctx, orchestrator.ReasonCanceled, st)
			}
			var outcome orchestrator.TurnOutcome
			if errors.Is(err, api.ErrContextWindowExceeded) {
				outcome.ContextExhausted = true
			} else {
				outcome.InferenceFailed = true
				msg := fmt.Sprintf("Error occurred: %v. Please continue.", err)
				s.lastErr = err.Error()
				s.appendUser(msg)
				s.recordTurn(turn, "", nil, []string{msg})
			}
			debugf("[subagent] %s turn=%d inference error: %v", s.id, turn, err)

			var d orchestrator.Decision
			st, d = s.policy.Observe(st, outcome, s.cfg.Now())
			if d.Verdict == orchestrator.ForceReport {
				return s.terminate(ctx, d.Reason, st)
			}
			continue
		}

		s.messages = append(s.messages, api.Message{Role: api.RoleAssistant, Content: text})
		res := s.executor.Execute(ctx, turn, text)
		s.appendUser(strings.Join(res.Responses, "\n"))
		s.recordTurn(turn, text, res.Executed, res.Responses)
		s.noteProgress(res)

		if res.Terminal == orchestrator.TerminalReport {
			return s.accept(*res.Report, turn)
		}

		var d orchestrator.Decision
		st, d = s.policy.Observe(st, res.PolicyOutcome(), s.cfg.Now())
		if d.Verdict == orchestrator.ForceReport {
			return s.terminate(ctx, d.Reason, st)
		}
	}
}

// terminate ends a loop that did not report. Budget exhaustion gets one
// report-only turn; every other reason synthesizes the report directly.
func (s *Subagent) terminate(ctx context.Context, reason orchestrator.Reason, st orchestrator.State) models.SubagentReport {
	debugf("[subagent] %s forcing report: reason=%s turns=%d", s.id, reason, st.Turns)
	s.cfg.Hub.Metrics().IncForcedReport(string(reason))
	s.cfg.Hub.Events().Emit(orchestrator.Event{
		Type:      orchestrator.EventForcedReport,
		TaskID:    s.brief.TaskID,
		TaskTitle: s.brief.Title,
		AgentID:   s.id,
		Message:   string(reason),
		Turn:      st.Turns,
		Timestamp: s.cfg.Now(),
	})

	if reason.AllowsFinalRequest() && s.policy.FinalReportRequest && ctx.Err() == nil {
		if r, ok := s.requestFinalReport(ctx, st.Turns+1, reason); ok {
			r.Forced = true
			r.Reason = string(reason)
			return r
		}
	}

	r := orchestrator.ForcedReport(reason, orchestrator.Progress{
		Turns:         st.Turns,
		MaxTurns:      s.policy.MaxTurns,
		Elapsed:       s.cfg.Now().Sub(st.StartedAt),
		RecentActions: s.recent,
		Workspace:     s.executor.Dispatcher().Workspace().Summary(),
		LastError:     s.lastErr,
	})
	r.Meta = s.meta(st.Turns, st.StartedAt)
	return r
}

// requestFinalReport asks for a report and accepts nothing else.
func (s *Subagent) requestFinalReport(ctx context.Context, turn int, reason orchestrator.Reason) (models.SubagentReport, bool) {
	s.appendUser(orchestrator.FinalReportPrompt(reason))

	text, err := s.complete(ctx)
	if err != nil {
		debugf("[subagent] %s final report request failed: %v", s.id, err)
		return models.SubagentReport{}, false
	}
	s.messages = append(s.messages, api.Message{Role: api.RoleAssistant, Content: text})

	r, ok := orchestrator.FindReport(text)
	if !ok {
		s.recordTurn(turn, text, nil, []string{"No report in final turn"})
		return models.SubagentReport{}, false
	}
	s.recordTurn(turn, text, []protocol.Action{*r}, nil)
	return s.accept(*r, turn), true
}

func (s *Subagent) accept(r protocol.ReportAction, turns int) models.SubagentReport {
	debugf("[subagent] %s reported: contexts=%d failed=%v", s.id, len(r.Contexts), r.Failed)
	return models.SubagentReport{
		Contexts: r.Contexts,
		Comments: r.Comments,
		Failed:   r.Failed,
		Meta:     s.meta(turns, s.started),
	}
}

func (s *Subagent) meta(turns int, started time.Time) models.ReportMeta {
	return models.ReportMeta{
		NumTurns:     turns,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Duration:     s.cfg.Now().Sub(started),
		Trajectory:   append([]models.TrajectoryTurn(nil), s.trajectory...),
	}
}

func (s *Subagent) complete(ctx context.Context) (string, error) {
	req := api.Request{
		System:    withGuidance(s.system, s.cfg.Guidance.Content()),
		Messages:  append([]api.Message(nil), s.messages...),
		MaxTokens: s.cfg.MaxTokens,
	}

	start := s.cfg.Now()
	comp, err := s.cfg.Completer.Complete(ctx, req)
	s.cfg.Hub.Metrics().ObserveInference(s.cfg.Now().Sub(start))
	if err != nil {
		return "", err
	}
	s.inputTokens += comp.InputTokens
	s.outputTokens += comp.OutputTokens
	return comp.Text, nil
}

// appendUser adds content to the conversation, merging it into a trailing
// user message so roles keep alternating.
func (s *Subagent) appendUser(content string) {
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == api.RoleUser {
		s.messages[n-1].Content += "\n\n" + strings.TrimLeft(content, "\n")
		return
	}
	s.messages = append(s.messages, api.Message{Role: api.RoleUser, Content: strings.TrimSpace(content)})
}

func (s *Subagent) recordTurn(turn int, output string, actions []protocol.Action, responses []string) {
	t := models.TrajectoryTurn{
		Turn:      turn,
		Output:    output,
		Actions:   describeActions(actions),
		Responses: append([]string(nil), responses...),
	}
	s.trajectory = append(s.trajectory, t)

	s.cfg.Hub.Metrics().IncTurn(string(models.RoleSubagent))
	s.cfg.Hub.RecordTurn(orchestrator.TurnRecord{
		AgentID: s.id,
		TaskID:  s.brief.TaskID,
		Role:    models.RoleSubagent,
		Turn:    t,
	})
	s.cfg.Hub.Events().Emit(orchestrator.Event{
		Type:       orchestrator.EventTurn,
		TaskID:     s.brief.TaskID,
		TaskTitle:  s.brief.Title,
		AgentID:    s.id,
		Turn:       turn,
		TokensUsed: s.inputTokens + s.outputTokens,
		Timestamp:  s.cfg.Now(),
	})
}

func (s *Subagent) noteProgress(res orchestrator.TurnResult) {
	s.recent = append(s.recent, describeActions(res.Executed)...)
	if len(s.recent) > recentActionLimit {
		s.recent = s.recent[len(s.recent)-recentActionLimit:]
	}
	for _, r := range res.Responses {
		if strings.HasPrefix(r, "[PARSE ERROR] ") {
			s.lastErr = strings.TrimPrefix(r, "[PARSE ERROR] ")
		}
	}
}

func (s *Subagent) logCritical(ctx context.Context, errorType, message string, metadata map[string]any) {
	metadata["agent_id"] = s.id
	metadata["task_id"] = s.brief.TaskID
	metadata["agent_type"] = string(s.brief.AgentType)
	path, err := s.cfg.Critical.Log(context.WithoutCancel(ctx), state.CriticalError{
		ErrorType: errorType,
		Message:   message,
		Metadata:  metadata,
	})
	if err != nil {
		debugf("[subagent] %s critical log failed: %v", s.id, err)
		return
	}
	debugf("[subagent] %s %s: %s (logged to %s)", s.id, errorType, message, path)
}

func describeActions(actions []protocol.Action) []string {
	if len(actions) == 0 {
		return nil
	}
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = protocol.Describe(a)
	}
	return out
}
