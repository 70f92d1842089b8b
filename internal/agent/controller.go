package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/orca/internal/api"
	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/internal/state"
	"github.com/ShayCichocki/orca/pkg/models"
)

// RunResult is the outcome of a controller run.
type RunResult struct {
	// Finished is true when the controller emitted finish.
	Finished bool
	Message  string
	// Forced is true when the continuation policy stopped the run.
	Forced       bool
	Reason       string
	Turns        int
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	// Tree is the rendered task graph at the end of the run.
	Tree string
}

// Controller is the root agent: it decomposes an objective into tasks and
// delegates them, but never acts on the sandbox itself.
type Controller struct {
	id       string
	cfg      Config
	policy   orchestrator.Policy
	executor *orchestrator.TurnExecutor

	history      []historyTurn
	inputTokens  int64
	outputTokens int64
}

// NewController creates a controller. Its subagents are launched through
// cfg.Launcher, or a Factory over cfg when none is set.
func NewController(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	id := "orca-" + uuid.NewString()[:8]

	launcher := cfg.Launcher
	if launcher == nil {
		launcher = NewFactory(cfg)
	}
	d := orchestrator.NewDispatcher(cfg.Hub, cfg.Env, launcher, orchestrator.Identity{
		AgentID: id,
		Role:    models.RoleController,
	}, nil, cfg.Dispatch)

	return &Controller{
		id:       id,
		cfg:      cfg,
		policy:   cfg.ControllerPolicy,
		executor: orchestrator.NewTurnExecutor(d, cfg.MaxParallel),
	}
}

// ID returns the controller's agent id, "orca-<uuid8>".
func (c *Controller) ID() string {
	return c.id
}

// Hub returns the hub the controller writes to.
func (c *Controller) Hub() *orchestrator.Hub {
	return c.cfg.Hub
}

// Run drives the controller until it finishes or the policy stops it.
func (c *Controller) Run(ctx context.Context, objective string) (result RunResult) {
	started := c.cfg.Now()
	st := c.policy.Start(started)
	debugf("[controller] %s started max_turns=%d", c.id, c.policy.MaxTurns)

	defer func() {
		if r := recover(); r != nil {
			path, err := c.cfg.Critical.Log(context.WithoutCancel(ctx), state.CriticalError{
				ErrorType: "controller_panic",
				Message:   fmt.Sprint(r),
				Metadata: map[string]any{
					"agent_id": c.id,
					"turn":     st.Turns,
					"stack":    string(debug.Stack()),
				},
			})
			debugf("[controller] %s panic: %v (critical log %s, err=%v)", c.id, r, path, err)
			result = c.stop(orchestrator.ReasonPanic, st)
		}
		c.cfg.Hub.Events().Emit(orchestrator.Event{
			Type:      orchestrator.EventSessionDone,
			AgentID:   c.id,
			Message:   result.Message,
			Duration:  result.Duration,
			Timestamp: c.cfg.Now(),
		})
	}()

	for {
		if ctx.Err() != nil {
			return c.stop(orchestrator.ReasonCanceled, st)
		}
		if d := c.policy.Check(st, c.cfg.Now()); d.Verdict == orchestrator.ForceReport {
			return c.stop(d.Reason, st)
		}
		turn := st.Turns + 1

		prompt := buildControllerPrompt(objective, c.cfg.Now().Sub(started), c.cfg.Hub.RenderTree(""), c.cfg.Hub.ViewContextStore(), c.history)
		text, err := c.complete(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return c.stop(orchestrator.ReasonCanceled, st)
			}
			var outcome orchestrator.TurnOutcome
			if errors.Is(err, api.ErrContextWindowExceeded) {
				outcome.ContextExhausted = true
			} else {
				outcome.InferenceFailed = true
				c.recordTurn(turn, "", nil, []string{fmt.Sprintf("Error occurred: %v. Please continue.", err)})
			}
			debugf("[controller] %s turn=%d inference error: %v", c.id, turn, err)

			var d orchestrator.Decision
			st, d = c.policy.Observe(st, outcome, c.cfg.Now())
			if d.Verdict == orchestrator.ForceReport {
				return c.stop(d.Reason, st)
			}
			continue
		}

		res := c.executor.Execute(ctx, turn, text)
		c.recordTurn(turn, text, describeActions(res.Executed), res.Responses)

		if res.Terminal == orchestrator.TerminalFinish {
			debugf("[controller] %s finished after %d turn(s)", c.id, turn)
			st.Turns = turn
			return c.result(st, RunResult{Finished: true, Message: res.FinishMessage})
		}

		var d orchestrator.Decision
		st, d = c.policy.Observe(st, res.PolicyOutcome(), c.cfg.Now())
		if d.Verdict == orchestrator.ForceReport {
			return c.stop(d.Reason, st)
		}
	}
}

// stop synthesizes the finish of a run the policy terminated.
func (c *Controller) stop(reason orchestrator.Reason, st orchestrator.State) RunResult {
	debugf("[controller] %s stopped: reason=%s turns=%d", c.id, reason, st.Turns)
	c.cfg.Hub.Metrics().IncForcedReport(string(reason))
	c.cfg.Hub.Events().Emit(orchestrator.Event{
		Type:      orchestrator.EventForcedReport,
		AgentID:   c.id,
		Message:   string(reason),
		Turn:      st.Turns,
		Timestamp: c.cfg.Now(),
	})

	counts := c.cfg.Hub.Counts()
	msg := fmt.Sprintf("Orchestrator stopped without finishing (%s) after %d turn(s). Tasks: %d completed, %d failed, %d pending.",
		reason, st.Turns, counts[models.TaskStatusCompleted], counts[models.TaskStatusFailed], counts[models.TaskStatusCreated])
	return c.result(st, RunResult{Message: msg, Forced: true, Reason: string(reason)})
}

func (c *Controller) result(st orchestrator.State, r RunResult) RunResult {
	r.Turns = st.Turns
	r.InputTokens = c.inputTokens
	r.OutputTokens = c.outputTokens
	r.Duration = c.cfg.Now().Sub(st.StartedAt)
	r.Tree = c.cfg.Hub.RenderTree("")
	return r
}

func (c *Controller) complete(ctx context.Context, prompt string) (string, error) {
	req := api.Request{
		System:    withGuidance(controllerPrompt, c.cfg.Guidance.Content()),
		Messages:  []api.Message{{Role: api.RoleUser, Content: prompt}},
		MaxTokens: c.cfg.MaxTokens,
	}

	start := c.cfg.Now()
	comp, err := c.cfg.Completer.Complete(ctx, req)
	c.cfg.Hub.Metrics().ObserveInference(c.cfg.Now().Sub(start))
	if err != nil {
		return "", err
	}
	c.inputTokens += comp.InputTokens
	c.outputTokens += comp.OutputTokens
	return comp.Text, nil
}

func (c *Controller) recordTurn(turn int, output string, actions, responses []string) {
	c.history = append(c.history, historyTurn{turn: turn, output: output, responses: responses})

	c.cfg.Hub.Metrics().IncTurn(string(models.RoleController))
	c.cfg.Hub.RecordTurn(orchestrator.TurnRecord{
		AgentID: c.id,
		Role:    models.RoleController,
		Turn: models.TrajectoryTurn{
			Turn:      turn,
			Output:    output,
			Actions:   actions,
			Responses: responses,
		},
	})
	c.cfg.Hub.Events().Emit(orchestrator.Event{
		Type:       orchestrator.EventTurn,
		AgentID:    c.id,
		Turn:       turn,
		TokensUsed: c.inputTokens + c.outputTokens,
		Timestamp:  c.cfg.Now(),
	})
}
