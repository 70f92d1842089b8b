package agent

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/orca/internal/api"
	"github.com/ShayCichocki/orca/internal/exec"
	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/internal/state"
	"github.com/ShayCichocki/orca/pkg/models"
)

// ErrNoCompleter is returned when an agent is launched without inference.
var ErrNoCompleter = errors.New("no completer configured")

// Config is shared by the controller and every subagent of a run.
type Config struct {
	Completer api.Completer
	Hub       *orchestrator.Hub
	// Env is the sandbox. Only subagents act on it; the controller uses it
	// to pre-fetch bootstrap files.
	Env exec.Environment

	// Zero policies are replaced by the defaults.
	SubagentPolicy   orchestrator.Policy
	ControllerPolicy orchestrator.Policy

	MaxParallel int
	MaxTokens   int64
	Dispatch    orchestrator.DispatcherOptions

	// Launcher runs the controller's subagents. Defaults to a Factory over this config.
	Launcher orchestrator.Launcher

	Guidance *Guidance
	Critical *state.CriticalLogger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Hub == nil {
		c.Hub = orchestrator.NewHub(nil, nil)
	}
	if c.SubagentPolicy == (orchestrator.Policy{}) {
		c.SubagentPolicy = orchestrator.DefaultSubagentPolicy()
	}
	if c.ControllerPolicy == (orchestrator.Policy{}) {
		c.ControllerPolicy = orchestrator.DefaultControllerPolicy()
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = orchestrator.DefaultMaxParallelSubagents
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = api.DefaultMaxTokens
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Factory builds a subagent for each brief. It is the Launcher used by the
// controller and by subagents that delegate.
type Factory struct {
	cfg Config
}

var _ orchestrator.Launcher = (*Factory)(nil)

// NewFactory creates a factory. Defaults are applied to cfg.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg.withDefaults()}
}

// New creates the subagent for a brief without running it.
func (f *Factory) New(brief orchestrator.Brief) *Subagent {
	return newSubagent(f.cfg, brief, f)
}

// Launch runs a subagent to completion. The report is always returned for
// a started subagent; the error is reserved for agents that cannot start.
func (f *Factory) Launch(ctx context.Context, brief orchestrator.Brief) (models.SubagentReport, error) {
	if f.cfg.Completer == nil {
		return models.SubagentReport{}, ErrNoCompleter
	}
	return f.New(brief).Run(ctx), nil
}
