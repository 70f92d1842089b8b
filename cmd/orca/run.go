package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orca/internal/agent"
	"github.com/ShayCichocki/orca/internal/api"
	"github.com/ShayCichocki/orca/internal/config"
	"github.com/ShayCichocki/orca/internal/contextstore"
	"github.com/ShayCichocki/orca/internal/exec"
	"github.com/ShayCichocki/orca/internal/graph"
	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/internal/state"
	"github.com/ShayCichocki/orca/internal/tui"
)

var (
	runHeadless    bool
	runWorkdir     string
	runMetricsAddr string
	runVerbose     bool
	runNoState     bool
	runMaxTurns    int
)

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Run the controller on an objective",
	Long: `Run the controller agent on an objective.

The controller creates tasks, launches explorer and coder subagents for them
and reads their reports until it calls finish or a limit stops it.

Limits are configured under 'limits' in the config file. The run is shown in
a TUI unless --headless is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runObjective,
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without TUI and print events to stdout")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "", "Sandbox root (default: exec.workdir or the current directory)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Include contexts and trajectories in results shown to the controller")
	runCmd.Flags().BoolVar(&runNoState, "no-state", false, "Do not persist the run to the state database")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "Override limits.orchestrator_max_turns")
}

func runObjective(cmd *cobra.Command, args []string) error {
	objective := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.RequireCredentials(cfg); err != nil {
		return err
	}

	workdir, err := resolveWorkdir(cfg.Exec.Workdir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := orchestrator.NewDebugLogger(cfg.Logging.DebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()
	orchestrator.SetPackageLogger(logger)
	defer orchestrator.SetPackageLogger(nil)

	completer, err := newCompleter(cfg)
	if err != nil {
		return err
	}

	env, err := exec.NewLocal(workdir,
		exec.WithMaxOutput(cfg.Exec.MaxOutput),
		exec.WithMaxTimeout(cfg.Exec.MaxTimeout),
		exec.WithDefaultTimeout(cfg.Exec.DefaultTimeout),
	)
	if err != nil {
		return fmt.Errorf("open sandbox: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := orchestrator.MustNewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	events := orchestrator.NewEventEmitter(512)
	hubOpts := []orchestrator.HubOption{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithEvents(events),
		orchestrator.WithLogger(logger),
	}

	sessionID := uuid.NewString()
	var db *state.DB
	if cfg.State.Enabled {
		db, err = openStateDB(ctx, cfg, workdir)
		if err != nil {
			return err
		}
		defer db.Close()
		hubOpts = append(hubOpts, orchestrator.WithRecorder(state.NewRecorder(db, sessionID)))
	}

	hub := orchestrator.NewHub(graph.New(), contextstore.New(), hubOpts...)

	var guidance *agent.Guidance
	if cfg.Orchestrator.GuidanceFile != "" {
		guidance, err = agent.NewGuidance(resolvePath(workdir, cfg.Orchestrator.GuidanceFile))
		if err != nil {
			return fmt.Errorf("load guidance: %w", err)
		}
		defer guidance.Close()
	}

	ctrl := agent.NewController(agent.Config{
		Completer:        completer,
		Hub:              hub,
		Env:              env,
		SubagentPolicy:   subagentPolicy(cfg.Limits),
		ControllerPolicy: controllerPolicy(cfg.Limits),
		MaxParallel:      cfg.Limits.MaxParallelSubagents,
		MaxTokens:        int64(cfg.Anthropic.MaxTokens),
		Dispatch: orchestrator.DispatcherOptions{
			Verbose:        cfg.Orchestrator.VerboseResults,
			BootstrapLines: cfg.Exec.BootstrapLines,
		},
		Guidance: guidance,
		Critical: state.NewCriticalLogger(resolvePath(workdir, cfg.Logging.CriticalDir)),
	})

	if db != nil {
		if err := db.CreateSession(ctx, &state.Session{
			ID:           sessionID,
			Objective:    objective,
			ControllerID: ctrl.ID(),
			PID:          os.Getpid(),
		}); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}
	logger.Log("[run] session=%s controller=%s workdir=%s", sessionID, ctrl.ID(), workdir)

	var result agent.RunResult
	if runHeadless {
		result = runHeadlessLoop(ctx, ctrl, objective, events, cmd.OutOrStdout())
	} else {
		result, err = runWithTUI(ctx, ctrl, objective, events, cfg.TUI.RefreshRate)
		if err != nil {
			return err
		}
	}

	if db != nil {
		outcome := outcomeFor(result)
		if err := db.FinishSession(context.WithoutCancel(ctx), sessionID, outcome); err != nil {
			logger.Log("[run] finish session %s: %v", sessionID, err)
		}
	}

	printResult(cmd.OutOrStdout(), result)
	if !result.Finished && result.Reason != string(orchestrator.ReasonCanceled) {
		return fmt.Errorf("controller stopped: %s", result.Reason)
	}
	return nil
}

func applyRunFlags(cfg *config.Config) {
	if runWorkdir != "" {
		cfg.Exec.Workdir = runWorkdir
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}
	if runVerbose {
		cfg.Orchestrator.VerboseResults = true
	}
	if runNoState {
		cfg.State.Enabled = false
	}
	if runMaxTurns > 0 {
		cfg.Limits.OrchestratorMaxTurns = runMaxTurns
	}
}

func resolveWorkdir(configured string) (string, error) {
	if configured != "" {
		return filepath.Abs(configured)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// resolvePath anchors relative paths at the sandbox root.
func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// newCompleter builds the inference stack: client, retry, then rate limiting.
func newCompleter(cfg *config.Config) (api.Completer, error) {
	apiKey, err := config.GetAPIKey(cfg)
	if err != nil && !cfg.Anthropic.UseBedrock {
		return nil, err
	}
	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
		ContextWindow: cfg.Inference.ContextWindow,
		Counter:       api.NewTokenCounter(0),
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}

	retrying := api.NewRetrying(client, api.RetryConfig{
		MaxAttempts:  cfg.Inference.MaxRetries,
		BaseDelay:    cfg.Inference.BaseDelay,
		MaxDelay:     cfg.Inference.MaxDelay,
		JitterFactor: cfg.Inference.Jitter,
	})
	return api.NewRateLimited(retrying, cfg.Inference.RequestsPerSecond, cfg.Inference.Burst), nil
}

func openStateDB(ctx context.Context, cfg *config.Config, workdir string) (*state.DB, error) {
	var (
		db  *state.DB
		err error
	)
	if cfg.State.DBPath != "" {
		db, err = state.Open(resolvePath(workdir, cfg.State.DBPath))
		if err == nil {
			if mErr := db.Migrate(); mErr != nil {
				db.Close()
				return nil, fmt.Errorf("migrate database: %w", mErr)
			}
		}
	} else {
		db, err = state.OpenProject(workdir)
	}
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	n, err := state.NewRecoveryManager(db).MarkInterrupted(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recover interrupted sessions: %w", err)
	}
	if n > 0 {
		fmt.Fprintf(os.Stderr, "%s marked %d interrupted session(s)\n", color.YellowString("⚠"), n)
	}
	return db, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			orchestrator.Debugf("[metrics] server error: %v", err)
		}
	}()
	return srv
}

func subagentPolicy(l config.LimitsConfig) orchestrator.Policy {
	return orchestrator.Policy{
		MaxTurns:           l.SubagentMaxTurns,
		MaxParseErrorTurns: l.MaxParseErrorTurns,
		MaxNoActionTurns:   l.MaxNoActionTurns,
		WallClock:          l.SubagentWallClock,
		FinalReportRequest: l.FinalReportRequest,
	}
}

// controllerPolicy never grants a final report turn: the controller
// summarizes by calling finish, not report.
func controllerPolicy(l config.LimitsConfig) orchestrator.Policy {
	return orchestrator.Policy{
		MaxTurns:           l.OrchestratorMaxTurns,
		MaxParseErrorTurns: l.MaxParseErrorTurns,
		MaxNoActionTurns:   l.MaxNoActionTurns,
		WallClock:          l.OrchestratorWallClock,
	}
}

func outcomeFor(r agent.RunResult) state.Outcome {
	o := state.Outcome{
		Message:      r.Message,
		Reason:       r.Reason,
		Turns:        r.Turns,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
	}
	switch {
	case r.Finished:
		o.Status = state.SessionCompleted
	case r.Reason == string(orchestrator.ReasonCanceled):
		o.Status = state.SessionCanceled
	default:
		o.Status = state.SessionStopped
	}
	return o
}

func runHeadlessLoop(ctx context.Context, ctrl *agent.Controller, objective string, events *orchestrator.EventEmitter, w io.Writer) agent.RunResult {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events.Events() {
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()

	result := ctrl.Run(ctx, objective)
	events.Close()
	wg.Wait()
	return result
}

func runWithTUI(ctx context.Context, ctrl *agent.Controller, objective string, events *orchestrator.EventEmitter, refresh time.Duration) (agent.RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := ctrl.Hub()
	program, _ := tui.NewRunProgram(objective, events.Events(), func() tui.Snapshot {
		return tui.Snapshot{
			Tree:     hub.RenderTree(""),
			Counts:   hub.Counts(),
			Contexts: len(hub.Contexts()),
		}
	}, refresh)

	done := make(chan agent.RunResult, 1)
	go func() {
		result := ctrl.Run(ctx, objective)
		done <- result
		program.Send(tui.DoneMsg{Success: result.Finished, Message: resultMessage(result)})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return agent.RunResult{}, fmt.Errorf("run TUI: %w", err)
	}

	// Quitting the TUI early cancels the run.
	cancel()
	result := <-done
	events.Close()
	return result, nil
}

func formatEvent(ev orchestrator.Event) string {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case orchestrator.EventTaskCreated:
		return fmt.Sprintf("%s %s created %s: %s", ts, color.CyanString("+"), ev.TaskID, ev.TaskTitle)
	case orchestrator.EventTaskStarted:
		return fmt.Sprintf("%s %s launched %s (%s)", ts, color.BlueString("▶"), ev.TaskID, ev.AgentID)
	case orchestrator.EventTaskCompleted:
		return fmt.Sprintf("%s %s %s completed", ts, color.GreenString(ev.Status.Symbol()), ev.TaskID)
	case orchestrator.EventTaskFailed:
		msg := fmt.Sprintf("%s %s %s failed", ts, color.RedString(ev.Status.Symbol()), ev.TaskID)
		if ev.Error != nil {
			msg += ": " + ev.Error.Error()
		}
		return msg
	case orchestrator.EventContextStored:
		return fmt.Sprintf("%s %s stored context %s", ts, color.MagentaString("◆"), ev.Message)
	case orchestrator.EventForcedReport:
		return fmt.Sprintf("%s %s forced report from %s: %s", ts, color.YellowString("⚠"), ev.AgentID, ev.Message)
	}
	return ""
}

func resultMessage(r agent.RunResult) string {
	if r.Finished {
		return r.Message
	}
	if r.Message != "" {
		return fmt.Sprintf("stopped (%s): %s", r.Reason, r.Message)
	}
	return fmt.Sprintf("stopped (%s)", r.Reason)
}

func printResult(w io.Writer, r agent.RunResult) {
	fmt.Fprintln(w)
	if r.Tree != "" {
		fmt.Fprintln(w, r.Tree)
		fmt.Fprintln(w)
	}
	if r.Finished {
		fmt.Fprintf(w, "%s Finished in %s (%d turns, %d/%d tokens)\n",
			color.GreenString("✓"), r.Duration.Round(time.Second), r.Turns, r.InputTokens, r.OutputTokens)
	} else {
		fmt.Fprintf(w, "%s Stopped: %s after %s (%d turns)\n",
			color.RedString("✗"), r.Reason, r.Duration.Round(time.Second), r.Turns)
	}
	if r.Message != "" {
		fmt.Fprintln(w, r.Message)
	}
}
