package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orca/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display the configuration orca would run with.

Configuration is read from ~/.config/orca/config.yaml, then .orca.yaml in
the working directory or a parent, then ORCA_* environment variables.
A .env file in the working directory is loaded first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out := cmd.OutOrStdout()
		displayConfig(out, cfg)

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "\nconfig is invalid:\n%v\n", err)
		}
		return nil
	},
}

// displayConfig prints the effective values. The API key is masked.
func displayConfig(w io.Writer, cfg *config.Config) {
	apiKey := "(not set)"
	if key, err := config.GetAPIKey(cfg); err == nil {
		apiKey = config.MaskAPIKey(key)
	}

	fmt.Fprintf(w, "config.user: %s\n", orNone(config.GetUserConfigPath()))
	fmt.Fprintf(w, "config.project: %s\n", orNone(config.GetProjectConfigPath()))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "anthropic.api_key: %s (%s)\n", apiKey, config.GetAPIKeySource(cfg))
	fmt.Fprintf(w, "anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Fprintf(w, "anthropic.max_tokens: %d\n", cfg.Anthropic.MaxTokens)
	fmt.Fprintf(w, "anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	if cfg.Anthropic.UseBedrock {
		fmt.Fprintf(w, "anthropic.aws_region: %s\n", cfg.Anthropic.AWSRegion)
		fmt.Fprintf(w, "anthropic.aws_profile: %s\n", cfg.Anthropic.AWSProfile)
	}
	fmt.Fprintf(w, "inference.max_retries: %d\n", cfg.Inference.MaxRetries)
	fmt.Fprintf(w, "inference.base_delay: %s\n", cfg.Inference.BaseDelay)
	fmt.Fprintf(w, "inference.max_delay: %s\n", cfg.Inference.MaxDelay)
	fmt.Fprintf(w, "inference.requests_per_second: %g\n", cfg.Inference.RequestsPerSecond)
	fmt.Fprintf(w, "inference.context_window: %d\n", cfg.Inference.ContextWindow)
	fmt.Fprintf(w, "limits.orchestrator_max_turns: %d\n", cfg.Limits.OrchestratorMaxTurns)
	fmt.Fprintf(w, "limits.subagent_max_turns: %d\n", cfg.Limits.SubagentMaxTurns)
	fmt.Fprintf(w, "limits.max_parse_error_turns: %d\n", cfg.Limits.MaxParseErrorTurns)
	fmt.Fprintf(w, "limits.max_no_action_turns: %d\n", cfg.Limits.MaxNoActionTurns)
	fmt.Fprintf(w, "limits.orchestrator_wall_clock: %s\n", cfg.Limits.OrchestratorWallClock)
	fmt.Fprintf(w, "limits.subagent_wall_clock: %s\n", cfg.Limits.SubagentWallClock)
	fmt.Fprintf(w, "limits.final_report_request: %t\n", cfg.Limits.FinalReportRequest)
	fmt.Fprintf(w, "limits.max_parallel_subagents: %d\n", cfg.Limits.MaxParallelSubagents)
	fmt.Fprintf(w, "exec.workdir: %s\n", orNone(cfg.Exec.Workdir))
	fmt.Fprintf(w, "exec.default_timeout: %s\n", cfg.Exec.DefaultTimeout)
	fmt.Fprintf(w, "exec.max_timeout: %s\n", cfg.Exec.MaxTimeout)
	fmt.Fprintf(w, "exec.max_output: %d\n", cfg.Exec.MaxOutput)
	fmt.Fprintf(w, "exec.bootstrap_lines: %d\n", cfg.Exec.BootstrapLines)
	fmt.Fprintf(w, "orchestrator.verbose_results: %t\n", cfg.Orchestrator.VerboseResults)
	fmt.Fprintf(w, "orchestrator.guidance_file: %s\n", orNone(cfg.Orchestrator.GuidanceFile))
	fmt.Fprintf(w, "logging.debug_log: %s\n", orNone(cfg.Logging.DebugLog))
	fmt.Fprintf(w, "logging.critical_dir: %s\n", cfg.Logging.CriticalDir)
	fmt.Fprintf(w, "state.enabled: %t\n", cfg.State.Enabled)
	fmt.Fprintf(w, "state.db_path: %s\n", orNone(cfg.State.DBPath))
	fmt.Fprintf(w, "metrics.addr: %s\n", orNone(cfg.Metrics.Addr))
	fmt.Fprintf(w, "tui.refresh_rate: %s\n", cfg.TUI.RefreshRate)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
