package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orca/internal/config"
	"github.com/ShayCichocki/orca/internal/state"
	"github.com/ShayCichocki/orca/pkg/models"
)

var (
	statusSession string
	statusList    bool
	statusLimit   int
	statusPurge   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded runs",
	Long: `Display a run recorded in the state database.

Without flags, shows the most recent session: its outcome, the task tree
with every task's stored status, the context store keys and turn counts.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSession, "session", "", "Show this session instead of the latest")
	statusCmd.Flags().BoolVar(&statusList, "list", false, "List recent sessions")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of sessions shown by --list")
	statusCmd.Flags().DurationVar(&statusPurge, "purge", 0, "Delete finished sessions older than this, e.g. 720h")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	workdir, err := resolveWorkdir(cfg.Exec.Workdir)
	if err != nil {
		return err
	}

	dbPath := state.ProjectDBPath(workdir)
	if cfg.State.DBPath != "" {
		dbPath = resolvePath(workdir, cfg.State.DBPath)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No recorded runs. Run 'orca run <objective>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if statusPurge > 0 {
		n, err := db.PurgeOldSessions(ctx, statusPurge)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		fmt.Fprintf(out, "Purged %d session(s)\n", n)
		return nil
	}

	if statusList {
		return listSessions(ctx, out, db, statusLimit)
	}

	var session *state.Session
	if statusSession != "" {
		session, err = db.GetSession(ctx, statusSession)
	} else {
		session, err = db.LatestSession(ctx)
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		if statusSession != "" {
			return fmt.Errorf("session %s not found", statusSession)
		}
		fmt.Fprintln(out, "No recorded runs. Run 'orca run <objective>' to start.")
		return nil
	}

	return showSession(ctx, out, db, session)
}

func listSessions(ctx context.Context, out io.Writer, db *state.DB, limit int) error {
	sessions, err := db.ListSessions(ctx, nil, limit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No recorded runs.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  %-11s  %s  %s\n",
			shortID(s.ID), colorStatus(s.Status), s.StartedAt.Local().Format("2006-01-02 15:04"), truncateLine(s.Objective, 60))
	}
	return nil
}

func showSession(ctx context.Context, out io.Writer, db *state.DB, s *state.Session) error {
	fmt.Fprintf(out, "Session: %s\n", s.ID)
	fmt.Fprintf(out, "  Objective:  %s\n", s.Objective)
	fmt.Fprintf(out, "  Controller: %s\n", s.ControllerID)
	fmt.Fprintf(out, "  Status:     %s\n", colorStatus(s.Status))
	if s.Reason != "" {
		fmt.Fprintf(out, "  Reason:     %s\n", s.Reason)
	}
	fmt.Fprintf(out, "  Started:    %s\n", s.StartedAt.Local().Format(time.RFC1123))
	if s.EndedAt != nil {
		fmt.Fprintf(out, "  Duration:   %s\n", s.Duration().Round(time.Second))
	}
	fmt.Fprintf(out, "  Turns:      %d\n", s.Turns)
	fmt.Fprintf(out, "  Tokens:     %d in / %d out\n", s.InputTokens, s.OutputTokens)

	tasks, err := db.ListTasks(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Tasks:")
	fmt.Fprintln(out, indent(renderStoredTree(tasks), "  "))

	contexts, err := db.ListContexts(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("list contexts: %w", err)
	}
	if len(contexts) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Contexts:")
		for _, c := range contexts {
			fmt.Fprintf(out, "  %s (by %s)\n", c.ID, c.ReportedBy)
		}
	}

	counts, err := db.CountTurns(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	if len(counts) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Turns: controller %d, subagents %d\n",
			counts[models.RoleController], counts[models.RoleSubagent])
	}

	if s.Message != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, s.Message)
	}
	return nil
}

// renderStoredTree formats tasks loaded from the database the way the live
// graph renders them.
func renderStoredTree(tasks []models.Task) string {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var lines []string
	var render func(id string, level int)
	render = func(id string, level int) {
		t, ok := byID[id]
		if !ok {
			return
		}
		pad := strings.Repeat("  ", level)
		lines = append(lines, fmt.Sprintf("%s%s [%s] %s (owner: %s)", pad, t.Status.Symbol(), t.ID, t.Title, t.OwnerID))
		if t.ErrorMessage != "" {
			lines = append(lines, fmt.Sprintf("%s    ⚠ Error: %s", pad, t.ErrorMessage))
		}
		for _, child := range t.ChildIDs {
			render(child, level+1)
		}
	}
	for _, t := range tasks {
		if _, hasParent := byID[t.ParentID]; t.ParentID == "" || !hasParent {
			render(t.ID, 0)
		}
	}

	if len(lines) == 0 {
		return "No tasks found"
	}
	return strings.Join(lines, "\n")
}

func colorStatus(s state.SessionStatus) string {
	switch s {
	case state.SessionCompleted:
		return color.GreenString(string(s))
	case state.SessionActive:
		return color.CyanString(string(s))
	case state.SessionStopped, state.SessionInterrupted:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
