package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/orca/pkg/models"
)

type styles struct {
	header  lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	running lipgloss.Style
	failed  lipgloss.Style
	warn    lipgloss.Style
	muted   lipgloss.Style
	done    lipgloss.Style
	panel   lipgloss.Style
}

func newStyles() styles {
	return styles{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),
		running: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		done: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1),
	}
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(a.styles.header.Render("orca: " + truncate(a.objective, max(20, a.width-10))))
	b.WriteString("\n")

	status := a.spinner.View() + " running"
	if a.done {
		if a.success {
			status = a.styles.done.Render("✓ finished")
		} else {
			status = a.styles.failed.Render("✗ stopped")
		}
	}
	b.WriteString(a.styles.label.Render("Status:"))
	b.WriteString(status)
	b.WriteString("\n")

	b.WriteString(a.styles.label.Render("Elapsed:"))
	b.WriteString(a.styles.value.Render(formatDuration(a.now().Sub(a.started))))
	b.WriteString("\n")

	b.WriteString(a.styles.label.Render("Controller:"))
	b.WriteString(a.styles.value.Render(fmt.Sprintf("turn %d, %d tokens", a.ctrlTurn, a.ctrlTokens)))
	b.WriteString("\n")

	b.WriteString(a.styles.label.Render("Tasks:"))
	b.WriteString(a.renderCounts())
	b.WriteString("\n\n")

	tree := a.state.Tree
	if tree == "" {
		tree = a.styles.muted.Render("No tasks found")
	}
	b.WriteString(a.styles.panel.Render(tree))
	b.WriteString("\n")

	if workers := a.Workers(); len(workers) > 0 {
		b.WriteString("\n")
		b.WriteString(a.styles.label.Render("Running:"))
		b.WriteString("\n")
		for _, w := range workers {
			b.WriteString(fmt.Sprintf("  %s %s %s  turn %d  %d tok  %s\n",
				a.spinner.View(),
				a.styles.running.Render(w.TaskID),
				w.AgentID,
				w.Turn,
				w.Tokens,
				truncate(w.TaskTitle, 40)))
		}
	}

	b.WriteString("\n")
	b.WriteString(a.renderLogs(a.logLines()))

	if a.done && a.message != "" {
		b.WriteString("\n")
		b.WriteString(a.styles.panel.Render(a.message))
		b.WriteString("\n")
	}

	b.WriteString(a.styles.muted.Render("q: quit"))
	return b.String()
}

func (a *App) renderCounts() string {
	c := a.state.Counts
	return fmt.Sprintf("%s %d created  %s %d completed  %s %d failed  %d contexts",
		models.TaskStatusCreated.Symbol(), c[models.TaskStatusCreated],
		a.styles.running.Render(models.TaskStatusCompleted.Symbol()), c[models.TaskStatusCompleted],
		a.styles.failed.Render(models.TaskStatusFailed.Symbol()), c[models.TaskStatusFailed],
		a.state.Contexts)
}

// logLines returns how many log lines fit under the tree.
func (a *App) logLines() int {
	if a.height <= 0 {
		return 10
	}
	n := a.height - strings.Count(a.state.Tree, "\n") - len(a.workers) - 16
	if n < 3 {
		return 3
	}
	return n
}

func (a *App) renderLogs(n int) string {
	logs := a.logs
	if len(logs) > n {
		logs = logs[len(logs)-n:]
	}
	var b strings.Builder
	for _, l := range logs {
		style := a.styles.muted
		switch l.Level {
		case "error":
			style = a.styles.failed
		case "warn":
			style = a.styles.warn
		case "info":
			style = lipgloss.NewStyle()
		}
		b.WriteString(a.styles.muted.Render(l.Timestamp.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(style.Render(l.Message))
		b.WriteString("\n")
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d", m, s)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
