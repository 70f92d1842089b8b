// Package tui provides the terminal user interface for `orca run`.
//
// The TUI is read-only. It follows hub events and periodically re-renders
// the task tree so the operator can watch delegation unfold:
//   - the objective and elapsed time
//   - task counts by status and the live task tree
//   - running subagents with their turn counts and token usage
//   - an activity log of recent events
//
// Users can only quit with 'q' or Ctrl+C, which cancels the run. Pass
// --headless to orca run to print events instead.
//
// Usage:
//
//	program, app := tui.NewRunProgram(objective, hub.Events().Events(), snapshotFn, 200*time.Millisecond)
//	go func() {
//	    result := controller.Run(ctx, objective)
//	    program.Send(tui.DoneMsg{Message: result.Message, Success: result.Finished})
//	}()
//	program.Run()
package tui
