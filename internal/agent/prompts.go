// Package agent runs the controller and subagent loops on top of the
// orchestrator hub.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/orca/internal/graph"
	"github.com/ShayCichocki/orca/internal/orchestrator"
	"github.com/ShayCichocki/orca/pkg/models"
)

const actionFormat = `## Action Format

Emit actions as XML-style tags whose body is YAML. Each opening and closing
tag must start its own line. Free-form reasoning may go in <think> blocks,
which are never executed. Actions run in the order written.
`

const controllerPrompt = `You are the orchestrator of a team of AI agents working in a shared
sandbox. You never touch the sandbox yourself. You break the objective into
tasks, delegate each task to an explorer or a coder subagent, and build up
a shared context store from what they report.

- Explorers investigate and verify. They cannot modify files.
- Coders implement changes and may modify files.
- Every subagent returns a report. Its contexts are stored under their ids
  and can be passed to later tasks through context_refs. A task id in
  context_refs passes every context that task reported.
- Prefer several small, focused tasks over one large task.
- Verify important changes with an explorer before finishing.

` + actionFormat + `
` + delegationActions + `
<add_context>
id: deployment_notes
content: |
  Anything you learned yourself that later tasks need.
</add_context>

` + workspaceActions + `
<finish>
message: One paragraph describing what was accomplished.
</finish>

Finish only when the objective is met or cannot be met.
`

const delegationActions = `<task_create>
agent_type: explorer
title: Short title
description: |
  What to do and what to report back.
context_refs:
  - some_context_id
context_bootstrap:
  - path: src/main.go
    reason: Entry point
auto_launch: false
</task_create>

<launch_subagent>
task_id: task_001
</launch_subagent>

Consecutive launch_subagent actions run in parallel.
`

const workspaceActions = `<todo>
operations:
  - action: add
    content: Something to do
  - action: complete
    task_id: 1
view_all: true
</todo>

<scratchpad>
action: add_note
content: Something to remember
</scratchpad>
`

const environmentActions = `<bash>
cmd: ls -la
block: true
timeout_secs: 30
</bash>

<file>
action: read
file_path: src/main.go
offset: 0
limit: 200
</file>

<file>
action: metadata
file_paths:
  - src/main.go
</file>

<search>
action: grep
pattern: func main
path: src
include: "*.go"
</search>

<search>
action: glob
pattern: "**/*_test.go"
path: .
</search>

<search>
action: ls
path: src
ignore:
  - vendor
</search>

<write_temp_script>
file_path: /tmp/check.sh
content: |
  #!/bin/sh
  go vet ./...
</write_temp_script>
`

const writeActions = `<file>
action: write
file_path: src/new.go
content: |
  package src
</file>

<file>
action: edit
file_path: src/main.go
old_string: exact text to replace
new_string: replacement text
replace_all: false
</file>

<file>
action: multi_edit
file_path: src/main.go
edits:
  - old_string: first
    new_string: 1st
  - old_string: second
    new_string: 2nd
</file>
`

const reportAction = `<report>
contexts:
  - id: descriptive_snake_case_id
    content: |
      A verified fact, with file paths and line numbers.
comments: |
  What you did, what you found, anything left undone.
status: completed
</report>
`

const explorerRole = `You are an explorer subagent. You investigate the sandbox to answer the
task you were given. You must not modify project files. You may write
throwaway scripts with write_temp_script and run them with bash.

- Verify every claim against the actual files or command output.
- Report findings as contexts with precise, reusable content.
`

const coderRole = `You are a coder subagent. You implement the task you were given inside
the sandbox and verify that it works.

- Read the relevant code before changing it.
- Keep changes within the scope of the task.
- Run the build or tests that cover your change before reporting.
`

const reportRules = `Your work ends with exactly one <report> action. Use status: failed when
the task could not be done, and say why in comments.
`

// SystemPrompt returns the system prompt for an agent. Subagents whose task
// may still have children also learn the delegation actions.
func SystemPrompt(role models.Role, agentType models.AgentType, depth int) string {
	if role == models.RoleController {
		return controllerPrompt
	}

	var b strings.Builder
	if agentType == models.AgentTypeCoder {
		b.WriteString(coderRole)
	} else {
		b.WriteString(explorerRole)
	}
	b.WriteString("\n" + actionFormat + "\n")
	b.WriteString(environmentActions)
	if agentType == models.AgentTypeCoder {
		b.WriteString("\n" + writeActions)
	}
	b.WriteString("\n" + workspaceActions)
	if depth < graph.MaxDepth {
		b.WriteString("\nYou may delegate parts of your task to your own subagents:\n\n")
		b.WriteString(delegationActions)
	}
	b.WriteString("\n" + reportAction + "\n" + reportRules)
	return b.String()
}

// withGuidance appends operator guidance to a system prompt.
func withGuidance(system, guidance string) string {
	guidance = strings.TrimSpace(guidance)
	if guidance == "" {
		return system
	}
	return system + "\n## Operator Guidance\n\n" + guidance + "\n"
}

// BuildTaskPrompt renders the first user message of a subagent.
func BuildTaskPrompt(b orchestrator.Brief) string {
	var sections []string

	sections = append(sections, fmt.Sprintf("# Task: %s\n", b.Title))
	sections = append(sections, b.Description+"\n")

	if len(b.Contexts) > 0 {
		sections = append(sections, "## Provided Context\n")
		for _, c := range b.Contexts {
			sections = append(sections, fmt.Sprintf("### Context: %s\n", c.ID))
			sections = append(sections, c.Content+"\n")
		}
	}

	if len(b.Bootstrap) > 0 {
		sections = append(sections, "## Relevant Files/Directories\n")
		for _, item := range b.Bootstrap {
			sections = append(sections, fmt.Sprintf("### %s\nReason: %s\n```\n%s\n```\n", item.Path, item.Reason, item.Content))
		}
	}

	sections = append(sections, "\nBegin your investigation/implementation now.")
	return strings.Join(sections, "\n")
}

// historyTurn is one controller turn as replayed in later prompts.
type historyTurn struct {
	turn      int
	output    string
	responses []string
}

// buildControllerPrompt renders the controller's per-turn user message:
// the objective, the elapsed time and the full hub state.
func buildControllerPrompt(objective string, elapsed time.Duration, tree, store string, history []historyTurn) string {
	var sections []string

	sections = append(sections, "## Current Task\n"+objective+"\n")
	sections = append(sections, "## Total Session Time Elapsed:\n"+formatElapsed(elapsed)+"\n")
	sections = append(sections, "## Task Manager State\n")
	sections = append(sections, tree)
	sections = append(sections, "\n## Context Store\n")
	sections = append(sections, store)

	sections = append(sections, "\n## Conversation History\n")
	if len(history) == 0 {
		sections = append(sections, "No previous turns.")
	}
	for _, h := range history {
		sections = append(sections, fmt.Sprintf("### Turn %d\n", h.turn))
		sections = append(sections, "#### Your Output\n"+h.output+"\n")
		sections = append(sections, "#### Env Responses\n"+strings.Join(h.responses, "\n")+"\n")
	}
	return strings.Join(sections, "\n")
}

func formatElapsed(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
