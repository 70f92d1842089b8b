package models

// AgentType selects the worker profile a task is executed with.
type AgentType string

const (
	// AgentTypeExplorer is a read-only investigator.
	AgentTypeExplorer AgentType = "explorer"
	// AgentTypeCoder may modify files in the sandbox.
	AgentTypeCoder AgentType = "coder"
)

// Valid returns true if the agent type is a known value.
func (a AgentType) Valid() bool {
	switch a {
	case AgentTypeExplorer, AgentTypeCoder:
		return true
	default:
		return false
	}
}

// Role distinguishes the orchestrating controller from delegated workers.
type Role string

const (
	// RoleController creates tasks and launches workers but never touches the environment.
	RoleController Role = "controller"
	// RoleSubagent executes a single task and terminates with a report.
	RoleSubagent Role = "subagent"
)
