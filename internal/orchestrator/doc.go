// Package orchestrator coordinates hierarchical agents.
//
// The Hub owns the task graph and the context store and is the only writer
// to either. Each agent acts through a Dispatcher bound to its identity, which
// enforces role permissions and turns validated actions into responses. A
// TurnExecutor runs one model output through the parser and dispatcher, and
// the continuation Policy decides when a loop must stop and report.
//
// Example usage:
//
//	hub := orchestrator.NewHub(nil, nil, orchestrator.WithLogger(logger))
//	d := orchestrator.NewDispatcher(hub, env, launcher, orchestrator.Identity{
//		AgentID: "orca-1a2b3c4d",
//		Role:    models.RoleController,
//	}, nil, orchestrator.DispatcherOptions{})
//	result := orchestrator.NewTurnExecutor(d, 4).Execute(ctx, 1, modelOutput)
package orchestrator
