// Package testutil provides test doubles for inference and the sandbox.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/orca/internal/api"
)

// Step is one scripted completion. Err takes precedence over Text.
type Step struct {
	Text string
	Err  error
}

// ScriptedCompleter replays a fixed sequence of completions and records
// every request it receives. Calls past the end of the script fail.
type ScriptedCompleter struct {
	mu       sync.Mutex
	steps    []Step
	requests []api.Request

	// TokensPerCall is reported as both input and output usage.
	TokensPerCall int64
}

// NewScriptedCompleter creates a completer that answers with texts in order.
func NewScriptedCompleter(texts ...string) *ScriptedCompleter {
	steps := make([]Step, len(texts))
	for i, t := range texts {
		steps[i] = Step{Text: t}
	}
	return &ScriptedCompleter{steps: steps}
}

// NewScriptedSteps creates a completer from explicit steps.
func NewScriptedSteps(steps ...Step) *ScriptedCompleter {
	return &ScriptedCompleter{steps: steps}
}

// Complete returns the next scripted step.
func (s *ScriptedCompleter) Complete(ctx context.Context, req api.Request) (api.Completion, error) {
	if err := ctx.Err(); err != nil {
		return api.Completion{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.requests)
	s.requests = append(s.requests, cloneRequest(req))
	if idx >= len(s.steps) {
		return api.Completion{}, fmt.Errorf("scripted completer exhausted after %d call(s)", len(s.steps))
	}
	step := s.steps[idx]
	if step.Err != nil {
		return api.Completion{}, step.Err
	}
	return api.Completion{Text: step.Text, InputTokens: s.TokensPerCall, OutputTokens: s.TokensPerCall}, nil
}

// Calls returns the number of Complete calls made.
func (s *ScriptedCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of every request received.
func (s *ScriptedCompleter) Requests() []api.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Request, len(s.requests))
	for i, r := range s.requests {
		out[i] = cloneRequest(r)
	}
	return out
}

// LastRequest returns the most recent request, or a zero value before any call.
func (s *ScriptedCompleter) LastRequest() api.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return api.Request{}
	}
	return cloneRequest(s.requests[len(s.requests)-1])
}

func cloneRequest(r api.Request) api.Request {
	r.Messages = append([]api.Message(nil), r.Messages...)
	return r
}
