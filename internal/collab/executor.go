// Package collab defines the orchestrator's edge to the execution
// collaborator: the external LLM/browser-automation or static-analysis
// service that performs each agent's actual work. The orchestrator is
// agnostic to how the collaborator produces deliverable files on disk; it
// only cares that the call returns with usage metrics or an error, and that
// the declared output files subsequently exist.
package collab

import (
	"context"
	"time"
)

// TaskContext is the instruction payload for one execution attempt.
type TaskContext struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	TemplateID string `json:"template_id"`
	// ChannelID selects the collaborator's isolated execution channel, so
	// concurrent agents never share a stateful resource such as a browser
	// session.
	ChannelID string `json:"channel_id"`
	Attempt   int    `json:"attempt"`
	TargetURL string `json:"target_url"`
	Branch    string `json:"branch"`
	// WorkDir is where the collaborator must materialize deliverables.
	WorkDir string `json:"work_dir"`
}

// Metrics reports the collaborator's resource usage for one attempt.
type Metrics struct {
	Duration  time.Duration `json:"duration_ns"`
	TokensIn  int64         `json:"tokens_in"`
	TokensOut int64         `json:"tokens_out"`
	CostUSD   float64       `json:"cost_usd"`
}

// Result is the success payload of one execution.
type Result struct {
	Metrics Metrics `json:"metrics"`
}

// Executor is the collaborator handle injected into the task runner.
type Executor interface {
	Execute(ctx context.Context, tc TaskContext) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface; test doubles and
// small wrappers use it.
type ExecutorFunc func(ctx context.Context, tc TaskContext) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, tc TaskContext) (*Result, error) {
	return f(ctx, tc)
}
