package schemas

import "time"

// -- Session and Audit Schemas --

// AgentState tracks an agent through the audit state machine:
// pending -> running -> {completed|failed|skipped}. Running may be re-entered
// on retry; each re-entry appends a new attempt record rather than mutating
// prior ones.
type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentRunning   AgentState = "running"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
	AgentSkipped   AgentState = "skipped"
)

// AttemptStatus is the status of a single execution attempt.
type AttemptStatus string

const (
	AttemptStarted   AttemptStatus = "started"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptRetrying  AttemptStatus = "retrying"
)

// SessionStatus is the terminal (or live) status of a pipeline session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// UsageMetrics captures collaborator resource consumption for one attempt.
type UsageMetrics struct {
	Duration  time.Duration `json:"duration_ns"`
	TokensIn  int64         `json:"tokens_in"`
	TokensOut int64         `json:"tokens_out"`
	CostUSD   float64       `json:"cost_usd"`
}

// AttemptRecord is one execution attempt of one agent. Attempt numbers are
// 1-based and increase on retry. Records are append-only once written.
type AttemptRecord struct {
	AgentID   string        `json:"agent_id"`
	Attempt   int           `json:"attempt"`
	Status    AttemptStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	// EndedAt stays at the zero time until the attempt reaches a terminal
	// status; records are encoded with json-iterator, so the zero value is
	// written out rather than omitted.
	EndedAt time.Time    `json:"ended_at"`
	Metrics UsageMetrics `json:"metrics"`
	// CheckpointID is the snapshot-store checkpoint taken before the attempt.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// SnapshotID is the commit produced on success.
	SnapshotID string `json:"snapshot_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EventType categorizes workflow.log entries.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventPhaseStarted     EventType = "phase_started"
	EventAgentStarted     EventType = "agent_started"
	EventAgentCompleted   EventType = "agent_completed"
	EventAgentFailed      EventType = "agent_failed"
	EventAgentSkipped     EventType = "agent_skipped"
	EventAgentRetrying    EventType = "agent_retrying"
	EventSessionCancelled EventType = "session_cancelled"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
)

// WorkflowEvent is one timestamped entry in the session's append-only event
// stream.
type WorkflowEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Phase     Phase     `json:"phase,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ProgressSnapshot is the live, queryable view of a running session.
type ProgressSnapshot struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	Phase           Phase         `json:"phase"`
	CurrentAgent    string        `json:"current_agent,omitempty"`
	CompletedAgents []string      `json:"completed_agents"`
	FailedAgents    []string      `json:"failed_agents"`
	SkippedAgents   []string      `json:"skipped_agents"`
	StartedAt       time.Time     `json:"started_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SessionSummary is the terminal aggregate for one pipeline session. It is the
// only audit artifact that is rewritten, and the rewrite is always atomic
// (write-to-temp, rename). Agent counts cover the bootstrap, recon, analysis
// and exploitation agents; the reporting agent produces the summary and is
// reflected in the session status instead of counting itself.
type SessionSummary struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	TargetURL       string        `json:"target_url"`
	Branch          string        `json:"branch"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	TotalCostUSD    float64       `json:"total_cost_usd"`
	TotalTokens     int64         `json:"total_tokens"`
	CompletedAgents int           `json:"completed_agents"`
	FailedAgents    int           `json:"failed_agents"`
	SkippedAgents   int           `json:"skipped_agents"`
	// FailedAgent identifies the agent responsible for a failed session.
	FailedAgent string `json:"failed_agent,omitempty"`
	Error       string `json:"error,omitempty"`
}
