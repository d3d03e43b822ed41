package schemas

import "path"

// -- Pipeline Schemas --

// Severity represents the risk level of a candidate finding, ranging from
// critical to informational. The values are lowercase to align with the queue
// wire format produced by the analysis agents.
type Severity string

// Constants defining the standard severity levels for queue items.
const (
	SeverityCritical Severity = "critical" // Represents a critical finding.
	SeverityHigh     Severity = "high"     // Represents a high-severity finding.
	SeverityMedium   Severity = "medium"   // Represents a medium-severity finding.
	SeverityLow      Severity = "low"      // Represents a low-severity finding.
	SeverityInfo     Severity = "info"     // Represents an informational finding.
)

// severityWeights maps severities to the priority rank assigned to queue items.
var severityWeights = map[Severity]int{
	SeverityCritical: 100,
	SeverityHigh:     75,
	SeverityMedium:   50,
	SeverityLow:      20,
	SeverityInfo:     5,
}

// Weight returns the priority rank associated with the severity. Unknown
// severities rank below info so malformed items never outrank real ones.
func (s Severity) Weight() int {
	return severityWeights[s]
}

// Valid reports whether the severity is one of the five known levels.
func (s Severity) Valid() bool {
	_, ok := severityWeights[s]
	return ok
}

// Actionable reports whether the severity is high enough to gate an
// exploitation agent (critical, high or medium).
func (s Severity) Actionable() bool {
	return s == SeverityCritical || s == SeverityHigh || s == SeverityMedium
}

// Phase identifies one of the five stages of the pipeline DAG.
type Phase string

const (
	PhaseBootstrap    Phase = "bootstrap"
	PhaseRecon        Phase = "recon"
	PhaseAnalysis     Phase = "analysis"
	PhaseExploitation Phase = "exploitation"
	PhaseReporting    Phase = "reporting"
)

// Phases lists all phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseBootstrap, PhaseRecon, PhaseAnalysis, PhaseExploitation, PhaseReporting}
}

// AgentDefinition describes one unit of work in the pipeline DAG. Definitions
// are immutable, loaded once at startup, and consulted by the workflow
// controller to compute the runnable set.
type AgentDefinition struct {
	// ID uniquely identifies the agent within the pipeline.
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Phase is the stage this agent belongs to.
	Phase Phase `json:"phase"`
	// Category is the vulnerability category for analysis/exploitation
	// agents, empty for the sequential prefix and reporting agents.
	Category string `json:"category,omitempty"`
	// Prerequisites lists agent IDs that must complete before this agent
	// becomes runnable.
	Prerequisites []string `json:"prerequisites"`
	// TemplateID names the execution template the collaborator applies.
	TemplateID string `json:"template_id"`
	// ChannelID binds the agent to an isolated execution channel so that
	// concurrent agents never share a stateful resource such as a browser
	// session.
	ChannelID string `json:"channel_id"`
	// Deliverables lists the relative file paths the agent must produce
	// under the session work directory.
	Deliverables []string `json:"deliverables"`
}

// ScopeDirs returns the unique parent directories of the agent's deliverables,
// in declaration order. These are the work-tree directories the agent owns:
// the snapshot store restores them on rollback and leaves them untouched when
// a concurrent sibling rolls back.
func (a AgentDefinition) ScopeDirs() []string {
	seen := make(map[string]struct{}, len(a.Deliverables))
	var dirs []string
	for _, rel := range a.Deliverables {
		dir := path.Dir(rel)
		if _, dup := seen[dir]; dup {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}
