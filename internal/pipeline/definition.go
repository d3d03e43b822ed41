// Package pipeline holds the static definition of the agent DAG: which agents
// exist, what each must produce, and which may run concurrently. The data is
// pure and read-only; the workflow controller queries it to compute the set of
// agents that are legally runnable at any point.
package pipeline

import (
	"fmt"
	"path"

	"github.com/xkilldash9x/lancet/api/schemas"
)

// Agent identifiers for the fixed portions of the DAG.
const (
	AgentBootstrap = "bootstrap"
	AgentRecon     = "recon"
	AgentReport    = "report"
)

// categories lists the five vulnerability categories, each of which owns an
// independent analysis -> exploitation pipeline. The names mirror the category
// enum of the scanner service this orchestrator drives.
var categories = []string{"injection", "xss", "csrf", "idor", "auth"}

// Relative deliverable paths under the session work directory.
const (
	deliverableRoot = "deliverables"
	queueFile       = "exploit-queue.json"
	analysisFile    = "analysis-report.md"
	exploitFile     = "exploitation-report.md"
)

// Definition is the immutable pipeline DAG.
type Definition struct {
	agents []schemas.AgentDefinition
	byID   map[string]schemas.AgentDefinition
}

// AnalysisAgentID returns the analysis agent identifier for a category.
func AnalysisAgentID(category string) string { return "analyze-" + category }

// ExploitAgentID returns the exploitation agent identifier for a category.
func ExploitAgentID(category string) string { return "exploit-" + category }

// QueuePath returns the relative path of a category's machine-readable queue.
func QueuePath(category string) string {
	return path.Join(deliverableRoot, category, queueFile)
}

// AnalysisReportPath returns the relative path of a category's human-readable
// analysis report, the queue's symmetric pair.
func AnalysisReportPath(category string) string {
	return path.Join(deliverableRoot, category, analysisFile)
}

// Default builds the standard five-phase DAG: one bootstrap agent, one recon
// agent, five independent analysis agents that each gate an exploitation
// agent, and one final reporting agent depending on every exploitation slot.
func Default() *Definition {
	agents := []schemas.AgentDefinition{
		{
			ID:            AgentBootstrap,
			Name:          "Environment Bootstrap",
			Phase:         schemas.PhaseBootstrap,
			Prerequisites: nil,
			TemplateID:    "bootstrap",
			ChannelID:     "channel-main",
			Deliverables:  []string{path.Join(deliverableRoot, "bootstrap", "environment.md")},
		},
		{
			ID:            AgentRecon,
			Name:          "Attack Surface Reconnaissance",
			Phase:         schemas.PhaseRecon,
			Prerequisites: []string{AgentBootstrap},
			TemplateID:    "recon",
			ChannelID:     "channel-main",
			Deliverables:  []string{path.Join(deliverableRoot, "recon", "surface-map.md")},
		},
	}

	reportPrereqs := make([]string, 0, len(categories))
	for _, cat := range categories {
		agents = append(agents,
			schemas.AgentDefinition{
				ID:            AnalysisAgentID(cat),
				Name:          fmt.Sprintf("%s Analysis", cat),
				Phase:         schemas.PhaseAnalysis,
				Category:      cat,
				Prerequisites: []string{AgentRecon},
				TemplateID:    "analysis",
				ChannelID:     "channel-" + cat,
				Deliverables: []string{
					AnalysisReportPath(cat),
					QueuePath(cat),
				},
			},
			schemas.AgentDefinition{
				ID:            ExploitAgentID(cat),
				Name:          fmt.Sprintf("%s Exploitation", cat),
				Phase:         schemas.PhaseExploitation,
				Category:      cat,
				Prerequisites: []string{AnalysisAgentID(cat)},
				TemplateID:    "exploitation",
				ChannelID:     "channel-" + cat,
				Deliverables:  []string{path.Join(deliverableRoot, cat, exploitFile)},
			},
		)
		reportPrereqs = append(reportPrereqs, ExploitAgentID(cat))
	}

	agents = append(agents, schemas.AgentDefinition{
		ID:            AgentReport,
		Name:          "Final Report",
		Phase:         schemas.PhaseReporting,
		Prerequisites: reportPrereqs,
		TemplateID:    "reporting",
		ChannelID:     "channel-main",
		Deliverables:  []string{path.Join(deliverableRoot, "report", "final-report.md")},
	})

	byID := make(map[string]schemas.AgentDefinition, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &Definition{agents: agents, byID: byID}
}

// Categories returns the vulnerability categories in definition order.
func (d *Definition) Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

// Agents returns every agent definition in DAG order.
func (d *Definition) Agents() []schemas.AgentDefinition {
	out := make([]schemas.AgentDefinition, len(d.agents))
	copy(out, d.agents)
	return out
}

// Agent looks up a single agent definition by identifier.
func (d *Definition) Agent(id string) (schemas.AgentDefinition, bool) {
	a, ok := d.byID[id]
	return a, ok
}

// AgentsForPhase returns the agents belonging to a phase, in definition order.
func (d *Definition) AgentsForPhase(phase schemas.Phase) []schemas.AgentDefinition {
	var out []schemas.AgentDefinition
	for _, a := range d.agents {
		if a.Phase == phase {
			out = append(out, a)
		}
	}
	return out
}

// ParallelGroups returns the sets of agent identifiers that may run
// concurrently within a phase. Agents in the same group never share an
// execution channel; agents of the same category are never grouped together,
// so two agents never hold overlapping uncommitted state on the work tree.
func (d *Definition) ParallelGroups(phase schemas.Phase) [][]string {
	switch phase {
	case schemas.PhaseAnalysis, schemas.PhaseExploitation:
		group := make([]string, 0, len(categories))
		for _, a := range d.AgentsForPhase(phase) {
			group = append(group, a.ID)
		}
		return [][]string{group}
	default:
		var groups [][]string
		for _, a := range d.AgentsForPhase(phase) {
			groups = append(groups, []string{a.ID})
		}
		return groups
	}
}

// PrerequisitesMet reports whether every prerequisite of the agent is in the
// completed set. Unknown agent identifiers are never runnable.
func (d *Definition) PrerequisitesMet(id string, completed map[string]struct{}) bool {
	a, ok := d.byID[id]
	if !ok {
		return false
	}
	for _, pre := range a.Prerequisites {
		if _, done := completed[pre]; !done {
			return false
		}
	}
	return true
}

// Validate checks structural integrity of the DAG: unique identifiers, known
// prerequisites, no cycles, and at least one deliverable per agent.
func (d *Definition) Validate() error {
	seen := make(map[string]struct{}, len(d.agents))
	for _, a := range d.agents {
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if len(a.Deliverables) == 0 {
			return fmt.Errorf("agent %q declares no deliverables", a.ID)
		}
		for _, pre := range a.Prerequisites {
			if _, ok := d.byID[pre]; !ok {
				return fmt.Errorf("agent %q has unknown prerequisite %q", a.ID, pre)
			}
		}
	}

	// Cycle detection via iterative DFS over the prerequisite edges.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(d.agents))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("prerequisite cycle through agent %q", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, pre := range d.byID[id].Prerequisites {
			if err := visit(pre); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, a := range d.agents {
		if err := visit(a.ID); err != nil {
			return err
		}
	}
	return nil
}
