package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/lancet/api/schemas"
)

func TestDefaultDefinitionShape(t *testing.T) {
	def := Default()
	require.NoError(t, def.Validate())

	// 1 bootstrap + 1 recon + 5 analysis + 5 exploitation + 1 report.
	assert.Len(t, def.Agents(), 13)
	assert.Len(t, def.Categories(), 5)

	boot, ok := def.Agent(AgentBootstrap)
	require.True(t, ok)
	assert.Empty(t, boot.Prerequisites)
	assert.Equal(t, schemas.PhaseBootstrap, boot.Phase)

	recon, ok := def.Agent(AgentRecon)
	require.True(t, ok)
	assert.Equal(t, []string{AgentBootstrap}, recon.Prerequisites)

	report, ok := def.Agent(AgentReport)
	require.True(t, ok)
	assert.Len(t, report.Prerequisites, 5, "report must depend on every exploitation slot")
	for _, cat := range def.Categories() {
		assert.Contains(t, report.Prerequisites, ExploitAgentID(cat))
	}
}

func TestCategoryPipelinesAreIndependent(t *testing.T) {
	def := Default()

	for _, cat := range def.Categories() {
		analysis, ok := def.Agent(AnalysisAgentID(cat))
		require.True(t, ok, "missing analysis agent for %s", cat)
		exploit, ok := def.Agent(ExploitAgentID(cat))
		require.True(t, ok, "missing exploitation agent for %s", cat)

		assert.Equal(t, []string{AgentRecon}, analysis.Prerequisites)
		assert.Equal(t, []string{analysis.ID}, exploit.Prerequisites)

		// The pair shares one channel; no other category may use it.
		assert.Equal(t, analysis.ChannelID, exploit.ChannelID)
		for _, other := range def.Agents() {
			if other.Category != cat {
				assert.NotEqual(t, analysis.ChannelID, other.ChannelID,
					"channel %s leaked to agent %s", analysis.ChannelID, other.ID)
			}
		}

		// Analysis must declare the symmetric queue/report pair.
		assert.Contains(t, analysis.Deliverables, QueuePath(cat))
		assert.Contains(t, analysis.Deliverables, AnalysisReportPath(cat))

		// Both agents of a category own exactly that category's deliverable
		// directory; snapshot rollback scoping depends on it.
		assert.Equal(t, []string{"deliverables/" + cat}, analysis.ScopeDirs())
		assert.Equal(t, []string{"deliverables/" + cat}, exploit.ScopeDirs())
	}
}

func TestParallelGroups(t *testing.T) {
	def := Default()

	groups := def.ParallelGroups(schemas.PhaseAnalysis)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 5, "all five analysis agents may run concurrently")

	groups = def.ParallelGroups(schemas.PhaseBootstrap)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{AgentBootstrap}, groups[0])
}

func TestPrerequisitesMet(t *testing.T) {
	def := Default()
	completed := map[string]struct{}{}

	assert.True(t, def.PrerequisitesMet(AgentBootstrap, completed))
	assert.False(t, def.PrerequisitesMet(AgentRecon, completed))
	assert.False(t, def.PrerequisitesMet("no-such-agent", completed))

	completed[AgentBootstrap] = struct{}{}
	assert.True(t, def.PrerequisitesMet(AgentRecon, completed))

	completed[AgentRecon] = struct{}{}
	assert.True(t, def.PrerequisitesMet(AnalysisAgentID("xss"), completed))
	assert.False(t, def.PrerequisitesMet(ExploitAgentID("xss"), completed))
	assert.False(t, def.PrerequisitesMet(AgentReport, completed))

	for _, cat := range def.Categories() {
		completed[AnalysisAgentID(cat)] = struct{}{}
		completed[ExploitAgentID(cat)] = struct{}{}
	}
	assert.True(t, def.PrerequisitesMet(AgentReport, completed))
}

func TestValidateRejectsBrokenDAGs(t *testing.T) {
	t.Run("unknown prerequisite", func(t *testing.T) {
		def := Default()
		def.agents[0].Prerequisites = []string{"ghost"}
		def.byID[def.agents[0].ID] = def.agents[0]
		err := def.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown prerequisite")
	})

	t.Run("cycle", func(t *testing.T) {
		def := Default()
		boot := def.byID[AgentBootstrap]
		boot.Prerequisites = []string{AgentReport}
		def.byID[AgentBootstrap] = boot
		for i := range def.agents {
			if def.agents[i].ID == AgentBootstrap {
				def.agents[i] = boot
			}
		}
		err := def.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})
}
