package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/audit"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// The shared rootCmd keeps flag values between executions; reset the
	// version flag so a prior --version run does not leak into this one.
	if f := rootCmd.Flags().Lookup("version"); f != nil {
		require.NoError(t, f.Value.Set("false"))
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeRoot(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeRoot(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Lancet orchestrates")
}

// seedSession writes a settled session's audit tree under root.
func seedSession(t *testing.T, root, sessionID string) {
	t.Helper()
	auditDir := filepath.Join(root, sessionID, "audit")
	require.NoError(t, os.MkdirAll(auditDir, 0o755))
	log, err := audit.New(auditDir)
	require.NoError(t, err)
	require.NoError(t, log.Event(schemas.WorkflowEvent{Type: schemas.EventSessionStarted}))
	require.NoError(t, log.WriteSummary(schemas.SessionSummary{
		SessionID:       sessionID,
		Status:          schemas.SessionCompleted,
		TargetURL:       "https://target.test",
		StartedAt:       time.Now().UTC().Add(-time.Hour),
		EndedAt:         time.Now().UTC(),
		CompletedAgents: 7,
		SkippedAgents:   5,
	}))
}

func TestStatusCmd_PrintsSummary(t *testing.T) {
	root := t.TempDir()
	t.Setenv("LANCET_PIPELINE_SESSION_ROOT", root)
	seedSession(t, root, "abc-123")

	out, err := executeRoot(t, "status", "abc-123")
	require.NoError(t, err)
	assert.Contains(t, out, "abc-123")
	assert.Contains(t, out, string(schemas.SessionCompleted))
}

func TestStatusCmd_RunningSessionReportsLastEvent(t *testing.T) {
	root := t.TempDir()
	t.Setenv("LANCET_PIPELINE_SESSION_ROOT", root)

	auditDir := filepath.Join(root, "live-1", "audit")
	require.NoError(t, os.MkdirAll(auditDir, 0o755))
	log, err := audit.New(auditDir)
	require.NoError(t, err)
	require.NoError(t, log.Event(schemas.WorkflowEvent{
		Type:    schemas.EventAgentStarted,
		AgentID: "recon",
	}))

	out, err := executeRoot(t, "status", "live-1")
	require.NoError(t, err)
	assert.Contains(t, out, "still running")
	assert.Contains(t, out, "recon")
}

func TestStatusCmd_UnknownSession(t *testing.T) {
	t.Setenv("LANCET_PIPELINE_SESSION_ROOT", t.TempDir())

	_, err := executeRoot(t, "status", "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session found")
}

func TestWatchCmd_MissingLog(t *testing.T) {
	t.Setenv("LANCET_PIPELINE_SESSION_ROOT", t.TempDir())

	_, err := executeRoot(t, "watch", "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workflow log found")
}
