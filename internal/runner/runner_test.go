package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/audit"
	"github.com/xkilldash9x/lancet/internal/classify"
	"github.com/xkilldash9x/lancet/internal/collab"
	"github.com/xkilldash9x/lancet/internal/pipeline"
	"github.com/xkilldash9x/lancet/internal/session"
	"github.com/xkilldash9x/lancet/internal/snapshot"
	"github.com/xkilldash9x/lancet/internal/validate"
)

type harness struct {
	runner *Runner
	sess   *session.Session
	audit  *audit.Log
}

func newHarness(t *testing.T, exec collab.Executor) *harness {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	sess, err := store.Create("https://target.test", "main")
	require.NoError(t, err)

	snaps, err := snapshot.NewMemoryStore(sess.WorkDir)
	require.NoError(t, err)
	auditLog, err := audit.New(sess.AuditDir)
	require.NoError(t, err)
	validator := validate.New(sess.WorkDir, zap.NewNop())

	return &harness{
		runner: New(zap.NewNop(), snaps, validator, auditLog, exec, 10*time.Millisecond),
		sess:   sess,
		audit:  auditLog,
	}
}

func writeDeliverables(t *testing.T, workDir string, agent schemas.AgentDefinition, content string) {
	t.Helper()
	for _, rel := range agent.Deliverables {
		abs := filepath.Join(workDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func agentByID(t *testing.T, id string) schemas.AgentDefinition {
	t.Helper()
	agent, ok := pipeline.Default().Agent(id)
	require.True(t, ok)
	return agent
}

func TestRunAttemptSuccess(t *testing.T) {
	agent := agentByID(t, pipeline.AgentBootstrap)
	var h *harness
	exec := collab.ExecutorFunc(func(ctx context.Context, tc collab.TaskContext) (*collab.Result, error) {
		assert.Equal(t, "bootstrap", tc.TemplateID)
		assert.Equal(t, h.sess.WorkDir, tc.WorkDir)
		writeDeliverables(t, tc.WorkDir, agent, "# environment\n")
		return &collab.Result{Metrics: collab.Metrics{TokensIn: 100, CostUSD: 0.01}}, nil
	})
	h = newHarness(t, exec)

	rec, err := h.runner.RunAttempt(context.Background(), h.sess, agent, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.AttemptCompleted, rec.Status)
	assert.NotEmpty(t, rec.CheckpointID)
	assert.NotEmpty(t, rec.SnapshotID)
	assert.Equal(t, int64(100), rec.Metrics.TokensIn)

	// Session tracked the checkpoint; audit holds start + completion.
	cp, ok := h.sess.Checkpoint(agent.ID)
	assert.True(t, ok)
	assert.Equal(t, rec.CheckpointID, cp)

	records, err := h.audit.ReadAttempts(agent.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, schemas.AttemptStarted, records[0].Status)
	assert.Equal(t, schemas.AttemptCompleted, records[1].Status)
}

func TestRunAttemptDelegateFailureRollsBack(t *testing.T) {
	agent := agentByID(t, pipeline.AgentRecon)
	var h *harness
	exec := collab.ExecutorFunc(func(ctx context.Context, tc collab.TaskContext) (*collab.Result, error) {
		// Partial write before the failure: must vanish on rollback.
		writeDeliverables(t, tc.WorkDir, agent, "partial")
		return nil, errors.New("upstream server error (503)")
	})
	h = newHarness(t, exec)

	rec, err := h.runner.RunAttempt(context.Background(), h.sess, agent, 1, nil)
	require.Error(t, err)
	assert.Equal(t, schemas.AttemptFailed, rec.Status)
	assert.True(t, classify.Classify(err).Retryable)

	for _, rel := range agent.Deliverables {
		_, statErr := os.Stat(filepath.Join(h.sess.WorkDir, rel))
		assert.True(t, os.IsNotExist(statErr), "partial deliverable %s survived rollback", rel)
	}
}

func TestRunAttemptValidationFailureRollsBack(t *testing.T) {
	agent := agentByID(t, pipeline.AnalysisAgentID("xss"))
	exec := collab.ExecutorFunc(func(ctx context.Context, tc collab.TaskContext) (*collab.Result, error) {
		// Collaborator claims success but only writes the report half of the
		// symmetric pair.
		abs := filepath.Join(tc.WorkDir, pipeline.AnalysisReportPath("xss"))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte("# report\n"), 0o644))
		return &collab.Result{}, nil
	})
	h := newHarness(t, exec)

	rec, err := h.runner.RunAttempt(context.Background(), h.sess, agent, 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, classify.ErrValidation)
	assert.True(t, classify.Classify(err).Retryable, "validation failures retry like transient errors")
	assert.Equal(t, schemas.AttemptFailed, rec.Status)

	// The asymmetric report must be gone: the producing agent retries from a
	// clean tree rather than partially repairing the pair.
	_, statErr := os.Stat(filepath.Join(h.sess.WorkDir, pipeline.AnalysisReportPath("xss")))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunAttemptRollsBackAfterContextCancelled(t *testing.T) {
	// The scheduler's watchdog kills a hung attempt by cancelling its context.
	// The rollback that follows must still run; otherwise the dead attempt's
	// partial writes leak into the retry.
	agent := agentByID(t, pipeline.AgentBootstrap)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := collab.ExecutorFunc(func(ctx context.Context, tc collab.TaskContext) (*collab.Result, error) {
		writeDeliverables(t, tc.WorkDir, agent, "partial")
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, exec)

	rec, err := h.runner.RunAttempt(ctx, h.sess, agent, 1, nil)
	require.Error(t, err)
	assert.Equal(t, schemas.AttemptFailed, rec.Status)
	assert.NotErrorIs(t, err, ErrNoRollbackPath)

	for _, rel := range agent.Deliverables {
		_, statErr := os.Stat(filepath.Join(h.sess.WorkDir, rel))
		assert.True(t, os.IsNotExist(statErr),
			"partial write %s survived the cancelled attempt", rel)
	}
}

func TestRunAttemptHeartbeat(t *testing.T) {
	agent := agentByID(t, pipeline.AgentBootstrap)
	exec := collab.ExecutorFunc(func(ctx context.Context, tc collab.TaskContext) (*collab.Result, error) {
		time.Sleep(60 * time.Millisecond)
		writeDeliverables(t, tc.WorkDir, agent, "ok")
		return &collab.Result{}, nil
	})
	h := newHarness(t, exec)

	var beats atomic.Int64
	_, err := h.runner.RunAttempt(context.Background(), h.sess, agent, 1, func() {
		beats.Add(1)
	})
	require.NoError(t, err)
	// One immediate beat plus several ticks across the 60ms delegate call.
	assert.GreaterOrEqual(t, beats.Load(), int64(3))
}

func TestRunAttemptRecordsRetriesSeparately(t *testing.T) {
	agent := agentByID(t, pipeline.AgentBootstrap)
	var calls atomic.Int64
	exec := collab.ExecutorFunc(func(ctx context.Context, tc collab.TaskContext) (*collab.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("execution service rate limited the request (429)")
		}
		writeDeliverables(t, tc.WorkDir, agent, "ok")
		return &collab.Result{}, nil
	})
	h := newHarness(t, exec)

	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		rec, err := h.runner.RunAttempt(ctx, h.sess, agent, attempt, nil)
		if attempt < 3 {
			require.Error(t, err)
			assert.Equal(t, schemas.AttemptFailed, rec.Status)
		} else {
			require.NoError(t, err)
			assert.Equal(t, schemas.AttemptCompleted, rec.Status)
		}
	}

	records, err := h.audit.ReadAttempts(agent.ID)
	require.NoError(t, err)
	// Three starts and three terminal records, appended, never mutated.
	require.Len(t, records, 6)
	var completed int
	for _, rec := range records {
		if rec.Status == schemas.AttemptCompleted {
			completed++
			assert.Equal(t, 3, rec.Attempt, "only the third attempt completes")
		}
	}
	assert.Equal(t, 1, completed)
}
