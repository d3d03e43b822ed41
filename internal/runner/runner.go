// Package runner executes one attempt of one agent through its full
// lifecycle: checkpoint, delegate to the execution collaborator, validate
// deliverables, then commit or roll back. The runner owns no retry loop and
// no backoff timing; the workflow scheduler re-invokes it with an
// incrementing attempt number, so one uniform retry policy applies to every
// agent.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/audit"
	"github.com/xkilldash9x/lancet/internal/classify"
	"github.com/xkilldash9x/lancet/internal/collab"
	"github.com/xkilldash9x/lancet/internal/session"
	"github.com/xkilldash9x/lancet/internal/snapshot"
	"github.com/xkilldash9x/lancet/internal/validate"
)

// ErrNoRollbackPath marks attempts that failed before a checkpoint existed.
// The scheduler must not retry these: the work tree state is unknown and a
// retry could compound partial writes.
var ErrNoRollbackPath = errors.New("no rollback path for attempt")

const defaultHeartbeatInterval = 5 * time.Second

// Runner drives individual attempts for one session.
type Runner struct {
	log       *zap.Logger
	snaps     snapshot.Store
	validator *validate.Validator
	audit     *audit.Log
	exec      collab.Executor

	heartbeatInterval time.Duration
}

// New wires a runner for one session's stores.
func New(
	logger *zap.Logger,
	snaps snapshot.Store,
	validator *validate.Validator,
	auditLog *audit.Log,
	exec collab.Executor,
	heartbeatInterval time.Duration,
) *Runner {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	return &Runner{
		log:               logger.Named("runner"),
		snaps:             snaps,
		validator:         validator,
		audit:             auditLog,
		exec:              exec,
		heartbeatInterval: heartbeatInterval,
	}
}

// RunAttempt executes one attempt. The heartbeat callback fires periodically
// for the duration of the delegate call so the supervising scheduler can
// detect a hung attempt. On any failure the work tree is rolled back to the
// checkpoint taken at the top of the attempt before the error is returned;
// validation and commit errors always propagate after rollback.
func (r *Runner) RunAttempt(
	ctx context.Context,
	sess *session.Session,
	agent schemas.AgentDefinition,
	attempt int,
	heartbeat func(),
) (schemas.AttemptRecord, error) {
	rec := schemas.AttemptRecord{
		AgentID:   agent.ID,
		Attempt:   attempt,
		Status:    schemas.AttemptStarted,
		StartedAt: time.Now().UTC(),
	}
	if err := r.audit.RecordAttempt(rec); err != nil {
		r.log.Warn("Failed to record attempt start", zap.String("agent", agent.ID), zap.Error(err))
	}

	cpID, err := r.snaps.Checkpoint(ctx, agent.ID, agent.ScopeDirs())
	if err != nil {
		err = fmt.Errorf("%w: checkpoint failed: %v", ErrNoRollbackPath, err)
		return r.fail(rec, err)
	}
	rec.CheckpointID = cpID
	sess.SetCheckpoint(agent.ID, cpID)

	r.log.Info("Delegating attempt",
		zap.String("sessionID", sess.ID),
		zap.String("agent", agent.ID),
		zap.Int("attempt", attempt),
		zap.String("checkpoint", cpID),
	)

	stop := r.startHeartbeat(heartbeat)
	res, execErr := r.exec.Execute(ctx, collab.TaskContext{
		SessionID:  sess.ID,
		AgentID:    agent.ID,
		TemplateID: agent.TemplateID,
		ChannelID:  agent.ChannelID,
		Attempt:    attempt,
		TargetURL:  sess.TargetURL,
		Branch:     sess.Branch,
		WorkDir:    sess.WorkDir,
	})
	stop()

	if execErr != nil {
		if rbErr := r.rollback(ctx, agent.ID); rbErr != nil {
			execErr = fmt.Errorf("rollback after delegate failure also failed: %v (original: %w)", rbErr, execErr)
		}
		return r.fail(rec, fmt.Errorf("delegate call failed: %w", execErr))
	}

	vres := r.validator.CheckDeliverables(agent)
	if !vres.Valid {
		if rbErr := r.rollback(ctx, agent.ID); rbErr != nil {
			return r.fail(rec, fmt.Errorf("rollback after validation failure also failed: %w", rbErr))
		}
		err := fmt.Errorf("%w for agent %s: missing=%v errors=%v",
			classify.ErrValidation, agent.ID, vres.MissingFiles, vres.Errors)
		return r.fail(rec, err)
	}

	snapID, err := r.snaps.Commit(ctx, agent.ID, attempt)
	if err != nil {
		if rbErr := r.rollback(ctx, agent.ID); rbErr != nil {
			return r.fail(rec, fmt.Errorf("rollback after commit failure also failed: %v (original: %w)", rbErr, err))
		}
		return r.fail(rec, fmt.Errorf("commit failed: %w", err))
	}

	rec.Status = schemas.AttemptCompleted
	rec.EndedAt = time.Now().UTC()
	rec.SnapshotID = snapID
	rec.Metrics = schemas.UsageMetrics{
		Duration:  res.Metrics.Duration,
		TokensIn:  res.Metrics.TokensIn,
		TokensOut: res.Metrics.TokensOut,
		CostUSD:   res.Metrics.CostUSD,
	}
	if rec.Metrics.Duration == 0 {
		rec.Metrics.Duration = rec.EndedAt.Sub(rec.StartedAt)
	}

	if err := r.audit.RecordAttempt(rec); err != nil {
		r.log.Warn("Failed to record attempt completion", zap.String("agent", agent.ID), zap.Error(err))
	}
	r.log.Info("Attempt completed",
		zap.String("sessionID", sess.ID),
		zap.String("agent", agent.ID),
		zap.Int("attempt", attempt),
		zap.String("snapshot", snapID),
	)
	return rec, nil
}

// rollback restores the work tree under a context detached from the attempt.
// The attempt context is usually already dead here (heartbeat watchdog,
// session timeout, cancellation), and a rollback skipped on that account would
// leave the failed attempt's partial writes in place for the retry.
func (r *Runner) rollback(ctx context.Context, agentID string) error {
	return r.snaps.Rollback(context.WithoutCancel(ctx), agentID)
}

// fail finalizes and records a failed attempt record.
func (r *Runner) fail(rec schemas.AttemptRecord, cause error) (schemas.AttemptRecord, error) {
	rec.Status = schemas.AttemptFailed
	rec.EndedAt = time.Now().UTC()
	rec.Metrics.Duration = rec.EndedAt.Sub(rec.StartedAt)
	rec.Error = cause.Error()

	if err := r.audit.RecordAttempt(rec); err != nil {
		r.log.Warn("Failed to record attempt failure", zap.String("agent", rec.AgentID), zap.Error(err))
	}
	r.log.Warn("Attempt failed",
		zap.String("agent", rec.AgentID),
		zap.Int("attempt", rec.Attempt),
		zap.Error(cause),
	)
	return rec, cause
}

// startHeartbeat emits one immediate beat and then one per interval until the
// returned stop function is called.
func (r *Runner) startHeartbeat(beat func()) (stop func()) {
	if beat == nil {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		beat()
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
