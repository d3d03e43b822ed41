package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/classify"
	"github.com/xkilldash9x/lancet/internal/runner"
)

// errCancelled marks an agent that was never started because cancellation was
// observed at a scheduling boundary.
var errCancelled = errors.New("session cancelled before agent start")

// runAgent drives one agent to a terminal outcome, applying the uniform retry
// policy: exponential backoff with strictly increasing delays, a bounded
// attempt count, and an immediate stop on non-retryable classifications. The
// task runner itself owns no retry logic; it is re-invoked here with an
// incrementing attempt number.
func (c *Controller) runAgent(ctx context.Context, r *run, agent schemas.AgentDefinition) error {
	if r.cancelled.Load() {
		return errCancelled
	}
	r.setCurrent(agent.ID)
	defer r.setCurrent("")

	_ = r.audit.Event(schemas.WorkflowEvent{
		Type:    schemas.EventAgentStarted,
		Phase:   agent.Phase,
		AgentID: agent.ID,
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialBackoff
	bo.MaxInterval = c.retry.MaxBackoff
	bo.Multiplier = c.retry.BackoffMultiplier
	// Deterministic delays; the policy is strictly increasing, not jittered.
	bo.RandomizationFactor = 0
	// The attempt count, not elapsed time, bounds the loop.
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if r.cancelled.Load() {
			return errCancelled
		}
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("session window closed: %w", err)
			break
		}

		rec, err := c.runAttempt(ctx, r, agent, attempt)
		if err == nil {
			r.markCompleted(agent, rec)
			_ = r.audit.Event(schemas.WorkflowEvent{
				Type:    schemas.EventAgentCompleted,
				Phase:   agent.Phase,
				AgentID: agent.ID,
				Attempt: attempt,
			})
			return nil
		}
		lastErr = err

		if errors.Is(err, runner.ErrNoRollbackPath) {
			// The work tree state is unknown; retrying could compound
			// partial writes.
			break
		}
		cls := classify.Classify(err)
		if !cls.Retryable || attempt == c.retry.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		c.log.Warn("Agent attempt failed; backing off",
			zap.String("sessionID", r.sess.ID),
			zap.String("agent", agent.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(cls.Kind)),
			zap.Error(err),
		)
		_ = r.audit.Event(schemas.WorkflowEvent{
			Type:    schemas.EventAgentRetrying,
			Phase:   agent.Phase,
			AgentID: agent.ID,
			Attempt: attempt + 1,
			Message: err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = fmt.Errorf("session window closed during backoff: %w", ctx.Err())
			attempt = c.retry.MaxAttempts // force exit
		}
	}

	r.markFailed(agent)
	_ = r.audit.Event(schemas.WorkflowEvent{
		Type:    schemas.EventAgentFailed,
		Phase:   agent.Phase,
		AgentID: agent.ID,
		Message: lastErr.Error(),
	})
	return lastErr
}

// runAttempt executes one attempt under heartbeat supervision. The runner
// beats for the duration of its delegate call; silence past the configured
// timeout means the attempt is hung, so its context is cancelled, the runner
// is left to finish its rollback, and the result surfaces as a retryable
// timeout.
func (c *Controller) runAttempt(ctx context.Context, r *run, agent schemas.AgentDefinition, attempt int) (schemas.AttemptRecord, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	beats := make(chan struct{}, 1)
	type outcome struct {
		rec schemas.AttemptRecord
		err error
	}
	outCh := make(chan outcome, 1)

	go func() {
		rec, err := r.runner.RunAttempt(attemptCtx, r.sess, agent, attempt, func() {
			select {
			case beats <- struct{}{}:
			default:
			}
		})
		outCh <- outcome{rec: rec, err: err}
	}()

	timer := time.NewTimer(c.retry.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case out := <-outCh:
			return out.rec, out.err
		case <-beats:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.retry.HeartbeatTimeout)
		case <-timer.C:
			cancel()
			// Wait for the runner so its rollback completes before the
			// scheduler moves on; two attempts must never overlap.
			out := <-outCh
			if out.err == nil {
				// Finished exactly at the boundary; a completed attempt
				// stands.
				return out.rec, nil
			}
			return out.rec, fmt.Errorf("attempt timed out: no heartbeat within %s: %w",
				c.retry.HeartbeatTimeout, out.err)
		}
	}
}
