package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/audit"
	"github.com/xkilldash9x/lancet/internal/collab"
	"github.com/xkilldash9x/lancet/internal/config"
	"github.com/xkilldash9x/lancet/internal/pipeline"
	"github.com/xkilldash9x/lancet/internal/runner"
	"github.com/xkilldash9x/lancet/internal/session"
	"github.com/xkilldash9x/lancet/internal/snapshot"
	"github.com/xkilldash9x/lancet/internal/validate"
)

// ErrUnknownSession is returned when a progress, summary, wait or cancel call
// names a session this controller is not driving.
var ErrUnknownSession = errors.New("workflow: unknown session")

// SummarySink receives terminal session summaries. The Postgres store
// implements it; a nil sink means summaries live only in the audit tree.
type SummarySink interface {
	SaveSummary(ctx context.Context, s schemas.SessionSummary) error
}

// sinkTimeout bounds the summary write to the sink after a session has already
// reached its terminal state; the session context may be dead by then.
const sinkTimeout = 10 * time.Second

// Controller walks sessions through the pipeline DAG: the sequential
// bootstrap and recon prefix, the five-way category fan-out across analysis
// and exploitation, and the final report. It owns cancellation, the session
// timeout, and terminal summary publication; per-attempt mechanics live in
// the runner and the retry policy in the scheduler.
type Controller struct {
	log         *zap.Logger
	def         *pipeline.Definition
	sessions    *session.Store
	exec        collab.Executor
	snapFactory snapshot.Factory
	sink        SummarySink

	pipe  config.PipelineConfig
	retry config.RetryConfig

	mu   sync.Mutex
	runs map[string]*run
}

// run is the controller-side state of one live or settled session.
type run struct {
	sess      *session.Session
	audit     *audit.Log
	runner    *runner.Runner
	validator *validate.Validator

	cancelled atomic.Bool
	done      chan struct{}

	mu           sync.Mutex
	status       schemas.SessionStatus
	phase        schemas.Phase
	currentAgent string
	completed    []string
	failed       []string
	skipped      []string
	totalCost    float64
	totalTokens  int64
	startedAt    time.Time
	updatedAt    time.Time
	summary      *schemas.SessionSummary
}

// New builds a controller over the given session store. The snapshot factory
// decides how work trees are checkpointed; sink may be nil.
func New(
	logger *zap.Logger,
	def *pipeline.Definition,
	sessions *session.Store,
	exec collab.Executor,
	snapFactory snapshot.Factory,
	sink SummarySink,
	pipeCfg config.PipelineConfig,
	retryCfg config.RetryConfig,
) (*Controller, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline definition rejected: %w", err)
	}
	return &Controller{
		log:         logger.Named("workflow"),
		def:         def,
		sessions:    sessions,
		exec:        exec,
		snapFactory: snapFactory,
		sink:        sink,
		pipe:        pipeCfg,
		retry:       retryCfg,
		runs:        make(map[string]*run),
	}, nil
}

// StartInput names the target of a pipeline session.
type StartInput struct {
	TargetURL string
	Branch    string
}

// StartPipeline creates a session and begins driving it in the background.
// The returned session ID is usable immediately with Progress, Cancel and
// Wait. ctx bounds the whole session together with the configured timeout.
func (c *Controller) StartPipeline(ctx context.Context, in StartInput) (string, error) {
	if in.TargetURL == "" {
		return "", errors.New("target URL is required")
	}
	sess, err := c.sessions.Create(in.TargetURL, in.Branch)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	auditLog, err := audit.New(sess.AuditDir)
	if err != nil {
		_ = c.sessions.Remove(sess.ID)
		return "", fmt.Errorf("opening audit log: %w", err)
	}
	snaps, err := c.snapFactory(sess.WorkDir)
	if err != nil {
		_ = c.sessions.Remove(sess.ID)
		return "", fmt.Errorf("opening snapshot store: %w", err)
	}
	validator := validate.New(sess.WorkDir, c.log)

	r := &run{
		sess:      sess,
		audit:     auditLog,
		validator: validator,
		runner:    runner.New(c.log, snaps, validator, auditLog, c.exec, c.retry.HeartbeatInterval),
		done:      make(chan struct{}),
		status:    schemas.SessionRunning,
		phase:     schemas.PhaseBootstrap,
		startedAt: time.Now().UTC(),
		updatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.runs[sess.ID] = r
	c.mu.Unlock()

	c.log.Info("Session started",
		zap.String("sessionID", sess.ID),
		zap.String("target", in.TargetURL),
		zap.String("branch", in.Branch),
	)
	go c.drive(ctx, r)
	return sess.ID, nil
}

// Run drives one session synchronously and returns its terminal summary.
func (c *Controller) Run(ctx context.Context, in StartInput) (schemas.SessionSummary, error) {
	id, err := c.StartPipeline(ctx, in)
	if err != nil {
		return schemas.SessionSummary{}, err
	}
	return c.Wait(id)
}

// Wait blocks until the session settles and returns its summary.
func (c *Controller) Wait(sessionID string) (schemas.SessionSummary, error) {
	r, err := c.run(sessionID)
	if err != nil {
		return schemas.SessionSummary{}, err
	}
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.summary, nil
}

// Progress returns the live view of a session.
func (c *Controller) Progress(sessionID string) (schemas.ProgressSnapshot, error) {
	r, err := c.run(sessionID)
	if err != nil {
		return schemas.ProgressSnapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return schemas.ProgressSnapshot{
		SessionID:       r.sess.ID,
		Status:          r.status,
		Phase:           r.phase,
		CurrentAgent:    r.currentAgent,
		CompletedAgents: append([]string(nil), r.completed...),
		FailedAgents:    append([]string(nil), r.failed...),
		SkippedAgents:   append([]string(nil), r.skipped...),
		StartedAt:       r.startedAt,
		UpdatedAt:       r.updatedAt,
	}, nil
}

// Summary returns the terminal summary, or nil while the session is running.
func (c *Controller) Summary(sessionID string) (*schemas.SessionSummary, error) {
	r, err := c.run(sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary == nil {
		return nil, nil
	}
	s := *r.summary
	return &s, nil
}

// Cancel requests cooperative cancellation. In-flight attempts finish (or
// roll back); no further agents are scheduled. Safe to call repeatedly.
func (c *Controller) Cancel(sessionID string) error {
	r, err := c.run(sessionID)
	if err != nil {
		return err
	}
	if r.cancelled.CompareAndSwap(false, true) {
		c.log.Info("Session cancellation requested", zap.String("sessionID", sessionID))
		_ = r.audit.Event(schemas.WorkflowEvent{
			Type:    schemas.EventSessionCancelled,
			Message: "cancellation requested",
		})
	}
	return nil
}

// RunJanitor sweeps expired session directories on the configured interval
// until ctx is done. Sessions this controller is actively driving are not
// swept because their directories stay young.
func (c *Controller) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(c.pipe.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sessions.Sweep(c.pipe.SessionMaxAge); n > 0 {
				c.log.Info("Swept expired sessions", zap.Int("count", n))
			}
		}
	}
}

func (c *Controller) run(sessionID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return r, nil
}

// drive walks one session through every phase. Agent failures inside a
// category pipeline are contained to that category; the session as a whole
// fails only on a prefix failure, a report failure, or a lost rollback path.
func (c *Controller) drive(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(ctx, c.pipe.SessionTimeout)
	defer cancel()

	_ = r.audit.Event(schemas.WorkflowEvent{
		Type:    schemas.EventSessionStarted,
		Message: r.sess.TargetURL,
	})

	// Sequential prefix. Everything downstream depends on these two, so a
	// terminal failure here fails the whole session.
	for _, phase := range []schemas.Phase{schemas.PhaseBootstrap, schemas.PhaseRecon} {
		if r.cancelled.Load() {
			c.finish(r, schemas.SessionCancelled, "", nil)
			return
		}
		r.setPhase(phase)
		_ = r.audit.Event(schemas.WorkflowEvent{Type: schemas.EventPhaseStarted, Phase: phase})
		for _, agent := range c.def.AgentsForPhase(phase) {
			if err := c.runAgent(ctx, r, agent); err != nil {
				if errors.Is(err, errCancelled) {
					c.finish(r, schemas.SessionCancelled, "", nil)
					return
				}
				c.finish(r, schemas.SessionFailed, agent.ID, err)
				return
			}
		}
	}

	// Five-way fan-out. Each category walks analysis and then, gated on its
	// own findings, exploitation; the exploitation phase is interleaved per
	// category rather than globally barriered.
	if r.cancelled.Load() {
		c.finish(r, schemas.SessionCancelled, "", nil)
		return
	}
	r.setPhase(schemas.PhaseAnalysis)
	_ = r.audit.Event(schemas.WorkflowEvent{Type: schemas.EventPhaseStarted, Phase: schemas.PhaseAnalysis})
	_ = r.audit.Event(schemas.WorkflowEvent{
		Type:    schemas.EventPhaseStarted,
		Phase:   schemas.PhaseExploitation,
		Message: "gated per category on analysis findings",
	})

	var g errgroup.Group
	for _, category := range c.def.Categories() {
		g.Go(func() error {
			return c.driveCategory(ctx, r, category)
		})
	}
	if err := g.Wait(); err != nil {
		// A lost rollback path leaves the shared work tree in an unknown
		// state, so no sibling result can be trusted.
		failedID := ""
		var af *agentFailure
		if errors.As(err, &af) {
			failedID = af.agentID
		}
		c.finish(r, schemas.SessionFailed, failedID, err)
		return
	}

	// Reporting runs regardless of category outcomes so partial results are
	// still summarized.
	if r.cancelled.Load() {
		c.finish(r, schemas.SessionCancelled, "", nil)
		return
	}
	r.setPhase(schemas.PhaseReporting)
	_ = r.audit.Event(schemas.WorkflowEvent{Type: schemas.EventPhaseStarted, Phase: schemas.PhaseReporting})
	report, _ := c.def.Agent(pipeline.AgentReport)
	if err := c.runAgent(ctx, r, report); err != nil {
		if errors.Is(err, errCancelled) {
			c.finish(r, schemas.SessionCancelled, "", nil)
			return
		}
		c.finish(r, schemas.SessionFailed, report.ID, err)
		return
	}
	c.finish(r, schemas.SessionCompleted, "", nil)
}

// agentFailure ties a category-pipeline error back to the agent that caused
// it so the session summary can name it.
type agentFailure struct {
	agentID string
	err     error
}

func (e *agentFailure) Error() string { return e.agentID + ": " + e.err.Error() }
func (e *agentFailure) Unwrap() error { return e.err }

// driveCategory runs one category's analysis then, if its exploit queue holds
// actionable findings, its exploitation agent. Ordinary failures stay inside
// the category; a failure with no rollback path is returned because it must
// fail the whole session.
func (c *Controller) driveCategory(ctx context.Context, r *run, category string) error {
	analysis, ok := c.def.Agent(pipeline.AnalysisAgentID(category))
	if !ok {
		return nil
	}
	exploit, ok := c.def.Agent(pipeline.ExploitAgentID(category))
	if !ok {
		return nil
	}
	if err := c.runAgent(ctx, r, analysis); err != nil {
		if errors.Is(err, runner.ErrNoRollbackPath) {
			return &agentFailure{agentID: analysis.ID, err: err}
		}
		if !errors.Is(err, errCancelled) {
			r.markSkipped(exploit)
			_ = r.audit.Event(schemas.WorkflowEvent{
				Type:    schemas.EventAgentSkipped,
				Phase:   schemas.PhaseExploitation,
				AgentID: exploit.ID,
				Message: "analysis did not complete",
			})
		}
		return nil
	}
	decision := r.validator.ExploitDecision(category)
	if !decision.ShouldExploit {
		r.markSkipped(exploit)
		c.log.Info("Exploitation skipped",
			zap.String("sessionID", r.sess.ID),
			zap.String("category", category),
			zap.String("reason", decision.Reason),
		)
		_ = r.audit.Event(schemas.WorkflowEvent{
			Type:    schemas.EventAgentSkipped,
			Phase:   schemas.PhaseExploitation,
			AgentID: exploit.ID,
			Message: decision.Reason,
		})
		return nil
	}
	if r.cancelled.Load() {
		return nil
	}
	if err := c.runAgent(ctx, r, exploit); err != nil && errors.Is(err, runner.ErrNoRollbackPath) {
		return &agentFailure{agentID: exploit.ID, err: err}
	}
	return nil
}

// finish seals the run: terminal status, summary on disk, optional sink
// write, terminal event. Exactly one caller wins; drive's control flow
// guarantees it is invoked once per session.
func (c *Controller) finish(r *run, status schemas.SessionStatus, failedAgent string, cause error) {
	now := time.Now().UTC()

	r.mu.Lock()
	r.status = status
	r.currentAgent = ""
	r.updatedAt = now
	sum := schemas.SessionSummary{
		SessionID:       r.sess.ID,
		Status:          status,
		TargetURL:       r.sess.TargetURL,
		Branch:          r.sess.Branch,
		StartedAt:       r.startedAt,
		EndedAt:         now,
		TotalDuration:   now.Sub(r.startedAt),
		TotalCostUSD:    r.totalCost,
		TotalTokens:     r.totalTokens,
		CompletedAgents: countWithoutReport(r.completed),
		FailedAgents:    countWithoutReport(r.failed),
		SkippedAgents:   countWithoutReport(r.skipped),
		FailedAgent:     failedAgent,
	}
	if cause != nil {
		sum.Error = cause.Error()
	}
	r.summary = &sum
	r.mu.Unlock()

	eventType := schemas.EventSessionCompleted
	switch status {
	case schemas.SessionFailed:
		eventType = schemas.EventSessionFailed
	case schemas.SessionCancelled:
		eventType = schemas.EventSessionCancelled
	}
	_ = r.audit.Event(schemas.WorkflowEvent{Type: eventType, AgentID: failedAgent, Message: sum.Error})

	if err := r.audit.WriteSummary(sum); err != nil {
		c.log.Error("Writing session summary failed",
			zap.String("sessionID", r.sess.ID), zap.Error(err))
	}
	if c.sink != nil {
		sinkCtx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := c.sink.SaveSummary(sinkCtx, sum); err != nil {
			c.log.Error("Persisting session summary failed",
				zap.String("sessionID", r.sess.ID), zap.Error(err))
		}
		cancel()
	}

	c.log.Info("Session settled",
		zap.String("sessionID", r.sess.ID),
		zap.String("status", string(status)),
		zap.Duration("duration", sum.TotalDuration),
		zap.Int("completed", sum.CompletedAgents),
		zap.Int("failed", sum.FailedAgents),
		zap.Int("skipped", sum.SkippedAgents),
	)
	close(r.done)
}

// countWithoutReport counts agents excluding the reporting agent, which is
// reflected in the session status rather than the agent tallies.
func countWithoutReport(ids []string) int {
	n := 0
	for _, id := range ids {
		if id != pipeline.AgentReport {
			n++
		}
	}
	return n
}

func (r *run) setPhase(phase schemas.Phase) {
	r.mu.Lock()
	r.phase = phase
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *run) setCurrent(agentID string) {
	r.mu.Lock()
	r.currentAgent = agentID
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
	r.sess.SetCurrentAgent(agentID)
}

func (r *run) markCompleted(agent schemas.AgentDefinition, rec schemas.AttemptRecord) {
	r.sess.MarkCompleted(agent.ID)
	r.mu.Lock()
	r.completed = append(r.completed, agent.ID)
	r.totalCost += rec.Metrics.CostUSD
	r.totalTokens += rec.Metrics.TokensIn + rec.Metrics.TokensOut
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *run) markFailed(agent schemas.AgentDefinition) {
	r.mu.Lock()
	r.failed = append(r.failed, agent.ID)
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *run) markSkipped(agent schemas.AgentDefinition) {
	r.mu.Lock()
	r.skipped = append(r.skipped, agent.ID)
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
}
