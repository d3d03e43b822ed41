// Package store persists terminal session summaries to PostgreSQL so they
// outlive the per-session audit trees on disk. Persistence is optional; the
// workflow controller treats a nil store as "audit tree only".
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/api/schemas"
)

// ErrNotFound is returned when no summary exists for a session ID.
var ErrNotFound = errors.New("store: summary not found")

// DBPool abstracts pgxpool.Pool for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL summary sink.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New verifies the connection and returns a store.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const createSummariesTable = `
    CREATE TABLE IF NOT EXISTS session_summaries (
        session_id       TEXT PRIMARY KEY,
        status           TEXT NOT NULL,
        target_url       TEXT NOT NULL,
        branch           TEXT NOT NULL DEFAULT '',
        started_at       TIMESTAMPTZ NOT NULL,
        ended_at         TIMESTAMPTZ NOT NULL,
        duration_ns      BIGINT NOT NULL,
        total_cost_usd   DOUBLE PRECISION NOT NULL,
        total_tokens     BIGINT NOT NULL,
        completed_agents INT NOT NULL,
        failed_agents    INT NOT NULL,
        skipped_agents   INT NOT NULL,
        failed_agent     TEXT NOT NULL DEFAULT '',
        error            TEXT NOT NULL DEFAULT ''
    );
`

// EnsureSchema creates the summaries table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createSummariesTable); err != nil {
		return fmt.Errorf("failed to create session_summaries table: %w", err)
	}
	return nil
}

const upsertSummary = `
    INSERT INTO session_summaries (
        session_id, status, target_url, branch, started_at, ended_at,
        duration_ns, total_cost_usd, total_tokens,
        completed_agents, failed_agents, skipped_agents, failed_agent, error
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    ON CONFLICT (session_id) DO UPDATE SET
        status = EXCLUDED.status,
        ended_at = EXCLUDED.ended_at,
        duration_ns = EXCLUDED.duration_ns,
        total_cost_usd = EXCLUDED.total_cost_usd,
        total_tokens = EXCLUDED.total_tokens,
        completed_agents = EXCLUDED.completed_agents,
        failed_agents = EXCLUDED.failed_agents,
        skipped_agents = EXCLUDED.skipped_agents,
        failed_agent = EXCLUDED.failed_agent,
        error = EXCLUDED.error;
`

// SaveSummary upserts one terminal summary. Timestamps are stored in UTC to
// prevent ambiguity.
func (s *Store) SaveSummary(ctx context.Context, sum schemas.SessionSummary) error {
	_, err := s.pool.Exec(ctx, upsertSummary,
		sum.SessionID, string(sum.Status), sum.TargetURL, sum.Branch,
		sum.StartedAt.UTC(), sum.EndedAt.UTC(),
		int64(sum.TotalDuration), sum.TotalCostUSD, sum.TotalTokens,
		sum.CompletedAgents, sum.FailedAgents, sum.SkippedAgents,
		sum.FailedAgent, sum.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session summary: %w", err)
	}
	return nil
}

const selectSummary = `
    SELECT session_id, status, target_url, branch, started_at, ended_at,
           duration_ns, total_cost_usd, total_tokens,
           completed_agents, failed_agents, skipped_agents, failed_agent, error
    FROM session_summaries
    WHERE session_id = $1;
`

// GetSummary fetches the summary of one session.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*schemas.SessionSummary, error) {
	row := s.pool.QueryRow(ctx, selectSummary, sessionID)
	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to query session summary: %w", err)
	}
	return sum, nil
}

const selectRecent = `
    SELECT session_id, status, target_url, branch, started_at, ended_at,
           duration_ns, total_cost_usd, total_tokens,
           completed_agents, failed_agents, skipped_agents, failed_agent, error
    FROM session_summaries
    ORDER BY started_at DESC
    LIMIT $1;
`

// ListRecent returns up to limit summaries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]schemas.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session summaries: %w", err)
	}
	defer rows.Close()

	var out []schemas.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out = append(out, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func scanSummary(row pgx.Row) (*schemas.SessionSummary, error) {
	var (
		sum        schemas.SessionSummary
		status     string
		durationNS int64
	)
	err := row.Scan(
		&sum.SessionID, &status, &sum.TargetURL, &sum.Branch,
		&sum.StartedAt, &sum.EndedAt,
		&durationNS, &sum.TotalCostUSD, &sum.TotalTokens,
		&sum.CompletedAgents, &sum.FailedAgents, &sum.SkippedAgents,
		&sum.FailedAgent, &sum.Error,
	)
	if err != nil {
		return nil, err
	}
	sum.Status = schemas.SessionStatus(status)
	sum.TotalDuration = time.Duration(durationNS)
	return &sum, nil
}
