// Package postgres is the primary store implementation. Reservation relies
// on a single conditional UPDATE with FOR UPDATE SKIP LOCKED so concurrent
// reservers never receive the same job.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cloudq/pkg/job"
	"cloudq/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres using the given URL. MaxConns may be tuned via
// maxConns (zero keeps the pool default) to avoid exhausting the server.
func New(ctx context.Context, url string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// InitSchema creates the jobs table and its indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        queue TEXT NOT NULL,
        payload JSONB NOT NULL,
        state TEXT NOT NULL DEFAULT 'queued'
            CHECK (state IN ('queued', 'reserved', 'completed')),
        priority INTEGER NOT NULL DEFAULT 1,
        inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        expires_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_queue_state_inserted
        ON jobs (queue, state, inserted_at);
    CREATE INDEX IF NOT EXISTS idx_jobs_state_expires
        ON jobs (state, expires_at);
    `
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return unavailable("init schema", err)
	}
	return nil
}

const jobColumns = `id, queue, payload, state, priority, inserted_at, updated_at, expires_at`

func (s *Store) Enqueue(ctx context.Context, spec job.Spec) (*job.Job, error) {
	query := `INSERT INTO jobs (queue, payload, priority) VALUES ($1, $2, $3)
              RETURNING ` + jobColumns
	j, err := scanJob(s.pool.QueryRow(ctx, query, spec.Queue, spec.Payload, spec.Priority))
	if err != nil {
		return nil, unavailable("enqueue", err)
	}
	return j, nil
}

func (s *Store) ReserveOldest(ctx context.Context, queue string) (*job.Job, error) {
	// The inner SELECT picks the oldest queued job; SKIP LOCKED makes
	// concurrent reservers fall through to the next row instead of blocking
	// on (and then double-claiming) the same one.
	query := `
        UPDATE jobs
        SET state = 'reserved', updated_at = NOW(),
            expires_at = NOW() + ($2 * INTERVAL '1 second')
        WHERE id = (
            SELECT id FROM jobs
            WHERE queue = $1 AND state = 'queued'
            ORDER BY inserted_at, id
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + jobColumns
	j, err := scanJob(s.pool.QueryRow(ctx, query, queue, store.ReserveTTL.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoJob
		}
		return nil, unavailable("reserve", err)
	}
	return j, nil
}

func (s *Store) Complete(ctx context.Context, id string) (*job.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	query := `
        UPDATE jobs
        SET state = 'completed', updated_at = NOW(), expires_at = NULL
        WHERE id = $1 AND state = 'reserved'
        RETURNING ` + jobColumns
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("complete", err)
	}

	// No reserved row matched: distinguish a missing job from one in the
	// wrong state.
	var state string
	err = s.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("complete", err)
	}
	return nil, store.ErrInvalidState
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state`)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	defer rows.Close()

	stats := make(store.Stats)
	for rows.Next() {
		var queue, state string
		var count int64
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return nil, unavailable("stats", err)
		}
		byState, ok := stats[queue]
		if !ok {
			byState = make(map[job.State]int64)
			stats[queue] = byState
		}
		byState[job.State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("stats", err)
	}
	return stats, nil
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE jobs
        SET state = 'queued', updated_at = NOW(), expires_at = NULL
        WHERE state = 'reserved' AND expires_at <= $1`, now)
	if err != nil {
		return 0, unavailable("reclaim expired", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &j.State, &j.Priority,
		&j.InsertedAt, &j.UpdatedAt, &j.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w", op, errors.Join(store.ErrUnavailable, err))
}
