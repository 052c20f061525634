package store

import (
	"context"
	"errors"
	"time"

	"cloudq/pkg/job"
)

var (
	// ErrNoJob means no queued job exists for the requested queue. It is an
	// expected outcome of ReserveOldest, not a failure.
	ErrNoJob = errors.New("no queued job")

	// ErrNotFound means the referenced job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState means the job exists but is not in the state the
	// operation requires (e.g. completing a job that is not reserved).
	ErrInvalidState = errors.New("job not in reserved state")

	// ErrUnavailable wraps I/O failures of the backing store. The broker
	// never retries internally; retries belong to the caller.
	ErrUnavailable = errors.New("job store unavailable")
)

// ReserveTTL is how long a reservation may sit uncompleted before it is
// eligible for reclamation.
const ReserveTTL = 24 * time.Hour

// Stats maps queue name to per-state job counts. Best-effort snapshot.
type Stats map[string]map[job.State]int64

// Store is the persistence contract for jobs. Reservation atomicity is the
// store's responsibility: ReserveOldest must be a single atomic operation in
// the backing datastore, never a find-then-update in application code.
type Store interface {
	// Enqueue persists a new job in queued state and returns it with its
	// store-assigned id and timestamps.
	Enqueue(ctx context.Context, spec job.Spec) (*job.Job, error)

	// ReserveOldest atomically transitions the queued job with the smallest
	// inserted_at for the queue to reserved and returns it. Returns ErrNoJob
	// when the queue has no queued job. Two concurrent callers never receive
	// the same job.
	ReserveOldest(ctx context.Context, queue string) (*job.Job, error)

	// Complete transitions a reserved job to completed. Returns ErrNotFound
	// for an unknown id and ErrInvalidState when the job is not reserved.
	Complete(ctx context.Context, id string) (*job.Job, error)

	// Stats returns per-queue, per-state job counts from a recent
	// consistent snapshot.
	Stats(ctx context.Context) (Stats, error)

	// ReclaimExpired requeues reserved jobs whose expiry has passed and
	// returns how many were requeued.
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)

	// Ping checks datastore connectivity.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
