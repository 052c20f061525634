// Package memory is a fully in-memory store implementation. Safe for
// concurrent access. Intended for tests and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudq/pkg/job"
	"cloudq/pkg/store"
)

var _ store.Store = (*Store)(nil)

// record pairs a job with an insertion sequence number so reservation order
// stays deterministic even when inserted_at timestamps collide.
type record struct {
	job *job.Job
	seq uint64
}

// Store is a mutex-guarded map of jobs.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*record
	seq  uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*record)}
}

func (m *Store) Enqueue(_ context.Context, spec job.Spec) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	j := &job.Job{
		ID:         uuid.NewString(),
		Queue:      spec.Queue,
		Payload:    spec.Payload,
		State:      job.StateQueued,
		Priority:   spec.Priority,
		InsertedAt: now,
		UpdatedAt:  now,
	}
	m.seq++
	m.jobs[j.ID] = &record{job: j, seq: m.seq}

	cp := *j
	return &cp, nil
}

func (m *Store) ReserveOldest(_ context.Context, queue string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *record
	for _, r := range m.jobs {
		if r.job.Queue != queue || r.job.State != job.StateQueued {
			continue
		}
		if oldest == nil || r.seq < oldest.seq {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, store.ErrNoJob
	}

	now := time.Now().UTC()
	expires := now.Add(store.ReserveTTL)
	oldest.job.State = job.StateReserved
	oldest.job.UpdatedAt = now
	oldest.job.ExpiresAt = &expires

	cp := *oldest.job
	return &cp, nil
}

func (m *Store) Complete(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.job.State != job.StateReserved {
		return nil, store.ErrInvalidState
	}

	r.job.State = job.StateCompleted
	r.job.UpdatedAt = time.Now().UTC()
	r.job.ExpiresAt = nil

	cp := *r.job
	return &cp, nil
}

func (m *Store) Stats(_ context.Context) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(store.Stats)
	for _, r := range m.jobs {
		byState, ok := stats[r.job.Queue]
		if !ok {
			byState = make(map[job.State]int64)
			stats[r.job.Queue] = byState
		}
		byState[r.job.State]++
	}
	return stats, nil
}

func (m *Store) ReclaimExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.jobs {
		if r.job.State != job.StateReserved || r.job.ExpiresAt == nil {
			continue
		}
		if r.job.ExpiresAt.After(now) {
			continue
		}
		r.job.State = job.StateQueued
		r.job.UpdatedAt = now.UTC()
		r.job.ExpiresAt = nil
		n++
	}
	return n, nil
}

func (m *Store) Ping(_ context.Context) error { return nil }

func (m *Store) Close() error { return nil }
