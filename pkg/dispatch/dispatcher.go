// Package dispatch reconciles atomic job reservation against the store with
// consumers willing to block until a job becomes available.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"cloudq/pkg/job"
	"cloudq/pkg/observability"
	"cloudq/pkg/store"
)

// DefaultTimeout bounds how long a consume request is held open.
const DefaultTimeout = 500 * time.Millisecond

// Notifier announces local publishes to dispatchers on other nodes sharing
// the same store. Optional; nil means single-node operation.
type Notifier interface {
	JobPublished(ctx context.Context, queue string) error
}

// Dispatcher owns the pending-consumer registry and implements the publish
// and consume algorithms. Safe for arbitrary concurrent callers.
type Dispatcher struct {
	store    store.Store
	registry *Registry
	timeout  time.Duration
	notifier Notifier
	logger   *slog.Logger

	// sessions counts attached persistent worker connections; purely
	// observational, no effect on dispatch.
	sessions atomic.Int64
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the long-poll wait window.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithNotifier attaches a cross-node publish notifier.
func WithNotifier(n Notifier) Option {
	return func(dp *Dispatcher) { dp.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = l }
}

// New creates a Dispatcher over the given store.
func New(st store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		registry: NewRegistry(),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish validates and enqueues a job, then tries to fulfill blocked
// consumers on that queue. Returns the created job descriptor. With no
// waiter the job simply sits queued until a future consume reserves it.
func (d *Dispatcher) Publish(ctx context.Context, queue string, payload []byte, priority int) (*job.Job, error) {
	spec, err := job.NewSpec(queue, payload, priority)
	if err != nil {
		return nil, err
	}

	created, err := d.store.Enqueue(ctx, spec)
	if err != nil {
		return nil, err
	}
	observability.JobsPublished.WithLabelValues(queue).Inc()

	d.dispatch(ctx, queue)

	if d.notifier != nil {
		if err := d.notifier.JobPublished(ctx, queue); err != nil {
			d.logger.Warn("publish notification failed", "queue", queue, "error", err)
		}
	}
	return created, nil
}

// Wake runs the fulfillment loop for a queue. Called when another node
// announces a publish for a store this node shares.
func (d *Dispatcher) Wake(ctx context.Context, queue string) {
	d.dispatch(ctx, queue)
}

// dispatch pairs queued jobs with blocked consumers until either side runs
// out. Reservation is re-checked per waiter rather than assuming the just
// enqueued job is still there: a concurrent consume may have taken it.
func (d *Dispatcher) dispatch(ctx context.Context, queue string) {
	for {
		w := d.registry.PopOneWaiting(queue)
		if w == nil {
			return
		}

		j, err := d.store.ReserveOldest(ctx, queue)
		if err != nil {
			// Lost the race or the store is down; either way the waiter is
			// still pending: put it back for the next publish or its own
			// timeout.
			d.registry.Release(w)
			if !errors.Is(err, store.ErrNoJob) {
				d.logger.Error("reserve during dispatch failed", "queue", queue, "error", err)
			}
			return
		}
		observability.JobsReserved.WithLabelValues(queue).Inc()

		for !d.registry.Fulfill(w, j) {
			// The waiter expired or disconnected after we reserved on its
			// behalf. Hand the job to the next waiter in line instead.
			w = d.registry.PopOneWaiting(queue)
			if w == nil {
				// Ownership already left the queued state; the reservation
				// stands and the reclamation sweep will requeue it.
				d.logger.Warn("reserved job had no live waiter",
					"queue", queue, "job_id", j.ID)
				return
			}
		}
	}
}

// Consume returns the oldest queued job for the queue, blocking up to the
// configured timeout when none is available. A nil job with a nil error
// means the wait window elapsed empty; that is a documented outcome, not an
// error. A canceled ctx (client disconnect) returns ctx.Err().
func (d *Dispatcher) Consume(ctx context.Context, queue string) (*job.Job, error) {
	j, err := d.store.ReserveOldest(ctx, queue)
	if err == nil {
		observability.JobsReserved.WithLabelValues(queue).Inc()
		return j, nil
	}
	if !errors.Is(err, store.ErrNoJob) {
		return nil, err
	}

	start := time.Now()
	w := d.registry.Register(queue, start.Add(d.timeout))
	defer func() {
		observability.ConsumeWait.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case j := <-w.Delivery():
		return j, nil

	case <-timer.C:
		if d.registry.Expire(w.ID()) {
			observability.ConsumeEmpty.WithLabelValues(queue).Inc()
			return nil, nil
		}
		// Fulfillment won the race; the job is already buffered.
		return <-w.Delivery(), nil

	case <-ctx.Done():
		if d.registry.Cancel(w.ID()) {
			return nil, ctx.Err()
		}
		// Delivered just before the disconnect: ownership has transferred
		// to the consumer's side (at-least-once, no rollback).
		return <-w.Delivery(), nil
	}
}

// Complete transitions a reserved job to completed.
func (d *Dispatcher) Complete(ctx context.Context, id string) (*job.Job, error) {
	j, err := d.store.Complete(ctx, id)
	if err != nil {
		return nil, err
	}
	observability.JobsCompleted.WithLabelValues(j.Queue).Inc()
	return j, nil
}

// Stats returns the store's per-queue, per-state counts.
func (d *Dispatcher) Stats(ctx context.Context) (store.Stats, error) {
	return d.store.Stats(ctx)
}

// AttachSession records a persistent worker connection.
func (d *Dispatcher) AttachSession() {
	d.sessions.Add(1)
	observability.WorkersOnline.Set(float64(d.OnlineCount()))
}

// DetachSession removes a persistent worker connection.
func (d *Dispatcher) DetachSession() {
	d.sessions.Add(-1)
	observability.WorkersOnline.Set(float64(d.OnlineCount()))
}

// OnlineCount is the number of consumers currently visible: pending
// long-poll waiters plus attached persistent sessions.
func (d *Dispatcher) OnlineCount() int {
	return int(d.sessions.Load()) + d.registry.Len()
}
