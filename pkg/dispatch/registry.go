package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudq/pkg/job"
)

// Waiter is a consumer blocked on a queue. Its lifecycle ends through
// exactly one of fulfillment, expiry, or cancellation; competing calls
// observe that it is already resolved and no-op.
type Waiter struct {
	id           string
	queue        string
	registeredAt time.Time
	deadline     time.Time

	// delivery carries the fulfilling job. Buffered so the resolving side
	// never blocks; expiry and cancellation resolve without a send.
	delivery chan *job.Job

	// done and popped are guarded by the owning Registry's mutex.
	done   bool
	popped bool
}

// ID is the opaque token handed to the transport for later cancellation.
func (w *Waiter) ID() string { return w.id }

// Queue is the queue being waited on.
func (w *Waiter) Queue() string { return w.queue }

// RegisteredAt is when the waiter entered the registry. Diagnostics only.
func (w *Waiter) RegisteredAt() time.Time { return w.registeredAt }

// Deadline is the absolute time after which the waiter is expired.
func (w *Waiter) Deadline() time.Time { return w.deadline }

// Delivery receives the job when the waiter is fulfilled. It is only
// readable after a losing Expire or Cancel, or directly in a select.
func (w *Waiter) Delivery() <-chan *job.Job { return w.delivery }

// Registry tracks consumers blocked waiting for a job. It is the only
// shared mutable structure in the dispatch core; every mutation goes
// through its mutex so at-most-once termination holds under arbitrary
// interleavings.
type Registry struct {
	mu      sync.Mutex
	waiting map[string][]*Waiter // per-queue, registration order
	byID    map[string]*Waiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		waiting: make(map[string][]*Waiter),
		byID:    make(map[string]*Waiter),
	}
}

// Register adds a waiter for the queue with the given deadline.
func (r *Registry) Register(queue string, deadline time.Time) *Waiter {
	w := &Waiter{
		id:           uuid.NewString(),
		queue:        queue,
		registeredAt: time.Now(),
		deadline:     deadline,
		delivery:     make(chan *job.Job, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting[queue] = append(r.waiting[queue], w)
	r.byID[w.id] = w
	return w
}

// PopOneWaiting removes and returns the earliest-registered unresolved
// waiter for the queue, or nil. The waiter stays known to the registry
// while the caller attempts a reservation on its behalf, so a concurrent
// Expire or Cancel can still win.
func (r *Registry) PopOneWaiting(queue string) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.waiting[queue]
	for len(list) > 0 {
		w := list[0]
		list = list[1:]
		if w.done {
			continue
		}
		w.popped = true
		r.storeList(queue, list)
		return w
	}
	r.storeList(queue, list)
	return nil
}

// Release returns an unfulfilled popped waiter to the front of its queue.
// It stays first in line for the next publish or its own timeout. A waiter
// that was resolved while popped is left alone.
func (r *Registry) Release(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.done {
		return
	}
	w.popped = false
	r.waiting[w.queue] = append([]*Waiter{w}, r.waiting[w.queue]...)
}

// Fulfill resolves the waiter with a job. Reports whether this call won the
// waiter; a false return means expiry or cancellation got there first and
// the job was NOT delivered.
func (r *Registry) Fulfill(w *Waiter, j *job.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.done {
		return false
	}
	w.done = true
	delete(r.byID, w.id)
	r.dropFromList(w)
	w.delivery <- j
	return true
}

// Expire resolves the waiter as timed out if it is still unresolved.
// Reports whether this call was the one that terminated it.
func (r *Registry) Expire(id string) bool { return r.terminate(id) }

// Cancel resolves the waiter as abandoned, with the same at-most-once
// semantics as Expire. Invoked on client disconnect.
func (r *Registry) Cancel(id string) bool { return r.terminate(id) }

func (r *Registry) terminate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byID[id]
	if !ok || w.done {
		return false
	}
	w.done = true
	delete(r.byID, id)
	r.dropFromList(w)
	return true
}

// Len is the number of live waiters across all queues, popped ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// dropFromList removes w from its queue's wait list. Callers hold r.mu.
func (r *Registry) dropFromList(w *Waiter) {
	if w.popped {
		return
	}
	list := r.waiting[w.queue]
	for i, other := range list {
		if other == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.storeList(w.queue, list)
}

// storeList writes back a queue's wait list, deleting empty entries so the
// map does not accumulate dead queue names. Callers hold r.mu.
func (r *Registry) storeList(queue string, list []*Waiter) {
	if len(list) == 0 {
		delete(r.waiting, queue)
		return
	}
	r.waiting[queue] = list
}
