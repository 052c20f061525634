package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudq/pkg/job"
)

func TestRegistry_PopFIFO(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Second)

	w1 := r.Register("jobs", deadline)
	w2 := r.Register("jobs", deadline)
	w3 := r.Register("jobs", deadline)

	assert.Equal(t, w1, r.PopOneWaiting("jobs"))
	assert.Equal(t, w2, r.PopOneWaiting("jobs"))
	assert.Equal(t, w3, r.PopOneWaiting("jobs"))
	assert.Nil(t, r.PopOneWaiting("jobs"))
}

func TestRegistry_PopIsPerQueue(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Second)

	w := r.Register("emails", deadline)
	assert.Nil(t, r.PopOneWaiting("exports"))
	assert.Equal(t, w, r.PopOneWaiting("emails"))
}

func TestRegistry_AtMostOnceTermination(t *testing.T) {
	r := NewRegistry()
	w := r.Register("jobs", time.Now().Add(time.Second))

	require.True(t, r.Expire(w.ID()))
	assert.False(t, r.Expire(w.ID()))
	assert.False(t, r.Cancel(w.ID()))
	assert.False(t, r.Fulfill(w, &job.Job{ID: "j1"}))
	assert.Zero(t, r.Len())
}

func TestRegistry_CancelAfterFulfillIsNoOp(t *testing.T) {
	r := NewRegistry()
	w := r.Register("jobs", time.Now().Add(time.Second))

	popped := r.PopOneWaiting("jobs")
	require.Equal(t, w, popped)
	require.True(t, r.Fulfill(popped, &job.Job{ID: "j1"}))

	// The fulfillment is not revoked; cancel observes it is already gone.
	assert.False(t, r.Cancel(w.ID()))

	delivered := <-w.Delivery()
	assert.Equal(t, "j1", delivered.ID)
}

func TestRegistry_TerminatedWaiterIsNotPopped(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Second)

	w1 := r.Register("jobs", deadline)
	w2 := r.Register("jobs", deadline)
	require.True(t, r.Cancel(w1.ID()))

	assert.Equal(t, w2, r.PopOneWaiting("jobs"))
	assert.Nil(t, r.PopOneWaiting("jobs"))
}

func TestRegistry_ReleaseKeepsWaiterFirstInLine(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Second)

	w1 := r.Register("jobs", deadline)
	w2 := r.Register("jobs", deadline)

	popped := r.PopOneWaiting("jobs")
	require.Equal(t, w1, popped)
	r.Release(popped)

	// The released waiter goes back to the front, ahead of w2.
	assert.Equal(t, w1, r.PopOneWaiting("jobs"))
	assert.Equal(t, w2, r.PopOneWaiting("jobs"))
}

func TestRegistry_ExpireWhilePoppedWins(t *testing.T) {
	r := NewRegistry()
	w := r.Register("jobs", time.Now().Add(time.Second))

	popped := r.PopOneWaiting("jobs")
	require.Equal(t, w, popped)

	// Deadline fires while the dispatcher holds the waiter.
	require.True(t, r.Expire(w.ID()))
	assert.False(t, r.Fulfill(popped, &job.Job{ID: "j1"}))

	// Releasing a terminated waiter must not resurrect it.
	r.Release(popped)
	assert.Nil(t, r.PopOneWaiting("jobs"))
	assert.Zero(t, r.Len())
}

func TestRegistry_LenCountsPoppedWaiters(t *testing.T) {
	r := NewRegistry()
	r.Register("jobs", time.Now().Add(time.Second))
	w := r.Register("jobs", time.Now().Add(time.Second))

	assert.Equal(t, 2, r.Len())
	r.PopOneWaiting("jobs")
	assert.Equal(t, 2, r.Len())
	require.True(t, r.Cancel(w.ID()))
	assert.Equal(t, 1, r.Len())
}
