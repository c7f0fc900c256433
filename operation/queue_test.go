package operation_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-buzzer/arbiter"
	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

type recorder struct {
	mu       sync.Mutex
	executed []operation.Operation
	failed   []fault.Status
	execch   chan operation.Operation
}

func newRecorder() *recorder {
	return &recorder{
		execch: make(chan operation.Operation, 16),
	}
}

func (r *recorder) Execute(op operation.Operation) {
	r.mu.Lock()
	r.executed = append(r.executed, op)
	r.mu.Unlock()
	r.execch <- op
}

func (r *recorder) OperationFailed(_ operation.Operation, status fault.Status, _ string) {
	r.mu.Lock()
	r.failed = append(r.failed, status)
	r.mu.Unlock()
}

func (r *recorder) next(t *testing.T) operation.Operation {
	t.Helper()
	select {
	case op := <-r.execch:
		return op
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for execute")
		return nil
	}
}

func (r *recorder) idle(t *testing.T) {
	t.Helper()
	select {
	case op := <-r.execch:
		t.Fatalf("unexpected execute of %s", op.Common().ID)
	case <-time.After(time.Millisecond * 50):
	}
}

func newQueue(t *testing.T, timing config.Timing) (*arbiter.Arbiter, *operation.Queue, *recorder) {
	t.Helper()

	a := arbiter.NewArbiter(&arbiter.Options{LogPrefix: "queue-test"})
	t.Cleanup(a.Shutdown)

	q := operation.NewQueue(
		&operation.QueueOptions{
			Arbiter:   a,
			Clock:     clockwork.NewRealClock(),
			Timing:    timing,
			LogPrefix: "queue-test",
		},
	)
	r := newRecorder()
	q.Bind(r, r)
	return a, q, r
}

func testTiming() config.Timing {
	c := &config.Config{}
	return c.Timing()
}

func write(peer string, value string, cb operation.Callback) *operation.EndpointWrite {
	return &operation.EndpointWrite{
		Base:     operation.Base{Peer: peer, Callback: cb},
		Endpoint: message.EndpointQuestion,
		Value:    []byte(value),
	}
}

func TestQueueRunsOneAtATimeInOrder(t *testing.T) {
	a, q, r := newQueue(t, testTiming())

	var ids []string
	require.NoError(t, a.DispatchWait(func() {
		ids = append(ids, q.Enqueue(write("p1", "a", nil)))
		ids = append(ids, q.Enqueue(write("p1", "b", nil)))
		ids = append(ids, q.Enqueue(write("p2", "c", nil)))
	}))

	for i, value := range []string{"a", "b", "c"} {
		op := r.next(t)
		assert.Equal(t, ids[i], op.Common().ID)
		assert.Equal(t, value, string(op.(*operation.EndpointWrite).Value))
		r.idle(t)

		var busy bool
		var pending int
		require.NoError(t, a.DispatchWait(func() {
			busy = q.IsBusy()
			pending = q.Len()
			q.Complete(op.Common().ID, true, fault.StatusSuccess, "ok")
		}))
		assert.True(t, busy)
		assert.Equal(t, 2-i, pending)
	}

	r.idle(t)
	var busy bool
	require.NoError(t, a.DispatchWait(func() { busy = q.IsBusy() }))
	assert.False(t, busy)
}

func TestQueueStaleCompletionIsIgnored(t *testing.T) {
	a, q, r := newQueue(t, testTiming())

	var calls int
	var first, second string
	require.NoError(t, a.DispatchWait(func() {
		first = q.Enqueue(write("p1", "a", func(bool, fault.Status, string) { calls++ }))
		second = q.Enqueue(write("p1", "b", nil))
	}))
	r.next(t)

	var accepted bool
	require.NoError(t, a.DispatchWait(func() {
		accepted = q.Complete(second, true, fault.StatusSuccess, "too early")
	}))
	assert.False(t, accepted)

	require.NoError(t, a.DispatchWait(func() {
		accepted = q.Complete(first, true, fault.StatusSuccess, "ok")
	}))
	assert.True(t, accepted)

	require.NoError(t, a.DispatchWait(func() {
		accepted = q.Complete(first, false, fault.StatusFailure, "late")
	}))
	assert.False(t, accepted)
	assert.Equal(t, 1, calls)

	op := r.next(t)
	assert.Equal(t, second, op.Common().ID)
}

func TestQueueTimeoutCompletesExactlyOnce(t *testing.T) {
	timing := testTiming()
	timing.OperationTimeout = time.Millisecond * 30
	a, q, r := newQueue(t, timing)

	type result struct {
		success bool
		status  fault.Status
	}
	resultch := make(chan result, 4)

	var id string
	require.NoError(t, a.DispatchWait(func() {
		id = q.Enqueue(write("p1", "a", func(success bool, status fault.Status, _ string) {
			resultch <- result{success, status}
		}))
	}))
	r.next(t)

	select {
	case res := <-resultch:
		assert.False(t, res.success)
		assert.Equal(t, fault.StatusTimeout, res.status)
	case <-time.After(time.Second):
		t.Fatal("operation did not time out")
	}

	// the transport answering after the timeout is stale
	var accepted bool
	require.NoError(t, a.DispatchWait(func() {
		accepted = q.Complete(id, true, fault.StatusSuccess, "late")
	}))
	assert.False(t, accepted)

	select {
	case <-resultch:
		t.Fatal("callback invoked twice")
	case <-time.After(time.Millisecond * 80):
	}

	r.mu.Lock()
	assert.Equal(t, []fault.Status{fault.StatusTimeout}, r.failed)
	r.mu.Unlock()
}

func TestQueueCompleteCurrentMatchesShape(t *testing.T) {
	a, q, r := newQueue(t, testTiming())

	require.NoError(t, a.DispatchWait(func() {
		q.Enqueue(write("p1", "a", nil))
	}))
	r.next(t)

	var matched bool
	require.NoError(t, a.DispatchWait(func() {
		matched = q.CompleteCurrent(func(op operation.Operation) bool {
			return op.Kind() == operation.KindEndpointRead
		}, true, fault.StatusSuccess, "read")
	}))
	assert.False(t, matched)

	require.NoError(t, a.DispatchWait(func() {
		matched = q.CompleteCurrent(func(op operation.Operation) bool {
			return op.Kind() == operation.KindEndpointWrite && op.Common().Peer == "p1"
		}, true, fault.StatusSuccess, "write")
	}))
	assert.True(t, matched)
}

func TestQueueClearDropsWithoutCallbacks(t *testing.T) {
	a, q, r := newQueue(t, testTiming())

	var calls int
	cb := func(bool, fault.Status, string) { calls++ }
	require.NoError(t, a.DispatchWait(func() {
		q.Enqueue(write("p1", "a", cb))
		q.Enqueue(write("p1", "b", cb))
	}))
	r.next(t)

	var busy bool
	var pending int
	require.NoError(t, a.DispatchWait(func() {
		q.Clear()
		busy = q.IsBusy()
		pending = q.Len()
	}))
	assert.False(t, busy)
	assert.Zero(t, pending)
	assert.Zero(t, calls)
	r.idle(t)

	// usable after clear
	require.NoError(t, a.DispatchWait(func() {
		q.Enqueue(write("p1", "c", cb))
	}))
	op := r.next(t)
	assert.Equal(t, "c", string(op.(*operation.EndpointWrite).Value))
}

func TestQueueWithoutExecutorFails(t *testing.T) {
	a := arbiter.NewArbiter(&arbiter.Options{LogPrefix: "queue-test"})
	t.Cleanup(a.Shutdown)

	q := operation.NewQueue(
		&operation.QueueOptions{
			Arbiter:   a,
			Clock:     clockwork.NewRealClock(),
			Timing:    testTiming(),
			LogPrefix: "queue-test",
		},
	)

	var status fault.Status
	require.NoError(t, a.DispatchWait(func() {
		q.Enqueue(write("p1", "a", func(_ bool, s fault.Status, _ string) { status = s }))
	}))
	assert.Equal(t, fault.StatusTransportUnavailable, status)
}
