package operation

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/arbiter"
	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
)

// Executor starts the transport action for the current operation. The result
// is reported later through Queue.Complete or Queue.CompleteCurrent.
type Executor interface {
	Execute(Operation)
}

// FailureHandler applies per-kind recovery before the operation callback runs.
type FailureHandler interface {
	OperationFailed(op Operation, status fault.Status, message string)
}

type Observer interface {
	OperationEnqueued(op Operation, depth int)
	OperationStarted(op Operation)
	OperationCompleted(op Operation, success bool, status fault.Status, elapsed time.Duration)
}

type QueueOptions struct {
	Arbiter   *arbiter.Arbiter
	Clock     clockwork.Clock
	Timing    config.Timing
	Observer  Observer
	LogPrefix string
}

// Queue serializes operations so that at most one is in flight.
// All methods must be invoked on the arbiter goroutine.
type Queue struct {
	options *QueueOptions
	log     zerolog.Logger
	ids     *IDGenerator

	executor Executor
	failure  FailureHandler

	pending      []Operation
	current      Operation
	currentSince time.Time
	timerArmed   bool
}

func NewQueue(options *QueueOptions) *Queue {
	return &Queue{
		options: options,
		log:     log.With().Str("component", options.LogPrefix).Logger(),
		ids:     NewIDGenerator(options.Clock),
	}
}

// Bind attaches the role that executes operations and handles their failures.
func (q *Queue) Bind(executor Executor, failure FailureHandler) {
	q.executor = executor
	q.failure = failure
}

func (q *Queue) defaultTimeout(kind Kind) time.Duration {
	switch kind {
	case KindConnect:
		return q.options.Timing.ConnectTimeout
	case KindDisconnect:
		return q.options.Timing.DisconnectTimeout
	case KindSyncResponse:
		return q.options.Timing.SyncResponseTimeout
	default:
		return q.options.Timing.OperationTimeout
	}
}

// Enqueue appends op and starts it immediately when the queue is idle.
// The assigned operation id is returned.
func (q *Queue) Enqueue(op Operation) string {
	b := op.Common()
	if b.ID == "" {
		b.ID = q.ids.Next(b.Peer, op.Kind())
	}
	if b.Timeout <= 0 {
		b.Timeout = q.defaultTimeout(op.Kind())
	}

	q.pending = append(q.pending, op)
	q.log.Debug().Str("op", b.ID).Int("depth", len(q.pending)).Msg("enqueued")
	if q.options.Observer != nil {
		q.options.Observer.OperationEnqueued(op, len(q.pending))
	}

	q.next()
	return b.ID
}

func (q *Queue) next() {
	if q.current != nil || len(q.pending) == 0 {
		return
	}

	op := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	q.current = op
	q.currentSince = q.options.Clock.Now()
	id := op.Common().ID

	q.log.Debug().Str("op", id).Int("depth", len(q.pending)).Msg("dequeued")
	if q.options.Observer != nil {
		q.options.Observer.OperationStarted(op)
	}

	q.armTimer(op)

	if q.executor == nil {
		q.Complete(id, false, fault.StatusTransportUnavailable, "no executor bound")
		return
	}

	// execute on a later arbiter turn, so synchronous results do not recurse into next
	err := q.options.Arbiter.Dispatch(
		func() {
			// invoked on arbiter goroutine
			if q.current == nil || q.current.Common().ID != id {
				q.log.Debug().Str("op", id).Msg("no longer current, skipping execute")
				return
			}
			q.executor.Execute(op)
		},
	)
	if err != nil {
		q.Complete(id, false, fault.StatusFailure, fmt.Sprintf("failed to dispatch execute, err=%s", err.Error()))
	}
}

func (q *Queue) armTimer(op Operation) {
	if q.timerArmed {
		q.options.Arbiter.ReleaseGroup(group.GroupOperationTimeout)
		q.timerArmed = false
	}

	id := op.Common().ID
	timeout := op.Common().Timeout
	q.options.Arbiter.ScheduleTimer(
		group.GroupOperationTimeout,
		true,
		timeout,
		func() {
			// invoked on arbiter goroutine
			q.timerArmed = false

			if q.current == nil || q.current.Common().ID != id {
				return
			}

			q.log.Warn().Str("op", id).Dur("timeout", timeout).Msg("operation timed out")
			q.Complete(id, false, fault.StatusTimeout, fmt.Sprintf("%s timed out after %s", op.Kind(), timeout))
		},
	)
	q.timerArmed = true
}

// Complete finishes the current operation. Completions for any other id are
// stale and ignored; the return value reports whether id was current.
func (q *Queue) Complete(id string, success bool, status fault.Status, message string) bool {
	if q.current == nil || q.current.Common().ID != id {
		current := "<none>"
		if q.current != nil {
			current = q.current.Common().ID
		}
		q.log.Warn().
			Str("op", id).
			Str("current", current).
			Err(fault.New(fault.KindStaleCompletion, "", "%s", message)).
			Msg("ignoring stale completion")
		return false
	}

	op := q.current
	q.current = nil
	elapsed := q.options.Clock.Since(q.currentSince)

	if q.timerArmed {
		q.options.Arbiter.ReleaseGroup(group.GroupOperationTimeout)
		q.timerArmed = false
	}

	q.log.Debug().
		Str("op", id).
		Bool("success", success).
		Stringer("status", status).
		Str("message", message).
		Msg("completed")

	if !success && q.failure != nil {
		q.failure.OperationFailed(op, status, message)
	}

	if cb := op.Common().Callback; cb != nil {
		cb(success, status, message)
	}

	if q.options.Observer != nil {
		q.options.Observer.OperationCompleted(op, success, status, elapsed)
	}

	q.next()
	return true
}

// CompleteCurrent completes the current operation when match accepts it.
// Transport callbacks carry no operation id, so they are matched by shape.
func (q *Queue) CompleteCurrent(match func(Operation) bool, success bool, status fault.Status, message string) bool {
	if q.current == nil || !match(q.current) {
		q.log.Debug().Str("message", message).Msg("transport result does not match current operation")
		return false
	}
	return q.Complete(q.current.Common().ID, success, status, message)
}

// Clear drops all pending operations and resets the current one without
// invoking callbacks.
func (q *Queue) Clear() {
	dropped := len(q.pending)
	if q.current != nil {
		dropped++
	}

	for i := range q.pending {
		q.pending[i] = nil
	}
	q.pending = q.pending[:0]
	q.current = nil

	if q.timerArmed {
		q.options.Arbiter.ReleaseGroup(group.GroupOperationTimeout)
		q.timerArmed = false
	}

	q.log.Info().Int("dropped", dropped).Msg("queue cleared")
}

func (q *Queue) Current() Operation {
	return q.current
}

func (q *Queue) IsBusy() bool {
	return q.current != nil
}

func (q *Queue) Len() int {
	return len(q.pending)
}
