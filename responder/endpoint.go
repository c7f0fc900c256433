package responder

import (
	"time"

	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

// invoked on arbiter goroutine
func (r *Responder) subscribeRequested(peerID string, endpoint message.Endpoint, respond func(fault.Status)) {
	if peerID != r.host {
		respond(fault.StatusRejected)
		return
	}
	if !endpoint.Notifiable() {
		respond(fault.StatusNotFound)
		return
	}

	r.subscribed[endpoint] = true
	r.log.Debug().Str("host", peerID).Stringer("endpoint", endpoint).Msg("subscribed")
	respond(fault.StatusSuccess)
}

// invoked on arbiter goroutine
func (r *Responder) writeRequested(peerID string, endpoint message.Endpoint, value []byte, respond func(fault.Status)) {
	if peerID != r.host {
		respond(fault.StatusRejected)
		return
	}

	switch endpoint {
	case message.EndpointQuestion:
		wire, err := message.DecodeQuestion(value)
		if err != nil {
			respond(fault.StatusParseError)
			r.publishError(fault.KindParseError, peerID, "malformed question: %s", err.Error())
			return
		}
		respond(fault.StatusSuccess)
		r.questionReceived(wire)

	case message.EndpointSync:
		t1 := r.s.Now()
		_, err := message.DecodeSyncRequest(value)
		if err != nil {
			respond(fault.StatusParseError)
			r.publishError(fault.KindParseError, peerID, "malformed sync request: %s", err.Error())
			return
		}
		r.q.Enqueue(
			&operation.SyncResponse{
				Base: operation.Base{Peer: peerID},
				T1:   t1,
			},
		)
		respond(fault.StatusSuccess)

	default:
		respond(fault.StatusNotFound)
	}
}

// invoked on arbiter goroutine
func (r *Responder) questionReceived(wire message.Question) {
	r.clearQuestion()

	q := &question{
		wire: wire,
		hash: message.QuestionHash(wire.Text),
	}
	r.question = q

	r.log.Info().Uint32("hash", q.hash).Int64("start", wire.StartTime).Int64("end", wire.EndTime).Msg("question received")
	r.publish(
		event.QuestionReceived{
			Text:      wire.Text,
			StartTime: wire.StartTime,
			EndTime:   wire.EndTime,
			Hash:      q.hash,
		},
	)

	r.countdown(q, time.Duration(wire.StartTime-r.s.Now()), func() {
		q.active = true
		r.publish(event.QuestionActive{Hash: q.hash})

		r.countdown(q, time.Duration(wire.EndTime-r.s.Now()), func() {
			q.active = false
			r.publish(event.QuestionClosed{Hash: q.hash})
		})
	})
}

// countdown runs f after wait, or immediately when wait has already passed,
// provided q is still the current question.
//
// invoked on arbiter goroutine
func (r *Responder) countdown(q *question, wait time.Duration, f func()) {
	if wait <= 0 {
		f()
		return
	}

	r.s.Arbiter().ScheduleTimer(
		group.GroupQuestionCountdown,
		true,
		wait,
		func() {
			// invoked on arbiter goroutine
			if r.question != q {
				return
			}
			f()
		},
	)
}

// invoked on arbiter goroutine
func (r *Responder) clearQuestion() {
	if r.question == nil {
		return
	}
	r.s.Arbiter().ReleaseGroup(group.GroupQuestionCountdown)
	r.question = nil
}

// invoked on arbiter goroutine
func (r *Responder) buzz() error {
	if r.host == "" {
		e := fault.New(fault.KindTransportUnavailable, "", "no host connected")
		r.log.Warn().Err(e).Send()
		return e
	}
	if r.question == nil || !r.question.active {
		e := fault.New(fault.KindRejected, r.host, "no answerable question")
		r.log.Info().Err(e).Send()
		return e
	}
	if !r.limiter.Allow() {
		e := fault.New(fault.KindRejected, r.host, "buzzing too fast")
		r.log.Info().Err(e).Send()
		return e
	}

	b := message.Buzz{
		Timestamp: r.s.Now(),
		Hash:      r.question.hash,
	}
	r.q.Enqueue(
		&operation.ServerNotify{
			Base: operation.Base{
				Peer: r.host,
				Callback: func(success bool, _ fault.Status, _ string) {
					// invoked on arbiter goroutine
					if success {
						r.publish(event.BuzzSent{Timestamp: b.Timestamp, Hash: b.Hash})
					}
				},
			},
			Endpoint: message.EndpointBuzz,
			Value:    message.EncodeBuzz(b),
			Indicate: true,
		},
	)
	return nil
}
