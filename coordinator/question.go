package coordinator

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/model"
	"github.com/Meander-Cloud/go-buzzer/operation"
	"github.com/Meander-Cloud/go-buzzer/peer"
)

// SendQuestion dispatches q to every ready, synchronized peer and returns
// how many writes were enqueued. Invoked on any goroutine.
func (co *Coordinator) SendQuestion(q *model.Question) (int, error) {
	var n int
	err := co.wait(func() error {
		var err error
		n, err = co.SendQuestionSync(q)
		return err
	})
	return n, err
}

// SendQuestionSync computes per-peer deadlines on each responder's own clock,
// so every peer sees the same instants despite differing offsets.
//
// caller must be on arbiter goroutine
func (co *Coordinator) SendQuestionSync(q *model.Question) (int, error) {
	if q == nil || q.Text == "" {
		e := fault.New(fault.KindRejected, "", "empty question")
		co.log.Warn().Err(e).Send()
		return 0, e
	}

	now := co.s.Now()
	hash := q.Hash()
	size := message.EncodedQuestionSize(q.Text)
	enqueued := 0

	for _, peerID := range co.peerIDs() {
		pc := co.peerMap[peerID]
		if pc.State != peer.StateReady {
			continue
		}

		sample, synchronized := co.sync.Estimate(peerID)
		if !synchronized {
			co.log.Warn().Str("peer", peerID).Msg("skipping unsynchronized peer")
			continue
		}

		if size > int(pc.PayloadSize) {
			e := fault.New(fault.KindRejected, peerID, "question size %d exceeds payload limit %d", size, pc.PayloadSize)
			co.log.Warn().Err(e).Send()
			co.s.Metrics().QuestionSent(false)
			co.publish(event.QuestionSendFailed{Peer: peerID, Err: e})
			continue
		}

		start := sample.ToRemote(now + int64(q.StartDelay))
		end := start + int64(q.ActiveDuration)
		value := message.EncodeQuestion(
			message.Question{
				StartTime: start,
				EndTime:   end,
				Text:      q.Text,
			},
		)

		co.q.Enqueue(
			&operation.EndpointWrite{
				Base: operation.Base{
					Peer: peerID,
					Callback: func(success bool, status fault.Status, msg string) {
						// invoked on arbiter goroutine
						co.s.Metrics().QuestionSent(success)
						if !success {
							co.publish(
								event.QuestionSendFailed{
									Peer: peerID,
									Err:  fault.New(status.Kind(), peerID, "question write failed: %s", msg),
								},
							)
							return
						}
						co.publish(
							event.QuestionSent{
								Peer:      peerID,
								StartTime: start,
								EndTime:   end,
								Hash:      hash,
							},
						)
					},
				},
				Endpoint: message.EndpointQuestion,
				Value:    value,
			},
		)
		enqueued++
	}

	if enqueued == 0 {
		e := fault.New(fault.KindNotFound, "", "no ready peer accepted the question")
		co.log.Warn().Err(e).Send()
		return 0, e
	}

	co.log.Info().Int("peers", enqueued).Uint32("hash", hash).Msg("question dispatched")
	return enqueued, nil
}
