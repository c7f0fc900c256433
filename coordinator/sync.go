package coordinator

import (
	"github.com/Meander-Cloud/go-buzzer/clocksync"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
	"github.com/Meander-Cloud/go-buzzer/peer"
)

// startSyncRun enqueues the configured number of independent samples.
//
// invoked on arbiter goroutine
func (co *Coordinator) startSyncRun(pc *peer.Connection) {
	peerID := pc.ID
	samples := int(co.t.SyncSampleCount)
	co.sync.StartRun(peerID, samples)

	for i := 0; i < samples; i++ {
		co.q.Enqueue(
			&operation.SyncRequest{
				Base: operation.Base{
					Peer: peerID,
					Callback: func(success bool, _ fault.Status, _ string) {
						// invoked on arbiter goroutine
						co.sampleDone(peerID, success)
					},
				},
			},
		)
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) sampleDone(peerID string, success bool) {
	result, done := co.sync.SampleDone(peerID, success)
	if !done {
		return
	}

	sample, found := co.sync.Estimate(peerID)
	co.log.Info().
		Str("peer", peerID).
		Int("succeeded", result.Succeeded).
		Int("requested", result.Requested).
		Dur("offset", sample.Offset).
		Dur("rtd", sample.RoundTripDelay).
		Msg("sync run complete")

	co.publish(
		event.SyncCompleted{
			Peer:           peerID,
			Samples:        result.Requested,
			Succeeded:      result.Succeeded,
			HasEstimate:    found,
			Offset:         sample.Offset,
			RoundTripDelay: sample.RoundTripDelay,
		},
	)

	if !found {
		co.publishError(fault.KindTimeout, peerID, "no sync sample succeeded")
	}

	co.proceed(peerID, peer.StateSynchronizing)
}

// invoked on arbiter goroutine
func (co *Coordinator) syncResponseReceived(peerID string, value []byte) {
	t3 := co.s.Now()

	current := co.q.Current()
	if current == nil || !matches(peerID, operation.KindSyncRequest, message.EndpointInvalid)(current) {
		co.log.Warn().Str("peer", peerID).Msg("sync response without a current request")
		return
	}
	req := current.(*operation.SyncRequest)

	resp, err := message.DecodeSyncResponse(value)
	if err != nil {
		co.q.Complete(req.ID, false, fault.StatusParseError, err.Error())
		return
	}

	sample := clocksync.Compute(req.T0, resp.T1, resp.T2, t3)
	stored := co.sync.Offer(peerID, sample)
	co.s.Metrics().SyncSample(sample.RoundTripDelay, stored)

	co.log.Debug().
		Str("peer", peerID).
		Dur("offset", sample.Offset).
		Dur("rtd", sample.RoundTripDelay).
		Bool("stored", stored).
		Msg("sync sample")

	co.q.Complete(req.ID, true, fault.StatusSuccess, "sync sample")
}

// invoked on arbiter goroutine
func (co *Coordinator) resync(peerID string) error {
	pc, found := co.peerMap[peerID]
	if !found {
		return fault.New(fault.KindNotFound, peerID, "not tracked")
	}
	if pc.State != peer.StateReady {
		return fault.New(fault.KindAlreadyInProgress, peerID, "peer is %s", pc.State)
	}

	// ready re-enters through the synchronizing step
	co.setState(pc, peer.StateSynchronizing)
	co.startSyncRun(pc)
	return nil
}
