package coordinator

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/message"
)

// invoked on arbiter goroutine
func (co *Coordinator) heartbeatReceived(peerID string, value []byte) {
	_, found := co.peerMap[peerID]
	if !found {
		co.log.Debug().Str("peer", peerID).Msg("heartbeat from untracked peer")
		return
	}

	now := co.s.Clock().Now()
	co.beatMap[peerID] = now

	if message.IsHeartbeatDisconnect(value) {
		co.log.Info().Str("peer", peerID).Msg("peer sent disconnect sentinel")
		co.disconnect(peerID, "peer requested disconnect")
		return
	}

	co.publish(event.HeartbeatReceived{Peer: peerID, At: now})
}

// invoked on arbiter goroutine
func (co *Coordinator) ensureSweep() {
	if co.sweepScheduled || co.stopped {
		return
	}

	co.s.Arbiter().ScheduleTimer(
		group.GroupLivenessSweep,
		true,
		co.t.LivenessSweep,
		func() {
			// invoked on arbiter goroutine
			co.sweepScheduled = false
			co.sweep()

			if len(co.beatMap) > 0 {
				co.ensureSweep()
			}
		},
	)
	co.sweepScheduled = true
}

// sweep evicts peers whose last heartbeat is older than the liveness threshold.
//
// invoked on arbiter goroutine
func (co *Coordinator) sweep() {
	now := co.s.Clock().Now()
	for peerID, last := range co.beatMap {
		silent := now.Sub(last)
		if silent <= co.t.LivenessThreshold {
			continue
		}

		co.log.Warn().Str("peer", peerID).Dur("silent", silent).Msg("evicting silent peer")
		co.s.Metrics().PeerEvicted()
		delete(co.beatMap, peerID)
		co.disconnect(peerID, "heartbeat timeout")
	}
}
