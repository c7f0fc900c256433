package responder

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

// invoked on arbiter goroutine
func (r *Responder) connectionStateChanged(peerID string, connected bool) {
	if !connected {
		if peerID != r.host {
			r.log.Debug().Str("peer", peerID).Msg("ignoring disconnect from non-host peer")
			return
		}
		r.hostDisconnected(peerID, "link closed")
		return
	}

	if r.host != "" {
		r.publishError(fault.KindAlreadyInProgress, peerID, "rejecting connection, already serving host %s", r.host)
		err := r.peripheral.CancelConnection(peerID)
		if err != nil {
			r.log.Warn().Err(err).Str("peer", peerID).Msg("failed to cancel rejected connection")
		}
		return
	}

	r.host = peerID
	r.payloadSize = r.t.DefaultPayloadSize
	clear(r.subscribed)

	if r.resumeScheduled {
		r.s.Arbiter().ReleaseGroup(group.GroupAdvertiseResume)
		r.resumeScheduled = false
	}
	r.stopAdvertising()
	r.setState(StateConnected)
	r.startHeartbeat()

	r.log.Info().Str("host", peerID).Msg("host connected")
	r.publish(event.HostConnected{Peer: peerID})
}

// invoked on arbiter goroutine
func (r *Responder) hostDisconnected(peerID string, reason string) {
	if r.host != peerID {
		return
	}

	r.host = ""
	clear(r.subscribed)
	if r.heartbeatScheduled {
		r.s.Arbiter().ReleaseGroup(group.GroupHeartbeatSend)
		r.heartbeatScheduled = false
	}
	r.clearQuestion()

	r.log.Info().Str("host", peerID).Str("reason", reason).Msg("host disconnected")
	r.publish(event.HostDisconnected{Peer: peerID})

	if r.stopped || !r.radioEnabled || !r.s.Config().AutoAdvertise {
		r.closeServer()
		return
	}

	r.setState(StateServing)
	r.s.Arbiter().ScheduleTimer(
		group.GroupAdvertiseResume,
		true,
		r.t.AdvertiseResume,
		func() {
			// invoked on arbiter goroutine
			r.resumeScheduled = false
			if r.host != "" || r.stopped {
				return
			}
			r.log.Info().Msg("resuming advertising")
			err := r.startAdvertising()
			if err != nil {
				r.publishError(fault.StatusOf(err).Kind(), "", "failed to resume advertising: %s", err.Error())
			}
		},
	)
	r.resumeScheduled = true
}

// invoked on arbiter goroutine
func (r *Responder) startHeartbeat() {
	if r.heartbeatScheduled {
		return
	}

	r.s.Arbiter().ScheduleTimer(
		group.GroupHeartbeatSend,
		true,
		r.t.HeartbeatInterval,
		func() {
			// invoked on arbiter goroutine
			r.heartbeatScheduled = false
			if r.host == "" {
				return
			}

			if r.subscribed[message.EndpointHeartbeat] {
				r.q.Enqueue(
					&operation.ServerNotify{
						Base:     operation.Base{Peer: r.host},
						Endpoint: message.EndpointHeartbeat,
						Value:    message.HeartbeatBeat,
					},
				)
			}
			r.startHeartbeat()
		},
	)
	r.heartbeatScheduled = true
}

// invoked on arbiter goroutine
func (r *Responder) disconnectFromHost() error {
	if r.host == "" {
		e := fault.New(fault.KindNotFound, "", "no host connected")
		r.log.Warn().Err(e).Send()
		return e
	}

	r.log.Info().Str("host", r.host).Msg("sending disconnect sentinel")
	r.q.Enqueue(
		&operation.ServerNotify{
			Base:     operation.Base{Peer: r.host},
			Endpoint: message.EndpointHeartbeat,
			Value:    message.HeartbeatDisconnect,
		},
	)
	return nil
}
