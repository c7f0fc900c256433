package coordinator

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
	"github.com/Meander-Cloud/go-buzzer/peer"
)

// invoked on arbiter goroutine
func (co *Coordinator) connect(peerID string) error {
	if co.stopped || !co.radioEnabled {
		e := fault.New(fault.KindTransportUnavailable, peerID, "cannot connect, radio disabled or coordinator stopped")
		co.log.Warn().Err(e).Send()
		return e
	}

	pc, found := co.peerMap[peerID]
	if found {
		e := fault.New(fault.KindAlreadyInProgress, peerID, "already %s", pc.State)
		co.log.Info().Err(e).Send()
		return e
	}

	d, discovered := co.discoveredMap[peerID]
	name := peerID
	if discovered && d.Name != "" {
		name = d.Name
	}

	pc = &peer.Connection{
		ID:          peerID,
		Name:        name,
		Address:     d.Address,
		PayloadSize: co.t.DefaultPayloadSize,
		State:       peer.StateDiscovered,
	}
	co.peerMap[peerID] = pc
	co.setState(pc, peer.StateConnecting)

	co.q.Enqueue(
		&operation.Connect{
			Base: operation.Base{
				Peer: peerID,
				Callback: func(success bool, status fault.Status, _ string) {
					// invoked on arbiter goroutine
					if !success && status != fault.StatusAlreadyConnected {
						return
					}
					co.connected(peerID)
				},
			},
		},
	)
	return nil
}

// invoked on arbiter goroutine
func (co *Coordinator) connected(peerID string) {
	pc, found := co.peerMap[peerID]
	if !found || pc.State != peer.StateConnecting {
		return
	}

	co.setState(pc, peer.StateConnected)
	co.beatMap[peerID] = co.s.Clock().Now()
	co.s.Metrics().SetPeers(len(co.peerMap))
	co.publish(event.PeerConnected{Peer: peerID, Name: pc.Name})
	co.ensureSweep()

	// let the link settle before endpoint discovery, without cancelling
	// settle timers still pending for other peers
	co.s.Arbiter().ScheduleTimer(
		group.GroupDiscoverSettle,
		false,
		co.t.DiscoverSettle,
		func() {
			// invoked on arbiter goroutine
			co.proceed(peerID, peer.StateConnected)
		},
	)
}

// proceed advances a peer one step along the readiness pipeline. Each step is
// enqueued only from the completion of the step before it, and only while the
// peer is still in the state that step left it in.
//
// invoked on arbiter goroutine
func (co *Coordinator) proceed(peerID string, expected peer.State) {
	pc, found := co.peerMap[peerID]
	if !found || pc.State != expected {
		co.log.Debug().Str("peer", peerID).Stringer("expected", expected).Msg("pipeline step skipped")
		return
	}

	next := func(state peer.State) operation.Callback {
		return func(success bool, _ fault.Status, _ string) {
			// invoked on arbiter goroutine
			if success {
				co.proceed(peerID, state)
			}
		}
	}

	switch pc.State {
	case peer.StateConnected:
		co.setState(pc, peer.StateDiscoveringEndpoints)
		co.q.Enqueue(
			&operation.DiscoverEndpoints{
				Base: operation.Base{Peer: peerID, Callback: next(peer.StateDiscoveringEndpoints)},
			},
		)

	case peer.StateDiscoveringEndpoints:
		co.setState(pc, peer.StateSubscribingNotifications)
		co.q.Enqueue(
			&operation.EndpointNotifySubscribe{
				Base:     operation.Base{Peer: peerID},
				Endpoint: message.EndpointBuzz,
			},
		)
		co.q.Enqueue(
			&operation.EndpointNotifySubscribe{
				Base:     operation.Base{Peer: peerID},
				Endpoint: message.EndpointHeartbeat,
			},
		)
		co.q.Enqueue(
			&operation.EndpointNotifySubscribe{
				Base:     operation.Base{Peer: peerID, Callback: next(peer.StateSubscribingNotifications)},
				Endpoint: message.EndpointSync,
			},
		)

	case peer.StateSubscribingNotifications:
		co.setState(pc, peer.StateNegotiatingPayloadSize)
		co.q.Enqueue(
			&operation.PayloadSizeRequest{
				Base: operation.Base{Peer: peerID, Callback: next(peer.StateNegotiatingPayloadSize)},
				Size: co.t.TargetPayloadSize,
			},
		)

	case peer.StateNegotiatingPayloadSize:
		co.setState(pc, peer.StateSynchronizing)
		co.startSyncRun(pc)

	case peer.StateSynchronizing:
		co.setState(pc, peer.StateReady)
		sample, _ := co.sync.Estimate(peerID)
		co.publish(
			event.PeerReady{
				Peer:           peerID,
				Offset:         sample.Offset,
				RoundTripDelay: sample.RoundTripDelay,
			},
		)
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) disconnect(peerID string, reason string) error {
	_, found := co.peerMap[peerID]
	if !found {
		e := fault.New(fault.KindNotFound, peerID, "not tracked, cannot disconnect")
		co.log.Warn().Err(e).Send()
		return e
	}

	_, closing := co.closingMap[peerID]
	if closing {
		return fault.New(fault.KindAlreadyInProgress, peerID, "disconnect already pending")
	}
	co.closingMap[peerID] = reason

	co.log.Info().Str("peer", peerID).Str("reason", reason).Msg("disconnecting")
	co.q.Enqueue(
		&operation.Disconnect{
			Base: operation.Base{Peer: peerID},
		},
	)
	return nil
}

// disconnected releases everything held for a peer; safe to call repeatedly.
//
// invoked on arbiter goroutine
func (co *Coordinator) disconnected(peerID string, reason string) {
	delete(co.closingMap, peerID)
	delete(co.beatMap, peerID)
	co.sync.Forget(peerID)

	pc, found := co.peerMap[peerID]
	if !found {
		co.log.Debug().Str("peer", peerID).Msg("disconnect for untracked peer")
		return
	}

	co.setState(pc, peer.StateDisconnected)
	delete(co.peerMap, peerID)
	co.s.Metrics().SetPeers(len(co.peerMap))

	co.log.Info().Str("peer", peerID).Str("reason", reason).Msg("peer disconnected")
	co.publish(event.PeerDisconnected{Peer: peerID, Reason: reason})

	// fail whatever was in flight for the departed peer
	current := co.q.Current()
	if current != nil && current.Common().Peer == peerID && current.Kind() != operation.KindDisconnect {
		co.q.Complete(current.Common().ID, false, fault.StatusTransportUnavailable, "peer disconnected")
	}
}
