package coordinator

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

// Execute starts op against the central.
//
// invoked on arbiter goroutine
func (co *Coordinator) Execute(op operation.Operation) {
	b := op.Common()
	co.log.Debug().Str("op", b.ID).Stringer("kind", op.Kind()).Msg("execute")

	var err error
	switch o := op.(type) {
	case *operation.Connect:
		pc, found := co.peerMap[b.Peer]
		if found && pc.State.Linked() {
			co.q.Complete(b.ID, false, fault.StatusAlreadyConnected, "already connected")
			return
		}
		err = co.central.Connect(b.Peer)

	case *operation.Disconnect:
		err = co.central.Disconnect(b.Peer)

	case *operation.DiscoverEndpoints:
		err = co.central.DiscoverEndpoints(b.Peer)

	case *operation.EndpointNotifySubscribe:
		err = co.central.Subscribe(b.Peer, o.Endpoint)

	case *operation.PayloadSizeRequest:
		err = co.central.RequestPayloadSize(b.Peer, o.Size)

	case *operation.EndpointWrite:
		err = co.central.Write(b.Peer, o.Endpoint, o.Value)

	case *operation.EndpointRead:
		err = co.central.Read(b.Peer, o.Endpoint)

	case *operation.SyncRequest:
		o.T0 = co.s.Now()
		err = co.central.Write(b.Peer, message.EndpointSync, message.EncodeSyncRequest(o.T0))

	default:
		co.q.Complete(b.ID, false, fault.StatusFailure, op.Kind().String()+" is not a coordinator operation")
		return
	}

	if err != nil {
		co.q.Complete(b.ID, false, fault.StatusOf(err), err.Error())
	}
}

// OperationFailed applies the per-kind recovery policy.
//
// invoked on arbiter goroutine
func (co *Coordinator) OperationFailed(op operation.Operation, status fault.Status, msg string) {
	peerID := op.Common().Peer
	logger := co.log.Warn().Str("op", op.Common().ID).Stringer("status", status).Str("message", msg)

	switch op.Kind() {
	case operation.KindConnect:
		if status == fault.StatusAlreadyConnected {
			logger.Msg("connect found peer already connected")
			return
		}
		logger.Msg("connect failed")
		co.teardown(peerID, "connect failed: "+msg)

	case operation.KindDiscoverEndpoints,
		operation.KindEndpointNotifySubscribe,
		operation.KindPayloadSizeRequest:
		logger.Msg("connection-critical operation failed")
		co.teardown(peerID, op.Kind().String()+" failed: "+msg)

	case operation.KindDisconnect:
		logger.Msg("disconnect failed, treating peer as disconnected")
		if status == fault.StatusTimeout {
			// the central may still report this link going down
			co.releasedSet[peerID] = struct{}{}
		}
		co.disconnected(peerID, "disconnect failed: "+msg)

	case operation.KindSyncRequest, operation.KindSyncResponse:
		logger.Msg("sync sample failed")

	case operation.KindEndpointWrite:
		logger.Msg("write failed")

	default:
		logger.Msg("operation failed")
		co.publish(event.Error{Err: fault.New(status.Kind(), peerID, "%s failed: %s", op.Kind(), msg)})
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) teardown(peerID string, reason string) {
	_, found := co.peerMap[peerID]
	if !found {
		return
	}
	co.publish(event.Error{Err: fault.New(fault.KindOperationFailed, peerID, "%s", reason)})
	co.disconnect(peerID, reason)
}
