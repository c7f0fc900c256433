package coordinator

import (
	"slices"

	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

// handler moves central callbacks onto the arbiter goroutine.
type handler struct {
	co *Coordinator
}

var _ link.CentralHandler = (*handler)(nil)

func (h *handler) dispatch(f func()) {
	err := h.co.s.Arbiter().Dispatch(f)
	if err != nil {
		h.co.log.Error().Err(err).Msg("failed to dispatch central callback")
	}
}

func (h *handler) PeerDiscovered(d link.Discovery) {
	h.dispatch(func() { h.co.peerDiscovered(d) })
}

func (h *handler) ConnectionStateChanged(peerID string, status fault.Status, connected bool) {
	h.dispatch(func() { h.co.connectionStateChanged(peerID, status, connected) })
}

func (h *handler) EndpointsDiscovered(peerID string, status fault.Status, endpoints []message.Endpoint) {
	h.dispatch(func() { h.co.endpointsDiscovered(peerID, status, endpoints) })
}

func (h *handler) SubscribeCompleted(peerID string, endpoint message.Endpoint, status fault.Status) {
	h.dispatch(func() {
		h.co.completeCurrent(peerID, operation.KindEndpointNotifySubscribe, endpoint, status, "subscribe "+endpoint.String())
	})
}

func (h *handler) PayloadSizeChanged(peerID string, size uint16, status fault.Status) {
	h.dispatch(func() { h.co.payloadSizeChanged(peerID, size, status) })
}

func (h *handler) WriteCompleted(peerID string, endpoint message.Endpoint, status fault.Status) {
	h.dispatch(func() { h.co.writeCompleted(peerID, endpoint, status) })
}

func (h *handler) ReadCompleted(peerID string, endpoint message.Endpoint, _ []byte, status fault.Status) {
	h.dispatch(func() {
		h.co.completeCurrent(peerID, operation.KindEndpointRead, endpoint, status, "read "+endpoint.String())
	})
}

func (h *handler) NotificationReceived(peerID string, endpoint message.Endpoint, value []byte) {
	h.dispatch(func() { h.co.notificationReceived(peerID, endpoint, value) })
}

func matches(peerID string, kind operation.Kind, endpoint message.Endpoint) func(operation.Operation) bool {
	return func(op operation.Operation) bool {
		if op.Kind() != kind || op.Common().Peer != peerID {
			return false
		}
		return endpoint == message.EndpointInvalid || operation.Endpoint(op) == endpoint
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) completeCurrent(peerID string, kind operation.Kind, endpoint message.Endpoint, status fault.Status, what string) {
	co.q.CompleteCurrent(
		matches(peerID, kind, endpoint),
		status == fault.StatusSuccess,
		status,
		what+": "+status.String(),
	)
}

// invoked on arbiter goroutine
func (co *Coordinator) peerDiscovered(d link.Discovery) {
	co.discoveredMap[d.Peer] = d
	co.publish(event.PeerDiscovered{Peer: d.Peer, Name: d.Name, Address: d.Address})
}

// invoked on arbiter goroutine
func (co *Coordinator) connectionStateChanged(peerID string, status fault.Status, connected bool) {
	isConnect := matches(peerID, operation.KindConnect, message.EndpointInvalid)
	isDisconnect := matches(peerID, operation.KindDisconnect, message.EndpointInvalid)
	current := co.q.Current()

	if connected {
		// callbacks are ordered, so a link-down still due would have arrived already
		delete(co.releasedSet, peerID)
		if current == nil || !isConnect(current) {
			co.log.Warn().Str("peer", peerID).Msg("unsolicited connection")
			return
		}
		co.q.Complete(current.Common().ID, status == fault.StatusSuccess, status, "connect: "+status.String())
		return
	}

	_, released := co.releasedSet[peerID]
	if released {
		delete(co.releasedSet, peerID)
		co.log.Debug().Str("peer", peerID).Msg("ignoring link-down of released link")
		return
	}

	if current != nil && isConnect(current) {
		if status == fault.StatusSuccess {
			status = fault.StatusFailure
		}
		co.q.Complete(current.Common().ID, false, status, "connection lost while connecting")
	}

	reason, requested := co.closingMap[peerID]
	if !requested {
		reason = "link closed"
	}
	co.disconnected(peerID, reason)

	current = co.q.Current()
	if current != nil && isDisconnect(current) {
		co.q.Complete(current.Common().ID, true, fault.StatusSuccess, "disconnected")
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) endpointsDiscovered(peerID string, status fault.Status, endpoints []message.Endpoint) {
	if status == fault.StatusSuccess {
		for _, required := range message.Endpoints {
			if !slices.Contains(endpoints, required) {
				status = fault.StatusNotFound
				break
			}
		}
	}
	co.completeCurrent(peerID, operation.KindDiscoverEndpoints, message.EndpointInvalid, status, "discover endpoints")
}

// invoked on arbiter goroutine
func (co *Coordinator) payloadSizeChanged(peerID string, size uint16, status fault.Status) {
	pc, found := co.peerMap[peerID]
	if found && status == fault.StatusSuccess {
		pc.PayloadSize = size
		co.log.Info().Str("peer", peerID).Uint16("size", size).Msg("payload size negotiated")
	}
	co.completeCurrent(peerID, operation.KindPayloadSizeRequest, message.EndpointInvalid, status, "payload size")
}

// invoked on arbiter goroutine
func (co *Coordinator) writeCompleted(peerID string, endpoint message.Endpoint, status fault.Status) {
	current := co.q.Current()
	if endpoint == message.EndpointSync && current != nil && matches(peerID, operation.KindSyncRequest, message.EndpointInvalid)(current) {
		// the sync sample completes on the response notification
		if status != fault.StatusSuccess {
			co.q.Complete(current.Common().ID, false, status, "sync request write: "+status.String())
		}
		return
	}
	co.completeCurrent(peerID, operation.KindEndpointWrite, endpoint, status, "write "+endpoint.String())
}

// invoked on arbiter goroutine
func (co *Coordinator) notificationReceived(peerID string, endpoint message.Endpoint, value []byte) {
	switch endpoint {
	case message.EndpointBuzz:
		co.buzzReceived(peerID, value)
	case message.EndpointHeartbeat:
		co.heartbeatReceived(peerID, value)
	case message.EndpointSync:
		co.syncResponseReceived(peerID, value)
	default:
		co.log.Warn().Str("peer", peerID).Stringer("endpoint", endpoint).Msg("notification on unexpected endpoint")
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) buzzReceived(peerID string, value []byte) {
	buzz, err := message.DecodeBuzz(value)
	if err != nil {
		co.publishError(fault.KindParseError, peerID, "malformed buzz: %s", err.Error())
		return
	}

	ts := co.s.Now()
	sample, synchronized := co.sync.Estimate(peerID)
	if synchronized {
		ts = sample.ToLocal(buzz.Timestamp)
	}

	co.log.Info().Str("peer", peerID).Int64("timestamp", ts).Bool("synchronized", synchronized).Msg("buzz received")
	co.publish(
		event.BuzzReceived{
			Peer:         peerID,
			Timestamp:    ts,
			Hash:         buzz.Hash,
			Synchronized: synchronized,
		},
	)
}
