package responder

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

// handler moves peripheral callbacks onto the arbiter goroutine.
type handler struct {
	r *Responder
}

var _ link.PeripheralHandler = (*handler)(nil)

func (h *handler) dispatch(f func()) bool {
	err := h.r.s.Arbiter().Dispatch(f)
	if err != nil {
		h.r.log.Error().Err(err).Msg("failed to dispatch peripheral callback")
		return false
	}
	return true
}

func (h *handler) ConnectionStateChanged(peerID string, connected bool) {
	h.dispatch(func() { h.r.connectionStateChanged(peerID, connected) })
}

func (h *handler) WriteRequested(peerID string, endpoint message.Endpoint, value []byte, respond func(fault.Status)) {
	if !h.dispatch(func() { h.r.writeRequested(peerID, endpoint, value, respond) }) {
		respond(fault.StatusFailure)
	}
}

func (h *handler) SubscribeRequested(peerID string, endpoint message.Endpoint, respond func(fault.Status)) {
	if !h.dispatch(func() { h.r.subscribeRequested(peerID, endpoint, respond) }) {
		respond(fault.StatusFailure)
	}
}

func (h *handler) PayloadSizeChanged(peerID string, size uint16) {
	h.dispatch(func() {
		if peerID != h.r.host {
			return
		}
		h.r.payloadSize = size
		h.r.log.Info().Str("host", peerID).Uint16("size", size).Msg("payload size changed")
	})
}

func (h *handler) NotificationSent(peerID string, endpoint message.Endpoint, status fault.Status) {
	h.dispatch(func() { h.r.notificationSent(peerID, endpoint, status) })
}

func (h *handler) AdvertisingStateChanged(advertising bool, err error) {
	h.dispatch(func() { h.r.advertisingStateChanged(advertising, err) })
}

// invoked on arbiter goroutine
func (r *Responder) notificationSent(peerID string, endpoint message.Endpoint, status fault.Status) {
	r.q.CompleteCurrent(
		func(op operation.Operation) bool {
			if op.Common().Peer != peerID || operation.Endpoint(op) != endpoint {
				return false
			}
			return op.Kind() == operation.KindServerNotify || op.Kind() == operation.KindSyncResponse
		},
		status == fault.StatusSuccess,
		status,
		"notify "+endpoint.String()+": "+status.String(),
	)
}

// invoked on arbiter goroutine
func (r *Responder) advertisingStateChanged(advertising bool, err error) {
	if err != nil {
		r.publishError(fault.StatusOf(err).Kind(), "", "advertising failed: %s", err.Error())
	}
	if !advertising && r.state == StateAdvertising {
		r.advertising = false
		r.setState(StateServing)
	}
	r.publish(event.AdvertisingStateChanged{Advertising: advertising})
}

// Execute starts op against the peripheral.
//
// invoked on arbiter goroutine
func (r *Responder) Execute(op operation.Operation) {
	b := op.Common()

	var err error
	switch o := op.(type) {
	case *operation.ServerNotify:
		err = r.peripheral.Notify(b.Peer, o.Endpoint, o.Value, o.Indicate)

	case *operation.SyncResponse:
		value := message.EncodeSyncResponse(
			message.SyncResponse{
				T1: o.T1,
				T2: r.s.Now(),
			},
		)
		err = r.peripheral.Notify(b.Peer, message.EndpointSync, value, false)

	default:
		r.q.Complete(b.ID, false, fault.StatusFailure, op.Kind().String()+" is not a responder operation")
		return
	}

	if err != nil {
		r.q.Complete(b.ID, false, fault.StatusOf(err), err.Error())
	}
}

// OperationFailed applies the per-kind recovery policy.
//
// invoked on arbiter goroutine
func (r *Responder) OperationFailed(op operation.Operation, status fault.Status, msg string) {
	peerID := op.Common().Peer
	logger := r.log.Warn().Str("op", op.Common().ID).Stringer("status", status).Str("message", msg)

	switch o := op.(type) {
	case *operation.ServerNotify:
		if o.Indicate && peerID == r.host {
			// failed indication to the host ends the session
			logger.Msg("indication failed, shutting down server")
			r.publishError(status.Kind(), peerID, "indication on %s failed: %s", o.Endpoint, msg)
			r.peripheral.CancelConnection(peerID)
			r.hostDisconnected(peerID, "indication failed")
			r.closeServer()
			return
		}
		logger.Msg("notification failed")

	case *operation.SyncResponse:
		logger.Msg("sync response failed")

	default:
		logger.Msg("operation failed")
		r.publish(event.Error{Err: fault.New(status.Kind(), peerID, "%s failed: %s", op.Kind(), msg)})
	}
}
