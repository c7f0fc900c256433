// Package operation defines the closed set of transport actions a device can
// issue and the queue that runs them one at a time.
package operation

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
)

type Kind uint8

const (
	KindInvalid                 Kind = 0
	KindConnect                 Kind = 1
	KindDisconnect              Kind = 2
	KindDiscoverEndpoints       Kind = 3
	KindEndpointWrite           Kind = 4
	KindEndpointRead            Kind = 5
	KindEndpointNotifySubscribe Kind = 6
	KindServerNotify            Kind = 7
	KindPayloadSizeRequest      Kind = 8
	KindSyncRequest             Kind = 9
	KindSyncResponse            Kind = 10
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "Connect"
	case KindDisconnect:
		return "Disconnect"
	case KindDiscoverEndpoints:
		return "DiscoverEndpoints"
	case KindEndpointWrite:
		return "EndpointWrite"
	case KindEndpointRead:
		return "EndpointRead"
	case KindEndpointNotifySubscribe:
		return "EndpointNotifySubscribe"
	case KindServerNotify:
		return "ServerNotify"
	case KindPayloadSizeRequest:
		return "PayloadSizeRequest"
	case KindSyncRequest:
		return "SyncRequest"
	case KindSyncResponse:
		return "SyncResponse"
	default:
		return "Invalid"
	}
}

func (k Kind) slug() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindDiscoverEndpoints:
		return "discover"
	case KindEndpointWrite:
		return "write"
	case KindEndpointRead:
		return "read"
	case KindEndpointNotifySubscribe:
		return "subscribe"
	case KindServerNotify:
		return "notify"
	case KindPayloadSizeRequest:
		return "payload"
	case KindSyncRequest:
		return "syncreq"
	case KindSyncResponse:
		return "syncresp"
	default:
		return "invalid"
	}
}

// Callback receives the single completion of an operation.
type Callback func(success bool, status fault.Status, message string)

// Base holds the fields shared by every operation variant.
// ID and Timeout are assigned on enqueue when left empty.
type Base struct {
	Peer     string
	ID       string
	Timeout  time.Duration
	Callback Callback
}

func (b *Base) Common() *Base {
	return b
}

type Operation interface {
	Kind() Kind
	Common() *Base
}

type Connect struct {
	Base
}

type Disconnect struct {
	Base
}

type DiscoverEndpoints struct {
	Base
}

type EndpointWrite struct {
	Base
	Endpoint message.Endpoint
	Value    []byte
}

type EndpointRead struct {
	Base
	Endpoint message.Endpoint
}

type EndpointNotifySubscribe struct {
	Base
	Endpoint message.Endpoint
}

// ServerNotify pushes a value from the local endpoint server; Indicate
// requests acknowledged delivery.
type ServerNotify struct {
	Base
	Endpoint message.Endpoint
	Value    []byte
	Indicate bool
}

type PayloadSizeRequest struct {
	Base
	Size uint16
}

// SyncRequest records T0 when it begins executing.
type SyncRequest struct {
	Base
	T0 int64
}

// SyncResponse answers a sync request received at T1.
type SyncResponse struct {
	Base
	T1 int64
}

func (*Connect) Kind() Kind                 { return KindConnect }
func (*Disconnect) Kind() Kind              { return KindDisconnect }
func (*DiscoverEndpoints) Kind() Kind       { return KindDiscoverEndpoints }
func (*EndpointWrite) Kind() Kind           { return KindEndpointWrite }
func (*EndpointRead) Kind() Kind            { return KindEndpointRead }
func (*EndpointNotifySubscribe) Kind() Kind { return KindEndpointNotifySubscribe }
func (*ServerNotify) Kind() Kind            { return KindServerNotify }
func (*PayloadSizeRequest) Kind() Kind      { return KindPayloadSizeRequest }
func (*SyncRequest) Kind() Kind             { return KindSyncRequest }
func (*SyncResponse) Kind() Kind            { return KindSyncResponse }

// Endpoint returns the endpoint addressed by op, if any.
func Endpoint(op Operation) message.Endpoint {
	switch o := op.(type) {
	case *EndpointWrite:
		return o.Endpoint
	case *EndpointRead:
		return o.Endpoint
	case *EndpointNotifySubscribe:
		return o.Endpoint
	case *ServerNotify:
		return o.Endpoint
	case *SyncRequest, *SyncResponse:
		return message.EndpointSync
	default:
		return message.EndpointInvalid
	}
}

func payload(op Operation) []byte {
	switch o := op.(type) {
	case *EndpointWrite:
		return o.Value
	case *ServerNotify:
		return o.Value
	default:
		return nil
	}
}

// Equal compares operations by kind, peer, endpoint and payload bytes.
// IDs, timeouts and callbacks are ignored.
func Equal(a, b Operation) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() || a.Common().Peer != b.Common().Peer {
		return false
	}
	if Endpoint(a) != Endpoint(b) {
		return false
	}

	switch x := a.(type) {
	case *ServerNotify:
		if x.Indicate != b.(*ServerNotify).Indicate {
			return false
		}
	case *PayloadSizeRequest:
		return x.Size == b.(*PayloadSizeRequest).Size
	case *SyncResponse:
		return x.T1 == b.(*SyncResponse).T1
	}

	return bytes.Equal(payload(a), payload(b))
}

// Fingerprint hashes the same fields Equal compares.
func Fingerprint(op Operation) uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "%d|%s|%d|", op.Kind(), op.Common().Peer, Endpoint(op))
	switch o := op.(type) {
	case *ServerNotify:
		fmt.Fprintf(d, "%t|", o.Indicate)
	case *PayloadSizeRequest:
		fmt.Fprintf(d, "%d|", o.Size)
	case *SyncResponse:
		fmt.Fprintf(d, "%d|", o.T1)
	}
	d.Write(payload(op))
	return d.Sum64()
}

// IDGenerator produces ids of the form <peer>_<kind>_<unixMillis>_<seq>.
type IDGenerator struct {
	clock clockwork.Clock
	seq   atomic.Uint64
}

func NewIDGenerator(clock clockwork.Clock) *IDGenerator {
	return &IDGenerator{
		clock: clock,
	}
}

func (g *IDGenerator) Next(peer string, kind Kind) string {
	return fmt.Sprintf(
		"%s_%s_%d_%d",
		peer,
		kind.slug(),
		g.clock.Now().UnixMilli(),
		g.seq.Add(1),
	)
}
