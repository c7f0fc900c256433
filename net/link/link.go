// Package link describes the endpoint-addressed transport the session roles
// run on. Requests return an error only when they cannot be issued at all;
// otherwise their outcome arrives later through the role's handler.
package link

import (
	"context"

	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
)

type Discovery struct {
	Peer    string
	Name    string
	Address string
}

// CentralHandler receives coordinator-side transport results, on any goroutine.
type CentralHandler interface {
	PeerDiscovered(Discovery)
	ConnectionStateChanged(peer string, status fault.Status, connected bool)
	EndpointsDiscovered(peer string, status fault.Status, endpoints []message.Endpoint)
	SubscribeCompleted(peer string, endpoint message.Endpoint, status fault.Status)
	PayloadSizeChanged(peer string, size uint16, status fault.Status)
	WriteCompleted(peer string, endpoint message.Endpoint, status fault.Status)
	ReadCompleted(peer string, endpoint message.Endpoint, value []byte, status fault.Status)
	NotificationReceived(peer string, endpoint message.Endpoint, value []byte)
}

type Central interface {
	SetHandler(CentralHandler)
	StartScan(ctx context.Context) error
	StopScan()
	Connect(peer string) error
	Disconnect(peer string) error
	DiscoverEndpoints(peer string) error
	Subscribe(peer string, endpoint message.Endpoint) error
	RequestPayloadSize(peer string, size uint16) error
	Write(peer string, endpoint message.Endpoint, value []byte) error
	Read(peer string, endpoint message.Endpoint) error
	Close() error
}

// PeripheralHandler receives responder-side transport events, on any goroutine.
// respond may be invoked from any goroutine, exactly once.
type PeripheralHandler interface {
	ConnectionStateChanged(peer string, connected bool)
	WriteRequested(peer string, endpoint message.Endpoint, value []byte, respond func(fault.Status))
	SubscribeRequested(peer string, endpoint message.Endpoint, respond func(fault.Status))
	PayloadSizeChanged(peer string, size uint16)
	NotificationSent(peer string, endpoint message.Endpoint, status fault.Status)
	AdvertisingStateChanged(advertising bool, err error)
}

type Peripheral interface {
	SetHandler(PeripheralHandler)
	OpenServer(endpoints []message.Endpoint) error
	CloseServer() error
	StartAdvertising(name string) error
	StopAdvertising() error
	Notify(peer string, endpoint message.Endpoint, value []byte, indicate bool) error
	CancelConnection(peer string) error
	Close() error
}

// Radio reports whether the local radio can be used.
type Radio interface {
	Enabled() bool
	// Watch delivers every power change until ctx ends.
	Watch(ctx context.Context) <-chan bool
}

// AlwaysOn is a Radio for transports without a power switch.
type AlwaysOn struct{}

func (AlwaysOn) Enabled() bool {
	return true
}

func (AlwaysOn) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func Unavailable(peer string, format string, args ...any) *fault.Error {
	return fault.New(fault.KindTransportUnavailable, peer, format, args...)
}
