package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/arbiter"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/discovery"
	"github.com/Meander-Cloud/go-buzzer/net/link"
)

type PeripheralOptions struct {
	// template for the listener; Protocol is filled in on OpenServer
	*tcp.Options
	Arbiter            *arbiter.Arbiter
	Advertiser         *discovery.Advertiser
	DefaultPayloadSize uint16
}

// peerConn is one accepted central; fields are owned by the arbiter goroutine.
type peerConn struct {
	connState   *ConnState
	payloadSize uint16
	subscribed  map[message.Endpoint]bool
	pendingAck  map[message.Endpoint]int
}

// Peripheral serves endpoints to connected centrals over tcp. Server state is
// owned by the arbiter goroutine; ReadLoop goroutines reach it via Dispatch.
type Peripheral struct {
	options *PeripheralOptions
	log     zerolog.Logger

	connIDGen atomic.Uint32
	liveConns sync.Map // conn id -> *ConnState, every conn with a running ReadLoop

	handler         link.PeripheralHandler
	tcpServer       *tcp.TcpServer
	endpoints       []message.Endpoint
	valueMap        map[message.Endpoint][]byte
	connMap         map[string]*peerConn
	name            string
	advertiseCancel context.CancelFunc
	closed          bool
}

var _ link.Peripheral = (*Peripheral)(nil)

func NewPeripheral(options *PeripheralOptions) (*Peripheral, error) {
	if options == nil || options.Options == nil {
		err := fmt.Errorf("nil tcp options")
		log.Error().Err(err).Send()
		return nil, err
	}
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Error().Err(err).Send()
		return nil, err
	}

	_, _, err := net.SplitHostPort(options.Address)
	if err != nil {
		err = fmt.Errorf("%s: invalid listen address %s, err=%w", options.LogPrefix, options.Address, err)
		log.Error().Err(err).Send()
		return nil, err
	}

	return &Peripheral{
		options:  options,
		log:      log.With().Str("component", options.LogPrefix).Logger(),
		valueMap: make(map[message.Endpoint][]byte),
		connMap:  make(map[string]*peerConn),
	}, nil
}

// server adapts the peripheral to the transport protocol contract.
type server struct {
	p *Peripheral
}

func (s *server) ReadLoop(conn net.Conn) {
	s.p.readLoop(conn)
}

func (s *server) Close() {
	s.p.closeLive()
}

// any goroutine
func (p *Peripheral) dispatch(f func()) {
	err := p.options.Arbiter.Dispatch(f)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to dispatch server callback")
	}
}

// SetHandler must be called before the peripheral is used.
func (p *Peripheral) SetHandler(h link.PeripheralHandler) {
	p.handler = h
}

// caller must be on arbiter goroutine
func (p *Peripheral) OpenServer(endpoints []message.Endpoint) error {
	if p.closed {
		return link.Unavailable("", "peripheral closed")
	}
	if p.tcpServer != nil {
		return nil
	}

	options := *p.options.Options
	options.Protocol = &server{p: p}

	tcpServer, err := tcp.NewTcpServer(&options)
	if err != nil {
		err = fmt.Errorf("%s: failed to listen on %s, err=%w", p.options.LogPrefix, options.Address, err)
		p.log.Error().Err(err).Send()
		return link.Unavailable("", "%s", err.Error())
	}

	p.tcpServer = tcpServer
	p.endpoints = append([]message.Endpoint(nil), endpoints...)
	p.log.Info().Str("address", options.Address).Int("endpoints", len(endpoints)).Msg("server open")
	return nil
}

// caller must be on arbiter goroutine
func (p *Peripheral) CloseServer() error {
	tcpServer := p.tcpServer
	p.tcpServer = nil
	if tcpServer == nil {
		return nil
	}

	// ReadLoops never wait on the arbiter, so once their conns are closed
	// Shutdown returns
	p.closeLive()
	tcpServer.Shutdown()
	p.log.Info().Msg("server closed")
	return nil
}

// closeLive closes every conn that still has a ReadLoop, registered or not.
//
// any goroutine
func (p *Peripheral) closeLive() {
	p.liveConns.Range(func(_, value any) bool {
		connState := value.(*ConnState)
		connState.Ready.Store(false)
		connState.Conn.Close()
		return true
	})
}

func (p *Peripheral) port() (int, error) {
	_, port, err := net.SplitHostPort(p.options.Address)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

// caller must be on arbiter goroutine
func (p *Peripheral) StartAdvertising(name string) error {
	if p.tcpServer == nil {
		return link.Unavailable("", "server not open")
	}
	if p.advertiseCancel != nil {
		return fault.New(fault.KindAlreadyInProgress, "", "already advertising")
	}
	p.name = name

	ctx, cancel := context.WithCancel(context.Background())
	p.advertiseCancel = cancel

	advertiser := p.options.Advertiser
	handler := p.handler
	go func() {
		if advertiser == nil {
			handler.AdvertisingStateChanged(true, nil)
			return
		}

		port, err := p.port()
		if err == nil {
			err = advertiser.Register(ctx, name, port)
		}
		if err != nil {
			handler.AdvertisingStateChanged(false, link.Unavailable("", "advertise failed: %s", err.Error()))
			return
		}
		if ctx.Err() != nil {
			// stopped while registering
			advertiser.Shutdown()
			return
		}
		handler.AdvertisingStateChanged(true, nil)
	}()
	return nil
}

// caller must be on arbiter goroutine
func (p *Peripheral) StopAdvertising() error {
	cancel := p.advertiseCancel
	p.advertiseCancel = nil
	if cancel == nil {
		return nil
	}

	cancel()
	if p.options.Advertiser != nil {
		p.options.Advertiser.Shutdown()
	}
	p.handler.AdvertisingStateChanged(false, nil)
	return nil
}

// caller must be on arbiter goroutine
func (p *Peripheral) Notify(peerID string, endpoint message.Endpoint, value []byte, indicate bool) error {
	pc, found := p.connMap[peerID]
	if !found {
		return fault.New(fault.KindNotFound, peerID, "no connection")
	}
	if !pc.subscribed[endpoint] {
		return fault.New(fault.KindNotFound, peerID, "%s not subscribed", endpoint)
	}
	if len(value) > int(pc.payloadSize) {
		return fault.New(fault.KindRejected, peerID, "value size %d exceeds payload size %d", len(value), pc.payloadSize)
	}
	p.valueMap[endpoint] = value

	err := writeFrame(
		&p.log,
		PeripheralSenderID,
		pc.connState,
		&Frame{
			Notification: &Notification{
				Endpoint: endpointName(endpoint),
				Value:    value,
				Indicate: indicate,
			},
		},
	)
	if err != nil {
		return link.Unavailable(peerID, "notify %s failed: %s", endpoint, err.Error())
	}

	if indicate {
		pc.pendingAck[endpoint]++
		return nil
	}
	p.handler.NotificationSent(peerID, endpoint, fault.StatusSuccess)
	return nil
}

// caller must be on arbiter goroutine
func (p *Peripheral) CancelConnection(peerID string) error {
	pc, found := p.connMap[peerID]
	if !found {
		return fault.New(fault.KindNotFound, peerID, "no connection")
	}
	pc.connState.Ready.Store(false)
	return pc.connState.Conn.Close()
}

// Close stops advertising and the server.
//
// Must not be invoked on the arbiter goroutine.
func (p *Peripheral) Close() error {
	err := p.options.Arbiter.DispatchWait(
		func() {
			// invoked on arbiter goroutine
			p.StopAdvertising()
			p.CloseServer()
			p.closed = true
		},
	)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to close peripheral on arbiter")
	}
	return err
}

// invoked on ReadLoop goroutine
func (p *Peripheral) readLoop(conn net.Conn) {
	peerID := conn.RemoteAddr().String()
	connID := p.connIDGen.Add(1)
	connState := &ConnState{
		ConnID:     connID,
		Conn:       conn,
		Descriptor: fmt.Sprintf("[%d]<-<%s>", connID, peerID),
	}
	p.liveConns.Store(connID, connState)
	defer p.liveConns.Delete(connID)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().UTC().Add(helloTimeout))
	f, err := readFrame(conn, CentralSenderID)
	if err != nil {
		p.log.Warn().Err(err).Str("conn", connState.Descriptor).Msg("failed to read hello")
		return
	}
	if f.Hello == nil || f.Hello.Service != message.ServiceUUID.String() {
		p.log.Warn().Str("conn", connState.Descriptor).Msg("expected hello for buzzer service")
		return
	}
	conn.SetReadDeadline(time.Time{})

	pc := &peerConn{
		connState:   connState,
		payloadSize: p.options.DefaultPayloadSize,
		subscribed:  make(map[message.Endpoint]bool),
		pendingAck:  make(map[message.Endpoint]int),
	}

	// the central sends no request before our hello, so every frame read
	// below is dispatched after pc is registered
	central := f.Hello.Name
	p.dispatch(func() {
		// invoked on arbiter goroutine
		p.accept(peerID, pc, central)
	})
	defer p.dispatch(func() {
		// invoked on arbiter goroutine
		p.dropConn(peerID, pc)
	})

	for {
		f, err := readFrame(conn, CentralSenderID)
		if err != nil {
			p.log.Info().Err(err).Str("conn", connState.Descriptor).Msg("connection closing")
			return
		}

		p.dispatch(func() {
			// invoked on arbiter goroutine
			if p.connMap[peerID] != pc {
				return
			}
			err := p.handleFrame(peerID, pc, f)
			if err != nil {
				p.log.Warn().Err(err).Str("conn", connState.Descriptor).Msg("closing on bad frame")
				connState.Ready.Store(false)
				connState.Conn.Close()
			}
		})
	}
}

// caller must be on arbiter goroutine
func (p *Peripheral) accept(peerID string, pc *peerConn, central string) {
	connState := pc.connState
	if p.closed || p.tcpServer == nil {
		connState.Conn.Close()
		return
	}
	p.connMap[peerID] = pc

	err := writeFrame(&p.log, PeripheralSenderID, connState, &Frame{Hello: &Hello{Service: message.ServiceUUID.String(), Name: p.name}})
	if err != nil {
		delete(p.connMap, peerID)
		connState.Conn.Close()
		return
	}

	connState.Ready.Store(true)
	p.log.Info().Str("conn", connState.Descriptor).Str("central", central).Msg("connection ready")
	p.handler.ConnectionStateChanged(peerID, true)
}

// dropConn forgets pc and reports the disconnect followed by every
// indication left unacknowledged.
//
// caller must be on arbiter goroutine
func (p *Peripheral) dropConn(peerID string, pc *peerConn) {
	pc.connState.Ready.Store(false)
	if p.connMap[peerID] != pc {
		return
	}
	delete(p.connMap, peerID)

	p.handler.ConnectionStateChanged(peerID, false)
	for endpoint, n := range pc.pendingAck {
		for range n {
			p.handler.NotificationSent(peerID, endpoint, fault.StatusTransportUnavailable)
		}
	}
	clear(pc.pendingAck)
}

func (p *Peripheral) respond(connState *ConnState, f *Frame) {
	err := writeFrame(&p.log, PeripheralSenderID, connState, f)
	if err != nil {
		p.log.Warn().Err(err).Str("conn", connState.Descriptor).Msg("failed to respond")
	}
}

// once guards respond callbacks handed to the handler.
func once(f func(fault.Status)) func(fault.Status) {
	var o sync.Once
	return func(status fault.Status) {
		o.Do(func() { f(status) })
	}
}

// caller must be on arbiter goroutine
func (p *Peripheral) handleFrame(peerID string, pc *peerConn, f *Frame) error {
	connState := pc.connState

	switch {
	case f.DiscoverRequest != nil:
		status := fault.StatusSuccess
		var names []string
		if f.DiscoverRequest.Service != message.ServiceUUID.String() {
			status = fault.StatusNotFound
		} else {
			for _, e := range p.endpoints {
				names = append(names, endpointName(e))
			}
		}
		p.respond(connState, &Frame{DiscoverResponse: &DiscoverResponse{Endpoints: names, Status: int32(status)}})

	case f.SubscribeRequest != nil:
		name := f.SubscribeRequest.Endpoint
		endpoint := parseEndpoint(name)
		// respond is invoked by the handler on the arbiter goroutine
		respond := once(func(status fault.Status) {
			if status == fault.StatusSuccess {
				pc.subscribed[endpoint] = true
			}
			p.respond(connState, &Frame{SubscribeResponse: &SubscribeResponse{Endpoint: name, Status: int32(status)}})
		})
		if endpoint == message.EndpointInvalid {
			respond(fault.StatusNotFound)
			return nil
		}
		p.handler.SubscribeRequested(peerID, endpoint, respond)

	case f.PayloadSizeRequest != nil:
		size := min(f.PayloadSizeRequest.Size, maxValueLen)
		size = max(size, p.options.DefaultPayloadSize)
		pc.payloadSize = size
		p.respond(connState, &Frame{PayloadSizeResponse: &PayloadSizeResponse{Size: size, Status: int32(fault.StatusSuccess)}})
		p.handler.PayloadSizeChanged(peerID, size)

	case f.WriteRequest != nil:
		name := f.WriteRequest.Endpoint
		endpoint := parseEndpoint(name)
		respond := once(func(status fault.Status) {
			p.respond(connState, &Frame{WriteResponse: &WriteResponse{Endpoint: name, Status: int32(status)}})
		})
		if endpoint == message.EndpointInvalid {
			respond(fault.StatusNotFound)
			return nil
		}

		limit := pc.payloadSize
		if len(f.WriteRequest.Value) > int(limit) {
			p.log.Warn().Str("conn", connState.Descriptor).Int("len", len(f.WriteRequest.Value)).Uint16("limit", limit).Msg("rejecting oversized write")
			respond(fault.StatusRejected)
			return nil
		}
		p.handler.WriteRequested(peerID, endpoint, f.WriteRequest.Value, respond)

	case f.ReadRequest != nil:
		name := f.ReadRequest.Endpoint
		value, found := p.valueMap[parseEndpoint(name)]
		status := fault.StatusSuccess
		if !found {
			status = fault.StatusNotFound
		}
		p.respond(connState, &Frame{ReadResponse: &ReadResponse{Endpoint: name, Value: value, Status: int32(status)}})

	case f.NotificationAck != nil:
		endpoint := parseEndpoint(f.NotificationAck.Endpoint)
		n := pc.pendingAck[endpoint]
		if n == 0 {
			return fmt.Errorf("unexpected ack for %s", endpoint)
		}
		pc.pendingAck[endpoint] = n - 1
		p.handler.NotificationSent(peerID, endpoint, fault.StatusSuccess)

	default:
		return fmt.Errorf("unsupported frame %+v", f)
	}

	return nil
}
