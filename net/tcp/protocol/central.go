package protocol

import (
	"context"
	"fmt"
	"net"
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

type CentralOptions struct {
	// template for per-peer dialers; Address and Protocol are filled in on Connect
	*tcp.Options
	Arbiter     *arbiter.Arbiter
	Name        string
	Browser     *discovery.Browser
	StaticPeers []string
}

// Central dials peripherals, one tcp client per peer. Client bookkeeping is
// owned by the arbiter goroutine; ReadLoop goroutines reach it via Dispatch.
type Central struct {
	options *CentralOptions
	log     zerolog.Logger

	connIDGen atomic.Uint32

	handler    link.CentralHandler
	clientMap  map[string]*client
	scanCancel context.CancelFunc
	closed     bool
}

var _ link.Central = (*Central)(nil)

// client is the transport protocol for one peer.
type client struct {
	c         *Central
	peer      string
	tcpClient *tcp.TcpClient
	connState atomic.Pointer[ConnState]
	closed    atomic.Bool
}

func NewCentral(options *CentralOptions) (*Central, error) {
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

	return &Central{
		options:   options,
		log:       log.With().Str("component", options.LogPrefix).Logger(),
		clientMap: make(map[string]*client),
	}, nil
}

// SetHandler must be called before the central is used.
func (c *Central) SetHandler(h link.CentralHandler) {
	c.handler = h
}

// dispatch runs f on the arbiter goroutine while cl is still the tracked
// client for its peer.
//
// any goroutine
func (c *Central) dispatch(cl *client, f func()) {
	err := c.options.Arbiter.Dispatch(
		func() {
			// invoked on arbiter goroutine
			if c.clientMap[cl.peer] != cl {
				c.log.Debug().Str("peer", cl.peer).Msg("dropping callback of untracked client")
				return
			}
			f()
		},
	)
	if err != nil {
		c.log.Error().Err(err).Str("peer", cl.peer).Msg("failed to dispatch client callback")
	}
}

// caller must be on arbiter goroutine
func (c *Central) StartScan(ctx context.Context) error {
	if c.closed {
		return link.Unavailable("", "central closed")
	}
	if c.scanCancel != nil {
		return fault.New(fault.KindAlreadyInProgress, "", "already scanning")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	handler := c.handler

	if c.options.Browser != nil {
		err := c.options.Browser.Browse(scanCtx, handler.PeerDiscovered)
		if err != nil {
			cancel()
			return link.Unavailable("", "browse failed: %s", err.Error())
		}
	}
	c.scanCancel = cancel

	peers := append([]string(nil), c.options.StaticPeers...)
	go func() {
		for _, address := range peers {
			if scanCtx.Err() != nil {
				return
			}
			handler.PeerDiscovered(
				link.Discovery{
					Peer:    address,
					Name:    address,
					Address: address,
				},
			)
		}
	}()

	c.log.Info().Int("static", len(peers)).Bool("browse", c.options.Browser != nil).Msg("scan started")
	return nil
}

// caller must be on arbiter goroutine
func (c *Central) StopScan() {
	if c.scanCancel == nil {
		return
	}
	c.scanCancel()
	c.scanCancel = nil
	c.log.Info().Msg("scan stopped")
}

// caller must be on arbiter goroutine
func (c *Central) Connect(peerID string) error {
	if c.closed {
		return link.Unavailable(peerID, "central closed")
	}

	cached, found := c.clientMap[peerID]
	if found && !cached.closed.Load() {
		if cached.connState.Load() != nil {
			c.handler.ConnectionStateChanged(peerID, fault.StatusAlreadyConnected, true)
			return nil
		}
		return fault.New(fault.KindAlreadyInProgress, peerID, "connect already in progress")
	}

	cl := &client{
		c:    c,
		peer: peerID,
	}

	options := *c.options.Options
	options.Address = peerID
	options.Protocol = cl
	options.LogPrefix = c.options.LogPrefix + "-" + peerID

	// track before dialing so the first ReadLoop callback finds cl current
	c.clientMap[peerID] = cl
	tcpClient, err := tcp.NewTcpClient(&options)
	if err != nil {
		delete(c.clientMap, peerID)
		err = fmt.Errorf("%s: failed to create client for %s, err=%w", c.options.LogPrefix, peerID, err)
		c.log.Error().Err(err).Send()
		return link.Unavailable(peerID, "%s", err.Error())
	}
	cl.tcpClient = tcpClient

	c.log.Info().Str("peer", peerID).Msg("connecting")
	return nil
}

// caller must be on arbiter goroutine
func (c *Central) Disconnect(peerID string) error {
	cl, found := c.clientMap[peerID]
	if found {
		delete(c.clientMap, peerID)
		cl.shutdown()
	}

	// callbacks still queued for cl are dropped, so this is its only link-down
	c.handler.ConnectionStateChanged(peerID, fault.StatusSuccess, false)
	return nil
}

// caller must be on arbiter goroutine
func (c *Central) connState(peerID string) (*ConnState, error) {
	cl, found := c.clientMap[peerID]
	if !found {
		return nil, fault.New(fault.KindNotFound, peerID, "no client")
	}
	connState := cl.connState.Load()
	if connState == nil || !connState.Ready.Load() {
		return nil, link.Unavailable(peerID, "not connected")
	}
	return connState, nil
}

// caller must be on arbiter goroutine
func (c *Central) send(peerID string, f *Frame) error {
	connState, err := c.connState(peerID)
	if err != nil {
		return err
	}
	err = writeFrame(&c.log, CentralSenderID, connState, f)
	if err != nil {
		return link.Unavailable(peerID, "write failed: %s", err.Error())
	}
	return nil
}

func (c *Central) DiscoverEndpoints(peerID string) error {
	return c.send(peerID, &Frame{DiscoverRequest: &DiscoverRequest{Service: message.ServiceUUID.String()}})
}

func (c *Central) Subscribe(peerID string, endpoint message.Endpoint) error {
	return c.send(peerID, &Frame{SubscribeRequest: &SubscribeRequest{Endpoint: endpointName(endpoint)}})
}

func (c *Central) RequestPayloadSize(peerID string, size uint16) error {
	return c.send(peerID, &Frame{PayloadSizeRequest: &PayloadSizeRequest{Size: size}})
}

func (c *Central) Write(peerID string, endpoint message.Endpoint, value []byte) error {
	return c.send(peerID, &Frame{WriteRequest: &WriteRequest{Endpoint: endpointName(endpoint), Value: value}})
}

func (c *Central) Read(peerID string, endpoint message.Endpoint) error {
	return c.send(peerID, &Frame{ReadRequest: &ReadRequest{Endpoint: endpointName(endpoint)}})
}

// Close drops every client without reporting link-downs.
//
// Must not be invoked on the arbiter goroutine.
func (c *Central) Close() error {
	var clients []*client
	err := c.options.Arbiter.DispatchWait(
		func() {
			// invoked on arbiter goroutine
			c.StopScan()
			c.closed = true
			clients = make([]*client, 0, len(c.clientMap))
			for peerID, cl := range c.clientMap {
				clients = append(clients, cl)
				delete(c.clientMap, peerID)
			}
		},
	)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to close central on arbiter")
		return err
	}

	for _, cl := range clients {
		cl.shutdown()
	}
	c.log.Info().Int("clients", len(clients)).Msg("central closed")
	return nil
}

func (cl *client) shutdown() {
	if cl.closed.Swap(true) {
		return
	}
	connState := cl.connState.Load()
	if connState != nil {
		connState.Ready.Store(false)
		connState.Conn.Close()
	}
	// Shutdown waits for ReadLoop to return
	go cl.tcpClient.Shutdown()
}

func (cl *client) Close() {
	cl.closed.Store(true)
	connState := cl.connState.Load()
	if connState != nil {
		connState.Ready.Store(false)
		connState.Conn.Close()
	}
}

// invoked on ReadLoop goroutine
func (cl *client) ReadLoop(conn net.Conn) {
	c := cl.c
	defer conn.Close()

	if cl.closed.Load() {
		return
	}

	connID := c.connIDGen.Add(1)
	connState := &ConnState{
		ConnID:     connID,
		Conn:       conn,
		Descriptor: fmt.Sprintf("[%d]-><%s>", connID, cl.peer),
	}

	err := writeFrame(&c.log, CentralSenderID, connState, &Frame{Hello: &Hello{Service: message.ServiceUUID.String(), Name: c.options.Name}})
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().UTC().Add(helloTimeout))
	f, err := readFrame(conn, PeripheralSenderID)
	if err != nil {
		c.log.Warn().Err(err).Str("conn", connState.Descriptor).Msg("failed to read hello")
		return
	}
	if f.Hello == nil || f.Hello.Service != message.ServiceUUID.String() {
		c.log.Warn().Str("conn", connState.Descriptor).Msg("peer is not a buzzer responder")
		return
	}
	conn.SetReadDeadline(time.Time{})

	connState.Ready.Store(true)
	cl.connState.Store(connState)
	if cl.closed.Load() {
		return
	}

	c.log.Info().Str("conn", connState.Descriptor).Str("name", f.Hello.Name).Msg("connection ready")
	c.dispatch(cl, func() {
		c.handler.ConnectionStateChanged(cl.peer, fault.StatusSuccess, true)
	})

	defer func() {
		connState.Ready.Store(false)
		cl.connState.Store(nil)
		cl.shutdown()

		// a dropped link is final; the coordinator decides about reconnecting
		c.dispatch(cl, func() {
			delete(c.clientMap, cl.peer)
			c.handler.ConnectionStateChanged(cl.peer, fault.StatusTransportUnavailable, false)
		})
	}()

	for {
		f, err := readFrame(conn, PeripheralSenderID)
		if err != nil {
			c.log.Info().Err(err).Str("conn", connState.Descriptor).Msg("connection closing")
			return
		}

		err = cl.handleFrame(connState, f)
		if err != nil {
			c.log.Warn().Err(err).Str("conn", connState.Descriptor).Msg("closing on bad frame")
			return
		}
	}
}

// invoked on ReadLoop goroutine
func (cl *client) handleFrame(connState *ConnState, f *Frame) error {
	c := cl.c
	peerID := cl.peer

	switch {
	case f.DiscoverResponse != nil:
		endpoints := make([]message.Endpoint, 0, len(f.DiscoverResponse.Endpoints))
		for _, name := range f.DiscoverResponse.Endpoints {
			endpoint := parseEndpoint(name)
			if endpoint != message.EndpointInvalid {
				endpoints = append(endpoints, endpoint)
			}
		}
		status := fault.Status(f.DiscoverResponse.Status)
		c.dispatch(cl, func() { c.handler.EndpointsDiscovered(peerID, status, endpoints) })

	case f.SubscribeResponse != nil:
		r := f.SubscribeResponse
		c.dispatch(cl, func() { c.handler.SubscribeCompleted(peerID, parseEndpoint(r.Endpoint), fault.Status(r.Status)) })

	case f.PayloadSizeResponse != nil:
		r := f.PayloadSizeResponse
		c.dispatch(cl, func() { c.handler.PayloadSizeChanged(peerID, r.Size, fault.Status(r.Status)) })

	case f.WriteResponse != nil:
		r := f.WriteResponse
		c.dispatch(cl, func() { c.handler.WriteCompleted(peerID, parseEndpoint(r.Endpoint), fault.Status(r.Status)) })

	case f.ReadResponse != nil:
		r := f.ReadResponse
		c.dispatch(cl, func() { c.handler.ReadCompleted(peerID, parseEndpoint(r.Endpoint), r.Value, fault.Status(r.Status)) })

	case f.Notification != nil:
		n := f.Notification
		c.dispatch(cl, func() { c.handler.NotificationReceived(peerID, parseEndpoint(n.Endpoint), n.Value) })
		if n.Indicate {
			return writeFrame(&c.log, CentralSenderID, connState, &Frame{NotificationAck: &NotificationAck{Endpoint: n.Endpoint}})
		}

	default:
		return fmt.Errorf("unsupported frame %+v", f)
	}

	return nil
}
