package mem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
)

type Central struct {
	air   *Air
	id    string
	radio link.Radio
	box   *inbox

	mutex      sync.Mutex
	handler    link.CentralHandler
	scanCancel context.CancelFunc
	connMap    map[string]*conn // peripheral id -> conn
}

var _ link.Central = (*Central)(nil)

// NewCentral attaches a coordinator-side device to air. radio may be nil.
func NewCentral(air *Air, id string, radio link.Radio) *Central {
	if radio == nil {
		radio = link.AlwaysOn{}
	}
	return &Central{
		air:     air,
		id:      id,
		radio:   radio,
		box:     newInbox(air),
		connMap: make(map[string]*conn),
	}
}

func (c *Central) ID() string {
	return c.id
}

func (c *Central) SetHandler(h link.CentralHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handler = h
}

func (c *Central) getHandler() link.CentralHandler {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.handler
}

// deliver runs f against the handler on the central inbox.
func (c *Central) deliver(f func(link.CentralHandler)) {
	c.box.post(func() {
		h := c.getHandler()
		if h != nil {
			f(h)
		}
	})
}

func (c *Central) getConn(peer string) (*conn, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	l, found := c.connMap[peer]
	if !found {
		return nil, link.Unavailable(peer, "not connected")
	}
	return l, nil
}

func (c *Central) StartScan(ctx context.Context) error {
	if !c.radio.Enabled() {
		return link.Unavailable("", "radio disabled")
	}

	c.mutex.Lock()
	if c.scanCancel != nil {
		c.mutex.Unlock()
		return fault.New(fault.KindAlreadyInProgress, "", "scan already running")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	c.scanCancel = cancel
	c.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()

		for {
			for _, p := range c.air.advertising() {
				d := link.Discovery{
					Peer:    p.id,
					Name:    p.advertisedName(),
					Address: "mem://" + p.id,
				}
				c.deliver(func(h link.CentralHandler) { h.PeerDiscovered(d) })
			}

			select {
			case <-ticker.C:
			case <-scanCtx.Done():
				return
			}
		}
	}()

	return nil
}

func (c *Central) StopScan() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

func (c *Central) Connect(peer string) error {
	if !c.radio.Enabled() {
		return link.Unavailable(peer, "radio disabled")
	}

	p := c.air.peripheral(peer)
	if p == nil || !p.isServing() {
		c.deliver(func(h link.CentralHandler) { h.ConnectionStateChanged(peer, fault.StatusNotFound, false) })
		return nil
	}

	c.mutex.Lock()
	_, found := c.connMap[peer]
	if found {
		c.mutex.Unlock()
		c.deliver(func(h link.CentralHandler) { h.ConnectionStateChanged(peer, fault.StatusAlreadyConnected, true) })
		return nil
	}
	l := &conn{
		central:     c,
		peripheral:  p,
		payloadSize: c.air.defaultPayload,
		subscribed:  make(map[message.Endpoint]bool),
	}
	c.connMap[peer] = l
	c.mutex.Unlock()

	p.attach(c.id, l)
	p.deliver(func(h link.PeripheralHandler) { h.ConnectionStateChanged(c.id, true) })
	c.deliver(func(h link.CentralHandler) { h.ConnectionStateChanged(peer, fault.StatusSuccess, true) })
	return nil
}

func (c *Central) Disconnect(peer string) error {
	c.mutex.Lock()
	l, found := c.connMap[peer]
	if found {
		delete(c.connMap, peer)
	}
	c.mutex.Unlock()

	if !found {
		c.deliver(func(h link.CentralHandler) { h.ConnectionStateChanged(peer, fault.StatusSuccess, false) })
		return nil
	}

	l.mutex.Lock()
	l.closed = true
	l.mutex.Unlock()

	l.peripheral.detach(c.id, l)
	l.peripheral.deliver(func(h link.PeripheralHandler) { h.ConnectionStateChanged(c.id, false) })
	c.deliver(func(h link.CentralHandler) { h.ConnectionStateChanged(peer, fault.StatusSuccess, false) })
	return nil
}

// dropped is invoked by the peripheral when it cancels a link.
func (c *Central) dropped(peer string, l *conn) {
	c.mutex.Lock()
	current, found := c.connMap[peer]
	if found && current == l {
		delete(c.connMap, peer)
	}
	c.mutex.Unlock()

	if found && current == l {
		c.deliver(func(h link.CentralHandler) { h.ConnectionStateChanged(peer, fault.StatusSuccess, false) })
	}
}

func (c *Central) DiscoverEndpoints(peer string) error {
	l, err := c.getConn(peer)
	if err != nil {
		return err
	}

	endpoints := l.peripheral.servedEndpoints()
	c.deliver(func(h link.CentralHandler) { h.EndpointsDiscovered(peer, fault.StatusSuccess, endpoints) })
	return nil
}

func (c *Central) Subscribe(peer string, endpoint message.Endpoint) error {
	l, err := c.getConn(peer)
	if err != nil {
		return err
	}

	if !l.peripheral.serves(endpoint) {
		c.deliver(func(h link.CentralHandler) { h.SubscribeCompleted(peer, endpoint, fault.StatusNotFound) })
		return nil
	}

	l.peripheral.deliver(func(h link.PeripheralHandler) {
		h.SubscribeRequested(c.id, endpoint, func(status fault.Status) {
			if status == fault.StatusSuccess {
				l.mutex.Lock()
				l.subscribed[endpoint] = true
				l.mutex.Unlock()
			}
			c.deliver(func(h link.CentralHandler) { h.SubscribeCompleted(peer, endpoint, status) })
		})
	})
	return nil
}

func (c *Central) RequestPayloadSize(peer string, size uint16) error {
	l, err := c.getConn(peer)
	if err != nil {
		return err
	}

	granted := size
	if granted > maxPayloadLen {
		granted = maxPayloadLen
	}

	l.mutex.Lock()
	l.payloadSize = granted
	l.mutex.Unlock()

	l.peripheral.deliver(func(h link.PeripheralHandler) { h.PayloadSizeChanged(c.id, granted) })
	c.deliver(func(h link.CentralHandler) { h.PayloadSizeChanged(peer, granted, fault.StatusSuccess) })
	return nil
}

func (c *Central) Write(peer string, endpoint message.Endpoint, value []byte) error {
	l, err := c.getConn(peer)
	if err != nil {
		return err
	}

	l.mutex.Lock()
	limit := l.payloadSize
	l.mutex.Unlock()

	if len(value) > int(limit) {
		c.deliver(func(h link.CentralHandler) { h.WriteCompleted(peer, endpoint, fault.StatusRejected) })
		return nil
	}

	if !l.peripheral.serves(endpoint) {
		c.deliver(func(h link.CentralHandler) { h.WriteCompleted(peer, endpoint, fault.StatusNotFound) })
		return nil
	}

	buf := append([]byte(nil), value...)
	l.peripheral.deliver(func(h link.PeripheralHandler) {
		h.WriteRequested(c.id, endpoint, buf, func(status fault.Status) {
			c.deliver(func(h link.CentralHandler) { h.WriteCompleted(peer, endpoint, status) })
		})
	})
	return nil
}

func (c *Central) Read(peer string, endpoint message.Endpoint) error {
	l, err := c.getConn(peer)
	if err != nil {
		return err
	}

	value, found := l.peripheral.lastValue(endpoint)
	status := fault.StatusSuccess
	if !found {
		status = fault.StatusNotFound
	}
	c.deliver(func(h link.CentralHandler) { h.ReadCompleted(peer, endpoint, value, status) })
	return nil
}

func (c *Central) Close() error {
	c.StopScan()

	c.mutex.Lock()
	peers := make([]string, 0, len(c.connMap))
	for peer := range c.connMap {
		peers = append(peers, peer)
	}
	c.mutex.Unlock()

	for _, peer := range peers {
		c.Disconnect(peer)
	}

	// let queued deliveries drain before stopping the inbox
	done := make(chan struct{})
	c.box.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		return fmt.Errorf("central %s: inbox did not drain", c.id)
	}
	c.box.close()
	return nil
}

// receive delivers a notification from the peripheral side of l.
func (c *Central) receive(l *conn, endpoint message.Endpoint, value []byte, acked func()) {
	peer := l.peripheral.id
	c.deliver(func(h link.CentralHandler) {
		h.NotificationReceived(peer, endpoint, value)
		if acked != nil {
			acked()
		}
	})
}
