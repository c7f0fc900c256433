package mem

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
)

type Peripheral struct {
	air   *Air
	id    string
	radio link.Radio
	box   *inbox

	mutex       sync.Mutex
	handler     link.PeripheralHandler
	name        string
	advertising bool
	serving     bool
	endpoints   []message.Endpoint
	connMap     map[string]*conn // central id -> conn
	valueMap    map[message.Endpoint][]byte
}

var _ link.Peripheral = (*Peripheral)(nil)

// NewPeripheral attaches a responder-side device to air. radio may be nil.
func NewPeripheral(air *Air, id string, radio link.Radio) *Peripheral {
	if radio == nil {
		radio = link.AlwaysOn{}
	}
	p := &Peripheral{
		air:      air,
		id:       id,
		radio:    radio,
		box:      newInbox(air),
		connMap:  make(map[string]*conn),
		valueMap: make(map[message.Endpoint][]byte),
	}
	air.register(p)
	return p
}

func (p *Peripheral) ID() string {
	return p.id
}

func (p *Peripheral) SetHandler(h link.PeripheralHandler) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.handler = h
}

func (p *Peripheral) deliver(f func(link.PeripheralHandler)) {
	p.box.post(func() {
		p.mutex.Lock()
		h := p.handler
		p.mutex.Unlock()
		if h != nil {
			f(h)
		}
	})
}

func (p *Peripheral) isAdvertising() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.advertising
}

func (p *Peripheral) isServing() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.serving
}

func (p *Peripheral) advertisedName() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.name
}

func (p *Peripheral) servedEndpoints() []message.Endpoint {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return slices.Clone(p.endpoints)
}

func (p *Peripheral) serves(endpoint message.Endpoint) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.serving && slices.Contains(p.endpoints, endpoint)
}

func (p *Peripheral) lastValue(endpoint message.Endpoint) ([]byte, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	v, found := p.valueMap[endpoint]
	return v, found
}

func (p *Peripheral) attach(central string, l *conn) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.connMap[central] = l
}

func (p *Peripheral) detach(central string, l *conn) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.connMap[central] == l {
		delete(p.connMap, central)
	}
}

func (p *Peripheral) OpenServer(endpoints []message.Endpoint) error {
	if !p.radio.Enabled() {
		return link.Unavailable("", "radio disabled")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.serving = true
	p.endpoints = slices.Clone(endpoints)
	return nil
}

func (p *Peripheral) CloseServer() error {
	p.mutex.Lock()
	p.serving = false
	p.endpoints = nil
	links := make(map[string]*conn, len(p.connMap))
	for central, l := range p.connMap {
		links[central] = l
		delete(p.connMap, central)
	}
	p.mutex.Unlock()

	for central, l := range links {
		p.closeConn(central, l)
	}
	return nil
}

func (p *Peripheral) StartAdvertising(name string) error {
	if !p.radio.Enabled() {
		err := link.Unavailable("", "radio disabled")
		p.deliver(func(h link.PeripheralHandler) { h.AdvertisingStateChanged(false, err) })
		return err
	}

	p.mutex.Lock()
	p.name = name
	p.advertising = true
	p.mutex.Unlock()

	p.deliver(func(h link.PeripheralHandler) { h.AdvertisingStateChanged(true, nil) })
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mutex.Lock()
	was := p.advertising
	p.advertising = false
	p.mutex.Unlock()

	if was {
		p.deliver(func(h link.PeripheralHandler) { h.AdvertisingStateChanged(false, nil) })
	}
	return nil
}

func (p *Peripheral) Notify(peer string, endpoint message.Endpoint, value []byte, indicate bool) error {
	p.mutex.Lock()
	l, found := p.connMap[peer]
	p.mutex.Unlock()
	if !found {
		return link.Unavailable(peer, "not connected")
	}

	l.mutex.Lock()
	subscribed := l.subscribed[endpoint]
	limit := l.payloadSize
	closed := l.closed
	l.mutex.Unlock()

	if closed {
		return link.Unavailable(peer, "link closed")
	}
	if !subscribed {
		p.deliver(func(h link.PeripheralHandler) { h.NotificationSent(peer, endpoint, fault.StatusNotFound) })
		return nil
	}
	if len(value) > int(limit) {
		p.deliver(func(h link.PeripheralHandler) { h.NotificationSent(peer, endpoint, fault.StatusRejected) })
		return nil
	}

	buf := append([]byte(nil), value...)
	p.mutex.Lock()
	p.valueMap[endpoint] = buf
	p.mutex.Unlock()

	if indicate {
		l.central.receive(l, endpoint, buf, func() {
			p.deliver(func(h link.PeripheralHandler) { h.NotificationSent(peer, endpoint, fault.StatusSuccess) })
		})
		return nil
	}

	l.central.receive(l, endpoint, buf, nil)
	p.deliver(func(h link.PeripheralHandler) { h.NotificationSent(peer, endpoint, fault.StatusSuccess) })
	return nil
}

func (p *Peripheral) CancelConnection(peer string) error {
	p.mutex.Lock()
	l, found := p.connMap[peer]
	if found {
		delete(p.connMap, peer)
	}
	p.mutex.Unlock()

	if !found {
		return link.Unavailable(peer, "not connected")
	}

	p.closeConn(peer, l)
	return nil
}

func (p *Peripheral) closeConn(central string, l *conn) {
	l.mutex.Lock()
	already := l.closed
	l.closed = true
	l.mutex.Unlock()

	if already {
		return
	}

	l.central.dropped(p.id, l)
	p.deliver(func(h link.PeripheralHandler) { h.ConnectionStateChanged(central, false) })
}

func (p *Peripheral) Close() error {
	p.StopAdvertising()
	p.CloseServer()
	p.air.unregister(p)

	done := make(chan struct{})
	p.box.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		return fmt.Errorf("peripheral %s: inbox did not drain", p.id)
	}
	p.box.close()
	return nil
}
