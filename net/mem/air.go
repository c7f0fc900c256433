// Package mem is an in-process link transport. Every device owns an inbox
// goroutine, and all handler callbacks for that device run there in order.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-buzzer/message"
)

const (
	inboxLength   int           = 4096
	scanInterval  time.Duration = time.Millisecond * 20
	maxPayloadLen uint16        = 512
)

// Air connects the devices of one simulated neighbourhood.
type Air struct {
	mutex          sync.Mutex
	latency        time.Duration
	defaultPayload uint16
	peripheralMap  map[string]*Peripheral
}

func NewAir() *Air {
	return &Air{
		defaultPayload: 23,
		peripheralMap:  make(map[string]*Peripheral),
	}
}

// SetLatency delays every delivery by d.
func (a *Air) SetLatency(d time.Duration) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.latency = d
}

func (a *Air) getLatency() time.Duration {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.latency
}

func (a *Air) register(p *Peripheral) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.peripheralMap[p.id] = p
}

func (a *Air) unregister(p *Peripheral) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.peripheralMap, p.id)
}

func (a *Air) peripheral(id string) *Peripheral {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.peripheralMap[id]
}

func (a *Air) advertising() []*Peripheral {
	a.mutex.Lock()
	list := make([]*Peripheral, 0, len(a.peripheralMap))
	for _, p := range a.peripheralMap {
		list = append(list, p)
	}
	a.mutex.Unlock()

	out := list[:0]
	for _, p := range list {
		if p.isAdvertising() {
			out = append(out, p)
		}
	}
	return out
}

// conn is one central-peripheral connection; fields are guarded by mutex.
type conn struct {
	mutex       sync.Mutex
	central     *Central
	peripheral  *Peripheral
	payloadSize uint16
	subscribed  map[message.Endpoint]bool
	closed      bool
}

type inbox struct {
	air  *Air
	ch   chan func()
	done chan struct{}
	once sync.Once
}

func newInbox(air *Air) *inbox {
	b := &inbox{
		air:  air,
		ch:   make(chan func(), inboxLength),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *inbox) run() {
	for {
		select {
		case f := <-b.ch:
			if d := b.air.getLatency(); d > 0 {
				time.Sleep(d)
			}
			f()
		case <-b.done:
			return
		}
	}
}

func (b *inbox) post(f func()) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.ch <- f:
	case <-b.done:
	}
}

func (b *inbox) close() {
	b.once.Do(func() { close(b.done) })
}

// Radio is a switchable power state shared by any number of devices.
type Radio struct {
	mutex     sync.Mutex
	enabled   bool
	watcherID uint64
	watchers  map[uint64]chan bool
}

func NewRadio(enabled bool) *Radio {
	return &Radio{
		enabled:  enabled,
		watchers: make(map[uint64]chan bool),
	}
}

func (r *Radio) Enabled() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.enabled
}

func (r *Radio) Set(enabled bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.enabled == enabled {
		return
	}
	r.enabled = enabled

	for _, ch := range r.watchers {
		select {
		case ch <- enabled:
		default:
		}
	}
}

func (r *Radio) Watch(ctx context.Context) <-chan bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.watcherID++
	id := r.watcherID
	ch := make(chan bool, 8)
	r.watchers[id] = ch

	go func() {
		<-ctx.Done()
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.watchers, id)
		close(ch)
	}()

	return ch
}
