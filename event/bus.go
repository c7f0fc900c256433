package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bus fans each published event out to every subscription in publish order.
// Publish never blocks; a subscriber whose buffer is full loses the event.
type Bus struct {
	log    zerolog.Logger
	buffer int
	onDrop func(subscriber string)

	mutex  sync.Mutex
	subMap map[uint64]*Subscription
	idGen  uint64
	closed bool
}

type Subscription struct {
	id      uint64
	name    string
	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus creates a bus with the given per-subscriber buffer; onDrop may be nil.
func NewBus(buffer uint16, logPrefix string, onDrop func(subscriber string)) *Bus {
	if buffer == 0 {
		buffer = 1
	}
	return &Bus{
		log:    log.With().Str("component", logPrefix).Logger(),
		buffer: int(buffer),
		onDrop: onDrop,
		subMap: make(map[uint64]*Subscription),
	}
}

func (b *Bus) Subscribe(name string) *Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.idGen++
	s := &Subscription{
		id:   b.idGen,
		name: name,
		bus:  b,
		ch:   make(chan Event, b.buffer),
	}

	if b.closed {
		close(s.ch)
		return s
	}

	b.subMap[s.id] = s
	return s
}

func (b *Bus) Publish(ev Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}

	for _, s := range b.subMap {
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			b.log.Warn().
				Str("subscriber", s.name).
				Str("event", ev.Type()).
				Uint64("dropped", n).
				Msg("subscriber buffer full, event dropped")
			if b.onDrop != nil {
				b.onDrop(s.name)
			}
		}
	}
}

// Close ends every subscription; later publishes are discarded.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, s := range b.subMap {
		delete(b.subMap, id)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	_, found := b.subMap[s.id]
	if !found {
		return
	}
	delete(b.subMap, s.id)
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Next blocks until an event arrives, ctx ends, or the subscription closes.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("subscription %s closed", s.name)
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Subscription) Close() {
	s.bus.remove(s)
}

// WaitFor returns the first event of type T accepted by match.
func WaitFor[T Event](ctx context.Context, s *Subscription, match func(T) bool) (T, error) {
	var zero T
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return zero, err
		}
		t, ok := ev.(T)
		if !ok {
			continue
		}
		if match == nil || match(t) {
			return t, nil
		}
	}
}
