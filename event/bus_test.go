package event_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-buzzer/event"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := event.NewBus(8, "bus-test", nil)
	defer bus.Close()

	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	bus.Publish(event.PeerConnected{Peer: "p1"})
	bus.Publish(event.PeerReady{Peer: "p1"})
	bus.Publish(event.PeerDisconnected{Peer: "p1", Reason: "gone"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, s := range []*event.Subscription{a, b} {
		var names []string
		for i := 0; i < 3; i++ {
			ev, err := s.Next(ctx)
			require.NoError(t, err)
			names = append(names, ev.Type())
		}
		assert.Equal(t, []string{"PeerConnected", "PeerReady", "PeerDisconnected"}, names)
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	var drops atomic.Int32
	bus := event.NewBus(2, "bus-test", func(string) { drops.Add(1) })
	defer bus.Close()

	slow := bus.Subscribe("slow")
	for i := 0; i < 5; i++ {
		bus.Publish(event.ScanStateChanged{Scanning: i%2 == 0})
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, int32(3), drops.Load())
	assert.Len(t, slow.C(), 2)
}

func TestWaitForSkipsOtherEvents(t *testing.T) {
	bus := event.NewBus(8, "bus-test", nil)
	defer bus.Close()

	s := bus.Subscribe("waiter")
	bus.Publish(event.PeerConnected{Peer: "p1"})
	bus.Publish(event.PeerReady{Peer: "p1"})
	bus.Publish(event.PeerReady{Peer: "p2"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ready, err := event.WaitFor(ctx, s, func(ev event.PeerReady) bool { return ev.Peer == "p2" })
	require.NoError(t, err)
	assert.Equal(t, "p2", ready.Peer)
}

func TestWaitForHonorsContext(t *testing.T) {
	bus := event.NewBus(8, "bus-test", nil)
	defer bus.Close()

	s := bus.Subscribe("waiter")
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	_, err := event.WaitFor[event.GameOver](ctx, s, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := event.NewBus(8, "bus-test", nil)
	s := bus.Subscribe("a")
	unsubscribed := bus.Subscribe("b")
	unsubscribed.Close()
	unsubscribed.Close()

	bus.Close()
	bus.Publish(event.GameOver{Rounds: 1})

	_, err := s.Next(context.Background())
	assert.Error(t, err)

	late := bus.Subscribe("late")
	_, ok := <-late.C()
	assert.False(t, ok)
}
