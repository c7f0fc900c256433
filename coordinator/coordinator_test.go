package coordinator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/coordinator"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/metrics"
	"github.com/Meander-Cloud/go-buzzer/model"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	"github.com/Meander-Cloud/go-buzzer/net/mem"
	"github.com/Meander-Cloud/go-buzzer/operation"
	"github.com/Meander-Cloud/go-buzzer/peer"
	"github.com/Meander-Cloud/go-buzzer/responder"
	"github.com/Meander-Cloud/go-buzzer/session"
)

type host struct {
	id    string
	s     *session.Session
	co    *coordinator.Coordinator
	sub   *event.Subscription
	radio *mem.Radio
	ops   *opRecorder
}

type player struct {
	id  string
	s   *session.Session
	r   *responder.Responder
	sub *event.Subscription
}

func hostConfig(id string) *config.Config {
	return &config.Config{
		Role:                   config.RoleHost,
		DeviceName:             id,
		SubscriberBufferLength: 1024,
		DiscoverSettle:         1,
		SyncSampleCount:        3,
		HeartbeatInterval:      20,
		LivenessSweep:          20,
		LivenessThreshold:      200,
		BuzzWindow:             30,
		LogPrefix:              id,
	}
}

func playerConfig(id string) *config.Config {
	return &config.Config{
		Role:                   config.RolePlayer,
		DeviceName:             "Alice",
		SubscriberBufferLength: 1024,
		HeartbeatInterval:      20,
		LivenessThreshold:      200,
		AdvertiseResume:        20,
		LogPrefix:              id,
	}
}

func newHost(t *testing.T, air *mem.Air, c *config.Config) *host {
	t.Helper()

	radio := mem.NewRadio(true)
	ops := &opRecorder{}
	s, err := session.NewSession(&session.Options{Config: c, Radio: radio, Metrics: ops})
	require.NoError(t, err)

	co, err := coordinator.NewCoordinator(s, mem.NewCentral(air, c.DeviceName, radio))
	require.NoError(t, err)

	h := &host{
		id:    c.DeviceName,
		s:     s,
		co:    co,
		sub:   s.Bus().Subscribe("test"),
		radio: radio,
		ops:   ops,
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		co.Stop()
		s.Stop()
	})
	return h
}

func newPlayer(t *testing.T, air *mem.Air, id string, c *config.Config, clock clockwork.Clock) *player {
	t.Helper()

	s, err := session.NewSession(&session.Options{Config: c, Clock: clock})
	require.NoError(t, err)

	r, err := responder.NewResponder(s, mem.NewPeripheral(air, id, nil))
	require.NoError(t, err)

	p := &player{
		id:  id,
		s:   s,
		r:   r,
		sub: s.Bus().Subscribe("test"),
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		r.Stop()
		s.Stop()
	})
	return p
}

func waitFor[T event.Event](t *testing.T, sub *event.Subscription, match func(T) bool) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	ev, err := event.WaitFor(ctx, sub, match)
	require.NoError(t, err)
	return ev
}

func connectReady(t *testing.T, h *host, p *player) event.PeerReady {
	t.Helper()
	require.NoError(t, p.r.StartAdvertising())
	require.NoError(t, h.co.Connect(p.id))
	return waitFor(t, h.sub, func(ev event.PeerReady) bool { return ev.Peer == p.id })
}

func TestPipelineReachesReady(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)

	require.NoError(t, p.r.StartAdvertising())
	require.NoError(t, h.co.StartScan())
	assert.ErrorIs(t, h.co.StartScan(), fault.ErrAlreadyInProgress)

	discovered := waitFor(t, h.sub, func(ev event.PeerDiscovered) bool { return ev.Peer == "p1" })
	assert.Equal(t, "Alice", discovered.Name)
	require.NoError(t, h.co.StopScan())

	require.NoError(t, h.co.Connect("p1"))
	assert.ErrorIs(t, h.co.Connect("p1"), fault.ErrAlreadyInProgress)

	for _, state := range []peer.State{
		peer.StateConnecting,
		peer.StateConnected,
		peer.StateDiscoveringEndpoints,
		peer.StateSubscribingNotifications,
		peer.StateNegotiatingPayloadSize,
		peer.StateSynchronizing,
		peer.StateReady,
	} {
		waitFor(t, h.sub, func(ev event.PeerStateChanged) bool { return ev.Peer == "p1" && ev.State == state })
	}
	waitFor(t, h.sub, func(ev event.PeerReady) bool { return ev.Peer == "p1" })

	peers, err := h.co.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "Alice", peers[0].Name)
	assert.Equal(t, "mem://p1", peers[0].Address)
	assert.Equal(t, peer.StateReady, peers[0].State)
	assert.Equal(t, uint16(512), peers[0].PayloadSize)
	assert.False(t, peers[0].LastHeartbeat.IsZero())

	sample, found := h.co.Estimate("p1")
	require.True(t, found)
	assert.GreaterOrEqual(t, sample.RoundTripDelay, time.Duration(0))

	assert.Equal(t, responder.StateConnected, p.r.State())
	assert.Equal(t, "host", p.r.Host())
	waitFor(t, p.sub, func(ev event.HostConnected) bool { return ev.Peer == "host" })
}

func TestSyncRunReportsEverySample(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)

	require.NoError(t, p.r.StartAdvertising())
	require.NoError(t, h.co.Connect("p1"))

	completed := waitFor(t, h.sub, func(ev event.SyncCompleted) bool { return ev.Peer == "p1" })
	assert.Equal(t, 3, completed.Samples)
	assert.Equal(t, 3, completed.Succeeded)
	assert.True(t, completed.HasEstimate)
}

func TestOffsetTranslatesQuestionTimes(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))

	// responder clock runs an hour ahead
	clock := clockwork.NewFakeClockAt(time.Now().Add(time.Hour))
	p := newPlayer(t, air, "p1", playerConfig("p1"), clock)

	ready := connectReady(t, h, p)
	assert.InDelta(t, float64(time.Hour), float64(ready.Offset), float64(time.Millisecond*500))

	n, err := h.co.SendQuestion(
		&model.Question{
			Text:           "Capital of France?",
			StartDelay:     time.Second * 2,
			ActiveDuration: time.Second * 5,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	received := waitFor[event.QuestionReceived](t, p.sub, nil)
	start := time.Duration(received.StartTime - clock.Now().UnixNano())
	assert.InDelta(t, float64(time.Second*2), float64(start), float64(time.Millisecond*500))
	assert.Equal(t, int64(time.Second*5), received.EndTime-received.StartTime)
}

func TestQuestionPayloadLimit(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	// 16-byte header plus text
	fits := &model.Question{Text: strings.Repeat("a", 496), ActiveDuration: time.Second}
	n, err := h.co.SendQuestion(fits)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := waitFor(t, h.sub, func(ev event.QuestionSent) bool { return ev.Peer == "p1" })
	assert.Equal(t, fits.Hash(), sent.Hash)
	received := waitFor[event.QuestionReceived](t, p.sub, nil)
	assert.Len(t, received.Text, 496)

	tooLarge := &model.Question{Text: strings.Repeat("a", 497), ActiveDuration: time.Second}
	n, err = h.co.SendQuestion(tooLarge)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.Zero(t, n)

	failed := waitFor(t, h.sub, func(ev event.QuestionSendFailed) bool { return ev.Peer == "p1" })
	assert.Equal(t, fault.KindRejected, failed.Err.Kind)

	var (
		busy    bool
		pending int
	)
	require.NoError(t, h.s.Arbiter().DispatchWait(func() {
		busy = h.s.Queue().IsBusy()
		pending = h.s.Queue().Len()
	}))
	assert.False(t, busy)
	assert.Zero(t, pending)

	_, err = h.co.SendQuestion(&model.Question{})
	assert.ErrorIs(t, err, fault.ErrRejected)
}

func TestBuzzReachesHost(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	assert.ErrorIs(t, p.r.Buzz(), fault.ErrRejected)

	q := &model.Question{Text: "Capital of Japan?", ActiveDuration: time.Second * 5}
	_, err := h.co.SendQuestion(q)
	require.NoError(t, err)

	waitFor(t, p.sub, func(ev event.QuestionActive) bool { return ev.Hash == q.Hash() })
	require.NoError(t, p.r.Buzz())

	buzz := waitFor(t, h.sub, func(ev event.BuzzReceived) bool { return ev.Peer == "p1" })
	assert.Equal(t, q.Hash(), buzz.Hash)
	assert.True(t, buzz.Synchronized)
	assert.InDelta(t, float64(time.Now().UnixNano()), float64(buzz.Timestamp), float64(time.Second))

	waitFor(t, p.sub, func(ev event.BuzzSent) bool { return ev.Hash == q.Hash() })

	// buzzes are rate limited
	assert.ErrorIs(t, p.r.Buzz(), fault.ErrRejected)
}

func TestDisconnectSentinel(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	require.NoError(t, p.r.DisconnectFromHost())

	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "peer requested disconnect", gone.Reason)
	waitFor(t, p.sub, func(ev event.HostDisconnected) bool { return ev.Peer == "host" })

	peers, err := h.co.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, found := h.co.Estimate("p1")
	assert.False(t, found)
}

func TestHostDisconnect(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	require.NoError(t, h.co.Disconnect("p1"))
	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "requested", gone.Reason)
	waitFor(t, p.sub, func(ev event.HostDisconnected) bool { return ev.Peer == "host" })

	assert.ErrorIs(t, h.co.Disconnect("p1"), fault.ErrNotFound)
}

func TestSilentPeerIsEvicted(t *testing.T) {
	air := mem.NewAir()

	hc := hostConfig("host")
	hc.LivenessThreshold = 100
	h := newHost(t, air, hc)

	pc := playerConfig("p1")
	pc.HeartbeatInterval = 4000
	pc.LivenessThreshold = 5000
	p := newPlayer(t, air, "p1", pc, nil)

	connectReady(t, h, p)

	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "heartbeat timeout", gone.Reason)
	waitFor(t, p.sub, func(ev event.HostDisconnected) bool { return ev.Peer == "host" })
}

func TestHeartbeatsKeepPeerAlive(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	waitFor(t, h.sub, func(ev event.HeartbeatReceived) bool { return ev.Peer == "p1" })
	time.Sleep(time.Millisecond * 400)

	peers, err := h.co.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, peer.StateReady, peers[0].State)
	assert.WithinDuration(t, time.Now(), peers[0].LastHeartbeat, time.Millisecond*150)
}

func TestSecondHostIsRejected(t *testing.T) {
	air := mem.NewAir()
	first := newHost(t, air, hostConfig("host1"))
	second := newHost(t, air, hostConfig("host2"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, first, p)

	require.NoError(t, second.co.Connect("p1"))

	rejected := waitFor(t, p.sub, func(ev event.Error) bool { return ev.Err.Peer == "host2" })
	assert.Equal(t, fault.KindAlreadyInProgress, rejected.Err.Kind)
	waitFor(t, second.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })

	peers, err := first.co.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, peer.StateReady, peers[0].State)
	assert.Equal(t, "host1", p.r.Host())
}

func TestResyncKeepsBestEstimate(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	before, found := h.co.Estimate("p1")
	require.True(t, found)

	assert.ErrorIs(t, h.co.Resync("unknown"), fault.ErrNotFound)
	require.NoError(t, h.co.Resync("p1"))
	waitFor(t, h.sub, func(ev event.PeerStateChanged) bool {
		return ev.Peer == "p1" && ev.State == peer.StateSynchronizing
	})
	waitFor(t, h.sub, func(ev event.PeerReady) bool { return ev.Peer == "p1" })

	after, found := h.co.Estimate("p1")
	require.True(t, found)
	assert.LessOrEqual(t, after.RoundTripDelay, before.RoundTripDelay)
}

func TestRadioOffDisconnectsPeers(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	h.radio.Set(false)

	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "radio disabled", gone.Reason)
	waitFor(t, h.sub, func(ev event.RadioStateChanged) bool { return !ev.Enabled })

	assert.ErrorIs(t, h.co.StartScan(), fault.ErrTransportUnavailable)
	assert.ErrorIs(t, h.co.Connect("p1"), fault.ErrTransportUnavailable)

	h.radio.Set(true)
	waitFor(t, h.sub, func(ev event.RadioStateChanged) bool { return ev.Enabled })
	require.NoError(t, h.co.StartScan())
}

type opResult struct {
	kind   operation.Kind
	status fault.Status
}

// opRecorder keeps every operation completion the queue reports.
type opRecorder struct {
	metrics.Nop

	mutex   sync.Mutex
	results []opResult
}

func (o *opRecorder) OperationCompleted(op operation.Operation, _ bool, status fault.Status, _ time.Duration) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.results = append(o.results, opResult{kind: op.Kind(), status: status})
}

func (o *opRecorder) count(kind operation.Kind, status fault.Status) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	n := 0
	for _, r := range o.results {
		if r.kind == kind && r.status == status {
			n++
		}
	}
	return n
}

// bareResponder serves endpoints on a raw peripheral with scripted answers.
type bareResponder struct {
	p         *mem.Peripheral
	subscribe fault.Status
	syncReply []byte
}

var _ link.PeripheralHandler = (*bareResponder)(nil)

func newBareResponder(t *testing.T, air *mem.Air, id string, endpoints []message.Endpoint) *bareResponder {
	t.Helper()
	b := &bareResponder{
		p:         mem.NewPeripheral(air, id, nil),
		subscribe: fault.StatusSuccess,
	}
	b.p.SetHandler(b)
	require.NoError(t, b.p.OpenServer(endpoints))
	t.Cleanup(func() { _ = b.p.Close() })
	return b
}

func (b *bareResponder) ConnectionStateChanged(string, bool) {}

func (b *bareResponder) WriteRequested(peerID string, endpoint message.Endpoint, _ []byte, respond func(fault.Status)) {
	respond(fault.StatusSuccess)
	if endpoint == message.EndpointSync && b.syncReply != nil {
		_ = b.p.Notify(peerID, message.EndpointSync, b.syncReply, false)
	}
}

func (b *bareResponder) SubscribeRequested(_ string, _ message.Endpoint, respond func(fault.Status)) {
	respond(b.subscribe)
}

func (b *bareResponder) PayloadSizeChanged(string, uint16) {}

func (b *bareResponder) NotificationSent(string, message.Endpoint, fault.Status) {}

func (b *bareResponder) AdvertisingStateChanged(bool, error) {}

func TestTwoPeersBothReachReady(t *testing.T) {
	air := mem.NewAir()
	hc := hostConfig("host")
	hc.DiscoverSettle = 100
	h := newHost(t, air, hc)
	p1 := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	p2 := newPlayer(t, air, "p2", playerConfig("p2"), nil)

	require.NoError(t, p1.r.StartAdvertising())
	require.NoError(t, p2.r.StartAdvertising())

	// the second connect lands while the first peer's settle timer is pending
	require.NoError(t, h.co.Connect("p1"))
	require.NoError(t, h.co.Connect("p2"))

	seen := make(map[string]bool)
	waitFor(t, h.sub, func(ev event.PeerReady) bool {
		seen[ev.Peer] = true
		return len(seen) == 2
	})

	peers, err := h.co.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	for _, pc := range peers {
		assert.Equal(t, peer.StateReady, pc.State, pc.ID)
	}

	n, err := h.co.SendQuestion(&model.Question{Text: "Both?", ActiveDuration: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	waitFor[event.QuestionReceived](t, p1.sub, nil)
	waitFor[event.QuestionReceived](t, p2.sub, nil)
}

func TestReconnectAfterRadioCycle(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	h.radio.Set(false)
	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "radio disabled", gone.Reason)
	waitFor(t, p.sub, func(ev event.HostDisconnected) bool { return ev.Peer == "host" })

	h.radio.Set(true)
	waitFor(t, h.sub, func(ev event.RadioStateChanged) bool { return ev.Enabled })

	// connect right away, before the released link's link-down is necessarily handled
	connectReady(t, h, p)

	peers, err := h.co.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, peer.StateReady, peers[0].State)
}

func TestConnectFailureTearsDownPeer(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))

	require.NoError(t, h.co.Connect("ghost"))

	failed := waitFor(t, h.sub, func(ev event.Error) bool { return ev.Err.Peer == "ghost" })
	assert.Equal(t, fault.KindOperationFailed, failed.Err.Kind)
	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "ghost" })
	assert.True(t, strings.HasPrefix(gone.Reason, "connect failed"), gone.Reason)

	peers, err := h.co.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.Equal(t, 1, h.ops.count(operation.KindConnect, fault.StatusNotFound))
}

func TestMissingEndpointTearsDownPeer(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	newBareResponder(t, air, "p1", []message.Endpoint{message.EndpointBuzz, message.EndpointHeartbeat})

	require.NoError(t, h.co.Connect("p1"))

	failed := waitFor(t, h.sub, func(ev event.Error) bool { return ev.Err.Peer == "p1" })
	assert.Equal(t, fault.KindOperationFailed, failed.Err.Kind)
	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Contains(t, gone.Reason, "DiscoverEndpoints failed")
	assert.Equal(t, 1, h.ops.count(operation.KindDiscoverEndpoints, fault.StatusNotFound))
}

func TestSubscribeFailureTearsDownPeer(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	b := newBareResponder(t, air, "p1", message.Endpoints)
	b.subscribe = fault.StatusRejected

	require.NoError(t, h.co.Connect("p1"))

	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Contains(t, gone.Reason, "EndpointNotifySubscribe failed")
	assert.GreaterOrEqual(t, h.ops.count(operation.KindEndpointNotifySubscribe, fault.StatusRejected), 1)

	peers, err := h.co.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestPayloadSizeFailureTearsDownPeer(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	require.NoError(t, h.s.Arbiter().DispatchWait(func() {
		h.co.OperationFailed(
			&operation.PayloadSizeRequest{Base: operation.Base{Peer: "p1"}, Size: 512},
			fault.StatusFailure,
			"no grant",
		)
	}))

	failed := waitFor(t, h.sub, func(ev event.Error) bool { return ev.Err.Peer == "p1" })
	assert.Equal(t, fault.KindOperationFailed, failed.Err.Kind)
	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "PayloadSizeRequest failed: no grant", gone.Reason)
	waitFor(t, p.sub, func(ev event.HostDisconnected) bool { return ev.Peer == "host" })
}

func TestDisconnectFailureSynthesizesDisconnect(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	p := newPlayer(t, air, "p1", playerConfig("p1"), nil)
	connectReady(t, h, p)

	require.NoError(t, h.s.Arbiter().DispatchWait(func() {
		h.co.OperationFailed(
			&operation.Disconnect{Base: operation.Base{Peer: "p1"}},
			fault.StatusTimeout,
			"timed out",
		)
	}))

	gone := waitFor(t, h.sub, func(ev event.PeerDisconnected) bool { return ev.Peer == "p1" })
	assert.Equal(t, "disconnect failed: timed out", gone.Reason)

	peers, err := h.co.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)
	_, found := h.co.Estimate("p1")
	assert.False(t, found)

	// the link itself survived, so a new connect adopts it
	require.NoError(t, h.co.Connect("p1"))
	waitFor(t, h.sub, func(ev event.PeerReady) bool { return ev.Peer == "p1" })
	assert.Equal(t, 1, h.ops.count(operation.KindConnect, fault.StatusAlreadyConnected))
}

func TestMalformedSyncResponseFailsSample(t *testing.T) {
	air := mem.NewAir()
	h := newHost(t, air, hostConfig("host"))
	b := newBareResponder(t, air, "p1", message.Endpoints)
	b.syncReply = []byte{0x01}

	require.NoError(t, h.co.Connect("p1"))

	completed := waitFor(t, h.sub, func(ev event.SyncCompleted) bool { return ev.Peer == "p1" })
	assert.Equal(t, 3, completed.Samples)
	assert.Zero(t, completed.Succeeded)
	assert.False(t, completed.HasEstimate)

	noEstimate := waitFor(t, h.sub, func(ev event.Error) bool { return ev.Err.Peer == "p1" })
	assert.Equal(t, fault.KindTimeout, noEstimate.Err.Kind)

	// the run still completes and the peer becomes ready without an estimate
	waitFor(t, h.sub, func(ev event.PeerReady) bool { return ev.Peer == "p1" })
	assert.Eventually(t, func() bool {
		return h.ops.count(operation.KindSyncRequest, fault.StatusParseError) == 3
	}, time.Second, time.Millisecond*10)
	_, found := h.co.Estimate("p1")
	assert.False(t, found)
}
