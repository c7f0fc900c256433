// Package coordinator implements the host role: it scans for responders,
// brings each link through endpoint discovery, subscription, payload-size
// negotiation and clock sync, watches liveness, and dispatches questions.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Meander-Cloud/go-buzzer/clocksync"
	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	"github.com/Meander-Cloud/go-buzzer/operation"
	"github.com/Meander-Cloud/go-buzzer/peer"
	"github.com/Meander-Cloud/go-buzzer/session"
)

type Coordinator struct {
	s       *session.Session
	t       config.Timing
	log     zerolog.Logger
	central link.Central
	q       *operation.Queue
	sync    *clocksync.Engine

	// below state is owned by the arbiter goroutine
	peerMap       map[string]*peer.Connection
	discoveredMap map[string]link.Discovery
	beatMap       map[string]time.Time
	closingMap    map[string]string   // peer -> disconnect reason
	releasedSet   map[string]struct{} // links dropped without a Disconnect operation, link-down still due

	scanning       bool
	scanCancel     context.CancelFunc
	sweepScheduled bool
	radioEnabled   bool
	stopped        bool
}

func NewCoordinator(s *session.Session, central link.Central) (*Coordinator, error) {
	if s == nil || central == nil {
		err := fmt.Errorf("coordinator requires session and central")
		return nil, err
	}

	co := &Coordinator{
		s:       s,
		t:       s.Timing(),
		log:     s.Logger("coordinator"),
		central: central,
		q:       s.Queue(),
		sync:    clocksync.NewEngine(),

		peerMap:       make(map[string]*peer.Connection),
		discoveredMap: make(map[string]link.Discovery),
		beatMap:       make(map[string]time.Time),
		closingMap:    make(map[string]string),
		releasedSet:   make(map[string]struct{}),
		radioEnabled:  s.Radio().Enabled(),
	}

	central.SetHandler(&handler{co: co})
	co.q.Bind(co, co)
	s.OnRadio(co.radioChanged)

	return co, nil
}

func (co *Coordinator) publish(ev event.Event) {
	co.s.Bus().Publish(ev)
}

func (co *Coordinator) publishError(kind fault.Kind, peerID string, format string, args ...any) {
	e := fault.New(kind, peerID, format, args...)
	co.log.Error().Err(e).Send()
	co.publish(event.Error{Err: e})
}

// wait runs f on the arbiter goroutine and returns its error.
func (co *Coordinator) wait(f func() error) error {
	var err error
	dispatchErr := co.s.Arbiter().DispatchWait(
		func() {
			err = f()
		},
	)
	if dispatchErr != nil {
		return dispatchErr
	}
	return err
}

// StartScan begins discovery; invoked on any goroutine.
func (co *Coordinator) StartScan() error {
	return co.wait(co.startScan)
}

func (co *Coordinator) StopScan() error {
	return co.wait(func() error {
		co.stopScan()
		return nil
	})
}

// Connect begins the readiness pipeline for a discovered peer.
func (co *Coordinator) Connect(peerID string) error {
	return co.wait(func() error {
		return co.connect(peerID)
	})
}

func (co *Coordinator) Disconnect(peerID string) error {
	return co.wait(func() error {
		return co.disconnect(peerID, "requested")
	})
}

// Resync runs another clock sync for a ready peer.
func (co *Coordinator) Resync(peerID string) error {
	return co.wait(func() error {
		return co.resync(peerID)
	})
}

// Peers returns a snapshot of tracked connections ordered by id.
func (co *Coordinator) Peers() ([]peer.Connection, error) {
	var out []peer.Connection
	err := co.s.Arbiter().DispatchWait(
		func() {
			out = co.PeersSync()
		},
	)
	return out, err
}

// caller must be on arbiter goroutine
func (co *Coordinator) PeersSync() []peer.Connection {
	out := make([]peer.Connection, 0, len(co.peerMap))
	for _, pc := range co.peerMap {
		c := *pc
		c.LastHeartbeat = co.beatMap[pc.ID]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (co *Coordinator) Estimate(peerID string) (clocksync.Sample, bool) {
	var (
		sample clocksync.Sample
		found  bool
	)
	co.s.Arbiter().DispatchWait(
		func() {
			sample, found = co.sync.Estimate(peerID)
		},
	)
	return sample, found
}

// Stop cancels periodic tasks, releases every connection and closes the central.
func (co *Coordinator) Stop() {
	err := co.s.Arbiter().DispatchWait(
		func() {
			// invoked on arbiter goroutine
			co.stopped = true
			co.stopScan()
			co.releaseTimers()
			co.q.Clear()
			for _, id := range co.peerIDs() {
				co.release(id, "coordinator stopped")
			}
		},
	)
	if err != nil {
		co.log.Warn().Err(err).Msg("stop dispatched after arbiter shutdown")
	}

	err = co.central.Close()
	if err != nil {
		co.log.Warn().Err(err).Msg("failed to close central")
	}
	co.log.Info().Msg("coordinator stopped")
}

func (co *Coordinator) peerIDs() []string {
	ids := make([]string, 0, len(co.peerMap))
	for id := range co.peerMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// invoked on arbiter goroutine
func (co *Coordinator) startScan() error {
	if co.stopped {
		return fault.New(fault.KindTransportUnavailable, "", "coordinator stopped")
	}
	if !co.radioEnabled {
		e := fault.New(fault.KindTransportUnavailable, "", "cannot scan, radio disabled")
		co.log.Warn().Err(e).Send()
		return e
	}
	if co.scanning {
		e := fault.New(fault.KindAlreadyInProgress, "", "scan already running")
		co.log.Info().Err(e).Send()
		return e
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := co.central.StartScan(ctx)
	if err != nil {
		cancel()
		co.log.Error().Err(err).Msg("failed to start scan")
		return err
	}

	co.scanning = true
	co.scanCancel = cancel
	co.log.Info().Msg("scan started")
	co.publish(event.ScanStateChanged{Scanning: true})
	return nil
}

// invoked on arbiter goroutine
func (co *Coordinator) stopScan() {
	if !co.scanning {
		return
	}

	co.central.StopScan()
	co.scanCancel()
	co.scanCancel = nil
	co.scanning = false

	co.log.Info().Msg("scan stopped")
	co.publish(event.ScanStateChanged{Scanning: false})
}

// invoked on arbiter goroutine
func (co *Coordinator) setState(pc *peer.Connection, state peer.State) {
	if pc.State == state {
		return
	}
	from := pc.State
	pc.State = state

	co.log.Info().Str("peer", pc.ID).Stringer("from", from).Stringer("to", state).Msg("peer state")
	co.publish(event.PeerStateChanged{Peer: pc.ID, From: from, State: state})
}

// invoked on arbiter goroutine
func (co *Coordinator) releaseTimers() {
	co.s.Arbiter().ReleaseGroup(group.GroupDiscoverSettle)
	if co.sweepScheduled {
		co.s.Arbiter().ReleaseGroup(group.GroupLivenessSweep)
		co.sweepScheduled = false
	}
}

// invoked on arbiter goroutine
func (co *Coordinator) radioChanged(enabled bool) {
	co.radioEnabled = enabled
	if enabled {
		return
	}

	// session has already cleared the queue
	co.stopScan()
	co.releaseTimers()
	for _, id := range co.peerIDs() {
		co.release(id, "radio disabled")
	}
}

// release drops a peer's link directly, bypassing the queue. The link-down the
// central reports for it afterwards belongs to the released link and is ignored.
//
// invoked on arbiter goroutine
func (co *Coordinator) release(peerID string, reason string) {
	co.releasedSet[peerID] = struct{}{}
	err := co.central.Disconnect(peerID)
	if err != nil {
		delete(co.releasedSet, peerID)
		co.log.Warn().Err(err).Str("peer", peerID).Msg("failed to release link")
	}
	co.disconnected(peerID, reason)
}
