// Package responder implements the player role: it advertises, accepts a
// single host, serves question and sync writes, and pushes buzz, heartbeat
// and sync-reply notifications.
package responder

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	"github.com/Meander-Cloud/go-buzzer/operation"
	"github.com/Meander-Cloud/go-buzzer/session"
)

type State uint8

const (
	StateIdle        State = 0
	StateAdvertising State = 1
	StateServing     State = 2
	StateConnected   State = 3
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAdvertising:
		return "Advertising"
	case StateServing:
		return "Serving"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

type question struct {
	wire   message.Question
	hash   uint32
	active bool
}

type Responder struct {
	s          *session.Session
	t          config.Timing
	log        zerolog.Logger
	peripheral link.Peripheral
	q          *operation.Queue
	name       string
	limiter    *rate.Limiter
	stopOnce   sync.Once

	// below state is owned by the arbiter goroutine
	state              State
	host               string
	serverOpen         bool
	advertising        bool
	payloadSize        uint16
	subscribed         map[message.Endpoint]bool
	question           *question
	heartbeatScheduled bool
	resumeScheduled    bool
	radioEnabled       bool
	stopped            bool
}

func NewResponder(s *session.Session, peripheral link.Peripheral) (*Responder, error) {
	if s == nil || peripheral == nil {
		err := fmt.Errorf("responder requires session and peripheral")
		return nil, err
	}

	t := s.Timing()
	r := &Responder{
		s:            s,
		t:            t,
		log:          s.Logger("responder"),
		peripheral:   peripheral,
		q:            s.Queue(),
		name:         s.Config().DeviceName,
		limiter:      rate.NewLimiter(rate.Every(t.BuzzMinInterval), 1),
		payloadSize:  t.DefaultPayloadSize,
		subscribed:   make(map[message.Endpoint]bool),
		radioEnabled: s.Radio().Enabled(),
	}

	peripheral.SetHandler(&handler{r: r})
	r.q.Bind(r, r)
	s.OnRadio(r.radioChanged)

	return r, nil
}

func (r *Responder) publish(ev event.Event) {
	r.s.Bus().Publish(ev)
}

func (r *Responder) publishError(kind fault.Kind, peerID string, format string, args ...any) {
	e := fault.New(kind, peerID, format, args...)
	r.log.Error().Err(e).Send()
	r.publish(event.Error{Err: e})
}

func (r *Responder) wait(f func() error) error {
	var err error
	dispatchErr := r.s.Arbiter().DispatchWait(
		func() {
			err = f()
		},
	)
	if dispatchErr != nil {
		return dispatchErr
	}
	return err
}

// StartAdvertising opens the endpoint server and advertises; invoked on any goroutine.
func (r *Responder) StartAdvertising() error {
	return r.wait(r.startAdvertising)
}

func (r *Responder) StopAdvertising() error {
	return r.wait(func() error {
		r.stopAdvertising()
		if r.state == StateAdvertising {
			r.setState(StateServing)
		}
		return nil
	})
}

// Buzz signals the host for the currently answerable question.
func (r *Responder) Buzz() error {
	return r.wait(r.buzz)
}

// DisconnectFromHost asks the host to drop this player.
func (r *Responder) DisconnectFromHost() error {
	return r.wait(r.disconnectFromHost)
}

func (r *Responder) State() State {
	var state State
	r.s.Arbiter().DispatchWait(func() { state = r.state })
	return state
}

func (r *Responder) Host() string {
	var host string
	r.s.Arbiter().DispatchWait(func() { host = r.host })
	return host
}

// Stop tells a connected host goodbye, synthesizes the disconnect, cancels
// periodic tasks and closes the server. Repeated calls are no-ops.
func (r *Responder) Stop() {
	r.stopOnce.Do(r.stop)
}

func (r *Responder) stop() {
	// the sentinel queues behind any notification still in flight
	sent := make(chan struct{})
	err := r.s.Arbiter().DispatchWait(
		func() {
			// invoked on arbiter goroutine
			r.stopped = true
			if r.host == "" {
				close(sent)
				return
			}
			r.q.Enqueue(
				&operation.ServerNotify{
					Base: operation.Base{
						Peer: r.host,
						Callback: func(success bool, status fault.Status, _ string) {
							// invoked on arbiter goroutine
							if !success {
								r.log.Warn().Stringer("status", status).Msg("failed to send disconnect sentinel")
							}
							close(sent)
						},
					},
					Endpoint: message.EndpointHeartbeat,
					Value:    message.HeartbeatDisconnect,
				},
			)
		},
	)
	if err == nil {
		select {
		case <-sent:
		case <-time.After(r.t.DisconnectTimeout):
			r.log.Warn().Dur("timeout", r.t.DisconnectTimeout).Msg("disconnect sentinel unconfirmed")
		}
	}

	err = r.s.Arbiter().DispatchWait(
		func() {
			// invoked on arbiter goroutine
			if r.host != "" {
				host := r.host
				r.peripheral.CancelConnection(host)
				r.hostDisconnected(host, "responder stopped")
			}
			r.q.Clear()
			r.closeServer()
		},
	)
	if err != nil {
		r.log.Warn().Err(err).Msg("stop dispatched after arbiter shutdown")
	}

	err = r.peripheral.Close()
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to close peripheral")
	}
	r.log.Info().Msg("responder stopped")
}

// invoked on arbiter goroutine
func (r *Responder) setState(state State) {
	if r.state == state {
		return
	}
	r.log.Info().Stringer("from", r.state).Stringer("to", state).Msg("responder state")
	r.state = state
}

// invoked on arbiter goroutine
func (r *Responder) startAdvertising() error {
	if r.stopped || !r.radioEnabled {
		e := fault.New(fault.KindTransportUnavailable, "", "cannot advertise, radio disabled or responder stopped")
		r.log.Warn().Err(e).Send()
		return e
	}
	if r.host != "" {
		e := fault.New(fault.KindAlreadyInProgress, r.host, "already serving a host")
		r.log.Info().Err(e).Send()
		return e
	}
	if r.advertising {
		e := fault.New(fault.KindAlreadyInProgress, "", "already advertising")
		r.log.Info().Err(e).Send()
		return e
	}

	if !r.serverOpen {
		err := r.peripheral.OpenServer(message.Endpoints)
		if err != nil {
			r.log.Error().Err(err).Msg("failed to open server")
			return err
		}
		r.serverOpen = true
	}

	err := r.peripheral.StartAdvertising(r.name)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to start advertising")
		return err
	}

	r.advertising = true
	r.setState(StateAdvertising)
	return nil
}

// invoked on arbiter goroutine
func (r *Responder) stopAdvertising() {
	if !r.advertising {
		return
	}
	err := r.peripheral.StopAdvertising()
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to stop advertising")
	}
	r.advertising = false
}

// invoked on arbiter goroutine
func (r *Responder) closeServer() {
	r.releaseTimers()
	r.stopAdvertising()
	if r.serverOpen {
		err := r.peripheral.CloseServer()
		if err != nil {
			r.log.Warn().Err(err).Msg("failed to close server")
		}
		r.serverOpen = false
	}
	r.setState(StateIdle)
}

// invoked on arbiter goroutine
func (r *Responder) releaseTimers() {
	if r.heartbeatScheduled {
		r.s.Arbiter().ReleaseGroup(group.GroupHeartbeatSend)
		r.heartbeatScheduled = false
	}
	if r.resumeScheduled {
		r.s.Arbiter().ReleaseGroup(group.GroupAdvertiseResume)
		r.resumeScheduled = false
	}
	r.clearQuestion()
}

// invoked on arbiter goroutine
func (r *Responder) radioChanged(enabled bool) {
	r.radioEnabled = enabled
	if enabled {
		return
	}

	// session has already cleared the queue
	if r.host != "" {
		host := r.host
		r.peripheral.CancelConnection(host)
		r.hostDisconnected(host, "radio disabled")
	}
	r.closeServer()
}
