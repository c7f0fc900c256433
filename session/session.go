// Package session holds the per-device engine shared by either role: the
// arbiter goroutine, operation queue, event bus, clock and radio watch.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/arbiter"
	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/metrics"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

type Options struct {
	Config  *config.Config
	Clock   clockwork.Clock
	Metrics metrics.Collector
	Radio   link.Radio
}

type Session struct {
	c       *config.Config
	t       config.Timing
	id      string
	log     zerolog.Logger
	clock   clockwork.Clock
	metrics metrics.Collector
	radio   link.Radio

	a *arbiter.Arbiter
	b *event.Bus
	q *operation.Queue

	// invoked on arbiter goroutine
	radioHandlers []func(enabled bool)

	mutex   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSession(options *Options) (*Session, error) {
	if options == nil {
		err := fmt.Errorf("nil options")
		log.Error().Err(err).Send()
		return nil, err
	}

	c := options.Config
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	clock := options.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	collector := options.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	radio := options.Radio
	if radio == nil {
		radio = link.AlwaysOn{}
	}

	t := c.Timing()
	prefix := c.GetLogPrefix()

	a := arbiter.NewArbiter(
		&arbiter.Options{
			EventChannelLength: t.EventChannelLength,
			LogPrefix:          prefix + "-arbiter",
			LogDebug:           c.LogDebug,
		},
	)

	s := &Session{
		c:       c,
		t:       t,
		id:      uuid.NewString(),
		log:     log.With().Str("component", prefix).Logger(),
		clock:   clock,
		metrics: collector,
		radio:   radio,
		a:       a,
		b:       event.NewBus(t.SubscriberBufferLength, prefix+"-bus", collector.BusDropped),
	}
	s.q = operation.NewQueue(
		&operation.QueueOptions{
			Arbiter:   a,
			Clock:     clock,
			Timing:    t,
			Observer:  collector,
			LogPrefix: prefix + "-queue",
		},
	)

	s.log.Info().Str("session", s.id).Str("role", c.Role).Msg("session created")
	return s, nil
}

// Start begins watching the radio. Roles should be constructed before Start.
func (s *Session) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopped {
		err := fmt.Errorf("session %s already stopped", s.id)
		s.log.Error().Err(err).Send()
		return err
	}
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ch := s.radio.Watch(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for enabled := range ch {
			s.radioChanged(enabled)
		}
	}()

	s.log.Info().Bool("radio", s.radio.Enabled()).Msg("session started")
	return nil
}

func (s *Session) radioChanged(enabled bool) {
	err := s.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			s.log.Info().Bool("enabled", enabled).Msg("radio state changed")
			if !enabled {
				s.q.Clear()
			}
			for _, f := range s.radioHandlers {
				f(enabled)
			}
			s.b.Publish(event.RadioStateChanged{Enabled: enabled})
		},
	)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to dispatch radio change")
	}
}

// Stop ends the radio watch, shuts down the arbiter and closes the bus.
// Roles must be stopped first.
func (s *Session) Stop() {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.a.Shutdown() // wait
	s.b.Close()
	s.log.Info().Str("session", s.id).Msg("session stopped")
}

// OnRadio registers f to run on the arbiter goroutine on every radio change.
// Must be invoked before Start.
func (s *Session) OnRadio(f func(enabled bool)) {
	s.radioHandlers = append(s.radioHandlers, f)
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Config() *config.Config     { return s.c }
func (s *Session) Timing() config.Timing      { return s.t }
func (s *Session) Clock() clockwork.Clock     { return s.clock }
func (s *Session) Metrics() metrics.Collector { return s.metrics }
func (s *Session) Radio() link.Radio          { return s.radio }
func (s *Session) Arbiter() *arbiter.Arbiter  { return s.a }
func (s *Session) Bus() *event.Bus            { return s.b }
func (s *Session) Queue() *operation.Queue    { return s.q }

// Now returns the session clock in unix nanoseconds.
func (s *Session) Now() int64 {
	return s.clock.Now().UnixNano()
}

// Logger derives a component logger under the session prefix.
func (s *Session) Logger(component string) zerolog.Logger {
	return log.With().Str("component", s.c.GetLogPrefix()+"-"+component).Logger()
}
