package arbiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/group"
)

type Options struct {
	EventChannelLength uint16
	LogPrefix          string
	LogDebug           bool
}

type event struct {
	f  func()
	t0 time.Time
}

// Arbiter owns one goroutine on which all session state is mutated.
type Arbiter struct {
	options *Options
	log     zerolog.Logger
	s       *scheduler.Scheduler[group.Group]
	eventpl sync.Pool
	eventch chan *event

	stopOnce sync.Once
	stopch   chan struct{}
}

func NewArbiter(options *Options) *Arbiter {
	eventChannelLength := options.EventChannelLength
	if eventChannelLength == 0 {
		eventChannelLength = config.EventChannelLength
	}

	a := &Arbiter{
		options: options,
		log:     log.With().Str("component", options.LogPrefix).Logger(),
		s: scheduler.NewScheduler[group.Group](
			&scheduler.Options{
				EventChannelLength: eventChannelLength,
				LogPrefix:          options.LogPrefix,
				LogDebug:           options.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return &event{}
			},
		},
		eventch: make(chan *event, eventChannelLength),
		stopch:  make(chan struct{}),
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[group.Group], _ *scheduler.AsyncVariant[group.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[group.Group], v *scheduler.AsyncVariant[group.Group]) {
					a.log.Info().Msgf("eventch released, select count: %d", v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopch)
		a.s.Shutdown() // wait
	})
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[group.Group] {
	return a.s
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.options.LogPrefix, evtAny)
		a.log.Error().Err(err).Send()
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.f = nil
	evt.t0 = time.Time{}
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		a.log.Error().Msgf("failed to cast event, recv=%#v", recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				a.log.Error().Msgf("functor recovered from panic: %+v", rec)
			}
		}()
		evt.f()
	}()

	t2 := time.Now().UTC()

	// log event lifecycle
	a.log.Debug().
		Int64("goQueueWaitUs", t1.Sub(evt.t0).Microseconds()).
		Int64("evtFuncElapsedUs", t2.Sub(t1).Microseconds()).
		Msg("event")
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	select {
	case <-a.stopch:
		err := fmt.Errorf("%s: arbiter shut down", a.options.LogPrefix)
		a.log.Warn().Err(err).Send()
		return err
	default:
	}

	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.options.LogPrefix)
		a.log.Error().Err(err).Send()

		a.returnEvent(evt)
		return err
	}

	return nil
}

// DispatchWait runs f on the arbiter goroutine and waits for it to return.
// Must not be invoked on the arbiter goroutine.
func (a *Arbiter) DispatchWait(f func()) error {
	done := make(chan struct{})
	err := a.Dispatch(
		func() {
			defer close(done)
			f()
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-a.stopch:
		return fmt.Errorf("%s: arbiter shut down while waiting", a.options.LogPrefix)
	}
}

// ScheduleTimer runs f on the arbiter goroutine after wait. With releaseGroup,
// timers already pending in g are cancelled first; otherwise they coexist.
//
// caller must be on arbiter goroutine
func (a *Arbiter) ScheduleTimer(g group.Group, releaseGroup bool, wait time.Duration, f func()) {
	a.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.TimerAsync(
				releaseGroup,
				[]group.Group{g},
				wait,
				f,
				nil,
			),
		},
	)
}

// caller must be on arbiter goroutine
func (a *Arbiter) ReleaseGroup(g group.Group) {
	a.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[group.Group]{
			Group: g,
		},
	)
}
