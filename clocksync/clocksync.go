// Package clocksync estimates the clock offset between the coordinator and
// each responder from four-timestamp exchanges.
package clocksync

import (
	"time"
)

// Sample is one exchange. T0 and T3 are coordinator times, T1 and T2 are
// responder times, all unix nanoseconds.
type Sample struct {
	T0, T1, T2, T3 int64

	// responder clock minus coordinator clock
	Offset         time.Duration
	RoundTripDelay time.Duration
}

func Compute(t0, t1, t2, t3 int64) Sample {
	return Sample{
		T0:             t0,
		T1:             t1,
		T2:             t2,
		T3:             t3,
		Offset:         time.Duration(((t1 - t0) + (t2 - t3)) / 2),
		RoundTripDelay: time.Duration((t3 - t0) - (t2 - t1)),
	}
}

// ToLocal converts a responder timestamp to the coordinator clock.
func (s Sample) ToLocal(remote int64) int64 {
	return remote - int64(s.Offset)
}

// ToRemote converts a coordinator timestamp to the responder clock.
func (s Sample) ToRemote(local int64) int64 {
	return local + int64(s.Offset)
}

type RunResult struct {
	Requested int
	Succeeded int
}

type run struct {
	requested int
	completed int
	succeeded int
}

// Engine keeps the minimum round-trip sample per peer.
// Not safe for concurrent use; the owning role mutates it on one goroutine.
type Engine struct {
	estimateMap map[string]Sample
	runMap      map[string]*run
}

func NewEngine() *Engine {
	return &Engine{
		estimateMap: make(map[string]Sample),
		runMap:      make(map[string]*run),
	}
}

// Offer stores s when the peer has no estimate yet or s has a strictly
// smaller round-trip delay. Samples with negative delay are discarded.
func (e *Engine) Offer(peer string, s Sample) bool {
	if s.RoundTripDelay < 0 {
		return false
	}

	stored, found := e.estimateMap[peer]
	if found && s.RoundTripDelay >= stored.RoundTripDelay {
		return false
	}

	e.estimateMap[peer] = s
	return true
}

func (e *Engine) Estimate(peer string) (Sample, bool) {
	s, found := e.estimateMap[peer]
	return s, found
}

func (e *Engine) StartRun(peer string, samples int) {
	e.runMap[peer] = &run{
		requested: samples,
	}
}

func (e *Engine) InRun(peer string) bool {
	_, found := e.runMap[peer]
	return found
}

// SampleDone records a finished sample; done is true once every requested
// sample of the run has finished, successful or not.
func (e *Engine) SampleDone(peer string, success bool) (result RunResult, done bool) {
	r, found := e.runMap[peer]
	if !found {
		return RunResult{}, false
	}

	r.completed++
	if success {
		r.succeeded++
	}

	if r.completed < r.requested {
		return RunResult{}, false
	}

	delete(e.runMap, peer)
	return RunResult{
		Requested: r.requested,
		Succeeded: r.succeeded,
	}, true
}

func (e *Engine) Forget(peer string) {
	delete(e.estimateMap, peer)
	delete(e.runMap, peer)
}

func (e *Engine) Reset() {
	clear(e.estimateMap)
	clear(e.runMap)
}
