// Package timectrl owns simulation time for the synthetic engines.
package timectrl

import (
	"sort"
	"sync"
	"time"
)

// SimClock is read-only access to simulation time. Engines and policies
// depend on it rather than on the controller that drives it.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how Start advances simulation time.
type Mode int

const (
	// RealTime paces each tick against the wall clock.
	RealTime Mode = iota
	// Accelerated steps as fast as the loop can run.
	Accelerated
)

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time in discrete ticks, fires pending
// After timers and notifies listeners on every change. It implements
// SimClock. Safe for concurrent use.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	timers      []timer
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns the simulation time passed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// After returns a channel that fires once simulation time reaches Now()+d.
// Non-positive durations fire immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, timer{at: at, ch: ch})
	sort.SliceStable(tc.timers, func(i, j int) bool { return tc.timers[i].at.Before(tc.timers[j].at) })
	return ch
}

// AddListener registers a callback invoked after every time change.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances simulation time by one Tick and returns the new time.
func (tc *TimeController) Step() time.Time {
	return tc.Advance(tc.Tick)
}

// Advance moves simulation time forward by d. Negative durations are ignored.
func (tc *TimeController) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	tc.mu.RLock()
	next := tc.currentTime.Add(d)
	tc.mu.RUnlock()
	return tc.SetTime(next)
}

// SetTime jumps to t, fires every timer due at or before t and notifies
// listeners outside the lock.
func (tc *TimeController) SetTime(t time.Time) time.Time {
	tc.mu.Lock()
	tc.currentTime = t
	due := 0
	for due < len(tc.timers) && !tc.timers[due].at.After(t) {
		tc.timers[due].ch <- t
		due++
	}
	tc.timers = tc.timers[due:]
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return t
}

// Reset rewinds to StartTime and drops pending timers.
func (tc *TimeController) Reset() {
	tc.mu.Lock()
	tc.currentTime = tc.StartTime
	tc.timers = nil
	tc.mu.Unlock()
}

// Start steps the controller until duration of simulation time has passed,
// in a separate goroutine. It returns a channel closed when it finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.SetTime(tc.StartTime)

		var ticker *time.Ticker
		if tc.Mode == RealTime {
			ticker = time.NewTicker(tc.Tick)
			defer ticker.Stop()
		}
		for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tc.Tick {
			if ticker != nil {
				<-ticker.C
			}
			tc.Step()
		}
	}()
	return done
}
