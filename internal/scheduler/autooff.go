package scheduler

import (
	"sync"
	"time"
)

type timerKey struct {
	deviceID string
	switchID string
}

type armedTimer struct {
	timer *time.Timer
	gen   uint64
}

// AutoOffTimers holds at most one pending auto-off per switch
type AutoOffTimers struct {
	mu      sync.Mutex
	timers  map[timerKey]armedTimer
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

// NewAutoOffTimers creates an empty timer registry
func NewAutoOffTimers() *AutoOffTimers {
	return &AutoOffTimers{timers: make(map[timerKey]armedTimer)}
}

// Arm schedules fn after delay, replacing any pending timer for the switch.
// fn runs at most once and only if the timer was not cancelled or replaced.
func (a *AutoOffTimers) Arm(deviceID, switchID string, delay time.Duration, fn func()) {
	key := timerKey{deviceID, switchID}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if prev, ok := a.timers[key]; ok {
		prev.timer.Stop()
	}

	a.gen++
	gen := a.gen
	a.timers[key] = armedTimer{
		gen: gen,
		timer: time.AfterFunc(delay, func() {
			if !a.claim(key, gen) {
				return
			}
			defer a.wg.Done()
			fn()
		}),
	}
}

// claim removes the entry if it still belongs to generation gen
func (a *AutoOffTimers) claim(key timerKey, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.timers[key]
	if !ok || cur.gen != gen || a.stopped {
		return false
	}
	delete(a.timers, key)
	a.wg.Add(1)
	return true
}

// Cancel stops the pending timer for the switch, reporting whether one existed
func (a *AutoOffTimers) Cancel(deviceID, switchID string) bool {
	key := timerKey{deviceID, switchID}

	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.timers[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(a.timers, key)
	return true
}

// Pending reports whether a timer is armed for the switch
func (a *AutoOffTimers) Pending(deviceID, switchID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[timerKey{deviceID, switchID}]
	return ok
}

// Len returns the number of armed timers
func (a *AutoOffTimers) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Stop cancels every pending timer and waits for running callbacks.
// Arm is a no-op afterwards.
func (a *AutoOffTimers) Stop() {
	a.mu.Lock()
	a.stopped = true
	for key, t := range a.timers {
		t.timer.Stop()
		delete(a.timers, key)
	}
	a.mu.Unlock()

	a.wg.Wait()
}
