package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAutoOffTimers_FiresOnce(t *testing.T) {
	timers := NewAutoOffTimers()
	defer timers.Stop()

	var fired atomic.Int32
	done := make(chan struct{})
	timers.Arm("d", "s", 10*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}
	if timers.Pending("d", "s") {
		t.Error("fired timer should not stay pending")
	}
}

func TestAutoOffTimers_Cancel(t *testing.T) {
	timers := NewAutoOffTimers()
	defer timers.Stop()

	var fired atomic.Int32
	timers.Arm("d", "s", 20*time.Millisecond, func() { fired.Add(1) })
	if !timers.Cancel("d", "s") {
		t.Error("Cancel() = false, want true")
	}
	if timers.Cancel("d", "s") {
		t.Error("second Cancel() = true, want false")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestAutoOffTimers_RearmReplaces(t *testing.T) {
	timers := NewAutoOffTimers()
	defer timers.Stop()

	var first, second atomic.Int32
	done := make(chan struct{})
	timers.Arm("d", "s", 20*time.Millisecond, func() { first.Add(1) })
	timers.Arm("d", "s", 30*time.Millisecond, func() {
		second.Add(1)
		close(done)
	})
	if timers.Len() != 1 {
		t.Errorf("Len() = %d, want 1", timers.Len())
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("first = %d, second = %d, want 0 and 1", first.Load(), second.Load())
	}
}

func TestAutoOffTimers_Stop(t *testing.T) {
	timers := NewAutoOffTimers()

	var fired atomic.Int32
	timers.Arm("d", "a", 20*time.Millisecond, func() { fired.Add(1) })
	timers.Arm("d", "b", 20*time.Millisecond, func() { fired.Add(1) })
	timers.Stop()
	timers.Arm("d", "c", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 || timers.Len() != 0 {
		t.Errorf("fired = %d, len = %d after Stop", fired.Load(), timers.Len())
	}
}
