package motion

import (
	"testing"
	"time"
)

func TestOracle_HasRecentMotion(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	o := New()
	o.now = func() time.Time { return now }

	if o.HasRecentMotion("d1", 5*time.Minute) {
		t.Error("no motion recorded yet")
	}

	o.Record("d1", now.Add(-4*time.Minute))
	if !o.HasRecentMotion("d1", 5*time.Minute) {
		t.Error("motion 4 minutes ago should count within 5 minutes")
	}
	if o.HasRecentMotion("d1", 3*time.Minute) {
		t.Error("motion 4 minutes ago should not count within 3 minutes")
	}
	if o.HasRecentMotion("d2", 5*time.Minute) {
		t.Error("motion is tracked per device")
	}

	// an older report never rewinds the last motion
	o.Record("d1", now.Add(-time.Hour))
	if at, _ := o.LastMotion("d1"); !at.Equal(now.Add(-4 * time.Minute)) {
		t.Errorf("LastMotion() = %v", at)
	}
}

func TestOracle_Prune(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	o := New()
	o.now = func() time.Time { return now }

	o.Record("old", now.Add(-2*time.Hour))
	o.Record("fresh", now.Add(-time.Minute))

	if n := o.Prune(time.Hour); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, ok := o.LastMotion("old"); ok {
		t.Error("old entry should be pruned")
	}
	if _, ok := o.LastMotion("fresh"); !ok {
		t.Error("fresh entry should remain")
	}
}
