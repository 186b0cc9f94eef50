package bulk

import (
	"testing"
	"time"
)

func TestArena_Cap(t *testing.T) {
	a := NewArena(2, time.Minute)

	r1, ok1 := a.TryAcquire("d")
	r2, ok2 := a.TryAcquire("d")
	_, ok3 := a.TryAcquire("d")
	if !ok1 || !ok2 || ok3 {
		t.Fatalf("acquire = %v %v %v, want true true false", ok1, ok2, ok3)
	}
	if _, ok := a.TryAcquire("other"); !ok {
		t.Error("other devices must not share the cap")
	}

	r1()
	r1()
	if a.Active("d") != 1 {
		t.Errorf("Active() = %d after double release, want 1", a.Active("d"))
	}
	if _, ok := a.TryAcquire("d"); !ok {
		t.Error("slot should be free after release")
	}
	r2()
}

func TestArena_SweepReclaimsLeakedLeases(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	a := NewArena(1, time.Minute)
	a.now = func() time.Time { return now }

	// release func dropped, as by a task that never returned
	if _, ok := a.TryAcquire("leaked"); !ok {
		t.Fatal("first acquire should succeed")
	}
	now = now.Add(30 * time.Second)
	held, _ := a.TryAcquire("held")

	if n := a.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d before the lease expired, want 0", n)
	}
	if _, ok := a.TryAcquire("leaked"); ok {
		t.Error("device should still be at its cap")
	}

	now = now.Add(45 * time.Second)
	if n := a.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if a.Active("leaked") != 0 || a.Active("held") != 1 {
		t.Errorf("after sweep leaked = %d, held = %d, want 0 and 1", a.Active("leaked"), a.Active("held"))
	}
	release, ok := a.TryAcquire("leaked")
	if !ok {
		t.Fatal("reclaimed slot should admit again")
	}
	release()

	// releasing after a reclaim must not free someone else's slot
	now = now.Add(time.Hour)
	again, _ := a.TryAcquire("held2")
	if n := a.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want the old held lease reclaimed", n)
	}
	held()
	if a.Active("held2") != 1 {
		t.Errorf("Active(held2) = %d, want 1", a.Active("held2"))
	}
	again()
}

func TestArena_NoReclaimWithoutMaxLease(t *testing.T) {
	a := NewArena(1, 0)
	a.TryAcquire("d")
	a.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if n := a.Sweep(); n != 0 || a.Active("d") != 1 {
		t.Errorf("Sweep() = %d, Active = %d", n, a.Active("d"))
	}
}
