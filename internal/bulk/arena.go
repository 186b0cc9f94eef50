package bulk

import (
	"sync"
	"sync/atomic"
	"time"
)

// Arena counts in-flight tasks per device and caps them.
// Every admitted task holds a lease; its release func is safe to call more than once.
// A lease held longer than maxLease is treated as leaked and reclaimed by Sweep.
type Arena struct {
	limit    int
	maxLease time.Duration
	now      func() time.Time

	mu     sync.Mutex
	counts map[string]int
	leases map[uint64]lease
	nextID uint64
}

type lease struct {
	deviceID   string
	acquiredAt time.Time
}

// NewArena creates an arena admitting at most limit tasks per device.
// maxLease <= 0 disables reclaiming.
func NewArena(limit int, maxLease time.Duration) *Arena {
	if limit <= 0 {
		limit = 1
	}
	return &Arena{
		limit:    limit,
		maxLease: maxLease,
		now:      time.Now,
		counts:   make(map[string]int),
		leases:   make(map[uint64]lease),
	}
}

// TryAcquire admits a task for the device if it is under its cap.
// The returned release func gives the slot back exactly once.
func (a *Arena) TryAcquire(deviceID string) (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counts[deviceID] >= a.limit {
		return nil, false
	}
	a.nextID++
	id := a.nextID
	a.counts[deviceID]++
	a.leases[id] = lease{deviceID: deviceID, acquiredAt: a.now()}

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		a.drop(id)
	}, true
}

// drop removes a lease and gives its slot back. A lease already reclaimed is ignored.
func (a *Arena) drop(id uint64) {
	l, ok := a.leases[id]
	if !ok {
		return
	}
	delete(a.leases, id)
	if a.counts[l.deviceID] <= 1 {
		delete(a.counts, l.deviceID)
		return
	}
	a.counts[l.deviceID]--
}

// Active returns the in-flight count for a device
func (a *Arena) Active(deviceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[deviceID]
}

// Limit returns the per-device cap
func (a *Arena) Limit() int {
	return a.limit
}

// MaxLease returns how long a lease may be held before Sweep reclaims it
func (a *Arena) MaxLease() time.Duration {
	return a.maxLease
}

// Sweep reclaims leases held past maxLease and returns how many were reclaimed
func (a *Arena) Sweep() int {
	if a.maxLease <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.maxLease)
	reclaimed := 0
	for id, l := range a.leases {
		if l.acquiredAt.Before(cutoff) {
			a.drop(id)
			reclaimed++
		}
	}
	return reclaimed
}
