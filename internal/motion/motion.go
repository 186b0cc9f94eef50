// Package motion remembers the last motion event reported by each device.
package motion

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Oracle answers whether motion was seen on a device recently
type Oracle struct {
	mu   sync.RWMutex
	last map[string]time.Time
	now  func() time.Time
}

// New creates an empty oracle
func New() *Oracle {
	return &Oracle{last: make(map[string]time.Time), now: time.Now}
}

// Record stores a motion event for a device
func (o *Oracle) Record(deviceID string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.last[deviceID]; ok && prev.After(at) {
		return
	}
	o.last[deviceID] = at
	log.Debug().Str("device_id", deviceID).Time("at", at).Msg("Motion recorded")
}

// HasRecentMotion reports whether motion was recorded within the window ending now
func (o *Oracle) HasRecentMotion(deviceID string, within time.Duration) bool {
	o.mu.RLock()
	at, ok := o.last[deviceID]
	o.mu.RUnlock()

	return ok && o.now().Sub(at) <= within
}

// LastMotion returns the most recent motion time for a device
func (o *Oracle) LastMotion(deviceID string) (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	at, ok := o.last[deviceID]
	return at, ok
}

// Prune forgets devices with no motion for longer than maxAge
func (o *Oracle) Prune(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-maxAge)
	removed := 0
	for id, at := range o.last {
		if at.Before(cutoff) {
			delete(o.last, id)
			removed++
		}
	}
	return removed
}
