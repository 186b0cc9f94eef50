package control

import (
	"sync"
	"time"
)

// DefaultInflightTTL bounds how long an unconfirmed command hides hardware reports
// for its channel. Firmware runs commands from a short queue, so a report sent right
// after a command can still carry the old relay state.
const DefaultInflightTTL = 10 * time.Second

type channelKey struct {
	deviceID string
	channel  int
}

// Inflight is a delivered command the hardware has not confirmed yet
type Inflight struct {
	Seq    uint64
	State  bool
	SentAt time.Time
}

// inflightSet tracks at most one unconfirmed command per channel; a newer
// delivery for the same channel replaces the older one.
type inflightSet struct {
	ttl time.Duration

	mu   sync.Mutex
	cmds map[channelKey]Inflight
}

func newInflightSet(ttl time.Duration) *inflightSet {
	if ttl <= 0 {
		ttl = DefaultInflightTTL
	}
	return &inflightSet{ttl: ttl, cmds: make(map[channelKey]Inflight)}
}

func (f *inflightSet) mark(deviceID string, channel int, cmd Inflight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[channelKey{deviceID, channel}] = cmd
}

// get returns the unconfirmed command for a channel, dropping it once expired
func (f *inflightSet) get(deviceID string, channel int, now time.Time) (Inflight, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := channelKey{deviceID, channel}
	cmd, ok := f.cmds[key]
	if !ok {
		return Inflight{}, false
	}
	if now.Sub(cmd.SentAt) > f.ttl {
		delete(f.cmds, key)
		return Inflight{}, false
	}
	return cmd, true
}

// settle removes the command for a channel if it still carries state.
// A newer command with another state stays in place.
func (f *inflightSet) settle(deviceID string, channel int, state bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := channelKey{deviceID, channel}
	if cmd, ok := f.cmds[key]; ok && cmd.State == state {
		delete(f.cmds, key)
		return true
	}
	return false
}

func (f *inflightSet) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}
