// Package device holds the relay-controller model (devices, switches, queued intents)
// and the registry that persists it.
package device

import (
	"sort"
	"time"
)

// Status is the presence status of a device link
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device is a networked relay controller (one ESP32 board in a classroom)
type Device struct {
	ID            string         `json:"id"`
	Address       string         `json:"address"` // MAC address, unique per board
	Name          string         `json:"name"`
	Classroom     string         `json:"classroom,omitempty"`
	Switches      []Switch       `json:"switches"`
	Status        Status         `json:"status"`
	Identified    bool           `json:"identified"`
	LastSeen      time.Time      `json:"last_seen"`
	QueuedIntents []QueuedIntent `json:"queued_intents,omitempty"`
}

// Switch is a single relay channel on a device
type Switch struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type,omitempty"` // relay, fan, light, projector...
	Channel        int            `json:"channel"`        // relay GPIO
	State          bool           `json:"state"`
	DontAutoOff    bool           `json:"dont_auto_off"`
	ManualOverride ManualOverride `json:"manual_override"`
}

// ManualOverride describes the physical wall switch wired next to a relay
type ManualOverride struct {
	Enabled   bool `json:"enabled"`
	Channel   int  `json:"channel"` // input GPIO
	ActiveLow bool `json:"active_low"`
	Momentary bool `json:"momentary"`
}

// QueuedIntent is a command recorded while the device was unreachable
type QueuedIntent struct {
	Channel   int       `json:"channel"`
	State     bool      `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// IsOnline reports whether the device currently has a live link
func (d *Device) IsOnline() bool {
	return d.Status == StatusOnline
}

// Switch returns a pointer to the switch with the given ID, or nil
func (d *Device) Switch(id string) *Switch {
	for i := range d.Switches {
		if d.Switches[i].ID == id {
			return &d.Switches[i]
		}
	}
	return nil
}

// SwitchByChannel returns a pointer to the switch on the given relay channel, or nil
func (d *Device) SwitchByChannel(channel int) *Switch {
	for i := range d.Switches {
		if d.Switches[i].Channel == channel {
			return &d.Switches[i]
		}
	}
	return nil
}

// UpsertIntent records an intent for a channel, replacing any prior intent for it
func (d *Device) UpsertIntent(channel int, state bool, now time.Time) {
	for i := range d.QueuedIntents {
		if d.QueuedIntents[i].Channel == channel {
			d.QueuedIntents[i] = QueuedIntent{Channel: channel, State: state, CreatedAt: now}
			return
		}
	}
	d.QueuedIntents = append(d.QueuedIntents, QueuedIntent{Channel: channel, State: state, CreatedAt: now})
}

// ClearIntent removes the intent for a channel, if any
func (d *Device) ClearIntent(channel int) {
	kept := d.QueuedIntents[:0]
	for _, intent := range d.QueuedIntents {
		if intent.Channel != channel {
			kept = append(kept, intent)
		}
	}
	d.QueuedIntents = kept
}

// Intent returns the queued intent for a channel
func (d *Device) Intent(channel int) (QueuedIntent, bool) {
	for _, intent := range d.QueuedIntents {
		if intent.Channel == channel {
			return intent, true
		}
	}
	return QueuedIntent{}, false
}

// IntentsByChannel returns a copy of the queued intents in ascending channel order
func (d *Device) IntentsByChannel() []QueuedIntent {
	out := make([]QueuedIntent, len(d.QueuedIntents))
	copy(out, d.QueuedIntents)
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Clone returns a deep copy safe to hand to subscribers
func (d *Device) Clone() *Device {
	c := *d
	c.Switches = append([]Switch(nil), d.Switches...)
	c.QueuedIntents = append([]QueuedIntent(nil), d.QueuedIntents...)
	return &c
}
