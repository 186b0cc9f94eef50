// Package broadcast publishes canonical device snapshots and alerts after every mutation.
//
// Each state notification carries the full device, never a diff. Delivery is
// at-least-once and may reorder under concurrent mutation of the same device,
// so subscribers replace their copy of the device on every notification.
package broadcast

import (
	"time"

	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/eventbus"
	"github.com/campusiot/relayd/internal/ledger"
)

// Source tags which path caused a mutation
type Source string

const (
	SourceSchedule Source = "schedule"
	SourceBulk     Source = "bulk"
	SourceManual   Source = "manual"
	SourceSystem   Source = "system"
)

// StateChanged is the payload of eventbus.TopicStateChanged
type StateChanged struct {
	Device *device.Device `json:"device"`
	Source Source         `json:"source"`
	At     time.Time      `json:"at"`
}

// PresenceChanged is the payload of eventbus.TopicPresence
type PresenceChanged struct {
	DeviceID string        `json:"device_id"`
	Status   device.Status `json:"status"`
	At       time.Time     `json:"at"`
}

// Broadcaster publishes notifications on the event bus
type Broadcaster struct {
	bus eventbus.Publisher
	now func() time.Time
}

// New creates a broadcaster publishing to bus
func New(bus eventbus.Publisher) *Broadcaster {
	return &Broadcaster{bus: bus, now: time.Now}
}

// Publish announces the current snapshot of d
func (b *Broadcaster) Publish(d *device.Device, source Source) {
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TopicStateChanged,
		Payload: StateChanged{
			Device: d.Clone(),
			Source: source,
			At:     b.now().UTC(),
		},
	})
}

// PublishAlert announces a security alert
func (b *Broadcaster) PublishAlert(alert ledger.Alert) {
	b.bus.Publish(eventbus.Event{Type: eventbus.TopicAlert, Payload: alert})
}

// PublishPresence announces a device going online or offline
func (b *Broadcaster) PublishPresence(d *device.Device) {
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TopicPresence,
		Payload: PresenceChanged{
			DeviceID: d.ID,
			Status:   d.Status,
			At:       b.now().UTC(),
		},
	})
}
