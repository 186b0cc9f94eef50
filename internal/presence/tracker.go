// Package presence turns link events into device presence and replays queued commands on reconnect.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/link"
)

// ModeOnline is the mode announced to devices in the identified frame
const ModeOnline = "online"

// Sender queues frames on a device link
type Sender interface {
	Send(address string, frame any) bool
}

// Broadcaster publishes snapshots and presence changes
type Broadcaster interface {
	Publish(d *device.Device, source broadcast.Source)
	PublishPresence(d *device.Device)
}

// MotionRecorder stores motion events
type MotionRecorder interface {
	Record(deviceID string, at time.Time)
}

// Tracker implements link.Listener
type Tracker struct {
	registry    device.Registry
	dispatcher  control.Dispatcher
	sender      Sender
	switcher    *control.Switcher
	broadcaster Broadcaster
	motion      MotionRecorder
	log         zerolog.Logger
	now         func() time.Time
}

var _ link.Listener = (*Tracker)(nil)

// New creates a presence tracker
func New(registry device.Registry, dispatcher control.Dispatcher, sender Sender, switcher *control.Switcher, broadcaster Broadcaster, motion MotionRecorder) *Tracker {
	return &Tracker{
		registry:    registry,
		dispatcher:  dispatcher,
		sender:      sender,
		switcher:    switcher,
		broadcaster: broadcaster,
		motion:      motion,
		log:         log.With().Str("component", "presence").Logger(),
		now:         time.Now,
	}
}

// Reset marks every device offline; links do not survive a restart
func (t *Tracker) Reset(ctx context.Context) error {
	devices, err := t.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if !d.IsOnline() && !d.Identified {
			continue
		}
		if _, err := t.registry.Update(ctx, d.ID, func(d *device.Device) error {
			d.Status = device.StatusOffline
			d.Identified = false
			return nil
		}); err != nil {
			return fmt.Errorf("resetting presence of %s: %w", d.ID, err)
		}
	}
	return nil
}

func (t *Tracker) OnConnect(remoteAddr string) {
	t.log.Debug().Str("remote", remoteAddr).Msg("Link opened")
}

// OnAuthenticate marks the device online, sends its configuration and replays queued intents
func (t *Tracker) OnAuthenticate(ctx context.Context, address string) error {
	found, err := t.registry.FindByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			return fmt.Errorf("unknown device %s", address)
		}
		return err
	}

	dev, err := t.registry.Update(ctx, found.ID, func(d *device.Device) error {
		d.Status = device.StatusOnline
		d.Identified = true
		d.LastSeen = t.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking %s online: %w", found.ID, err)
	}

	if !t.sender.Send(address, identifiedFrame(dev)) {
		t.log.Warn().Str("device_id", dev.ID).Msg("Failed to send device configuration")
	}

	replayed := t.replay(ctx, dev)

	if latest, err := t.registry.Find(ctx, dev.ID); err == nil {
		dev = latest
	}
	t.broadcaster.PublishPresence(dev)
	t.broadcaster.Publish(dev, broadcast.SourceSystem)
	t.switcher.Record(ctx, ledger.ActivityEntry{
		Action:   ledger.ActionDeviceConnected,
		DeviceID: dev.ID,
		Source:   string(broadcast.SourceSystem),
		Success:  true,
		Details:  map[string]any{"address": dev.Address, "replayed": replayed},
	})

	t.log.Info().
		Str("device_id", dev.ID).
		Int("replayed", replayed).
		Int("pending", len(dev.QueuedIntents)).
		Msg("Device online")
	return nil
}

// replay re-dispatches queued intents in channel order and clears the delivered ones
func (t *Tracker) replay(ctx context.Context, dev *device.Device) int {
	intents := dev.IntentsByChannel()
	if len(intents) == 0 {
		return 0
	}

	var delivered []device.QueuedIntent
	for _, in := range intents {
		res := t.dispatcher.Dispatch(dev, in.Channel, in.State)
		if !res.Delivered() {
			t.log.Warn().
				Str("device_id", dev.ID).
				Int("channel", in.Channel).
				Str("reason", string(res.Reason)).
				Msg("Intent replay failed, keeping it queued")
			continue
		}
		t.switcher.TrackDelivery(dev.ID, in.Channel, in.State, res.Seq)
		delivered = append(delivered, in)
	}
	if len(delivered) == 0 {
		return 0
	}

	_, err := t.registry.Update(ctx, dev.ID, func(d *device.Device) error {
		for _, in := range delivered {
			// an intent replaced while replaying is newer and stays queued
			if cur, ok := d.Intent(in.Channel); ok && cur.CreatedAt.Equal(in.CreatedAt) && cur.State == in.State {
				d.ClearIntent(in.Channel)
			}
		}
		return nil
	})
	if err != nil {
		t.log.Error().Err(err).Str("device_id", dev.ID).Msg("Failed to clear replayed intents")
	}

	t.switcher.Record(ctx, ledger.ActivityEntry{
		Action:   ledger.ActionIntentsReplayed,
		DeviceID: dev.ID,
		Source:   string(broadcast.SourceSystem),
		Success:  err == nil,
		Details:  map[string]any{"delivered": len(delivered), "queued": len(intents)},
	})
	return len(delivered)
}

// OnDisconnect marks the device offline; queued intents are kept for the next reconnect
func (t *Tracker) OnDisconnect(ctx context.Context, address string) {
	found, err := t.registry.FindByAddress(ctx, address)
	if err != nil {
		t.log.Debug().Err(err).Str("address", address).Msg("Disconnect from unregistered device")
		return
	}

	dev, err := t.registry.Update(ctx, found.ID, func(d *device.Device) error {
		d.Status = device.StatusOffline
		d.Identified = false
		return nil
	})
	if err != nil {
		t.log.Error().Err(err).Str("device_id", found.ID).Msg("Failed to mark device offline")
		return
	}

	t.broadcaster.PublishPresence(dev)
	t.broadcaster.Publish(dev, broadcast.SourceSystem)
	t.switcher.Record(ctx, ledger.ActivityEntry{
		Action:   ledger.ActionDeviceDisconnected,
		DeviceID: dev.ID,
		Source:   string(broadcast.SourceSystem),
		Success:  true,
	})
	t.log.Info().Str("device_id", dev.ID).Int("pending", len(dev.QueuedIntents)).Msg("Device offline")
}

// OnHeartbeat stamps LastSeen
func (t *Tracker) OnHeartbeat(ctx context.Context, address string, uptime int64) {
	found, err := t.registry.FindByAddress(ctx, address)
	if err != nil {
		t.log.Warn().Err(err).Str("address", address).Msg("Heartbeat from unregistered device")
		return
	}
	if _, err := t.registry.Update(ctx, found.ID, func(d *device.Device) error {
		d.LastSeen = t.now().UTC()
		return nil
	}); err != nil {
		t.log.Error().Err(err).Str("device_id", found.ID).Msg("Failed to stamp heartbeat")
		return
	}
	t.log.Debug().Str("device_id", found.ID).Int64("uptime", uptime).Msg("Heartbeat")
}

// OnStateReport adopts states reported by the hardware, e.g. after a wall switch was flipped
func (t *Tracker) OnStateReport(ctx context.Context, address string, switches []link.ReportedSwitch) bool {
	found, err := t.registry.FindByAddress(ctx, address)
	if err != nil {
		t.log.Warn().Err(err).Str("address", address).Msg("State report from unregistered device")
		return false
	}

	reports := make([]control.Report, 0, len(switches))
	for _, s := range switches {
		reports = append(reports, control.Report{Channel: s.GPIO, State: s.State})
	}

	changed, err := t.switcher.Reconcile(ctx, found.ID, reports, broadcast.SourceManual)
	if err != nil {
		t.log.Error().Err(err).Str("device_id", found.ID).Msg("Failed to reconcile reported state")
		return false
	}
	return len(changed) > 0
}

// OnMotion records a motion event for the device
func (t *Tracker) OnMotion(ctx context.Context, address string, triggered bool) {
	if !triggered {
		return
	}
	found, err := t.registry.FindByAddress(ctx, address)
	if err != nil {
		t.log.Warn().Err(err).Str("address", address).Msg("Motion from unregistered device")
		return
	}
	t.motion.Record(found.ID, t.now())
}

// OnSwitchResult settles the acknowledged command so later reports for the channel are adopted
func (t *Tracker) OnSwitchResult(ctx context.Context, address string, result link.SwitchResult) {
	found, err := t.registry.FindByAddress(ctx, address)
	if err != nil {
		t.log.Warn().Err(err).Str("address", address).Msg("Switch result from unregistered device")
		return
	}
	matched := t.switcher.Acknowledge(found.ID, result.GPIO, result.RequestedState)

	event := t.log.Debug()
	if !result.Success {
		event = t.log.Warn().Str("reason", result.Reason)
	}
	event.
		Str("device_id", found.ID).
		Int("channel", result.GPIO).
		Bool("requested_state", result.RequestedState).
		Bool("success", result.Success).
		Bool("matched", matched).
		Msg("Switch result")
}

func identifiedFrame(d *device.Device) link.Identified {
	frame := link.Identified{Type: link.TypeIdentified, Mode: ModeOnline, Switches: make([]link.SwitchConfig, 0, len(d.Switches))}
	for _, sw := range d.Switches {
		cfg := link.SwitchConfig{
			GPIO:            sw.Channel,
			RelayGPIO:       sw.Channel,
			Name:            sw.Name,
			Type:            sw.Type,
			ManualActiveLow: sw.ManualOverride.ActiveLow,
			ManualMomentary: sw.ManualOverride.Momentary,
			ManualEnabled:   sw.ManualOverride.Enabled,
			State:           sw.State,
		}
		if sw.ManualOverride.Enabled {
			ch := sw.ManualOverride.Channel
			cfg.ManualGPIO = &ch
		}
		frame.Switches = append(frame.Switches, cfg)
	}
	return frame
}
