// Package control is the single mutation path for switch state:
// validate, persist, broadcast, dispatch or queue, audit.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/dispatch"
	"github.com/campusiot/relayd/internal/ledger"
)

// Dispatcher delivers commands to hardware
type Dispatcher interface {
	Dispatch(dev *device.Device, channel int, state bool) dispatch.Result
}

// Broadcaster publishes snapshots and alerts
type Broadcaster interface {
	Publish(d *device.Device, source broadcast.Source)
	PublishAlert(alert ledger.Alert)
}

// Auditor records activity; it must not fail the caller
type Auditor interface {
	Record(ctx context.Context, entry ledger.ActivityEntry)
}

// AlertStore persists alerts; it must not fail the caller
type AlertStore interface {
	Raise(ctx context.Context, alert ledger.Alert) ledger.Alert
}

// ErrNotQueued means the switch state was persisted but the undelivered command
// could not be queued for replay.
var ErrNotQueued = errors.New("command not queued")

// ChangeHook is told about every switch whose state was changed by any path
type ChangeHook func(deviceID, switchID string)

// Request asks for one switch to change
type Request struct {
	DeviceID string
	SwitchID string
	State    *bool // nil toggles the current state
	Source   broadcast.Source
	Actor    string
	Action   ledger.Action // defaults to switch_toggled
	Details  map[string]any
}

// Outcome describes an applied request
type Outcome struct {
	Device        *device.Device
	SwitchID      string
	Channel       int
	PreviousState bool
	State         bool
	Dispatch      dispatch.Result
	Queued        bool
}

// Report is one hardware-reported relay state
type Report struct {
	Channel int
	State   bool
}

// Switcher applies switch changes
type Switcher struct {
	registry    device.Registry
	dispatcher  Dispatcher
	broadcaster Broadcaster
	audit       Auditor
	alerts      AlertStore
	inflight    *inflightSet
	now         func() time.Time

	mu    sync.RWMutex
	hooks []ChangeHook
}

// NewSwitcher wires the mutation path
func NewSwitcher(registry device.Registry, dispatcher Dispatcher, broadcaster Broadcaster, audit Auditor, alerts AlertStore) *Switcher {
	return &Switcher{
		registry:    registry,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		audit:       audit,
		alerts:      alerts,
		inflight:    newInflightSet(DefaultInflightTTL),
		now:         time.Now,
	}
}

// OnChange registers a hook run after every persisted switch change
func (s *Switcher) OnChange(hook ChangeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Switcher) notify(deviceID, switchID string) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(deviceID, switchID)
	}
}

// Apply changes one switch. Errors are device.ErrNotFound, device.ErrSwitchNotFound
// or a persistence failure; a missing link is not an error, the command is queued instead.
// Once the new state is persisted the remaining steps ignore cancellation of ctx. If
// the queued intent cannot be written, the outcome is returned with ErrNotQueued.
func (s *Switcher) Apply(ctx context.Context, req Request) (*Outcome, error) {
	if req.Action == "" {
		req.Action = ledger.ActionSwitchToggled
	}

	out := &Outcome{SwitchID: req.SwitchID}
	dev, err := s.registry.Update(ctx, req.DeviceID, func(d *device.Device) error {
		sw := d.Switch(req.SwitchID)
		if sw == nil {
			return device.ErrSwitchNotFound
		}
		out.Channel = sw.Channel
		out.PreviousState = sw.State
		if req.State != nil {
			sw.State = *req.State
		} else {
			sw.State = !sw.State
		}
		out.State = sw.State
		return nil
	})
	if err != nil {
		if !errors.Is(err, device.ErrNotFound) && !errors.Is(err, device.ErrSwitchNotFound) {
			s.audit.Record(ctx, ledger.ActivityEntry{
				Action:   req.Action,
				DeviceID: req.DeviceID,
				SwitchID: req.SwitchID,
				Source:   string(req.Source),
				Actor:    req.Actor,
				Success:  false,
				Error:    err.Error(),
				Details:  req.Details,
			})
		}
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	s.notify(req.DeviceID, req.SwitchID)
	s.broadcaster.Publish(dev, req.Source)

	out.Dispatch = s.dispatcher.Dispatch(dev, out.Channel, out.State)
	if out.Dispatch.Delivered() {
		s.TrackDelivery(req.DeviceID, out.Channel, out.State, out.Dispatch.Seq)
	}
	var queueErr error
	out.Device, queueErr = s.settleIntent(ctx, dev, out.Channel, out.State, out.Dispatch)
	out.Queued = !out.Dispatch.Delivered() && queueErr == nil

	details := map[string]any{
		"previous_state": out.PreviousState,
		"state":          out.State,
		"channel":        out.Channel,
		"delivered":      out.Dispatch.Delivered(),
	}
	if out.Dispatch.Seq > 0 {
		details["seq"] = out.Dispatch.Seq
	}
	if !out.Dispatch.Delivered() {
		details["queued"] = out.Queued
		details["queued_reason"] = string(out.Dispatch.Reason)
	}
	for k, v := range req.Details {
		details[k] = v
	}
	entry := ledger.ActivityEntry{
		Action:   req.Action,
		DeviceID: req.DeviceID,
		SwitchID: req.SwitchID,
		Source:   string(req.Source),
		Actor:    req.Actor,
		Success:  queueErr == nil,
		Details:  details,
	}
	if queueErr != nil {
		entry.Error = queueErr.Error()
	}
	s.audit.Record(ctx, entry)

	if queueErr != nil {
		return out, fmt.Errorf("%w: %w", ErrNotQueued, queueErr)
	}

	log.Info().
		Str("device_id", req.DeviceID).
		Str("switch_id", req.SwitchID).
		Bool("state", out.State).
		Str("source", string(req.Source)).
		Bool("queued", out.Queued).
		Msg("Switch state applied")

	return out, nil
}

// settleIntent queues the command when it was not delivered, or drops a stale
// intent for the channel when it was. It returns the latest device record.
func (s *Switcher) settleIntent(ctx context.Context, dev *device.Device, channel int, state bool, res dispatch.Result) (*device.Device, error) {
	_, pending := dev.Intent(channel)
	if res.Delivered() && !pending {
		return dev, nil
	}

	updated, err := s.registry.Update(ctx, dev.ID, func(d *device.Device) error {
		if res.Delivered() {
			d.ClearIntent(channel)
		} else {
			d.UpsertIntent(channel, state, s.now().UTC())
		}
		return nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("device_id", dev.ID).
			Int("channel", channel).
			Msg("Failed to persist queued intent")
		if res.Delivered() {
			return dev, nil
		}
		return dev, err
	}
	if !res.Delivered() {
		log.Debug().
			Str("device_id", dev.ID).
			Int("channel", channel).
			Str("reason", string(res.Reason)).
			Msg("Command queued until device reconnects")
	}
	return updated, nil
}

// TrackDelivery records a command handed to the link. Until the hardware confirms
// it, reports for the channel that disagree with it are treated as stale.
func (s *Switcher) TrackDelivery(deviceID string, channel int, state bool, seq uint64) {
	s.inflight.mark(deviceID, channel, Inflight{Seq: seq, State: state, SentAt: s.now()})
}

// Acknowledge settles the unconfirmed command for a channel from a switch_result.
// Whether the relay switched or not, the hardware has acted on the command, so
// the next report for the channel is adopted. It reports whether a command matched.
func (s *Switcher) Acknowledge(deviceID string, channel int, requested bool) bool {
	return s.inflight.settle(deviceID, channel, requested)
}

// Inflight returns the unconfirmed command for a channel, if any
func (s *Switcher) Inflight(deviceID string, channel int) (Inflight, bool) {
	return s.inflight.get(deviceID, channel, s.now())
}

// Reconcile adopts hardware-reported relay states. Channels with a queued intent
// or an unconfirmed command keep their desired state; a report matching the
// unconfirmed command confirms it. It returns the IDs of switches that changed.
func (s *Switcher) Reconcile(ctx context.Context, deviceID string, reports []Report, source broadcast.Source) ([]string, error) {
	now := s.now()
	stale := make(map[int]bool)
	for _, r := range reports {
		cmd, ok := s.inflight.get(deviceID, r.Channel, now)
		if !ok {
			continue
		}
		if cmd.State == r.State {
			s.inflight.settle(deviceID, r.Channel, r.State)
			continue
		}
		stale[r.Channel] = true
		log.Debug().
			Str("device_id", deviceID).
			Int("channel", r.Channel).
			Uint64("seq", cmd.Seq).
			Bool("reported", r.State).
			Msg("Ignoring report overtaken by an unconfirmed command")
	}

	var changed []string
	var previous []bool
	dev, err := s.registry.Update(ctx, deviceID, func(d *device.Device) error {
		changed, previous = changed[:0], previous[:0]
		for _, r := range reports {
			sw := d.SwitchByChannel(r.Channel)
			if sw == nil || sw.State == r.State || stale[r.Channel] {
				continue
			}
			if _, pending := d.Intent(r.Channel); pending {
				continue
			}
			previous = append(previous, sw.State)
			sw.State = r.State
			changed = append(changed, sw.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	for i, switchID := range changed {
		s.notify(deviceID, switchID)
		s.audit.Record(ctx, ledger.ActivityEntry{
			Action:   ledger.ActionStateReconciled,
			DeviceID: deviceID,
			SwitchID: switchID,
			Source:   string(source),
			Success:  true,
			Details: map[string]any{
				"previous_state": previous[i],
				"state":          dev.Switch(switchID).State,
			},
		})
	}
	s.broadcaster.Publish(dev, source)

	log.Info().
		Str("device_id", deviceID).
		Strs("switch_ids", changed).
		Msg("Adopted hardware-reported switch state")
	return changed, nil
}

// RaiseAlert stores an alert and publishes it
func (s *Switcher) RaiseAlert(ctx context.Context, alert ledger.Alert) ledger.Alert {
	stored := s.alerts.Raise(ctx, alert)
	s.broadcaster.PublishAlert(stored)

	log.Warn().
		Str("device_id", stored.DeviceID).
		Str("alert_type", string(stored.Type)).
		Str("severity", string(stored.Severity)).
		Msg(stored.Message)
	return stored
}

// Record passes an audit entry through to the activity log
func (s *Switcher) Record(ctx context.Context, entry ledger.ActivityEntry) {
	s.audit.Record(ctx, entry)
}
