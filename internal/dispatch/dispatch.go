// Package dispatch delivers switch commands to live device links with per-device sequence numbers.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/link"
)

// Outcome of a dispatch attempt
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// Reason a dispatch failed
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotConnected Reason = "not_connected"
	ReasonNotReady     Reason = "not_ready"
	ReasonSendFailed   Reason = "send_failed"
)

// Result is the typed outcome of Dispatch. Callers queue an intent when it is not delivered.
type Result struct {
	Outcome Outcome
	Reason  Reason
	Seq     uint64
}

// Delivered reports whether the command was handed to the link
func (r Result) Delivered() bool {
	return r.Outcome == OutcomeDelivered
}

// Link is the subset of the link hub the dispatcher needs
type Link interface {
	IsConnected(address string) bool
	IsReady(address string) bool
	Send(address string, frame any) bool
}

// Dispatcher owns the per-device sequence counters
type Dispatcher struct {
	link Link

	mu   sync.Mutex
	seqs map[string]uint64
}

// New creates a dispatcher sending over link
func New(l Link) *Dispatcher {
	return &Dispatcher{link: l, seqs: make(map[string]uint64)}
}

// NextSequence returns the next sequence number for a device address, starting at 1.
// Counters live in memory only and restart at 1 with the process.
func (d *Dispatcher) NextSequence(address string) uint64 {
	address = device.NormalizeAddress(address)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqs[address]++
	return d.seqs[address]
}

// LastSequence returns the most recently issued sequence number, 0 if none
func (d *Dispatcher) LastSequence(address string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seqs[device.NormalizeAddress(address)]
}

// Dispatch sends a switch command if the device has a ready link. It has no
// side effects on failure and never panics on a missing link.
func (d *Dispatcher) Dispatch(dev *device.Device, channel int, state bool) Result {
	if !d.link.IsConnected(dev.Address) {
		return Result{Outcome: OutcomeFailed, Reason: ReasonNotConnected}
	}
	if !d.link.IsReady(dev.Address) {
		return Result{Outcome: OutcomeFailed, Reason: ReasonNotReady}
	}

	seq := d.NextSequence(dev.Address)
	if !d.link.Send(dev.Address, link.NewSwitchCommand(dev.Address, channel, state, seq)) {
		log.Warn().
			Str("device_id", dev.ID).
			Int("channel", channel).
			Uint64("seq", seq).
			Msg("Switch command send failed")
		return Result{Outcome: OutcomeFailed, Reason: ReasonSendFailed, Seq: seq}
	}

	log.Debug().
		Str("device_id", dev.ID).
		Int("channel", channel).
		Bool("state", state).
		Uint64("seq", seq).
		Msg("Switch command dispatched")
	return Result{Outcome: OutcomeDelivered, Seq: seq}
}
