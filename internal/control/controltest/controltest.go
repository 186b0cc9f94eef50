// Package controltest provides in-memory collaborators for tests of the mutation path.
package controltest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/db"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/link"
	"github.com/campusiot/relayd/internal/storage"
)

// NewRegistry returns a registry backed by a temporary SQLite file
func NewRegistry(t testing.TB) *device.SQLiteRegistry {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return device.NewSQLiteRegistry(storage.NewStore(database.DB))
}

// Link is a fake device link that records switch commands
type Link struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []link.SwitchCommand
	frames    []any
}

// NewLink returns a link with no devices connected
func NewLink() *Link {
	return &Link{connected: make(map[string]bool)}
}

// Connect marks an address as connected and ready
func (l *Link) Connect(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected[device.NormalizeAddress(address)] = true
}

// Disconnect removes an address
func (l *Link) Disconnect(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.connected, device.NormalizeAddress(address))
}

func (l *Link) IsConnected(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected[device.NormalizeAddress(address)]
}

func (l *Link) IsReady(address string) bool {
	return l.IsConnected(address)
}

func (l *Link) Send(address string, frame any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected[device.NormalizeAddress(address)] {
		return false
	}
	l.frames = append(l.frames, frame)
	if cmd, ok := frame.(link.SwitchCommand); ok {
		l.sent = append(l.sent, cmd)
	}
	return true
}

// Sent returns the switch commands sent so far
func (l *Link) Sent() []link.SwitchCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]link.SwitchCommand(nil), l.sent...)
}

// Frames returns every frame sent so far
func (l *Link) Frames() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.frames...)
}

// Published is one recorded state notification
type Published struct {
	Device *device.Device
	Source broadcast.Source
}

// Recorder captures broadcasts, alerts and audit entries
type Recorder struct {
	mu        sync.Mutex
	published []Published
	alerts    []ledger.Alert
	entries   []ledger.ActivityEntry
	presence  []*device.Device
}

func (r *Recorder) Publish(d *device.Device, source broadcast.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, Published{Device: d.Clone(), Source: source})
}

func (r *Recorder) PublishAlert(ledger.Alert) {}

func (r *Recorder) PublishPresence(d *device.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, d.Clone())
}

func (r *Recorder) Record(_ context.Context, entry ledger.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *Recorder) Raise(_ context.Context, alert ledger.Alert) ledger.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert.ID = fmt.Sprintf("alert-%d", len(r.alerts)+1)
	r.alerts = append(r.alerts, alert)
	return alert
}

// Published returns the recorded state notifications
func (r *Recorder) Published() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

// Alerts returns the recorded alerts
func (r *Recorder) Alerts() []ledger.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Alert(nil), r.alerts...)
}

// Entries returns the recorded audit entries
func (r *Recorder) Entries() []ledger.ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.ActivityEntry(nil), r.entries...)
}

// EntriesFor returns audit entries with the given action
func (r *Recorder) EntriesFor(action ledger.Action) []ledger.ActivityEntry {
	var out []ledger.ActivityEntry
	for _, e := range r.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Presence returns recorded presence notifications
func (r *Recorder) Presence() []*device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*device.Device(nil), r.presence...)
}
