package presence

import (
	"context"
	"testing"
	"time"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/control/controltest"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/dispatch"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/link"
	"github.com/campusiot/relayd/internal/motion"
	"github.com/campusiot/relayd/internal/scheduler"
)

type fixture struct {
	registry *device.SQLiteRegistry
	link     *controltest.Link
	rec      *controltest.Recorder
	switcher *control.Switcher
	motion   *motion.Oracle
	tracker  *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: controltest.NewRegistry(t),
		link:     controltest.NewLink(),
		rec:      &controltest.Recorder{},
		motion:   motion.New(),
	}
	d := dispatch.New(f.link)
	f.switcher = control.NewSwitcher(f.registry, d, f.rec, f.rec, f.rec)
	f.tracker = New(f.registry, d, f.link, f.switcher, f.rec, f.motion)

	err := f.registry.Save(context.Background(), &device.Device{
		ID:      "dev-1",
		Address: "AA:01",
		Switches: []device.Switch{
			{ID: "fan", Name: "Fan", Channel: 4, ManualOverride: device.ManualOverride{Enabled: true, Channel: 25, ActiveLow: true}},
			{ID: "light", Name: "Light", Channel: 5},
			{ID: "plug", Name: "Plug", Channel: 2},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func ptr(b bool) *bool { return &b }

func TestTracker_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	if err := f.tracker.OnAuthenticate(context.Background(), "FF:FF"); err == nil {
		t.Error("OnAuthenticate(unknown) should fail so the link closes")
	}
}

func TestTracker_AuthenticateReplaysInChannelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// queue while offline, out of channel order, with a replacement on channel 5
	for _, req := range []control.Request{
		{DeviceID: "dev-1", SwitchID: "light", State: ptr(true)},
		{DeviceID: "dev-1", SwitchID: "fan", State: ptr(true)},
		{DeviceID: "dev-1", SwitchID: "plug", State: ptr(true)},
		{DeviceID: "dev-1", SwitchID: "light", State: ptr(false)},
	} {
		req.Source = broadcast.SourceSchedule
		if _, err := f.switcher.Apply(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	f.link.Connect("AA:01")
	if err := f.tracker.OnAuthenticate(ctx, "AA:01"); err != nil {
		t.Fatalf("OnAuthenticate() error = %v", err)
	}

	frames := f.link.Frames()
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want identified + 3 commands", len(frames))
	}
	ident, ok := frames[0].(link.Identified)
	if !ok || ident.Type != link.TypeIdentified || len(ident.Switches) != 3 {
		t.Fatalf("first frame = %+v, want identified config", frames[0])
	}
	if ident.Switches[0].ManualGPIO == nil || *ident.Switches[0].ManualGPIO != 25 || !ident.Switches[0].ManualActiveLow {
		t.Errorf("manual override config = %+v", ident.Switches[0])
	}

	sent := f.link.Sent()
	wantChannels := []int{2, 4, 5}
	for i, cmd := range sent {
		if cmd.GPIO != wantChannels[i] || cmd.Seq != uint64(i+1) {
			t.Errorf("command %d = %+v, want channel %d seq %d", i, cmd, wantChannels[i], i+1)
		}
	}
	if sent[2].State {
		t.Error("replayed channel 5 should carry the latest intent (off)")
	}

	stored, _ := f.registry.Find(ctx, "dev-1")
	if !stored.IsOnline() || !stored.Identified || stored.LastSeen.IsZero() {
		t.Errorf("presence = %s/%v/%v", stored.Status, stored.Identified, stored.LastSeen)
	}
	if len(stored.QueuedIntents) != 0 {
		t.Errorf("delivered intents should be cleared, got %+v", stored.QueuedIntents)
	}

	if len(f.rec.EntriesFor(ledger.ActionIntentsReplayed)) != 1 {
		t.Error("expected one replay audit entry")
	}
	pub := f.rec.Published()
	if last := pub[len(pub)-1]; last.Source != broadcast.SourceSystem || !last.Device.IsOnline() {
		t.Errorf("last broadcast = %+v", last)
	}
}

func TestTracker_DisconnectKeepsIntents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.link.Connect("AA:01")
	if err := f.tracker.OnAuthenticate(ctx, "AA:01"); err != nil {
		t.Fatal(err)
	}
	f.link.Disconnect("AA:01")
	f.tracker.OnDisconnect(ctx, "AA:01")

	if _, err := f.switcher.Apply(ctx, control.Request{DeviceID: "dev-1", SwitchID: "fan", State: ptr(true), Source: broadcast.SourceBulk}); err != nil {
		t.Fatal(err)
	}
	f.tracker.OnDisconnect(ctx, "AA:01")

	stored, _ := f.registry.Find(ctx, "dev-1")
	if stored.IsOnline() || stored.Identified {
		t.Error("device should be offline and unidentified")
	}
	if len(stored.QueuedIntents) != 1 {
		t.Errorf("QueuedIntents = %+v, want the queued command kept", stored.QueuedIntents)
	}

	presence := f.rec.Presence()
	if len(presence) < 2 || presence[1].Status != device.StatusOffline {
		t.Errorf("presence notifications = %+v", presence)
	}
}

func TestTracker_HeartbeatMotionAndReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	f.tracker.now = func() time.Time { return now }

	f.tracker.OnHeartbeat(ctx, "aa:01", 120)
	stored, _ := f.registry.Find(ctx, "dev-1")
	if !stored.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", stored.LastSeen, now)
	}

	f.tracker.OnMotion(ctx, "AA:01", false)
	if _, ok := f.motion.LastMotion("dev-1"); ok {
		t.Error("an untriggered PIR edge is not motion")
	}
	f.tracker.OnMotion(ctx, "AA:01", true)
	if at, ok := f.motion.LastMotion("dev-1"); !ok || !at.Equal(now) {
		t.Errorf("LastMotion() = %v/%v", at, ok)
	}

	if !f.tracker.OnStateReport(ctx, "AA:01", []link.ReportedSwitch{{GPIO: 4, State: true}}) {
		t.Error("first report should change state")
	}
	if f.tracker.OnStateReport(ctx, "AA:01", []link.ReportedSwitch{{GPIO: 4, State: true}}) {
		t.Error("identical report should not change state")
	}
	if f.tracker.OnStateReport(ctx, "FF:FF", []link.ReportedSwitch{{GPIO: 4, State: true}}) {
		t.Error("report from an unknown device is ignored")
	}

	stored, _ = f.registry.Find(ctx, "dev-1")
	if !stored.Switch("fan").State {
		t.Error("reported state should be persisted")
	}
	pub := f.rec.Published()
	if len(pub) != 1 || pub[0].Source != broadcast.SourceManual {
		t.Errorf("published = %+v, want one manual broadcast", pub)
	}
}

func TestTracker_ReplayedCommandOutlivesStaleReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.switcher.Apply(ctx, control.Request{DeviceID: "dev-1", SwitchID: "fan", State: ptr(true), Source: broadcast.SourceSchedule}); err != nil {
		t.Fatal(err)
	}

	timers := scheduler.NewAutoOffTimers()
	defer timers.Stop()
	timers.Arm("dev-1", "fan", time.Hour, func() {})
	hooks := 0
	f.switcher.OnChange(func(deviceID, switchID string) {
		hooks++
		timers.Cancel(deviceID, switchID)
	})

	f.link.Connect("AA:01")
	if err := f.tracker.OnAuthenticate(ctx, "AA:01"); err != nil {
		t.Fatal(err)
	}
	if cmd, ok := f.switcher.Inflight("dev-1", 4); !ok || cmd.Seq != 1 {
		t.Fatalf("Inflight() = %+v/%v, want the replayed command", cmd, ok)
	}

	// firmware reports the relay before running the replayed command
	if f.tracker.OnStateReport(ctx, "AA:01", []link.ReportedSwitch{{GPIO: 4, State: false}}) {
		t.Error("stale report must not change state")
	}
	stored, _ := f.registry.Find(ctx, "dev-1")
	if !stored.Switch("fan").State {
		t.Error("desired state was overwritten by a stale report")
	}
	if hooks != 0 || !timers.Pending("dev-1", "fan") {
		t.Errorf("hooks = %d, pending = %v, want the auto-off kept", hooks, timers.Pending("dev-1", "fan"))
	}

	if f.tracker.OnStateReport(ctx, "AA:01", []link.ReportedSwitch{{GPIO: 4, State: true}}) {
		t.Error("confirming report should not change state")
	}
	if !f.tracker.OnStateReport(ctx, "AA:01", []link.ReportedSwitch{{GPIO: 4, State: false}}) {
		t.Error("report after confirmation should be adopted")
	}
	if hooks != 1 || timers.Pending("dev-1", "fan") {
		t.Errorf("hooks = %d, pending = %v after a real manual change", hooks, timers.Pending("dev-1", "fan"))
	}
}

func TestTracker_SwitchResultSettlesCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.link.Connect("AA:01")
	if err := f.tracker.OnAuthenticate(ctx, "AA:01"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.switcher.Apply(ctx, control.Request{DeviceID: "dev-1", SwitchID: "light", State: ptr(true), Source: broadcast.SourceManual}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.switcher.Inflight("dev-1", 5); !ok {
		t.Fatal("delivered command should be tracked")
	}

	f.tracker.OnSwitchResult(ctx, "AA:01", link.SwitchResult{GPIO: 5, RequestedState: true, Success: false, Reason: "relay fault"})
	if _, ok := f.switcher.Inflight("dev-1", 5); ok {
		t.Error("switch result should settle the command")
	}
	if !f.tracker.OnStateReport(ctx, "AA:01", []link.ReportedSwitch{{GPIO: 5, State: false}}) {
		t.Error("report after a failed switch should be adopted")
	}

	// unknown senders are ignored
	f.tracker.OnSwitchResult(ctx, "FF:FF", link.SwitchResult{GPIO: 5, RequestedState: true})
}

func TestTracker_Reset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.link.Connect("AA:01")
	if err := f.tracker.OnAuthenticate(ctx, "AA:01"); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	stored, _ := f.registry.Find(ctx, "dev-1")
	if stored.IsOnline() || stored.Identified {
		t.Error("Reset() should mark devices offline")
	}
}
