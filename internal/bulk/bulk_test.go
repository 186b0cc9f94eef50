package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/config"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/control/controltest"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/dispatch"
	"github.com/campusiot/relayd/internal/ledger"
)

func testConfig() config.BulkConfig {
	return config.BulkConfig{
		GlobalConcurrency: 10,
		PerDeviceLimit:    6,
		DeferDelay:        config.Duration(5 * time.Millisecond),
		MaxAttempts:       3,
		RetryBackoff:      config.Duration(time.Millisecond),
		StaleAfter:        config.Duration(60 * time.Second),
		SweepInterval:     config.Duration(time.Minute),
		RateLimitRPS:      1000,
	}
}

// slowSwitcher applies nothing but tracks how many calls overlap per device
type slowSwitcher struct {
	delay time.Duration

	mu      sync.Mutex
	active  map[string]int
	peak    map[string]int
	calls   int
	failFor int // first n calls fail with a transient error
	entries []ledger.ActivityEntry
}

func newSlowSwitcher(delay time.Duration) *slowSwitcher {
	return &slowSwitcher{delay: delay, active: make(map[string]int), peak: make(map[string]int)}
}

func (s *slowSwitcher) Apply(_ context.Context, req control.Request) (*control.Outcome, error) {
	s.mu.Lock()
	s.calls++
	if s.calls <= s.failFor {
		s.mu.Unlock()
		return nil, errors.New("database is locked")
	}
	s.active[req.DeviceID]++
	if s.active[req.DeviceID] > s.peak[req.DeviceID] {
		s.peak[req.DeviceID] = s.active[req.DeviceID]
	}
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.active[req.DeviceID]--
	s.mu.Unlock()
	return &control.Outcome{SwitchID: req.SwitchID, State: *req.State}, nil
}

func (s *slowSwitcher) Record(_ context.Context, e ledger.ActivityEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *slowSwitcher) Peak(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[deviceID]
}

func saveDevice(t *testing.T, registry device.Registry, id string, switches int, lastSeen time.Time, identified bool) {
	t.Helper()
	dev := &device.Device{
		ID:         id,
		Address:    "AA:" + id,
		Status:     device.StatusOnline,
		Identified: identified,
		LastSeen:   lastSeen,
	}
	for i := 0; i < switches; i++ {
		dev.Switches = append(dev.Switches, device.Switch{ID: fmt.Sprintf("sw-%d", i), Channel: 10 + i})
	}
	if err := registry.Save(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
}

func toggles(deviceID string, n int) []Toggle {
	out := make([]Toggle, n)
	for i := range out {
		out[i] = Toggle{DeviceID: deviceID, SwitchID: fmt.Sprintf("sw-%d", i)}
	}
	return out
}

func TestToggle_PerDeviceCap(t *testing.T) {
	registry := controltest.NewRegistry(t)
	saveDevice(t, registry, "lab", 10, time.Now(), true)
	sw := newSlowSwitcher(30 * time.Millisecond)
	c := New(registry, sw, testConfig())

	result := c.Toggle(context.Background(), "ops", toggles("lab", 10))

	if result.Total != 10 || len(result.Successful) != 10 || len(result.Failed) != 0 {
		t.Fatalf("result = %+v, want 10 successes", result)
	}
	if peak := sw.Peak("lab"); peak > 6 {
		t.Errorf("peak concurrency = %d, want <= 6", peak)
	}
	if c.Arena().Active("lab") != 0 {
		t.Errorf("Active() = %d after run, want 0", c.Arena().Active("lab"))
	}
	for _, s := range result.Successful {
		if !s.NewState {
			t.Errorf("%s new state = false, want true", s.SwitchID)
		}
	}
}

func TestToggle_PermanentFailures(t *testing.T) {
	registry := controltest.NewRegistry(t)
	saveDevice(t, registry, "stale", 1, time.Now().Add(-2*time.Minute), true)
	saveDevice(t, registry, "silent", 1, time.Now(), false)
	saveDevice(t, registry, "ok", 1, time.Now(), true)
	sw := newSlowSwitcher(0)
	c := New(registry, sw, testConfig())

	result := c.Toggle(context.Background(), "ops", []Toggle{
		{DeviceID: "stale", SwitchID: "sw-0"},
		{DeviceID: "silent", SwitchID: "sw-0"},
		{DeviceID: "ok", SwitchID: "sw-9"},
		{DeviceID: "ghost", SwitchID: "sw-0"},
		{DeviceID: "ok", SwitchID: "sw-0"},
	})

	if result.Total != 5 || len(result.Successful)+len(result.Failed) != 5 {
		t.Fatalf("result totals = %+v", result)
	}
	if len(result.Successful) != 1 || result.Successful[0].DeviceID != "ok" {
		t.Errorf("successful = %+v, want only ok/sw-0", result.Successful)
	}
	if result.Retried != 0 {
		t.Errorf("Retried = %d, want 0 for permanent failures", result.Retried)
	}

	want := map[string]error{
		"stale":  ErrStaleDevice,
		"silent": ErrUnidentified,
	}
	for _, f := range result.Failed {
		if target, ok := want[f.DeviceID]; ok && !strings.HasPrefix(f.Error, target.Error()) {
			t.Errorf("%s error = %q, want prefix %q", f.DeviceID, f.Error, target.Error())
		}
	}
	if len(sw.entries) != 2 {
		t.Errorf("audited %d failures, want 2 (stale and unidentified)", len(sw.entries))
	}
}

func TestToggle_RetriesTransientErrors(t *testing.T) {
	registry := controltest.NewRegistry(t)
	saveDevice(t, registry, "lab", 1, time.Now(), true)
	sw := newSlowSwitcher(0)
	sw.failFor = 2
	c := New(registry, sw, testConfig())

	result := c.Toggle(context.Background(), "ops", toggles("lab", 1))
	if len(result.Successful) != 1 || result.Retried != 2 {
		t.Errorf("result = %+v, want success after 2 retries", result)
	}
}

func TestToggle_GivesUpAfterMaxAttempts(t *testing.T) {
	registry := controltest.NewRegistry(t)
	saveDevice(t, registry, "lab", 1, time.Now(), true)
	sw := newSlowSwitcher(0)
	sw.failFor = 10
	c := New(registry, sw, testConfig())

	result := c.Toggle(context.Background(), "ops", toggles("lab", 1))
	if len(result.Failed) != 1 || result.Retried != 2 {
		t.Errorf("result = %+v, want failure after 3 attempts", result)
	}
	if sw.calls != 3 {
		t.Errorf("Apply calls = %d, want 3", sw.calls)
	}
}

func TestToggle_ThroughSwitcher(t *testing.T) {
	ctx := context.Background()
	registry := controltest.NewRegistry(t)
	saveDevice(t, registry, "lab", 2, time.Now(), true)
	link := controltest.NewLink()
	link.Connect("AA:lab")
	rec := &controltest.Recorder{}
	switcher := control.NewSwitcher(registry, dispatch.New(link), rec, rec, rec)
	c := New(registry, switcher, testConfig())

	off := false
	result := c.Toggle(ctx, "ops", []Toggle{
		{DeviceID: "lab", SwitchID: "sw-0"},
		{DeviceID: "lab", SwitchID: "sw-1", State: &off},
	})
	if len(result.Successful) != 2 {
		t.Fatalf("result = %+v", result)
	}

	dev, _ := registry.Find(ctx, "lab")
	if !dev.Switch("sw-0").State || dev.Switch("sw-1").State {
		t.Errorf("states = %v/%v, want true/false", dev.Switch("sw-0").State, dev.Switch("sw-1").State)
	}
	if len(link.Sent()) != 2 {
		t.Errorf("sent %d commands, want 2", len(link.Sent()))
	}
	for _, p := range rec.Published() {
		if p.Source != broadcast.SourceBulk {
			t.Errorf("published source = %s, want bulk", p.Source)
		}
	}
	if n := len(rec.EntriesFor(ledger.ActionBulkToggle)); n != 2 {
		t.Errorf("bulk_toggle entries = %d, want 2", n)
	}
}

func TestToggle_ContextCancelled(t *testing.T) {
	registry := controltest.NewRegistry(t)
	saveDevice(t, registry, "lab", 3, time.Now(), true)
	cfg := testConfig()
	cfg.PerDeviceLimit = 1
	cfg.DeferDelay = config.Duration(time.Second)
	sw := newSlowSwitcher(50 * time.Millisecond)
	c := New(registry, sw, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := c.Toggle(ctx, "ops", toggles("lab", 3))

	if result.Total != 3 || len(result.Successful)+len(result.Failed) != 3 {
		t.Errorf("result = %+v, want every task resolved", result)
	}
	if len(result.Failed) == 0 {
		t.Error("deferred tasks should fail once the context ends")
	}
}

func TestToggle_Empty(t *testing.T) {
	c := New(controltest.NewRegistry(t), newSlowSwitcher(0), testConfig())
	result := c.Toggle(context.Background(), "ops", nil)
	if result.Total != 0 || result.Successful != nil || result.Failed != nil {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestNew_ArenaLeaseCoversRetries(t *testing.T) {
	c := New(controltest.NewRegistry(t), newSlowSwitcher(0), testConfig())
	want := 3 * (time.Millisecond + attemptBudget)
	if got := c.Arena().MaxLease(); got != want {
		t.Errorf("MaxLease() = %v, want %v", got, want)
	}
}
