// Package bulk fans a batch of switch toggles out under global and per-device caps.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/config"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/ledger"
)

// Switcher is the mutation path bulk tasks go through
type Switcher interface {
	Apply(ctx context.Context, req control.Request) (*control.Outcome, error)
	Record(ctx context.Context, entry ledger.ActivityEntry)
}

// Toggle is one switch in a bulk request
type Toggle struct {
	DeviceID string `json:"device_id"`
	SwitchID string `json:"switch_id"`
	State    *bool  `json:"state,omitempty"` // nil flips the current state
}

// Success is a toggle that was applied
type Success struct {
	DeviceID string `json:"device_id"`
	SwitchID string `json:"switch_id"`
	NewState bool   `json:"new_state"`
}

// Failure is a toggle that was not applied
type Failure struct {
	DeviceID string `json:"device_id"`
	SwitchID string `json:"switch_id"`
	Error    string `json:"error"`
}

// Result summarizes a bulk run. len(Successful)+len(Failed) == Total.
type Result struct {
	Successful []Success `json:"successful"`
	Failed     []Failure `json:"failed"`
	Total      int       `json:"total"`
	Retried    int       `json:"retried"`
}

// Controller runs bulk toggles
type Controller struct {
	registry device.Registry
	switcher Switcher
	cfg      config.BulkConfig

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	arena   *Arena
	now     func() time.Time
}

// New creates a bulk controller
func New(registry device.Registry, switcher Switcher, cfg config.BulkConfig) *Controller {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20.0
	}
	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Controller{
		registry: registry,
		switcher: switcher,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		arena:    NewArena(cfg.PerDeviceLimit, maxTaskLifetime(cfg)),
		now:      time.Now,
	}
}

// attemptBudget bounds one attempt: the rate limiter wait, a registry read and Apply
const attemptBudget = 30 * time.Second

// maxTaskLifetime is the longest an admitted task can hold its device slot
func maxTaskLifetime(cfg config.BulkConfig) time.Duration {
	return time.Duration(cfg.MaxAttempts) * (cfg.RetryBackoff.Duration() + attemptBudget)
}

// Arena exposes the per-device admission counters
func (c *Controller) Arena() *Arena {
	return c.arena
}

type outcome struct {
	state   bool
	retried int
	err     error
}

// Toggle applies every toggle and returns when each has succeeded or failed.
// Tasks for a device at its cap are deferred, not failed.
func (c *Controller) Toggle(ctx context.Context, actor string, toggles []Toggle) Result {
	result := Result{Total: len(toggles)}
	if len(toggles) == 0 {
		return result
	}

	started := c.now()
	outcomes := make([]outcome, len(toggles))
	var wg sync.WaitGroup
	for i, t := range toggles {
		wg.Add(1)
		go func(i int, t Toggle) {
			defer wg.Done()
			outcomes[i] = c.run(ctx, t, actor)
		}(i, t)
	}
	wg.Wait()

	for i, o := range outcomes {
		t := toggles[i]
		result.Retried += o.retried
		if o.err != nil {
			result.Failed = append(result.Failed, Failure{DeviceID: t.DeviceID, SwitchID: t.SwitchID, Error: o.err.Error()})
			continue
		}
		result.Successful = append(result.Successful, Success{DeviceID: t.DeviceID, SwitchID: t.SwitchID, NewState: o.state})
	}

	log.Info().
		Str("actor", actor).
		Int("total", result.Total).
		Int("successful", len(result.Successful)).
		Int("failed", len(result.Failed)).
		Int("retried", result.Retried).
		Dur("duration", c.now().Sub(started)).
		Msg("Bulk toggle finished")
	return result
}

// run admits one task and executes it. Admission loops until the device
// has a free slot or ctx ends.
func (c *Controller) run(ctx context.Context, t Toggle, actor string) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("device_id", t.DeviceID).
				Str("switch_id", t.SwitchID).
				Msg("Bulk task panicked")
			o.err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			o.err = err
			return o
		}

		release, ok := c.arena.TryAcquire(t.DeviceID)
		if !ok {
			c.sem.Release(1)
			log.Debug().
				Str("device_id", t.DeviceID).
				Str("switch_id", t.SwitchID).
				Dur("delay", c.cfg.DeferDelay.Duration()).
				Msg("Device at capacity, deferring task")
			if err := sleep(ctx, c.cfg.DeferDelay.Duration()); err != nil {
				o.err = err
				return o
			}
			continue
		}

		func() {
			defer c.sem.Release(1)
			defer release()
			o.state, o.retried, o.err = c.execute(ctx, t, actor)
		}()
		return o
	}
}

// execute runs one admitted task with retries for transient errors
func (c *Controller) execute(ctx context.Context, t Toggle, actor string) (state bool, retried int, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, 0, err
	}

	for attempt := 1; ; attempt++ {
		state, err = c.attempt(ctx, t, actor)
		if err == nil || permanent(err) || attempt >= c.cfg.MaxAttempts {
			break
		}
		retried++
		log.Warn().
			Err(err).
			Str("device_id", t.DeviceID).
			Str("switch_id", t.SwitchID).
			Int("attempt", attempt).
			Msg("Bulk task failed, retrying")
		if serr := sleep(ctx, c.cfg.RetryBackoff.Duration()); serr != nil {
			break
		}
	}

	if err != nil && !errors.Is(err, device.ErrNotFound) && !errors.Is(err, device.ErrSwitchNotFound) {
		c.switcher.Record(ctx, ledger.ActivityEntry{
			Action:   ledger.ActionBulkToggle,
			DeviceID: t.DeviceID,
			SwitchID: t.SwitchID,
			Source:   string(broadcast.SourceBulk),
			Actor:    actor,
			Success:  false,
			Error:    err.Error(),
			Details:  map[string]any{"retried": retried},
		})
	}
	return state, retried, err
}

func (c *Controller) attempt(ctx context.Context, t Toggle, actor string) (bool, error) {
	dev, err := c.registry.Find(ctx, t.DeviceID)
	if err != nil {
		return false, err
	}
	if !dev.Identified {
		return false, ErrUnidentified
	}
	if stale := c.cfg.StaleAfter.Duration(); stale > 0 && c.now().Sub(dev.LastSeen) > stale {
		return false, fmt.Errorf("%w: last seen %s", ErrStaleDevice, dev.LastSeen.Format(time.RFC3339))
	}
	sw := dev.Switch(t.SwitchID)
	if sw == nil {
		return false, device.ErrSwitchNotFound
	}

	state := !sw.State
	if t.State != nil {
		state = *t.State
	}

	out, err := c.switcher.Apply(ctx, control.Request{
		DeviceID: t.DeviceID,
		SwitchID: t.SwitchID,
		State:    &state,
		Source:   broadcast.SourceBulk,
		Actor:    actor,
		Action:   ledger.ActionBulkToggle,
	})
	if err != nil {
		return false, err
	}
	return out.State, nil
}

// permanent reports errors no retry can fix
func permanent(err error) bool {
	return errors.Is(err, ErrStaleDevice) ||
		errors.Is(err, ErrUnidentified) ||
		errors.Is(err, device.ErrNotFound) ||
		errors.Is(err, device.ErrSwitchNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Run sweeps admission counters until ctx ends
func (c *Controller) Run(ctx context.Context) error {
	interval := c.cfg.SweepInterval.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	log.Info().Dur("sweep_interval", interval).Msg("Bulk sweeper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Bulk sweeper stopping")
			return nil
		case <-ticker.C:
			if n := c.arena.Sweep(); n > 0 {
				log.Warn().
					Int("reclaimed", n).
					Dur("max_lease", c.arena.MaxLease()).
					Msg("Reclaimed leaked device admission slots")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
