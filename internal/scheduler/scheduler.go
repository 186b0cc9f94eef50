package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/holiday"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/schedule"
)

// Store is the schedule persistence the scheduler needs
type Store interface {
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
	ListEnabled(ctx context.Context) ([]*schedule.Schedule, error)
	Update(ctx context.Context, id string, modify func(sch *schedule.Schedule) error) (*schedule.Schedule, error)
}

// Switcher is the mutation path schedules and auto-offs go through
type Switcher interface {
	Apply(ctx context.Context, req control.Request) (*control.Outcome, error)
	RaiseAlert(ctx context.Context, alert ledger.Alert) ledger.Alert
	Record(ctx context.Context, entry ledger.ActivityEntry)
	OnChange(hook control.ChangeHook)
}

// MotionOracle answers whether a device saw motion recently
type MotionOracle interface {
	HasRecentMotion(deviceID string, within time.Duration) bool
}

// Options tune the scheduler
type Options struct {
	Timezone     string
	MotionWindow time.Duration
}

// DefaultMotionWindow is how far back motion blocks a scheduled turn-off
const DefaultMotionWindow = 5 * time.Minute

type job struct {
	schedule *schedule.Schedule
	trigger  Trigger
}

// Scheduler manages one job per enabled schedule and executes them on time.
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]*job

	store        Store
	registry     device.Registry
	switcher     Switcher
	holidays     holiday.Oracle
	motion       MotionOracle
	motionWindow time.Duration
	tz           *time.Location
	timers       *AutoOffTimers
	now          func() time.Time

	reschedule chan struct{}
	running    sync.WaitGroup
}

// New creates a scheduler. Switch changes made through the switcher by any
// other path cancel the affected switch's pending auto-off.
func New(
	store Store,
	registry device.Registry,
	switcher Switcher,
	holidays holiday.Oracle,
	motion MotionOracle,
	opts Options,
) *Scheduler {
	tz := time.UTC
	if opts.Timezone != "" {
		loc, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			log.Warn().Err(err).Str("timezone", opts.Timezone).Msg("Failed to load timezone, using UTC")
		} else {
			tz = loc
		}
	}
	if opts.MotionWindow <= 0 {
		opts.MotionWindow = DefaultMotionWindow
	}

	s := &Scheduler{
		jobs:         make(map[string]*job),
		store:        store,
		registry:     registry,
		switcher:     switcher,
		holidays:     holidays,
		motion:       motion,
		motionWindow: opts.MotionWindow,
		tz:           tz,
		timers:       NewAutoOffTimers(),
		now:          time.Now,
		reschedule:   make(chan struct{}, 1),
	}

	switcher.OnChange(func(deviceID, switchID string) {
		if s.timers.Cancel(deviceID, switchID) {
			log.Debug().
				Str("device_id", deviceID).
				Str("switch_id", switchID).
				Msg("Auto-off cancelled by switch change")
		}
	})
	return s
}

// Load creates a job for every enabled schedule. Schedules that fail to
// parse are logged and skipped; the number of jobs created is returned.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading schedules: %w", err)
	}

	loaded := 0
	for _, sch := range schedules {
		if err := s.AddSchedule(sch); err != nil {
			log.Error().Err(err).Str("schedule_id", sch.ID).Msg("Skipping schedule")
			continue
		}
		loaded++
	}

	log.Info().Int("jobs", loaded).Int("schedules", len(schedules)).Msg("Schedules loaded")
	return loaded, nil
}

// AddSchedule creates or replaces the job for a schedule.
// Disabled schedules have no job.
func (s *Scheduler) AddSchedule(sch *schedule.Schedule) error {
	if !sch.Enabled {
		s.RemoveJob(sch.ID)
		return nil
	}

	trigger, err := NewTrigger(sch, s.tz)
	if err != nil {
		return err
	}

	snapshot := *sch
	s.mu.Lock()
	s.jobs[sch.ID] = &job{schedule: &snapshot, trigger: trigger}
	s.mu.Unlock()

	log.Debug().
		Str("schedule_id", sch.ID).
		Str("pattern", trigger.String()).
		Str("action", string(sch.Action)).
		Msg("Schedule job registered")

	s.notifyReschedule()
	return nil
}

// UpdateSchedule drops any existing job and recreates it if the schedule is enabled
func (s *Scheduler) UpdateSchedule(sch *schedule.Schedule) error {
	s.RemoveJob(sch.ID)
	if !sch.Enabled {
		return nil
	}
	return s.AddSchedule(sch)
}

// RemoveJob deletes a schedule's job, reporting whether one existed.
// An execution already in flight is not interrupted.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if ok {
		log.Debug().Str("schedule_id", id).Msg("Schedule job removed")
		s.notifyReschedule()
	}
	return ok
}

// HasJob reports whether a schedule currently has a job
func (s *Scheduler) HasJob(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

// Jobs returns the IDs of scheduled jobs in order
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// notifyReschedule signals the run loop to recalculate
func (s *Scheduler) notifyReschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// Run starts the scheduler loop. Each fire executes in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("timezone", s.tz.String()).Msg("Scheduler started")

	var lastFired time.Time
	for {
		after := s.now()
		if after.Before(lastFired) {
			after = lastFired
		}
		occs := s.nextOccurrences(after)

		sleepDuration := time.Hour // default if no jobs
		if len(occs) > 0 {
			sleepDuration = occs[0].Time.Sub(s.now())
			if sleepDuration < 0 {
				sleepDuration = 0
			}
		}

		log.Debug().
			Dur("sleep_duration", sleepDuration).
			Int("due", len(occs)).
			Msg("Scheduler sleeping")

		timer := time.NewTimer(sleepDuration)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Scheduler stopping")
			s.running.Wait()
			return nil

		case <-s.reschedule:
			timer.Stop()
			log.Debug().Msg("Schedules changed, recomputing")
			continue

		case <-timer.C:
			if len(occs) > 0 {
				lastFired = occs[0].Time
			}
			for _, occ := range occs {
				s.running.Add(1)
				go func(occ *Occurrence) {
					defer s.running.Done()
					s.fire(ctx, occ)
				}(occ)
			}
		}
	}
}

// nextOccurrences returns every job occurrence sharing the earliest fire time
func (s *Scheduler) nextOccurrences(after time.Time) []*Occurrence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Occurrence
	for _, j := range s.jobs {
		occ := j.trigger.Next(after)
		if occ == nil {
			continue
		}
		switch {
		case len(due) == 0 || occ.Time.Before(due[0].Time):
			due = []*Occurrence{occ}
		case occ.Time.Equal(due[0].Time):
			due = append(due, occ)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ScheduleID < due[k].ScheduleID })
	return due
}

// fire executes the latest stored version of a job's schedule
func (s *Scheduler) fire(ctx context.Context, occ *Occurrence) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("schedule_id", occ.ScheduleID).
				Msg("Schedule execution panicked")
		}
	}()

	if !s.HasJob(occ.ScheduleID) {
		return
	}

	sch, err := s.store.Get(ctx, occ.ScheduleID)
	if errors.Is(err, schedule.ErrNotFound) {
		log.Warn().Str("schedule_id", occ.ScheduleID).Msg("Schedule deleted, dropping job")
		s.RemoveJob(occ.ScheduleID)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("schedule_id", occ.ScheduleID).Msg("Failed to load schedule")
		return
	}
	if !sch.Enabled {
		s.RemoveJob(sch.ID)
		return
	}

	log.Info().
		Str("schedule_id", sch.ID).
		Str("occurrence_id", occ.ID).
		Time("time", occ.Time).
		Msg("Schedule firing")

	s.Execute(ctx, sch)
}

// TargetStatus is what happened to one schedule target
type TargetStatus string

const (
	TargetApplied       TargetStatus = "applied"
	TargetQueued        TargetStatus = "queued"
	TargetMotionSkipped TargetStatus = "motion_skipped"
	TargetNotFound      TargetStatus = "not_found"
	TargetFailed        TargetStatus = "failed"
)

// TargetResult is the outcome for one target
type TargetResult struct {
	DeviceID string       `json:"device_id"`
	SwitchID string       `json:"switch_id"`
	Status   TargetStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// Report describes one schedule execution
type Report struct {
	ScheduleID string         `json:"schedule_id"`
	Skipped    bool           `json:"skipped"`
	Reason     string         `json:"reason,omitempty"`
	Targets    []TargetResult `json:"targets,omitempty"`
	RanAt      time.Time      `json:"ran_at"`
}

// Execute runs a schedule now. On a holiday with CheckHolidays set nothing
// happens at all. Targets are processed in order; a failing target does not
// stop the others. A once schedule is disabled and its job removed afterwards.
// A run that has started is finished even if ctx is cancelled.
func (s *Scheduler) Execute(ctx context.Context, sch *schedule.Schedule) Report {
	ctx = context.WithoutCancel(ctx)
	now := s.now().In(s.tz)
	report := Report{ScheduleID: sch.ID, RanAt: now}

	if sch.Type == schedule.TypeOnce && !sch.Enabled && sch.LastRun != nil {
		log.Info().Str("schedule_id", sch.ID).Msg("One-time schedule already ran")
		s.RemoveJob(sch.ID)
		report.Skipped = true
		report.Reason = "already_ran"
		return report
	}

	if sch.CheckHolidays && s.holidays != nil {
		res, err := s.holidays.IsHoliday(ctx, now)
		if err != nil {
			log.Warn().Err(err).Str("schedule_id", sch.ID).Msg("Holiday check failed, running schedule")
		} else if res.IsHoliday {
			log.Info().
				Str("schedule_id", sch.ID).
				Str("holiday", res.Name).
				Msg("Skipping schedule on holiday")
			report.Skipped = true
			report.Reason = "holiday"
			return report
		}
	}

	for _, target := range sch.Targets {
		report.Targets = append(report.Targets, s.toggle(ctx, sch, target))
	}

	s.finish(ctx, sch, now)

	s.switcher.Record(ctx, ledger.ActivityEntry{
		Action:  ledger.ActionScheduleExecuted,
		Source:  string(broadcast.SourceSchedule),
		Actor:   actor(sch),
		Success: true,
		Details: map[string]any{
			"schedule_id":   sch.ID,
			"schedule_name": sch.Name,
			"action":        string(sch.Action),
			"targets":       len(sch.Targets),
		},
	})

	log.Info().
		Str("schedule_id", sch.ID).
		Str("action", string(sch.Action)).
		Int("targets", len(report.Targets)).
		Msg("Schedule executed")
	return report
}

// finish stamps LastRun and consumes one-time schedules
func (s *Scheduler) finish(ctx context.Context, sch *schedule.Schedule, now time.Time) {
	ranAt := now.UTC()
	sch.LastRun = &ranAt
	once := sch.Type == schedule.TypeOnce
	if once {
		sch.Enabled = false
		s.RemoveJob(sch.ID)
	}

	_, err := s.store.Update(ctx, sch.ID, func(stored *schedule.Schedule) error {
		stored.LastRun = &ranAt
		if once {
			stored.Enabled = false
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", sch.ID).Msg("Failed to persist schedule run")
	}
}

// toggle drives one target to the schedule's action
func (s *Scheduler) toggle(ctx context.Context, sch *schedule.Schedule, target schedule.Target) TargetResult {
	result := TargetResult{DeviceID: target.DeviceID, SwitchID: target.SwitchID}
	logger := log.With().
		Str("schedule_id", sch.ID).
		Str("device_id", target.DeviceID).
		Str("switch_id", target.SwitchID).
		Logger()

	dev, err := s.registry.Find(ctx, target.DeviceID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			logger.Warn().Msg("Schedule target device not found")
			result.Status = TargetNotFound
		} else {
			logger.Error().Err(err).Msg("Failed to load schedule target")
			result.Status = TargetFailed
		}
		result.Error = err.Error()
		return result
	}
	sw := dev.Switch(target.SwitchID)
	if sw == nil {
		logger.Warn().Msg("Schedule target switch not found")
		result.Status = TargetNotFound
		result.Error = device.ErrSwitchNotFound.Error()
		return result
	}

	if sch.RespectMotion && sch.Action == schedule.ActionOff && !sw.DontAutoOff &&
		s.motion != nil && s.motion.HasRecentMotion(dev.ID, s.motionWindow) {
		s.skipForMotion(ctx, sch, dev, sw)
		result.Status = TargetMotionSkipped
		return result
	}

	state := sch.Action.State()
	out, err := s.switcher.Apply(ctx, control.Request{
		DeviceID: dev.ID,
		SwitchID: sw.ID,
		State:    &state,
		Source:   broadcast.SourceSchedule,
		Actor:    actor(sch),
		Details:  map[string]any{"schedule_id": sch.ID},
	})
	if err != nil {
		if errors.Is(err, device.ErrNotFound) || errors.Is(err, device.ErrSwitchNotFound) {
			logger.Warn().Err(err).Msg("Schedule target vanished")
			result.Status = TargetNotFound
		} else {
			logger.Error().Err(err).Msg("Failed to apply schedule target")
			result.Status = TargetFailed
		}
		result.Error = err.Error()
		return result
	}

	result.Status = TargetApplied
	if out.Queued {
		result.Status = TargetQueued
	}

	if sch.Action == schedule.ActionOn && sch.Timeout() > 0 {
		s.armAutoOff(dev.ID, sw.ID, sch)
	}
	return result
}

func (s *Scheduler) skipForMotion(ctx context.Context, sch *schedule.Schedule, dev *device.Device, sw *device.Switch) {
	s.switcher.RaiseAlert(ctx, ledger.Alert{
		DeviceID: dev.ID,
		Type:     ledger.AlertMotionOverride,
		Severity: ledger.SeverityMedium,
		Message: fmt.Sprintf("Scheduled turn-off of %s in %s skipped: motion detected within %s",
			switchName(sw), deviceName(dev), s.motionWindow),
		Metadata: map[string]any{
			"schedule_id":   sch.ID,
			"schedule_name": sch.Name,
			"switch_id":     sw.ID,
			"classroom":     dev.Classroom,
		},
	})
	s.switcher.Record(ctx, ledger.ActivityEntry{
		Action:   ledger.ActionScheduleSkippedMotion,
		DeviceID: dev.ID,
		SwitchID: sw.ID,
		Source:   string(broadcast.SourceSchedule),
		Actor:    actor(sch),
		Success:  true,
		Details: map[string]any{
			"schedule_id": sch.ID,
			"state":       sw.State,
		},
	})
}

// armAutoOff starts the timeout for a switch a schedule just turned on
func (s *Scheduler) armAutoOff(deviceID, switchID string, sch *schedule.Schedule) {
	timeout := sch.Timeout()
	scheduleID := sch.ID
	minutes := sch.TimeoutMinutes

	s.timers.Arm(deviceID, switchID, timeout, func() {
		s.autoOff(context.Background(), deviceID, switchID, scheduleID, minutes)
	})

	log.Debug().
		Str("device_id", deviceID).
		Str("switch_id", switchID).
		Str("schedule_id", scheduleID).
		Dur("timeout", timeout).
		Msg("Auto-off armed")
}

// autoOff turns a switch off when its timeout expires, or raises an alert
// when the switch is exempt.
func (s *Scheduler) autoOff(ctx context.Context, deviceID, switchID, scheduleID string, minutes int) {
	logger := log.With().
		Str("device_id", deviceID).
		Str("switch_id", switchID).
		Str("schedule_id", scheduleID).
		Logger()

	dev, err := s.registry.Find(ctx, deviceID)
	if err != nil {
		logger.Warn().Err(err).Msg("Auto-off target unavailable")
		return
	}
	sw := dev.Switch(switchID)
	if sw == nil {
		logger.Warn().Msg("Auto-off switch no longer exists")
		return
	}
	if !sw.State {
		logger.Debug().Msg("Switch already off, auto-off not needed")
		return
	}

	if sw.DontAutoOff {
		s.switcher.RaiseAlert(ctx, ledger.Alert{
			DeviceID: dev.ID,
			Type:     ledger.AlertTimeout,
			Severity: ledger.SeverityHigh,
			Message: fmt.Sprintf("%s in %s has been on for %d minutes and is exempt from auto-off",
				switchName(sw), deviceName(dev), minutes),
			Metadata: map[string]any{
				"schedule_id":     scheduleID,
				"switch_id":       sw.ID,
				"timeout_minutes": minutes,
				"classroom":       dev.Classroom,
			},
		})
		return
	}

	off := false
	_, err = s.switcher.Apply(ctx, control.Request{
		DeviceID: deviceID,
		SwitchID: switchID,
		State:    &off,
		Source:   broadcast.SourceSystem,
		Actor:    "system",
		Action:   ledger.ActionAutoOff,
		Details: map[string]any{
			"schedule_id":     scheduleID,
			"timeout_minutes": minutes,
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("Auto-off failed")
		return
	}
	logger.Info().Int("timeout_minutes", minutes).Msg("Switch turned off after timeout")
}

// Stop cancels pending auto-off timers and waits for running ones
func (s *Scheduler) Stop() {
	s.timers.Stop()
}

// Timers exposes the auto-off registry
func (s *Scheduler) Timers() *AutoOffTimers {
	return s.timers
}

// Timezone returns the scheduler's timezone
func (s *Scheduler) Timezone() *time.Location {
	return s.tz
}

func actor(sch *schedule.Schedule) string {
	return "schedule:" + sch.ID
}

func switchName(sw *device.Switch) string {
	if sw.Name != "" {
		return sw.Name
	}
	return sw.ID
}

func deviceName(dev *device.Device) string {
	if dev.Classroom != "" {
		return dev.Classroom
	}
	if dev.Name != "" {
		return dev.Name
	}
	return dev.ID
}

// Entry is one job occurrence for display
type Entry struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	Pattern    string    `json:"pattern"`
	Time       time.Time `json:"time"`
	Action     string    `json:"action"`
	Targets    int       `json:"targets"`
	IsPast     bool      `json:"is_past"`
}

// EntriesForDay returns the job occurrences falling on the given day, sorted by time
func (s *Scheduler) EntriesForDay(day time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().In(s.tz)
	dayInTz := day.In(s.tz)
	startOfDay := time.Date(dayInTz.Year(), dayInTz.Month(), dayInTz.Day(), 0, 0, 0, 0, s.tz)
	endOfDay := time.Date(dayInTz.Year(), dayInTz.Month(), dayInTz.Day()+1, 0, 0, 0, 0, s.tz)

	var entries []Entry
	for _, j := range s.jobs {
		occ := j.trigger.Next(startOfDay.Add(-time.Second))
		if occ == nil || !occ.Time.Before(endOfDay) {
			continue
		}
		entries = append(entries, Entry{
			ScheduleID: j.schedule.ID,
			Name:       j.schedule.Name,
			Pattern:    j.trigger.String(),
			Time:       occ.Time,
			Action:     string(j.schedule.Action),
			Targets:    len(j.schedule.Targets),
			IsPast:     occ.Time.Before(now),
		})
	}

	sort.Slice(entries, func(i, k int) bool {
		if entries[i].Time.Equal(entries[k].Time) {
			return entries[i].ScheduleID < entries[k].ScheduleID
		}
		return entries[i].Time.Before(entries[k].Time)
	})
	return entries
}

// FormatDay returns a human-readable schedule for a specific day.
func (s *Scheduler) FormatDay(day time.Time) string {
	if len(s.Jobs()) == 0 {
		return "No scheduled jobs"
	}

	entries := s.EntriesForDay(day)

	var sb strings.Builder
	dateStr := day.In(s.tz).Format("2006-01-02")
	sb.WriteString(fmt.Sprintf("Schedule for %s (timezone: %s)\n", dateStr, s.tz.String()))
	sb.WriteString(fmt.Sprintf("%-3s %-20s %-24s %-10s %-8s %s\n", "", "ID", "PATTERN", "TIME", "ACTION", "TARGETS"))
	sb.WriteString(strings.Repeat("-", 80) + "\n")

	for _, entry := range entries {
		status := " "
		if entry.IsPast {
			status = "✓"
		}
		sb.WriteString(fmt.Sprintf("%-3s %-20s %-24s %-10s %-8s %d\n",
			status, entry.ScheduleID, entry.Pattern, entry.Time.In(s.tz).Format("15:04"), entry.Action, entry.Targets))
	}

	if len(entries) == 0 {
		sb.WriteString("No occurrences for this day\n")
	}

	return sb.String()
}
