// Package scheduler turns stored schedules into timed jobs and runs them.
// Each job type (daily, weekly, once) implements the Trigger interface.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/campusiot/relayd/internal/schedule"
)

// Trigger computes firing times for a job
type Trigger interface {
	// Next returns the first occurrence strictly after the given time
	Next(after time.Time) *Occurrence

	// Prev returns the last occurrence strictly before the given time
	Prev(before time.Time) *Occurrence

	// String describes the pattern for display
	String() string
}

// Occurrence is a specific firing point of a job
type Occurrence struct {
	// ID uniquely identifies this occurrence (e.g., "lab-lights-on/1704067200")
	ID string

	ScheduleID string
	Time       time.Time
}

// NewOccurrence creates an occurrence with the standard ID format
func NewOccurrence(scheduleID string, t time.Time) *Occurrence {
	return &Occurrence{
		ID:         fmt.Sprintf("%s/%d", scheduleID, t.Unix()),
		ScheduleID: scheduleID,
		Time:       t,
	}
}

// DailyTrigger fires at a wall-clock time every day in a fixed zone
type DailyTrigger struct {
	scheduleID string
	hour       int
	minute     int
	tz         *time.Location
}

// NewDailyTrigger creates a trigger for hour:minute in tz
func NewDailyTrigger(scheduleID string, hour, minute int, tz *time.Location) *DailyTrigger {
	return &DailyTrigger{scheduleID: scheduleID, hour: hour, minute: minute, tz: tz}
}

func (t *DailyTrigger) at(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.hour, t.minute, 0, 0, t.tz)
}

// Next returns the next occurrence after the given time.
func (t *DailyTrigger) Next(after time.Time) *Occurrence {
	local := after.In(t.tz)
	candidate := t.at(local)
	if !candidate.After(after) {
		candidate = t.at(time.Date(local.Year(), local.Month(), local.Day()+1, 12, 0, 0, 0, t.tz))
	}
	return NewOccurrence(t.scheduleID, candidate)
}

// Prev returns the previous occurrence before the given time.
func (t *DailyTrigger) Prev(before time.Time) *Occurrence {
	local := before.In(t.tz)
	candidate := t.at(local)
	if !candidate.Before(before) {
		candidate = t.at(time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, t.tz))
	}
	return NewOccurrence(t.scheduleID, candidate)
}

func (t *DailyTrigger) String() string {
	return fmt.Sprintf("daily %02d:%02d", t.hour, t.minute)
}

// WeeklyTrigger fires at a wall-clock time on selected weekdays
type WeeklyTrigger struct {
	daily *DailyTrigger
	days  [7]bool
}

// NewWeeklyTrigger creates a trigger for hour:minute on the given weekdays (0=Sunday)
func NewWeeklyTrigger(scheduleID string, hour, minute int, days []int, tz *time.Location) *WeeklyTrigger {
	t := &WeeklyTrigger{daily: NewDailyTrigger(scheduleID, hour, minute, tz)}
	for _, d := range days {
		if d >= 0 && d < 7 {
			t.days[d] = true
		}
	}
	return t
}

// Next returns the next occurrence after the given time, or nil if no day is selected.
func (t *WeeklyTrigger) Next(after time.Time) *Occurrence {
	cursor := after
	for i := 0; i < 8; i++ {
		occ := t.daily.Next(cursor)
		if t.days[occ.Time.In(t.daily.tz).Weekday()] {
			return occ
		}
		cursor = occ.Time
	}
	return nil
}

// Prev returns the previous occurrence before the given time, or nil if no day is selected.
func (t *WeeklyTrigger) Prev(before time.Time) *Occurrence {
	cursor := before
	for i := 0; i < 8; i++ {
		occ := t.daily.Prev(cursor)
		if t.days[occ.Time.In(t.daily.tz).Weekday()] {
			return occ
		}
		cursor = occ.Time
	}
	return nil
}

func (t *WeeklyTrigger) String() string {
	names := make([]string, 0, 7)
	for d, on := range t.days {
		if on {
			names = append(names, time.Weekday(d).String()[:3])
		}
	}
	return fmt.Sprintf("weekly %02d:%02d %s", t.daily.hour, t.daily.minute, strings.Join(names, ","))
}

// OnceTrigger matches daily until its schedule is consumed
type OnceTrigger struct {
	*DailyTrigger
}

func (t OnceTrigger) String() string {
	return fmt.Sprintf("once %02d:%02d", t.hour, t.minute)
}

// NewTrigger derives the job pattern for a schedule.
// Only the offending schedule fails when its fields do not parse.
func NewTrigger(s *schedule.Schedule, tz *time.Location) (Trigger, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	hour, minute, err := s.Clock()
	if err != nil {
		return nil, err
	}

	switch s.Type {
	case schedule.TypeWeekly:
		return NewWeeklyTrigger(s.ID, hour, minute, s.Days, tz), nil
	case schedule.TypeOnce:
		return OnceTrigger{NewDailyTrigger(s.ID, hour, minute, tz)}, nil
	default:
		return NewDailyTrigger(s.ID, hour, minute, tz), nil
	}
}
