package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/campusiot/relayd/internal/schedule"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func TestDailyTrigger_Next(t *testing.T) {
	tz := mustLoad(t, "Asia/Kolkata")
	trig := NewDailyTrigger("s", 8, 30, tz)

	tests := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{"earlier same day", time.Date(2026, 3, 10, 7, 0, 0, 0, tz), time.Date(2026, 3, 10, 8, 30, 0, 0, tz)},
		{"exactly at fire time", time.Date(2026, 3, 10, 8, 30, 0, 0, tz), time.Date(2026, 3, 11, 8, 30, 0, 0, tz)},
		{"later same day", time.Date(2026, 3, 10, 20, 0, 0, 0, tz), time.Date(2026, 3, 11, 8, 30, 0, 0, tz)},
		{"month rollover", time.Date(2026, 3, 31, 9, 0, 0, 0, tz), time.Date(2026, 4, 1, 8, 30, 0, 0, tz)},
		{"utc input", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), time.Date(2026, 3, 10, 8, 30, 0, 0, tz)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trig.Next(tt.after)
			if !got.Time.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got.Time, tt.want)
			}
		})
	}
}

func TestDailyTrigger_Prev(t *testing.T) {
	trig := NewDailyTrigger("s", 8, 30, time.UTC)
	got := trig.Prev(time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC))
	want := time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)
	if !got.Time.Equal(want) {
		t.Errorf("Prev() = %v, want %v", got.Time, want)
	}
}

func TestWeeklyTrigger_Next(t *testing.T) {
	// Mondays and Fridays
	trig := NewWeeklyTrigger("s", 9, 0, []int{1, 5}, time.UTC)

	tests := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{"tuesday to friday", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)},
		{"friday after fire to monday", time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{"monday before fire", time.Date(2026, 3, 16, 8, 59, 0, 0, time.UTC), time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trig.Next(tt.after)
			if got == nil || !got.Time.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}

	prev := trig.Prev(time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC); !prev.Time.Equal(want) {
		t.Errorf("Prev() = %v, want %v", prev.Time, want)
	}
}

func TestWeeklyTrigger_NoDays(t *testing.T) {
	trig := NewWeeklyTrigger("s", 9, 0, nil, time.UTC)
	if occ := trig.Next(time.Now()); occ != nil {
		t.Errorf("Next() = %v, want nil", occ)
	}
}

func TestDailyTrigger_DSTGap(t *testing.T) {
	tz := mustLoad(t, "America/New_York")
	// 02:30 does not exist on 2026-03-08 in New York.
	trig := NewDailyTrigger("s", 2, 30, tz)
	got := trig.Next(time.Date(2026, 3, 8, 0, 0, 0, 0, tz))
	if got.Time.Day() != 8 || !got.Time.After(time.Date(2026, 3, 8, 0, 0, 0, 0, tz)) {
		t.Errorf("Next() = %v, want a time later on 2026-03-08", got.Time)
	}
	next := trig.Next(got.Time)
	if next.Time.In(tz).Day() != 9 {
		t.Errorf("Next() after gap = %v, want 2026-03-09", next.Time)
	}
}

func TestNewTrigger(t *testing.T) {
	tests := []struct {
		name    string
		sch     schedule.Schedule
		pattern string
		wantErr error
	}{
		{"daily", schedule.Schedule{ID: "a", Type: schedule.TypeDaily, Time: "07:05", Action: schedule.ActionOn}, "daily 07:05", nil},
		{"weekly", schedule.Schedule{ID: "b", Type: schedule.TypeWeekly, Time: "18:00", Days: []int{1, 3}, Action: schedule.ActionOff}, "weekly 18:00 Mon,Wed", nil},
		{"once", schedule.Schedule{ID: "c", Type: schedule.TypeOnce, Time: "9:00", Action: schedule.ActionOn}, "once 09:00", nil},
		{"bad time", schedule.Schedule{ID: "d", Type: schedule.TypeDaily, Time: "9am", Action: schedule.ActionOn}, "", schedule.ErrInvalidTime},
		{"weekly no days", schedule.Schedule{ID: "e", Type: schedule.TypeWeekly, Time: "09:00", Action: schedule.ActionOn}, "", schedule.ErrInvalidSchedule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, err := NewTrigger(&tt.sch, time.UTC)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewTrigger() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTrigger() error = %v", err)
			}
			if trig.String() != tt.pattern {
				t.Errorf("String() = %q, want %q", trig.String(), tt.pattern)
			}
		})
	}
}
