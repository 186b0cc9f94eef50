package holiday

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/campusiot/relayd/internal/config"
)

func TestCalendar(t *testing.T) {
	cal, err := NewCalendar([]config.HolidayDate{
		{Date: "2026-01-26", Name: "Republic Day"},
		{Date: "2026-08-15", Name: "Independence Day"},
	})
	if err != nil {
		t.Fatalf("NewCalendar() error = %v", err)
	}

	loc := time.FixedZone("IST", 5*3600+1800)
	res, _ := cal.IsHoliday(context.Background(), time.Date(2026, 1, 26, 23, 30, 0, 0, loc))
	if !res.IsHoliday || res.Name != "Republic Day" {
		t.Errorf("IsHoliday(Jan 26) = %+v", res)
	}

	res, _ = cal.IsHoliday(context.Background(), time.Date(2026, 1, 27, 8, 0, 0, 0, loc))
	if res.IsHoliday {
		t.Errorf("IsHoliday(Jan 27) = %+v, want false", res)
	}

	if _, err := NewCalendar([]config.HolidayDate{{Date: "26/01/2026"}}); err == nil {
		t.Error("expected error for malformed date")
	}
}

const script = `
local log = require("log")

function is_holiday(year, month, day)
  if month == 12 and day == 25 then
    return true, "Christmas"
  end
  if year == 2026 and month == 3 and day == 4 then
    log.info("campus closed")
    return true
  end
  return false
end
`

func TestScript(t *testing.T) {
	s, err := LoadString(script)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	tests := []struct {
		date time.Time
		want Result
	}{
		{time.Date(2026, 12, 25, 9, 0, 0, 0, time.UTC), Result{IsHoliday: true, Name: "Christmas"}},
		{time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), Result{IsHoliday: true}},
		{time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), Result{}},
	}

	for _, tt := range tests {
		t.Run(tt.date.Format(DateLayout), func(t *testing.T) {
			got, err := s.IsHoliday(context.Background(), tt.date)
			if err != nil {
				t.Fatalf("IsHoliday() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsHoliday() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScript_Errors(t *testing.T) {
	if _, err := LoadString(`x = 1`); !errors.Is(err, ErrNoPredicate) {
		t.Errorf("LoadString(no predicate) error = %v, want ErrNoPredicate", err)
	}
	if _, err := LoadString(`function is_holiday(`); err == nil {
		t.Error("expected syntax error")
	}

	s, err := LoadString(`function is_holiday(y, m, d) error("calendar offline") end`)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.IsHoliday(context.Background(), time.Now()); err == nil {
		t.Error("expected runtime error to be returned")
	}
}

func TestNew_ChainsCalendarAndScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.lua")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		t.Fatal(err)
	}

	oracle, closeFn, err := New(config.HolidayConfig{
		Dates:  []config.HolidayDate{{Date: "2026-01-26", Name: "Republic Day"}},
		Script: path,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	if res, _ := oracle.IsHoliday(ctx, time.Date(2026, 1, 26, 0, 0, 0, 0, time.UTC)); res.Name != "Republic Day" {
		t.Errorf("calendar date = %+v", res)
	}
	if res, _ := oracle.IsHoliday(ctx, time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)); res.Name != "Christmas" {
		t.Errorf("scripted date = %+v", res)
	}
	if res, _ := oracle.IsHoliday(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)); res.IsHoliday {
		t.Errorf("ordinary day = %+v", res)
	}
}
