// Package holiday answers whether a date is a holiday, from a static calendar
// and an optional Lua predicate.
package holiday

import (
	"context"
	"fmt"
	"time"

	"github.com/campusiot/relayd/internal/config"
)

// DateLayout is the format of configured holiday dates
const DateLayout = "2006-01-02"

// Result of a holiday lookup
type Result struct {
	IsHoliday bool   `json:"is_holiday"`
	Name      string `json:"name,omitempty"`
}

// Oracle is a pure holiday predicate
type Oracle interface {
	IsHoliday(ctx context.Context, date time.Time) (Result, error)
}

// Calendar is a fixed set of dates
type Calendar struct {
	dates map[string]string
}

// NewCalendar builds a calendar from configured dates
func NewCalendar(dates []config.HolidayDate) (*Calendar, error) {
	c := &Calendar{dates: make(map[string]string, len(dates))}
	for _, d := range dates {
		t, err := time.Parse(DateLayout, d.Date)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d.Date, err)
		}
		c.dates[t.Format(DateLayout)] = d.Name
	}
	return c, nil
}

// IsHoliday looks the calendar day of date up in the calendar
func (c *Calendar) IsHoliday(_ context.Context, date time.Time) (Result, error) {
	name, ok := c.dates[date.Format(DateLayout)]
	if !ok {
		return Result{}, nil
	}
	return Result{IsHoliday: true, Name: name}, nil
}

// Len returns the number of configured dates
func (c *Calendar) Len() int {
	return len(c.dates)
}

// Chain asks each oracle in turn and returns the first holiday found
type Chain []Oracle

// IsHoliday implements Oracle
func (c Chain) IsHoliday(ctx context.Context, date time.Time) (Result, error) {
	for _, o := range c {
		res, err := o.IsHoliday(ctx, date)
		if err != nil {
			return Result{}, err
		}
		if res.IsHoliday {
			return res, nil
		}
	}
	return Result{}, nil
}

// New builds the oracle described by cfg: the static calendar, then the script if one is set
func New(cfg config.HolidayConfig) (Oracle, func(), error) {
	cal, err := NewCalendar(cfg.Dates)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Script == "" {
		return cal, func() {}, nil
	}

	script, err := LoadScript(cfg.Script)
	if err != nil {
		return nil, nil, err
	}
	return Chain{cal, script}, script.Close, nil
}
