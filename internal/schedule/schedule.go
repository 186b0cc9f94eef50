// Package schedule holds schedule records and their persistence.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/campusiot/relayd/internal/storage"
)

// Kind is the resource_state kind schedules are stored under
const Kind = "schedule"

var (
	// ErrNotFound indicates a schedule was not found
	ErrNotFound = errors.New("schedule not found")

	// ErrInvalidTime indicates a schedule time is not HH:MM
	ErrInvalidTime = errors.New("invalid schedule time")

	// ErrInvalidSchedule indicates a schedule record failed validation
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Type determines how a schedule repeats
type Type string

const (
	TypeDaily  Type = "daily"
	TypeWeekly Type = "weekly"
	TypeOnce   Type = "once"
)

// Action is the state a schedule drives its targets to
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// State returns the switch value for the action
func (a Action) State() bool {
	return a == ActionOn
}

// Target is one switch a schedule drives
type Target struct {
	DeviceID string `json:"device_id"`
	SwitchID string `json:"switch_id"`
}

// Schedule is a timed action over a list of switches
type Schedule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           Type       `json:"type"`
	Time           string     `json:"time"`           // "HH:MM" in the scheduler time zone
	Days           []int      `json:"days,omitempty"` // 0=Sunday, weekly only
	Action         Action     `json:"action"`
	Targets        []Target   `json:"targets"`
	Enabled        bool       `json:"enabled"`
	RespectMotion  bool       `json:"respect_motion"`
	CheckHolidays  bool       `json:"check_holidays"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	LastRun        *time.Time `json:"last_run,omitempty"`
}

// Clock parses Time into hour and minute
func (s *Schedule) Clock() (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s.Time), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, s.Time)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, s.Time)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, s.Time)
	}
	return hour, minute, nil
}

// Timeout returns the auto-off delay, zero when disabled
func (s *Schedule) Timeout() time.Duration {
	if s.TimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// Validate checks fields the scheduler relies on
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSchedule)
	}
	switch s.Type {
	case TypeDaily, TypeOnce:
	case TypeWeekly:
		if len(s.Days) == 0 {
			return fmt.Errorf("%w: weekly schedule %s has no days", ErrInvalidSchedule, s.ID)
		}
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day %d out of range", ErrInvalidSchedule, d)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
	if s.Action != ActionOn && s.Action != ActionOff {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidSchedule, s.Action)
	}
	if _, _, err := s.Clock(); err != nil {
		return err
	}
	return nil
}

// Store persists schedules in the shared state table
type Store struct {
	store *storage.TypedStore[Schedule]
}

// NewStore creates a schedule store
func NewStore(store *storage.Store) *Store {
	return &Store{store: storage.NewTypedStore[Schedule](store, Kind)}
}

// Get returns the schedule with the given ID or ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sch, found, err := s.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("loading schedule %s: %w", id, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &sch, nil
}

// Save creates or replaces a schedule
func (s *Store) Save(ctx context.Context, sch *Schedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sch.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSchedule)
	}
	return s.store.Set(sch.ID, *sch)
}

// Delete removes a schedule
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.Delete(id)
}

// Update atomically modifies a stored schedule
func (s *Store) Update(ctx context.Context, id string, modify func(sch *Schedule) error) (*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updated, err := s.store.Update(id, func(current Schedule, found bool) (Schedule, error) {
		if !found {
			return current, ErrNotFound
		}
		if err := modify(&current); err != nil {
			return current, err
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// List returns all schedules ordered by ID
func (s *Store) List(ctx context.Context) ([]*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := s.store.GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	out := make([]*Schedule, 0, len(all))
	for _, sch := range all {
		sch := sch
		out = append(out, &sch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListEnabled returns enabled schedules ordered by ID
func (s *Store) ListEnabled(ctx context.Context) ([]*Schedule, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, sch := range all {
		if sch.Enabled {
			enabled = append(enabled, sch)
		}
	}
	return enabled, nil
}
