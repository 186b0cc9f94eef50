package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/campusiot/relayd/internal/db"
	"github.com/campusiot/relayd/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(storage.NewStore(database.DB))
}

func TestSchedule_Clock(t *testing.T) {
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"07:30", 7, 30, false},
		{"0:05", 0, 5, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s := &Schedule{Time: tt.in}
			h, m, err := s.Clock()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTime) {
					t.Errorf("Clock() error = %v, want ErrInvalidTime", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Clock() error = %v", err)
			}
			if h != tt.h || m != tt.m {
				t.Errorf("Clock() = %d:%d, want %d:%d", h, m, tt.h, tt.m)
			}
		})
	}
}

func TestSchedule_Validate(t *testing.T) {
	valid := Schedule{ID: "s1", Type: TypeDaily, Time: "08:00", Action: ActionOn}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(s *Schedule)
	}{
		{"no id", func(s *Schedule) { s.ID = "" }},
		{"unknown type", func(s *Schedule) { s.Type = "hourly" }},
		{"weekly without days", func(s *Schedule) { s.Type = TypeWeekly }},
		{"weekly bad day", func(s *Schedule) { s.Type = TypeWeekly; s.Days = []int{7} }},
		{"bad action", func(s *Schedule) { s.Action = "toggle" }},
		{"bad time", func(s *Schedule) { s.Time = "8am" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestSchedule_Timeout(t *testing.T) {
	if d := (&Schedule{TimeoutMinutes: 15}).Timeout(); d != 15*time.Minute {
		t.Errorf("Timeout() = %v, want 15m", d)
	}
	if d := (&Schedule{TimeoutMinutes: -1}).Timeout(); d != 0 {
		t.Errorf("Timeout() = %v, want 0", d)
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, sch := range []*Schedule{
		{ID: "b", Type: TypeDaily, Time: "08:00", Action: ActionOn, Enabled: true},
		{ID: "a", Type: TypeOnce, Time: "09:00", Action: ActionOff, Enabled: false},
		{ID: "c", Type: TypeDaily, Time: "10:00", Action: ActionOff, Enabled: true},
	} {
		if err := s.Save(ctx, sch); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	enabled, err := s.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() error = %v", err)
	}
	if len(enabled) != 2 || enabled[0].ID != "b" || enabled[1].ID != "c" {
		t.Errorf("ListEnabled() = %+v, want [b c]", enabled)
	}

	now := time.Now().UTC().Truncate(time.Second)
	updated, err := s.Update(ctx, "b", func(sch *Schedule) error {
		sch.LastRun = &now
		sch.Enabled = false
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Enabled || updated.LastRun == nil || !updated.LastRun.Equal(now) {
		t.Errorf("Update() = %+v", updated)
	}

	got, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Enabled {
		t.Error("stored schedule should be disabled")
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, "b", func(*Schedule) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(deleted) error = %v, want ErrNotFound", err)
	}
}
