package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/campusiot/relayd/internal/db"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database.DB)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	payload, version, err := s.Get("widget", "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if payload != nil || version != 0 {
		t.Errorf("Get() = %q/%d, want nil/0", payload, version)
	}
}

func TestStore_SetIncrementsVersion(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Set("widget", "w1", []byte(`{}`)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	_, version, err := s.Get("widget", "w1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
}

func TestTypedStore_RoundTripAndGetAll(t *testing.T) {
	ts := NewTypedStore[widget](newTestStore(t), "widget")

	if err := ts.Set("a", widget{Name: "a", Count: 1}); err != nil {
		t.Fatal(err)
	}
	if err := ts.Set("b", widget{Name: "b", Count: 2}); err != nil {
		t.Fatal(err)
	}

	got, found, err := ts.Get("a")
	if err != nil || !found {
		t.Fatalf("Get(a) = %v, %v", found, err)
	}
	if got.Count != 1 {
		t.Errorf("Count = %d, want 1", got.Count)
	}

	all, err := ts.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("GetAll() returned %d entries, want 2", len(all))
	}

	if err := ts.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := ts.Get("a"); found {
		t.Error("a should be deleted")
	}
}

func TestTypedStore_UpdateAbortLeavesValue(t *testing.T) {
	ts := NewTypedStore[widget](newTestStore(t), "widget")
	if err := ts.Set("a", widget{Name: "a", Count: 1}); err != nil {
		t.Fatal(err)
	}

	errBoom := errors.New("boom")
	_, err := ts.Update("a", func(w widget, found bool) (widget, error) {
		w.Count = 99
		return w, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Update() error = %v, want errBoom", err)
	}

	got, _, _ := ts.Get("a")
	if got.Count != 1 {
		t.Errorf("Count = %d, want unchanged 1", got.Count)
	}
}

func TestTypedStore_UpdateIsAtomic(t *testing.T) {
	ts := NewTypedStore[widget](newTestStore(t), "widget")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.Update("counter", func(w widget, found bool) (widget, error) {
				w.Count++
				return w, nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, found, err := ts.Get("counter")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if got.Count != workers {
		t.Errorf("Count = %d, want %d", got.Count, workers)
	}
}
