package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/campusiot/relayd/internal/storage"
)

// Kind is the resource_state kind devices are stored under
const Kind = "device"

// Registry is the source of truth for desired switch state, presence and queued intents.
type Registry interface {
	// Find returns the device with the given ID or ErrNotFound
	Find(ctx context.Context, id string) (*Device, error)

	// FindByAddress returns the device with the given MAC address or ErrNotFound
	FindByAddress(ctx context.Context, address string) (*Device, error)

	// Save creates or replaces a device record
	Save(ctx context.Context, d *Device) error

	// Update atomically applies modify to the stored device and returns the result.
	// An error from modify aborts the write.
	Update(ctx context.Context, id string, modify func(d *Device) error) (*Device, error)

	// List returns all devices ordered by ID
	List(ctx context.Context) ([]*Device, error)
}

// SQLiteRegistry stores devices as versioned JSON documents
type SQLiteRegistry struct {
	store *storage.TypedStore[Device]
}

var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry creates a registry on top of the shared state store
func NewSQLiteRegistry(store *storage.Store) *SQLiteRegistry {
	return &SQLiteRegistry{store: storage.NewTypedStore[Device](store, Kind)}
}

// NormalizeAddress canonicalizes a MAC address for comparison
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func (r *SQLiteRegistry) Find(ctx context.Context, id string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, found, err := r.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r *SQLiteRegistry) FindByAddress(ctx context.Context, address string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := r.store.GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	address = NormalizeAddress(address)
	for _, d := range all {
		if NormalizeAddress(d.Address) == address {
			d := d
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (r *SQLiteRegistry) Save(ctx context.Context, d *Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(d); err != nil {
		return err
	}

	other, err := r.FindByAddress(ctx, d.Address)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case other.ID != d.ID:
		return fmt.Errorf("%w: address %s already used by %s", ErrInvalidDevice, d.Address, other.ID)
	}

	if d.Status == "" {
		d.Status = StatusOffline
	}
	d.Address = NormalizeAddress(d.Address)
	return r.store.Set(d.ID, *d)
}

func (r *SQLiteRegistry) Update(ctx context.Context, id string, modify func(d *Device) error) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updated, err := r.store.Update(id, func(current Device, found bool) (Device, error) {
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

func (r *SQLiteRegistry) List(ctx context.Context) ([]*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := r.store.GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	out := make([]*Device, 0, len(all))
	for _, d := range all {
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func validate(d *Device) error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidDevice)
	}
	seenIDs := make(map[string]struct{}, len(d.Switches))
	seenChannels := make(map[int]struct{}, len(d.Switches))
	for _, sw := range d.Switches {
		if sw.ID == "" {
			return fmt.Errorf("%w: switch without id", ErrInvalidDevice)
		}
		if _, dup := seenIDs[sw.ID]; dup {
			return fmt.Errorf("%w: duplicate switch id %s", ErrInvalidDevice, sw.ID)
		}
		if _, dup := seenChannels[sw.Channel]; dup {
			return fmt.Errorf("%w: duplicate channel %d", ErrInvalidDevice, sw.Channel)
		}
		seenIDs[sw.ID] = struct{}{}
		seenChannels[sw.Channel] = struct{}{}
	}
	return nil
}
