package storage

import (
	"encoding/json"
	"fmt"
)

// TypedStore wraps Store with JSON marshaling for a specific type.
// Each repository uses its own TypedStore instance with its record struct.
type TypedStore[T any] struct {
	store *Store
	kind  string
}

// NewTypedStore creates a new typed store wrapper for the given kind.
func NewTypedStore[T any](store *Store, kind string) *TypedStore[T] {
	return &TypedStore[T]{
		store: store,
		kind:  kind,
	}
}

// Get retrieves and unmarshals the state for an ID.
// found is false (and value is the zero value) if the ID is not stored.
func (s *TypedStore[T]) Get(id string) (value T, found bool, err error) {
	payload, _, err := s.store.Get(s.kind, id)
	if err != nil {
		return value, false, err
	}

	if payload == nil {
		return value, false, nil
	}

	if err := json.Unmarshal(payload, &value); err != nil {
		return value, false, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return value, true, nil
}

// Set marshals and stores the state for an ID.
func (s *TypedStore[T]) Set(id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return s.store.Set(s.kind, id, payload)
}

// Delete removes the state for an ID.
func (s *TypedStore[T]) Delete(id string) error {
	return s.store.Delete(s.kind, id)
}

// GetAll retrieves all entries for this kind.
func (s *TypedStore[T]) GetAll() (map[string]T, error) {
	payloads, err := s.store.GetAll(s.kind)
	if err != nil {
		return nil, err
	}

	values := make(map[string]T, len(payloads))
	for id, payload := range payloads {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state for %s: %w", id, err)
		}
		values[id] = value
	}

	return values, nil
}

// Update applies a modification function to the stored value atomically.
// modify receives found=false and the zero value if the ID doesn't exist.
// A non-nil error from modify aborts the write and is returned unchanged.
func (s *TypedStore[T]) Update(id string, modify func(current T, found bool) (T, error)) (T, error) {
	var result T
	err := s.store.Update(s.kind, id, func(payload []byte) ([]byte, error) {
		var current T
		found := payload != nil
		if found {
			if err := json.Unmarshal(payload, &current); err != nil {
				return nil, fmt.Errorf("failed to unmarshal state: %w", err)
			}
		}

		updated, err := modify(current, found)
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}
		result = updated
		return out, nil
	})
	return result, err
}
