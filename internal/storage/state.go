package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store provides generic versioned state storage with JSON payloads.
// State is keyed by (kind, id) and stored as JSON blobs with version tracking.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new generic state store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves payload and version for a resource.
// Returns empty payload and version 0 if not found.
func (s *Store) Get(kind, id string) (payload []byte, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payloadStr string
	err = s.db.QueryRow(`
		SELECT payload, version FROM resource_state
		WHERE kind = ? AND id = ?
	`, kind, id).Scan(&payloadStr, &version)

	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	return []byte(payloadStr), version, nil
}

// Set stores payload, incrementing version automatically.
// Creates new entry if not exists, updates if exists.
func (s *Store) Set(kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(upsertSQL, kind, id, string(payload), time.Now().UTC().Unix())
	if err == nil {
		log.Debug().
			Str("kind", kind).
			Str("id", id).
			Msg("Store.Set completed")
	}

	return err
}

const upsertSQL = `
	INSERT INTO resource_state (kind, id, payload, version, updated_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		payload = excluded.payload,
		version = version + 1,
		updated_at = excluded.updated_at
`

// Update performs an atomic read-modify-write of a single resource inside one transaction.
// modify receives nil when the resource does not exist. An error from modify rolls back
// and is returned as-is.
func (s *Store) Update(kind, id string, modify func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var current []byte
	var payloadStr string
	err = tx.QueryRow(`SELECT payload FROM resource_state WHERE kind = ? AND id = ?`, kind, id).Scan(&payloadStr)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read %s/%s: %w", kind, id, err)
	default:
		current = []byte(payloadStr)
	}

	updated, err := modify(current)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(upsertSQL, kind, id, string(updated), time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("write %s/%s: %w", kind, id, err)
	}
	return tx.Commit()
}

// Delete removes a resource state entry.
func (s *Store) Delete(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM resource_state WHERE kind = ? AND id = ?
	`, kind, id)

	return err
}

// GetAll returns the payload of every resource of a kind, keyed by ID.
func (s *Store) GetAll(kind string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, payload FROM resource_state WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	payloads := make(map[string][]byte)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		payloads[id] = []byte(payload)
	}
	return payloads, rows.Err()
}
