// Package ledger provides the append-only activity log and security alert history for relayd.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Action identifies what an activity entry records
type Action string

const (
	ActionSwitchToggled         Action = "switch_toggled"
	ActionBulkToggle            Action = "bulk_toggle"
	ActionAutoOff               Action = "auto_off"
	ActionScheduleExecuted      Action = "schedule_executed"
	ActionScheduleSkippedMotion Action = "schedule_skipped_motion"
	ActionStateReconciled       Action = "state_reconciled"
	ActionIntentsReplayed       Action = "intents_replayed"
	ActionDeviceConnected       Action = "device_connected"
	ActionDeviceDisconnected    Action = "device_disconnected"
)

// ActivityEntry is a single audit record
type ActivityEntry struct {
	ID        string         `json:"id"`
	Action    Action         `json:"action"`
	DeviceID  string         `json:"device_id,omitempty"`
	SwitchID  string         `json:"switch_id,omitempty"`
	Source    string         `json:"source"`
	Actor     string         `json:"actor,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AlertType classifies a security alert
type AlertType string

const (
	AlertMotionOverride AlertType = "motion_override"
	AlertTimeout        AlertType = "timeout"
)

// Severity of a security alert
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is a security alert that needs operator attention
type Alert struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Ledger stores activity entries and alerts
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append writes an activity entry, assigning ID and timestamp when unset
func (l *Ledger) Append(entry *ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	details, err := marshalMap(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT INTO activity_log (id, action, device_id, switch_id, source, actor, success, error, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Action), entry.DeviceID, entry.SwitchID, entry.Source, entry.Actor,
		entry.Success, entry.Error, details, entry.CreatedAt.UnixMilli())
	return err
}

// Record appends an activity entry; failures are logged and never returned
func (l *Ledger) Record(ctx context.Context, entry ActivityEntry) {
	if err := l.Append(&entry); err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Str("action", string(entry.Action)).
			Str("device_id", entry.DeviceID).
			Msg("Failed to record activity")
	}
}

// InsertAlert writes an alert, assigning ID and timestamp when unset
func (l *Ledger) InsertAlert(alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = l.now().UTC()
	}

	metadata, err := marshalMap(alert.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT INTO security_alerts (id, device_id, type, severity, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.DeviceID, string(alert.Type), string(alert.Severity), alert.Message,
		metadata, alert.CreatedAt.UnixMilli())
	return err
}

// Raise stores an alert and returns it with ID and timestamp filled in.
// Failures are logged and never returned.
func (l *Ledger) Raise(ctx context.Context, alert Alert) Alert {
	if err := l.InsertAlert(&alert); err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Str("alert_type", string(alert.Type)).
			Str("device_id", alert.DeviceID).
			Msg("Failed to store alert")
	}
	return alert
}

// RecentActivity returns the newest entries, optionally filtered by device
func (l *Ledger) RecentActivity(deviceID string, limit int) ([]*ActivityEntry, error) {
	query := `
		SELECT id, action, device_id, switch_id, source, actor, success, error, details, created_at
		FROM activity_log`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		var entry ActivityEntry
		var deviceID, switchID, actor, errStr, details sql.NullString
		var createdAt int64

		if err := rows.Scan(&entry.ID, &entry.Action, &deviceID, &switchID, &entry.Source,
			&actor, &entry.Success, &errStr, &details, &createdAt); err != nil {
			return nil, err
		}

		entry.DeviceID = deviceID.String
		entry.SwitchID = switchID.String
		entry.Actor = actor.String
		entry.Error = errStr.String
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		if entry.Details, err = unmarshalMap(details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details: %w", err)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// RecentAlerts returns the newest alerts, optionally filtered by type
func (l *Ledger) RecentAlerts(alertType AlertType, limit int) ([]*Alert, error) {
	query := `
		SELECT id, device_id, type, severity, message, metadata, created_at
		FROM security_alerts`
	args := []any{}
	if alertType != "" {
		query += ` WHERE type = ?`
		args = append(args, string(alertType))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var alert Alert
		var metadata sql.NullString
		var createdAt int64

		if err := rows.Scan(&alert.ID, &alert.DeviceID, &alert.Type, &alert.Severity,
			&alert.Message, &metadata, &createdAt); err != nil {
			return nil, err
		}

		alert.CreatedAt = time.UnixMilli(createdAt).UTC()
		if alert.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		alerts = append(alerts, &alert)
	}

	return alerts, rows.Err()
}

// DeleteOlderThan removes activity and alerts older than the retention period
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UnixMilli()

	var total int64
	for _, table := range []string{"activity_log", "security_alerts"} {
		result, err := l.db.Exec(`DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	m := make(map[string]any)
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
