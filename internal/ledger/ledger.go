// Package ledger provides an append-only history of light commands for lampd.
// It is an audit trail: nothing reads it back to restore device state.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/eventbus"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64              `json:"id"`
	EntryID   string             `json:"entry_id"`
	EventType eventbus.EventType `json:"event_type"`
	Timestamp time.Time          `json:"timestamp"`
	Command   string             `json:"command,omitempty"`
	DeviceID  string             `json:"device_id,omitempty"`
	Seq       int64              `json:"seq,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Payload   map[string]any     `json:"payload,omitempty"`
}

// Recorded lists the event types Subscribe persists.
var Recorded = []eventbus.EventType{
	eventbus.EventCommandCompleted,
	eventbus.EventCommandFailed,
	eventbus.EventCycleFired,
	eventbus.EventConnected,
}

// Ledger provides append-only command logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Subscribe records every event type in Recorded as it is published on bus.
func (l *Ledger) Subscribe(bus *eventbus.Bus) {
	for _, t := range Recorded {
		bus.Subscribe(t, func(e eventbus.Event) {
			if err := l.Record(e); err != nil {
				log.Error().Err(err).Str("event_type", string(e.Type)).Msg("Failed to record event")
			}
		})
	}
}

// Record appends e. Well-known fields of e.Data are also stored in their own
// columns for filtering; the full data is kept as the JSON payload.
func (l *Ledger) Record(e eventbus.Event) error {
	var payloadJSON []byte
	if e.Data != nil {
		var err error
		payloadJSON, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO command_ledger (entry_id, event_type, timestamp, command, device_id, seq, error_kind, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		string(e.Type),
		at.UTC().UnixMilli(),
		stringField(e.Data, "command"),
		stringField(e.Data, "device_id"),
		intField(e.Data, "seq"),
		stringField(e.Data, "error_kind"),
		string(payloadJSON),
	)
	return err
}

// Recent returns the newest entries of any type.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, entry_id, event_type, timestamp, command, device_id, seq, error_kind, payload
		FROM command_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByType returns entries filtered by event type
func (l *Ledger) GetByType(eventType eventbus.EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, entry_id, event_type, timestamp, command, device_id, seq, error_kind, payload
		FROM command_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`
		DELETE FROM command_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var eventType string
		var command, deviceID, errorKind, payloadStr sql.NullString
		var seq sql.NullInt64
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EntryID, &eventType, &timestamp, &command, &deviceID, &seq, &errorKind, &payloadStr,
		)
		if err != nil {
			return nil, err
		}

		entry.EventType = eventbus.EventType(eventType)
		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Command = command.String
		entry.DeviceID = deviceID.String
		entry.Seq = seq.Int64
		entry.ErrorKind = errorKind.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func stringField(data map[string]any, key string) sql.NullString {
	s, ok := data[key].(string)
	return sql.NullString{String: s, Valid: ok && s != ""}
}

func intField(data map[string]any, key string) sql.NullInt64 {
	switch v := data[key].(type) {
	case uint64:
		return sql.NullInt64{Int64: int64(v), Valid: true}
	case int64:
		return sql.NullInt64{Int64: v, Valid: true}
	case int:
		return sql.NullInt64{Int64: int64(v), Valid: true}
	}
	return sql.NullInt64{}
}
