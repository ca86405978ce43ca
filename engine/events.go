package engine

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/TheLab-ms/spoolbuddy/engine/db"
)

const eventLogMigration = `
CREATE TABLE IF NOT EXISTS event_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    source TEXT NOT NULL,
    event_type TEXT NOT NULL,
    printer_serial TEXT,
    spool_id INTEGER,
    success INTEGER NOT NULL DEFAULT 1,
    details TEXT NOT NULL DEFAULT ''
) STRICT;

CREATE INDEX IF NOT EXISTS event_log_source_created_idx
    ON event_log (source, created);
CREATE INDEX IF NOT EXISTS event_log_printer_idx
    ON event_log (printer_serial);
`

// EventLog is a persisted audit trail of module activity. A nil EventLog
// discards everything, so callers never have to guard their writes.
type EventLog struct {
	db *sql.DB
}

// NewEventLog creates an EventLog and applies the event_log table migration.
func NewEventLog(database *sql.DB) *EventLog {
	if database == nil {
		return nil
	}
	db.MustMigrate(database, eventLogMigration)
	return &EventLog{db: database}
}

// Log inserts one event. Failures are logged but never surfaced since the
// audit trail must not break the operation it describes.
func (e *EventLog) Log(ctx context.Context, source, eventType, printerSerial string, spoolID int64, success bool, details string) {
	if e == nil || e.db == nil {
		return
	}

	successInt := 0
	if success {
		successInt = 1
	}

	var serialPtr any
	if printerSerial != "" {
		serialPtr = printerSerial
	}

	var spoolPtr any
	if spoolID > 0 {
		spoolPtr = spoolID
	}

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO event_log (source, event_type, printer_serial, spool_id, success, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		source, eventType, serialPtr, spoolPtr, successInt, details)
	if err != nil {
		slog.Error("failed to write event log entry", "error", err, "source", source, "eventType", eventType)
	}
}

// LoggedEvent is one row of the audit trail.
type LoggedEvent struct {
	ID            int64  `json:"id"`
	Created       int64  `json:"created"`
	Source        string `json:"source"`
	EventType     string `json:"event_type"`
	PrinterSerial string `json:"printer_serial,omitempty"`
	SpoolID       int64  `json:"spool_id,omitempty"`
	Success       bool   `json:"success"`
	Details       string `json:"details,omitempty"`
}

// Recent returns up to limit events for the given source, newest first.
func (e *EventLog) Recent(ctx context.Context, source string, limit int) ([]LoggedEvent, error) {
	if e == nil || e.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT id, created, source, event_type, COALESCE(printer_serial, ''), COALESCE(spool_id, 0), success, details
		 FROM event_log WHERE source = ? ORDER BY id DESC LIMIT ?`,
		source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LoggedEvent
	for rows.Next() {
		var ev LoggedEvent
		var success int
		if err := rows.Scan(&ev.ID, &ev.Created, &ev.Source, &ev.EventType, &ev.PrinterSerial, &ev.SpoolID, &success, &ev.Details); err != nil {
			return nil, err
		}
		ev.Success = success == 1
		events = append(events, ev)
	}
	return events, rows.Err()
}
