package assignments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

const migration = `
CREATE TABLE IF NOT EXISTS staged_assignments (
	id INTEGER PRIMARY KEY,
	printer_serial TEXT NOT NULL,
	ams_id INTEGER NOT NULL,
	tray_id INTEGER NOT NULL,
	spool_id INTEGER NOT NULL,
	created_ts INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
	ttl INTEGER NOT NULL,
	UNIQUE (printer_serial, ams_id, tray_id)
) STRICT;

CREATE INDEX IF NOT EXISTS staged_assignments_serial_idx ON staged_assignments (printer_serial);
`

// StagedAssignment is a persisted intent to configure a slot once its
// printer will accept the write. TTL is in milliseconds.
type StagedAssignment struct {
	ID            int64  `json:"id"`
	PrinterSerial string `json:"printer_serial"`
	AmsID         int    `json:"ams_id"`
	TrayID        int    `json:"tray_id"`
	SpoolID       int64  `json:"spool_id"`
	CreatedTS     int64  `json:"created_ts"`
	TTL           int64  `json:"ttl"`
}

func (a *StagedAssignment) String() string {
	return fmt.Sprintf("stagedAssignment(%d, printer=%s ams=%d tray=%d spool=%d)", a.ID, a.PrinterSerial, a.AmsID, a.TrayID, a.SpoolID)
}

// stage upserts the pending assignment for a slot. It reports whether a
// previous assignment for the same slot was overwritten.
func (m *Module) stage(ctx context.Context, serial string, amsID, trayID int, spoolID int64) (bool, error) {
	var prior int64
	err := m.db.QueryRowContext(ctx, "SELECT id FROM staged_assignments WHERE printer_serial = $1 AND ams_id = $2 AND tray_id = $3", serial, amsID, trayID).Scan(&prior)
	replaced := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO staged_assignments (printer_serial, ams_id, tray_id, spool_id, created_ts, ttl)
		VALUES ($1, $2, $3, $4, strftime('%s', 'now'), $5)
		ON CONFLICT (printer_serial, ams_id, tray_id) DO UPDATE SET
			spool_id = excluded.spool_id,
			created_ts = excluded.created_ts,
			ttl = excluded.ttl`,
		serial, amsID, trayID, spoolID, m.ttl.Milliseconds())
	return replaced, err
}

func (m *Module) listStaged(ctx context.Context) ([]*StagedAssignment, error) {
	return m.queryStaged(ctx, "SELECT id, printer_serial, ams_id, tray_id, spool_id, created_ts, ttl FROM staged_assignments ORDER BY id")
}

func (m *Module) stagedForPrinter(ctx context.Context, serial string) ([]*StagedAssignment, error) {
	return m.queryStaged(ctx, "SELECT id, printer_serial, ams_id, tray_id, spool_id, created_ts, ttl FROM staged_assignments WHERE printer_serial = $1 ORDER BY id", serial)
}

func (m *Module) queryStaged(ctx context.Context, query string, args ...any) ([]*StagedAssignment, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staged []*StagedAssignment
	for rows.Next() {
		a := &StagedAssignment{}
		if err := rows.Scan(&a.ID, &a.PrinterSerial, &a.AmsID, &a.TrayID, &a.SpoolID, &a.CreatedTS, &a.TTL); err != nil {
			return nil, err
		}
		staged = append(staged, a)
	}
	return staged, rows.Err()
}

func (m *Module) deleteStaged(ctx context.Context, id int64) (bool, error) {
	result, err := m.db.ExecContext(ctx, "DELETE FROM staged_assignments WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// clearSlot drops any staged assignment for the slot. Used when a direct
// configure supersedes whatever was pending.
func (m *Module) clearSlot(ctx context.Context, serial string, amsID, trayID int) {
	_, err := m.db.ExecContext(ctx, "DELETE FROM staged_assignments WHERE printer_serial = $1 AND ams_id = $2 AND tray_id = $3", serial, amsID, trayID)
	if err != nil {
		slog.Error("clearing superseded staged assignment", "error", err, "serial", serial, "amsID", amsID, "trayID", trayID)
	}
}
