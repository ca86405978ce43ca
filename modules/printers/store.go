package printers

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Printer is the persisted identity of one printer. The access code is the
// LAN credential printed on the device, not a secret we can avoid storing.
type Printer struct {
	Serial         string `json:"serial"`
	Name           string `json:"name"`
	IPAddress      string `json:"ip_address"`
	AccessCode     string `json:"access_code"`
	AutoConnect    bool   `json:"auto_connect"`
	DualNozzle     bool   `json:"dual_nozzle"`
	NozzleDiameter string `json:"nozzle_diameter"`
	LastSeen       *int64 `json:"last_seen"`
}

func (m *Module) upsertPrinter(ctx context.Context, p *Printer) error {
	if p.NozzleDiameter == "" {
		p.NozzleDiameter = "0.4"
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO printers (serial, name, ip_address, access_code, auto_connect, dual_nozzle, nozzle_diameter)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (serial) DO UPDATE SET
			name = excluded.name,
			ip_address = excluded.ip_address,
			access_code = excluded.access_code,
			auto_connect = excluded.auto_connect,
			dual_nozzle = excluded.dual_nozzle,
			nozzle_diameter = excluded.nozzle_diameter`,
		p.Serial, p.Name, p.IPAddress, p.AccessCode, boolToInt(p.AutoConnect), boolToInt(p.DualNozzle), p.NozzleDiameter)
	if err != nil {
		return fmt.Errorf("upserting printer: %w", err)
	}
	return nil
}

func (m *Module) getPrinter(ctx context.Context, serial string) (*Printer, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT serial, name, ip_address, access_code, auto_connect, dual_nozzle, nozzle_diameter, last_seen
		FROM printers WHERE serial = $1`, serial)
	return scanPrinter(row)
}

func (m *Module) listPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT serial, name, ip_address, access_code, auto_connect, dual_nozzle, nozzle_diameter, last_seen
		FROM printers ORDER BY name, serial`)
	if err != nil {
		return nil, fmt.Errorf("listing printers: %w", err)
	}
	defer rows.Close()

	var out []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (m *Module) deletePrinter(ctx context.Context, serial string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM printers WHERE serial = $1`, serial)
	if err != nil {
		return false, fmt.Errorf("deleting printer: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (m *Module) touchLastSeen(ctx context.Context, serial string, at time.Time) error {
	_, err := m.db.ExecContext(ctx, `UPDATE printers SET last_seen = $1 WHERE serial = $2`, at.Unix(), serial)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPrinter(row scannable) (*Printer, error) {
	p := &Printer{}
	var autoConnect, dualNozzle int
	var lastSeen sql.NullInt64
	err := row.Scan(&p.Serial, &p.Name, &p.IPAddress, &p.AccessCode, &autoConnect, &dualNozzle, &p.NozzleDiameter, &lastSeen)
	if err != nil {
		return nil, err
	}
	p.AutoConnect = autoConnect != 0
	p.DualNozzle = dualNozzle != 0
	if lastSeen.Valid {
		p.LastSeen = &lastSeen.Int64
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
