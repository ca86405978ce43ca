// Package spools is the filament inventory: one row per physical spool,
// optionally bound to an NFC tag.
package spools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/engine/db"
)

const migration = `
CREATE TABLE IF NOT EXISTS spools (
	id INTEGER PRIMARY KEY,
	created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
	tag_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	material TEXT NOT NULL DEFAULT '',
	color_hex TEXT NOT NULL DEFAULT '',
	nozzle_temp_min INTEGER NOT NULL DEFAULT 0,
	nozzle_temp_max INTEGER NOT NULL DEFAULT 0,
	tray_info_idx TEXT NOT NULL DEFAULT '',
	setting_id TEXT NOT NULL DEFAULT '',
	k_value REAL NOT NULL DEFAULT 0,
	cali_idx INTEGER NOT NULL DEFAULT -1,
	weight_g REAL
) STRICT;

CREATE INDEX IF NOT EXISTS spools_tag_id_idx ON spools (tag_id);
`

type Spool struct {
	ID            int64    `json:"id"`
	Created       int64    `json:"created"`
	TagID         string   `json:"tag_id,omitempty"`
	Name          string   `json:"name"`
	Material      string   `json:"material"`
	ColorHex      string   `json:"color_hex"`
	NozzleTempMin int      `json:"nozzle_temp_min"`
	NozzleTempMax int      `json:"nozzle_temp_max"`
	TrayInfoIdx   string   `json:"tray_info_idx,omitempty"`
	SettingID     string   `json:"setting_id,omitempty"`
	KValue        float64  `json:"k_value"`
	CaliIdx       int      `json:"cali_idx"`
	WeightGrams   *float64 `json:"weight_g"`
}

type Module struct {
	db *sql.DB
}

func New(database *sql.DB) *Module {
	if database != nil {
		db.MustMigrate(database, migration)
	}
	return &Module{db: database}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/spools", m.handleList)
	router.HandleFunc("POST /api/spools", m.handleCreate)
	router.HandleFunc("GET /api/spools/{id}", m.handleGet)
	router.HandleFunc("PATCH /api/spools/{id}", m.handlePatch)
	router.HandleFunc("DELETE /api/spools/{id}", m.handleDelete)
}

// Get returns the spool with the given id, or sql.ErrNoRows.
func (m *Module) Get(ctx context.Context, id int64) (*Spool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, created, tag_id, name, material, color_hex, nozzle_temp_min, nozzle_temp_max, tray_info_idx, setting_id, k_value, cali_idx, weight_g
		FROM spools WHERE id = $1`, id)
	return scanSpool(row)
}

// GetByTag returns the most recently added spool bound to the given NFC tag,
// or sql.ErrNoRows.
func (m *Module) GetByTag(ctx context.Context, tagID string) (*Spool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, created, tag_id, name, material, color_hex, nozzle_temp_min, nozzle_temp_max, tray_info_idx, setting_id, k_value, cali_idx, weight_g
		FROM spools WHERE tag_id = $1 ORDER BY id DESC LIMIT 1`, tagID)
	return scanSpool(row)
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := m.db.QueryContext(r.Context(), `
		SELECT id, created, tag_id, name, material, color_hex, nozzle_temp_min, nozzle_temp_max, tray_info_idx, setting_id, k_value, cali_idx, weight_g
		FROM spools ORDER BY id`)
	if engine.HandleError(w, err) {
		return
	}
	defer rows.Close()

	out := []*Spool{}
	for rows.Next() {
		s, err := scanSpool(rows)
		if engine.HandleError(w, err) {
			return
		}
		out = append(out, s)
	}
	if engine.HandleError(w, rows.Err()) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (m *Module) handleCreate(w http.ResponseWriter, r *http.Request) {
	s := &Spool{CaliIdx: -1}
	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		http.Error(w, "Invalid JSON body", 400)
		return
	}
	if s.Name == "" && s.Material == "" {
		http.Error(w, "name or material is required", 400)
		return
	}
	applyMaterialDefaults(s)

	result, err := m.db.ExecContext(r.Context(), `
		INSERT INTO spools (tag_id, name, material, color_hex, nozzle_temp_min, nozzle_temp_max, tray_info_idx, setting_id, k_value, cali_idx, weight_g)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.TagID, s.Name, s.Material, s.ColorHex, s.NozzleTempMin, s.NozzleTempMax, s.TrayInfoIdx, s.SettingID, s.KValue, s.CaliIdx, s.WeightGrams)
	if engine.HandleError(w, err) {
		return
	}
	id, err := result.LastInsertId()
	if engine.HandleError(w, err) {
		return
	}

	s, err = m.Get(r.Context(), id)
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid spool ID", 400)
		return
	}

	s, err := m.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Spool not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

// handlePatch merges the request body over the stored row: present fields
// overwrite, absent fields are retained.
func (m *Module) handlePatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid spool ID", 400)
		return
	}

	s, err := m.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Spool not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}

	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		http.Error(w, "Invalid JSON body", 400)
		return
	}
	s.ID = id
	applyMaterialDefaults(s)

	_, err = m.db.ExecContext(r.Context(), `
		UPDATE spools SET tag_id = $1, name = $2, material = $3, color_hex = $4, nozzle_temp_min = $5, nozzle_temp_max = $6, tray_info_idx = $7, setting_id = $8, k_value = $9, cali_idx = $10, weight_g = $11
		WHERE id = $12`,
		s.TagID, s.Name, s.Material, s.ColorHex, s.NozzleTempMin, s.NozzleTempMax, s.TrayInfoIdx, s.SettingID, s.KValue, s.CaliIdx, s.WeightGrams, id)
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid spool ID", 400)
		return
	}

	result, err := m.db.ExecContext(r.Context(), `DELETE FROM spools WHERE id = $1`, id)
	if engine.HandleError(w, err) {
		return
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		http.Error(w, "Spool not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSpool(row scannable) (*Spool, error) {
	s := &Spool{}
	var weight sql.NullFloat64
	err := row.Scan(&s.ID, &s.Created, &s.TagID, &s.Name, &s.Material, &s.ColorHex, &s.NozzleTempMin, &s.NozzleTempMax, &s.TrayInfoIdx, &s.SettingID, &s.KValue, &s.CaliIdx, &weight)
	if err != nil {
		return nil, err
	}
	if weight.Valid {
		s.WeightGrams = &weight.Float64
	}
	return s, nil
}
