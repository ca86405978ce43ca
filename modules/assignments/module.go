// Package assignments binds spools from the inventory onto printer slots.
// Writes that the printer can't take right now are staged and committed
// later by a state watcher, with a periodic sweep as backstop.
package assignments

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/engine/db"
	"github.com/TheLab-ms/spoolbuddy/modules/events"
	"github.com/TheLab-ms/spoolbuddy/modules/printers"
	"github.com/TheLab-ms/spoolbuddy/modules/spools"
)

const (
	stagedSweepInterval = 30 * time.Second
	ttlSweepInterval    = time.Minute

	// TTL is stored in milliseconds, created_ts in unix seconds.
	ttlCleanupQuery = "DELETE FROM staged_assignments WHERE created_ts + ttl / 1000 < strftime('%s', 'now')"
)

// SpoolSource resolves spool ids and NFC tags to inventory rows.
type SpoolSource interface {
	Get(ctx context.Context, id int64) (*spools.Spool, error)
	GetByTag(ctx context.Context, tagID string) (*spools.Spool, error)
}

// PrinterRegistry resolves serials to stored printers and live sessions.
type PrinterRegistry interface {
	Lookup(ctx context.Context, serial string) (*printers.Printer, error)
	Session(serial string) (printers.Session, bool)
}

type Module struct {
	db       *sql.DB
	bus      *events.Bus
	spools   SpoolSource
	printers PrinterRegistry
	ttl      time.Duration
	audit    *engine.EventLog

	mu          sync.Mutex
	lastAttempt map[int64]time.Time
}

func New(database *sql.DB, bus *events.Bus, spoolSrc SpoolSource, registry PrinterRegistry, ttl time.Duration) *Module {
	if database != nil {
		db.MustMigrate(database, migration)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Module{
		db:          database,
		bus:         bus,
		spools:      spoolSrc,
		printers:    registry,
		ttl:         ttl,
		audit:       engine.NewEventLog(database),
		lastAttempt: map[int64]time.Time{},
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/assignments", m.handleList)
	router.HandleFunc("POST /api/assignments", m.handleAssign)
	router.HandleFunc("DELETE /api/assignments/{id}", m.handleCancel)
	router.HandleFunc("GET /api/assignments/history", m.handleHistory)
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(m.watch)
	procs.Add(engine.Poll(stagedSweepInterval, engine.PollWorkqueue(engine.WithRateLimiting(&stagedQueue{m: m}, 1))))
	procs.Add(engine.Poll(ttlSweepInterval, engine.Cleanup(m.db, "expired staged assignments", ttlCleanupQuery)))
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	staged, err := m.listStaged(r.Context())
	if engine.HandleError(w, err) {
		return
	}
	if staged == nil {
		staged = []*StagedAssignment{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(staged)
}

func (m *Module) handleAssign(w http.ResponseWriter, r *http.Request) {
	req := Request{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", 400)
		return
	}
	if req.PrinterSerial == "" {
		http.Error(w, "printer_serial is required", 400)
		return
	}
	if req.SpoolID <= 0 && req.TagID == "" {
		http.Error(w, "either spool_id or tag_id is required", 400)
		return
	}
	if req.AmsID < 0 || req.TrayID < 0 {
		http.Error(w, "ams_id and tray_id must not be negative", 400)
		return
	}

	res := m.Assign(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (m *Module) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid assignment id", 400)
		return
	}
	found, err := m.deleteStaged(r.Context(), id)
	if engine.HandleError(w, err) {
		return
	}
	if !found {
		http.Error(w, "assignment not found", 404)
		return
	}
	m.clearAttempt(id)
	w.WriteHeader(204)
}

func (m *Module) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	history, err := m.audit.Recent(r.Context(), "assignments", limit)
	if engine.HandleError(w, err) {
		return
	}
	if history == nil {
		history = []engine.LoggedEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}
