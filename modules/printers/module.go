package printers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/engine/db"
	"github.com/TheLab-ms/spoolbuddy/modules/events"
	"github.com/TheLab-ms/spoolbuddy/modules/printers/bambu"
)

const migration = `
CREATE TABLE IF NOT EXISTS printers (
	serial TEXT PRIMARY KEY,
	created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
	name TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL,
	access_code TEXT NOT NULL,
	auto_connect INTEGER NOT NULL DEFAULT 0,
	dual_nozzle INTEGER NOT NULL DEFAULT 0,
	nozzle_diameter TEXT NOT NULL DEFAULT '0.4',
	last_seen INTEGER
) STRICT;
`

const (
	reconcileInterval = 5 * time.Second

	// Two fatal session errors within this window disable the printer
	// until an explicit connect.
	fatalWindow = time.Minute
)

// Session is the command surface of one printer session, connected or not.
type Session interface {
	Serial() string
	Connected() bool
	Snapshot() *bambu.State
	Call(context.Context, bambu.Command) (*bambu.Ack, error)
	CallHeld(context.Context, bambu.Command) (*bambu.Ack, error)
	Batch(context.Context, func(context.Context) error) error
	RequestPushall(context.Context) error
}

type session interface {
	Session
	Connect()
	Disconnect()
	CameraStream(context.Context) (io.ReadCloser, error)
}

// Module is the printer registry. It persists connection configs and owns the
// live session for each printer that should be connected.
type Module struct {
	db   *sql.DB
	bus  *events.Bus
	base bambu.Config

	newSession func(*Printer) session

	mu       sync.Mutex
	sessions map[string]session
	held     map[string]bool      // manually disconnected, skipped by reconciliation
	disabled map[string]bool      // failed twice within fatalWindow
	fatals   map[string]time.Time // time of the last fatal session error
	cameras  map[string]*engine.StreamMux
}

// New creates the registry. base carries the session tuning shared by every
// printer; per-printer fields are filled in from the stored config.
func New(database *sql.DB, bus *events.Bus, base bambu.Config) *Module {
	if database != nil {
		db.MustMigrate(database, migration)
	}
	m := &Module{
		db:       database,
		bus:      bus,
		base:     base,
		sessions: map[string]session{},
		held:     map[string]bool{},
		disabled: map[string]bool{},
		fatals:   map[string]time.Time{},
		cameras:  map[string]*engine.StreamMux{},
	}
	m.newSession = m.dialSession
	return m
}

func (m *Module) dialSession(p *Printer) session {
	conf := m.base
	conf.Host = p.IPAddress
	conf.AccessCode = p.AccessCode
	conf.SerialNumber = p.Serial
	conf.DualNozzle = p.DualNozzle
	conf.NozzleDiameter = p.NozzleDiameter
	conf.OnFatal = func(any) { m.handleSessionFatal(p.Serial) }
	return bambu.NewClient(&conf, m.bus)
}

// Session returns the live session for the given serial, if one exists.
// Callers that need a reachable printer should also check Connected.
func (m *Module) Session(serial string) (Session, bool) {
	s, ok := m.lookup(serial)
	return s, ok
}

// Lookup returns the stored config for the given serial, or sql.ErrNoRows.
func (m *Module) Lookup(ctx context.Context, serial string) (*Printer, error) {
	return m.getPrinter(ctx, serial)
}

func (m *Module) lookup(serial string) (session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[serial]
	return s, ok
}

func (m *Module) startSession(p *Printer) {
	m.mu.Lock()
	s, ok := m.sessions[p.Serial]
	if !ok {
		s = m.newSession(p)
		m.sessions[p.Serial] = s
	}
	m.mu.Unlock()
	s.Connect()
}

// handleSessionFatal restarts a crashed session once, or disables the printer
// when it crashes again within fatalWindow.
func (m *Module) handleSessionFatal(serial string) {
	m.mu.Lock()
	old := m.sessions[serial]
	delete(m.sessions, serial)
	now := time.Now()
	last, repeat := m.fatals[serial]
	m.fatals[serial] = now
	disable := repeat && now.Sub(last) < fatalWindow
	if disable {
		m.disabled[serial] = true
	}
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	if disable {
		slog.Error("printer session failed twice in quick succession, disabling until manually reconnected", "serial", serial)
		return
	}

	p, err := m.getPrinter(context.Background(), serial)
	if err != nil {
		slog.Error("unable to load printer config for session restart", "serial", serial, "error", err)
		return
	}
	slog.Warn("restarting printer session after fatal error", "serial", serial)
	m.startSession(p)
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("POST /api/printers", m.handleUpsert)
	router.HandleFunc("GET /api/printers", m.handleList)
	router.HandleFunc("GET /api/printers/discover", m.handleDiscover)
	router.HandleFunc("GET /api/printers/{serial}", m.handleGet)
	router.HandleFunc("DELETE /api/printers/{serial}", m.handleDelete)
	router.HandleFunc("POST /api/printers/{serial}/connect", m.handleConnect)
	router.HandleFunc("POST /api/printers/{serial}/disconnect", m.handleDisconnect)
	router.HandleFunc("POST /api/printers/{serial}/refresh", m.handleRefresh)
	router.HandleFunc("POST /api/printers/{serial}/pause", m.printAction(bambu.PrintPause))
	router.HandleFunc("POST /api/printers/{serial}/resume", m.printAction(bambu.PrintResume))
	router.HandleFunc("POST /api/printers/{serial}/stop", m.printAction(bambu.PrintStop))
	router.HandleFunc("GET /api/printers/{serial}/camera", m.serveMJPEGStream)
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(engine.Poll(reconcileInterval, m.reconcile))
	procs.Add(func(ctx context.Context) error {
		<-ctx.Done()
		m.disconnectAll()
		return ctx.Err()
	})
}

// reconcile connects sessions for auto_connect printers and records last_seen
// for the ones currently connected.
func (m *Module) reconcile(ctx context.Context) bool {
	printers, err := m.listPrinters(ctx)
	if err != nil {
		slog.Error("listing printers for reconciliation", "error", err)
		return false
	}

	now := time.Now()
	for _, p := range printers {
		m.mu.Lock()
		s, active := m.sessions[p.Serial]
		skip := m.held[p.Serial] || m.disabled[p.Serial]
		m.mu.Unlock()

		if !active {
			if p.AutoConnect && !skip {
				slog.Info("connecting printer", "serial", p.Serial, "name", p.Name)
				m.startSession(p)
			}
			continue
		}
		if s.Connected() {
			if err := m.touchLastSeen(ctx, p.Serial, now); err != nil {
				slog.Error("recording printer last_seen", "serial", p.Serial, "error", err)
			}
		}
	}
	return false
}

func (m *Module) disconnectAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]session{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Disconnect()
		}()
	}
	wg.Wait()
}

func (m *Module) handleUpsert(w http.ResponseWriter, r *http.Request) {
	p := &Printer{}
	if err := json.NewDecoder(r.Body).Decode(p); err != nil {
		http.Error(w, "Invalid JSON body", 400)
		return
	}
	if p.Serial == "" || p.IPAddress == "" || p.AccessCode == "" {
		http.Error(w, "serial, ip_address, and access_code are required", 400)
		return
	}

	prev, err := m.getPrinter(r.Context(), p.Serial)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		engine.HandleError(w, err)
		return
	}
	if err := m.upsertPrinter(r.Context(), p); err != nil {
		engine.HandleError(w, err)
		return
	}

	// A live session keeps using the credentials it was dialed with, so
	// changing them restarts it. Manually disconnected printers stay down.
	if prev != nil && (prev.IPAddress != p.IPAddress || prev.AccessCode != p.AccessCode || prev.DualNozzle != p.DualNozzle || prev.NozzleDiameter != p.NozzleDiameter) {
		m.mu.Lock()
		old, active := m.sessions[p.Serial]
		delete(m.sessions, p.Serial)
		restart := active && !m.held[p.Serial]
		m.mu.Unlock()
		if active {
			old.Disconnect()
		}
		if restart {
			m.startSession(p)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

type printerStatus struct {
	*Printer
	Connected bool `json:"connected"`
	Disabled  bool `json:"disabled"`
}

func (m *Module) status(p *Printer) printerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.Serial]
	return printerStatus{
		Printer:   p,
		Connected: ok && s.Connected(),
		Disabled:  m.disabled[p.Serial],
	}
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	printers, err := m.listPrinters(r.Context())
	if engine.HandleError(w, err) {
		return
	}

	out := make([]printerStatus, len(printers))
	for i, p := range printers {
		out[i] = m.status(p)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := m.getPrinter(r.Context(), r.PathValue("serial"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Printer not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}

	out := struct {
		printerStatus
		State *bambu.State `json:"state,omitempty"`
	}{printerStatus: m.status(p)}
	if s, ok := m.Session(p.Serial); ok {
		out.State = s.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	m.mu.Lock()
	s, active := m.sessions[serial]
	delete(m.sessions, serial)
	delete(m.held, serial)
	delete(m.disabled, serial)
	delete(m.fatals, serial)
	delete(m.cameras, serial)
	m.mu.Unlock()
	if active {
		s.Disconnect()
	}

	found, err := m.deletePrinter(r.Context(), serial)
	if engine.HandleError(w, err) {
		return
	}
	if !found {
		http.Error(w, "Printer not found", 404)
		return
	}
	m.bus.Publish(events.Event{Type: events.TypePrinterRemoved, Serial: serial})
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleConnect(w http.ResponseWriter, r *http.Request) {
	p, err := m.getPrinter(r.Context(), r.PathValue("serial"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Printer not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}

	// An explicit connect clears the disabled flag and the manual hold.
	m.mu.Lock()
	delete(m.held, p.Serial)
	delete(m.disabled, p.Serial)
	delete(m.fatals, p.Serial)
	m.mu.Unlock()

	m.startSession(p)
	w.WriteHeader(http.StatusAccepted)
}

func (m *Module) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p, err := m.getPrinter(r.Context(), r.PathValue("serial"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Printer not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}

	// The session object sticks around so its last snapshot stays readable.
	m.mu.Lock()
	m.held[p.Serial] = true
	s, active := m.sessions[p.Serial]
	m.mu.Unlock()
	if active {
		s.Disconnect()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s, ok := m.Session(r.PathValue("serial"))
	if !ok || !s.Connected() {
		http.Error(w, "Printer not connected", http.StatusConflict)
		return
	}
	if commandStatus(w, s.RequestPushall(r.Context())) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *Module) printAction(mk func() bambu.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := m.Session(r.PathValue("serial"))
		if !ok || !s.Connected() {
			http.Error(w, "Printer not connected", http.StatusConflict)
			return
		}
		ack, err := s.Call(r.Context(), mk())
		if commandStatus(w, err) {
			return
		}
		if err := ack.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
}

// commandStatus maps printer command errors onto http statuses. It returns
// true if a response was written.
func commandStatus(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, bambu.ErrUnavailable), errors.Is(err, bambu.ErrDisconnected):
		http.Error(w, "Printer not connected", http.StatusConflict)
	case errors.Is(err, bambu.ErrTimeout):
		http.Error(w, "Printer did not respond", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request canceled", 499)
	default:
		engine.SystemError(w, "printer command failed", "error", err)
	}
	return true
}

func (m *Module) cameraMux(serial string) *engine.StreamMux {
	m.mu.Lock()
	defer m.mu.Unlock()
	mux, ok := m.cameras[serial]
	if !ok {
		mux = engine.NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
			s, ok := m.lookup(serial)
			if !ok || !s.Connected() {
				return nil, fmt.Errorf("printer %s is not connected", serial)
			}
			return s.CameraStream(ctx)
		})
		m.cameras[serial] = mux
	}
	return mux
}

func (m *Module) serveMJPEGStream(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if _, ok := m.Session(serial); !ok {
		http.Error(w, "Printer not connected", http.StatusConflict)
		return
	}

	mux := m.cameraMux(serial)
	ch := mux.Subscribe()
	if ch == nil {
		http.Error(w, "Failed to start camera stream", http.StatusInternalServerError)
		return
	}
	defer mux.Unsubscribe(ch)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			w.Write(data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
