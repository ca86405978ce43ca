// Package stream serves the browser-facing websocket. Every subscriber
// gets a consistent initial_state frame followed by the live event feed,
// one typed JSON frame per event.
package stream

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/modules/events"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Module struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func New(bus *events.Bus) *Module {
	return &Module{bus: bus, clients: map[*websocket.Conn]struct{}{}}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /ws/ui", m.handleSocket)
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(func(ctx context.Context) error {
		<-ctx.Done()
		m.mu.Lock()
		conns := slices.Collect(maps.Keys(m.clients))
		m.mu.Unlock()
		for _, conn := range conns {
			closeConn(conn, websocket.CloseGoingAway, "server shutting down")
			conn.Close()
		}
		return ctx.Err()
	})
}

func (m *Module) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrading ui socket", "error", err)
		return
	}
	m.track(conn)
	defer m.untrack(conn)
	defer conn.Close()

	sub := m.bus.Subscribe(nil)
	defer sub.Close()
	slog.Debug("ui subscriber connected", "remoteAddr", r.RemoteAddr)

	// The reader discards anything the client sends but notices it going
	// away, so an idle feed doesn't pin dead connections.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// The bus cut this subscriber off for falling behind.
				closeConn(conn, websocket.ClosePolicyViolation, "slow consumer")
				return
			}
			for _, frame := range render(ev) {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}
}

func (m *Module) track(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[conn] = struct{}{}
}

func (m *Module) untrack(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, conn)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

type typeFrame struct {
	Type   events.Type `json:"type"`
	Serial string      `json:"serial,omitempty"`
}

type initialFrame struct {
	Type     events.Type        `json:"type"`
	Device   events.DeviceState `json:"device"`
	Printers map[string]bool    `json:"printers"`
}

type stateFrame struct {
	Type   events.Type `json:"type"`
	Serial string      `json:"serial"`
	State  any         `json:"state"`
}

type jobFrame struct {
	Type   events.Type `json:"type"`
	Serial string      `json:"serial"`
	events.Job
}

type coverFrame struct {
	Type   events.Type `json:"type"`
	Serial string      `json:"serial"`
	events.Cover
}

type deviceStateFrame struct {
	Type events.Type `json:"type"`
	events.DeviceState
}

type weightFrame struct {
	Type events.Type `json:"type"`
	events.Weight
}

type tagFrame struct {
	Type events.Type `json:"type"`
	events.Tag
}

type assignmentFrame struct {
	Type events.Type `json:"type"`
	events.AssignmentResult
}

type issueFrame struct {
	Type   events.Type `json:"type"`
	Serial string      `json:"serial,omitempty"`
	events.ParseIssue
}

type slowFrame struct {
	Type events.Type `json:"type"`
	events.SlowConsumer
}

// render maps one bus event onto its socket frames. The initial snapshot
// expands into the initial_state frame plus one full printer_state frame
// per printer with known telemetry.
func render(ev events.Event) []any {
	switch p := ev.Payload.(type) {
	case events.InitialState:
		out := []any{initialFrame{Type: ev.Type, Device: p.Device, Printers: p.Printers}}
		for _, serial := range slices.Sorted(maps.Keys(p.States)) {
			out = append(out, stateFrame{Type: events.TypePrinterState, Serial: serial, State: p.States[serial]})
		}
		return out
	case events.PrinterState:
		return []any{stateFrame{Type: ev.Type, Serial: ev.Serial, State: p.State}}
	case events.Job:
		return []any{jobFrame{Type: ev.Type, Serial: ev.Serial, Job: p}}
	case events.Cover:
		return []any{coverFrame{Type: ev.Type, Serial: ev.Serial, Cover: p}}
	case events.DeviceState:
		return []any{deviceStateFrame{Type: ev.Type, DeviceState: p}}
	case events.Weight:
		return []any{weightFrame{Type: ev.Type, Weight: p}}
	case events.Tag:
		return []any{tagFrame{Type: ev.Type, Tag: p}}
	case events.AssignmentResult:
		return []any{assignmentFrame{Type: ev.Type, AssignmentResult: p}}
	case events.ParseIssue:
		return []any{issueFrame{Type: ev.Type, Serial: ev.Serial, ParseIssue: p}}
	case events.SlowConsumer:
		return []any{slowFrame{Type: ev.Type, SlowConsumer: p}}
	default:
		return []any{typeFrame{Type: ev.Type, Serial: ev.Serial}}
	}
}
