// Package device owns the websocket session with the embedded tag reader
// and scale. Exactly one device is served at a time; a newer connection
// takes over from the old one.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/modules/events"
)

// ErrNoDevice is returned by downstream commands when no device is
// connected.
var ErrNoDevice = errors.New("no device connected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The device is an embedded client on the local network and sends no
	// browser Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

type Module struct {
	bus     *events.Bus
	timeout time.Duration

	mu      sync.Mutex
	current *session
}

// New returns the device module. timeout is how long the session may go
// without any inbound message before it is considered dead.
func New(bus *events.Bus, timeout time.Duration) *Module {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Module{bus: bus, timeout: timeout}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /ws/device", m.handleSocket)
	router.HandleFunc("POST /api/device/write-tag", m.handleWriteTag)
	router.HandleFunc("POST /api/device/tare", m.handleTare)
	router.HandleFunc("POST /api/device/calibrate", m.handleCalibrate)
	router.HandleFunc("POST /api/device/notification", m.handleNotification)
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(func(ctx context.Context) error {
		<-ctx.Done()
		m.mu.Lock()
		s := m.current
		m.mu.Unlock()
		if s != nil {
			s.close(websocket.CloseGoingAway, "server shutting down")
		}
		return ctx.Err()
	})
}

func (m *Module) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrading device socket", "error", err)
		return
	}
	s := &session{conn: conn}

	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()
	if prev != nil {
		// Newest wins.
		prev.close(websocket.ClosePolicyViolation, "replaced by a newer device connection")
	}

	slog.Info("device connected", "remoteAddr", r.RemoteAddr)
	m.bus.Publish(events.Event{Type: events.TypeDeviceConnected})

	m.readLoop(s)

	// An evicted session stays silent on its way out since its
	// replacement is already live.
	m.mu.Lock()
	active := m.current == s
	if active {
		m.current = nil
	}
	m.mu.Unlock()
	s.conn.Close()
	if active {
		slog.Info("device disconnected", "remoteAddr", r.RemoteAddr)
		m.bus.Publish(events.Event{Type: events.TypeDeviceDisconnected})
	}
}

// readLoop consumes inbound messages until the connection dies. Every
// message, heartbeats included, re-arms the liveness deadline.
func (m *Module) readLoop(s *session) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(m.timeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("device heartbeat expired", "timeout", m.timeout)
			}
			return
		}
		m.handleMessage(data)
	}
}

// inbound is the superset of fields across all device message types.
type inbound struct {
	Type    string          `json:"type"`
	TagID   string          `json:"tag_id"`
	TagType string          `json:"tag_type"`
	Data    json.RawMessage `json:"data"`
	Grams   float64         `json:"grams"`
	Stable  bool            `json:"stable"`
	Uptime  float64         `json:"uptime"`
}

func (m *Module) handleMessage(data []byte) {
	msg := inbound{}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping malformed device message", "error", err)
		return
	}
	switch msg.Type {
	case "tag_detected":
		var decoded any
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &decoded); err != nil {
				slog.Warn("tag payload is not valid json", "error", err, "tagID", msg.TagID)
			}
		}
		m.bus.Publish(events.Event{Type: events.TypeTagDetected, Payload: events.Tag{
			TagID:   msg.TagID,
			TagType: msg.TagType,
			Data:    decoded,
		}})
	case "tag_removed":
		m.bus.Publish(events.Event{Type: events.TypeTagRemoved})
	case "weight":
		// Forwarded verbatim. Consumers apply their own hysteresis.
		m.bus.Publish(events.Event{Type: events.TypeWeight, Payload: events.Weight{
			Grams:  msg.Grams,
			Stable: msg.Stable,
		}})
	case "heartbeat":
	default:
		slog.Debug("ignoring unknown device message", "type", msg.Type)
	}
}

// WriteTag asks the device to write data onto the tag currently on the
// reader. The returned request id correlates the device's eventual reply.
func (m *Module) WriteTag(data any) (string, error) {
	requestID := uuid.NewString()
	err := m.send(map[string]any{"type": "write_tag", "request_id": requestID, "data": data})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

func (m *Module) TareScale() error {
	return m.send(map[string]any{"type": "tare_scale"})
}

func (m *Module) CalibrateScale(knownWeight float64) error {
	return m.send(map[string]any{"type": "calibrate_scale", "known_weight": knownWeight})
}

// Notify shows a transient message on the device's display.
func (m *Module) Notify(message string, duration time.Duration) error {
	return m.send(map[string]any{"type": "notification", "message": message, "duration_ms": duration.Milliseconds()})
}

func (m *Module) send(msg any) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return ErrNoDevice
	}
	return s.write(msg)
}

func (m *Module) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Data any `json:"data"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", 400)
		return
	}
	requestID, err := m.WriteTag(body.Data)
	if err != nil {
		deviceCommandStatus(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(202)
	json.NewEncoder(w).Encode(map[string]string{"request_id": requestID})
}

func (m *Module) handleTare(w http.ResponseWriter, r *http.Request) {
	if err := m.TareScale(); err != nil {
		deviceCommandStatus(w, err)
		return
	}
	w.WriteHeader(202)
}

func (m *Module) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	body := struct {
		KnownWeight float64 `json:"known_weight"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", 400)
		return
	}
	if body.KnownWeight <= 0 {
		http.Error(w, "known_weight must be positive", 400)
		return
	}
	if err := m.CalibrateScale(body.KnownWeight); err != nil {
		deviceCommandStatus(w, err)
		return
	}
	w.WriteHeader(202)
}

func (m *Module) handleNotification(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Message    string `json:"message"`
		DurationMS int64  `json:"duration_ms"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", 400)
		return
	}
	if body.Message == "" {
		http.Error(w, "message is required", 400)
		return
	}
	if err := m.Notify(body.Message, time.Duration(body.DurationMS)*time.Millisecond); err != nil {
		deviceCommandStatus(w, err)
		return
	}
	w.WriteHeader(202)
}

func deviceCommandStatus(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNoDevice) {
		http.Error(w, "No device connected", 409)
		return
	}
	engine.HandleError(w, err)
}

// session is one device connection. The mutex serializes writers since
// commands can arrive from any goroutine.
type session struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *session) write(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *session) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.conn.Close()
}
