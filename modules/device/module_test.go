package device

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/modules/events"
)

func newTestModule(t *testing.T, timeout time.Duration) (*Module, *httptest.Server) {
	m := New(events.NewBus(events.Options{}), timeout)
	router := engine.NewRouter()
	m.AttachRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return m, server
}

func dialDevice(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/device"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return events.Event{}
	}
}

func TestDeviceForwardsUpstreamMessages(t *testing.T) {
	m, server := newTestModule(t, time.Minute)

	sub := m.bus.Subscribe(func(ev events.Event) bool {
		switch ev.Type {
		case events.TypeDeviceConnected, events.TypeTagDetected, events.TypeTagRemoved, events.TypeWeight, events.TypeDeviceDisconnected:
			return true
		}
		return false
	})
	defer sub.Close()

	conn := dialDevice(t, server)
	assert.Equal(t, events.TypeDeviceConnected, waitEvent(t, sub).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "tag_detected",
		"tag_id":   "04:AB:CD:EF:12:34:56",
		"tag_type": "ntag215",
		"data":     map[string]any{"spool_id": 7},
	}))
	ev := waitEvent(t, sub)
	require.Equal(t, events.TypeTagDetected, ev.Type)
	tag := ev.Payload.(events.Tag)
	assert.Equal(t, "04:AB:CD:EF:12:34:56", tag.TagID)
	assert.Equal(t, "ntag215", tag.TagType)
	assert.NotNil(t, tag.Data)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "weight", "grams": 850.5, "stable": true}))
	ev = waitEvent(t, sub)
	require.Equal(t, events.TypeWeight, ev.Type)
	weight := ev.Payload.(events.Weight)
	assert.Equal(t, 850.5, weight.Grams)
	assert.True(t, weight.Stable)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "tag_removed"}))
	assert.Equal(t, events.TypeTagRemoved, waitEvent(t, sub).Type)

	// Junk must not kill the session.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "weight", "grams": 1, "stable": false}))
	assert.Equal(t, events.TypeWeight, waitEvent(t, sub).Type)

	conn.Close()
	assert.Equal(t, events.TypeDeviceDisconnected, waitEvent(t, sub).Type)
}

func TestNewestConnectionWins(t *testing.T) {
	m, server := newTestModule(t, time.Minute)

	sub := m.bus.Subscribe(func(ev events.Event) bool {
		return ev.Type == events.TypeDeviceConnected || ev.Type == events.TypeDeviceDisconnected
	})
	defer sub.Close()

	first := dialDevice(t, server)
	assert.Equal(t, events.TypeDeviceConnected, waitEvent(t, sub).Type)

	second := dialDevice(t, server)
	assert.Equal(t, events.TypeDeviceConnected, waitEvent(t, sub).Type)

	// The first connection is closed with a policy violation, and its
	// departure is not reported as a device loss.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}

	// Downstream traffic reaches the takeover connection.
	require.NoError(t, m.TareScale())
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg := map[string]any{}
	require.NoError(t, second.ReadJSON(&msg))
	assert.Equal(t, "tare_scale", msg["type"])

	second.Close()
	assert.Equal(t, events.TypeDeviceDisconnected, waitEvent(t, sub).Type)
}

func TestHeartbeatTimeout(t *testing.T) {
	m, server := newTestModule(t, 300*time.Millisecond)

	sub := m.bus.Subscribe(func(ev events.Event) bool {
		return ev.Type == events.TypeDeviceConnected || ev.Type == events.TypeDeviceDisconnected
	})
	defer sub.Close()

	conn := dialDevice(t, server)
	assert.Equal(t, events.TypeDeviceConnected, waitEvent(t, sub).Type)

	// Heartbeats keep the session alive past the deadline.
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat", "uptime": float64(i)}))
		time.Sleep(100 * time.Millisecond)
	}

	// Silence kills it.
	assert.Equal(t, events.TypeDeviceDisconnected, waitEvent(t, sub).Type)
}

func TestDownstreamCommands(t *testing.T) {
	m, server := newTestModule(t, time.Minute)
	e := httpexpect.Default(t, server.URL)

	// Everything is rejected while no device is connected.
	assert.ErrorIs(t, m.TareScale(), ErrNoDevice)
	_, err := m.WriteTag(map[string]any{"spool_id": 1})
	assert.ErrorIs(t, err, ErrNoDevice)
	e.POST("/api/device/tare").Expect().Status(409)
	e.POST("/api/device/calibrate").WithJSON(map[string]any{"known_weight": 100.0}).Expect().Status(409)

	sub := m.bus.Subscribe(func(ev events.Event) bool { return ev.Type == events.TypeDeviceConnected })
	defer sub.Close()
	conn := dialDevice(t, server)
	waitEvent(t, sub)

	requestID := e.POST("/api/device/write-tag").WithJSON(map[string]any{"data": map[string]any{"spool_id": 1}}).
		Expect().Status(202).JSON().Object().Value("request_id").String().NotEmpty().Raw()
	e.POST("/api/device/tare").Expect().Status(202)
	e.POST("/api/device/calibrate").WithJSON(map[string]any{"known_weight": 100.0}).Expect().Status(202)
	e.POST("/api/device/notification").WithJSON(map[string]any{"message": "spool saved", "duration_ms": 1500}).Expect().Status(202)

	e.POST("/api/device/calibrate").WithJSON(map[string]any{"known_weight": -1.0}).Expect().Status(400)
	e.POST("/api/device/notification").WithJSON(map[string]any{}).Expect().Status(400)

	types := []string{}
	for i := 0; i < 4; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msg := map[string]any{}
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg["type"].(string))
		switch msg["type"] {
		case "write_tag":
			assert.Equal(t, requestID, msg["request_id"])
			assert.NotNil(t, msg["data"])
		case "calibrate_scale":
			assert.Equal(t, 100.0, msg["known_weight"])
		case "notification":
			assert.Equal(t, "spool saved", msg["message"])
			assert.Equal(t, 1500.0, msg["duration_ms"])
		}
	}
	assert.Equal(t, []string{"write_tag", "tare_scale", "calibrate_scale", "notification"}, types)
}
