// Package bambu speaks the Bambu Lab LAN protocol: MQTT 3.1.1 over TLS with
// JSON report frames, plus the RTSP camera feed.
package bambu

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/TheLab-ms/spoolbuddy/modules/events"
)

const (
	mqttPort     = 8883
	mqttQoS      = 0
	mqttUsername = "bblp"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	defaultCommandTimeout       = 5 * time.Second
	defaultReconnectMin         = time.Second
	defaultReconnectMax         = 60 * time.Second
	defaultPushallMinInterval   = 2 * time.Second
	defaultUnreachableThreshold = 10
	defaultUnreachableWindow    = 5 * time.Minute
	defaultNozzleDiameter       = "0.4"
)

type Config struct {
	Host         string
	Port         int
	Username     string
	AccessCode   string
	SerialNumber string
	DualNozzle   bool

	// NozzleDiameter selects which calibration catalog to load.
	NozzleDiameter string

	// RootCAs pins the printer's certificate chain when set. The printer
	// presents its serial as CN rather than the LAN IP, so the hostname
	// is never checked either way.
	RootCAs *x509.CertPool

	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration
	CommandTimeout       time.Duration
	PushallMinInterval   time.Duration

	// More than UnreachableThreshold connection failures within
	// UnreachableWindow raises a printer_unreachable event.
	UnreachableThreshold int
	UnreachableWindow    time.Duration

	// OnFatal is invoked from a fresh goroutine when report handling
	// panics. The session is not torn down first; the owner decides.
	OnFatal func(recovered any)
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Port == 0 {
		out.Port = mqttPort
	}
	if out.Username == "" {
		out.Username = mqttUsername
	}
	if out.NozzleDiameter == "" {
		out.NozzleDiameter = defaultNozzleDiameter
	}
	if out.ReconnectMinInterval == 0 {
		out.ReconnectMinInterval = defaultReconnectMin
	}
	if out.ReconnectMaxInterval == 0 {
		out.ReconnectMaxInterval = defaultReconnectMax
	}
	if out.CommandTimeout == 0 {
		out.CommandTimeout = defaultCommandTimeout
	}
	if out.PushallMinInterval == 0 {
		out.PushallMinInterval = defaultPushallMinInterval
	}
	if out.UnreachableThreshold == 0 {
		out.UnreachableThreshold = defaultUnreachableThreshold
	}
	if out.UnreachableWindow == 0 {
		out.UnreachableWindow = defaultUnreachableWindow
	}
	return &out
}

// Client owns the logical session to one printer. Reconnection is handled by
// the MQTT layer with exponential backoff between ReconnectMinInterval and
// ReconnectMaxInterval; a clean connect resets it. The client keeps the
// canonical state snapshot and publishes every observed change to the bus.
type Client struct {
	config *Config
	bus    *events.Bus

	writeLock   fifoLock
	pushLimiter *rate.Limiter
	newMQTT     func(*paho.ClientOptions) paho.Client

	mu          sync.Mutex
	mqtt        paho.Client
	connected   bool
	state       *State
	pending     map[string]chan Ack
	cover       coverAssembler
	failures    []time.Time
	lastAlarm   time.Time
	attemptOpen bool
}

func NewClient(config *Config, bus *events.Bus) *Client {
	config = config.withDefaults()
	nozzles := 1
	if config.DualNozzle {
		nozzles = 2
	}
	return &Client{
		config:      config,
		bus:         bus,
		pushLimiter: rate.NewLimiter(rate.Every(config.PushallMinInterval), 1),
		newMQTT:     paho.NewClient,
		state:       newState(nozzles),
		pending:     map[string]chan Ack{},
	}
}

func (c *Client) Serial() string { return c.config.SerialNumber }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Snapshot returns a deep copy of the current state.
func (c *Client) Snapshot() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Connect starts the session. It returns immediately; progress is reported
// through printer_connected and printer_disconnected events as the MQTT
// layer works through its retry schedule. Calling Connect on a started
// session is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mqtt != nil {
		return
	}

	// The printer drops both ends of a client id collision, so the id
	// carries a per-process nonce.
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", c.config.Host, c.config.Port)).
		SetClientID(fmt.Sprintf("spoolbuddy-%s-%s", c.config.SerialNumber, uuid.NewString()[:8])).
		SetUsername(c.config.Username).
		SetPassword(c.config.AccessCode).
		SetTLSConfig(c.tlsConfig()).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(c.config.ReconnectMaxInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(c.config.ReconnectMinInterval).
		SetConnectionAttemptHandler(c.onConnectAttempt).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) { c.handleReport(msg.Payload()) })

	c.mqtt = c.newMQTT(opts)
	c.mqtt.Connect()
	slog.Info("connecting to printer", "serial", c.config.SerialNumber, "host", c.config.Host)
}

// Disconnect tears the session down cleanly. Telemetry is preserved so a
// later Connect starts from the last known snapshot.
func (c *Client) Disconnect() {
	c.mu.Lock()
	mqtt := c.mqtt
	c.mqtt = nil
	wasConnected := c.connected
	c.connected = false
	c.state.Connected = false
	var res reduceResult
	c.state.clearSelectors(&res)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	snap := c.state.Clone()
	c.mu.Unlock()

	if mqtt != nil {
		mqtt.Disconnect(250)
	}
	if wasConnected {
		slog.Info("disconnected from printer", "serial", c.config.SerialNumber)
		c.bus.Publish(events.Event{Type: events.TypePrinterDisconnected, Serial: c.config.SerialNumber})
		if len(res.Deltas) > 0 {
			c.bus.Publish(events.Event{
				Type:    events.TypePrinterState,
				Serial:  c.config.SerialNumber,
				Payload: events.PrinterState{State: snap, Deltas: res.Deltas},
			})
		}
	}
}

func (c *Client) tlsConfig() *tls.Config {
	conf := &tls.Config{InsecureSkipVerify: true}
	roots := c.config.RootCAs
	if roots == nil {
		return conf
	}
	conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("printer presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse peer certificate: %w", err)
			}
			certs[i] = cert
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
	return conf
}

func (c *Client) onConnectAttempt(_ *url.URL, tlsCfg *tls.Config) *tls.Config {
	c.mu.Lock()
	var alarm bool
	// A second attempt without an intervening connect means the previous
	// attempt failed.
	if c.attemptOpen {
		alarm = c.noteFailureLocked(time.Now())
	}
	c.attemptOpen = true
	c.mu.Unlock()

	if alarm {
		c.alarmUnreachable()
	}
	return tlsCfg
}

func (c *Client) onConnect(client paho.Client) {
	topic := fmt.Sprintf("device/%s/report", c.config.SerialNumber)
	token := client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		slog.Error("failed to subscribe to printer topic", "error", token.Error(), "serial", c.config.SerialNumber)
		return
	}

	c.mu.Lock()
	c.connected = true
	c.attemptOpen = false
	c.failures = nil
	c.state.Connected = true
	c.mu.Unlock()

	slog.Info("printer connected", "serial", c.config.SerialNumber)
	c.bus.Publish(events.Event{Type: events.TypePrinterConnected, Serial: c.config.SerialNumber})

	if err := c.RequestPushall(context.Background()); err != nil {
		slog.Warn("failed to request state dump after connect", "error", err, "serial", c.config.SerialNumber)
	}
	go c.refreshIdentity()
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.state.Connected = false
	var res reduceResult
	c.state.clearSelectors(&res)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	alarm := c.noteFailureLocked(time.Now())
	snap := c.state.Clone()
	c.mu.Unlock()

	slog.Warn("printer connection lost", "error", err, "serial", c.config.SerialNumber)
	c.bus.Publish(events.Event{Type: events.TypePrinterDisconnected, Serial: c.config.SerialNumber})
	if len(res.Deltas) > 0 {
		c.bus.Publish(events.Event{
			Type:    events.TypePrinterState,
			Serial:  c.config.SerialNumber,
			Payload: events.PrinterState{State: snap, Deltas: res.Deltas},
		})
	}
	if alarm {
		c.alarmUnreachable()
	}
}

// noteFailureLocked records a connection failure and reports whether the
// unreachable threshold was crossed. At most one alarm per window.
func (c *Client) noteFailureLocked(now time.Time) bool {
	c.failures = append(c.failures, now)
	cutoff := now.Add(-c.config.UnreachableWindow)
	for len(c.failures) > 0 && c.failures[0].Before(cutoff) {
		c.failures = c.failures[1:]
	}
	if len(c.failures) <= c.config.UnreachableThreshold {
		return false
	}
	if now.Sub(c.lastAlarm) < c.config.UnreachableWindow {
		return false
	}
	c.lastAlarm = now
	return true
}

func (c *Client) alarmUnreachable() {
	slog.Error("printer unreachable, connection keeps failing", "serial", c.config.SerialNumber, "host", c.config.Host)
	c.bus.Publish(events.Event{Type: events.TypePrinterUnreachable, Serial: c.config.SerialNumber})
}

// refreshIdentity loads firmware versions and the calibration catalog after
// connect. Both land in the state via the report topic, the acks themselves
// are only checked for errors.
func (c *Client) refreshIdentity() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := c.Call(ctx, GetVersion()); err != nil {
		slog.Debug("failed to read printer firmware versions", "error", err, "serial", c.config.SerialNumber)
	}
	if _, err := c.Call(ctx, ExtrusionCaliGet(c.config.NozzleDiameter)); err != nil {
		slog.Debug("failed to read calibration catalog", "error", err, "serial", c.config.SerialNumber)
	}
}

// handleReport folds one report frame into the state and fans the observed
// changes out to the bus. Command acks found in the frame are routed to
// their waiting callers.
func (c *Client) handleReport(payload []byte) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		slog.Error("panic while handling printer report", "serial", c.config.SerialNumber, "panic", recovered)
		if c.config.OnFatal != nil {
			go c.config.OnFatal(recovered)
		}
	}()

	frame, err := parseFrame(payload)
	if err != nil {
		slog.Warn("dropping printer report", "error", err, "serial", c.config.SerialNumber)
		c.bus.Publish(events.Event{
			Type:    events.TypeParseError,
			Serial:  c.config.SerialNumber,
			Payload: events.ParseIssue{Reason: "malformed_frame", Detail: err.Error()},
		})
		return
	}

	type delivery struct {
		ch  chan Ack
		ack Ack
	}

	var (
		deliveries    []delivery
		res           reduceResult
		snap          *State
		prevSubtask   string
		subtask, file string
	)
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		prevSubtask = c.state.SubtaskName
		res = c.state.reduce(frame, time.Now())
		if frame.Cover != nil {
			if img, err := c.cover.add(frame.Cover); err != nil {
				res.warnf("cover assembly failed: %s", err)
			} else if img != nil {
				c.state.Cover = img
				res.record("cover", nil, img)
			}
		}
		for _, ack := range frame.acks() {
			ch, ok := c.pending[ack.SequenceID]
			if !ok {
				if ack.Result != "" {
					slog.Debug("dropping late printer response", "command", ack.Command, "sequence_id", ack.SequenceID, "serial", c.config.SerialNumber)
				}
				continue
			}
			delete(c.pending, ack.SequenceID)
			deliveries = append(deliveries, delivery{ch, ack})
		}
		if len(res.Deltas) > 0 {
			snap = c.state.Clone()
		}
		subtask, file = c.state.SubtaskName, c.state.GcodeFile
	}()

	for _, d := range deliveries {
		d.ch <- d.ack
	}
	for _, warning := range res.Warnings {
		slog.Warn("printer report anomaly", "detail", warning, "serial", c.config.SerialNumber)
		c.bus.Publish(events.Event{
			Type:    events.TypeParseWarning,
			Serial:  c.config.SerialNumber,
			Payload: events.ParseIssue{Reason: "report_anomaly", Detail: warning},
		})
	}
	switch {
	case res.JobStarted:
		c.bus.Publish(events.Event{Type: events.TypeJobStarted, Serial: c.config.SerialNumber, Payload: events.Job{SubtaskName: subtask, GcodeFile: file}})
	case res.JobEnded:
		c.bus.Publish(events.Event{Type: events.TypeJobEnded, Serial: c.config.SerialNumber, Payload: events.Job{SubtaskName: prevSubtask}})
	case res.JobChanged:
		c.bus.Publish(events.Event{Type: events.TypeJobChanged, Serial: c.config.SerialNumber, Payload: events.Job{SubtaskName: subtask, GcodeFile: file}})
	}
	if snap != nil {
		c.bus.Publish(events.Event{
			Type:    events.TypePrinterState,
			Serial:  c.config.SerialNumber,
			Payload: events.PrinterState{State: snap, Deltas: res.Deltas},
		})
	}
}

// RequestPushall asks for a full state dump, at most one per
// PushallMinInterval. Suppressed requests are not an error because the
// pending dump covers them.
func (c *Client) RequestPushall(ctx context.Context) error {
	if !c.pushLimiter.Allow() {
		slog.Debug("pushall suppressed by rate limit", "serial", c.config.SerialNumber)
		return nil
	}
	_, err := c.Call(ctx, Pushall())
	return err
}

// Call publishes cmd and waits for its ack. The per-printer write lock is
// held only until the command is on the wire, so commands hit the printer
// in lock-acquisition order but ack waits overlap.
func (c *Client) Call(ctx context.Context, cmd Command) (*Ack, error) {
	if err := c.writeLock.Lock(ctx); err != nil {
		return nil, err
	}
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			c.writeLock.Unlock()
		}
	}
	defer unlock()
	return c.exchange(ctx, cmd, unlock)
}

// CallHeld is Call for callers inside Batch, which already hold the write
// lock.
func (c *Client) CallHeld(ctx context.Context, cmd Command) (*Ack, error) {
	return c.exchange(ctx, cmd, nil)
}

// Batch runs fn while holding the printer's write lock. Commands published
// with CallHeld inside fn reach the wire back to back with nothing
// interleaved from other callers.
func (c *Client) Batch(ctx context.Context, fn func(context.Context) error) error {
	if err := c.writeLock.Lock(ctx); err != nil {
		return err
	}
	defer c.writeLock.Unlock()
	return fn(ctx)
}

func (c *Client) exchange(ctx context.Context, cmd Command, afterPublish func()) (*Ack, error) {
	seq := nextSequenceID()
	payload, err := cmd.marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	var ch chan Ack
	if !cmd.NoAck {
		ch = make(chan Ack, 1)
		c.mu.Lock()
		if !c.connected {
			c.mu.Unlock()
			return nil, ErrUnavailable
		}
		c.pending[seq] = ch
		c.mu.Unlock()
	}

	if err := c.publish(payload); err != nil {
		c.dropPending(seq)
		return nil, err
	}
	if afterPublish != nil {
		afterPublish()
	}
	if cmd.NoAck {
		return nil, nil
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = c.config.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return &ack, nil
	case <-timer.C:
		c.dropPending(seq)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd.Name, timeout)
	case <-ctx.Done():
		c.dropPending(seq)
		return nil, ctx.Err()
	}
}

func (c *Client) publish(payload []byte) error {
	c.mu.Lock()
	mqtt := c.mqtt
	connected := c.connected
	c.mu.Unlock()
	if mqtt == nil || !connected {
		return ErrUnavailable
	}

	topic := fmt.Sprintf("device/%s/request", c.config.SerialNumber)
	token := mqtt.Publish(topic, mqttQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: publish queue stalled", ErrUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

func (c *Client) dropPending(seq string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
}

// CameraStream returns an io.ReadCloser that provides MJPEG frames from the
// printer's camera. The caller is responsible for closing the reader when
// done. The context is used to terminate the FFmpeg process.
func (c *Client) CameraStream(ctx context.Context) (io.ReadCloser, error) {
	rtspURL := fmt.Sprintf("rtsps://bblp:%s@%s:322/streaming/live/1", c.config.AccessCode, c.config.Host)
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-r", "15",
		"-an",
		"-f", "mpjpeg",
		"-boundary_tag", "frame",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	slog.Info("started camera stream", "serial", c.config.SerialNumber)

	return &cmdReader{ReadCloser: stdout, cmd: cmd, serial: c.config.SerialNumber}, nil
}

type cmdReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	serial string
}

func (c *cmdReader) Close() error {
	err := c.ReadCloser.Close()
	c.cmd.Wait()
	slog.Info("stopped camera stream", "serial", c.serial)
	return err
}
