// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connector implements the control-channel state machine (spec
// §4.7): websocket discovery and dial, device_auth handshake, full-duplex
// dispatch of inbound frames, outbound telemetry/video/output framing, and
// an exponential-backoff-with-reset reconnect policy. Grounded on teacher
// internal/agent/control_channel.go's full-duplex goroutine shape
// (atomic.Value state, a single write mutex, a ping writer racing a frame
// reader) and on original_source/plexus/connector.py's three-tier ws-url
// discovery and dispatch-loop structure, re-targeted at spec §4.7's own
// state names and reconnect policy rather than the source's legacy
// device_id/fixed-retry behavior (spec §9 DESIGN NOTES).
package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/plexus-agent/internal/adapter"
	"github.com/nishisan-dev/plexus-agent/internal/camera"
	"github.com/nishisan-dev/plexus-agent/internal/command"
	"github.com/nishisan-dev/plexus-agent/internal/pki"
	"github.com/nishisan-dev/plexus-agent/internal/point"
	"github.com/nishisan-dev/plexus-agent/internal/shell"
	"github.com/nishisan-dev/plexus-agent/internal/stream"
)

// State is one of the connector lifecycle states (spec §4.7).
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateReconnecting   State = "reconnecting"
	StateStopped        State = "stopped"
)

const (
	minBackoff       = 1 * time.Second
	maxBackoff       = 60 * time.Second
	resetThreshold   = 30 * time.Second
	defaultFallback  = "ws://127.0.0.1:8765/ws"
	dialTimeout      = 10 * time.Second
	controlPingEvery = 30 * time.Second
	controlPongWait  = 10 * time.Second
)

// Config bundles everything the connector needs to authenticate and
// describe this agent to the backend.
type Config struct {
	SourceID     string
	Platform     string
	APIKey       string
	DeviceToken  string
	HTTPEndpoint string // base URL for GET /api/config discovery (step 2)
	WSURLOverride string // environment override (step 1), e.g. cfg.Connector.WSURL
	TLSCACert    string
	DSCP         string

	SensorCapabilities []string
	CameraCapabilities []string
	CANCapabilities    []string
}

// StreamDispatcher is the subset of *stream.Manager the connector's dispatch
// loop drives. Declared as an interface so tests can substitute a fake.
type StreamDispatcher interface {
	StartSensorStream(req stream.StartSensorStreamRequest)
	StopSensorStream(id string)
	ConfigureSensor(id string, opts map[string]point.Value) error
	StartCameraStream(req stream.StartCameraStreamRequest) error
	StopCameraStream(id string)
	ConfigureCamera(id string, resolution [2]int, quality, frameRateFPS int) error
	StartCANStream(req stream.StartCANStreamRequest) error
	StopCANStream(id string)
	CancelAll()
}

// Connector owns the control socket exclusively; the stream manager only
// borrows it through the Connector's Emitter methods while holding the
// stable reference captured at Active entry (spec §3 "Connector state").
type Connector struct {
	cfg      Config
	logger   *slog.Logger
	shell    *shell.Executor
	commands *command.Registry
	adapters *adapter.Registry
	streams  StreamDispatcher

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	state atomic.Value // State

	shellCtx    context.Context
	shellCancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Connector. adapters may be nil if no protocol adapters
// are wired (its Names() are only used to populate the device_auth
// capability list).
func New(cfg Config, logger *slog.Logger, shellExec *shell.Executor, commands *command.Registry, adapters *adapter.Registry, streams StreamDispatcher) *Connector {
	shellCtx, shellCancel := context.WithCancel(context.Background())
	c := &Connector{
		cfg:         cfg,
		logger:      logger.With("component", "connector"),
		shell:       shellExec,
		commands:    commands,
		adapters:    adapters,
		streams:     streams,
		shellCtx:    shellCtx,
		shellCancel: shellCancel,
		stopCh:      make(chan struct{}),
	}
	c.state.Store(StateIdle)
	return c
}

// SetStreams wires the stream dispatcher after construction, breaking the
// Connector⇄stream.Manager construction cycle: the stream manager needs a
// stream.Emitter (the Connector itself) at construction, while the
// Connector's dispatch table needs the already-built manager.
func (c *Connector) SetStreams(streams StreamDispatcher) { c.streams = streams }

// State returns the current lifecycle state.
func (c *Connector) State() State { return c.state.Load().(State) }

// StateString returns the current lifecycle state as a plain string, for
// callers (e.g. the housekeeping stats tick) that want to report it
// without importing this package's named State type.
func (c *Connector) StateString() string { return string(c.State()) }

func (c *Connector) setState(s State) {
	prev := c.state.Swap(s)
	if prev != s {
		c.logger.Info("connector state transition", "from", prev, "to", s)
	}
}

// Start launches the connector's reconnect-and-dispatch goroutine.
func (c *Connector) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop implements spec §4.7 shutdown: stop accepting new work, cancel the
// shell executor, cancel every stream, close the socket, and wait for the
// run loop to exit. Safe to call multiple times.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.shellCancel()
	if c.streams != nil {
		c.streams.CancelAll()
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.setState(StateStopped)
}

// run is the reconnect loop: Connecting → Authenticating → Active, with
// exponential-backoff-with-reset between attempts (spec §4.7 "Reconnect
// policy").
func (c *Connector) run() {
	defer c.wg.Done()

	delay := minBackoff

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.connect()
		wasActive := false
		var activeDuration time.Duration

		if err != nil {
			c.logger.Warn("connector: connect failed", "error", err)
		} else {
			c.setState(StateAuthenticating)
			if err := c.authenticate(conn); err != nil {
				c.logger.Warn("connector: authentication failed", "error", err)
				conn.Close()
			} else {
				c.connMu.Lock()
				c.conn = conn
				c.connMu.Unlock()

				c.setState(StateActive)
				c.logger.Info("connector active")
				activeStart := time.Now()
				c.sessionLoop(conn)
				activeDuration = time.Since(activeStart)
				wasActive = true

				c.connMu.Lock()
				c.conn = nil
				c.connMu.Unlock()
				conn.Close()
				c.logger.Info("connector disconnected", "active_for", activeDuration)
			}
		}

		select {
		case <-c.stopCh:
			return
		default:
		}

		if wasActive && activeDuration > resetThreshold {
			delay = minBackoff
		}

		c.setState(StateReconnecting)
		sleepFor := delay
		if !waitOrStop(c.stopCh, jitter(sleepFor)) {
			return
		}

		if !(wasActive && activeDuration > resetThreshold) {
			delay = nextBackoff(delay)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// jitter applies ±25% multiplicative jitter to d.
func jitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

func waitOrStop(stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// connect discovers the control-channel URL and opens the websocket,
// applying the configured DSCP mark to the underlying TCP connection before
// the TLS/websocket handshake (spec §1's vehicle-gateway QoS use case).
func (c *Connector) connect() (*websocket.Conn, error) {
	wsURL, err := c.discoverWSURL()
	if err != nil {
		return nil, fmt.Errorf("connector: discovering control-channel url: %w", err)
	}

	tlsCfg, err := pki.NewDialTLSConfig(c.cfg.TLSCACert)
	if err != nil {
		return nil, fmt.Errorf("connector: building tls config: %w", err)
	}

	dscp, err := ParseDSCP(c.cfg.DSCP)
	if err != nil {
		c.logger.Warn("connector: invalid dscp config, ignoring", "dscp", c.cfg.DSCP, "error", err)
		dscp = 0
	}

	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: dialTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			raw, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if dscp != 0 {
				if err := ApplyDSCP(raw, dscp); err != nil {
					c.logger.Warn("connector: applying dscp failed", "error", err)
				}
			}
			return raw, nil
		},
	}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type configDiscoveryResponse struct {
	WSURL string `json:"ws_url"`
}

// discoverWSURL follows spec §4.7's 3-tier priority: (1) environment
// override, (2) GET /api/config's ws_url field, (3) hard-coded local
// fallback.
func (c *Connector) discoverWSURL() (string, error) {
	if c.cfg.WSURLOverride != "" {
		return c.cfg.WSURLOverride, nil
	}

	if c.cfg.HTTPEndpoint != "" {
		client := &http.Client{Timeout: dialTimeout}
		resp, err := client.Get(c.cfg.HTTPEndpoint + "/api/config")
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				var body configDiscoveryResponse
				if json.NewDecoder(resp.Body).Decode(&body) == nil && body.WSURL != "" {
					return body.WSURL, nil
				}
			}
		}
	}

	return defaultFallback, nil
}

type deviceAuthFrame struct {
	Type          string           `json:"type"`
	SourceID      string           `json:"source_id"`
	Platform      string           `json:"platform"`
	Sensors       []string         `json:"sensors"`
	Cameras       []string         `json:"cameras"`
	CAN           []string         `json:"can"`
	Adapters      []string         `json:"adapters,omitempty"`
	TypedCommands []command.Schema `json:"typed_commands"`
	APIKey        string           `json:"api_key,omitempty"`
	DeviceToken   string           `json:"device_token,omitempty"`
}

type authResultFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// authenticate sends the single device_auth frame and waits for
// `authenticated` or `error` (spec §4.7 "Authenticate").
func (c *Connector) authenticate(conn *websocket.Conn) error {
	var schemas []command.Schema
	if c.commands != nil {
		schemas = c.commands.Schemas()
	}
	var adapterNames []string
	if c.adapters != nil {
		adapterNames = c.adapters.Names()
	}

	frame := deviceAuthFrame{
		Type:          "device_auth",
		SourceID:      c.cfg.SourceID,
		Platform:      c.cfg.Platform,
		Sensors:       c.cfg.SensorCapabilities,
		Cameras:       c.cfg.CameraCapabilities,
		CAN:           c.cfg.CANCapabilities,
		Adapters:      adapterNames,
		TypedCommands: schemas,
		APIKey:        c.cfg.APIKey,
		DeviceToken:   c.cfg.DeviceToken,
	}

	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing device_auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	var resp authResultFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding auth response: %w", err)
	}

	switch resp.Type {
	case "authenticated":
		return nil
	case "error":
		return fmt.Errorf("authentication rejected: %s", resp.Message)
	default:
		return fmt.Errorf("unexpected auth response type %q", resp.Type)
	}
}

// sessionLoop runs the full-duplex control-frame pump: a ping-control-frame
// writer racing a JSON-frame reader, mirroring teacher
// control_channel.go's pingLoop shape. Returns when the connection breaks
// or the connector is stopping.
func (c *Connector) sessionLoop(conn *websocket.Conn) {
	done := make(chan struct{})

	conn.SetReadDeadline(time.Now().Add(controlPingEvery + controlPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(controlPingEvery + controlPongWait))
		return nil
	})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.logger.Debug("connector: read failed", "error", err)
				return
			}
			c.dispatch(data)
		}
	}()

	ticker := time.NewTicker(controlPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(controlPongWait))
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlPongWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("connector: ping write failed", "error", err)
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and routes it per spec §4.7's dispatch
// table. Unknown frame types are ignored; a panic or error handling one
// message never terminates the connection (spec §7 "never terminate on a
// per-message error; isolate to that message").
func (c *Connector) dispatch(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connector: dispatch panic recovered", "panic", r)
		}
	}()

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Warn("connector: malformed inbound frame", "error", err)
		return
	}

	switch envelope.Type {
	case "start_stream":
		var m struct {
			ID         string   `json:"id"`
			Metrics    []string `json:"metrics"`
			IntervalMs int      `json:"interval_ms"`
			Store      bool     `json:"store"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad start_stream frame", "error", err)
			return
		}
		c.streams.StartSensorStream(stream.StartSensorStreamRequest{ID: m.ID, Metrics: m.Metrics, IntervalMs: m.IntervalMs, Store: m.Store})

	case "stop_stream":
		var m struct {
			ID string `json:"id"`
		}
		json.Unmarshal(raw, &m)
		c.streams.StopSensorStream(m.ID)

	case "start_camera":
		var m struct {
			CameraID   string `json:"camera_id"`
			FrameRate  int    `json:"frame_rate"`
			Resolution [2]int `json:"resolution"`
			Quality    int    `json:"quality"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad start_camera frame", "error", err)
			return
		}
		if err := c.streams.StartCameraStream(stream.StartCameraStreamRequest{CameraID: m.CameraID, FrameRate: m.FrameRate, Resolution: m.Resolution, Quality: m.Quality}); err != nil {
			c.logger.Warn("connector: start_camera failed", "camera", m.CameraID, "error", err)
		}

	case "stop_camera":
		var m struct {
			ID string `json:"id"`
		}
		json.Unmarshal(raw, &m)
		c.streams.StopCameraStream(m.ID)

	case "start_can":
		var m struct {
			Channel    string `json:"channel"`
			DBCPath    string `json:"dbc_path"`
			IntervalMs int    `json:"interval_ms"`
			Store      bool   `json:"store"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad start_can frame", "error", err)
			return
		}
		if err := c.streams.StartCANStream(stream.StartCANStreamRequest{Channel: m.Channel, DBCPath: m.DBCPath, IntervalMs: m.IntervalMs, Store: m.Store}); err != nil {
			c.logger.Warn("connector: start_can failed", "channel", m.Channel, "error", err)
		}

	case "stop_can":
		var m struct {
			Channel string `json:"channel"`
		}
		json.Unmarshal(raw, &m)
		c.streams.StopCANStream(m.Channel)

	case "configure":
		var m struct {
			ID      string                   `json:"id"`
			Options map[string]point.Value `json:"options"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad configure frame", "error", err)
			return
		}
		if err := c.streams.ConfigureSensor(m.ID, m.Options); err != nil {
			c.logger.Warn("connector: configure failed", "id", m.ID, "error", err)
		}

	case "configure_camera":
		var m struct {
			ID         string `json:"id"`
			Resolution [2]int `json:"resolution"`
			Quality    int    `json:"quality"`
			FrameRate  int    `json:"frame_rate"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad configure_camera frame", "error", err)
			return
		}
		if err := c.streams.ConfigureCamera(m.ID, m.Resolution, m.Quality, m.FrameRate); err != nil {
			c.logger.Warn("connector: configure_camera failed", "id", m.ID, "error", err)
		}

	case "execute":
		var m struct {
			ID        string `json:"id"`
			Command   string `json:"command"`
			TimeoutMs int    `json:"timeout_ms"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad execute frame", "error", err)
			return
		}
		timeout := shell.DefaultTimeout
		if m.TimeoutMs > 0 {
			timeout = time.Duration(m.TimeoutMs) * time.Millisecond
		}
		go c.shell.Execute(c.shellCtx, m.ID, m.Command, timeout, c.emitOutput)

	case "cancel":
		c.shell.Cancel()

	case "typed_command":
		var m struct {
			ID   string                   `json:"id"`
			Name string                   `json:"name"`
			Args map[string]point.Value `json:"args"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("connector: bad typed_command frame", "error", err)
			return
		}
		c.dispatchTypedCommand(m.ID, m.Name, m.Args)

	case "ping":
		c.writeFrame(map[string]string{"type": "pong"})

	default:
		c.logger.Debug("connector: ignoring unknown frame type", "type", envelope.Type)
	}
}

func (c *Connector) dispatchTypedCommand(id, name string, args map[string]point.Value) {
	ack, result, err := c.commands.Execute(name, args)
	if !ack {
		errMsg := "unknown command"
		if err != nil {
			errMsg = err.Error()
		}
		c.writeFrame(map[string]any{"type": "command_result", "id": id, "event": "error", "error": errMsg})
		return
	}

	c.writeFrame(map[string]any{"type": "command_result", "id": id, "event": "ack"})

	if err != nil {
		c.writeFrame(map[string]any{"type": "command_result", "id": id, "event": "error", "error": err.Error()})
		return
	}
	c.writeFrame(map[string]any{"type": "command_result", "id": id, "event": "result", "result": result})
}

func (c *Connector) emitOutput(ev shell.Event) {
	frame := map[string]any{
		"type":    "output",
		"id":      ev.ID,
		"event":   string(ev.Kind),
		"command": ev.Command,
	}
	if ev.Data != "" {
		frame["data"] = ev.Data
	}
	if ev.Kind == shell.EventExit {
		frame["code"] = ev.Code
	}
	if ev.Err != "" {
		frame["error"] = ev.Err
	}
	c.writeFrame(frame)
}

// writeFrame marshals v and writes it as a single text message, serialized
// against concurrent writers with writeMu (spec §5 "Control socket: one
// writer at a time").
func (c *Connector) writeFrame(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("connector: no active connection")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	return conn.WriteJSON(v)
}

// SendTelemetry implements stream.Emitter, framing a batch of Points as an
// outbound `telemetry` message.
func (c *Connector) SendTelemetry(points []point.Point) error {
	return c.writeFrame(map[string]any{"type": "telemetry", "points": points})
}

// SendVideoFrame implements stream.Emitter, base64-encoding the frame data
// per spec §6's `video_frame` wire shape.
func (c *Connector) SendVideoFrame(cameraID string, frame camera.Frame) error {
	return c.writeFrame(map[string]any{
		"type":      "video_frame",
		"camera_id": cameraID,
		"frame":     base64.StdEncoding.EncodeToString(frame.Data),
		"width":     frame.Width,
		"height":    frame.Height,
		"timestamp": frame.Timestamp.UnixMilli(),
	})
}

// Status implements stream.Emitter. Status messages are user-visible
// progress text ("Recording: sensor stream s1") rather than a distinct wire
// frame type (spec §6 enumerates the agent's outbound frames and does not
// include one) — surfaced through the logger, which the daemon's log
// sink/dashboard can tail.
func (c *Connector) Status(msg string) {
	c.logger.Info("status", "message", msg)
}
