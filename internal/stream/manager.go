// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream implements the stream manager (spec §4.6): per-stream
// goroutines producing Points from sensors, cameras, and CAN adapters, with
// start/stop/cancel lifecycle and optional durable persistence. Grounded on
// original_source/plexus/streaming.py's StreamManager, translated from its
// asyncio task registries into goroutines + context.CancelFunc the way
// teacher internal/agent/control_channel.go manages its own background
// goroutines.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/plexus-agent/internal/adapter"
	"github.com/nishisan-dev/plexus-agent/internal/adapter/can"
	"github.com/nishisan-dev/plexus-agent/internal/camera"
	"github.com/nishisan-dev/plexus-agent/internal/point"
	"github.com/nishisan-dev/plexus-agent/internal/sensors"
)

// Emitter is how the stream manager talks back to the control channel,
// implemented by the connector. Every method must be safe for concurrent
// use by multiple stream goroutines (spec §5 "Control socket: one writer at
// a time").
type Emitter interface {
	SendTelemetry(points []point.Point) error
	SendVideoFrame(cameraID string, frame camera.Frame) error
	Status(msg string)
}

// Persist hands a completed batch of Points to the ingest path. It is
// called asynchronously and must not block the caller's stream loop
// (spec §4.6 "hand the same batch to the ingest client asynchronously").
type Persist func(points []point.Point)

// sensorStream tracks one running sensor stream's cancellation plus the
// runtime settings: sample interval and metric-name prefix, which
// configure_sensor can change in place (spec §4.6), and the metric filter
// set at start. sensorLoop re-reads these under mu on every tick so a live
// reconfiguration takes effect on the next iteration without restarting the
// stream.
type sensorStream struct {
	cancel   context.CancelFunc
	persistQ *persistQueue

	mu         sync.Mutex
	intervalMs int
	metrics    []string
	prefix     string
}

type cameraStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type canStream struct {
	cancel   context.CancelFunc
	adapter  adapter.Protocol
	persistQ *persistQueue
}

// persistQueue serializes one stream's Persist calls onto a single worker
// goroutine, decoupling the sample/poll loop from the ingest client's
// retry/backoff (spec §4.6 "hand the same batch to the ingest client
// asynchronously"; §5 "within a single stream, emitted Points are in
// production order"). Per-stream instances keep cross-stream ordering
// undefined, as spec §5 allows, while never blocking any one stream's loop
// on another's in-flight send.
type persistQueue struct {
	submit chan []point.Point
}

func newPersistQueue(persist Persist) *persistQueue {
	q := &persistQueue{submit: make(chan []point.Point, 64)}
	go func() {
		for batch := range q.submit {
			persist(batch)
		}
	}()
	return q
}

// enqueue never blocks the caller: a full queue means persistence is
// already behind by 64 batches, and the caller's own emit to the live
// socket already delivered this data — the ingest client's buffer carries
// the durability guarantee, not this queue.
func (q *persistQueue) enqueue(points []point.Point, logger *slog.Logger, label string) {
	select {
	case q.submit <- points:
	default:
		logger.Warn("stream: persist queue full, dropping batch", "stream", label, "points", len(points))
	}
}

// stop signals the worker to exit once it drains whatever is already
// queued. It does not block the caller — shutdown ordering (spec §5) only
// requires this to happen "best-effort, bounded", not synchronously.
func (q *persistQueue) stop() {
	close(q.submit)
}

// Manager owns three independent stream registries (sensor, camera, CAN)
// keyed by stream id, per spec §4.6.
type Manager struct {
	sensorHub *sensors.Hub
	cameraHub *camera.Hub
	detected  []can.Detected
	emit      Emitter
	persist   Persist
	sourceID  string
	logger    *slog.Logger

	mu            sync.Mutex
	sensorStreams map[string]*sensorStream
	cameraStreams map[string]*cameraStream
	canStreams    map[string]*canStream
}

// New constructs a stream manager. detected is the (externally supplied,
// spec §1(c) detection-out-of-scope) list of CAN interfaces the CAN loop
// may attach to.
func New(sourceID string, sensorHub *sensors.Hub, cameraHub *camera.Hub, detected []can.Detected, emit Emitter, persist Persist, logger *slog.Logger) *Manager {
	return &Manager{
		sourceID:      sourceID,
		sensorHub:     sensorHub,
		cameraHub:     cameraHub,
		detected:      detected,
		emit:          emit,
		persist:       persist,
		logger:        logger,
		sensorStreams: make(map[string]*sensorStream),
		cameraStreams: make(map[string]*cameraStream),
		canStreams:    make(map[string]*canStream),
	}
}

func nowPoint(metric string, v point.Value, sourceID string, tags map[string]string) point.Point {
	return point.Now(metric, v, sourceID, tags, "")
}

// metricFilter builds a lookup set from a requested metric-name list,
// stripping a "<source>:" prefix if present, per streaming.py's
// `m.split(":", 1)[-1] if ":" in m else m`. An empty list means "all".
func metricFilter(metrics []string) map[string]struct{} {
	if len(metrics) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(metrics))
	for _, m := range metrics {
		name := m
		for i := 0; i < len(m); i++ {
			if m[i] == ':' {
				name = m[i+1:]
				break
			}
		}
		set[name] = struct{}{}
	}
	return set
}

func (m *Manager) status(msg string) {
	if m.emit != nil {
		m.emit.Status(msg)
	}
}

// CancelAll cancels and removes every active stream of every kind, for
// connector teardown (spec §4.7 "cancel every stream").
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sensorIDs := make([]string, 0, len(m.sensorStreams))
	for id := range m.sensorStreams {
		sensorIDs = append(sensorIDs, id)
	}
	cameraIDs := make([]string, 0, len(m.cameraStreams))
	for id := range m.cameraStreams {
		cameraIDs = append(cameraIDs, id)
	}
	canIDs := make([]string, 0, len(m.canStreams))
	for id := range m.canStreams {
		canIDs = append(canIDs, id)
	}
	m.mu.Unlock()

	for _, id := range sensorIDs {
		m.StopSensorStream(id)
	}
	for _, id := range cameraIDs {
		m.StopCameraStream(id)
	}
	for _, id := range canIDs {
		m.StopCANStream(id)
	}
}

func adapterConfigFromDetected(d can.Detected, dbcPath string) adapter.Config {
	return adapter.Config{
		Name: "can",
		Params: map[string]any{
			"channel":  d.Channel,
			"bitrate":  d.Bitrate,
			"dbc_path": dbcPath,
		},
	}
}
