// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/adapter/can"
	"github.com/nishisan-dev/plexus-agent/internal/camera"
	"github.com/nishisan-dev/plexus-agent/internal/point"
	"github.com/nishisan-dev/plexus-agent/internal/sensors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmitter struct {
	mu       sync.Mutex
	points   []point.Point
	frames   int
	statuses []string
}

func (f *fakeEmitter) SendTelemetry(points []point.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeEmitter) SendVideoFrame(cameraID string, frame camera.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeEmitter) Status(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, msg)
}

func (f *fakeEmitter) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

type fakeSensorDriver struct {
	name string
}

func (d *fakeSensorDriver) Name() string { return d.name }
func (d *fakeSensorDriver) Read(ctx context.Context) ([]sensors.Reading, error) {
	return []sensors.Reading{{Metric: "cpu.usage_pct", Value: point.Float(1.5)}}, nil
}

type fakeCameraDriver struct {
	mu       sync.Mutex
	setup    bool
	captures int
	cleaned  bool
}

func (d *fakeCameraDriver) Setup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setup = true
	return nil
}

func (d *fakeCameraDriver) Capture() (camera.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures++
	return camera.Frame{Data: []byte{1, 2, 3}, Timestamp: time.Now()}, nil
}

func (d *fakeCameraDriver) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = true
}

func (d *fakeCameraDriver) wasCleaned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleaned
}

func newTestManager(emit *fakeEmitter) (*Manager, *sensors.Hub, *camera.Hub) {
	sh := sensors.NewHub()
	ch := camera.NewHub()
	m := New("test-source", sh, ch, nil, emit, nil, discardLogger())
	return m, sh, ch
}

func TestSensorStreamProducesTelemetry(t *testing.T) {
	emit := &fakeEmitter{}
	m, sh, _ := newTestManager(emit)
	sh.Add("cpu", &fakeSensorDriver{name: "cpu"}, "", nil)

	m.StartSensorStream(StartSensorStreamRequest{ID: "s1", IntervalMs: 5})
	time.Sleep(30 * time.Millisecond)
	m.StopSensorStream("s1")

	if emit.pointCount() == 0 {
		t.Fatal("expected at least one telemetry batch")
	}
}

func TestSensorStreamStopWildcardStopsAll(t *testing.T) {
	emit := &fakeEmitter{}
	m, sh, _ := newTestManager(emit)
	sh.Add("cpu", &fakeSensorDriver{name: "cpu"}, "", nil)

	m.StartSensorStream(StartSensorStreamRequest{ID: "a", IntervalMs: 5})
	m.StartSensorStream(StartSensorStreamRequest{ID: "b", IntervalMs: 5})
	m.StopSensorStream("*")

	m.mu.Lock()
	n := len(m.sensorStreams)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected all sensor streams removed, got %d", n)
	}
}

func TestSensorStreamStopUnknownIDIsNoop(t *testing.T) {
	emit := &fakeEmitter{}
	m, _, _ := newTestManager(emit)
	m.StopSensorStream("does-not-exist")
}

func TestCameraStreamCapturesFrames(t *testing.T) {
	emit := &fakeEmitter{}
	m, _, ch := newTestManager(emit)
	drv := &fakeCameraDriver{}
	ch.Add("cam0", drv)

	if err := m.StartCameraStream(StartCameraStreamRequest{CameraID: "cam0", FrameRate: 100}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	m.StopCameraStream("cam0")
	time.Sleep(10 * time.Millisecond)

	emit.mu.Lock()
	frames := emit.frames
	emit.mu.Unlock()
	if frames == 0 {
		t.Fatal("expected at least one video frame to be emitted")
	}
	if !drv.wasCleaned() {
		t.Fatal("expected camera Cleanup to be called on stop")
	}
}

func TestCameraStreamUnknownCameraErrors(t *testing.T) {
	emit := &fakeEmitter{}
	m, _, _ := newTestManager(emit)
	if err := m.StartCameraStream(StartCameraStreamRequest{CameraID: "missing"}); err == nil {
		t.Fatal("expected error for unknown camera")
	}
}

func TestCameraStreamRestartAwaitsPreviousCleanup(t *testing.T) {
	emit := &fakeEmitter{}
	m, _, ch := newTestManager(emit)
	drv := &fakeCameraDriver{}
	ch.Add("cam0", drv)

	if err := m.StartCameraStream(StartCameraStreamRequest{CameraID: "cam0", FrameRate: 50}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := m.StartCameraStream(StartCameraStreamRequest{CameraID: "cam0", FrameRate: 50}); err != nil {
		t.Fatalf("unexpected error restarting: %v", err)
	}
	if !drv.wasCleaned() {
		t.Fatal("expected prior stream's Cleanup to run before the restart returns")
	}
	m.StopCameraStream("cam0")
}

func TestCANStreamDownInterfaceRefused(t *testing.T) {
	emit := &fakeEmitter{}
	sh := sensors.NewHub()
	ch := camera.NewHub()
	detected := []can.Detected{{Channel: "can0", IsUp: false}}
	m := New("src", sh, ch, detected, emit, nil, discardLogger())

	if err := m.StartCANStream(StartCANStreamRequest{Channel: "can0"}); err == nil {
		t.Fatal("expected error starting a stream on a down CAN interface")
	}

	emit.mu.Lock()
	defer emit.mu.Unlock()
	found := false
	for _, s := range emit.statuses {
		if s == "CAN interface can0 is down — run: plexus scan --setup" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected down-interface status message, got %v", emit.statuses)
	}
}

func TestCANStreamUnknownChannelErrors(t *testing.T) {
	emit := &fakeEmitter{}
	m, _, _ := newTestManager(emit)
	if err := m.StartCANStream(StartCANStreamRequest{Channel: "vcan9"}); err == nil {
		t.Fatal("expected error for an undetected channel")
	}
}

func TestSensorStreamPersistDoesNotBlockLoop(t *testing.T) {
	emit := &fakeEmitter{}
	sh := sensors.NewHub()
	ch := camera.NewHub()

	release := make(chan struct{})
	var calls int32
	persist := func(points []point.Point) {
		atomic.AddInt32(&calls, 1)
		<-release
	}
	m := New("test-source", sh, ch, nil, emit, persist, discardLogger())
	sh.Add("cpu", &fakeSensorDriver{name: "cpu"}, "", nil)

	m.StartSensorStream(StartSensorStreamRequest{ID: "s1", IntervalMs: 5, Store: true})

	// The first tick's persist call blocks on release, but subsequent ticks
	// must still run and keep emitting telemetry over the socket — a
	// synchronous persist call would stall the whole loop here.
	deadline := time.After(time.Second)
	for emit.pointCount() < 3 {
		select {
		case <-deadline:
			t.Fatal("sensor loop stalled waiting on a slow persist call")
		case <-time.After(time.Millisecond):
		}
	}

	m.StopSensorStream("s1")
	close(release)

	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected persist to have been invoked at least once")
	}
}

func TestConfigureSensorUpdatesRunningStreamLive(t *testing.T) {
	emit := &fakeEmitter{}
	m, sh, _ := newTestManager(emit)
	sh.Add("cpu", &fakeSensorDriver{name: "cpu"}, "", nil)

	m.StartSensorStream(StartSensorStreamRequest{ID: "s1", IntervalMs: 1000})

	if err := m.ConfigureSensor("s1", map[string]point.Value{
		"sample_rate": point.Float(0.005),
		"prefix":      point.String("host1."),
	}); err != nil {
		t.Fatalf("ConfigureSensor: %v", err)
	}

	// sensorLoop emits its first batch before it first sleeps, so a second
	// point is what shows the interval changed: a 1000ms interval would not
	// produce one within this window; the live reconfiguration to 5ms must be
	// what lets this pass.
	deadline := time.After(500 * time.Millisecond)
	for emit.pointCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("expected reconfigured interval to take effect without restarting the stream")
		case <-time.After(time.Millisecond):
		}
	}
	m.StopSensorStream("s1")

	emit.mu.Lock()
	defer emit.mu.Unlock()
	for _, p := range emit.points {
		if p.Metric != "host1.cpu.usage_pct" {
			t.Fatalf("expected prefixed metric name, got %q", p.Metric)
		}
	}
}

func TestCancelAllStopsEverySensorStream(t *testing.T) {
	emit := &fakeEmitter{}
	m, sh, _ := newTestManager(emit)
	sh.Add("cpu", &fakeSensorDriver{name: "cpu"}, "", nil)

	m.StartSensorStream(StartSensorStreamRequest{ID: "s1", IntervalMs: 5})
	m.CancelAll()

	m.mu.Lock()
	n := len(m.sensorStreams)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected CancelAll to clear sensor streams, got %d remaining", n)
	}
}
