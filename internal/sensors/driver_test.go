// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sensors

import (
	"context"
	"errors"
	"testing"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

type fakeDriver struct {
	name     string
	readings []Reading
	err      error
}

func (f *fakeDriver) Name() string { return f.name }
func (f *fakeDriver) Read(ctx context.Context) ([]Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.readings, nil
}

func TestHubReadAllAppliesPrefix(t *testing.T) {
	h := NewHub()
	h.Add("imu", &fakeDriver{name: "imu", readings: []Reading{{Metric: "accel.x", Value: point.Float(1.0)}}}, "imu1.", nil)

	readings, errs := h.ReadAll(context.Background())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(readings) != 1 || readings[0].Metric != "imu1.accel.x" {
		t.Fatalf("expected prefixed metric, got %+v", readings)
	}
}

func TestHubReadAllIsolatesFailingDriver(t *testing.T) {
	h := NewHub()
	h.Add("ok", &fakeDriver{name: "ok", readings: []Reading{{Metric: "m", Value: point.Int(1)}}}, "", nil)
	h.Add("broken", &fakeDriver{name: "broken", err: errors.New("i2c bus error")}, "", nil)

	readings, errs := h.ReadAll(context.Background())
	if len(readings) != 1 {
		t.Fatalf("expected the healthy driver's reading to survive, got %+v", readings)
	}
	if err := errs["broken"]; err == nil {
		t.Fatal("expected broken driver's error to be reported")
	}
}

func TestHubConfigureRequiresConfigurable(t *testing.T) {
	h := NewHub()
	h.Add("plain", &fakeDriver{name: "plain"}, "", nil)

	if err := h.Configure("plain", map[string]point.Value{}); err == nil {
		t.Fatal("expected error configuring a non-Configurable driver")
	}
	if err := h.Configure("missing", map[string]point.Value{}); err == nil {
		t.Fatal("expected error configuring an unknown driver")
	}
}

func TestSystemDriverReadNeverErrors(t *testing.T) {
	s := NewSystem(0)
	if !s.IsAvailable() {
		t.Fatal("system driver should always report available")
	}
	readings, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("system read should never hard-fail: %v", err)
	}
	// At least disk usage is expected to succeed on any POSIX test runner.
	found := false
	for _, r := range readings {
		if r.Metric == "disk.used_pct" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected disk.used_pct among readings, got %+v", readings)
	}
}
