// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package camera defines the minimal capture contract the stream manager's
// camera loop consumes (spec §4.6). Individual capture backends are out of
// scope (spec §1(a)) — only the interface and a registry are provided here,
// grounded on original_source/plexus/streaming.py's camera_hub.get_camera
// usage (camera.setup/capture/cleanup, resolution/quality/frame_rate
// mutable fields).
package camera

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Frame is one captured image, grounded on streaming.py's frame.data/width/
// height/timestamp usage.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Driver is the contract every camera backend implements.
type Driver interface {
	Setup() error
	// Capture returns one frame, or a zero-value Frame (nil Data) if no new
	// frame is ready — matching streaming.py's "if frame:" guard.
	Capture() (Frame, error)
	Cleanup()
}

// Configurable drivers accept mutable resolution/quality/frame-rate updates
// (spec §4.6 "configure_camera updates resolution, quality, frame rate").
type Configurable interface {
	Configure(resolution [2]int, quality int, frameRateFPS int)
}

// Hub holds registered camera drivers keyed by id, mirroring streaming.py's
// camera_hub.get_camera(camera_id) lookup.
type Hub struct {
	mu      sync.RWMutex
	cameras map[string]Driver
}

func NewHub() *Hub { return &Hub{cameras: make(map[string]Driver)} }

func (h *Hub) Add(id string, d Driver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cameras[id] = d
}

func (h *Hub) Get(id string) (Driver, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.cameras[id]
	return d, ok
}

// Names returns every registered camera id, the camera capability list
// advertised during the connector's device_auth handshake (spec §4.7).
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.cameras))
	for id := range h.cameras {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Configure applies resolution/quality/frame-rate to the camera registered
// under id, if it supports Configurable.
func (h *Hub) Configure(id string, resolution [2]int, quality, frameRateFPS int) error {
	d, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("camera: unknown camera %q", id)
	}
	cfg, ok := d.(Configurable)
	if !ok {
		return fmt.Errorf("camera: %q does not support configuration", id)
	}
	cfg.Configure(resolution, quality, frameRateFPS)
	return nil
}
