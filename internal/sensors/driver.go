// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sensors defines the driver contract the stream manager's sensor
// loop consumes (spec §4.6) plus one built-in driver, "system" — the only
// hardware driver implementation this core ships (spec §1(a): individual
// driver implementations are otherwise out of scope, the core only depends
// on their contract).
package sensors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// Reading is one value a Driver produced, prior to timestamping and
// envelope assembly by the stream manager (which converts it to a Point).
type Reading struct {
	Metric string
	Value  point.Value
}

// Driver is the contract every sensor implements, grounded on
// original_source/plexus/sensors/base.py's BaseSensor usage (constructor
// options sample_rate/prefix/tags, Read() returning a batch of readings,
// optional Configure and IsAvailable).
type Driver interface {
	Name() string
	Read(ctx context.Context) ([]Reading, error)
}

// Configurable is implemented by drivers that accept runtime reconfiguration
// via the connector's `configure` frame (spec §4.6 "delegates residual
// options to the driver's configure() if present").
type Configurable interface {
	Configure(opts map[string]point.Value) error
}

// Availability is implemented by drivers that can report whether their
// backing hardware is present.
type Availability interface {
	IsAvailable() bool
}

// entry binds a registered driver to its hub-level settings: a metric-name
// prefix applied to every reading it produces, and static tags, which are
// stored but not attached to readings.
type entry struct {
	driver Driver
	prefix string
	tags   map[string]string
}

// Hub aggregates zero or more drivers behind the single "read all sensors"
// contract the sensor stream loop calls each tick (spec §4.6), mirroring
// original_source/plexus/sensors/base.py's SensorHub.add/run shape.
type Hub struct {
	mu      sync.RWMutex
	drivers map[string]*entry
}

// NewHub constructs an empty sensor hub.
func NewHub() *Hub {
	return &Hub{drivers: make(map[string]*entry)}
}

// Add registers a driver under id, with an optional metric-name prefix and
// static tags. Re-adding an id replaces the previous driver.
func (h *Hub) Add(id string, d Driver, prefix string, tags map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drivers[id] = &entry{driver: d, prefix: prefix, tags: tags}
}

// Remove unregisters a driver. No-op if id is unknown.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.drivers, id)
}

// Configure applies opts to the driver registered under id, delegating to
// its Configure method if it implements Configurable (spec §4.6).
func (h *Hub) Configure(id string, opts map[string]point.Value) error {
	h.mu.RLock()
	e, ok := h.drivers[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sensors: unknown driver %q", id)
	}
	cfg, ok := e.driver.(Configurable)
	if !ok {
		return fmt.Errorf("sensors: driver %q does not support configuration", id)
	}
	return cfg.Configure(opts)
}

// ReadAll reads every registered driver, in stable id order, applying each
// driver's prefix (tags are not applied). A driver read error is recorded in
// the returned error map under the driver's id but does not stop the
// remaining drivers from being read — it is the
// caller's responsibility to classify it (DriverTransient vs DriverFatal per
// spec §7).
func (h *Hub) ReadAll(ctx context.Context) ([]Reading, map[string]error) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.drivers))
	entries := make(map[string]*entry, len(h.drivers))
	for id, e := range h.drivers {
		ids = append(ids, id)
		entries[id] = e
	}
	h.mu.RUnlock()
	sort.Strings(ids)

	var out []Reading
	errs := make(map[string]error)
	for _, id := range ids {
		e := entries[id]
		readings, err := e.driver.Read(ctx)
		if err != nil {
			errs[id] = err
			continue
		}
		for _, r := range readings {
			if e.prefix != "" {
				r.Metric = e.prefix + r.Metric
			}
			out = append(out, r)
		}
	}
	return out, errs
}

// Names returns every registered driver id, the sensor capability list
// advertised during the connector's device_auth handshake (spec §4.7).
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.drivers))
	for id := range h.drivers {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Tags returns the static tags registered for id, or nil if unknown.
func (h *Hub) Tags(id string) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.drivers[id]
	if !ok {
		return nil
	}
	return e.tags
}
