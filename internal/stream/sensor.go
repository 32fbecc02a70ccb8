// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// StartSensorStreamRequest mirrors streaming.py's start_stream payload.
type StartSensorStreamRequest struct {
	ID         string
	Metrics    []string
	IntervalMs int
	Store      bool
}

// StartSensorStream starts (or replaces) the sensor stream named req.ID.
func (m *Manager) StartSensorStream(req StartSensorStreamRequest) {
	if req.IntervalMs <= 0 {
		req.IntervalMs = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &sensorStream{
		cancel:     cancel,
		intervalMs: req.IntervalMs,
		metrics:    req.Metrics,
	}
	if m.persist != nil {
		s.persistQ = newPersistQueue(m.persist)
	}

	m.mu.Lock()
	if existing, ok := m.sensorStreams[req.ID]; ok {
		existing.cancel()
		if existing.persistQ != nil {
			existing.persistQ.stop()
		}
	}
	m.sensorStreams[req.ID] = s
	m.mu.Unlock()

	mode := "Viewing"
	if req.Store {
		mode = "Recording"
	}
	m.status(mode + ": sensor stream " + req.ID)

	go m.sensorLoop(ctx, req.ID, req.Store, s)
}

func (m *Manager) sensorLoop(ctx context.Context, id string, store bool, s *sensorStream) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		interval := time.Duration(s.intervalMs) * time.Millisecond
		filters := metricFilter(s.metrics)
		prefix := s.prefix
		s.mu.Unlock()

		readings, errs := m.sensorHub.ReadAll(ctx)
		for driverID, err := range errs {
			m.logger.Warn("sensor read failed", "driver", driverID, "error", err)
		}

		points := make([]point.Point, 0, len(readings))
		for _, r := range readings {
			if filters != nil {
				if _, ok := filters[r.Metric]; !ok {
					continue
				}
			}
			metric := r.Metric
			if prefix != "" {
				metric = prefix + metric
			}
			points = append(points, nowPoint(metric, r.Value, m.sourceID, nil))
		}

		if len(points) > 0 {
			if err := m.emit.SendTelemetry(points); err != nil {
				m.logger.Warn("sensor stream: telemetry send failed", "stream", id, "error", err)
			}
			if store && s.persistQ != nil {
				s.persistQ.enqueue(points, m.logger, id)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// StopSensorStream cancels and removes a sensor stream. id "*" stops every
// active sensor stream; an unknown id is a no-op (spec §4.6 stop semantics).
func (m *Manager) StopSensorStream(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "*" {
		for _, s := range m.sensorStreams {
			s.cancel()
			if s.persistQ != nil {
				s.persistQ.stop()
			}
		}
		m.sensorStreams = make(map[string]*sensorStream)
		m.status("Stopped all sensor streams")
		return
	}

	if s, ok := m.sensorStreams[id]; ok {
		s.cancel()
		if s.persistQ != nil {
			s.persistQ.stop()
		}
		delete(m.sensorStreams, id)
		m.status("Stopped sensor stream " + id)
	}
}

// ConfigureSensor updates a running sensor stream's generic mutable fields
// in place — sample_rate and prefix (spec §4.6) — then delegates whatever
// options remain to the driver's own Configure, if it implements
// Configurable. sensorLoop re-reads these fields every tick under the
// stream's own lock, so the change takes effect on the next iteration
// without restarting the stream. If id does not name a running stream, opts
// is passed through to the driver registered under id unchanged.
func (m *Manager) ConfigureSensor(id string, opts map[string]point.Value) error {
	m.mu.Lock()
	s, ok := m.sensorStreams[id]
	m.mu.Unlock()

	residual := opts
	if ok {
		residual = make(map[string]point.Value, len(opts))
		s.mu.Lock()
		for k, v := range opts {
			switch k {
			case "sample_rate":
				if seconds, isNum := v.AsFloat64(); isNum && seconds > 0 {
					s.intervalMs = int(seconds * 1000)
				}
			case "prefix":
				if prefix, isStr := v.String(); isStr {
					s.prefix = prefix
				}
			default:
				residual[k] = v
			}
		}
		s.mu.Unlock()
	}

	if len(residual) == 0 {
		return nil
	}
	return m.sensorHub.Configure(id, residual)
}
