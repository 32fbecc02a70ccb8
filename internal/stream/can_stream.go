// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/adapter"
	"github.com/nishisan-dev/plexus-agent/internal/adapter/can"
	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// StartCANStreamRequest mirrors streaming.py's start_can_stream payload.
type StartCANStreamRequest struct {
	Channel    string
	DBCPath    string
	IntervalMs int
	Store      bool
}

// StartCANStream locates the detected adapter by channel, refuses if the
// interface is not up, connects a CAN adapter, and starts polling (spec
// §4.6 CAN stream loop / scenario 6).
func (m *Manager) StartCANStream(req StartCANStreamRequest) error {
	if req.Channel == "" {
		m.status("No CAN channel specified")
		return fmt.Errorf("stream: channel is required")
	}

	detected, ok := can.Find(m.detected, req.Channel)
	if !ok {
		m.status(fmt.Sprintf("CAN channel not found: %s", req.Channel))
		return fmt.Errorf("stream: unknown CAN channel %q", req.Channel)
	}
	if !detected.IsUp {
		m.status(fmt.Sprintf("CAN interface %s is down — run: plexus scan --setup", req.Channel))
		return fmt.Errorf("stream: CAN interface %q is down", req.Channel)
	}

	proto, err := can.New(adapterConfigFromDetected(detected, req.DBCPath), m.logger)
	if err != nil {
		m.status(fmt.Sprintf("CAN adapter config failed: %s", err))
		return err
	}
	if err := proto.Connect(); err != nil {
		m.status(fmt.Sprintf("CAN connect failed: %s", err))
		return err
	}

	var persistQ *persistQueue
	if m.persist != nil {
		persistQ = newPersistQueue(m.persist)
	}

	m.mu.Lock()
	if existing, ok := m.canStreams[req.Channel]; ok {
		existing.cancel()
		if existing.adapter != nil {
			_ = existing.adapter.Disconnect()
		}
		if existing.persistQ != nil {
			existing.persistQ.stop()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.canStreams[req.Channel] = &canStream{cancel: cancel, adapter: proto, persistQ: persistQ}
	m.mu.Unlock()

	mode := "Viewing"
	if req.Store {
		mode = "Recording"
	}
	m.status(fmt.Sprintf("%s: CAN stream %s", mode, req.Channel))

	go m.canLoop(ctx, req.Channel, proto, req.Store, persistQ)
	return nil
}

// canLoop polls the adapter on its own goroutine (Poll() blocks up to 100ms
// internally, per the CAN adapter's Poll implementation) so it never stalls
// the main scheduling loop, per spec §4.6.
func (m *Manager) canLoop(ctx context.Context, channel string, proto adapter.Protocol, store bool, persistQ *persistQueue) {
	defer proto.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		metrics, err := proto.Poll()
		if err != nil {
			m.logger.Warn("can stream: poll failed", "channel", channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if len(metrics) > 0 {
			points := make([]point.Point, 0, len(metrics))
			for _, mt := range metrics {
				points = append(points, nowPoint(mt.Name, mt.Value, m.sourceID, mt.Tags))
			}
			if err := m.emit.SendTelemetry(points); err != nil {
				m.logger.Warn("can stream: telemetry send failed", "channel", channel, "error", err)
			}
			if store && persistQ != nil {
				persistQ.enqueue(points, m.logger, channel)
			}
		}
	}
}

// StopCANStream cancels and removes a CAN stream. id "*" stops every active
// CAN stream; an unknown id is a no-op.
func (m *Manager) StopCANStream(id string) {
	m.mu.Lock()
	if id == "*" {
		streams := m.canStreams
		m.canStreams = make(map[string]*canStream)
		m.mu.Unlock()
		for _, s := range streams {
			s.cancel()
			if s.persistQ != nil {
				s.persistQ.stop()
			}
		}
		m.status("Stopped all CAN streams")
		return
	}

	s, ok := m.canStreams[id]
	if ok {
		delete(m.canStreams, id)
	}
	m.mu.Unlock()

	if ok {
		s.cancel()
		if s.persistQ != nil {
			s.persistQ.stop()
		}
		m.status("Stopped CAN stream " + id)
	}
}
