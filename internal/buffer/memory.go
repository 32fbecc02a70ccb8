// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package buffer

import (
	"log/slog"
	"sync"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// Memory is the ephemeral, process-lifetime buffer backend, grounded on
// original_source/plexus/buffer.py's MemoryBuffer.
type Memory struct {
	mu       sync.Mutex
	capacity int
	entries  []point.Point
	logger   *slog.Logger
}

// NewMemory constructs an in-memory buffer bounded at capacity entries.
func NewMemory(capacity int, logger *slog.Logger) *Memory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Memory{capacity: capacity, logger: logger}
}

func (m *Memory) Add(points []point.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, points...)
	if over := len(m.entries) - m.capacity; over > 0 {
		m.entries = m.entries[over:]
		logOverflow(m.logger, over)
	}
	return nil
}

func (m *Memory) Snapshot() ([]point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]point.Point, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	return nil
}

func (m *Memory) Size() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries), nil
}
