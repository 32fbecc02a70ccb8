// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implements the local FIFO of pending ingest Points (spec
// §4.1): a thread-safe bounded queue with an ephemeral in-memory backend and
// a durable SQLite-backed backend that survives process restarts.
package buffer

import (
	"log/slog"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// Buffer is the contract both backends satisfy. Add never blocks and never
// fails the caller on overflow: oldest entries are evicted and logged.
// Durable backends additionally implement io.Closer.
type Buffer interface {
	// Add appends points to the buffer, evicting the oldest entries if the
	// result would exceed capacity.
	Add(points []point.Point) error
	// Snapshot returns a non-destructive copy of all buffered points in
	// FIFO (insertion) order.
	Snapshot() ([]point.Point, error)
	// Clear removes all buffered points, atomically w.r.t. concurrent Add.
	Clear() error
	// Size returns the current number of buffered points.
	Size() (int, error)
}

// Closer is implemented by durable backends that hold an open resource.
type Closer interface {
	Close() error
}

// logOverflow emits the one-line-per-episode overflow warning spec §7
// requires ("buffer overflow emits a one-line warning per overflow episode,
// not per point").
func logOverflow(logger *slog.Logger, dropped int) {
	if dropped <= 0 {
		return
	}
	logger.Warn("buffer full, dropped oldest points", "dropped", dropped)
}
