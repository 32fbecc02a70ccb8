// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package buffer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// SQLite is the durable buffer backend, grounded on
// original_source/plexus/buffer.py's SqliteBuffer: a single table keyed by
// an auto-incrementing id, WAL journal mode, rows surviving as the initial
// FIFO on reopen. Every operation is serialized under a single mutex so
// concurrent callers see a consistent view even though the driver itself
// tolerates multiple connections.
type SQLite struct {
	mu       sync.Mutex
	db       *sql.DB
	capacity int
	logger   *slog.Logger
}

// NewSQLite opens (creating if absent) a durable buffer at path, bounded at
// capacity rows. Existing rows are kept as the initial FIFO (implicit
// recovery on open).
func NewSQLite(path string, capacity int, logger *slog.Logger) (*SQLite, error) {
	if capacity <= 0 {
		capacity = 100_000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating buffer directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening buffer db %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating points table: %w", err)
	}

	return &SQLite{db: db, capacity: capacity, logger: logger}, nil
}

func (s *SQLite) Add(points []point.Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("buffer: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO points (data) VALUES (?)")
	if err != nil {
		return fmt.Errorf("buffer: preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("buffer: marshaling point: %w", err)
		}
		if _, err := stmt.Exec(string(data)); err != nil {
			return fmt.Errorf("buffer: inserting point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("buffer: committing insert: %w", err)
	}

	return s.evictLocked()
}

// evictLocked removes the oldest rows if over capacity. Caller must hold mu.
func (s *SQLite) evictLocked() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM points").Scan(&count); err != nil {
		return fmt.Errorf("buffer: counting rows: %w", err)
	}
	if count <= s.capacity {
		return nil
	}
	overflow := count - s.capacity
	if _, err := s.db.Exec(
		`DELETE FROM points WHERE id IN (SELECT id FROM points ORDER BY id LIMIT ?)`,
		overflow,
	); err != nil {
		return fmt.Errorf("buffer: evicting oldest rows: %w", err)
	}
	logOverflow(s.logger, overflow)
	return nil
}

func (s *SQLite) Snapshot() ([]point.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT data FROM points ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("buffer: scanning rows: %w", err)
	}
	defer rows.Close()

	var out []point.Point
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("buffer: scanning row: %w", err)
		}
		var p point.Point
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("buffer: decoding row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM points"); err != nil {
		return fmt.Errorf("buffer: clearing: %w", err)
	}
	return nil
}

func (s *SQLite) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM points").Scan(&count); err != nil {
		return 0, fmt.Errorf("buffer: counting: %w", err)
	}
	return count, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Compact reclaims space left behind by evicted/cleared rows. Durable
// buffers only grow the backing file on INSERT/DELETE churn; periodic
// VACUUM keeps long-running agents from accumulating unbounded free pages.
func (s *SQLite) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("buffer: vacuuming: %w", err)
	}
	return nil
}
