// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package adapter provides the uniform lifecycle framework every protocol
// adapter implements (spec §4.8): a configuration struct, a state machine
// with transition logging, a last-error slot, and a read-only stats view.
// Grounded on teacher internal/agent/control_channel.go's state-machine
// idiom (atomic.Value-backed state, transition logging via slog) and on
// original_source/plexus/adapters/base.py's ProtocolAdapter contract
// (inferred from can.py/__init__.py usage — validate_config/connect/
// disconnect/poll/send/stats).
package adapter

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// State is one of the adapter lifecycle states (spec §3 "Adapter state").
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Config is the free-form configuration every adapter accepts: a name plus
// protocol-specific parameters, matching original_source's
// AdapterConfig(name, params).
type Config struct {
	Name   string
	Params map[string]any
}

// Metric is the wire-from-hardware representation an adapter's Poll emits,
// distinct from point.Point: it carries no source_id and is not yet
// timestamped by the stream manager (spec §3 "Metric (adapter output)").
type Metric struct {
	Name      string
	Value     point.Value
	Tags      map[string]string
	Timestamp time.Time
}

// Stats is the read-only snapshot an adapter exposes for diagnostics.
type Stats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Protocol is the lifecycle every adapter implements.
type Protocol interface {
	Name() string
	ValidateConfig() error
	Connect() error
	Disconnect() error
	Poll() ([]Metric, error)
	Stats() Stats
}

// Sender is implemented by adapters that support publishing back to their
// transport (MQTT publish, CAN send); not every adapter does.
type Sender interface {
	Send(metric Metric) error
}

// Base implements the state machine, last-error slot, and transition
// logging common to every adapter; protocol-specific adapters embed it.
type Base struct {
	name   string
	logger *slog.Logger

	state atomic.Value // State

	mu          sync.RWMutex
	lastError   string
	connectedAt time.Time
}

// NewBase constructs a Base in StateDisconnected.
func NewBase(name string, logger *slog.Logger) *Base {
	b := &Base{name: name, logger: logger}
	b.state.Store(StateDisconnected)
	return b
}

func (b *Base) Name() string { return b.name }

// Logger returns the adapter's logger, for subclasses that need to log
// outside a state transition.
func (b *Base) Logger() *slog.Logger { return b.logger }

// State returns the current lifecycle state.
func (b *Base) State() State {
	return b.state.Load().(State)
}

// SetState transitions to next, logging the transition. An optional errMsg
// is recorded alongside StateError and cleared on any non-error transition.
func (b *Base) SetState(next State, errMsg string) {
	prev := b.State()
	b.state.Store(next)

	b.mu.Lock()
	if next == StateError {
		b.lastError = errMsg
	} else {
		b.lastError = ""
	}
	if next == StateConnected {
		b.connectedAt = time.Now()
	}
	b.mu.Unlock()

	if prev != next {
		b.logger.Info("adapter state transition", "adapter", b.name, "from", prev, "to", next, "error", errMsg)
	}
}

// Stats returns the base snapshot; protocol-specific adapters should call
// this and add their own fields to Extra.
func (b *Base) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Name:        b.name,
		State:       b.State(),
		LastError:   b.lastError,
		ConnectedAt: b.connectedAt,
	}
}

// Registry holds adapter constructors registered by name, so new adapters
// can be added without modifying the connector (spec §4.8 "New adapters
// register themselves by name at startup").
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]func(Config, *slog.Logger) (Protocol, error)
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]func(Config, *slog.Logger) (Protocol, error))}
}

// Register adds a named adapter constructor.
func (r *Registry) Register(name string, ctor func(Config, *slog.Logger) (Protocol, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Names returns every registered adapter name, the connector's capability
// list advertised during device_auth (spec §4.7).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	return names
}

// New constructs a new adapter instance by name.
func (r *Registry) New(name string, cfg Config, logger *slog.Logger) (Protocol, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: unknown adapter %q", name)
	}
	return ctor(cfg, logger)
}
