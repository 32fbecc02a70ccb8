// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nishisan-dev/plexus-agent/internal/adapter"
	"github.com/nishisan-dev/plexus-agent/internal/adapter/can"
	"github.com/nishisan-dev/plexus-agent/internal/adapter/mqtt"
	"github.com/nishisan-dev/plexus-agent/internal/buffer"
	"github.com/nishisan-dev/plexus-agent/internal/camera"
	"github.com/nishisan-dev/plexus-agent/internal/command"
	"github.com/nishisan-dev/plexus-agent/internal/config"
	"github.com/nishisan-dev/plexus-agent/internal/connector"
	"github.com/nishisan-dev/plexus-agent/internal/housekeeping"
	"github.com/nishisan-dev/plexus-agent/internal/ingest"
	"github.com/nishisan-dev/plexus-agent/internal/logging"
	"github.com/nishisan-dev/plexus-agent/internal/point"
	"github.com/nishisan-dev/plexus-agent/internal/retry"
	"github.com/nishisan-dev/plexus-agent/internal/sensors"
	"github.com/nishisan-dev/plexus-agent/internal/shell"
	"github.com/nishisan-dev/plexus-agent/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.plexus/config.json)")
	flag.Parse()

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolving default config path: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer logCloser.Close()

	if err := run(path, cfg, logger); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

// run wires every component per spec §9's dependency graph and blocks until
// a terminating signal arrives, reloading on SIGHUP the way teacher
// internal/agent/daemon.go's RunDaemon does for its own scheduler.
func run(configPath string, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting plexus-agent", "source_id", cfg.SourceID, "endpoint", cfg.Endpoint)

	agent, err := newAgent(cfg, logger)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}
	agent.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("reload failed, keeping current config", "error", err)
				continue
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			agent.Stop(stopCtx)
			cancel()

			cfg = newCfg
			agent, err = newAgent(cfg, logger)
			if err != nil {
				return fmt.Errorf("rebuilding agent after reload: %w", err)
			}
			agent.Start()
			logger.Info("config reloaded successfully", "source_id", cfg.SourceID)
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		agent.Stop(ctx)
		cancel()
		return nil
	}
}

// agentRuntime bundles the long-lived components spec §5's shutdown
// ordering applies to: housekeeping ticks stop first (new work), then the
// connector (which itself cancels streams and the shell executor before
// closing its socket), then the buffer.
type agentRuntime struct {
	housekeeping *housekeeping.Runner
	connector    *connector.Connector
	buf          buffer.Buffer
}

func (a *agentRuntime) Start() {
	a.housekeeping.Start()
	a.connector.Start()
}

func (a *agentRuntime) Stop(ctx context.Context) {
	a.housekeeping.Stop(ctx)
	a.connector.Stop()
	if closer, ok := a.buf.(buffer.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Default().Warn("closing buffer failed", "error", err)
		}
	}
}

func newAgent(cfg *config.Config, logger *slog.Logger) (*agentRuntime, error) {
	buf, err := newBuffer(cfg.Buffer, logger)
	if err != nil {
		return nil, fmt.Errorf("constructing buffer: %w", err)
	}

	policy := retry.Policy{
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       cfg.Retry.BaseDelay(),
		MaxDelay:        cfg.Retry.MaxDelay(),
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter != nil && *cfg.Retry.Jitter,
	}

	ingestClient := ingest.New(ingest.Config{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		SourceID: cfg.SourceID,
		Policy:   policy,
		Buffer:   buf,
		Logger:   logger,
	})

	sensorHub := sensors.NewHub()
	sensorHub.Add("system", sensors.NewSystem(time.Second), "", nil)

	cameraHub := camera.NewHub()

	adapters := adapter.NewRegistry()
	adapters.Register("mqtt", mqtt.New)
	adapters.Register("can", can.New)

	commands := command.NewRegistry()
	registerBuiltinCommands(commands, ingestClient)

	shellExec := shell.New(cfg.CommandAllowlist, cfg.CommandDenylist, logger)

	// Detected CAN interfaces are supplied by an out-of-scope hardware
	// discovery routine (spec §1(c)); this core ships with none detected
	// until that integration is wired in.
	var detectedCAN []can.Detected
	canChannels := make([]string, 0, len(detectedCAN))
	for _, d := range detectedCAN {
		canChannels = append(canChannels, d.Channel)
	}

	connCfg := connector.Config{
		SourceID:           cfg.SourceID,
		Platform:           runtime.GOOS,
		APIKey:             cfg.APIKey,
		HTTPEndpoint:       cfg.Endpoint,
		WSURLOverride:      cfg.Connector.WSURL,
		TLSCACert:          cfg.Connector.TLSCACert,
		DSCP:               cfg.Connector.DSCP,
		SensorCapabilities: sensorHub.Names(),
		CameraCapabilities: cameraHub.Names(),
		CANCapabilities:    canChannels,
	}
	conn := connector.New(connCfg, logger, shellExec, commands, adapters, nil)

	persist := func(points []point.Point) {
		if err := ingestClient.Send(context.Background(), points); err != nil {
			logger.Warn("ingest: persisted batch send failed", "error", err)
		}
	}

	streamMgr := stream.New(cfg.SourceID, sensorHub, cameraHub, detectedCAN, conn, persist, logger)
	conn.SetStreams(streamMgr)

	hk, err := housekeeping.New(cfg.Housekeeping.Schedule, buf, conn, logger)
	if err != nil {
		return nil, fmt.Errorf("constructing housekeeping runner: %w", err)
	}

	return &agentRuntime{housekeeping: hk, connector: conn, buf: buf}, nil
}

func newBuffer(cfg config.BufferInfo, logger *slog.Logger) (buffer.Buffer, error) {
	switch cfg.Backend {
	case "sqlite":
		return buffer.NewSQLite(cfg.Path, cfg.Capacity, logger)
	default:
		return buffer.NewMemory(cfg.Capacity, logger), nil
	}
}

// registerBuiltinCommands wires the core typed commands every agent ships
// with regardless of deployment (spec §4.4's registry is otherwise
// populated by domain-specific commands this core does not define).
func registerBuiltinCommands(registry *command.Registry, ingestClient *ingest.Client) {
	registry.Register("flush_buffer").
		Describe("force an immediate send of any buffered points").
		Handler(func(args map[string]point.Value) (any, error) {
			if err := ingestClient.Send(context.Background(), nil); err != nil {
				return nil, err
			}
			return nil, nil
		})
}
