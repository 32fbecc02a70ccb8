// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sensors

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// System is the built-in fleet-health driver (spec §4.6/§9 "system"),
// grounded on original_source/plexus/sensors/system.py's metric set but
// reading through github.com/shirou/gopsutil/v3 the way teacher
// internal/agent/monitor.go's SystemMonitor does, rather than hand-parsing
// /proc — gopsutil degrades gracefully across platforms the way the Python
// source's per-OS fallbacks did by hand.
type System struct {
	sampleInterval time.Duration
}

// NewSystem constructs the system driver. sampleInterval is the window
// cpu.Percent blocks for when computing usage; it does not gate how often
// Read is called by the stream loop.
func NewSystem(sampleInterval time.Duration) *System {
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}
	return &System{sampleInterval: sampleInterval}
}

func (s *System) Name() string { return "system" }

func (s *System) IsAvailable() bool { return true }

// Read samples CPU, memory, disk, network, and process metrics. Any metric
// whose underlying syscall fails is silently omitted from the batch, matching
// original_source/plexus/sensors/system.py's "return None -> skip" pattern;
// a failure in one metric never fails the whole read.
func (s *System) Read(ctx context.Context) ([]Reading, error) {
	var out []Reading
	add := func(metric string, v point.Value) { out = append(out, Reading{Metric: metric, Value: v}) }

	if pct, err := cpu.PercentWithContext(ctx, s.sampleInterval, false); err == nil && len(pct) > 0 {
		add("cpu.usage_pct", point.Float(round1(pct[0])))
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if t.Temperature > 0 {
				add("cpu.temperature", point.Float(round1(t.Temperature)))
				break
			}
		}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		add("cpu.load", point.Float(round2(avg.Load1)))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		add("memory.used_pct", point.Float(round1(vm.UsedPercent)))
		add("memory.available_mb", point.Float(round1(float64(vm.Available)/1024/1024)))
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		add("disk.used_pct", point.Float(round1(du.UsedPercent)))
		add("disk.available_gb", point.Float(round2(float64(du.Free)/1024/1024/1024)))
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		add("net.rx_bytes", point.Uint(counters[0].BytesRecv))
		add("net.tx_bytes", point.Uint(counters[0].BytesSent))
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		add("system.uptime", point.Uint(uptime))
	}

	if pids, err := process.PidsWithContext(ctx); err == nil {
		add("system.processes", point.Int(int64(len(pids))))
	}

	return out, nil
}

func round1(v float64) float64 { return float64(int64(v*10+sign(v)*0.5)) / 10 }
func round2(v float64) float64 { return float64(int64(v*100+sign(v)*0.5)) / 100 }

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
