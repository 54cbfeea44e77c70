// Package sysinfo samples host and process statistics on an interval and
// persists the latest sample to the plugin KV store, where other plugins
// and the operator commands can read it.
package sysinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/core"
	"relaybot/internal/pluginkit"
	"relaybot/pkg/store"
)

// sampleKey is where the latest sample lives in the plugin's KV namespace.
const sampleKey = "latest"

type Config struct {
	// Interval between samples; Go duration string. Default 1m.
	Interval string `json:"interval,omitempty"`
	// ReportCron is a 5-field cron expression; when set, a summary of the
	// latest sample is sent to the operator chat on that schedule.
	ReportCron string `json:"report_cron,omitempty"`
}

// Sample is one snapshot of process/host stats.
type Sample struct {
	Time       time.Time `json:"time"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heap_alloc"`
	HeapSys    uint64    `json:"heap_sys"`
	NumGC      uint32    `json:"num_gc"`
	Load1      float64   `json:"load1,omitempty"`
	Load5      float64   `json:"load5,omitempty"`
	Load15     float64   `json:"load15,omitempty"`
}

type Plugin struct {
	pluginkit.Base

	interval time.Duration

	mu      sync.Mutex
	last    Sample
	lastErr error
	sampled bool
	started time.Time
}

func New() core.Plugin { return &Plugin{} }

func (p *Plugin) Metadata() core.Metadata {
	return core.Metadata{
		Name:        "sysinfo",
		Version:     "1.1.0",
		Description: "host and process statistics sampler",
		Priority:    core.PriorityHigh,
	}
}

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase("sysinfo", deps)

	var cfg Config
	if len(deps.Config) > 0 {
		if err := json.Unmarshal(deps.Config, &cfg); err != nil {
			return fmt.Errorf("sysinfo config: %w", err)
		}
	}
	interval, err := config.ParseDurationOrDefault("plugins.sysinfo.interval", cfg.Interval, time.Minute)
	if err != nil {
		return err
	}
	p.interval = interval

	if err := p.Every("sample", interval, p.sample); err != nil {
		return err
	}
	if cfg.ReportCron != "" {
		if err := p.Cron("report", cfg.ReportCron, p.report); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = time.Now()
	p.sampled = false
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

// HealthCheck fails when sampling has stalled: no successful sample within
// three intervals of start, or the latest attempt failed.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastErr != nil {
		return p.lastErr
	}
	if !p.sampled {
		if time.Since(p.started) > 3*p.interval {
			return fmt.Errorf("no sample since start %s ago", time.Since(p.started).Round(time.Second))
		}
		return nil
	}
	if age := time.Since(p.last.Time); age > 3*p.interval {
		return fmt.Errorf("last sample is %s old", age.Round(time.Second))
	}
	return nil
}

func (p *Plugin) sample(ctx context.Context) error {
	s := collect()

	b, err := json.Marshal(s)
	if err == nil {
		err = p.Deps.KV.Put(ctx, sampleKey, b)
		if errors.Is(err, store.ErrDisabled) {
			// No storage configured; keep the in-memory sample only.
			err = nil
		}
	}

	p.mu.Lock()
	if err != nil {
		p.lastErr = err
	} else {
		p.last = s
		p.sampled = true
		p.lastErr = nil
	}
	p.mu.Unlock()
	return err
}

// report sends a one-line summary of the latest sample to the operator chat.
func (p *Plugin) report(ctx context.Context) error {
	s, ok := p.Latest()
	if !ok {
		return nil
	}
	p.Notify(ctx, fmt.Sprintf(
		"sysinfo: %d goroutines, heap %.1f MiB, load %.2f/%.2f/%.2f",
		s.Goroutines, float64(s.HeapAlloc)/(1<<20), s.Load1, s.Load5, s.Load15,
	))
	return nil
}

// Latest returns the most recent in-memory sample.
func (p *Plugin) Latest() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.sampled
}

func collect() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{
		Time:       time.Now(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
	}
	s.Load1, s.Load5, s.Load15 = loadAvg()
	return s
}

// loadAvg reads /proc/loadavg; zeros on platforms without it.
func loadAvg() (float64, float64, float64) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	parts := strings.Fields(string(b))
	if len(parts) < 3 {
		return 0, 0, 0
	}
	l1, _ := strconv.ParseFloat(parts[0], 64)
	l5, _ := strconv.ParseFloat(parts[1], 64)
	l15, _ := strconv.ParseFloat(parts[2], 64)
	return l1, l5, l15
}
