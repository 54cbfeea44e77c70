// Package netmon measures internet link quality on an interval using
// speedtest.net servers and persists the results for trending.
package netmon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/core"
	"relaybot/internal/pluginkit"
	"relaybot/pkg/logx"
	"relaybot/pkg/store"
)

const sampleKey = "latest"

type Config struct {
	// Interval between measurements; Go duration string. Default 30m.
	Interval string `json:"interval,omitempty"`
	// ServerCount is how many nearby servers to consider. Default 5.
	ServerCount int `json:"server_count,omitempty"`
	// Timeout bounds one full measurement. Default 3m.
	Timeout string `json:"timeout,omitempty"`
	// Notify sends each result to the operator chat.
	Notify bool `json:"notify,omitempty"`
	// MinDownloadMbps below which the result is reported as degraded.
	MinDownloadMbps float64 `json:"min_download_mbps,omitempty"`
}

// Sample is one completed measurement.
type Sample struct {
	Time         time.Time `json:"time"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
	JitterMs     float64   `json:"jitter_ms"`
	ServerName   string    `json:"server_name"`
	ServerHost   string    `json:"server_host"`
	ISP          string    `json:"isp"`
	Duration     string    `json:"duration"`
}

type Plugin struct {
	pluginkit.Base

	interval time.Duration
	timeout  time.Duration
	cfg      Config

	measure func(ctx context.Context, serverCount int) (*Sample, error)

	// runGate prevents overlapping measurements when an interval elapses
	// while a slow run is still in flight.
	runGate chan struct{}

	mu      sync.Mutex
	last    Sample
	sampled bool
	failRun int // consecutive failed runs
}

func New() core.Plugin {
	return &Plugin{measure: runSpeedtest, runGate: make(chan struct{}, 1)}
}

func (p *Plugin) Metadata() core.Metadata {
	return core.Metadata{
		Name:        "netmon",
		Version:     "1.3.0",
		Description: "periodic internet speed and latency measurement",
		Priority:    core.PriorityNormal,
		Dependencies: []core.Dependency{
			// Correlating a bad measurement with host load needs sysinfo's
			// samples; ordering only, netmon works without it.
			{Name: "sysinfo", Optional: true},
		},
	}
}

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase("netmon", deps)

	cfg := Config{ServerCount: 5}
	if len(deps.Config) > 0 {
		if err := json.Unmarshal(deps.Config, &cfg); err != nil {
			return fmt.Errorf("netmon config: %w", err)
		}
	}
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	interval, err := config.ParseDurationOrDefault("plugins.netmon.interval", cfg.Interval, 30*time.Minute)
	if err != nil {
		return err
	}
	timeout, err := config.ParseDurationOrDefault("plugins.netmon.timeout", cfg.Timeout, 3*time.Minute)
	if err != nil {
		return err
	}
	p.cfg = cfg
	p.interval = interval
	p.timeout = timeout

	return p.Every("speedtest", interval, p.run)
}

func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.failRun = 0
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

// HealthCheck fails after three consecutive failed measurements. A single
// bad run is normal on a flaky link and not worth a restart.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRun >= 3 {
		return fmt.Errorf("%d consecutive failed measurements", p.failRun)
	}
	return nil
}

func (p *Plugin) run(ctx context.Context) error {
	select {
	case p.runGate <- struct{}{}:
		defer func() { <-p.runGate }()
	default:
		p.Log.Warn("measurement still running; skipping this interval")
		return nil
	}

	mctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sample, err := p.measure(mctx, p.cfg.ServerCount)
	if err != nil {
		p.mu.Lock()
		p.failRun++
		n := p.failRun
		p.mu.Unlock()
		p.Log.Warn("measurement failed", logx.Int("consecutive", n), logx.Err(err))
		return err
	}

	p.mu.Lock()
	p.last = *sample
	p.sampled = true
	p.failRun = 0
	p.mu.Unlock()

	if b, merr := json.Marshal(sample); merr == nil {
		if perr := p.Deps.KV.Put(ctx, sampleKey, b); perr != nil && !errors.Is(perr, store.ErrDisabled) {
			p.Log.Warn("persist sample failed", logx.Err(perr))
		}
	}

	p.Log.Info("measurement done",
		logx.Float64("download_mbps", sample.DownloadMbps),
		logx.Float64("upload_mbps", sample.UploadMbps),
		logx.Float64("ping_ms", sample.PingMs),
		logx.String("server", sample.ServerName),
	)

	if p.cfg.Notify {
		p.Notify(ctx, formatSample(sample))
	}
	if p.cfg.MinDownloadMbps > 0 && sample.DownloadMbps < p.cfg.MinDownloadMbps {
		p.Notify(ctx, fmt.Sprintf("⚠️ netmon: download %.1f Mbps below threshold %.1f Mbps",
			sample.DownloadMbps, p.cfg.MinDownloadMbps))
	}
	return nil
}

// Latest returns the most recent in-memory sample.
func (p *Plugin) Latest() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.sampled
}

func formatSample(s *Sample) string {
	return fmt.Sprintf(
		"🚀 Speedtest\n⬇️ %.2f Mbps ⬆️ %.2f Mbps\n📡 ping %.1f ms, jitter %.1f ms\n🖥 %s (%s)",
		s.DownloadMbps, s.UploadMbps, s.PingMs, s.JitterMs, s.ServerName, s.ISP,
	)
}
