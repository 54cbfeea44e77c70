// Package echo is the smallest real plugin: a periodic liveness beacon for
// the operator chat. It doubles as the reference for writing new plugins.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/core"
	"relaybot/internal/pluginkit"
)

type Config struct {
	Prefix string `json:"prefix,omitempty"`
	// Interval between beacons; Go duration string. Default 1h.
	Interval string `json:"interval,omitempty"`
}

type Plugin struct {
	pluginkit.Base

	mu      sync.Mutex
	cfg     Config
	started time.Time
	beats   uint64
}

func New() core.Plugin { return &Plugin{} }

func (p *Plugin) Metadata() core.Metadata {
	return core.Metadata{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "periodic liveness beacon",
		Priority:    core.PriorityLow,
	}
}

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase("echo", deps)

	cfg := Config{Prefix: "echo"}
	if len(deps.Config) > 0 {
		if err := json.Unmarshal(deps.Config, &cfg); err != nil {
			return fmt.Errorf("echo config: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "echo"
	}
	interval, err := config.ParseDurationOrDefault("plugins.echo.interval", cfg.Interval, time.Hour)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	return p.Every("beacon", interval, p.beacon)
}

func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = time.Now()
	p.beats = 0
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) beacon(ctx context.Context) error {
	p.mu.Lock()
	p.beats++
	n := p.beats
	prefix := p.cfg.Prefix
	up := time.Since(p.started).Round(time.Second)
	p.mu.Unlock()

	p.Notify(ctx, fmt.Sprintf("%s: alive, uptime %s, beat #%d", prefix, up, n))
	return nil
}

// Beats reports how many beacons fired since the last start.
func (p *Plugin) Beats() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beats
}
