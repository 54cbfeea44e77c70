// Package pluginkit carries the boilerplate shared by bundled plugins.
package pluginkit

import (
	"context"
	"time"

	"relaybot/internal/core"
	"relaybot/internal/services/scheduler"
	"relaybot/pkg/logx"
)

// Base is embedded by plugins that want the common defaults: a scoped
// logger, task registration sugar, an always-healthy HealthCheck and a
// no-op Cleanup. Plugins with real liveness semantics override
// HealthCheck.
type Base struct {
	Log  logx.Logger
	Deps core.Deps

	name string
}

// InitBase captures the host-provided dependencies; call it first from the
// plugin's Init.
func (b *Base) InitBase(name string, deps core.Deps) {
	b.name = name
	b.Deps = deps
	b.Log = deps.Logger
}

func (b *Base) Name() string { return b.name }

// Every registers an interval task on the plugin's scheduler.
func (b *Base) Every(name string, every time.Duration, fn scheduler.Handler) error {
	return b.Deps.Tasks.Register(name, fn, scheduler.Interval(every))
}

// Cron registers a cron task on the plugin's scheduler.
func (b *Base) Cron(name, expr string, fn scheduler.Handler) error {
	return b.Deps.Tasks.Register(name, fn, scheduler.Cron(expr))
}

// Notify sends text to the operator chat when a transport is wired; it is
// a silent no-op otherwise.
func (b *Base) Notify(ctx context.Context, text string) {
	if b.Deps.Notify == nil {
		return
	}
	if err := b.Deps.Notify.SendText(ctx, text); err != nil && !b.Log.IsZero() {
		b.Log.Warn("notify failed", logx.Err(err))
	}
}

func (b *Base) HealthCheck(ctx context.Context) error { return nil }

func (b *Base) Cleanup(ctx context.Context) error { return nil }
