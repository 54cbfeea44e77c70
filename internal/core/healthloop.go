package core

import (
	"context"
	"time"

	"relaybot/pkg/logx"
)

// probeTimeout bounds one HealthCheck call.
const probeTimeout = 5 * time.Second

// RunHealthLoop probes RUNNING plugins on the check interval and drives the
// restart/disable policy for unhealthy or FAILED ones. It blocks until ctx
// is cancelled; run it under the supervisor.
func (m *Manager) RunHealthLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.log.Info("health loop started", logx.Duration("interval", m.checkInterval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health loop stopped")
			return nil
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// checkOnce runs one probe pass. Probes are sequential; a slow plugin delays
// the others within the pass but never past probeTimeout each.
func (m *Manager) checkOnce(ctx context.Context) {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	for _, rec := range recs {
		switch rec.currentStatus() {
		case StatusRunning:
			m.probe(ctx, rec)
			m.applyPolicy(ctx, rec)
		case StatusFailed:
			// A plugin that failed outside a probe (start crash, restart
			// failure) still consumes its restart budget here.
			m.applyPolicy(ctx, rec)
		}
	}
}

func (m *Manager) probe(ctx context.Context, rec *record) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.safeCall("plugin.health."+rec.name, func() error {
		return rec.instance.HealthCheck(pctx)
	})
	cancel()

	// The plugin may have been stopped while the probe ran; a probe result
	// for a plugin no longer RUNNING is stale and must not be recorded.
	rec.mu.Lock()
	if rec.status != StatusRunning {
		rec.mu.Unlock()
		return
	}
	rec.mu.Unlock()

	if err != nil {
		rec.health.RecordFailure(err.Error())
		rec.setError(err.Error())
		m.log.Warn("health check failed",
			logx.String("plugin", rec.name),
			logx.Err(err),
		)
		return
	}
	rec.health.RecordSuccess()
	rec.health.Heartbeat()
}

// applyPolicy schedules a delayed restart for an unhealthy plugin, or
// disables it when the restart budget is spent. At most one restart is in
// flight per plugin.
func (m *Manager) applyPolicy(ctx context.Context, rec *record) {
	status := rec.currentStatus()
	if status == StatusRunning && rec.health.IsHealthy() {
		return
	}

	rec.mu.Lock()
	if rec.restartPending {
		rec.mu.Unlock()
		return
	}
	if !rec.health.ShouldAttemptRestart() {
		rec.mu.Unlock()
		m.disableExhausted(ctx, rec)
		return
	}
	rec.restartPending = true
	rec.mu.Unlock()

	// The attempt counts now, at schedule time, so the delay reflects it
	// and a second tick cannot double-book the budget.
	rec.health.RecordRestart()
	delay := rec.health.RestartDelay()
	m.log.Warn("plugin unhealthy; restart scheduled",
		logx.String("plugin", rec.name),
		logx.String("status", status.String()),
		logx.Duration("delay", delay),
		logx.Int("restart", rec.health.Snapshot().RestartCount),
	)

	go m.delayedRestart(rec.name, delay)
}

// delayedRestart waits out the backoff (cancellable via the manager's base
// context) and performs the restart without recording it again.
func (m *Manager) delayedRestart(name string, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-m.baseCtx.Done():
		return
	case <-t.C:
	}

	rec, ok := m.getRecord(name)
	if !ok {
		return
	}
	defer func() {
		rec.mu.Lock()
		rec.restartPending = false
		rec.mu.Unlock()
	}()

	switch rec.currentStatus() {
	case StatusRunning, StatusFailed, StatusStopped:
	default:
		return
	}

	if rec.currentStatus() == StatusFailed {
		// A FAILED plugin has no run state to stop; route it back through
		// STOPPED so the normal start path applies.
		rec.mu.Lock()
		rec.status = StatusStopped
		rec.mu.Unlock()
	}

	if err := m.restart(m.baseCtx, name); err != nil {
		m.log.Error("scheduled restart failed",
			logx.String("plugin", name),
			logx.Err(err),
		)
		return
	}
	m.log.Info("plugin restarted after backoff", logx.String("plugin", name))
	if m.notify != nil {
		nctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
		_ = m.notify.SendText(nctx, "plugin "+name+" restarted after health failure")
		cancel()
	}
}

// disableExhausted takes a plugin whose restart budget is spent out of
// rotation: stop it if needed, mark it DISABLED and persist the intent.
// The record stays loaded so status surfaces keep showing it.
func (m *Manager) disableExhausted(ctx context.Context, rec *record) {
	name := rec.name
	if rec.currentStatus() == StatusRunning {
		if err := m.Stop(ctx, name); err != nil {
			m.log.Warn("stop before disable failed", logx.String("plugin", name), logx.Err(err))
		}
	}

	rec.mu.Lock()
	switch rec.status {
	case StatusDisabled:
		rec.mu.Unlock()
		return
	case StatusFailed:
		_ = rec.transitionLocked(StatusDisabled)
	default:
		// STOPPED (or anything short of FAILED) routes through FAILED so
		// the transition history stays legal.
		rec.status = StatusFailed
		_ = rec.transitionLocked(StatusDisabled)
	}
	rec.mu.Unlock()

	if m.state != nil {
		if err := m.state.Disable(name); err != nil {
			m.log.Error("persist disable failed", logx.String("plugin", name), logx.Err(err))
		}
	}
	m.log.Error("plugin disabled: restart budget exhausted",
		logx.String("plugin", name),
		logx.Int("restarts", rec.health.Snapshot().RestartCount),
	)
	if m.notify != nil {
		nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = m.notify.SendText(nctx, "plugin "+name+" disabled after exhausting its restart budget")
		cancel()
	}
}
