// Package core hosts relaybot's plugins: it loads, starts, supervises and
// tears down plugin modules, drives each through its lifecycle state
// machine, orders startup by declared dependencies and priority, and
// restarts unhealthy plugins with capped exponential backoff until their
// restart budget runs out.
package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"relaybot/internal/depgraph"
	"relaybot/internal/health"
	"relaybot/internal/services/scheduler"
	"relaybot/internal/statefile"
	"relaybot/pkg/logx"
	"relaybot/pkg/store"
)

// callTimeout bounds every call into plugin-supplied code.
const callTimeout = 10 * time.Second

// Options configures the Manager. Log, Policy and State are required in
// practice; KV and Notify may be absent.
type Options struct {
	Log           logx.Logger
	Policy        health.Policy
	CheckInterval time.Duration // health probe cadence; defaults to Policy.HeartbeatInterval
	State         *statefile.File
	KV            *store.Store
	Notify        Notifier
}

// Manager is the plugin lifecycle manager.
type Manager struct {
	log    logx.Logger
	policy health.Policy
	state  *statefile.File
	kv     *store.Store
	notify Notifier

	checkInterval time.Duration

	// baseCtx is the long-lived parent of all plugin run contexts. It is
	// NOT the caller's (possibly call-scoped) ctx; Shutdown cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	factories map[string]Factory
	records   map[string]*record
	configs   map[string]PluginConfig
	pctx      map[string]context.Context
	pcancel   map[string]context.CancelFunc

	// opMu serializes lifecycle operations per plugin so a manual restart
	// and the health loop cannot interleave on the same record.
	opMu map[string]*sync.Mutex
}

func NewManager(opts Options) *Manager {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	policy := opts.Policy.WithDefaults()
	ci := opts.CheckInterval
	if ci <= 0 {
		ci = policy.HeartbeatInterval
	}
	return &Manager{
		log:           opts.Log,
		policy:        policy,
		state:         opts.State,
		kv:            opts.KV,
		notify:        opts.Notify,
		checkInterval: ci,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		factories:     map[string]Factory{},
		records:       map[string]*record{},
		configs:       map[string]PluginConfig{},
		pctx:          map[string]context.Context{},
		pcancel:       map[string]context.CancelFunc{},
		opMu:          map[string]*sync.Mutex{},
	}
}

// SetNotifier installs the operator notifier. Call it before plugins are
// loaded; Deps handed out at load time capture it.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notify = n
	m.mu.Unlock()
}

// Register adds a plugin factory to the discovery table.
func (m *Manager) Register(name string, f Factory) {
	if name == "" || f == nil {
		return
	}
	m.mu.Lock()
	m.factories[name] = f
	m.mu.Unlock()
}

// Discover lists the registered plugin names, sorted.
func (m *Manager) Discover() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.factories))
	for n := range m.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetConfigs replaces the per-plugin config table used by Load/Enable.
func (m *Manager) SetConfigs(cfgs map[string]PluginConfig) {
	cp := make(map[string]PluginConfig, len(cfgs))
	for k, v := range cfgs {
		cp[k] = v
	}
	m.mu.Lock()
	m.configs = cp
	m.mu.Unlock()
}

// ShouldAutoStart reports whether the persisted operator intent wants this
// plugin started at boot.
func (m *Manager) ShouldAutoStart(name string) bool {
	if m.state == nil {
		return true
	}
	return m.state.ShouldAutoStart(name)
}

func (m *Manager) lockPlugin(name string) func() {
	m.mu.Lock()
	l, ok := m.opMu[name]
	if !ok {
		l = &sync.Mutex{}
		m.opMu[name] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Load instantiates and initializes a plugin. Loading an already-loaded
// plugin is a no-op returning success. On any hook error or panic the
// record stays around in FAILED with the error text recorded.
func (m *Manager) Load(ctx context.Context, name string) error {
	defer m.lockPlugin(name)()

	m.mu.Lock()
	if _, exists := m.records[name]; exists {
		m.mu.Unlock()
		return nil
	}
	factory, ok := m.factories[name]
	cfg := m.configs[name]
	notify := m.notify
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}

	rec := &record{
		name:     name,
		status:   StatusUnloaded,
		health:   health.NewTracker(m.policy),
		loadTime: time.Now(),
		config:   cfg.Config,
	}
	_ = rec.transition(StatusLoading)

	var inst Plugin
	err := m.safeCall("plugin.new."+name, func() error {
		inst = factory()
		if inst == nil {
			return fmt.Errorf("factory for %q returned nil", name)
		}
		rec.meta = inst.Metadata()
		return nil
	})
	if err != nil {
		rec.setError(err.Error())
		_ = rec.transition(StatusFailed)
		m.storeRecord(rec)
		return err
	}
	if rec.meta.Name == "" {
		rec.meta.Name = name
	}
	rec.instance = inst
	rec.tasks = scheduler.New(m.log.With(logx.String("plugin", name)))

	deps := Deps{
		Logger: m.log.With(logx.String("plugin", name)),
		Tasks:  rec.tasks,
		KV:     m.kv.Namespace(name),
		Notify: notify,
		Config: cfg.Config,
	}

	ictx, icancel := context.WithTimeout(ctx, callTimeout)
	err = m.safeCall("plugin.init."+name, func() error { return inst.Init(ictx, deps) })
	icancel()
	if err != nil {
		rec.setError(err.Error())
		_ = rec.transition(StatusFailed)
		m.storeRecord(rec)
		m.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
		return fmt.Errorf("init plugin %s: %w", name, err)
	}

	_ = rec.transition(StatusLoaded)
	m.storeRecord(rec)
	m.log.Info("plugin loaded",
		logx.String("plugin", name),
		logx.String("version", rec.meta.Version),
		logx.Int("deps", len(rec.meta.Dependencies)),
	)
	return nil
}

func (m *Manager) storeRecord(rec *record) {
	m.mu.Lock()
	m.records[rec.name] = rec
	m.mu.Unlock()
}

// Start moves a LOADED or STOPPED plugin to RUNNING: dependency check,
// start hook, then task loops. Starting a RUNNING plugin is a no-op that
// leaves startTime untouched.
func (m *Manager) Start(ctx context.Context, name string) error {
	defer m.lockPlugin(name)()
	return m.startLocked(ctx, name)
}

func (m *Manager) startLocked(ctx context.Context, name string) error {
	rec, ok := m.getRecord(name)
	if !ok {
		return fmt.Errorf("plugin %s is not loaded", name)
	}

	switch rec.currentStatus() {
	case StatusRunning:
		return nil
	case StatusLoaded, StatusStopped:
		// proceed
	default:
		return fmt.Errorf("plugin %s cannot start from %s", name, rec.currentStatus())
	}

	if missing := m.missingDeps(rec); len(missing) > 0 {
		return &depgraph.MissingError{Plugin: name, Missing: missing}
	}

	if err := rec.transition(StatusStarting); err != nil {
		return err
	}

	pctx, pcancel := context.WithCancel(m.baseCtx)
	err := m.startWithTimeout(name, rec.instance, pctx, pcancel)
	if err != nil {
		pcancel()
		rec.setError(err.Error())
		_ = rec.transition(StatusFailed)
		m.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		return fmt.Errorf("start plugin %s: %w", name, err)
	}

	m.mu.Lock()
	m.pctx[name] = pctx
	m.pcancel[name] = pcancel
	m.mu.Unlock()

	rec.tasks.StartAll(pctx)
	if err := rec.transition(StatusRunning); err != nil {
		return err
	}
	rec.health.Reset()

	m.log.Info("plugin started", logx.String("plugin", name))
	return nil
}

// missingDeps returns the non-optional dependencies of rec that are not
// currently RUNNING.
func (m *Manager) missingDeps(rec *record) []string {
	var missing []string
	for _, d := range rec.meta.Dependencies {
		if d.Optional {
			continue
		}
		dep, ok := m.getRecord(d.Name)
		if !ok || dep.currentStatus() != StatusRunning {
			missing = append(missing, d.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

// startWithTimeout calls Start(pctx) but enforces a deadline; pctx itself
// stays long-lived for well-behaved plugins.
func (m *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc) error {
	done := make(chan error, 1)
	go func() {
		done <- m.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(callTimeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", callTimeout, err)
			}
			return fmt.Errorf("start timeout (%s)", callTimeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", callTimeout)
		}
	}
}

// Stop moves a RUNNING plugin to STOPPED: task loops are stopped and
// awaited first, then the run context is cancelled, then the stop hook
// runs (bounded). Stopping an already-STOPPED plugin is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	defer m.lockPlugin(name)()
	return m.stopLocked(ctx, name)
}

func (m *Manager) stopLocked(ctx context.Context, name string) error {
	rec, ok := m.getRecord(name)
	if !ok {
		return fmt.Errorf("plugin %s is not loaded", name)
	}

	switch rec.currentStatus() {
	case StatusStopped:
		return nil
	case StatusRunning:
		// proceed
	default:
		return fmt.Errorf("plugin %s cannot stop from %s", name, rec.currentStatus())
	}

	if err := rec.transition(StatusStopping); err != nil {
		return err
	}

	start := time.Now()

	// Task loops stop before the plugin leaves RUNNING-adjacent state.
	rec.tasks.StopAll()

	m.mu.Lock()
	cancel := m.pcancel[name]
	delete(m.pctx, name)
	delete(m.pcancel, name)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Bounded stop hook; a misbehaving plugin must not block shutdown.
	stopCtx, scancel := context.WithTimeout(ctx, callTimeout)
	defer scancel()
	done := make(chan error, 1)
	go func() {
		done <- m.safeCall("plugin.stop."+name, func() error { return rec.instance.Stop(stopCtx) })
	}()
	var hookErr error
	select {
	case hookErr = <-done:
	case <-stopCtx.Done():
		hookErr = fmt.Errorf("stop timeout: %w", stopCtx.Err())
		m.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name))
	}

	_ = rec.transition(StatusStopped)
	if hookErr != nil {
		rec.setError(hookErr.Error())
		m.log.Warn("plugin stop hook failed", logx.String("plugin", name), logx.Err(hookErr))
	}

	m.log.Info("plugin stopped",
		logx.String("plugin", name),
		logx.Duration("took", time.Since(start)),
	)
	return hookErr
}

// Restart records a restart attempt and performs stop followed by start.
// A failure at either step leaves the plugin FAILED.
func (m *Manager) Restart(ctx context.Context, name string) error {
	rec, ok := m.getRecord(name)
	if !ok {
		return fmt.Errorf("plugin %s is not loaded", name)
	}
	rec.health.RecordRestart()
	return m.restart(ctx, name)
}

// restart is the shared stop+start path; callers decide whether the
// attempt counts against the restart budget.
func (m *Manager) restart(ctx context.Context, name string) error {
	defer m.lockPlugin(name)()

	rec, ok := m.getRecord(name)
	if !ok {
		return fmt.Errorf("plugin %s is not loaded", name)
	}

	if rec.currentStatus() == StatusRunning {
		if err := m.stopLocked(ctx, name); err != nil {
			rec.setError(err.Error())
			// Stop already transitioned to STOPPED; a hook failure during
			// restart still counts as a failed restart.
			_ = rec.transition(StatusStarting)
			_ = rec.transition(StatusFailed)
			return fmt.Errorf("restart plugin %s: %w", name, err)
		}
	}
	return m.startLocked(ctx, name)
}

// Unload removes a plugin that is not running: the cleanup hook runs and
// the record (and its instance) is released. Unloading an unknown plugin
// is a no-op.
func (m *Manager) Unload(ctx context.Context, name string) error {
	defer m.lockPlugin(name)()
	return m.unloadLocked(ctx, name)
}

func (m *Manager) unloadLocked(ctx context.Context, name string) error {
	rec, ok := m.getRecord(name)
	if !ok {
		return nil
	}
	switch rec.currentStatus() {
	case StatusRunning, StatusStarting, StatusStopping, StatusLoading:
		return fmt.Errorf("plugin %s cannot unload while %s", name, rec.currentStatus())
	}

	if rec.instance != nil {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("plugin.cleanup."+name, func() error { return rec.instance.Cleanup(cctx) })
		cancel()
		if err != nil {
			m.log.Warn("plugin cleanup failed", logx.String("plugin", name), logx.Err(err))
		}
	}

	_ = rec.transition(StatusUnloaded)
	m.mu.Lock()
	delete(m.records, name)
	delete(m.pctx, name)
	delete(m.pcancel, name)
	m.mu.Unlock()

	m.log.Info("plugin unloaded", logx.String("plugin", name))
	return nil
}

// Enable loads and starts the plugin (recovering FAILED/DISABLED records
// by reloading them) and persists the intent. Idempotent: enabling a
// running plugin only rewrites the state file.
func (m *Manager) Enable(ctx context.Context, name string) error {
	if rec, ok := m.getRecord(name); ok {
		switch rec.currentStatus() {
		case StatusFailed, StatusDisabled:
			if err := m.Unload(ctx, name); err != nil {
				return err
			}
		}
	}

	if err := m.Load(ctx, name); err != nil {
		return err
	}
	if err := m.Start(ctx, name); err != nil {
		return err
	}
	if m.state != nil {
		if err := m.state.Enable(name); err != nil {
			return fmt.Errorf("persist enable of %s: %w", name, err)
		}
	}
	return nil
}

// Disable stops and unloads the plugin and persists the intent so it will
// not auto-start after a process restart. Idempotent.
func (m *Manager) Disable(ctx context.Context, name string) error {
	if rec, ok := m.getRecord(name); ok {
		if rec.currentStatus() == StatusRunning {
			if err := m.Stop(ctx, name); err != nil {
				m.log.Warn("stop during disable failed", logx.String("plugin", name), logx.Err(err))
			}
		}
		if err := m.Unload(ctx, name); err != nil {
			return err
		}
	}
	if m.state != nil {
		if err := m.state.Disable(name); err != nil {
			return fmt.Errorf("persist disable of %s: %w", name, err)
		}
	}
	return nil
}

// resolveOrder builds the dependency order over the currently loaded set.
func (m *Manager) resolveOrder() depgraph.Result {
	m.mu.Lock()
	nodes := make([]depgraph.Node, 0, len(m.records))
	for name, rec := range m.records {
		rec.mu.Lock()
		n := depgraph.Node{Name: name, Priority: int(rec.meta.Priority)}
		for _, d := range rec.meta.Dependencies {
			n.Deps = append(n.Deps, depgraph.Edge{Name: d.Name, Optional: d.Optional})
		}
		rec.mu.Unlock()
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	res := depgraph.Resolve(nodes)
	if len(res.Cycle) > 0 {
		m.log.Warn("dependency cycle detected; cycle members start in name order",
			logx.Any("plugins", res.Cycle),
		)
	}
	return res
}

// StartAll starts every loaded plugin in dependency+priority order,
// continuing past individual failures. The returned map records per-plugin
// success.
func (m *Manager) StartAll(ctx context.Context) map[string]bool {
	res := m.resolveOrder()
	out := make(map[string]bool, len(res.Order))
	for _, name := range res.Order {
		err := m.Start(ctx, name)
		out[name] = err == nil
		if err != nil {
			m.log.Error("start failed; continuing", logx.String("plugin", name), logx.Err(err))
		}
	}
	return out
}

// StopAll stops every running plugin in reverse dependency order.
func (m *Manager) StopAll(ctx context.Context) map[string]bool {
	res := m.resolveOrder()
	out := make(map[string]bool, len(res.Order))
	for _, name := range depgraph.Reverse(res.Order) {
		rec, ok := m.getRecord(name)
		if !ok || rec.currentStatus() != StatusRunning {
			out[name] = true
			continue
		}
		err := m.Stop(ctx, name)
		out[name] = err == nil
	}
	return out
}

// Shutdown stops everything and cancels the base context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.StopAll(ctx)
	m.baseCancel()
}

// Reconcile applies a new per-plugin config table: plugins newly enabled
// are brought up, plugins newly disabled are taken down. Driven by config
// hot reload. Unlike Enable/Disable it never writes the state file: the
// config expresses deployment intent, the state file operator intent, and
// a reload must not overwrite runtime /plugin enable|disable decisions.
func (m *Manager) Reconcile(ctx context.Context, cfgs map[string]PluginConfig) {
	m.SetConfigs(cfgs)
	for _, name := range m.Discover() {
		cfg, present := cfgs[name]
		enabled := present && cfg.Enabled
		rec, loaded := m.getRecord(name)
		running := loaded && rec.currentStatus() == StatusRunning

		switch {
		case enabled && !running && m.ShouldAutoStart(name):
			if loaded {
				// Pick up fresh config (and recover FAILED records) by
				// reloading from scratch.
				if err := m.Unload(ctx, name); err != nil {
					m.log.Error("reconcile unload failed", logx.String("plugin", name), logx.Err(err))
					continue
				}
			}
			if err := m.Load(ctx, name); err != nil {
				m.log.Error("reconcile load failed", logx.String("plugin", name), logx.Err(err))
				continue
			}
			if err := m.Start(ctx, name); err != nil {
				m.log.Error("reconcile start failed", logx.String("plugin", name), logx.Err(err))
			}
		case !enabled && loaded:
			if running {
				if err := m.Stop(ctx, name); err != nil {
					m.log.Warn("reconcile stop failed", logx.String("plugin", name), logx.Err(err))
				}
			}
			if err := m.Unload(ctx, name); err != nil {
				m.log.Error("reconcile unload failed", logx.String("plugin", name), logx.Err(err))
			}
		}
	}
}

// Info returns a snapshot of one plugin, or false if it is not loaded.
func (m *Manager) Info(name string) (Snapshot, bool) {
	rec, ok := m.getRecord(name)
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// All returns snapshots of every loaded plugin keyed by name.
func (m *Manager) All() map[string]Snapshot {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make(map[string]Snapshot, len(recs))
	for _, rec := range recs {
		out[rec.name] = rec.snapshot()
	}
	return out
}

// GetStats summarizes the plugin set.
func (m *Manager) GetStats() Stats {
	all := m.All()
	st := Stats{
		TotalPlugins: len(all),
		PerPlugin:    make(map[string]PluginStats, len(all)),
	}
	for name, snap := range all {
		ps := PluginStats{
			Status:   snap.Status,
			Failures: snap.Health.FailureCount,
			Restarts: snap.Health.RestartCount,
		}
		if snap.StartTime != nil {
			ps.Uptime = time.Since(*snap.StartTime)
		}
		for _, t := range snap.Tasks {
			ps.TaskRuns += t.RunCount
			ps.TaskErrors += t.ErrorCount
		}
		switch snap.Status {
		case StatusRunning:
			st.RunningPlugins++
		case StatusFailed:
			st.FailedPlugins++
		}
		st.PerPlugin[name] = ps
	}
	return st
}

func (m *Manager) getRecord(name string) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}

// safeCall converts panics from plugin-supplied code into errors; nothing
// a plugin does may unwind into the host.
func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
