package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/health"
	"relaybot/internal/statefile"
	"relaybot/pkg/logx"
)

// fakePlugin is a scriptable plugin for manager tests.
type fakePlugin struct {
	meta Metadata

	initErr   error
	startErr  error
	stopErr   error
	healthErr atomic.Value // errVal
	panicIn   string       // hook name that panics

	starts   atomic.Int64
	stops    atomic.Int64
	cleanups atomic.Int64
	probes   atomic.Int64

	onStart func()
}

func newFake(name string, deps ...Dependency) *fakePlugin {
	return &fakePlugin{meta: Metadata{
		Name:         name,
		Version:      "1.0.0",
		Priority:     PriorityNormal,
		Dependencies: deps,
	}}
}

func (f *fakePlugin) Metadata() Metadata { return f.meta }

func (f *fakePlugin) Init(ctx context.Context, deps Deps) error {
	if f.panicIn == "init" {
		panic("init boom")
	}
	return f.initErr
}

func (f *fakePlugin) Start(ctx context.Context) error {
	if f.panicIn == "start" {
		panic("start boom")
	}
	if f.onStart != nil {
		f.onStart()
	}
	f.starts.Add(1)
	return f.startErr
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	f.stops.Add(1)
	return f.stopErr
}

// errVal wraps an error for atomic.Value, which cannot store nil directly.
type errVal struct{ err error }

func (f *fakePlugin) setHealthErr(err error) { f.healthErr.Store(errVal{err}) }

func (f *fakePlugin) HealthCheck(ctx context.Context) error {
	f.probes.Add(1)
	if v, ok := f.healthErr.Load().(errVal); ok {
		return v.err
	}
	return nil
}

func (f *fakePlugin) Cleanup(ctx context.Context) error {
	f.cleanups.Add(1)
	return nil
}

func newTestManager(t *testing.T, plugins ...*fakePlugin) *Manager {
	t.Helper()
	sf, err := statefile.Load(filepath.Join(t.TempDir(), "plugins.json"))
	require.NoError(t, err)
	m := NewManager(Options{
		Log:    logx.Nop(),
		Policy: health.Policy{HeartbeatInterval: time.Second},
		State:  sf,
	})
	for _, p := range plugins {
		p := p
		m.Register(p.meta.Name, func() Plugin { return p })
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestLoadStartStopLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newFake("echo")
	m := newTestManager(t, p)

	require.NoError(t, m.Load(ctx, "echo"))
	snap, ok := m.Info("echo")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, snap.Status)
	assert.Nil(t, snap.StartTime)

	require.NoError(t, m.Start(ctx, "echo"))
	snap, _ = m.Info("echo")
	assert.Equal(t, StatusRunning, snap.Status)
	require.NotNil(t, snap.StartTime)
	assert.EqualValues(t, 1, p.starts.Load())

	require.NoError(t, m.Stop(ctx, "echo"))
	snap, _ = m.Info("echo")
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Nil(t, snap.StartTime)
	assert.EqualValues(t, 1, p.stops.Load())

	require.NoError(t, m.Unload(ctx, "echo"))
	_, ok = m.Info("echo")
	assert.False(t, ok)
	assert.EqualValues(t, 1, p.cleanups.Load())
}

func TestIdempotentOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newFake("echo")
	m := newTestManager(t, p)

	require.NoError(t, m.Load(ctx, "echo"))
	require.NoError(t, m.Load(ctx, "echo"))
	require.NoError(t, m.Start(ctx, "echo"))

	before, _ := m.Info("echo")
	require.NoError(t, m.Start(ctx, "echo"))
	after, _ := m.Info("echo")
	assert.EqualValues(t, 1, p.starts.Load())
	// A redundant start must not reset the uptime clock.
	assert.Equal(t, before.StartTime, after.StartTime)

	require.NoError(t, m.Stop(ctx, "echo"))
	require.NoError(t, m.Stop(ctx, "echo"))
	assert.EqualValues(t, 1, p.stops.Load())

	require.NoError(t, m.Unload(ctx, "echo"))
	require.NoError(t, m.Unload(ctx, "echo"))
}

func TestLoadUnknownPlugin(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	err := m.Load(context.Background(), "ghost")
	assert.ErrorContains(t, err, "unknown plugin")
}

func TestInitFailureMarksFailed(t *testing.T) {
	t.Parallel()
	p := newFake("bad")
	p.initErr = errors.New("no database")
	m := newTestManager(t, p)

	err := m.Load(context.Background(), "bad")
	require.Error(t, err)
	snap, ok := m.Info("bad")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.LastError, "no database")
}

func TestStartPanicContained(t *testing.T) {
	t.Parallel()
	p := newFake("boomer")
	p.panicIn = "start"
	m := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx, "boomer"))
	err := m.Start(ctx, "boomer")
	require.ErrorContains(t, err, "panic")
	snap, _ := m.Info("boomer")
	assert.Equal(t, StatusFailed, snap.Status)
}

func TestStartRequiresDependencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newFake("a", Dependency{Name: "b"})
	b := newFake("b")
	m := newTestManager(t, a, b)

	require.NoError(t, m.Load(ctx, "a"))
	require.NoError(t, m.Load(ctx, "b"))

	err := m.Start(ctx, "a")
	require.ErrorContains(t, err, "missing dependencies")
	snap, _ := m.Info("a")
	assert.Equal(t, StatusLoaded, snap.Status, "a dep failure must not burn the record")

	require.NoError(t, m.Start(ctx, "b"))
	require.NoError(t, m.Start(ctx, "a"))
}

func TestOptionalDependencyDoesNotBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newFake("a", Dependency{Name: "b", Optional: true})
	m := newTestManager(t, a)

	require.NoError(t, m.Load(ctx, "a"))
	require.NoError(t, m.Start(ctx, "a"))
}

func TestStartAllOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	track := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	base := newFake("base")
	base.meta.Priority = PriorityCritical
	base.onStart = track("base")
	mid := newFake("mid", Dependency{Name: "base"})
	mid.onStart = track("mid")
	top := newFake("top", Dependency{Name: "mid"})
	top.meta.Priority = PriorityLow
	top.onStart = track("top")

	m := newTestManager(t, top, base, mid)
	for _, n := range []string{"top", "base", "mid"} {
		require.NoError(t, m.Load(ctx, n))
	}

	res := m.StartAll(ctx)
	assert.Equal(t, map[string]bool{"base": true, "mid": true, "top": true}, res)
	assert.Equal(t, []string{"base", "mid", "top"}, order)

	stopped := m.StopAll(ctx)
	assert.Equal(t, map[string]bool{"base": true, "mid": true, "top": true}, stopped)
	for _, n := range []string{"top", "mid", "base"} {
		snap, _ := m.Info(n)
		assert.Equal(t, StatusStopped, snap.Status, n)
	}
}

func TestStartAllContinuesPastFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bad := newFake("bad")
	bad.startErr = errors.New("bind: address in use")
	good := newFake("good")
	m := newTestManager(t, bad, good)

	require.NoError(t, m.Load(ctx, "bad"))
	require.NoError(t, m.Load(ctx, "good"))

	res := m.StartAll(ctx)
	assert.False(t, res["bad"])
	assert.True(t, res["good"])

	snap, _ := m.Info("good")
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestUnloadRunningRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newFake("echo")
	m := newTestManager(t, p)

	require.NoError(t, m.Load(ctx, "echo"))
	require.NoError(t, m.Start(ctx, "echo"))
	err := m.Unload(ctx, "echo")
	assert.ErrorContains(t, err, "cannot unload")
}

func TestRestartCountsAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newFake("echo")
	m := newTestManager(t, p)

	require.NoError(t, m.Load(ctx, "echo"))
	require.NoError(t, m.Start(ctx, "echo"))
	require.NoError(t, m.Restart(ctx, "echo"))

	snap, _ := m.Info("echo")
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 1, snap.Health.RestartCount)
	assert.EqualValues(t, 2, p.starts.Load())
	assert.EqualValues(t, 1, p.stops.Load())
}

func TestEnableDisablePersistIntent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newFake("echo")
	m := newTestManager(t, p)

	require.NoError(t, m.Enable(ctx, "echo"))
	snap, _ := m.Info("echo")
	assert.Equal(t, StatusRunning, snap.Status)
	assert.True(t, m.ShouldAutoStart("echo"))

	require.NoError(t, m.Disable(ctx, "echo"))
	_, loaded := m.Info("echo")
	assert.False(t, loaded)
	assert.False(t, m.ShouldAutoStart("echo"))

	require.NoError(t, m.Enable(ctx, "echo"))
	assert.True(t, m.ShouldAutoStart("echo"))
	snap, _ = m.Info("echo")
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestEnableRecoversFailedPlugin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newFake("flaky")
	p.startErr = errors.New("cold start")
	m := newTestManager(t, p)

	require.NoError(t, m.Load(ctx, "flaky"))
	require.Error(t, m.Start(ctx, "flaky"))
	snap, _ := m.Info("flaky")
	require.Equal(t, StatusFailed, snap.Status)

	p.startErr = nil
	require.NoError(t, m.Enable(ctx, "flaky"))
	snap, _ = m.Info("flaky")
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	run := newFake("run")
	fail := newFake("fail")
	fail.startErr = errors.New("nope")
	m := newTestManager(t, run, fail)

	require.NoError(t, m.Load(ctx, "run"))
	require.NoError(t, m.Load(ctx, "fail"))
	require.NoError(t, m.Start(ctx, "run"))
	require.Error(t, m.Start(ctx, "fail"))

	st := m.GetStats()
	assert.Equal(t, 2, st.TotalPlugins)
	assert.Equal(t, 1, st.RunningPlugins)
	assert.Equal(t, 1, st.FailedPlugins)
	assert.Greater(t, st.PerPlugin["run"].Uptime, time.Duration(0))
	assert.Equal(t, StatusFailed, st.PerPlugin["fail"].Status)
}

func TestDiscoverSorted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newFake("zeta"), newFake("alpha"), newFake("mid"))
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.Discover())
}

func TestReconcileAppliesEnableFlags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newFake("a")
	b := newFake("b")
	m := newTestManager(t, a, b)

	m.Reconcile(ctx, map[string]PluginConfig{
		"a": {Enabled: true},
		"b": {Enabled: false},
	})
	snap, ok := m.Info("a")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, snap.Status)
	_, ok = m.Info("b")
	assert.False(t, ok)

	m.Reconcile(ctx, map[string]PluginConfig{
		"a": {Enabled: false},
		"b": {Enabled: true},
	})
	_, ok = m.Info("a")
	assert.False(t, ok)
	snap, ok = m.Info("b")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, snap.Status)
}
