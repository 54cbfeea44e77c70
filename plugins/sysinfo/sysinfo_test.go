package sysinfo

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/core"
	"relaybot/internal/services/scheduler"
	"relaybot/pkg/logx"
	"relaybot/pkg/store"
)

func testDeps(t *testing.T, raw string) (core.Deps, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "kv.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return core.Deps{
		Logger: logx.Nop(),
		Tasks:  scheduler.New(logx.Nop()),
		KV:     s.Namespace("sysinfo"),
		Config: json.RawMessage(raw),
	}, s
}

func TestSamplePersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	deps, s := testDeps(t, `{"interval":"1m"}`)

	p := New().(*Plugin)
	require.NoError(t, p.Init(ctx, deps))
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.sample(ctx))

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Positive(t, latest.Goroutines)
	assert.Positive(t, latest.HeapAlloc)

	raw, found, err := s.Namespace("sysinfo").Get(ctx, sampleKey)
	require.NoError(t, err)
	require.True(t, found)
	var stored Sample
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, latest.Goroutines, stored.Goroutines)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestSampleWithoutStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  scheduler.New(logx.Nop()),
		KV:     (*store.Store)(nil).Namespace("sysinfo"),
	}
	require.NoError(t, p.Init(ctx, deps))
	require.NoError(t, p.Start(ctx))

	// A disabled store is not a sampling failure.
	require.NoError(t, p.sample(ctx))
	_, ok := p.Latest()
	assert.True(t, ok)
	assert.NoError(t, p.HealthCheck(ctx))
}

func TestHealthCheckStaleness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  scheduler.New(logx.Nop()),
		KV:     (*store.Store)(nil).Namespace("sysinfo"),
		Config: json.RawMessage(`{"interval":"10ms"}`),
	}
	require.NoError(t, p.Init(ctx, deps))
	require.NoError(t, p.Start(ctx))

	// No sample yet, inside the grace window.
	assert.NoError(t, p.HealthCheck(ctx))

	// Still no sample after three intervals: stalled.
	time.Sleep(50 * time.Millisecond)
	assert.Error(t, p.HealthCheck(ctx))

	// A fresh sample clears it until it ages out again.
	require.NoError(t, p.sample(ctx))
	assert.NoError(t, p.HealthCheck(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Error(t, p.HealthCheck(ctx))
}

type captureNotifier struct{ msgs []string }

func (n *captureNotifier) SendText(ctx context.Context, text string) error {
	n.msgs = append(n.msgs, text)
	return nil
}

func TestReportCron(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notify := &captureNotifier{}
	tasks := scheduler.New(logx.Nop())
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  tasks,
		KV:     (*store.Store)(nil).Namespace("sysinfo"),
		Notify: notify,
		Config: json.RawMessage(`{"report_cron":"0 9 * * *"}`),
	}
	require.NoError(t, p.Init(ctx, deps))
	require.NoError(t, p.Start(ctx))
	assert.Len(t, tasks.AllStatus(), 2)

	// Nothing sampled yet: the report stays quiet.
	require.NoError(t, p.report(ctx))
	assert.Empty(t, notify.msgs)

	require.NoError(t, p.sample(ctx))
	require.NoError(t, p.report(ctx))
	require.Len(t, notify.msgs, 1)
	assert.Contains(t, notify.msgs[0], "goroutines")
}

func TestReportCronRejectsBadExpression(t *testing.T) {
	t.Parallel()
	p := New().(*Plugin)
	deps := core.Deps{
		Logger: logx.Nop(),
		Tasks:  scheduler.New(logx.Nop()),
		KV:     (*store.Store)(nil).Namespace("sysinfo"),
		Config: json.RawMessage(`{"report_cron":"not a cron"}`),
	}
	assert.Error(t, p.Init(context.Background(), deps))
}

func TestMetadata(t *testing.T) {
	t.Parallel()
	meta := New().Metadata()
	assert.Equal(t, "sysinfo", meta.Name)
	assert.Equal(t, core.PriorityHigh, meta.Priority)
	assert.Empty(t, meta.Dependencies)
}
