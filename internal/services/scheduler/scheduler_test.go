package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/pkg/logx"
)

func newTestService() *Service { return New(logx.Nop()) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within", timeout)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := newTestService()
	noop := func(ctx context.Context) error { return nil }

	cases := []struct {
		name  string
		tname string
		h     Handler
		sched Schedule
	}{
		{"empty name", "", noop, Interval(time.Second)},
		{"nil handler", "a", nil, Interval(time.Second)},
		{"zero interval", "b", noop, Interval(0)},
		{"negative interval", "c", noop, Interval(-time.Second)},
		{"bad cron", "d", noop, Cron("61 * * * *")},
		{"empty cron", "e", noop, Cron("")},
		{"both kinds set", "f", noop, Schedule{Kind: KindInterval, Every: time.Second, Expr: "* * * * *"}},
		{"cron with interval", "g", noop, Schedule{Kind: KindCron, Expr: "* * * * *", Every: time.Second}},
	}
	for _, tc := range cases {
		err := s.Register(tc.tname, tc.h, tc.sched)
		require.Error(t, err, tc.name)
		assert.ErrorIs(t, err, ErrBadSchedule, tc.name)
	}

	require.NoError(t, s.Register("ok-interval", noop, Interval(time.Second)))
	require.NoError(t, s.Register("ok-cron", noop, Cron("*/5 * * * *")))

	err := s.Register("ok-interval", noop, Interval(time.Second))
	assert.ErrorIs(t, err, ErrBadSchedule, "duplicate name")
}

func TestIntervalTaskRunsAndCounts(t *testing.T) {
	t.Parallel()
	s := newTestService()
	var runs atomic.Int64
	require.NoError(t, s.Register("tick", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Interval(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartAll(ctx)

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })

	st, ok := s.Status("tick")
	require.True(t, ok)
	assert.True(t, st.Running)
	assert.True(t, st.Enabled)
	assert.GreaterOrEqual(t, st.RunCount, uint64(3))
	assert.Zero(t, st.ErrorCount)
	assert.False(t, st.LastRun.IsZero())
	assert.False(t, st.NextRun.IsZero())

	s.StopAll()
}

func TestHandlerFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	s := newTestService()
	var calls atomic.Int64
	require.NoError(t, s.Register("flaky", func(ctx context.Context) error {
		n := calls.Add(1)
		if n <= 2 {
			return errors.New("transient")
		}
		return nil
	}, Interval(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartAll(ctx)

	waitFor(t, 2*time.Second, func() bool {
		st, _ := s.Status("flaky")
		return st.RunCount >= 3 && st.ErrorCount == 2
	})

	st, _ := s.Status("flaky")
	assert.True(t, st.Running, "loop must survive handler failures")
	assert.Empty(t, st.LastError, "cleared after a successful run")

	s.StopAll()
}

func TestRunCountIncludesFailedRuns(t *testing.T) {
	t.Parallel()
	s := newTestService()
	require.NoError(t, s.Register("doomed", func(ctx context.Context) error {
		return errors.New("always")
	}, Interval(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartAll(ctx)

	// Every invocation counts toward RunCount; the failures additionally
	// land in ErrorCount. A task failing every time still shows progress.
	waitFor(t, 2*time.Second, func() bool {
		st, _ := s.Status("doomed")
		return st.RunCount >= 3
	})

	st, _ := s.Status("doomed")
	assert.Equal(t, st.RunCount, st.ErrorCount)
	assert.Equal(t, "always", st.LastError)
	assert.True(t, st.Running)

	s.StopAll()
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()
	s := newTestService()
	var calls atomic.Int64
	require.NoError(t, s.Register("boom", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return nil
	}, Interval(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartAll(ctx)

	waitFor(t, 2*time.Second, func() bool {
		st, _ := s.Status("boom")
		return st.RunCount >= 1 && st.ErrorCount == 1
	})

	st, _ := s.Status("boom")
	assert.True(t, st.Running)

	s.StopAll()
}

func TestStopAllCancelsSleepPromptly(t *testing.T) {
	t.Parallel()
	s := newTestService()
	var runs atomic.Int64
	// Long interval: without cancellable sleep StopAll would block for an hour.
	require.NoError(t, s.Register("sleepy", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Interval(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartAll(ctx)

	waitFor(t, time.Second, func() bool { return runs.Load() >= 1 })

	done := make(chan struct{})
	go func() {
		s.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("StopAll did not cancel the sleeping loop")
	}

	before := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, runs.Load(), "no executions after StopAll returns")

	st, _ := s.Status("sleepy")
	assert.False(t, st.Running)
	assert.False(t, st.Enabled)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService()
	var runs atomic.Int64
	require.NoError(t, s.Register("once", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Interval(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, "once"))
	require.NoError(t, s.Start(ctx, "once"))
	require.NoError(t, s.Start(ctx, "once"))

	waitFor(t, time.Second, func() bool { return runs.Load() >= 1 })
	// A second loop would have produced a second immediate run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())

	s.StopAll()
}

func TestStopUnknownTask(t *testing.T) {
	t.Parallel()
	s := newTestService()
	assert.Error(t, s.Stop("ghost"))
	assert.Error(t, s.Start(context.Background(), "ghost"))
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	s := newTestService()
	var runs atomic.Int64
	require.NoError(t, s.Register("cycle", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Interval(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.StartAll(ctx)
	waitFor(t, time.Second, func() bool { return runs.Load() >= 1 })
	s.StopAll()

	mark := runs.Load()
	s.StartAll(ctx)
	waitFor(t, time.Second, func() bool { return runs.Load() > mark })
	s.StopAll()
}

func TestAllStatusSorted(t *testing.T) {
	t.Parallel()
	s := newTestService()
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register("zulu", noop, Interval(time.Hour)))
	require.NoError(t, s.Register("alpha", noop, Cron("0 0 * * *")))

	all := s.AllStatus()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, KindCron, all[0].Kind)
	assert.Equal(t, "zulu", all[1].Name)
	assert.Equal(t, KindInterval, all[1].Kind)
}
