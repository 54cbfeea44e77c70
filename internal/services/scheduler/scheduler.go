// Package scheduler runs the timed background tasks of a single plugin.
//
// Each registered task owns one persistent goroutine loop; loops are
// started when the plugin reaches RUNNING and cancelled before it leaves.
// A handler failure is counted and the loop continues; only Stop/StopAll
// (or the plugin context) terminates a loop, and the inter-run sleep is
// cancellable so stopping never waits out a full period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybot/pkg/logx"
)

// ErrBadSchedule marks a task definition rejected at registration time.
var ErrBadSchedule = errors.New("invalid task schedule")

// Service is the per-plugin task registry and executor.
type Service struct {
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
}

func New(log logx.Logger) *Service {
	return &Service{log: log, now: time.Now, tasks: map[string]*task{}}
}

// SetClock replaces the time source used for run bookkeeping (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register adds a task definition. Exactly one schedule shape must be
// given: a positive interval or a parseable 5-field cron expression.
// Invalid definitions fail here, never at run time. Tasks are enabled on
// registration and start when StartAll runs.
func (s *Service) Register(name string, handler Handler, sched Schedule) error {
	if name == "" {
		return fmt.Errorf("%w: empty task name", ErrBadSchedule)
	}
	if handler == nil {
		return fmt.Errorf("%w: task %s has no handler", ErrBadSchedule, name)
	}
	switch sched.Kind {
	case KindInterval:
		if sched.Every <= 0 {
			return fmt.Errorf("%w: task %s: interval must be positive, got %s", ErrBadSchedule, name, sched.Every)
		}
		if sched.Expr != "" {
			return fmt.Errorf("%w: task %s: interval and cron are mutually exclusive", ErrBadSchedule, name)
		}
	case KindCron:
		if sched.Every != 0 {
			return fmt.Errorf("%w: task %s: interval and cron are mutually exclusive", ErrBadSchedule, name)
		}
		if _, err := ParseCron(sched.Expr); err != nil {
			return fmt.Errorf("%w: task %s: %v", ErrBadSchedule, name, err)
		}
	default:
		return fmt.Errorf("%w: task %s: unknown schedule kind", ErrBadSchedule, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("%w: task %s already registered", ErrBadSchedule, name)
	}
	s.tasks[name] = &task{name: name, schedule: sched, handler: handler, enabled: true}
	return nil
}

// Start launches the loop for one task. Starting an already-running task is
// a no-op. The loop lives until Stop/StopAll or ctx cancellation.
func (s *Service) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not registered", name)
	}
	s.startTask(ctx, t)
	return nil
}

// StartAll launches loops for every enabled task.
func (s *Service) StartAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()

	for _, t := range all {
		s.startTask(ctx, t)
	}
}

func (s *Service) startTask(ctx context.Context, t *task) {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return
	}
	t.enabled = true
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	s.log.Debug("task loop starting",
		logx.String("task", t.name),
		logx.String("kind", t.schedule.Kind.String()),
	)
	go s.loop(loopCtx, t, done)
}

// Stop disables one task, cancels its loop, and waits for the loop to exit.
// Stopping a task that is not running is a no-op.
func (s *Service) Stop(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not registered", name)
	}
	s.stopTask(t)
	return nil
}

// StopAll disables and cancels every task loop and waits for all of them to
// exit. When it returns, no task runs again until a new StartAll.
func (s *Service) StopAll() {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()

	// Cancel everything first so slow sleepers wake concurrently,
	// then await each loop.
	for _, t := range all {
		t.mu.Lock()
		t.enabled = false
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
	}
	for _, t := range all {
		t.mu.Lock()
		done := t.done
		t.mu.Unlock()
		if done != nil {
			<-done
		}
	}
}

func (s *Service) stopTask(t *task) {
	t.mu.Lock()
	t.enabled = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of one task.
func (s *Service) Status(name string) (Status, bool) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return t.status(), true
}

// AllStatus returns snapshots of every registered task, name-sorted.
func (s *Service) AllStatus() []Status {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, t := range all {
		out = append(out, t.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *task) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Name:       t.name,
		Kind:       t.schedule.Kind,
		Every:      t.schedule.Every,
		Expr:       t.schedule.Expr,
		Enabled:    t.enabled,
		Running:    t.done != nil,
		RunCount:   t.runCount,
		ErrorCount: t.errorCount,
		LastRun:    t.lastRun,
		NextRun:    t.nextRun,
		LastError:  t.lastError,
	}
}
