package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"relaybot/pkg/logx"
)

// loop drives one task: run, record, sleep, repeat. The loop exits only on
// ctx cancellation (Stop/StopAll or the plugin context going away); handler
// failures are recorded and the loop keeps going.
func (s *Service) loop(ctx context.Context, t *task, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.done = nil
		t.mu.Unlock()
		close(done)
		s.log.Debug("task loop stopped", logx.String("task", t.name))
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		started := s.now()
		t.mu.Lock()
		t.lastRun = started
		t.mu.Unlock()

		err := s.safeRun(ctx, t)

		// runCount tallies every invocation; errorCount the failing subset.
		t.mu.Lock()
		t.runCount++
		if err != nil {
			t.errorCount++
			t.lastError = err.Error()
		} else {
			t.lastError = ""
		}
		t.mu.Unlock()

		if err != nil {
			s.log.Warn("task failed",
				logx.String("task", t.name),
				logx.Err(err),
				logx.Duration("took", s.now().Sub(started)),
			)
		}

		// Stop may have disabled the task while the handler ran.
		t.mu.Lock()
		enabled := t.enabled
		t.mu.Unlock()
		if !enabled || ctx.Err() != nil {
			return
		}

		wait, werr := s.waitFor(t)
		if werr != nil {
			// Unreachable for definitions that passed Register; bail out
			// rather than spin.
			s.log.Error("task schedule evaluation failed", logx.String("task", t.name), logx.Err(werr))
			return
		}

		now := s.now()
		t.mu.Lock()
		t.nextRun = now.Add(wait)
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (s *Service) waitFor(t *task) (time.Duration, error) {
	switch t.schedule.Kind {
	case KindInterval:
		return t.schedule.Every, nil
	case KindCron:
		return UntilNextCronRun(t.schedule.Expr, s.now())
	default:
		return 0, fmt.Errorf("unknown schedule kind %d", t.schedule.Kind)
	}
}

// safeRun invokes the handler with panic containment, so a panicking
// handler counts as a failed run instead of taking the process down.
func (s *Service) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in task handler",
				logx.String("task", t.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
		}
	}()
	return t.handler(ctx)
}
