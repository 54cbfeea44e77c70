package scheduler

import (
	"context"
	"sync"
	"time"
)

// Handler is a task body. It may fail or panic; either is counted against
// the task and never stops the loop.
type Handler func(ctx context.Context) error

// Kind discriminates the two schedule shapes.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Schedule is a tagged union: exactly one of Every (interval) or Expr
// (5-field cron) is meaningful, selected by Kind. Use the Interval and Cron
// constructors rather than building it by hand.
type Schedule struct {
	Kind  Kind
	Every time.Duration
	Expr  string
}

// Interval builds a fixed-interval schedule.
func Interval(every time.Duration) Schedule {
	return Schedule{Kind: KindInterval, Every: every}
}

// Cron builds a cron schedule from a 5-field expression.
func Cron(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr}
}

// task is one registered definition plus its mutable run statistics.
// Statistics are guarded by mu; the loop is the only writer, status
// queries take the lock for a consistent read.
type task struct {
	name     string
	schedule Schedule
	handler  Handler

	mu         sync.Mutex
	enabled    bool
	runCount   uint64
	errorCount uint64
	lastRun    time.Time
	nextRun    time.Time
	lastError  string

	// loop lifetime; nil when no loop is alive
	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a read-only snapshot of one task.
type Status struct {
	Name       string
	Kind       Kind
	Every      time.Duration
	Expr       string
	Enabled    bool
	Running    bool // loop currently alive
	RunCount   uint64
	ErrorCount uint64
	LastRun    time.Time
	NextRun    time.Time
	LastError  string
}
