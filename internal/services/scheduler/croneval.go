package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the classic 5-field form (minute hour dom month dow),
// including "*" and "*/N" steps. Descriptors like "@hourly" are rejected so
// task schedules stay in one uniform shape.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextCronRun returns the first timestamp strictly after from that matches
// the expression.
func NextCronRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// UntilNextCronRun returns the wait from now until the next trigger,
// floored at one second to avoid busy-looping on boundary timestamps.
func UntilNextCronRun(expr string, from time.Time) (time.Duration, error) {
	next, err := NextCronRun(expr, from)
	if err != nil {
		return 0, err
	}
	d := next.Sub(from)
	if d < time.Second {
		d = time.Second
	}
	return d, nil
}
