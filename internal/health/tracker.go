// Package health tracks per-plugin probe outcomes and decides when a
// plugin should be restarted or permanently disabled.
package health

import (
	"sync"
	"time"
)

// Policy carries the knobs for the restart/backoff decision.
// Zero fields are filled by defaults.
type Policy struct {
	// MaxFailures is the failure budget: once failureCount reaches it the
	// plugin is considered unhealthy.
	MaxFailures int
	// MaxRestarts is the restart budget: once restartCount reaches it no
	// further restart is attempted and the plugin is disabled.
	MaxRestarts int
	// HeartbeatInterval is the expected probe cadence; a heartbeat older
	// than twice this interval marks the plugin unhealthy.
	HeartbeatInterval time.Duration
	// RestartBackoffBase is the delay before the first restart attempt.
	RestartBackoffBase time.Duration
	// MaxBackoff caps the exponential restart delay.
	MaxBackoff time.Duration
	// SuccessThreshold is the number of consecutive successful probes
	// required before the failure counter resets to zero.
	SuccessThreshold int
}

// WithDefaults returns the policy with zero fields replaced by defaults.
func (p Policy) WithDefaults() Policy {
	if p.MaxFailures <= 0 {
		p.MaxFailures = 3
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 3
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 30 * time.Second
	}
	if p.RestartBackoffBase <= 0 {
		p.RestartBackoffBase = 5 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Minute
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 3
	}
	return p
}

// Tracker is the health record of one plugin. It is mutated by the
// health-check loop and by restart bookkeeping; all methods are safe for
// concurrent use.
type Tracker struct {
	mu     sync.Mutex
	policy Policy
	now    func() time.Time

	lastHeartbeat time.Time
	failureCount  int
	restartCount  int
	consecutive   int
	lastError     string
	lastErrorAt   time.Time
}

func NewTracker(p Policy) *Tracker {
	t := &Tracker{policy: p.WithDefaults(), now: time.Now}
	t.lastHeartbeat = t.now()
	return t
}

// SetClock replaces the time source; tests use this to control staleness.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.lastHeartbeat = now()
	t.mu.Unlock()
}

// RecordFailure notes a failed probe (or a failure reported by the plugin
// itself). It resets the consecutive-success counter immediately.
func (t *Tracker) RecordFailure(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureCount++
	t.consecutive = 0
	t.lastError = msg
	t.lastErrorAt = t.now()
}

// RecordSuccess notes a successful probe. Once SuccessThreshold consecutive
// successes accumulate, the failure counter resets to zero; the consecutive
// counter keeps counting past the threshold rather than wrapping.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	if t.consecutive >= t.policy.SuccessThreshold {
		t.failureCount = 0
	}
}

// Heartbeat refreshes the liveness timestamp.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	t.lastHeartbeat = t.now()
	t.mu.Unlock()
}

// RecordRestart notes a restart attempt.
func (t *Tracker) RecordRestart() {
	t.mu.Lock()
	t.restartCount++
	t.mu.Unlock()
}

// Reset clears failure state after a clean (re)start. The restart counter
// is intentionally preserved: the restart budget spans the plugin's whole
// loaded life, not a single healthy stretch.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.failureCount = 0
	t.consecutive = 0
	t.lastError = ""
	t.lastErrorAt = time.Time{}
	t.lastHeartbeat = t.now()
	t.mu.Unlock()
}

// IsHealthy reports whether the plugin is currently considered healthy:
// failure budget not exhausted, restart budget not exhausted, and a
// heartbeat fresher than twice the heartbeat interval.
func (t *Tracker) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failureCount >= t.policy.MaxFailures {
		return false
	}
	if t.restartCount >= t.policy.MaxRestarts {
		return false
	}
	return t.now().Sub(t.lastHeartbeat) < 2*t.policy.HeartbeatInterval
}

// ShouldAttemptRestart reports whether the restart budget allows another try.
func (t *Tracker) ShouldAttemptRestart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restartCount < t.policy.MaxRestarts
}

// RestartDelay returns min(base·2^(r−1), maxBackoff) where r is the number
// of restarts recorded so far (clamped to at least 1).
func (t *Tracker) RestartDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.restartCount
	if r < 1 {
		r = 1
	}
	d := t.policy.RestartBackoffBase
	for i := 1; i < r; i++ {
		d *= 2
		if d >= t.policy.MaxBackoff {
			return t.policy.MaxBackoff
		}
	}
	if d > t.policy.MaxBackoff {
		return t.policy.MaxBackoff
	}
	return d
}

// Snapshot is a consistent copy of the tracker state for status queries.
type Snapshot struct {
	LastHeartbeat        time.Time
	FailureCount         int
	RestartCount         int
	ConsecutiveSuccesses int
	LastError            string
	LastErrorAt          time.Time
	Healthy              bool
}

func (t *Tracker) Snapshot() Snapshot {
	healthy := t.IsHealthy()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		LastHeartbeat:        t.lastHeartbeat,
		FailureCount:         t.failureCount,
		RestartCount:         t.restartCount,
		ConsecutiveSuccesses: t.consecutive,
		LastError:            t.lastError,
		LastErrorAt:          t.lastErrorAt,
		Healthy:              healthy,
	}
}
