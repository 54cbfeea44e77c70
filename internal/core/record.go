package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/health"
	"relaybot/internal/services/scheduler"
)

// record is the manager's per-plugin state. status and health are mutated
// only by the lifecycle manager and the health-check loop, serialized by
// mu; the running instance is owned exclusively by this record.
type record struct {
	mu sync.Mutex

	name      string
	status    Status
	meta      Metadata
	health    *health.Tracker
	loadTime  time.Time
	startTime *time.Time // non-nil iff status == StatusRunning
	config    json.RawMessage
	instance  Plugin
	tasks     *scheduler.Service

	lastError   string
	lastErrorAt time.Time

	// restartPending guards against the health loop scheduling a second
	// delayed restart while one is already in flight.
	restartPending bool
}

// transition enforces the state machine. An illegal move is a host bug and
// is returned as an error rather than silently applied.
func (r *record) transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *record) transitionLocked(to Status) error {
	if !CanTransition(r.status, to) {
		return fmt.Errorf("plugin %s: illegal transition %s -> %s", r.name, r.status, to)
	}
	r.status = to
	switch to {
	case StatusRunning:
		now := time.Now()
		r.startTime = &now
	case StatusStopping, StatusStopped, StatusFailed, StatusDisabled, StatusUnloaded:
		r.startTime = nil
	}
	return nil
}

func (r *record) currentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *record) setError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.lastErrorAt = time.Now()
	r.mu.Unlock()
}

// Snapshot is a consistent read-only copy of a plugin record.
type Snapshot struct {
	Name        string
	Status      Status
	Meta        Metadata
	Health      health.Snapshot
	LoadTime    time.Time
	StartTime   *time.Time
	LastError   string
	LastErrorAt time.Time
	Tasks       []scheduler.Status
}

func (r *record) snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		Name:        r.name,
		Status:      r.status,
		Meta:        r.meta,
		LoadTime:    r.loadTime,
		LastError:   r.lastError,
		LastErrorAt: r.lastErrorAt,
	}
	if r.startTime != nil {
		t := *r.startTime
		s.StartTime = &t
	}
	tracker := r.health
	tasks := r.tasks
	r.mu.Unlock()

	// Tracker and scheduler snapshots take their own locks; keep them
	// outside the record lock.
	if tracker != nil {
		s.Health = tracker.Snapshot()
	}
	if tasks != nil {
		s.Tasks = tasks.AllStatus()
	}
	return s
}

// Stats summarizes the whole plugin set for status surfaces.
type Stats struct {
	TotalPlugins   int
	RunningPlugins int
	FailedPlugins  int
	PerPlugin      map[string]PluginStats
}

type PluginStats struct {
	Status     Status
	Uptime     time.Duration
	Failures   int
	Restarts   int
	TaskRuns   uint64
	TaskErrors uint64
}
