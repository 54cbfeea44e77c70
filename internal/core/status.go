package core

import "fmt"

// Status is a plugin's position in its lifecycle state machine.
//
// The happy path is
//
//	Unloaded → Loading → Loaded → Starting → Running → Stopping → Stopped
//
// Failed is reachable from Loading, Starting and Running on any
// unrecoverable error. Disabled is reachable only from Failed, once the
// restart budget is exhausted. Restarts never jump Running → Starting;
// they go through Stopping → Stopped → Starting.
type Status int

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusLoaded
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	case StatusDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var validTransitions = map[Status][]Status{
	StatusUnloaded: {StatusLoading},
	StatusLoading:  {StatusLoaded, StatusFailed},
	StatusLoaded:   {StatusStarting, StatusUnloaded},
	StatusStarting: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped, StatusFailed},
	StatusStopped:  {StatusStarting, StatusUnloaded},
	StatusFailed:   {StatusDisabled, StatusUnloaded},
	StatusDisabled: {StatusUnloaded},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
