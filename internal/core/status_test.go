package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "disabled", StatusDisabled.String())
	assert.Equal(t, "status(42)", Status(42).String())
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusUnloaded, StatusLoading},
		{StatusLoading, StatusLoaded},
		{StatusLoading, StatusFailed},
		{StatusLoaded, StatusStarting},
		{StatusLoaded, StatusUnloaded},
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusFailed},
		{StatusRunning, StatusStopping},
		{StatusRunning, StatusFailed},
		{StatusStopping, StatusStopped},
		{StatusStopping, StatusFailed},
		{StatusStopped, StatusStarting},
		{StatusStopped, StatusUnloaded},
		{StatusFailed, StatusDisabled},
		{StatusFailed, StatusUnloaded},
		{StatusDisabled, StatusUnloaded},
	}
	allow := map[[2]Status]bool{}
	for _, tr := range allowed {
		allow[[2]Status{tr.from, tr.to}] = true
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	// Everything not listed is illegal, including self-transitions and the
	// tempting shortcuts (RUNNING -> STARTING, LOADED -> RUNNING).
	states := []Status{
		StatusUnloaded, StatusLoading, StatusLoaded, StatusStarting,
		StatusRunning, StatusStopping, StatusStopped, StatusFailed, StatusDisabled,
	}
	for _, from := range states {
		for _, to := range states {
			if allow[[2]Status{from, to}] {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s must be illegal", from, to)
		}
	}
}

func TestRecordTransitionTracksStartTime(t *testing.T) {
	t.Parallel()
	r := &record{name: "x", status: StatusUnloaded}

	assert.NoError(t, r.transition(StatusLoading))
	assert.NoError(t, r.transition(StatusLoaded))
	assert.NoError(t, r.transition(StatusStarting))
	assert.Nil(t, r.startTime)

	assert.NoError(t, r.transition(StatusRunning))
	assert.NotNil(t, r.startTime)

	assert.NoError(t, r.transition(StatusStopping))
	assert.Nil(t, r.startTime)
	assert.NoError(t, r.transition(StatusStopped))

	err := r.transition(StatusRunning)
	assert.Error(t, err)
	assert.Equal(t, StatusStopped, r.currentStatus())
}
