package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 */2 * * *",
		"30 4 * * *",
		"0 0 1 1 0",
	}
	for _, expr := range valid {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{
		"",
		"* * * *",        // 4 fields
		"* * * * * *",    // 6 fields
		"61 * * * *",     // minute out of range
		"* 25 * * *",     // hour out of range
		"@hourly",        // descriptors rejected
		"not a schedule", // garbage
	}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestNextCronRun(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 8, 25, 10, 2, 30, 0, time.UTC)

	next, err := NextCronRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC), next)

	next, err = NextCronRun("0 */2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), next)

	// An expression matching "now" still returns a strictly future time.
	onBoundary := time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC)
	next, err = NextCronRun("*/5 * * * *", onBoundary)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 10, 0, 0, time.UTC), next)
}

func TestUntilNextCronRunFloorsAtOneSecond(t *testing.T) {
	t.Parallel()
	// 400ms before the boundary: raw delta is sub-second, floored to 1s.
	from := time.Date(2026, 8, 25, 10, 4, 59, 600_000_000, time.UTC)
	d, err := UntilNextCronRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	from = time.Date(2026, 8, 25, 10, 2, 0, 0, time.UTC)
	d, err = UntilNextCronRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, d)
}
