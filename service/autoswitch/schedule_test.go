package autoswitch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronFields(t *testing.T) {
	t.Parallel()

	at := func(min, hour, day int, month time.Month) time.Time {
		return time.Date(2024, month, day, hour, min, 0, 0, time.Local)
	}

	spec, err := ParseCron("*/15 * * * *")
	require.NoError(t, err)
	assert.True(t, spec.Matches(at(0, 9, 4, time.March)))
	assert.True(t, spec.Matches(at(45, 9, 4, time.March)))
	assert.False(t, spec.Matches(at(20, 9, 4, time.March)))

	spec, err = ParseCron("30 8-17 * * 1-5")
	require.NoError(t, err)
	assert.True(t, spec.Matches(at(30, 9, 4, time.March)), "monday in working hours")
	assert.False(t, spec.Matches(at(30, 19, 4, time.March)), "after hours")
	assert.False(t, spec.Matches(at(30, 9, 3, time.March)), "sunday")

	spec, err = ParseCron("0 0 1,15 * *")
	require.NoError(t, err)
	assert.True(t, spec.Matches(at(0, 0, 1, time.March)))
	assert.True(t, spec.Matches(at(0, 0, 15, time.March)))
	assert.False(t, spec.Matches(at(0, 0, 2, time.March)))

	// Both 0 and 7 mean Sunday.
	for _, expr := range []string{"0 12 * * 0", "0 12 * * 7"} {
		spec, err = ParseCron(expr)
		require.NoError(t, err)
		assert.True(t, spec.Matches(at(0, 12, 3, time.March)), expr)
	}

	spec, err = ParseCron("0 */6 * 6-8 *")
	require.NoError(t, err)
	assert.True(t, spec.Matches(at(0, 6, 10, time.July)))
	assert.False(t, spec.Matches(at(0, 6, 10, time.March)))
	assert.False(t, spec.Matches(at(0, 7, 10, time.July)))
}

func TestParseCronErrors(t *testing.T) {
	t.Parallel()

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"61 * * * *",
		"* 25 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"10-5 * * * *",
		"*/0 * * * *",
		"x * * * *",
	}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		assert.Error(t, err, "expr %q", expr)
	}
}
