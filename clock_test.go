package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clockStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSimClockRejectsZeroStart(t *testing.T) {
	_, err := NewSimClock(time.Time{})
	require.ErrorIs(t, err, ErrInvalidTime)
}

func TestSimClockAdvance(t *testing.T) {
	c, err := NewSimClock(clockStart)
	require.NoError(t, err)

	require.NoError(t, c.Advance(60*time.Second))
	assert.Equal(t, clockStart.Add(time.Minute), c.Now())
	assert.Equal(t, time.Minute, c.Elapsed())
	assert.InDelta(t, float64(clockStart.Unix()+60), c.Unix(), 1e-9)

	require.ErrorIs(t, c.Advance(-time.Second), ErrInvalidTime)
}

func TestSimClockAdvanceToRejectsBackwards(t *testing.T) {
	c, err := NewSimClock(clockStart)
	require.NoError(t, err)
	require.NoError(t, c.AdvanceTo(clockStart.Add(time.Hour)))
	require.ErrorIs(t, c.AdvanceTo(clockStart), ErrInvalidTime)
}

func TestSimClockSetAllowsJumps(t *testing.T) {
	c, err := NewSimClock(clockStart)
	require.NoError(t, err)
	require.NoError(t, c.Set(clockStart.Add(2*time.Hour)))
	// Set has no monotonicity check: episode jumps may go backwards.
	require.NoError(t, c.Set(clockStart.Add(time.Hour)))
	assert.Equal(t, clockStart.Add(time.Hour), c.Now())
	require.ErrorIs(t, c.Set(time.Time{}), ErrInvalidTime)
}

func TestSimClockSleepIsCooperative(t *testing.T) {
	c, err := NewSimClock(clockStart)
	require.NoError(t, err)

	var observed []float64
	c.SetStepCallback(func(clk *SimClock, seconds float64) {
		observed = append(observed, seconds)
		// The callback may advance the clock; Sleep itself never does.
		_ = clk.Advance(time.Duration(seconds * float64(time.Second)))
	})

	c.Sleep(10)
	c.Sleep(5)

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalSleeps)
	assert.Equal(t, 15.0, stats.TotalSleepSeconds)
	assert.Equal(t, []float64{10, 5}, observed)
	assert.Equal(t, clockStart.Add(15*time.Second), c.Now())
}

func TestSimClockSleepWithoutCallbackDoesNotAdvance(t *testing.T) {
	c, err := NewSimClock(clockStart)
	require.NoError(t, err)
	c.Sleep(3600)
	assert.Equal(t, clockStart, c.Now())
}
