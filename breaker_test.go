package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*APICircuitBreaker, *SimClock) {
	t.Helper()
	clock, err := NewSimClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return NewAPICircuitBreaker(clock, 5, 2, 60*time.Second, "test_api"), clock
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.RecordFailure(false)
		assert.Equal(t, BreakerClosed, b.State())
	}
	b.RecordFailure(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 1, b.OpenCount())

	err := b.CanExecute()
	require.Error(t, err)
	assert.Equal(t, KindCircuitOpen, kindOf(err))
	assert.True(t, isOperational(err))
}

func TestBreakerFastTripsOnRateLimits(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.RecordFailure(true)
	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure(true)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerSuccessResetsCounters(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.RecordFailure(false)
	}
	b.RecordSuccess()
	// Counter reset: four more failures are not enough to open.
	for i := 0; i < 4; i++ {
		b.RecordFailure(false)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeLifecycle(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}
	require.Equal(t, BreakerOpen, b.State())

	// Cooldown not elapsed: still rejecting.
	require.Error(t, b.CanExecute())

	// Cooldown elapsed on the sim clock: exactly one probe admitted.
	require.NoError(t, clock.Advance(61*time.Second))
	require.NoError(t, b.CanExecute())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Probe success closes and resets.
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	info := b.Info()
	assert.Equal(t, 0, info.FailureCount)
	assert.Equal(t, 0, info.RateLimitCount)
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}
	require.NoError(t, clock.Advance(61*time.Second))
	require.NoError(t, b.CanExecute())
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2, b.OpenCount())
	require.Error(t, b.CanExecute())
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.ForceOpen()
	assert.Equal(t, BreakerOpen, b.State())
	b.ForceClose()
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.CanExecute())
}
