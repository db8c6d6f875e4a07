package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultInjectorWindowsAndKinds(t *testing.T) {
	start := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)
	inj, err := NewFaultInjector([]FaultSpec{
		{Start: start, End: start.Add(2 * time.Minute), Kind: FaultTimeout,
			AffectedMethods: []string{"PlaceFuturesOrder", "GetAllFuturesPositions"}},
		{Start: start.Add(time.Hour), End: start.Add(time.Hour + 30*time.Second), Kind: FaultRateLimit},
	}, 1)
	require.NoError(t, err)

	// Before any window: nothing.
	require.NoError(t, inj.MaybeInject("PlaceFuturesOrder", start.Add(-time.Second)))

	// Inside the first window, listed method.
	err = inj.MaybeInject("PlaceFuturesOrder", start.Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, KindOperational, kindOf(err))

	// Inside the first window, unlisted method: passes through.
	require.NoError(t, inj.MaybeInject("GetTicker", start.Add(time.Minute)))

	// Second window has no method filter: everything faults.
	err = inj.MaybeInject("GetTicker", start.Add(time.Hour+10*time.Second))
	require.Error(t, err)
	assert.Equal(t, KindRateLimit, kindOf(err))

	// After both windows: nothing.
	require.NoError(t, inj.MaybeInject("GetTicker", start.Add(2*time.Hour)))

	stats := inj.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByKind[FaultTimeout])
	assert.Equal(t, 1, stats.ByKind[FaultRateLimit])
	require.Len(t, inj.Log(), 2)
	assert.Equal(t, "PlaceFuturesOrder", inj.Log()[0].Method)
}

func TestFaultInjectorDataAndBugKinds(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	inj, err := NewFaultInjector([]FaultSpec{
		{Start: start, End: start.Add(time.Minute), Kind: FaultDataError},
		{Start: start.Add(2 * time.Minute), End: start.Add(3 * time.Minute), Kind: FaultBug},
	}, 1)
	require.NoError(t, err)

	err = inj.MaybeInject("GetTicker", start)
	assert.Equal(t, KindData, kindOf(err))

	// The bug kind is deliberately unclassified: kindOf sees zero.
	err = inj.MaybeInject("GetAllFuturesPositions", start.Add(2*time.Minute))
	require.Error(t, err)
	assert.Equal(t, ErrKind(0), kindOf(err))
	assert.Equal(t, "UnclassifiedError", exceptionName(err))
}

func TestFaultInjectorRejectsZeroTimes(t *testing.T) {
	_, err := NewFaultInjector([]FaultSpec{{Kind: FaultTimeout}}, 1)
	require.ErrorIs(t, err, ErrInvalidTime)
}

func TestFaultInjectorProbabilityGateIsDeterministic(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	build := func() *FaultInjector {
		inj, err := NewFaultInjector([]FaultSpec{
			{Start: start, End: start.Add(time.Hour), Kind: FaultTimeout, Probability: 0.5},
		}, 7)
		require.NoError(t, err)
		return inj
	}
	a, b := build(), build()
	for i := 0; i < 50; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		errA := a.MaybeInject("GetTicker", at)
		errB := b.MaybeInject("GetTicker", at)
		assert.Equal(t, errA == nil, errB == nil, "draw %d diverged", i)
	}
	assert.Equal(t, a.Stats().Total, b.Stats().Total)
}
