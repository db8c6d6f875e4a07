package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runEpisodeForTest builds one episode in a temp dir and executes it.
func runEpisodeForTest(t *testing.T, name string, seed int64) (*Runner, *ReplayMetrics, error) {
	t.Helper()
	initThresholdsFromEnv()
	opts, err := AllEpisodes[name](t.TempDir(), seed)
	require.NoError(t, err)
	runner, err := NewRunner(opts)
	require.NoError(t, err)
	metrics, runErr := runner.Run(context.Background())
	require.NotNil(t, metrics)
	return runner, metrics, runErr
}

func TestRunnerRejectsZeroTimes(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.ErrorIs(t, err, ErrInvalidTime)
}

func TestRunnerNormalEpisodeCompletes(t *testing.T) {
	_, m, runErr := runEpisodeForTest(t, "1_normal", 42)
	require.NoError(t, runErr)

	// 4h at 60s ticks inclusive of both endpoints.
	assert.Equal(t, 241, m.TotalTicks+m.FailedTicks+m.InvariantViolations)
	assert.Len(t, m.EquityCurve, 241)
	assert.Equal(t, 0, m.InvariantViolations)
	assert.Equal(t, 0, m.KillSwitchActivations)
	assert.Equal(t, 0, m.BreakerOpenCount)
	assert.Equal(t, 0, m.OrdersBlockedByRateLimit)

	passed, reasons := evaluateEpisode("1_normal", m, runErr)
	assert.True(t, passed, "reasons: %v", reasons)
}

func TestRunnerDeterminismAcrossRuns(t *testing.T) {
	snapshot := func() ([]byte, []byte, []byte) {
		runner, m, runErr := runEpisodeForTest(t, "1_normal", 7)
		require.NoError(t, runErr)
		summary, err := json.Marshal(m.Summary())
		require.NoError(t, err)
		curve, err := json.Marshal(m.EquityCurve)
		require.NoError(t, err)
		fills, err := json.Marshal(runner.Exchange().Fills())
		require.NoError(t, err)
		return summary, curve, fills
	}

	sumA, curveA, fillsA := snapshot()
	sumB, curveB, fillsB := snapshot()
	assert.Equal(t, sumA, sumB, "metrics summaries must be byte-identical")
	assert.Equal(t, curveA, curveB, "equity curves must be byte-identical")
	assert.Equal(t, fillsA, fillsB, "fill logs must be byte-identical")
}

func TestRunnerOutageEpisodeDegradesSafely(t *testing.T) {
	_, m, runErr := runEpisodeForTest(t, "4_outage", 42)
	require.NoError(t, runErr, "operational faults must not terminate the run")

	// Two minutes of total outage: at least two failed ticks, all classified.
	assert.GreaterOrEqual(t, m.FailedTicks, 2)
	assert.GreaterOrEqual(t, m.ExceptionsByType["OperationalError"], 1)
	assert.Equal(t, 0, m.ExceptionsByType["UnclassifiedError"])
	assert.Equal(t, 0, m.InvariantViolations)
	assert.Equal(t, 0, m.KillSwitchActivations)

	passed, reasons := evaluateEpisode("4_outage", m, runErr)
	assert.True(t, passed, "reasons: %v", reasons)
}

func TestRunnerBugEpisodeTerminatesTheRun(t *testing.T) {
	_, m, runErr := runEpisodeForTest(t, "6_bug", 42)
	require.Error(t, runErr, "an unclassified error must crash the run")

	assert.GreaterOrEqual(t, m.ExceptionsByType["UnclassifiedError"], 1)
	// The bug fires at T+30m with 60s ticks: the engine must not have kept
	// running past the injection tick.
	assert.LessOrEqual(t, m.TotalTicks, 31)

	passed, reasons := evaluateEpisode("6_bug", m, runErr)
	assert.True(t, passed, "reasons: %v", reasons)
}

func TestRunnerSafetyPredicatesAcrossSeeds(t *testing.T) {
	// Spec: seeds 1..10 must all pass safety predicates. The full sweep is
	// long; cover a spread here, the CLI covers the rest.
	for _, seed := range []int64{1, 5, 10} {
		_, m, runErr := runEpisodeForTest(t, "1_normal", seed)
		require.NoError(t, runErr)
		passed, reasons := evaluateEpisode("1_normal", m, runErr)
		assert.True(t, passed, "seed %d: %v", seed, reasons)
	}
}

func TestEvaluateEpisodePredicates(t *testing.T) {
	m := NewReplayMetrics()
	m.TotalTicks = 100

	passed, _ := evaluateEpisode("1_normal", m, nil)
	assert.True(t, passed)

	m.InvariantViolations = 1
	passed, reasons := evaluateEpisode("1_normal", m, nil)
	assert.False(t, passed)
	assert.NotEmpty(t, reasons)

	// Bug episode demands the opposite: a recorded unclassified exception
	// and a terminated run.
	bug := NewReplayMetrics()
	bug.TotalTicks = 30
	bug.RecordException("UnclassifiedError")
	passed, _ = evaluateEpisode("6_bug", bug, assert.AnError)
	assert.True(t, passed)

	silent := NewReplayMetrics()
	silent.TotalTicks = 60
	passed, _ = evaluateEpisode("6_bug", silent, nil)
	assert.False(t, passed, "silently completing the bug episode must fail")
}

func TestHighVolEpisodePassesSafety(t *testing.T) {
	// The 2_high_vol episode enables per-symbol funding curves and the
	// Layer-1 quirk; it must still satisfy its safety predicates.
	_, m, runErr := runEpisodeForTest(t, "2_high_vol", 42)
	require.NoError(t, runErr)
	passed, reasons := evaluateEpisode("2_high_vol", m, runErr)
	assert.True(t, passed, "reasons: %v", reasons)
}

func TestDroughtEpisodePassesSafety(t *testing.T) {
	_, m, runErr := runEpisodeForTest(t, "3_drought", 42)
	require.NoError(t, runErr)
	passed, reasons := evaluateEpisode("3_drought", m, runErr)
	assert.True(t, passed, "reasons: %v", reasons)
}

func TestRestartEpisodePassesSafety(t *testing.T) {
	_, m, runErr := runEpisodeForTest(t, "5_restart", 42)
	require.NoError(t, runErr)
	passed, reasons := evaluateEpisode("5_restart", m, runErr)
	assert.True(t, passed, "reasons: %v", reasons)
}

func TestRunnerMaxTicksCap(t *testing.T) {
	initThresholdsFromEnv()
	opts, err := AllEpisodes["1_normal"](t.TempDir(), 42)
	require.NoError(t, err)
	opts.MaxTicks = 10
	runner, err := NewRunner(opts)
	require.NoError(t, err)
	m, runErr := runner.Run(context.Background())
	require.NoError(t, runErr)
	assert.Len(t, m.EquityCurve, 10)
}

func TestWriteCandlesCSVIsSeedStable(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	script := candleScript{Minutes: 30, VolatilityPct: 0.01, Seed: 9}
	closeA, err := writeCandlesCSV(dirA+"/c.csv", episodeStart, 100, script)
	require.NoError(t, err)
	closeB, err := writeCandlesCSV(dirB+"/c.csv", episodeStart, 100, script)
	require.NoError(t, err)
	assert.Equal(t, closeA, closeB)
}
