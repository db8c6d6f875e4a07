// FILE: episodes.go
// Package main – Scripted replay scenarios.
//
// Each episode writes a data directory of synthetic candles (and sometimes
// liquidity), configures fault injection and exchange overrides, and returns
// RunnerOptions ready to execute. Pass/fail predicates live in
// evaluateEpisode.
//
// Episodes:
//   1_normal   – 4h of typical conditions; strict baseline
//   2_high_vol – 2h calm then 2h extreme vol; slippage, entered-book delays,
//                per-symbol funding curves, Layer-1 visibility quirk on
//   3_drought  – thin book, wide spreads, long entered-book delays
//   4_outage   – 2-minute API outage at T+1h; breaker opens, engine degrades
//   5_restart  – split-brain crash window on state-query methods at T+1h
//   6_bug      – unclassified error at T+30m; the run must crash, not continue

package main

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// Episode symbols and their initial prices.
var episodeSymbols = []struct {
	Symbol string
	Price  float64
}{
	{"BTC/USD:USD", 95_000},
	{"ETH/USD:USD", 3_200},
	{"SOL/USD:USD", 180},
}

var episodeStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// candleScript controls one synthetic segment.
type candleScript struct {
	Minutes           int
	VolatilityPct     float64
	TrendPctPerMinute float64
	VolumeBase        float64
	Seed              int64
}

// writeCandlesCSV generates synthetic 1m candles as a seeded random walk and
// appends them to path. Returns the closing price of the last bar.
func writeCandlesCSV(path string, start time.Time, initialPrice float64, script candleScript) (float64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
			return 0, err
		}
	}

	rng := rand.New(rand.NewSource(script.Seed))
	volumeBase := script.VolumeBase
	if volumeBase == 0 {
		volumeBase = 50_000
	}

	price := initialPrice
	for i := 0; i < script.Minutes; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		pctMove := rng.NormFloat64()*script.VolatilityPct + script.TrendPctPerMinute
		openP := price
		closeP := price * (1 + pctMove)
		hi := maxFloat(openP, closeP) * (1 + absFloat(rng.NormFloat64()*script.VolatilityPct*0.5))
		lo := minFloat(openP, closeP) * (1 - absFloat(rng.NormFloat64()*script.VolatilityPct*0.5))
		vol := volumeBase * (0.5 + rng.Float64())

		rec := []string{
			ts.Format(time.RFC3339),
			fmt.Sprintf("%.4f", openP),
			fmt.Sprintf("%.4f", hi),
			fmt.Sprintf("%.4f", lo),
			fmt.Sprintf("%.4f", closeP),
			fmt.Sprintf("%.0f", vol),
		}
		if err := w.Write(rec); err != nil {
			return 0, err
		}
		price = closeP
	}
	w.Flush()
	return price, w.Error()
}

// generateMultiSymbol writes one candle CSV per episode symbol.
func generateMultiSymbol(dataDir string, start time.Time, script candleScript) error {
	for i, s := range episodeSymbols {
		path := filepath.Join(dataDir, "candles", safeSymbol(s.Symbol)+"_1m.csv")
		_ = os.Remove(path) // rebuild from scratch; the writer appends
		seg := script
		seg.Seed = script.Seed + int64(i)
		if _, err := writeCandlesCSV(path, start, s.Price, seg); err != nil {
			return err
		}
	}
	return nil
}

func symbolList() []string {
	out := make([]string, len(episodeSymbols))
	for i, s := range episodeSymbols {
		out[i] = s.Symbol
	}
	return out
}

// EpisodeBuilder prepares a data directory and returns runner options.
type EpisodeBuilder func(baseDir string, seed int64) (RunnerOptions, error)

// episodeOrder fixes the run order of the suite.
var episodeOrder = []string{"1_normal", "2_high_vol", "3_drought", "4_outage", "5_restart", "6_bug"}

// AllEpisodes maps episode names to builders.
var AllEpisodes = map[string]EpisodeBuilder{
	"1_normal":   episodeNormal,
	"2_high_vol": episodeHighVol,
	"3_drought":  episodeLiquidityDrought,
	"4_outage":   episodeAPIOutage,
	"5_restart":  episodeRestartMidPosition,
	"6_bug":      episodeBugInjection,
}

// episodeNormal: 4 hours of typical conditions. Baseline.
func episodeNormal(baseDir string, seed int64) (RunnerOptions, error) {
	dataDir := filepath.Join(baseDir, "episode_1_normal")
	start := episodeStart
	end := start.Add(4 * time.Hour)
	if err := generateMultiSymbol(dataDir, start, candleScript{Minutes: 240, VolatilityPct: 0.003, Seed: 42}); err != nil {
		return RunnerOptions{}, err
	}
	cfg := DefaultExchangeConfig()
	cfg.JitterSeed = seed
	return RunnerOptions{
		DataDir: dataDir, Symbols: symbolList(), Start: start, End: end,
		ExchangeConfig: cfg,
	}, nil
}

// episodeHighVol: first 2h calm, then 2h extreme vol. Exercises slippage,
// entered-book delays, per-symbol funding curves and the Layer-1 quirk.
func episodeHighVol(baseDir string, seed int64) (RunnerOptions, error) {
	dataDir := filepath.Join(baseDir, "episode_2_high_vol")
	start := episodeStart
	end := start.Add(4 * time.Hour)

	for i, s := range episodeSymbols {
		path := filepath.Join(dataDir, "candles", safeSymbol(s.Symbol)+"_1m.csv")
		_ = os.Remove(path)
		lastClose, err := writeCandlesCSV(path, start, s.Price,
			candleScript{Minutes: 120, VolatilityPct: 0.002, Seed: 42 + int64(i)})
		if err != nil {
			return RunnerOptions{}, err
		}
		// Volatile continuation from the calm segment's last close.
		if _, err := writeCandlesCSV(path, start.Add(2*time.Hour), lastClose,
			candleScript{Minutes: 120, VolatilityPct: 0.02, Seed: 100 + int64(i)}); err != nil {
			return RunnerOptions{}, err
		}
	}

	cfg := DefaultExchangeConfig()
	cfg.JitterSeed = seed
	cfg.StopEnteredBookDelayBase = 2.0
	cfg.SlippageFactor = 1.5
	cfg.HideEnteredBookFromListing = true
	cfg.FundingCurves = map[string]FundingCurve{
		"BTC/USD:USD": {BaseRate8hBps: 0.5, VolSpikeMultiplier: 2.0},
		"ETH/USD:USD": {BaseRate8hBps: 1.0, VolSpikeMultiplier: 3.0},
		"SOL/USD:USD": {BaseRate8hBps: 2.0, VolSpikeMultiplier: 5.0},
	}
	return RunnerOptions{
		DataDir: dataDir, Symbols: symbolList(), Start: start, End: end,
		ExchangeConfig: cfg,
	}, nil
}

// episodeLiquidityDrought: low volume, custom thin-book liquidity files,
// long entered-book delays.
func episodeLiquidityDrought(baseDir string, seed int64) (RunnerOptions, error) {
	dataDir := filepath.Join(baseDir, "episode_3_drought")
	start := episodeStart
	end := start.Add(2 * time.Hour)

	if err := generateMultiSymbol(dataDir, start, candleScript{
		Minutes: 120, VolatilityPct: 0.008, VolumeBase: 5_000, Seed: 42,
	}); err != nil {
		return RunnerOptions{}, err
	}

	// Thin book: 20-50 bps spreads, $2k-5k depth, regime pinned high.
	liqDir := filepath.Join(dataDir, "liquidity")
	if err := os.MkdirAll(liqDir, 0o755); err != nil {
		return RunnerOptions{}, err
	}
	for _, s := range episodeSymbols {
		f, err := os.Create(filepath.Join(liqDir, safeSymbol(s.Symbol)+".csv"))
		if err != nil {
			return RunnerOptions{}, err
		}
		w := csv.NewWriter(f)
		_ = w.Write([]string{"timestamp", "spread_bps", "depth_usd", "vol_regime"})
		rng := rand.New(rand.NewSource(42))
		for m := 0; m < 120; m++ {
			ts := start.Add(time.Duration(m) * time.Minute)
			_ = w.Write([]string{
				ts.Format(time.RFC3339),
				fmt.Sprintf("%d", 20+rng.Intn(31)),
				fmt.Sprintf("%d", 2_000+rng.Intn(3_001)),
				RegimeHigh,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return RunnerOptions{}, err
		}
		if err := f.Close(); err != nil {
			return RunnerOptions{}, err
		}
	}

	cfg := DefaultExchangeConfig()
	cfg.JitterSeed = seed
	cfg.SlippageFactor = 2.0
	cfg.StopEnteredBookDelayBase = 5.0
	return RunnerOptions{
		DataDir: dataDir, Symbols: symbolList(), Start: start, End: end,
		ExchangeConfig: cfg,
	}, nil
}

// episodeAPIOutage: every method times out for 2 minutes at T+1h, followed by
// a 30-second rate-limit burst on state queries.
func episodeAPIOutage(baseDir string, seed int64) (RunnerOptions, error) {
	dataDir := filepath.Join(baseDir, "episode_4_outage")
	start := episodeStart
	end := start.Add(2 * time.Hour)
	if err := generateMultiSymbol(dataDir, start, candleScript{Minutes: 120, VolatilityPct: 0.003, Seed: 42}); err != nil {
		return RunnerOptions{}, err
	}

	outageStart := start.Add(1 * time.Hour)
	outageEnd := outageStart.Add(2 * time.Minute)
	faults, err := NewFaultInjector([]FaultSpec{
		{
			Start: outageStart, End: outageEnd, Kind: FaultTimeout,
			Message: "exchange API unavailable (simulated outage)",
		},
		{
			Start: outageEnd, End: outageEnd.Add(30 * time.Second), Kind: FaultRateLimit,
			AffectedMethods: []string{"GetAllFuturesPositions", "GetFuturesAccountInfo"},
			Message:         "post-outage rate limiting",
		},
	}, seed)
	if err != nil {
		return RunnerOptions{}, err
	}

	cfg := DefaultExchangeConfig()
	cfg.JitterSeed = seed
	return RunnerOptions{
		DataDir: dataDir, Symbols: symbolList(), Start: start, End: end,
		ExchangeConfig: cfg, Faults: faults,
	}, nil
}

// episodeRestartMidPosition: a split-brain crash window at T+1h — position
// updates succeed while the state-query path fails, the most dangerous
// restart boundary. Validates reconciliation without duplicate records.
func episodeRestartMidPosition(baseDir string, seed int64) (RunnerOptions, error) {
	dataDir := filepath.Join(baseDir, "episode_5_restart")
	start := episodeStart
	end := start.Add(2 * time.Hour)
	if err := generateMultiSymbol(dataDir, start, candleScript{
		Minutes: 120, VolatilityPct: 0.004, TrendPctPerMinute: 0.00005, Seed: 42,
	}); err != nil {
		return RunnerOptions{}, err
	}

	crash := start.Add(1 * time.Hour)
	faults, err := NewFaultInjector([]FaultSpec{
		{
			Start: crash, End: crash.Add(5 * time.Second), Kind: FaultTimeout,
			AffectedMethods: []string{"GetAllFuturesPositions", "GetFuturesOpenOrders"},
			Message:         "split-brain crash: position visible but trade not recorded",
		},
	}, seed)
	if err != nil {
		return RunnerOptions{}, err
	}

	cfg := DefaultExchangeConfig()
	cfg.JitterSeed = seed
	return RunnerOptions{
		DataDir: dataDir, Symbols: symbolList(), Start: start, End: end,
		ExchangeConfig: cfg, Faults: faults,
	}, nil
}

// episodeBugInjection: an unclassified error at T+30m. The run must stop.
func episodeBugInjection(baseDir string, seed int64) (RunnerOptions, error) {
	dataDir := filepath.Join(baseDir, "episode_6_bug")
	start := episodeStart
	end := start.Add(1 * time.Hour)
	if err := generateMultiSymbol(dataDir, start, candleScript{Minutes: 60, VolatilityPct: 0.003, Seed: 42}); err != nil {
		return RunnerOptions{}, err
	}

	faults, err := NewFaultInjector([]FaultSpec{
		{
			Start: start.Add(30 * time.Minute), End: start.Add(30*time.Minute + 10*time.Second), Kind: FaultBug,
			AffectedMethods: []string{"GetAllFuturesPositions"},
			Message:         "simulated bug: missing attribute",
		},
	}, seed)
	if err != nil {
		return RunnerOptions{}, err
	}

	cfg := DefaultExchangeConfig()
	cfg.JitterSeed = seed
	return RunnerOptions{
		DataDir: dataDir, Symbols: symbolList(), Start: start, End: end,
		ExchangeConfig: cfg, Faults: faults,
	}, nil
}

// evaluateEpisode applies the safety-first pass/fail criteria.
func evaluateEpisode(name string, m *ReplayMetrics, runErr error) (bool, []string) {
	passed := true
	var reasons []string
	fail := func(format string, a ...any) {
		reasons = append(reasons, fmt.Sprintf("FAIL: "+format, a...))
		passed = false
	}

	if m.TotalTicks == 0 {
		fail("zero ticks completed")
	}

	switch name {
	case "6_bug":
		// The bug episode must crash, not silently continue.
		if m.ExceptionsCaught == 0 {
			fail("bug injection should have caused exceptions")
		}
		if m.ExceptionsByType["UnclassifiedError"] == 0 {
			fail("an unclassified exception should have been recorded")
		}
		const bugTick = 30 // episode injects at T+30m with 60s ticks
		if m.TotalTicks > bugTick+1 {
			fail("process continued after bug injection (%d ticks, expected <= %d)", m.TotalTicks, bugTick+1)
		}
		if runErr == nil {
			fail("run should have terminated with the injected bug")
		}

	case "4_outage":
		// Operational errors are expected; safety must hold and the engine
		// must degrade rather than halt.
		if m.InvariantViolations > 0 {
			fail("%d invariant violations during outage", m.InvariantViolations)
		}
		if m.KillSwitchActivations > 0 {
			fail("kill switch fired during outage (should degrade, not halt)")
		}
		if runErr != nil {
			fail("run terminated unexpectedly: %v", runErr)
		}

	default:
		if m.InvariantViolations > 0 {
			fail("%d invariant violations", m.InvariantViolations)
		}
		if m.KillSwitchActivations > 0 {
			fail("kill switch fired (%dx) in non-fault episode", m.KillSwitchActivations)
		}
		if name == "1_normal" {
			if m.OrdersBlockedByRateLimit > 0 {
				fail("rate limiter blocked %d orders in normal market", m.OrdersBlockedByRateLimit)
			}
			if m.BreakerOpenCount > 0 {
				fail("circuit breaker opened %dx in normal market", m.BreakerOpenCount)
			}
		}
		if runErr != nil {
			fail("run terminated unexpectedly: %v", runErr)
		}
	}

	return passed, reasons
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
