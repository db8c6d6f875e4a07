package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// flatBar builds a bar with the given range around close.
func flatBar(ts time.Time, open, high, low, close, volume string) CandleBar {
	return CandleBar{Timestamp: ts, Open: dec(open), High: dec(high), Low: dec(low), Close: dec(close), Volume: dec(volume)}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDataStoreLoadsAndSortsCandles(t *testing.T) {
	dir := t.TempDir()
	// Rows deliberately out of order; mixed RFC3339 / unix-seconds timestamps.
	writeFile(t, filepath.Join(dir, "candles", "BTC_USD_USD_1m.csv"),
		"timestamp,open,high,low,close,volume\n"+
			"2025-01-01T00:02:00Z,101,102,100,101.5,10\n"+
			fmt.Sprintf("%d,100,101,99,100.5,20\n", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix())+
			"2025-01-01T00:01:00,100.5,101.5,99.5,101,15\n")

	ds := NewDataStore(dir, []string{"BTC/USD:USD"}, nil)
	require.NoError(t, ds.Load())

	at := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	bars := ds.CandlesUpTo("BTC/USD:USD", "1m", at, 10)
	require.Len(t, bars, 3)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
	assert.True(t, bars[1].Timestamp.Before(bars[2].Timestamp))

	// The no-timezone row was normalized to UTC at load.
	assert.Equal(t, time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC), bars[1].Timestamp)

	first, last, ok := ds.TimeRange("BTC/USD:USD", "1m")
	require.True(t, ok)
	assert.Equal(t, bars[0].Timestamp, first)
	assert.Equal(t, bars[2].Timestamp, last)
}

func TestDataStoreCandleQueries(t *testing.T) {
	dir := t.TempDir()
	var rows string
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		rows += fmt.Sprintf("%s,100,101,99,100,50\n", start.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	writeFile(t, filepath.Join(dir, "candles", "ETH_USD_USD_1m.csv"), "timestamp,open,high,low,close,volume\n"+rows)

	ds := NewDataStore(dir, []string{"ETH/USD:USD"}, []string{"1m"})
	require.NoError(t, ds.Load())

	// Limit returns the most-recent bars, ascending.
	bars := ds.CandlesUpTo("ETH/USD:USD", "1m", start.Add(9*time.Minute), 3)
	require.Len(t, bars, 3)
	assert.Equal(t, start.Add(7*time.Minute), bars[0].Timestamp)
	assert.Equal(t, start.Add(9*time.Minute), bars[2].Timestamp)

	// CandleAt picks the largest timestamp <= t, including mid-bar times.
	bar, ok := ds.CandleAt("ETH/USD:USD", "1m", start.Add(4*time.Minute+30*time.Second))
	require.True(t, ok)
	assert.Equal(t, start.Add(4*time.Minute), bar.Timestamp)

	_, ok = ds.CandleAt("ETH/USD:USD", "1m", start.Add(-time.Second))
	assert.False(t, ok)
}

func TestDataStoreLiquidityCSVAndStepFunction(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "candles", "SOL_USD_USD_1m.csv"),
		"timestamp,open,high,low,close,volume\n"+
			start.Format(time.RFC3339)+",180,181,179,180,1000\n")
	writeFile(t, filepath.Join(dir, "liquidity", "SOL_USD_USD.csv"),
		"timestamp,spread_bps,depth_usd,vol_regime\n"+
			start.Format(time.RFC3339)+",10,40000,normal\n"+
			start.Add(10*time.Minute).Format(time.RFC3339)+",30,5000,extreme\n")

	ds := NewDataStore(dir, []string{"SOL/USD:USD"}, nil)
	require.NoError(t, ds.Load())

	liq := ds.LiquidityAt("SOL/USD:USD", start.Add(5*time.Minute))
	assert.Equal(t, 10.0, liq.SpreadBps)
	assert.Equal(t, RegimeNormal, liq.VolatilityRegime)

	// Right-open intervals: the second record activates exactly at its time.
	liq = ds.LiquidityAt("SOL/USD:USD", start.Add(10*time.Minute))
	assert.Equal(t, 30.0, liq.SpreadBps)
	assert.Equal(t, RegimeExtreme, liq.VolatilityRegime)

	// Unknown symbol serves defaults.
	def := ds.LiquidityAt("XRP/USD:USD", start)
	assert.Equal(t, DefaultLiquidity(), def)
}

func TestLiquidityDerivationRegimeThresholds(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		high, low  string
		wantRegime string
		wantSpread float64
		baseDepth  float64
	}{
		{"low", "100.1", "100", RegimeLow, 3.0, 100_000},        // 0.1% range
		{"normal", "100.5", "100", RegimeNormal, 5.0, 50_000},   // 0.5%
		{"high", "101.5", "100", RegimeHigh, 12.0, 20_000},      // 1.5%
		{"extreme", "103.0", "100", RegimeExtreme, 25.0, 5_000}, // 3%
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ds := NewDataStore(t.TempDir(), []string{"X"}, nil)
			var bars []CandleBar
			for i := 0; i < 25; i++ {
				bars = append(bars, flatBar(start.Add(time.Duration(i)*time.Minute), "100", tc.high, tc.low, "100", "100000"))
			}
			ds.candles["X"] = map[string][]CandleBar{"1m": bars}
			points := ds.deriveLiquidity("X")
			require.Len(t, points, 25)
			lastPoint := points[len(points)-1]
			assert.Equal(t, tc.wantRegime, lastPoint.params.VolatilityRegime)
			assert.Equal(t, tc.wantSpread, lastPoint.params.SpreadBps)
			// volume 100k → factor exactly 1, depth unscaled
			assert.InDelta(t, tc.baseDepth, lastPoint.params.DepthUSDAt1Bp, 1e-9)
		})
	}
}

func TestLiquidityDerivationVolumeFloor(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ds := NewDataStore(t.TempDir(), []string{"X"}, nil)
	var bars []CandleBar
	for i := 0; i < 25; i++ {
		// 0.5% range → normal regime, base depth 50k; volume 10k → factor
		// 0.1, floored at 0.2 → depth 10k.
		bars = append(bars, flatBar(start.Add(time.Duration(i)*time.Minute), "100", "100.5", "100", "100", "10000"))
	}
	ds.candles["X"] = map[string][]CandleBar{"1m": bars}
	points := ds.deriveLiquidity("X")
	lastPoint := points[len(points)-1]
	assert.InDelta(t, 10_000, lastPoint.params.DepthUSDAt1Bp, 1e-9)
}

func TestParseTimeFlexible(t *testing.T) {
	ts, err := parseTimeFlexible("2025-03-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), ts)

	ts, err = parseTimeFlexible("1735689600")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ts)

	_, err = parseTimeFlexible("not-a-time")
	require.Error(t, err)
}

func TestSafeSymbol(t *testing.T) {
	assert.Equal(t, "BTC_USD_USD", safeSymbol("BTC/USD:USD"))
	assert.Equal(t, "PLAIN", safeSymbol("PLAIN"))
}
