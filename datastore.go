// FILE: datastore.go
// Package main – Candle and liquidity store for replay.
//
// What’s here:
//   • CandleBar            – decimal OHLCV row keyed by timestamp
//   • LiquidityParams      – spread/depth/vol-regime record
//   • DataStore            – loads CSVs once at startup, then serves
//     read-only queries by (symbol, timeframe, time) via binary search
//
// Data layout (inputs):
//   <data_dir>/candles/<SAFE_SYMBOL>_<TF>.csv   timestamp,open,high,low,close,volume
//   <data_dir>/liquidity/<SAFE_SYMBOL>.csv      timestamp,spread_bps,depth_usd,vol_regime (optional)
//
// SAFE_SYMBOL replaces "/" and ":" with "_". Timestamps accept RFC3339 or
// UNIX seconds; a missing timezone is normalized to UTC at load time.
// When no liquidity file exists, per-minute liquidity is derived from a
// rolling 20-bar ATR-percent of the 1m candles.

package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Volatility regimes, calm to panicked.
const (
	RegimeLow     = "low"
	RegimeNormal  = "normal"
	RegimeHigh    = "high"
	RegimeExtreme = "extreme"
)

// CandleBar is one OHLCV row. Prices and volume are decimal; invariants
// low <= min(open,close) <= max(open,close) <= high and volume >= 0 are the
// loader's responsibility to carry, not to repair.
type CandleBar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Mid returns (high+low)/2, the bar's proxy for mid-market.
func (b CandleBar) Mid() decimal.Decimal {
	return b.High.Add(b.Low).Div(decimal.NewFromInt(2))
}

// LiquidityParams describes the book at one instant (step function over time).
type LiquidityParams struct {
	SpreadBps        float64
	DepthUSDAt1Bp    float64
	VolatilityRegime string
}

// DefaultLiquidity is served when no records are loaded for a symbol.
func DefaultLiquidity() LiquidityParams {
	return LiquidityParams{SpreadBps: 5.0, DepthUSDAt1Bp: 50_000, VolatilityRegime: RegimeNormal}
}

// SpreadFraction returns the full spread as a price fraction (bps/10_000).
func (l LiquidityParams) SpreadFraction() decimal.Decimal {
	return decimal.NewFromFloat(l.SpreadBps / 10_000)
}

type liquidityPoint struct {
	at     time.Time
	params LiquidityParams
}

// DataStore serves candles and liquidity for all replay symbols.
// Loaded once; immutable afterwards.
type DataStore struct {
	dataDir    string
	symbols    []string
	timeframes []string

	candles   map[string]map[string][]CandleBar // symbol -> tf -> ascending bars
	liquidity map[string][]liquidityPoint       // symbol -> ascending points
}

// NewDataStore prepares a store for the given symbols. Call Load before use.
func NewDataStore(dataDir string, symbols []string, timeframes []string) *DataStore {
	if len(timeframes) == 0 {
		timeframes = []string{"1m"}
	}
	return &DataStore{
		dataDir:    dataDir,
		symbols:    symbols,
		timeframes: timeframes,
		candles:    map[string]map[string][]CandleBar{},
		liquidity:  map[string][]liquidityPoint{},
	}
}

// safeSymbol converts "BTC/USD:USD" into the on-disk form "BTC_USD_USD".
func safeSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "_")
	return strings.ReplaceAll(s, ":", "_")
}

// Load reads every candle and liquidity file from disk.
func (d *DataStore) Load() error {
	for _, sym := range d.symbols {
		d.candles[sym] = map[string][]CandleBar{}
		for _, tf := range d.timeframes {
			bars, err := d.loadCandles(sym, tf)
			if err != nil {
				return fmt.Errorf("load candles %s %s: %w", sym, tf, err)
			}
			d.candles[sym][tf] = bars
		}
		liq, err := d.loadOrDeriveLiquidity(sym)
		if err != nil {
			return fmt.Errorf("load liquidity %s: %w", sym, err)
		}
		d.liquidity[sym] = liq
	}
	return nil
}

// loadCandles reads candles/<SAFE>_<tf>.csv. A missing file yields no bars.
func (d *DataStore) loadCandles(symbol, timeframe string) ([]CandleBar, error) {
	path := filepath.Join(d.dataDir, "candles", fmt.Sprintf("%s_%s.csv", safeSymbol(symbol), timeframe))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var bars []CandleBar
	err = readCSVRows(f, func(row map[string]string) {
		ts, terr := parseTimeFlexible(first(row, "timestamp", "time"))
		if terr != nil {
			return
		}
		op, e1 := decimal.NewFromString(row["open"])
		hi, e2 := decimal.NewFromString(row["high"])
		lo, e3 := decimal.NewFromString(row["low"])
		cl, e4 := decimal.NewFromString(row["close"])
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return
		}
		vol := decimal.Zero
		if v := first(row, "volume", "vol"); v != "" {
			if pv, verr := decimal.NewFromString(v); verr == nil {
				vol = pv
			}
		}
		bars = append(bars, CandleBar{Timestamp: ts, Open: op, High: hi, Low: lo, Close: cl, Volume: vol})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// loadOrDeriveLiquidity prefers liquidity/<SAFE>.csv, else derives from 1m bars.
func (d *DataStore) loadOrDeriveLiquidity(symbol string) ([]liquidityPoint, error) {
	path := filepath.Join(d.dataDir, "liquidity", safeSymbol(symbol)+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d.deriveLiquidity(symbol), nil
		}
		return nil, err
	}
	defer f.Close()

	var points []liquidityPoint
	err = readCSVRows(f, func(row map[string]string) {
		ts, terr := parseTimeFlexible(row["timestamp"])
		if terr != nil {
			return
		}
		p := DefaultLiquidity()
		if v := row["spread_bps"]; v != "" {
			if fv, e := strconv.ParseFloat(v, 64); e == nil {
				p.SpreadBps = fv
			}
		}
		if v := row["depth_usd"]; v != "" {
			if fv, e := strconv.ParseFloat(v, 64); e == nil {
				p.DepthUSDAt1Bp = fv
			}
		}
		if v := row["vol_regime"]; v != "" {
			p.VolatilityRegime = v
		}
		points = append(points, liquidityPoint{at: ts, params: p})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })
	return points, nil
}

// deriveLiquidity builds a per-minute liquidity model from the 1m candles
// using a rolling 20-bar ATR-percent:
//
//	<0.3% → low (3 bps, 100k), <0.8% → normal (5 bps, 50k),
//	<2%   → high (12 bps, 20k), else → extreme (25 bps, 5k).
//
// Depth is scaled by min(1, volume/100_000) floored at 0.2.
func (d *DataStore) deriveLiquidity(symbol string) []liquidityPoint {
	bars := d.candles[symbol]["1m"]
	if len(bars) == 0 {
		return nil
	}
	const window = 20
	points := make([]liquidityPoint, 0, len(bars))
	for i, bar := range bars {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		recent := bars[lo : i+1]
		atrPct := 0.005
		if len(recent) >= 2 {
			atrPct = atrPercent(recent)
		}

		var p LiquidityParams
		switch {
		case atrPct < 0.003:
			p = LiquidityParams{SpreadBps: 3.0, DepthUSDAt1Bp: 100_000, VolatilityRegime: RegimeLow}
		case atrPct < 0.008:
			p = LiquidityParams{SpreadBps: 5.0, DepthUSDAt1Bp: 50_000, VolatilityRegime: RegimeNormal}
		case atrPct < 0.02:
			p = LiquidityParams{SpreadBps: 12.0, DepthUSDAt1Bp: 20_000, VolatilityRegime: RegimeHigh}
		default:
			p = LiquidityParams{SpreadBps: 25.0, DepthUSDAt1Bp: 5_000, VolatilityRegime: RegimeExtreme}
		}

		vol := bar.Volume.InexactFloat64()
		if vol > 0 {
			factor := vol / 100_000
			if factor > 1 {
				factor = 1
			}
			if factor < 0.2 {
				factor = 0.2
			}
			p.DepthUSDAt1Bp *= factor
		}
		points = append(points, liquidityPoint{at: bar.Timestamp, params: p})
	}
	return points
}

// -- Query interface (all O(log n)) --

// CandlesUpTo returns up to limit bars with timestamp <= at, ascending.
func (d *DataStore) CandlesUpTo(symbol, timeframe string, at time.Time, limit int) []CandleBar {
	bars := d.candles[symbol][timeframe]
	idx := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(at) })
	start := idx - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	return bars[start:idx]
}

// CandleAt returns the bar with the largest timestamp <= at, or ok=false.
func (d *DataStore) CandleAt(symbol, timeframe string, at time.Time) (CandleBar, bool) {
	bars := d.candles[symbol][timeframe]
	idx := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(at) })
	if idx == 0 {
		return CandleBar{}, false
	}
	return bars[idx-1], true
}

// LiquidityAt returns the liquidity record active at time t (right-open step
// function), or defaults when nothing is loaded for the symbol.
func (d *DataStore) LiquidityAt(symbol string, at time.Time) LiquidityParams {
	points := d.liquidity[symbol]
	if len(points) == 0 {
		return DefaultLiquidity()
	}
	idx := sort.Search(len(points), func(i int) bool { return points[i].at.After(at) })
	if idx == 0 {
		return points[0].params
	}
	return points[idx-1].params
}

// Symbols returns the configured replay symbols.
func (d *DataStore) Symbols() []string {
	out := make([]string, len(d.symbols))
	copy(out, d.symbols)
	return out
}

// TimeRange returns (first, last) bar timestamps for a symbol/timeframe.
func (d *DataStore) TimeRange(symbol, timeframe string) (time.Time, time.Time, bool) {
	bars := d.candles[symbol][timeframe]
	if len(bars) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, true
}

// -- CSV helpers --

// readCSVRows streams header-mapped rows to fn. Headers are case-insensitive;
// unknown columns are ignored; short rows are padded with "".
func readCSVRows(f io.Reader, fn func(row map[string]string)) error {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var headers []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if headers == nil {
			headers = rec
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			} else {
				row[k] = ""
			}
		}
		fn(row)
	}
}

// parseTimeFlexible supports RFC3339 (UTC assumed when offset missing) or
// UNIX seconds. The result is always timezone-aware.
func parseTimeFlexible(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	// ISO-8601 without zone: normalize to UTC.
	if ts, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return ts.UTC(), nil
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, int64(sec*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
