package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := orderRateLimiter{perMinute: 2}

	assert.True(t, r.allow(now))
	assert.True(t, r.allow(now.Add(time.Second)))
	assert.False(t, r.allow(now.Add(2*time.Second)))
	assert.Equal(t, 1, r.BlockedTotal)

	// Window rolls over after a minute.
	assert.True(t, r.allow(now.Add(time.Minute)))

	// Zero budget disables the limiter.
	open := orderRateLimiter{}
	for i := 0; i < 100; i++ {
		assert.True(t, open.allow(now))
	}
}

func TestProtectivePriceHelpers(t *testing.T) {
	entry := dec("50000")
	assert.True(t, stopPriceFor(SideBuy, entry, 0.4).Equal(dec("49800")))
	assert.True(t, stopPriceFor(SideSell, entry, 0.4).Equal(dec("50200")))
	assert.True(t, takeProfitFor(SideBuy, entry, 0.8).Equal(dec("50400")))
	assert.True(t, takeProfitFor(SideSell, entry, 0.8).Equal(dec("49600")))
}

// fallingCandles emits a grinding decline with a small relief bar every
// eighth minute so RSI stays in (0, 35).
func fallingCandles(start time.Time, n int) []Candle {
	var out []Candle
	price := 100.0
	for i := 0; i < n; i++ {
		if i%8 == 7 {
			price *= 1.0005
		} else {
			price *= 0.999
		}
		out = append(out, Candle{Time: start.Add(time.Duration(i) * time.Minute), Open: price, High: price, Low: price, Close: price, Volume: 1})
	}
	return out
}

func TestDecideHoldsFlatWithoutWarmup(t *testing.T) {
	d := decide(make([]Candle, 10), 40, 35, 65, false)
	assert.Equal(t, Flat, d.Signal)
	assert.Equal(t, "not_enough_data", d.Reason)
}

func TestDecideSignalsOnRSIExtremes(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// A persistent decline with tiny relief bars keeps RSI low but non-zero:
	// oversold without degenerating to the unset-zero prefix value.
	falling := fallingCandles(start, 60)
	d := decide(falling, 40, 35, 65, false)
	assert.Equal(t, Buy, d.Signal)
	assert.Equal(t, SideBuy, d.SignalToSide())

	var rising []Candle
	price := 100.0
	for i := 0; i < 60; i++ {
		price *= 1.001
		rising = append(rising, Candle{Time: start.Add(time.Duration(i) * time.Minute), Open: price, High: price, Low: price, Close: price, Volume: 1})
	}
	d = decide(rising, 40, 35, 65, false)
	assert.Equal(t, Sell, d.Signal)
	assert.Equal(t, SideSell, d.SignalToSide())
}

// TestTraderOpensProtectedPosition drives one engine tick against the
// simulator directly and checks the book keeping: an entry plus reduce-only
// stop and take-profit, all visible on the exchange.
func TestTraderOpensProtectedPosition(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock, err := NewSimClock(start)
	require.NoError(t, err)

	// A grinding decline (with small relief bars) keeps RSI oversold but
	// non-zero at the decision point.
	var bars []CandleBar
	price := decimal.NewFromInt(50_000)
	down, up := dec("0.999"), dec("1.0005")
	for i := 0; i < 60; i++ {
		if i%8 == 7 {
			price = price.Mul(up).Round(4)
		} else {
			price = price.Mul(down).Round(4)
		}
		bars = append(bars, CandleBar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price, Low: price, Close: price,
			Volume: decimal.NewFromInt(100_000),
		})
	}
	ds := storeWith(testSymbol, bars, calmLiquidity(start))

	cfg := plainConfig()
	ex := NewExchange(clock, ds, cfg, nil)

	engineCfg := EngineConfig{
		RiskPerTradePct:    0.25,
		MaxDailyLossPct:    5,
		TakeProfitPct:      0.8,
		StopLossPct:        0.4,
		OrderMinUSD:        10,
		Leverage:           7,
		MaxOrdersPerMinute: 15,
		WarmupBars:         40,
		Timeframe:          "1m",
	}
	metrics := NewReplayMetrics()
	trader := NewTrader(engineCfg, ex, clock, []string{testSymbol}, ex.Breaker(), metrics)

	// Pin the strategy globals: RSI thresholds on, MA regime filter off so
	// the decline itself is enough to trigger the dip-buy.
	buyThreshold, sellThreshold, useMAFilter = 35, 65, false

	at := start.Add(59 * time.Minute)
	require.NoError(t, clock.Set(at))
	ex.Step(at)
	require.NoError(t, trader.Tick(context.Background()))

	pos, err := ex.GetFuturesPosition(context.Background(), testSymbol)
	require.NoError(t, err)
	require.NotNil(t, pos, "oversold signal should have opened a long")
	assert.Equal(t, PositionLong, pos.Side)

	open, err := ex.GetFuturesOpenOrders(context.Background())
	require.NoError(t, err)
	var stops, tps int
	for _, o := range open {
		switch o.Type {
		case TypeStop:
			stops++
			assert.True(t, o.ReduceOnly)
			assert.Equal(t, SideSell, o.Side)
		case TypeTakeProfit:
			tps++
			assert.True(t, o.ReduceOnly)
		}
	}
	assert.Equal(t, 1, stops, "entry must be protected by a stop")
	assert.Equal(t, 1, tps, "entry must carry a take-profit")

	// A second tick with an unchanged signal holds: no doubling up.
	require.NoError(t, trader.Tick(context.Background()))
	positions, err := ex.GetAllFuturesPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
}

func TestTraderBreakerAccountingSkipsBusinessErrors(t *testing.T) {
	clock, err := NewSimClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	b := NewAPICircuitBreaker(clock, 5, 2, time.Minute, "t")
	tr := &Trader{breaker: b}

	for i := 0; i < 10; i++ {
		_ = tr.call(errData("PlaceFuturesOrder", "rejected"))
	}
	assert.Equal(t, BreakerClosed, b.State(), "business errors must not trip the breaker")

	for i := 0; i < 5; i++ {
		_ = tr.call(errOperational("GetTicker", "timeout"))
	}
	assert.Equal(t, BreakerOpen, b.State())
}
