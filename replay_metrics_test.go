package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEquityPeakAndDrawdown(t *testing.T) {
	m := NewReplayMetrics()
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	m.RecordEquity(ts, dec("10000"), dec("0"), dec("0"), 0)
	m.RecordEquity(ts.Add(time.Minute), dec("11000"), dec("0"), dec("0"), 1)
	m.RecordEquity(ts.Add(2*time.Minute), dec("9900"), dec("0"), dec("0"), 1)
	m.RecordEquity(ts.Add(3*time.Minute), dec("10500"), dec("0"), dec("0"), 0)

	assert.True(t, m.PeakEquity.Equal(dec("11000")))
	assert.True(t, m.MaxDrawdownUSD.Equal(dec("1100")))
	assert.InDelta(t, 10.0, m.MaxDrawdownPct, 1e-9)
	assert.Len(t, m.EquityCurve, 4)
}

func TestMetricsTradeCountersAndRatios(t *testing.T) {
	m := NewReplayMetrics()
	m.RecordTrade(TradeRecord{Symbol: "BTC/USD:USD", Side: SideBuy, Pnl: dec("120"), HoldingMinutes: 30})
	m.RecordTrade(TradeRecord{Symbol: "BTC/USD:USD", Side: SideBuy, Pnl: dec("-40"), HoldingMinutes: 10})
	m.RecordTrade(TradeRecord{Symbol: "ETH/USD:USD", Side: SideSell, Pnl: dec("0"), HoldingMinutes: 20})

	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 1.0/3.0, m.WinRate(), 1e-9)
	assert.InDelta(t, 3.0, m.ProfitFactor(), 1e-9)
	assert.InDelta(t, 20.0, m.AvgHoldingMinutes(), 1e-9)
}

func TestMetricsProfitFactorLossless(t *testing.T) {
	m := NewReplayMetrics()
	assert.Equal(t, 0.0, m.ProfitFactor())
	m.RecordTrade(TradeRecord{Pnl: dec("50")})
	assert.True(t, m.ProfitFactor() > 1e18, "lossless profit factor is +Inf")
}

func TestMetricsFillCounters(t *testing.T) {
	m := NewReplayMetrics()
	m.RecordFill(SimFill{IsMaker: true}, 1.5, dec("2"))
	m.RecordFill(SimFill{IsMaker: false}, 2.5, dec("3"))
	m.RecordFill(SimFill{IsMaker: false}, 3.5, dec("1"))

	assert.Equal(t, 3, m.TotalFills)
	assert.Equal(t, 1, m.MakerFills)
	assert.Equal(t, 2, m.TakerFills)
	assert.InDelta(t, 1.0/3.0, m.MakerRatio(), 1e-9)
	assert.InDelta(t, 2.5, m.AvgSlippageBps(), 1e-9)
	assert.True(t, m.TotalSlippageUSD.Equal(dec("6")))
}

func TestMetricsExceptionAccounting(t *testing.T) {
	m := NewReplayMetrics()
	m.RecordException("OperationalError")
	m.RecordException("OperationalError")
	m.RecordException("UnclassifiedError")
	assert.Equal(t, 3, m.ExceptionsCaught)
	assert.Equal(t, 2, m.ExceptionsByType["OperationalError"])
	assert.Equal(t, 1, m.ExceptionsByType["UnclassifiedError"])
}

func TestMetricsSummaryAndSave(t *testing.T) {
	m := NewReplayMetrics()
	m.TotalTicks = 240
	m.FailedTicks = 3
	m.GrossPnl = dec("150")
	m.TotalFees = dec("30")
	m.TotalFunding = dec("5")
	m.RecordEquity(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), dec("10100"), dec("500"), dec("20"), 1)
	m.RecordEvent("KILL_SWITCH", nil)

	s := m.Summary()
	trading := s["trading"].(map[string]any)
	assert.InDelta(t, 115.0, trading["net_pnl"].(float64), 1e-9)
	system := s["system"].(map[string]any)
	assert.Equal(t, 240, system["total_ticks"])

	path := filepath.Join(t.TempDir(), "out", "metrics.json")
	require.NoError(t, m.Save(path))
	buf, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf, &decoded))
	assert.Contains(t, decoded, "safety")
	assert.Contains(t, decoded, "equity_curve")
	assert.EqualValues(t, 1, decoded["event_count"])

	// The report renders all four sections.
	report := m.Report()
	for _, section := range []string{"SAFETY", "TRADING", "EXECUTION", "SYSTEM"} {
		assert.Contains(t, report, section)
	}
}
