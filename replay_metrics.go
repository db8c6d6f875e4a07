// FILE: replay_metrics.go
// Package main – Replay metrics collector.
//
// Answers: "would this have survived live?" Four disjoint counter groups
// (safety, trading, execution, system), an equity curve with per-tick
// snapshots, derived ratios, a JSON summary and a human-readable report.
// Everything here is append-only within a run.

package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EquitySnapshot is one point of the equity curve.
type EquitySnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
}

// TradeRecord is one completed round trip recorded by the engine.
type TradeRecord struct {
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Pnl            decimal.Decimal `json:"pnl"`
	HoldingMinutes float64         `json:"holding_minutes"`
}

// ReplayEvent is one safety/system event.
type ReplayEvent struct {
	Type    string         `json:"type"`
	Details map[string]any `json:"details"`
}

// ReplayMetrics accumulates everything a run produces.
type ReplayMetrics struct {
	// -- Safety --
	InvariantViolations      int
	NakedPositionDetections  int
	SelfHealAttempts         int
	SelfHealSuccesses        int
	SelfHealFailures         int
	KillSwitchActivations    int
	OrdersBlockedByRateLimit int
	BreakerOpenCount         int

	// -- Order rejections --
	OrdersRejectedTotal          int
	ReduceOnlyRejections         int
	InsufficientMarginRejections int
	MinSizeRejections            int

	// -- Trading --
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	GrossPnl       decimal.Decimal
	TotalFees      decimal.Decimal
	TotalFunding   decimal.Decimal
	PeakEquity     decimal.Decimal
	MaxDrawdownPct float64
	MaxDrawdownUSD decimal.Decimal

	// -- Execution quality --
	TotalFills       int
	MakerFills       int
	TakerFills       int
	TotalSlippageUSD decimal.Decimal
	slippageBpsSum   float64
	slippageSamples  int

	// -- System health --
	TotalTicks       int
	FailedTicks      int
	ExceptionsCaught int
	ExceptionsByType map[string]int

	// -- Time series --
	EquityCurve []EquitySnapshot
	TradeLog    []TradeRecord
	EventLog    []ReplayEvent
}

// NewReplayMetrics returns an empty collector.
func NewReplayMetrics() *ReplayMetrics {
	return &ReplayMetrics{ExceptionsByType: map[string]int{}}
}

// RecordEquity appends a snapshot and maintains peak equity / max drawdown.
func (m *ReplayMetrics) RecordEquity(ts time.Time, equity, marginUsed, unrealizedPnl decimal.Decimal, openPositions int) {
	m.EquityCurve = append(m.EquityCurve, EquitySnapshot{
		Timestamp:     ts,
		Equity:        equity,
		MarginUsed:    marginUsed,
		UnrealizedPnl: unrealizedPnl,
		OpenPositions: openPositions,
	})
	if equity.GreaterThan(m.PeakEquity) {
		m.PeakEquity = equity
	}
	if m.PeakEquity.IsPositive() {
		dd := m.PeakEquity.Sub(equity)
		ddPct := dd.Div(m.PeakEquity).InexactFloat64() * 100
		if dd.GreaterThan(m.MaxDrawdownUSD) {
			m.MaxDrawdownUSD = dd
		}
		if ddPct > m.MaxDrawdownPct {
			m.MaxDrawdownPct = ddPct
		}
	}
}

// RecordTrade records a completed trade and its win/loss bucket.
func (m *ReplayMetrics) RecordTrade(t TradeRecord) {
	m.TotalTrades++
	if t.Pnl.IsPositive() {
		m.WinningTrades++
	} else if t.Pnl.IsNegative() {
		m.LosingTrades++
	}
	m.GrossPnl = m.GrossPnl.Add(t.Pnl)
	m.TradeLog = append(m.TradeLog, t)
}

// RecordFill updates fill counters and the slippage aggregates. slippageBps
// is the signed distance from the reference mid at execution.
func (m *ReplayMetrics) RecordFill(fill SimFill, slippageBps float64, slippageUSD decimal.Decimal) {
	m.TotalFills++
	if fill.IsMaker {
		m.MakerFills++
	} else {
		m.TakerFills++
	}
	m.slippageBpsSum += slippageBps
	m.slippageSamples++
	m.TotalSlippageUSD = m.TotalSlippageUSD.Add(slippageUSD)
}

// RecordEvent appends a safety/system event.
func (m *ReplayMetrics) RecordEvent(eventType string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	m.EventLog = append(m.EventLog, ReplayEvent{Type: eventType, Details: details})
}

// RecordException counts one caught exception by kind name.
func (m *ReplayMetrics) RecordException(name string) {
	m.ExceptionsCaught++
	m.ExceptionsByType[name]++
}

// -- Computed metrics --

// WinRate is winning/total trades.
func (m *ReplayMetrics) WinRate() float64 {
	if m.TotalTrades == 0 {
		return 0
	}
	return float64(m.WinningTrades) / float64(m.TotalTrades)
}

// ProfitFactor is gross wins over gross losses (Inf when lossless).
func (m *ReplayMetrics) ProfitFactor() float64 {
	wins, losses := decimal.Zero, decimal.Zero
	for _, t := range m.TradeLog {
		if t.Pnl.IsPositive() {
			wins = wins.Add(t.Pnl)
		} else if t.Pnl.IsNegative() {
			losses = losses.Add(t.Pnl.Abs())
		}
	}
	if losses.IsZero() {
		if wins.IsPositive() {
			return math.Inf(1)
		}
		return 0
	}
	return wins.Div(losses).InexactFloat64()
}

// MakerRatio is maker fills over all fills.
func (m *ReplayMetrics) MakerRatio() float64 {
	total := m.MakerFills + m.TakerFills
	if total == 0 {
		return 0
	}
	return float64(m.MakerFills) / float64(total)
}

// AvgSlippageBps averages the recorded per-fill slippage.
func (m *ReplayMetrics) AvgSlippageBps() float64 {
	if m.slippageSamples == 0 {
		return 0
	}
	return m.slippageBpsSum / float64(m.slippageSamples)
}

// FeeDragPct is fees as % of |gross PnL|.
func (m *ReplayMetrics) FeeDragPct() float64 {
	if m.GrossPnl.IsZero() {
		return 0
	}
	return m.TotalFees.Div(m.GrossPnl.Abs()).InexactFloat64() * 100
}

// AvgHoldingMinutes averages holding time over completed trades.
func (m *ReplayMetrics) AvgHoldingMinutes() float64 {
	if len(m.TradeLog) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range m.TradeLog {
		sum += t.HoldingMinutes
	}
	return sum / float64(len(m.TradeLog))
}

// -- Report --

// Summary returns the full metrics summary as a nested map (JSON shape).
func (m *ReplayMetrics) Summary() map[string]any {
	pf := m.ProfitFactor()
	pfOut := any(round4(pf))
	if math.IsInf(pf, 1) {
		pfOut = "inf"
	}
	return map[string]any{
		"safety": map[string]any{
			"invariant_k_violations":         m.InvariantViolations,
			"naked_position_detections":      m.NakedPositionDetections,
			"self_heal_attempts":             m.SelfHealAttempts,
			"self_heal_successes":            m.SelfHealSuccesses,
			"self_heal_failures":             m.SelfHealFailures,
			"kill_switch_activations":        m.KillSwitchActivations,
			"orders_blocked_by_rate_limiter": m.OrdersBlockedByRateLimit,
			"breaker_opens":                  m.BreakerOpenCount,
			"orders_rejected_total":          m.OrdersRejectedTotal,
			"reduce_only_rejections":         m.ReduceOnlyRejections,
			"insufficient_margin_rejections": m.InsufficientMarginRejections,
			"min_size_rejections":            m.MinSizeRejections,
		},
		"trading": map[string]any{
			"total_trades":        m.TotalTrades,
			"winning_trades":      m.WinningTrades,
			"losing_trades":       m.LosingTrades,
			"win_rate":            round4(m.WinRate()),
			"profit_factor":       pfOut,
			"gross_pnl":           m.GrossPnl.InexactFloat64(),
			"total_fees":          m.TotalFees.InexactFloat64(),
			"total_funding":       m.TotalFunding.InexactFloat64(),
			"net_pnl":             m.GrossPnl.Sub(m.TotalFees).Sub(m.TotalFunding).InexactFloat64(),
			"peak_equity":         m.PeakEquity.InexactFloat64(),
			"max_drawdown_pct":    round2(m.MaxDrawdownPct),
			"max_drawdown_usd":    m.MaxDrawdownUSD.InexactFloat64(),
			"avg_holding_minutes": round1(m.AvgHoldingMinutes()),
		},
		"execution": map[string]any{
			"total_fills":        m.TotalFills,
			"maker_fills":        m.MakerFills,
			"taker_fills":        m.TakerFills,
			"maker_ratio":        round4(m.MakerRatio()),
			"avg_slippage_bps":   round2(m.AvgSlippageBps()),
			"total_slippage_usd": m.TotalSlippageUSD.InexactFloat64(),
			"fee_drag_pct":       round2(m.FeeDragPct()),
		},
		"system": map[string]any{
			"total_ticks":        m.TotalTicks,
			"failed_ticks":       m.FailedTicks,
			"exceptions_caught":  m.ExceptionsCaught,
			"exceptions_by_type": m.ExceptionsByType,
		},
	}
}

// Report renders a human-readable report.
func (m *ReplayMetrics) Report() string {
	s := m.Summary()
	var b strings.Builder
	sep := strings.Repeat("=", 70)
	b.WriteString("\n" + sep + "\nREPLAY BACKTEST REPORT\n" + sep + "\n")
	for _, section := range []string{"safety", "trading", "execution", "system"} {
		b.WriteString("\n--- " + strings.ToUpper(section) + " ---\n")
		group := s[section].(map[string]any)
		keys := make([]string, 0, len(group))
		for k := range group {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("  %s: %v\n", k, group[k]))
		}
	}
	b.WriteString(sep + "\n")
	return b.String()
}

// Save writes the summary plus the equity curve to a JSON file.
func (m *ReplayMetrics) Save(path string) error {
	data := m.Summary()
	curve := make([]map[string]any, 0, len(m.EquityCurve))
	for _, s := range m.EquityCurve {
		curve = append(curve, map[string]any{
			"timestamp":      s.Timestamp.Format(time.RFC3339),
			"equity":         s.Equity.InexactFloat64(),
			"margin_used":    s.MarginUsed.InexactFloat64(),
			"open_positions": s.OpenPositions,
		})
	}
	data["equity_curve"] = curve
	data["trade_count"] = len(m.TradeLog)
	data["event_count"] = len(m.EventLog)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
