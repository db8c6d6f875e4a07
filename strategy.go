// FILE: strategy.go
// Package main – Signal enums and the deterministic decision logic.
//
// The replay engine's decision blends:
//   • RSI(14) mean-reversion thresholds (BUY_THRESHOLD / SELL_THRESHOLD)
//   • A moving-average regime filter (SMA10 vs SMA30), optionally enabled
//     via USE_MA_FILTER (see config.go thresholds).
//
// Everything here is a pure function of the candle history, so two replays
// over the same data produce the same decisions. No model state, no wall
// clock, no randomness.

package main

import (
	"fmt"
)

// Signal is the high-level intent.
type Signal int

const (
	Flat Signal = iota
	Buy
	Sell
)

// String implements fmt.Stringer for pretty logging.
func (s Signal) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "FLAT"
	}
}

// Decision captures what to do and why.
type Decision struct {
	Signal     Signal
	Confidence float64
	Reason     string
}

// SignalToSide converts the intent into an order side.
func (d Decision) SignalToSide() OrderSide {
	if d.Signal == Sell {
		return SideSell
	}
	return SideBuy
}

// decide turns recent candles into a trading intent. Requires warmup bars of
// history; below that it holds flat.
func decide(c []Candle, warmup int, buyThreshold, sellThreshold float64, useMAFilter bool) Decision {
	if len(c) < warmup {
		return Decision{Signal: Flat, Confidence: 0, Reason: "not_enough_data"}
	}
	i := len(c) - 1

	rsis := RSI(c, 14)
	ma10 := SMA(c, 10)
	ma30 := SMA(c, 30)
	rsi := rsis[i]

	bullRegime := ma10[i] > ma30[i]
	bearRegime := ma10[i] < ma30[i]

	reason := fmt.Sprintf("rsi=%.1f ma10=%.2f ma30=%.2f", rsi, ma10[i], ma30[i])

	// Buy dips when oversold and (optionally) the regime agrees.
	if rsi > 0 && rsi < buyThreshold && (!useMAFilter || bullRegime) {
		return Decision{Signal: Buy, Confidence: (buyThreshold - rsi) / buyThreshold, Reason: reason}
	}
	// Sell rips when overbought and (optionally) the regime agrees.
	if rsi > sellThreshold && (!useMAFilter || bearRegime) {
		return Decision{Signal: Sell, Confidence: (rsi - sellThreshold) / (100 - sellThreshold), Reason: reason}
	}
	return Decision{Signal: Flat, Confidence: 0.5, Reason: reason}
}
