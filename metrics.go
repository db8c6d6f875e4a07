// FILE: metrics.go
// Package main – Prometheus metrics for observing a replay while it runs.
//
// Exposes the primary gauges/counters the harness updates per tick:
//   • replay_equity_usd                 – current simulated equity (gauge)
//   • replay_ticks_total{result}        – ticks by result (ok|failed)
//   • replay_fills_total{liquidity}     – fills by liquidity (maker|taker)
//   • replay_orders_rejected_total{reason} – typed pre-flight rejections
//   • replay_faults_injected_total{kind}   – injected faults by kind
//   • replay_funding_events_total       – funding sweeps applied
//   • replay_breaker_state{state}       – breaker indicator (0/1 per state)
//   • replay_open_positions             – open position count (gauge)
//
// Registered in init() and served by the HTTP handler started in main.go at
// /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replay_equity_usd",
			Help: "Simulated account equity in USD",
		},
	)

	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_ticks_total",
			Help: "Engine ticks by result",
		},
		[]string{"result"}, // ok|failed
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_fills_total",
			Help: "Fills by liquidity flag",
		},
		[]string{"liquidity"}, // maker|taker
	)

	mtxRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_orders_rejected_total",
			Help: "Pre-flight order rejections by reason",
		},
		[]string{"reason"}, // min_size|reduce_only|insufficient_margin
	)

	mtxFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_faults_injected_total",
			Help: "Injected faults by kind",
		},
		[]string{"kind"},
	)

	mtxFunding = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_funding_events_total",
			Help: "Funding sweeps applied",
		},
	)

	// One labeled series per state, flipped between 0/1, keeps dashboards simple.
	mtxBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replay_breaker_state",
			Help: "API circuit breaker state indicator (closed/open/half_open).",
		},
		[]string{"state"},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replay_open_positions",
			Help: "Open simulated positions",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxEquity, mtxTicks, mtxFills, mtxRejections)
	prometheus.MustRegister(mtxFaults, mtxFunding, mtxBreakerState, mtxOpenPositions)
}

// Helper setters used by the runner; keep label values in one place.

func SetEquityMetric(v float64)    { mtxEquity.Set(v) }
func SetOpenPositions(n int)       { mtxOpenPositions.Set(float64(n)) }
func IncTick(ok bool)              { mtxTicks.WithLabelValues(tickResult(ok)).Inc() }
func IncFill(isMaker bool)         { mtxFills.WithLabelValues(liquidityLabel(isMaker)).Inc() }
func IncRejection(reason string)   { mtxRejections.WithLabelValues(reason).Inc() }
func IncFaultInjected(kind string) { mtxFaults.WithLabelValues(kind).Inc() }
func IncFundingEvent()             { mtxFunding.Inc() }

// SetBreakerStateMetric flips the three labeled series to match state.
func SetBreakerStateMetric(state BreakerState) {
	for _, s := range []BreakerState{BreakerClosed, BreakerOpen, BreakerHalfOpen} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		mtxBreakerState.WithLabelValues(string(s)).Set(v)
	}
}

func tickResult(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func liquidityLabel(isMaker bool) string {
	if isMaker {
		return "maker"
	}
	return "taker"
}
