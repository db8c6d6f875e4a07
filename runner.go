// FILE: runner.go
// Package main – Step-by-step replay runner.
//
// Orchestrates one replay: loads the data store, wires clock + exchange +
// metrics (+ optional fault injector), constructs the trading engine with
// the simulated client injected, then drives everything one tick at a time:
//
//   clock.Set(current)
//   fills := exchange.Step(current)        // stops, entered-book, limits, funding
//   record fills into metrics
//   engine.Tick()                          // the real engine code path
//   classify any error; snapshot equity
//   current += tickInterval
//
// Determinism: two runs with identical inputs and jitter seed produce
// byte-identical fill logs, equity curves, and metrics. Unclassified errors
// propagate and terminate the run; everything else is recorded and ridden out.

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// RunnerOptions configures one replay run.
type RunnerOptions struct {
	DataDir        string
	Symbols        []string
	Start          time.Time
	End            time.Time
	TickInterval   time.Duration
	ExchangeConfig ExchangeConfig
	EngineConfig   EngineConfig
	Faults         *FaultInjector
	MaxTicks       int
	Timeframes     []string
}

// Runner drives the trading engine against the simulated exchange.
type Runner struct {
	opts RunnerOptions

	clock    *SimClock
	store    *DataStore
	exchange *Exchange
	trader   *Trader
	metrics  *ReplayMetrics
}

// NewRunner validates options and applies defaults.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Start.IsZero() || opts.End.IsZero() {
		return nil, ErrInvalidTime
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 60 * time.Second
	}
	if len(opts.Timeframes) == 0 {
		opts.Timeframes = []string{"1m"}
	}
	return &Runner{opts: opts}, nil
}

// Metrics exposes the collector (populated during Run).
func (r *Runner) Metrics() *ReplayMetrics { return r.metrics }

// Exchange exposes the simulator (available after Run starts).
func (r *Runner) Exchange() *Exchange { return r.exchange }

// Run executes the full replay. The returned metrics are always usable, even
// when err is non-nil (an unclassified error that terminated the run early).
func (r *Runner) Run(ctx context.Context) (*ReplayMetrics, error) {
	if err := r.setup(); err != nil {
		return nil, err
	}

	log.Printf("REPLAY_START start=%s end=%s symbols=%v tick_interval=%s",
		r.opts.Start.Format(time.RFC3339), r.opts.End.Format(time.RFC3339),
		r.opts.Symbols, r.opts.TickInterval)

	var runErr error
	tickCount := 0
	current := r.opts.Start
	var prevEx ExchangeMetrics
	prevFaults := 0
	fillCursor := 0

	for !current.After(r.opts.End) {
		if r.opts.MaxTicks > 0 && tickCount >= r.opts.MaxTicks {
			break
		}
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
		default:
		}
		if runErr != nil {
			break
		}

		if err := r.clock.Set(current); err != nil {
			return r.metrics, err
		}

		// Exchange state first: fills produced in tick k are visible to the
		// engine's tick k.
		r.exchange.Step(current)
		fillCursor = r.recordNewFills(fillCursor, current)

		// One engine tick, classified by error kind.
		if err := r.trader.Tick(ctx); err != nil {
			switch kindOf(err) {
			case KindInvariant:
				r.metrics.InvariantViolations++
				r.metrics.RecordException(exceptionName(err))
				r.metrics.RecordEvent("INVARIANT_VIOLATION", map[string]any{"error": err.Error()})
				log.Printf("[WARN] REPLAY_INVARIANT_VIOLATION tick=%d error=%v", tickCount, err)
			case KindOperational, KindRateLimit, KindCircuitOpen, KindData:
				r.metrics.RecordException(exceptionName(err))
				r.metrics.FailedTicks++
				IncTick(false)
			default:
				// Programming bug: record, then let it crash the run.
				r.metrics.RecordException(exceptionName(err))
				r.metrics.FailedTicks++
				IncTick(false)
				log.Printf("[WARN] REPLAY_TICK_EXCEPTION tick=%d error=%v", tickCount, err)
				runErr = fmt.Errorf("tick %d: %w", tickCount, err)
			}
		} else {
			r.metrics.TotalTicks++
			IncTick(true)
		}

		// Orders the engine placed this tick may have filled eagerly.
		fillCursor = r.recordNewFills(fillCursor, current)

		// Live-metric deltas for this tick.
		exm := r.exchange.Metrics()
		for i := 0; i < exm.MinSizeRejections-prevEx.MinSizeRejections; i++ {
			IncRejection("min_size")
		}
		for i := 0; i < exm.ReduceOnlyRejections-prevEx.ReduceOnlyRejections; i++ {
			IncRejection("reduce_only")
		}
		for i := 0; i < exm.InsufficientMarginRejections-prevEx.InsufficientMarginRejections; i++ {
			IncRejection("insufficient_margin")
		}
		for i := 0; i < exm.FundingEvents-prevEx.FundingEvents; i++ {
			IncFundingEvent()
		}
		prevEx = exm
		if r.opts.Faults != nil {
			stats := r.opts.Faults.Stats()
			for _, ev := range r.opts.Faults.Log()[prevFaults:] {
				IncFaultInjected(ev.Kind)
			}
			prevFaults = stats.Total
		}

		// Equity snapshot after the engine ran.
		r.metrics.RecordEquity(current, r.exchange.Equity(), r.exchange.MarginUsed(),
			r.exchange.UnrealizedPnl(), r.exchange.OpenPositionCount())
		SetEquityMetric(r.exchange.Equity().InexactFloat64())
		SetOpenPositions(r.exchange.OpenPositionCount())
		SetBreakerStateMetric(r.exchange.Breaker().State())

		tickCount++
		current = current.Add(r.opts.TickInterval)
	}

	r.finalize()
	log.Printf("REPLAY_COMPLETE ticks=%d pnl=%s fees=%s trades=%d",
		tickCount, r.metrics.GrossPnl.StringFixed(2), r.metrics.TotalFees.StringFixed(2), r.metrics.TotalTrades)
	return r.metrics, runErr
}

// setup builds every component and injects the simulated client into the
// engine. Dry-run is force-disabled at the transport boundary: the replay
// wants the simulator to receive orders.
func (r *Runner) setup() error {
	clock, err := NewSimClock(r.opts.Start)
	if err != nil {
		return err
	}
	r.clock = clock

	r.store = NewDataStore(r.opts.DataDir, r.opts.Symbols, r.opts.Timeframes)
	if err := r.store.Load(); err != nil {
		return err
	}

	cfg := r.opts.ExchangeConfig
	cfg.DryRun = false
	r.exchange = NewExchange(r.clock, r.store, cfg, r.opts.Faults)

	r.metrics = NewReplayMetrics()
	r.metrics.PeakEquity = cfg.InitialEquityUSD

	engineCfg := r.opts.EngineConfig
	if engineCfg.WarmupBars == 0 {
		engineCfg = loadEngineConfigFromEnv()
	}
	r.trader = NewTrader(engineCfg, r.exchange, r.clock, r.opts.Symbols, r.exchange.Breaker(), r.metrics)
	return nil
}

// recordNewFills drains the exchange fill log from cursor onward into the
// metrics and returns the new cursor. The log is append-only, so a cursor is
// enough to see each fill exactly once.
func (r *Runner) recordNewFills(cursor int, now time.Time) int {
	fills := r.exchange.Fills()
	for _, fill := range fills[cursor:] {
		r.recordFill(fill, now)
	}
	return len(fills)
}

// recordFill pushes one fill into the metrics, with slippage measured against
// the bar mid at execution.
func (r *Runner) recordFill(fill SimFill, now time.Time) {
	slippageBps := 0.0
	slippageUSD := decimal.Zero
	if bar, ok := r.store.CandleAt(fill.Symbol, "1m", now); ok {
		mid := bar.Mid()
		if mid.IsPositive() {
			diff := fill.Price.Sub(mid)
			if fill.Side == SideSell {
				diff = diff.Neg()
			}
			slippageBps = diff.Div(mid).InexactFloat64() * 10_000
			slippageUSD = diff.Mul(fill.Size)
		}
	}
	r.metrics.RecordFill(fill, slippageBps, slippageUSD)
	IncFill(fill.IsMaker)
}

// finalize reconciles the authoritative exchange totals into the metrics.
func (r *Runner) finalize() {
	r.metrics.TotalFees = r.exchange.TotalFees()
	r.metrics.TotalFunding = r.exchange.TotalFunding()
	r.metrics.GrossPnl = r.exchange.RealizedPnl()
	r.metrics.OrdersBlockedByRateLimit = r.trader.RateLimiterBlocks()
	r.metrics.BreakerOpenCount = r.exchange.Breaker().OpenCount()

	m := r.exchange.Metrics()
	r.metrics.OrdersRejectedTotal = m.OrdersRejected
	r.metrics.ReduceOnlyRejections = m.ReduceOnlyRejections
	r.metrics.InsufficientMarginRejections = m.InsufficientMarginRejections
	r.metrics.MinSizeRejections = m.MinSizeRejections
}
