// FILE: exchange.go
// Package main – Simulated perpetual-futures exchange.
//
// What’s modeled:
//   • Market/limit/stop/take-profit order lifecycle with venue semantics
//   • Fill model: half-spread + depth-scaled slippage, clamped into the bar
//   • Stop trigger → entered_book → delayed fill sequence
//   • Account state (equity, margin, positions) recomputed on every fill
//     and mark update
//   • Maker/taker fees; maker/taker classified by mid-crossing at placement
//   • Per-symbol funding-rate curves with vol-spike variability
//   • Deterministic seeded jitter on fills, delays, slippage
//   • Per-call latency model (seeded, advances the sim clock)
//   • Layer-1 visibility quirk: entered_book orders hidden from the open-order
//     list while still visible via FetchOrder
//
// All state is owned here; external references to orders and fills are by id.
// Randomness flows through one seeded RNG so two runs with the same seed
// produce byte-identical fill logs.

package main

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order lifecycle states. entered_book is the transitional state of a
// triggered stop waiting to execute; partially_filled is reserved for a
// future partial-fill model.
const (
	StatusOpen            = "open"
	StatusEnteredBook     = "entered_book"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusPartiallyFilled = "partially_filled"
)

// Order types accepted by PlaceFuturesOrder.
const (
	TypeMarket     = "market"
	TypeLimit      = "limit"
	TypeStop       = "stop"
	TypeTakeProfit = "take_profit"
)

// SimOrder is an exchange-owned order. The engine only ever sees OrderViews.
type SimOrder struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          string
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Price         *decimal.Decimal // limit price
	StopPrice     *decimal.Decimal // trigger price for stop/take_profit
	ReduceOnly    bool
	Leverage      *decimal.Decimal
	Status        string
	CreatedAt     time.Time
	TriggeredAt   *time.Time
	FilledAt      *time.Time
	AvgFillPrice  *decimal.Decimal
	MidAtPlace    *decimal.Decimal // mid at acceptance, for maker/taker
}

func (o *SimOrder) terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// SimPosition is the one-per-symbol open position. Size is strictly positive;
// a flat position is removed from the map, never kept at zero.
type SimPosition struct {
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Leverage      decimal.Decimal
}

// SimFill is one append-only fill record; the authoritative trade history.
type SimFill struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Fee        decimal.Decimal `json:"fee"`
	IsMaker    bool            `json:"is_maker"`
	Timestamp  time.Time       `json:"timestamp"`
	ReduceOnly bool            `json:"reduce_only"`
}

// FundingCurve is a per-symbol funding rate description.
type FundingCurve struct {
	BaseRate8hBps      float64 `yaml:"base_rate_8h_bps"`
	VolSpikeMultiplier float64 `yaml:"vol_spike_multiplier"`
}

// FundingEvent is one funding charge applied to one position.
type FundingEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	RateBps    float64   `json:"rate_bps"`
	Notional   float64   `json:"notional"`
	FundingUSD float64   `json:"funding_usd"`
}

// ExchangeConfig holds every simulator knob. YAML tags allow per-episode
// override files via the --config flag.
type ExchangeConfig struct {
	InitialEquityUSD decimal.Decimal `yaml:"initial_equity_usd"`
	MakerFeeBps      float64         `yaml:"maker_fee_bps"`
	TakerFeeBps      float64         `yaml:"taker_fee_bps"`
	FundingRate8hBps float64         `yaml:"funding_rate_8h_bps"` // flat fallback
	DefaultLeverage  decimal.Decimal `yaml:"default_leverage"`

	// Fill model
	SlippageFactor         float64 `yaml:"slippage_factor"`
	PartialFillProbability float64 `yaml:"partial_fill_probability"` // reserved, 0 = always full

	// Stop entered_book delay: base seconds, scaled by vol/depth at runtime
	StopEnteredBookDelayBase float64 `yaml:"stop_entered_book_delay_base_seconds"`

	// Order rejection realism
	MinOrderSizeUSD            float64 `yaml:"min_order_size_usd"`
	RejectReduceOnlyConflicts  bool    `yaml:"reject_reduce_only_conflicts"`
	RejectInsufficientMargin   bool    `yaml:"reject_insufficient_margin"`
	HideEnteredBookFromListing bool    `yaml:"hide_entered_book_from_open_orders"`

	// Deterministic jitter (seeded)
	JitterSeed        int64   `yaml:"jitter_seed"`
	JitterEnabled     bool    `yaml:"jitter_enabled"`
	JitterFillBps     float64 `yaml:"jitter_fill_bps"`
	JitterDelayPct    float64 `yaml:"jitter_delay_pct"`
	JitterSlippagePct float64 `yaml:"jitter_slippage_pct"`

	// Per-symbol funding curves
	FundingCurves map[string]FundingCurve `yaml:"funding_curves"`

	// API latency model
	LatencyEnabled bool    `yaml:"latency_enabled"`
	LatencyBaseMs  float64 `yaml:"latency_base_ms"`
	LatencyMaxMs   float64 `yaml:"latency_max_ms"`

	// Transport-boundary refusal: when set, order placement is refused with
	// an operational error. The replay runner always disables this.
	DryRun bool `yaml:"dry_run"`

	// Breaker thresholds
	BreakerFailureThreshold   int     `yaml:"breaker_failure_threshold"`
	BreakerRateLimitThreshold int     `yaml:"breaker_rate_limit_threshold"`
	BreakerCooldownSeconds    float64 `yaml:"breaker_cooldown_seconds"`
}

// DefaultExchangeConfig mirrors the venue's standard fee/funding schedule.
func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		InitialEquityUSD:          decimal.NewFromInt(10_000),
		MakerFeeBps:               2.0,
		TakerFeeBps:               5.0,
		FundingRate8hBps:          1.0,
		DefaultLeverage:           decimal.NewFromInt(7),
		SlippageFactor:            0.5,
		StopEnteredBookDelayBase:  1.0,
		MinOrderSizeUSD:           5.0,
		RejectReduceOnlyConflicts: true,
		RejectInsufficientMargin:  true,
		JitterSeed:                42,
		JitterEnabled:             true,
		JitterFillBps:             2.0,
		JitterDelayPct:            0.20,
		JitterSlippagePct:         0.15,
		LatencyBaseMs:             50.0,
		LatencyMaxMs:              200.0,
		BreakerFailureThreshold:   5,
		BreakerRateLimitThreshold: 2,
		BreakerCooldownSeconds:    60.0,
	}
}

// ExchangeMetrics is the simulator's own counter snapshot, reconciled into
// the replay metrics at the end of a run.
type ExchangeMetrics struct {
	OrdersPlaced                 int     `json:"orders_placed"`
	OrdersFilled                 int     `json:"orders_filled"`
	OrdersCancelled              int     `json:"orders_cancelled"`
	OrdersRejected               int     `json:"orders_rejected"`
	StopsTriggered               int     `json:"stops_triggered"`
	TotalFills                   int     `json:"total_fills"`
	ReduceOnlyRejections         int     `json:"reduce_only_rejections"`
	InsufficientMarginRejections int     `json:"insufficient_margin_rejections"`
	MinSizeRejections            int     `json:"min_size_rejections"`
	MidFallbackCount             int     `json:"mid_fallback_count"`
	FundingEvents                int     `json:"funding_events"`
	LatencyInjectedMsTotal       float64 `json:"latency_injected_ms_total"`
}

// Exchange is the simulated venue. It satisfies ExchangeClient.
type Exchange struct {
	clock *SimClock
	data  *DataStore
	cfg   ExchangeConfig
	fault *FaultInjector
	rng   *rand.Rand

	breaker *APICircuitBreaker

	// Account state
	equity          decimal.Decimal
	availableMargin decimal.Decimal
	marginUsed      decimal.Decimal
	realizedPnl     decimal.Decimal
	totalFees       decimal.Decimal
	totalFunding    decimal.Decimal

	// Book. orderSeq preserves insertion order: step() must process orders
	// deterministically and Go maps do not iterate in order.
	orders   map[string]*SimOrder
	orderSeq []string
	// positions keyed by symbol; posSeq keeps deterministic iteration order.
	positions map[string]*SimPosition
	posSeq    []string

	fills []SimFill

	lastFundingTime *time.Time
	fundingLog      []FundingEvent

	m ExchangeMetrics
}

var _ ExchangeClient = (*Exchange)(nil)

// NewExchange wires a simulator to a clock and data store. fault may be nil.
func NewExchange(clock *SimClock, data *DataStore, cfg ExchangeConfig, fault *FaultInjector) *Exchange {
	if cfg.InitialEquityUSD.IsZero() {
		cfg.InitialEquityUSD = decimal.NewFromInt(10_000)
	}
	if cfg.DefaultLeverage.IsZero() {
		cfg.DefaultLeverage = decimal.NewFromInt(7)
	}
	return &Exchange{
		clock:           clock,
		data:            data,
		cfg:             cfg,
		fault:           fault,
		rng:             rand.New(rand.NewSource(cfg.JitterSeed)),
		breaker:         NewAPICircuitBreaker(clock, cfg.BreakerFailureThreshold, cfg.BreakerRateLimitThreshold, secondsToDuration(cfg.BreakerCooldownSeconds), "replay_api"),
		equity:          cfg.InitialEquityUSD,
		availableMargin: cfg.InitialEquityUSD,
		orders:          map[string]*SimOrder{},
		positions:       map[string]*SimPosition{},
	}
}

// Breaker exposes the API circuit breaker so the engine can record outcomes.
func (e *Exchange) Breaker() *APICircuitBreaker { return e.breaker }

// Metrics returns the simulator counter snapshot.
func (e *Exchange) Metrics() ExchangeMetrics { return e.m }

// Equity returns current account equity.
func (e *Exchange) Equity() decimal.Decimal { return e.equity }

// MarginUsed returns the margin locked by open positions.
func (e *Exchange) MarginUsed() decimal.Decimal { return e.marginUsed }

// RealizedPnl returns cumulative realized PnL.
func (e *Exchange) RealizedPnl() decimal.Decimal { return e.realizedPnl }

// TotalFees returns cumulative fees charged.
func (e *Exchange) TotalFees() decimal.Decimal { return e.totalFees }

// TotalFunding returns cumulative funding charged.
func (e *Exchange) TotalFunding() decimal.Decimal { return e.totalFunding }

// UnrealizedPnl sums unrealized PnL over open positions.
func (e *Exchange) UnrealizedPnl() decimal.Decimal {
	total := decimal.Zero
	for _, sym := range e.posSeq {
		total = total.Add(e.positions[sym].UnrealizedPnl)
	}
	return total
}

// OpenPositionCount returns the number of open positions.
func (e *Exchange) OpenPositionCount() int { return len(e.posSeq) }

// Fills returns the append-only fill log.
func (e *Exchange) Fills() []SimFill { return e.fills }

// FundingLog returns the per-event funding records.
func (e *Exchange) FundingLog() []FundingEvent { return e.fundingLog }

// JitterSeed returns the seed driving this run's randomness.
func (e *Exchange) JitterSeed() int64 { return e.cfg.JitterSeed }

// -- Fault injection + latency hooks --

func (e *Exchange) checkFault(method string) error {
	if e.fault == nil {
		return nil
	}
	return e.fault.MaybeInject(method, e.clock.Now())
}

// maybeInjectLatency draws a seeded latency, advances the sim clock by it and
// yields once, surfacing interleavings between cooperative tasks. It never
// blocks on wall time.
func (e *Exchange) maybeInjectLatency() {
	if !e.cfg.LatencyEnabled {
		return
	}
	latencyMs := e.cfg.LatencyBaseMs + e.rng.Float64()*(e.cfg.LatencyMaxMs-e.cfg.LatencyBaseMs)
	e.m.LatencyInjectedMsTotal += latencyMs
	_ = e.clock.Advance(time.Duration(latencyMs * float64(time.Millisecond)))
	e.clock.Sleep(0)
}

// -- Core simulation: advance exchange state --

// Step advances the simulation to now: stop triggers, entered-book fills,
// market and limit fills, then funding, then the mark-to-market refresh.
// Orders are processed in insertion order. Returns the fills produced.
func (e *Exchange) Step(now time.Time) []SimFill {
	var newFills []SimFill

	for _, id := range e.orderSeq {
		order := e.orders[id]
		if order.terminal() {
			continue
		}
		bar, ok := e.data.CandleAt(order.Symbol, "1m", now)
		if !ok {
			continue
		}
		liq := e.data.LiquidityAt(order.Symbol, now)

		// Stop/take-profit trigger check
		if (order.Type == TypeStop || order.Type == TypeTakeProfit) && order.Status == StatusOpen {
			if shouldTriggerStop(order, bar) {
				order.Status = StatusEnteredBook
				t := now
				order.TriggeredAt = &t
				e.m.StopsTriggered++
				log.Printf("TRACE stop.triggered order_id=%s symbol=%s stop=%s bar_low=%s bar_high=%s",
					order.ID, order.Symbol, order.StopPrice, bar.Low, bar.High)
			}
		}

		// Entered-book stops fill after a vol/depth-dependent delay
		if order.Status == StatusEnteredBook {
			delay := e.enteredBookDelay(liq)
			if order.TriggeredAt != nil && !now.Before(order.TriggeredAt.Add(delay)) {
				newFills = append(newFills, e.fillMarketOrder(order, bar, liq, now))
			}
		}

		// Market orders in open state fill immediately
		if order.Type == TypeMarket && order.Status == StatusOpen {
			newFills = append(newFills, e.fillMarketOrder(order, bar, liq, now))
		}

		// Limit orders fill when the bar crossed the limit price
		if order.Type == TypeLimit && order.Status == StatusOpen {
			if fill, ok := e.tryFillLimit(order, bar, now); ok {
				newFills = append(newFills, fill)
			}
		}
	}

	e.applyFunding(now)
	e.updateUnrealizedPnl(now)
	e.recalculateAccount()

	return newFills
}

// shouldTriggerStop implements the venue's trigger rules; ties count.
//
//	buy stop:  high >= stop     sell stop: low <= stop
//	buy TP:    low  <= tp       sell TP:   high >= tp
func shouldTriggerStop(order *SimOrder, bar CandleBar) bool {
	if order.StopPrice == nil {
		return false
	}
	sp := *order.StopPrice
	if order.Type == TypeStop {
		if order.Side == SideBuy {
			return bar.High.GreaterThanOrEqual(sp)
		}
		return bar.Low.LessThanOrEqual(sp)
	}
	// take_profit
	if order.Side == SideBuy {
		return bar.Low.LessThanOrEqual(sp)
	}
	return bar.High.GreaterThanOrEqual(sp)
}

// enteredBookDelay computes the trigger → fill delay:
// base * max(volMult, depthMult) * (1 + jitter).
// Calm and deep books fill near-instantly; extreme and thin books crawl.
func (e *Exchange) enteredBookDelay(liq LiquidityParams) time.Duration {
	base := e.cfg.StopEnteredBookDelayBase

	volMult := 1.0
	switch liq.VolatilityRegime {
	case RegimeLow:
		volMult = 0.2
	case RegimeNormal:
		volMult = 1.0
	case RegimeHigh:
		volMult = 3.0
	case RegimeExtreme:
		volMult = 8.0
	}

	depth := liq.DepthUSDAt1Bp
	if depth < 1 {
		depth = 1
	}
	var depthMult float64
	switch {
	case depth > 80_000:
		depthMult = 0.5
	case depth > 30_000:
		depthMult = 1.0
	case depth > 10_000:
		depthMult = 2.0
	default:
		depthMult = 4.0
	}

	delay := base * maxFloat(volMult, depthMult)
	if e.cfg.JitterEnabled {
		delay *= 1.0 + e.uniform(e.cfg.JitterDelayPct)
	}
	if delay < 0 {
		delay = 0
	}
	return secondsToDuration(delay)
}

// uniform draws from Uniform(-p, +p) on the exchange's seeded stream.
func (e *Exchange) uniform(p float64) float64 {
	return (e.rng.Float64()*2 - 1) * p
}

// limitFillIsMaker classifies a limit fill by mid-crossing at placement:
// a limit that crossed the mid when accepted took liquidity; one resting
// away from the mid that filled later made it. Falls back to bar open when
// the placement mid is unknown (tracked as a data gap).
func (e *Exchange) limitFillIsMaker(order *SimOrder, bar CandleBar) bool {
	midAtPlace := order.MidAtPlace
	if midAtPlace == nil {
		o := bar.Open
		midAtPlace = &o
		e.m.MidFallbackCount++
	}
	if order.Price == nil {
		return false
	}
	if order.Side == SideBuy {
		return order.Price.LessThan(*midAtPlace)
	}
	return order.Price.GreaterThan(*midAtPlace)
}

// fillMarketOrder fills a market order or an entered-book stop:
// fill = mid ± (half-spread + slippage), stop-bounded, jittered, clamped
// into the bar's range. Always taker.
func (e *Exchange) fillMarketOrder(order *SimOrder, bar CandleBar, liq LiquidityParams, now time.Time) SimFill {
	two := decimal.NewFromInt(2)
	mid := bar.Mid()
	spreadHalf := mid.Mul(liq.SpreadFraction()).Div(two)

	notional := order.Size.Mul(mid).InexactFloat64()
	depth := liq.DepthUSDAt1Bp
	if depth < 1 {
		depth = 1
	}
	slippageMult := e.cfg.SlippageFactor * (notional / depth)
	if e.cfg.JitterEnabled {
		slippageMult *= 1.0 + e.uniform(e.cfg.JitterSlippagePct)
	}
	// Clamp slippage to [0, 1%]
	if slippageMult < 0 {
		slippageMult = 0
	}
	if slippageMult > 0.01 {
		slippageMult = 0.01
	}
	slippage := mid.Mul(decimal.NewFromFloat(slippageMult))

	var fillPrice decimal.Decimal
	if order.Side == SideBuy {
		fillPrice = mid.Add(spreadHalf).Add(slippage)
		if order.StopPrice != nil && order.StopPrice.GreaterThan(fillPrice) {
			fillPrice = *order.StopPrice // stop fills no better than the stop
		}
	} else {
		fillPrice = mid.Sub(spreadHalf).Sub(slippage)
		if order.StopPrice != nil && order.StopPrice.LessThan(fillPrice) {
			fillPrice = *order.StopPrice
		}
	}

	if e.cfg.JitterEnabled {
		frac := e.uniform(e.cfg.JitterFillBps) / 10_000
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(frac)))
	}

	// Fill must land inside the bar's traded range
	if fillPrice.LessThan(bar.Low) {
		fillPrice = bar.Low
	}
	if fillPrice.GreaterThan(bar.High) {
		fillPrice = bar.High
	}

	feeRate := decimal.NewFromFloat(e.cfg.TakerFeeBps / 10_000)
	fillSize := order.Size.Sub(order.FilledSize)
	fee := fillSize.Mul(fillPrice).Mul(feeRate).Round(2)

	fill := SimFill{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      fillPrice.Round(4),
		Size:       fillSize,
		Fee:        fee,
		IsMaker:    false,
		Timestamp:  now,
		ReduceOnly: order.ReduceOnly,
	}
	e.settleFill(order, fill, fillPrice, now)
	return fill
}

// tryFillLimit fills a limit order at its exact limit price once the bar
// crossed it. Maker/taker depends on the mid at placement.
func (e *Exchange) tryFillLimit(order *SimOrder, bar CandleBar, now time.Time) (SimFill, bool) {
	if order.Price == nil {
		return SimFill{}, false
	}
	price := *order.Price
	crossed := false
	if order.Side == SideBuy {
		crossed = bar.Low.LessThanOrEqual(price)
	} else {
		crossed = bar.High.GreaterThanOrEqual(price)
	}
	if !crossed {
		return SimFill{}, false
	}

	isMaker := e.limitFillIsMaker(order, bar)
	bps := e.cfg.TakerFeeBps
	if isMaker {
		bps = e.cfg.MakerFeeBps
	}
	feeRate := decimal.NewFromFloat(bps / 10_000)
	fillSize := order.Size.Sub(order.FilledSize)
	fee := fillSize.Mul(price).Mul(feeRate).Round(2)

	fill := SimFill{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      price,
		Size:       fillSize,
		Fee:        fee,
		IsMaker:    isMaker,
		Timestamp:  now,
		ReduceOnly: order.ReduceOnly,
	}
	e.settleFill(order, fill, price, now)
	return fill, true
}

// settleFill finalizes the order, appends the fill, charges the fee and
// applies the fill to the position book.
func (e *Exchange) settleFill(order *SimOrder, fill SimFill, fillPrice decimal.Decimal, now time.Time) {
	order.FilledSize = order.Size
	avg := fillPrice
	order.AvgFillPrice = &avg
	order.Status = StatusFilled
	t := now
	order.FilledAt = &t

	e.fills = append(e.fills, fill)
	e.totalFees = e.totalFees.Add(fill.Fee)
	e.m.OrdersFilled++
	e.m.TotalFills++

	e.applyFillToPosition(fill, order.ReduceOnly)
}

// applyFillToPosition mutates the position book per the authoritative rules:
//  1. no position + non-reduce        → open in fill direction
//  2. no position + reduce-only       → no-op (placement should have rejected)
//  3. same direction + non-reduce     → increase, size-weighted entry
//  4. same direction + reduce-only    → no-op (cannot increase exposure)
//  5. opposite, size <= position      → realize pnl, shrink, remove at zero
//  6. opposite, size > position       → close all, open reversed remainder
//  7. opposite, size > position, r/o  → cap at flat; surplus discarded
func (e *Exchange) applyFillToPosition(fill SimFill, reduceOnly bool) {
	pos := e.positions[fill.Symbol]

	switch {
	case pos == nil:
		if reduceOnly {
			break
		}
		side := PositionLong
		if fill.Side == SideSell {
			side = PositionShort
		}
		e.addPosition(&SimPosition{
			Symbol:     fill.Symbol,
			Side:       side,
			Size:       fill.Size,
			EntryPrice: fill.Price,
			Leverage:   e.cfg.DefaultLeverage,
		})

	case sameDirection(pos.Side, fill.Side):
		if reduceOnly {
			break
		}
		totalNotional := pos.EntryPrice.Mul(pos.Size).Add(fill.Price.Mul(fill.Size))
		pos.Size = pos.Size.Add(fill.Size)
		if pos.Size.IsPositive() {
			pos.EntryPrice = totalNotional.Div(pos.Size)
		}

	default: // opposite direction: reduce / close / reverse
		effective := fill.Size
		if reduceOnly && effective.GreaterThan(pos.Size) {
			effective = pos.Size // cap at flat, never reverse
		}
		if effective.GreaterThanOrEqual(pos.Size) {
			pnl := closePnl(pos, fill.Price, pos.Size)
			e.realizedPnl = e.realizedPnl.Add(pnl)
			remaining := effective.Sub(pos.Size)
			e.removePosition(fill.Symbol)
			if remaining.IsPositive() && !reduceOnly {
				side := PositionLong
				if fill.Side == SideSell {
					side = PositionShort
				}
				e.addPosition(&SimPosition{
					Symbol:     fill.Symbol,
					Side:       side,
					Size:       remaining,
					EntryPrice: fill.Price,
					Leverage:   e.cfg.DefaultLeverage,
				})
			}
		} else {
			pnl := closePnl(pos, fill.Price, effective)
			e.realizedPnl = e.realizedPnl.Add(pnl)
			pos.Size = pos.Size.Sub(effective)
		}
	}

	e.recalculateAccount()
}

func sameDirection(posSide PositionSide, fillSide OrderSide) bool {
	return (posSide == PositionLong && fillSide == SideBuy) ||
		(posSide == PositionShort && fillSide == SideSell)
}

// closePnl realizes pnl for closing size at exitPrice.
func closePnl(pos *SimPosition, exitPrice, size decimal.Decimal) decimal.Decimal {
	if pos.Side == PositionLong {
		return exitPrice.Sub(pos.EntryPrice).Mul(size)
	}
	return pos.EntryPrice.Sub(exitPrice).Mul(size)
}

func (e *Exchange) addPosition(p *SimPosition) {
	e.positions[p.Symbol] = p
	e.posSeq = append(e.posSeq, p.Symbol)
}

func (e *Exchange) removePosition(symbol string) {
	delete(e.positions, symbol)
	for i, s := range e.posSeq {
		if s == symbol {
			e.posSeq = append(e.posSeq[:i], e.posSeq[i+1:]...)
			break
		}
	}
}

// recalculateAccount recomputes margin, equity, and available margin:
// equity = initial + realized − fees − funding + Σ unrealized.
func (e *Exchange) recalculateAccount() {
	total := decimal.Zero
	for _, sym := range e.posSeq {
		pos := e.positions[sym]
		total = total.Add(pos.Size.Mul(pos.EntryPrice).Div(pos.Leverage))
	}
	e.marginUsed = total
	e.equity = e.cfg.InitialEquityUSD.Add(e.realizedPnl).Sub(e.totalFees).Sub(e.totalFunding)
	for _, sym := range e.posSeq {
		e.equity = e.equity.Add(e.positions[sym].UnrealizedPnl)
	}
	e.availableMargin = e.equity.Sub(e.marginUsed)
}

// applyFunding charges funding every 8 hours, per open position, using the
// symbol's curve (vol-spiked when the current regime is high/extreme) or the
// flat fallback rate. One log record per position per event.
func (e *Exchange) applyFunding(now time.Time) {
	if e.lastFundingTime == nil {
		t := now
		e.lastFundingTime = &t
		return
	}
	if now.Sub(*e.lastFundingTime) < 8*time.Hour {
		return
	}
	for _, sym := range e.posSeq {
		pos := e.positions[sym]
		rateBps := e.cfg.FundingRate8hBps
		if curve, ok := e.cfg.FundingCurves[pos.Symbol]; ok {
			rateBps = curve.BaseRate8hBps
			liq := e.data.LiquidityAt(pos.Symbol, now)
			if liq.VolatilityRegime == RegimeHigh || liq.VolatilityRegime == RegimeExtreme {
				rateBps *= curve.VolSpikeMultiplier
			}
		}
		notional := pos.Size.Mul(pos.EntryPrice)
		funding := notional.Mul(decimal.NewFromFloat(rateBps / 10_000))
		e.totalFunding = e.totalFunding.Add(funding)
		e.fundingLog = append(e.fundingLog, FundingEvent{
			Timestamp:  now,
			Symbol:     pos.Symbol,
			RateBps:    rateBps,
			Notional:   notional.InexactFloat64(),
			FundingUSD: funding.InexactFloat64(),
		})
		log.Printf("TRACE funding.charge symbol=%s rate_bps=%.2f funding=%s", pos.Symbol, rateBps, funding)
	}
	e.m.FundingEvents++
	t := now
	e.lastFundingTime = &t
}

// updateUnrealizedPnl marks every position against the current bar close.
func (e *Exchange) updateUnrealizedPnl(now time.Time) {
	for _, sym := range e.posSeq {
		pos := e.positions[sym]
		bar, ok := e.data.CandleAt(pos.Symbol, "1m", now)
		if !ok {
			continue
		}
		mark := bar.Close
		if pos.Side == PositionLong {
			pos.UnrealizedPnl = mark.Sub(pos.EntryPrice).Mul(pos.Size)
		} else {
			pos.UnrealizedPnl = pos.EntryPrice.Sub(mark).Mul(pos.Size)
		}
	}
}

// ===================================================================
// ExchangeClient implementation
// ===================================================================

// Initialize is a no-op for replay.
func (e *Exchange) Initialize(ctx context.Context) error {
	return e.checkFault("Initialize")
}

// Close is a no-op for replay.
func (e *Exchange) Close(ctx context.Context) error {
	return e.checkFault("Close")
}

// -- Market data --

func (e *Exchange) GetSpotMarkets(ctx context.Context) (map[string]Market, error) {
	if err := e.checkFault("GetSpotMarkets"); err != nil {
		return nil, err
	}
	return e.marketMap(), nil
}

func (e *Exchange) GetFuturesMarkets(ctx context.Context) (map[string]Market, error) {
	if err := e.checkFault("GetFuturesMarkets"); err != nil {
		return nil, err
	}
	return e.marketMap(), nil
}

func (e *Exchange) marketMap() map[string]Market {
	out := map[string]Market{}
	for _, s := range e.data.Symbols() {
		out[s] = Market{Symbol: s, Active: true}
	}
	return out
}

func (e *Exchange) GetSpotTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := e.checkFault("GetSpotTicker"); err != nil {
		return Ticker{}, err
	}
	return e.makeTicker(symbol), nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := e.checkFault("GetTicker"); err != nil {
		return Ticker{}, err
	}
	return e.makeTicker(symbol), nil
}

func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := e.checkFault("FetchTicker"); err != nil {
		return Ticker{}, err
	}
	return e.makeTicker(symbol), nil
}

func (e *Exchange) GetSpotTickersBulk(ctx context.Context, symbols []string) (map[string]Ticker, error) {
	if err := e.checkFault("GetSpotTickersBulk"); err != nil {
		return nil, err
	}
	e.maybeInjectLatency()
	out := map[string]Ticker{}
	for _, s := range symbols {
		out[s] = e.makeTicker(s)
	}
	return out, nil
}

func (e *Exchange) GetSpotOHLCV(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]Candle, error) {
	if err := e.checkFault("GetSpotOHLCV"); err != nil {
		return nil, err
	}
	return e.getCandles(symbol, timeframe, sinceMillis, limit), nil
}

func (e *Exchange) GetFuturesOHLCV(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]Candle, error) {
	if err := e.checkFault("GetFuturesOHLCV"); err != nil {
		return nil, err
	}
	return e.getCandles(symbol, timeframe, sinceMillis, limit), nil
}

func (e *Exchange) GetFuturesMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.checkFault("GetFuturesMarkPrice"); err != nil {
		return decimal.Zero, err
	}
	bar, ok := e.data.CandleAt(symbol, "1m", e.clock.Now())
	if !ok {
		return decimal.Zero, nil
	}
	return bar.Close, nil
}

func (e *Exchange) GetFuturesTickersBulk(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := e.checkFault("GetFuturesTickersBulk"); err != nil {
		return nil, err
	}
	e.maybeInjectLatency()
	out := map[string]decimal.Decimal{}
	for _, s := range e.data.Symbols() {
		if bar, ok := e.data.CandleAt(s, "1m", e.clock.Now()); ok {
			out[s] = bar.Close
		}
	}
	return out, nil
}

func (e *Exchange) GetFuturesTickersBulkFull(ctx context.Context) (map[string]FuturesTicker, error) {
	if err := e.checkFault("GetFuturesTickersBulkFull"); err != nil {
		return nil, err
	}
	e.maybeInjectLatency()
	two := decimal.NewFromInt(2)
	out := map[string]FuturesTicker{}
	for _, s := range e.data.Symbols() {
		bar, ok := e.data.CandleAt(s, "1m", e.clock.Now())
		if !ok {
			continue
		}
		liq := e.data.LiquidityAt(s, e.clock.Now())
		mid := bar.Close
		spreadHalf := mid.Mul(liq.SpreadFraction()).Div(two)
		out[s] = FuturesTicker{
			Symbol:       s,
			MarkPrice:    mid,
			Bid:          mid.Sub(spreadHalf),
			Ask:          mid.Add(spreadHalf),
			Volume24h:    bar.Volume.Mul(decimal.NewFromInt(1440)), // extrapolate from 1m
			OpenInterest: decimal.NewFromInt(1_000_000),
			FundingRate:  decimal.NewFromFloat(e.cfg.FundingRate8hBps / 10_000),
		}
	}
	return out, nil
}

func (e *Exchange) GetFuturesInstruments(ctx context.Context) ([]Instrument, error) {
	if err := e.checkFault("GetFuturesInstruments"); err != nil {
		return nil, err
	}
	var out []Instrument
	for _, s := range e.data.Symbols() {
		out = append(out, Instrument{Symbol: s, ContractSize: 1, TickSize: 0.0001, Type: "perpetual"})
	}
	return out, nil
}

// -- Account --

func (e *Exchange) GetSpotBalance(ctx context.Context) (map[string]BalanceView, error) {
	if err := e.checkFault("GetSpotBalance"); err != nil {
		return nil, err
	}
	return map[string]BalanceView{
		"USD": {Free: e.availableMargin.InexactFloat64(), Total: e.equity.InexactFloat64()},
	}, nil
}

func (e *Exchange) GetAccountBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := e.checkFault("GetAccountBalance"); err != nil {
		return nil, err
	}
	return map[string]decimal.Decimal{"USD": e.equity}, nil
}

func (e *Exchange) GetFuturesBalance(ctx context.Context) (map[string]BalanceView, error) {
	if err := e.checkFault("GetFuturesBalance"); err != nil {
		return nil, err
	}
	return map[string]BalanceView{
		"USD": {
			Free:  e.availableMargin.InexactFloat64(),
			Used:  e.marginUsed.InexactFloat64(),
			Total: e.equity.InexactFloat64(),
		},
	}, nil
}

func (e *Exchange) GetFuturesAccountInfo(ctx context.Context) (AccountInfo, error) {
	if err := e.checkFault("GetFuturesAccountInfo"); err != nil {
		return AccountInfo{}, err
	}
	e.maybeInjectLatency()
	return AccountInfo{
		Equity:          e.equity.InexactFloat64(),
		AvailableMargin: e.availableMargin.InexactFloat64(),
		MarginUsed:      e.marginUsed.InexactFloat64(),
		UnrealizedPnl:   e.UnrealizedPnl().InexactFloat64(),
		Leverage:        e.cfg.DefaultLeverage.InexactFloat64(),
	}, nil
}

// -- Positions --

func (e *Exchange) GetFuturesPosition(ctx context.Context, symbol string) (*PositionView, error) {
	if err := e.checkFault("GetFuturesPosition"); err != nil {
		return nil, err
	}
	pos, ok := e.positions[symbol]
	if !ok {
		return nil, nil
	}
	v := positionToView(pos)
	return &v, nil
}

func (e *Exchange) GetAllFuturesPositions(ctx context.Context) ([]PositionView, error) {
	if err := e.checkFault("GetAllFuturesPositions"); err != nil {
		return nil, err
	}
	e.maybeInjectLatency()
	var out []PositionView
	for _, sym := range e.posSeq {
		out = append(out, positionToView(e.positions[sym]))
	}
	return out, nil
}

func positionToView(pos *SimPosition) PositionView {
	pct := 0.0
	if pos.EntryPrice.IsPositive() {
		pct = pos.UnrealizedPnl.Div(pos.EntryPrice).InexactFloat64() * 100
	}
	return PositionView{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Contracts:     pos.Size.InexactFloat64(),
		ContractSize:  1,
		EntryPrice:    pos.EntryPrice.InexactFloat64(),
		UnrealizedPnl: pos.UnrealizedPnl.InexactFloat64(),
		Leverage:      pos.Leverage.InexactFloat64(),
		Percentage:    pct,
		Info:          map[string]any{"side": string(pos.Side), "size": pos.Size.String()},
	}
}

// -- Order placement --

// PlaceFuturesOrder validates and accepts an order. Pre-flight rejections
// are DataErrors and never consume an order id:
//
//	notional below minimum, reduce-only with no position, reduce-only that
//	would increase exposure, and insufficient margin for non-reduce orders.
func (e *Exchange) PlaceFuturesOrder(ctx context.Context, symbol string, side OrderSide, orderType string,
	size decimal.Decimal, price, stopPrice *decimal.Decimal, reduceOnly bool,
	leverage *decimal.Decimal, clientOrderID string) (OrderView, error) {

	const method = "PlaceFuturesOrder"
	if err := e.checkFault(method); err != nil {
		return OrderView{}, err
	}
	if err := e.breaker.CanExecute(); err != nil {
		return OrderView{}, err
	}
	e.maybeInjectLatency()

	if e.cfg.DryRun {
		return OrderView{}, errOperational(method, "dry_run_active: order placement refused at transport boundary")
	}

	now := e.clock.Now()
	bar, hasBar := e.data.CandleAt(symbol, "1m", now)
	liq := e.data.LiquidityAt(symbol, now)
	mid := decimal.Zero
	if hasBar {
		mid = bar.Close
	}

	// Min notional
	notional := decimal.Zero
	if mid.IsPositive() {
		notional = size.Mul(mid)
		if notional.InexactFloat64() < e.cfg.MinOrderSizeUSD {
			e.m.OrdersRejected++
			e.m.MinSizeRejections++
			return OrderView{}, errData(method, "order rejected: notional $%s below min $%.2f", notional.StringFixed(2), e.cfg.MinOrderSizeUSD)
		}
	}

	// Reduce-only conflicts: no position, or would increase exposure
	if reduceOnly && e.cfg.RejectReduceOnlyConflicts {
		pos, ok := e.positions[symbol]
		if !ok {
			e.m.OrdersRejected++
			e.m.ReduceOnlyRejections++
			return OrderView{}, errData(method, "order rejected: reduceOnly but no open position for %s", symbol)
		}
		if sameDirection(pos.Side, side) {
			e.m.OrdersRejected++
			e.m.ReduceOnlyRejections++
			return OrderView{}, errData(method, "order rejected: reduceOnly %s would increase %s position", side, pos.Side)
		}
	}

	// Margin check for exposure-increasing orders
	if e.cfg.RejectInsufficientMargin && !reduceOnly {
		lev := e.cfg.DefaultLeverage
		if leverage != nil && leverage.IsPositive() {
			lev = *leverage
		}
		required := notional.Div(lev)
		if required.GreaterThan(e.availableMargin) {
			e.m.OrdersRejected++
			e.m.InsufficientMarginRejections++
			return OrderView{}, errData(method, "order rejected: insufficient margin (need $%s, have $%s)",
				required.StringFixed(2), e.availableMargin.StringFixed(2))
		}
	}

	// Order ids come from the seeded stream: two runs with the same seed must
	// produce byte-identical fill logs, ids included.
	u, uerr := uuid.NewRandomFromReader(e.rng)
	if uerr != nil {
		u = uuid.Nil
	}
	oid := "sim-" + strings.ReplaceAll(u.String(), "-", "")[:12]
	otype := orderType
	switch otype {
	case TypeMarket, TypeLimit, TypeStop, TypeTakeProfit:
	default:
		otype = TypeMarket
	}

	order := &SimOrder{
		ID:            oid,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          otype,
		Size:          size,
		Price:         price,
		StopPrice:     stopPrice,
		ReduceOnly:    reduceOnly,
		Leverage:      leverage,
		Status:        StatusOpen,
		CreatedAt:     now,
	}
	if mid.IsPositive() {
		m := mid
		order.MidAtPlace = &m
	}
	e.orders[oid] = order
	e.orderSeq = append(e.orderSeq, oid)
	e.m.OrdersPlaced++

	// Market orders fill eagerly against the current bar
	if otype == TypeMarket && hasBar {
		e.fillMarketOrder(order, bar, liq, now)
	}

	e.breaker.RecordSuccess()
	return orderToView(order), nil
}

// CreateOrder is the loose-params entry point mapping onto PlaceFuturesOrder.
func (e *Exchange) CreateOrder(ctx context.Context, symbol, orderType string, side OrderSide,
	amount float64, price *float64, req *OrderRequest) (OrderView, error) {

	var clientID string
	var reduceOnly bool
	var stopPrice, leverage *decimal.Decimal
	if req != nil {
		clientID = req.ClientOrderID
		reduceOnly = req.ReduceOnly
		stopPrice = req.StopPrice
		leverage = req.Leverage
	}

	otype := orderType
	if orderType == "stop_loss" {
		otype = TypeStop
	}
	var priceDec *decimal.Decimal
	if price != nil {
		p := decimal.NewFromFloat(*price)
		priceDec = &p
	}
	if stopPrice == nil && (otype == TypeStop || otype == TypeTakeProfit) && priceDec != nil {
		stopPrice = priceDec
		priceDec = nil
	}

	return e.PlaceFuturesOrder(ctx, symbol, side, otype, decimal.NewFromFloat(amount),
		priceDec, stopPrice, reduceOnly, leverage, clientID)
}

// -- Order queries --

// GetFuturesOpenOrders lists non-terminal orders. With the Layer-1 quirk
// enabled, entered_book orders are omitted here while FetchOrder still
// returns them, reproducing the venue's multi-view inconsistency.
func (e *Exchange) GetFuturesOpenOrders(ctx context.Context) ([]OrderView, error) {
	if err := e.checkFault("GetFuturesOpenOrders"); err != nil {
		return nil, err
	}
	e.maybeInjectLatency()
	var out []OrderView
	for _, id := range e.orderSeq {
		order := e.orders[id]
		if order.Status == StatusEnteredBook && e.cfg.HideEnteredBookFromListing {
			continue
		}
		switch order.Status {
		case StatusOpen, StatusEnteredBook, StatusPartiallyFilled:
			out = append(out, orderToView(order))
		}
	}
	return out, nil
}

func (e *Exchange) FetchOrder(ctx context.Context, orderID, symbol string) (*OrderView, error) {
	if err := e.checkFault("FetchOrder"); err != nil {
		return nil, err
	}
	order, ok := e.orders[orderID]
	if !ok {
		return nil, nil
	}
	v := orderToView(order)
	return &v, nil
}

// -- Order cancellation --

// CancelFuturesOrder cancels a non-terminal order. Cancelling an unknown or
// terminal order is a DataError and mutates nothing.
func (e *Exchange) CancelFuturesOrder(ctx context.Context, orderID, symbol string) (CancelResult, error) {
	const method = "CancelFuturesOrder"
	if err := e.checkFault(method); err != nil {
		return CancelResult{}, err
	}
	order, ok := e.orders[orderID]
	if !ok {
		return CancelResult{}, errData(method, "order %s not found", orderID)
	}
	if order.terminal() {
		return CancelResult{}, errData(method, "order %s already %s", orderID, order.Status)
	}
	order.Status = StatusCancelled
	e.m.OrdersCancelled++
	return CancelResult{Result: "success", OrderID: orderID}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) (CancelResult, error) {
	return e.CancelFuturesOrder(ctx, orderID, symbol)
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) ([]CancelResult, error) {
	if err := e.checkFault("CancelAllOrders"); err != nil {
		return nil, err
	}
	var out []CancelResult
	for _, id := range e.orderSeq {
		order := e.orders[id]
		switch order.Status {
		case StatusOpen, StatusEnteredBook, StatusPartiallyFilled:
			if symbol != "" && order.Symbol != symbol {
				continue
			}
			order.Status = StatusCancelled
			e.m.OrdersCancelled++
			out = append(out, CancelResult{Result: "success", OrderID: order.ID})
		}
	}
	return out, nil
}

// -- Order editing --

func (e *Exchange) EditFuturesOrder(ctx context.Context, orderID, symbol string, stopPrice, price *decimal.Decimal) (OrderView, error) {
	const method = "EditFuturesOrder"
	if err := e.checkFault(method); err != nil {
		return OrderView{}, err
	}
	order, ok := e.orders[orderID]
	if !ok {
		return OrderView{}, errData(method, "order %s not found", orderID)
	}
	if stopPrice != nil {
		order.StopPrice = stopPrice
	}
	if price != nil {
		order.Price = price
	}
	return orderToView(order), nil
}

// -- Position closing --

// ClosePosition places a reduce-only market order flattening the symbol.
func (e *Exchange) ClosePosition(ctx context.Context, symbol string) (OrderView, error) {
	const method = "ClosePosition"
	if err := e.checkFault(method); err != nil {
		return OrderView{}, err
	}
	pos, ok := e.positions[symbol]
	if !ok {
		return OrderView{}, errData(method, "no position for %s", symbol)
	}
	closeSide := SideSell
	if pos.Side == PositionShort {
		closeSide = SideBuy
	}
	return e.PlaceFuturesOrder(ctx, symbol, closeSide, TypeMarket, pos.Size, nil, nil, true, nil, "")
}

// -- View helpers --

func (e *Exchange) makeTicker(symbol string) Ticker {
	bar, ok := e.data.CandleAt(symbol, "1m", e.clock.Now())
	if !ok {
		return Ticker{Symbol: symbol, Info: map[string]any{}}
	}
	liq := e.data.LiquidityAt(symbol, e.clock.Now())
	mid := bar.Close
	spreadHalf := mid.Mul(liq.SpreadFraction()).Div(decimal.NewFromInt(2))
	return Ticker{
		Symbol: symbol,
		Last:   mid.InexactFloat64(),
		Bid:    mid.Sub(spreadHalf).InexactFloat64(),
		Ask:    mid.Add(spreadHalf).InexactFloat64(),
		High:   bar.High.InexactFloat64(),
		Low:    bar.Low.InexactFloat64(),
		Open:   bar.Open.InexactFloat64(),
		Close:  bar.Close.InexactFloat64(),
		Volume: bar.Volume.InexactFloat64(),
		Info:   map[string]any{},
	}
}

func (e *Exchange) getCandles(symbol, timeframe string, sinceMillis int64, limit int) []Candle {
	if limit <= 0 {
		limit = 500
	}
	bars := e.data.CandlesUpTo(symbol, timeframe, e.clock.Now(), limit)
	var out []Candle
	for _, b := range bars {
		if sinceMillis > 0 && b.Timestamp.Before(time.UnixMilli(sinceMillis).UTC()) {
			continue
		}
		out = append(out, candleFromBar(b))
	}
	return out
}

func orderToView(order *SimOrder) OrderView {
	v := OrderView{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Amount:        order.Size.InexactFloat64(),
		Status:        order.Status,
		Filled:        order.FilledSize.InexactFloat64(),
		Remaining:     order.Size.Sub(order.FilledSize).InexactFloat64(),
		ReduceOnly:    order.ReduceOnly,
		Info: map[string]any{
			"order_id":   order.ID,
			"status":     order.Status,
			"reduceOnly": order.ReduceOnly,
		},
	}
	if order.Price != nil {
		p := order.Price.InexactFloat64()
		v.Price = &p
	}
	if order.StopPrice != nil {
		p := order.StopPrice.InexactFloat64()
		v.StopPrice = &p
	}
	if order.AvgFillPrice != nil {
		p := order.AvgFillPrice.InexactFloat64()
		v.Average = &p
	}
	if !order.CreatedAt.IsZero() {
		v.Datetime = order.CreatedAt.Format(time.RFC3339)
		v.Timestamp = order.CreatedAt.UnixMilli()
	}
	return v
}

// -- small helpers --

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
