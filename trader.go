// FILE: trader.go
// Package main – The trading engine driven tick-by-tick by the replay runner.
//
// What’s here:
//   • Trader: holds config, the injected ExchangeClient, per-symbol book
//     state, daily-loss kill switch, and an order rate limiter
//   • Tick(): the core synchronized step — reconcile, EXIT scan, then OPEN
//     evaluation, in that strict order
//
// Concurrency design:
//   - The trader mutex guards in-memory state. The harness scheduler is
//     cooperative/single-threaded, so the lock exists for correctness under
//     interleaving at the client's yield points, not for parallelism.
//
// Safety:
//   - Daily kill switch: MaxDailyLossPct halts new entries and flattens
//   - Order rate limiter: MaxOrdersPerMinute budget; blocked orders counted
//   - Naked-position detection + self-heal: a position without a live
//     protective stop gets one re-placed
//   - Multi-layer order reconciliation: stops missing from the open-order
//     list are re-checked via FetchOrder before being declared dead
//
// The engine never consults wall time; "now" always comes from the clock.

package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// symbolBook is the engine's view of its own exposure on one symbol.
type symbolBook struct {
	Side         OrderSide
	Size         decimal.Decimal
	EntryPrice   decimal.Decimal
	OpenTime     time.Time
	EntryOrderID string
	StopOrderID  string
	TPOrderID    string
}

// orderRateLimiter is a fixed-window order budget.
type orderRateLimiter struct {
	perMinute    int
	windowStart  time.Time
	count        int
	BlockedTotal int
}

// allow consumes one slot, or counts a block when the window is exhausted.
func (r *orderRateLimiter) allow(now time.Time) bool {
	if r.perMinute <= 0 {
		return true
	}
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.count = 0
	}
	if r.count < r.perMinute {
		r.count++
		return true
	}
	r.BlockedTotal++
	return false
}

// Trader is the replay-mode trading engine.
type Trader struct {
	cfg     EngineConfig
	client  ExchangeClient
	clock   *SimClock
	symbols []string

	// Breaker of the underlying client, injected by the runner so the engine
	// can exercise its fail-fast accounting exactly as in production.
	breaker *APICircuitBreaker

	metrics *ReplayMetrics

	mu    sync.Mutex
	books map[string]*symbolBook

	dailyStart       time.Time
	dailyStartEquity decimal.Decimal
	killSwitched     bool

	limiter orderRateLimiter
}

// NewTrader wires the engine. The client is injected explicitly; there is no
// global to patch. metrics receives the engine-side safety counters.
func NewTrader(cfg EngineConfig, client ExchangeClient, clock *SimClock, symbols []string, breaker *APICircuitBreaker, metrics *ReplayMetrics) *Trader {
	return &Trader{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		symbols: symbols,
		breaker: breaker,
		metrics: metrics,
		books:   map[string]*symbolBook{},
		limiter: orderRateLimiter{perMinute: cfg.MaxOrdersPerMinute},
	}
}

// RateLimiterBlocks returns how many orders the limiter refused.
func (t *Trader) RateLimiterBlocks() int { return t.limiter.BlockedTotal }

// call funnels every client-call outcome through breaker accounting:
// operational failures (timeouts, 429s) count, business errors do not.
func (t *Trader) call(err error) error {
	if t.breaker == nil {
		return err
	}
	if err == nil {
		t.breaker.RecordSuccess()
		return nil
	}
	switch kindOf(err) {
	case KindOperational, KindRateLimit:
		t.breaker.RecordFailure(isRateLimit(err))
	}
	return err
}

// Tick runs one engine step: account sync, reconciliation, EXIT scan, OPEN
// evaluation. Any client error aborts the tick and is classified upstream.
func (t *Trader) Tick(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	account, err := t.client.GetFuturesAccountInfo(ctx)
	if err = t.call(err); err != nil {
		return err
	}
	equity := decimal.NewFromFloat(account.Equity)
	t.rollDaily(now, equity)

	positions, err := t.client.GetAllFuturesPositions(ctx)
	if err = t.call(err); err != nil {
		return err
	}
	if err := t.reconcile(ctx, now, positions); err != nil {
		return err
	}

	if err := t.checkKillSwitch(ctx, equity); err != nil {
		return err
	}

	for _, symbol := range t.symbols {
		if err := t.stepSymbol(ctx, now, symbol, equity, account); err != nil {
			return err
		}
	}
	return nil
}

// rollDaily resets the daily loss baseline at the UTC day boundary.
func (t *Trader) rollDaily(now time.Time, equity decimal.Decimal) {
	if t.dailyStart.IsZero() || now.UTC().YearDay() != t.dailyStart.YearDay() || now.UTC().Year() != t.dailyStart.Year() {
		t.dailyStart = now.UTC()
		t.dailyStartEquity = equity
		t.killSwitched = false
	}
}

// checkKillSwitch halts trading and flattens once the daily loss cap trips.
func (t *Trader) checkKillSwitch(ctx context.Context, equity decimal.Decimal) error {
	if t.killSwitched || !t.dailyStartEquity.IsPositive() {
		return nil
	}
	lossPct := t.dailyStartEquity.Sub(equity).Div(t.dailyStartEquity).InexactFloat64() * 100
	if lossPct < t.cfg.MaxDailyLossPct {
		return nil
	}
	t.killSwitched = true
	t.metrics.KillSwitchActivations++
	t.metrics.RecordEvent("KILL_SWITCH", map[string]any{"daily_loss_pct": lossPct})
	log.Printf("[SAFETY] kill switch tripped daily_loss_pct=%.2f cap=%.2f", lossPct, t.cfg.MaxDailyLossPct)

	_, err := t.client.CancelAllOrders(ctx, "")
	if err = t.call(err); err != nil {
		return err
	}
	for _, symbol := range t.symbols {
		if t.books[symbol] == nil {
			continue
		}
		if _, err := t.client.ClosePosition(ctx, symbol); err != nil {
			if err = t.call(err); kindOf(err) != KindData {
				return err
			}
		}
		t.books[symbol] = nil
	}
	return nil
}

// reconcile aligns the engine book with the exchange's view of positions and
// protective orders. This is where invariant K and the naked-position
// self-heal live.
func (t *Trader) reconcile(ctx context.Context, now time.Time, positions []PositionView) error {
	bySymbol := map[string]PositionView{}
	for _, p := range positions {
		if p.Contracts <= 0 {
			return errInvariant("position %s has non-positive size %.8f", p.Symbol, p.Contracts)
		}
		bySymbol[p.Symbol] = p
	}

	openOrders, err := t.client.GetFuturesOpenOrders(ctx)
	if err = t.call(err); err != nil {
		return err
	}
	openByID := map[string]OrderView{}
	for _, o := range openOrders {
		openByID[o.ID] = o
	}

	// Positions the engine doesn't know about: adopt and re-protect.
	// Iterate the venue's slice, not the map: call order must be stable
	// across runs for byte-identical replays.
	for _, p := range positions {
		symbol := p.Symbol
		if t.books[symbol] != nil {
			continue
		}
		t.metrics.NakedPositionDetections++
		t.metrics.RecordEvent("NAKED_POSITION", map[string]any{"symbol": symbol})
		side := SideBuy
		if p.Side == PositionShort {
			side = SideSell
		}
		t.books[symbol] = &symbolBook{
			Side:       side,
			Size:       decimal.NewFromFloat(p.Contracts),
			EntryPrice: decimal.NewFromFloat(p.EntryPrice),
			OpenTime:   now,
		}
	}

	for _, symbol := range t.symbols {
		book := t.books[symbol]
		if book == nil {
			continue
		}
		_, stillOpen := bySymbol[symbol]
		if !stillOpen {
			// Position vanished: a protective order filled. Settle the trade.
			if err := t.settleClosedPosition(ctx, now, symbol, book); err != nil {
				return err
			}
			continue
		}
		// Protective stop still alive? Layer 1 list first, then the
		// fetch-by-id rescue for the venue's entered_book visibility gap.
		if book.StopOrderID != "" {
			if _, listed := openByID[book.StopOrderID]; !listed {
				fetched, ferr := t.client.FetchOrder(ctx, book.StopOrderID, symbol)
				if ferr = t.call(ferr); ferr != nil {
					return ferr
				}
				switch {
				case fetched == nil || fetched.Status == StatusCancelled:
					book.StopOrderID = ""
				case fetched.Status == StatusEnteredBook:
					log.Printf("TRACE reconcile.rescue order_id=%s status=%s", fetched.ID, fetched.Status)
				case fetched.Status == StatusFilled:
					// Fill will surface as a vanished position next tick.
				}
			}
		}
		if book.StopOrderID == "" {
			if err := t.healMissingStop(ctx, symbol, book); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleClosedPosition records the round trip once the exchange shows flat.
func (t *Trader) settleClosedPosition(ctx context.Context, now time.Time, symbol string, book *symbolBook) error {
	exitPrice := decimal.Zero
	for _, id := range []string{book.StopOrderID, book.TPOrderID} {
		if id == "" {
			continue
		}
		o, err := t.client.FetchOrder(ctx, id, symbol)
		if err = t.call(err); err != nil {
			return err
		}
		if o != nil && o.Status == StatusFilled && o.Average != nil {
			exitPrice = decimal.NewFromFloat(*o.Average)
			break
		}
	}
	pnl := decimal.Zero
	if exitPrice.IsPositive() {
		if book.Side == SideBuy {
			pnl = exitPrice.Sub(book.EntryPrice).Mul(book.Size)
		} else {
			pnl = book.EntryPrice.Sub(exitPrice).Mul(book.Size)
		}
	}
	t.metrics.RecordTrade(TradeRecord{
		Symbol:         symbol,
		Side:           book.Side,
		Pnl:            pnl,
		HoldingMinutes: now.Sub(book.OpenTime).Minutes(),
	})
	log.Printf("EXIT %s symbol=%s pnl=%s held=%.0fm", book.Side, symbol, pnl.StringFixed(2), now.Sub(book.OpenTime).Minutes())

	// Drop the sibling protective order, tolerating already-terminal states.
	for _, id := range []string{book.StopOrderID, book.TPOrderID} {
		if id == "" {
			continue
		}
		if _, err := t.client.CancelOrder(ctx, id, symbol); err != nil {
			if err = t.call(err); kindOf(err) != KindData {
				return err
			}
		}
	}
	t.books[symbol] = nil
	return nil
}

// healMissingStop re-arms the protective stop for a live position.
func (t *Trader) healMissingStop(ctx context.Context, symbol string, book *symbolBook) error {
	t.metrics.SelfHealAttempts++
	stop := stopPriceFor(book.Side, book.EntryPrice, t.cfg.StopLossPct)
	id, err := t.placeProtective(ctx, symbol, book.Side.Opposite(), book.Size, TypeStop, stop)
	if err != nil {
		t.metrics.SelfHealFailures++
		return err
	}
	if id == "" {
		// Rate limiter deferred it; retry next tick.
		return nil
	}
	t.metrics.SelfHealSuccesses++
	book.StopOrderID = id
	log.Printf("TRACE selfheal.stop symbol=%s stop=%s order_id=%s", symbol, stop.StringFixed(2), id)
	return nil
}

// stepSymbol evaluates EXIT then OPEN for one symbol.
func (t *Trader) stepSymbol(ctx context.Context, now time.Time, symbol string, equity decimal.Decimal, account AccountInfo) error {
	candles, err := t.client.GetFuturesOHLCV(ctx, symbol, t.cfg.Timeframe, 0, t.cfg.WarmupBars+80)
	if err = t.call(err); err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}
	d := decide(candles, t.cfg.WarmupBars, buyThreshold, sellThreshold, useMAFilter)

	book := t.books[symbol]

	// EXIT: a held position with a strong opposite signal is flattened now
	// rather than waiting for the protective orders.
	if book != nil {
		opposite := (book.Side == SideBuy && d.Signal == Sell) || (book.Side == SideSell && d.Signal == Buy)
		if opposite && d.Confidence > 0.5 {
			return t.exitPosition(ctx, now, symbol, book, candles[len(candles)-1])
		}
		return nil
	}

	// OPEN
	if t.killSwitched || d.Signal == Flat {
		return nil
	}
	if t.cfg.LongOnly && d.Signal == Sell {
		return nil
	}
	return t.openPosition(ctx, now, symbol, d, equity, account, candles[len(candles)-1])
}

// exitPosition flattens via a reduce-only market close and cancels the
// protective pair, then records the trade.
func (t *Trader) exitPosition(ctx context.Context, now time.Time, symbol string, book *symbolBook, last Candle) error {
	if !t.limiter.allow(now) {
		t.metrics.OrdersBlockedByRateLimit++
		return nil
	}
	view, err := t.client.ClosePosition(ctx, symbol)
	if err = t.call(err); err != nil {
		if kindOf(err) == KindData {
			return nil // already flat on the venue's side; reconcile next tick
		}
		return err
	}
	exitPrice := decimal.NewFromFloat(last.Close)
	if view.Average != nil {
		exitPrice = decimal.NewFromFloat(*view.Average)
	}
	pnl := exitPrice.Sub(book.EntryPrice).Mul(book.Size)
	if book.Side == SideSell {
		pnl = pnl.Neg()
	}
	t.metrics.RecordTrade(TradeRecord{
		Symbol:         symbol,
		Side:           book.Side,
		Pnl:            pnl,
		HoldingMinutes: now.Sub(book.OpenTime).Minutes(),
	})
	log.Printf("EXIT %s symbol=%s pnl=%s reason=signal_flip", book.Side, symbol, pnl.StringFixed(2))

	for _, id := range []string{book.StopOrderID, book.TPOrderID} {
		if id == "" {
			continue
		}
		if _, cerr := t.client.CancelOrder(ctx, id, symbol); cerr != nil {
			if cerr = t.call(cerr); kindOf(cerr) != KindData {
				return cerr
			}
		}
	}
	t.books[symbol] = nil
	return nil
}

// openPosition sizes, enters at market, and arms stop + take-profit.
func (t *Trader) openPosition(ctx context.Context, now time.Time, symbol string, d Decision, equity decimal.Decimal, account AccountInfo, last Candle) error {
	price := decimal.NewFromFloat(last.Close)
	if !price.IsPositive() {
		return nil
	}

	// Risk-based sizing: risk RiskPerTradePct of equity against the stop
	// distance, capped by available margin at the configured leverage.
	riskUSD := equity.Mul(decimal.NewFromFloat(t.cfg.RiskPerTradePct / 100))
	stopFrac := decimal.NewFromFloat(t.cfg.StopLossPct / 100)
	if !stopFrac.IsPositive() {
		return nil
	}
	notional := riskUSD.Div(stopFrac)
	marginCap := decimal.NewFromFloat(account.AvailableMargin * t.cfg.Leverage * 0.95)
	if notional.GreaterThan(marginCap) {
		notional = marginCap
	}
	if notional.InexactFloat64() < t.cfg.OrderMinUSD {
		return nil
	}
	size := notional.Div(price).Round(6)
	if !size.IsPositive() {
		return nil
	}

	if !t.limiter.allow(now) {
		t.metrics.OrdersBlockedByRateLimit++
		return nil
	}

	side := d.SignalToSide()
	lev := decimal.NewFromFloat(t.cfg.Leverage)
	view, err := t.client.PlaceFuturesOrder(ctx, symbol, side, TypeMarket, size, nil, nil, false, &lev, "")
	if err = t.call(err); err != nil {
		if kindOf(err) == KindData {
			return nil // typed rejection; counted by the exchange
		}
		return err
	}

	entry := price
	if view.Average != nil {
		entry = decimal.NewFromFloat(*view.Average)
	}
	book := &symbolBook{
		Side:         side,
		Size:         size,
		EntryPrice:   entry,
		OpenTime:     now,
		EntryOrderID: view.ID,
	}
	t.books[symbol] = book
	log.Printf("OPEN %s symbol=%s size=%s entry=%s reason=%s", side, symbol, size, entry.StringFixed(2), d.Reason)

	// Protective stop, then take-profit, both reduce-only.
	stop := stopPriceFor(side, entry, t.cfg.StopLossPct)
	if id, perr := t.placeProtective(ctx, symbol, side.Opposite(), size, TypeStop, stop); perr != nil {
		return perr
	} else {
		book.StopOrderID = id
	}
	tp := takeProfitFor(side, entry, t.cfg.TakeProfitPct)
	if id, perr := t.placeProtective(ctx, symbol, side.Opposite(), size, TypeTakeProfit, tp); perr != nil {
		return perr
	} else {
		book.TPOrderID = id
	}
	return nil
}

// placeProtective places one reduce-only stop/take-profit. Returns "" when
// the rate limiter defers placement; the reconcile pass re-arms next tick.
func (t *Trader) placeProtective(ctx context.Context, symbol string, side OrderSide, size decimal.Decimal, orderType string, trigger decimal.Decimal) (string, error) {
	if !t.limiter.allow(t.clock.Now()) {
		t.metrics.OrdersBlockedByRateLimit++
		return "", nil
	}
	view, err := t.client.PlaceFuturesOrder(ctx, symbol, side, orderType, size, nil, &trigger, true, nil, "")
	if err = t.call(err); err != nil {
		if kindOf(err) == KindData {
			return "", nil // e.g. already flat; reconcile handles it
		}
		return "", err
	}
	return view.ID, nil
}

// stopPriceFor puts the protective stop StopLossPct away from entry, against
// the position.
func stopPriceFor(side OrderSide, entry decimal.Decimal, stopLossPct float64) decimal.Decimal {
	frac := decimal.NewFromFloat(stopLossPct / 100)
	if side == SideBuy {
		return entry.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(frac))
}

// takeProfitFor puts the take-profit TakeProfitPct away from entry, with the
// position.
func takeProfitFor(side OrderSide, entry decimal.Decimal, takeProfitPct float64) decimal.Decimal {
	frac := decimal.NewFromFloat(takeProfitPct / 100)
	if side == SideBuy {
		return entry.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(frac))
}
