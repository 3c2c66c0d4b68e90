package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-bot/internal/grid"
	"grid-bot/internal/risk"
	"grid-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	outcomeTraded  = "traded"
	outcomeCooling = "cooling"
	outcomeRisk    = "risk"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

var (
	errSkipCycle = errors.New("market data unreadable")
	two          = decimal.NewFromInt(2)
)

type cycleReport struct {
	cycle      uint64
	started    time.Time
	outcome    string
	reason     string
	indicators *venue.Indicators
	quote      venue.Quote
	position   decimal.Decimal
	targets    *grid.Targets
	placed     int
	cancelled  int
	failed     int
}

// runCycle is one scheduler tick. Every failure resolves into a skip or a cooldown;
// nothing propagates to the scheduler.
func (a *App) runCycle(ctx context.Context) {
	rep := &cycleReport{cycle: a.nextCycle(), started: a.clock.Now()}
	a.executor.BeginCycle(rep.cycle)
	a.metrics.Cycles.Inc()
	defer a.finishCycle(ctx, rep)
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			rep.outcome = outcomeFailed
			rep.reason = fmt.Sprintf("execution error: %v", r)
			a.enterCooldown(ctx, rep.reason, rep.indicators)
		}
	}()

	if a.checkCooldown(ctx) {
		rep.outcome = outcomeCooling
		rep.reason = a.guard.Status().Reason
		a.guard.Enforce(ctx)
		return
	}

	ind, err := a.venue.Indicators(ctx)
	if err != nil {
		rep.outcome = outcomeRisk
		rep.reason = "indicator read failed: " + err.Error()
		a.enterCooldown(ctx, rep.reason, nil)
		return
	}
	rep.indicators = &ind
	if err := risk.Evaluate(a.cfg.Risk, ind); err != nil {
		rep.outcome = outcomeRisk
		rep.reason = err.Error()
		a.enterCooldown(ctx, rep.reason, &ind)
		return
	}
	a.log.Debug("indicators allow trading",
		zap.Float64("rsi", ind.RSI),
		zap.Float64("adx", ind.ADX),
		zap.String("regime", risk.Regime(a.cfg.Risk, ind)),
	)

	err = a.trade(ctx, rep)
	switch {
	case err == nil:
		rep.outcome = outcomeTraded
	case ctx.Err() != nil:
		rep.outcome = outcomeSkipped
		rep.reason = "stopped"
	case errors.Is(err, errSkipCycle):
		rep.outcome = outcomeSkipped
		rep.reason = err.Error()
		a.log.Info("cycle skipped", zap.Error(err))
	default:
		rep.outcome = outcomeFailed
		rep.reason = "execution error: " + err.Error()
		a.enterCooldown(ctx, rep.reason, &ind)
	}
}

// trade cancels far orders, re-reads the venue and places what is still missing.
func (a *App) trade(ctx context.Context, rep *cycleReport) error {
	targets, err := a.calculate(ctx, rep)
	if err != nil {
		return err
	}
	if err := a.cancelFar(ctx, targets.Cancels, rep); err != nil {
		return err
	}
	targets, err = a.calculate(ctx, rep)
	if err != nil {
		return err
	}
	return a.placeAll(ctx, targets, rep)
}

func (a *App) calculate(ctx context.Context, rep *cycleReport) (grid.Targets, error) {
	q, err := a.venue.Quote(ctx)
	if err != nil {
		return grid.Targets{}, fmt.Errorf("%w: %v", errSkipCycle, err)
	}
	if !q.Valid() {
		return grid.Targets{}, fmt.Errorf("%w: %v", errSkipCycle, venue.ErrQuoteUnavailable)
	}
	book, err := a.venue.OrderBook(ctx)
	if err != nil {
		return grid.Targets{}, fmt.Errorf("%w: order book: %v", errSkipCycle, err)
	}
	pos, err := a.venue.Position(ctx)
	if err != nil {
		return grid.Targets{}, fmt.Errorf("position: %w", err)
	}
	targets := grid.Calculate(grid.Snapshot{Quote: q, Book: book}, pos, a.params)
	rep.quote = q
	rep.position = pos.Size
	rep.targets = &targets

	a.metrics.LadderSellTargets.Set(float64(targets.Ladder.SellCount))
	a.metrics.LadderBuyTargets.Set(float64(targets.Ladder.BuyCount))
	a.log.Info("grid targets",
		zap.Stringer("mid", targets.Window.Mid),
		zap.Stringer("half_window", targets.Window.HalfWindow),
		zap.Stringer("sell_ratio", targets.Ratios.Sell),
		zap.Stringer("buy_ratio", targets.Ratios.Buy),
		zap.Bool("at_limit", targets.Ratios.AtLimit),
		zap.Int("current", targets.Current),
		zap.Int("ideal_sells", len(targets.Ladder.Sells)),
		zap.Int("ideal_buys", len(targets.Ladder.Buys)),
		zap.Int("new_sells", len(targets.SellPrices)),
		zap.Int("new_buys", len(targets.BuyPrices)),
		zap.Int("cancels", len(targets.Cancels)),
	)
	return targets, nil
}

func (a *App) cancelFar(ctx context.Context, cancels []grid.Cancel, rep *cycleReport) error {
	proximity := decimal.NewFromFloat(a.cfg.Scheduler.CancelProximityValue())
	for _, c := range cancels {
		if current, near := a.nearTouch(ctx, c.Price, proximity); near {
			a.log.Info("cancel skipped near touch",
				zap.String("side", string(c.Side)),
				zap.Stringer("price", c.Price),
				zap.Stringer("current", current),
			)
			continue
		}
		found, err := a.executor.Cancel(ctx, c.Side, c.Price)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.failed++
			a.log.Warn("cancel failed", zap.String("side", string(c.Side)), zap.Stringer("price", c.Price), zap.Error(err))
			continue
		}
		if found {
			rep.cancelled++
			a.metrics.Cancels.Inc()
		} else {
			a.metrics.CancelsNotFound.Inc()
		}
		if err := sleep(ctx, a.clock, a.cfg.Scheduler.CancelSettleValue()); err != nil {
			return err
		}
	}
	return nil
}

// nearTouch re-reads the quote; an unreadable quote never blocks a cancel.
func (a *App) nearTouch(ctx context.Context, price, proximity decimal.Decimal) (decimal.Decimal, bool) {
	q, err := a.venue.Quote(ctx)
	if err != nil || !q.Valid() {
		return decimal.Zero, false
	}
	current := q.Ask.Add(q.Bid).Div(two)
	return current, price.Sub(current).Abs().LessThanOrEqual(proximity)
}

// placeAll places buys then sells, pausing after every accepted order.
func (a *App) placeAll(ctx context.Context, targets grid.Targets, rep *cycleReport) error {
	orders := make([]venue.Order, 0, len(targets.BuyPrices)+len(targets.SellPrices))
	for _, p := range targets.BuyPrices {
		orders = append(orders, venue.Order{Side: venue.SideBuy, Price: p})
	}
	for _, p := range targets.SellPrices {
		orders = append(orders, venue.Order{Side: venue.SideSell, Price: p})
	}
	for _, order := range orders {
		placed, err := a.executor.Place(ctx, order.Side, order.Price)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.failed++
			a.metrics.OrdersFailed.Inc()
			a.log.Warn("order placement failed", zap.Stringer("order", order), zap.Error(err))
			continue
		}
		if !placed {
			continue
		}
		rep.placed++
		a.metrics.OrdersPlaced.Inc()
		a.setLastOrderTime(a.clock.Now())
		if err := sleep(ctx, a.clock, a.cfg.Scheduler.OrderCooldownValue()); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) checkCooldown(ctx context.Context) bool {
	cooling, expired := a.guard.Check()
	if expired {
		a.metrics.CooldownCleared.Inc()
		a.metrics.Cooling.Set(0)
		a.recordRisk(ctx, riskEventExpire, "cooldown elapsed", nil, time.Time{})
		a.notify(ctx, "risk cooldown ended, grid trading resumes")
	}
	return cooling
}

func (a *App) enterCooldown(ctx context.Context, reason string, ind *venue.Indicators) {
	st := a.guard.Enter(ctx, reason)
	a.metrics.CooldownEntered.Inc()
	a.metrics.Cooling.Set(1)
	a.recordRisk(ctx, riskEventEnter, reason, ind, st.EndsAt)
	a.notify(ctx, fmt.Sprintf("risk cooldown until %s: %s", st.EndsAt.UTC().Format(time.RFC3339), reason))
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
