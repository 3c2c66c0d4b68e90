package app

import (
	"context"
	"time"

	"grid-bot/internal/state"
	"grid-bot/internal/timescale"
	"grid-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	riskEventEnter  = "enter"
	riskEventExpire = "expire"
	riskEventReset  = "reset"
)

func (a *App) finishCycle(ctx context.Context, rep *cycleReport) {
	elapsed := a.clock.Since(rep.started)
	cooling := a.guard.Cooling()
	a.metrics.LastCycleSeconds.Set(elapsed.Seconds())
	if cooling {
		a.metrics.Cooling.Set(1)
	} else {
		a.metrics.Cooling.Set(0)
	}
	if rep.outcome == outcomeFailed {
		a.metrics.CycleFailures.Inc()
	}
	a.log.Info("cycle finished",
		zap.Uint64("cycle", rep.cycle),
		zap.String("outcome", rep.outcome),
		zap.String("reason", rep.reason),
		zap.Int("placed", rep.placed),
		zap.Int("cancelled", rep.cancelled),
		zap.Int("failed", rep.failed),
		zap.Duration("elapsed", elapsed),
	)

	// Journal writes must survive a stop that cancelled the cycle.
	ctx = context.WithoutCancel(ctx)
	rec := state.CycleRecord{
		Cycle:       rep.cycle,
		StartedAtMS: rep.started.UnixMilli(),
		DurationMS:  elapsed.Milliseconds(),
		Outcome:     rep.outcome,
		Reason:      rep.reason,
		Placed:      rep.placed,
		Cancelled:   rep.cancelled,
		Failed:      rep.failed,
	}
	snap := timescale.CycleSnapshot{
		Time:       rep.started.UTC(),
		RunID:      a.runID,
		Cycle:      rep.cycle,
		Outcome:    rep.outcome,
		Cooling:    cooling,
		Ask:        rep.quote.Ask.InexactFloat64(),
		Bid:        rep.quote.Bid.InexactFloat64(),
		Position:   rep.position.InexactFloat64(),
		Placed:     rep.placed,
		Cancelled:  rep.cancelled,
		DurationMS: elapsed.Milliseconds(),
	}
	if t := rep.targets; t != nil {
		rec.Mid = t.Window.Mid.String()
		rec.SellRatio = t.Ratios.Sell.String()
		rec.BuyRatio = t.Ratios.Buy.String()
		snap.Mid = t.Window.Mid.InexactFloat64()
		snap.SellRatio = t.Ratios.Sell.InexactFloat64()
		snap.BuyRatio = t.Ratios.Buy.InexactFloat64()
		snap.SellTarget = t.Ladder.SellCount
		snap.BuyTarget = t.Ladder.BuyCount
		snap.OpenOrders = t.Current
	}
	a.appendJournal(ctx, rec)
	a.timescale.EnqueueCycle(snap)
}

func (a *App) recordRisk(ctx context.Context, event, reason string, ind *venue.Indicators, endsAt time.Time) {
	ctx = context.WithoutCancel(ctx)
	a.mu.RLock()
	cycle := a.cycleCount
	a.mu.RUnlock()
	a.appendJournal(ctx, state.CycleRecord{
		Cycle:       cycle,
		StartedAtMS: a.clock.Now().UnixMilli(),
		Outcome:     "risk_" + event,
		Reason:      reason,
	})
	row := timescale.RiskEvent{
		Time:   a.clock.Now().UTC(),
		RunID:  a.runID,
		Event:  event,
		Reason: reason,
		EndsAt: endsAt,
	}
	if ind != nil {
		row.RSI = ind.RSI
		row.ADX = ind.ADX
	}
	a.timescale.EnqueueRisk(row)
}

func (a *App) appendJournal(ctx context.Context, rec state.CycleRecord) {
	if _, err := a.journal.Append(ctx, rec); err != nil {
		a.log.Warn("journal append failed", zap.String("outcome", rec.Outcome), zap.Error(err))
	}
}

func (a *App) notify(ctx context.Context, msg string) {
	if !a.alerts.Enabled() {
		return
	}
	if err := a.alerts.Send(context.WithoutCancel(ctx), msg); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}
