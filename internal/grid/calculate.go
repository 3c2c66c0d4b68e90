package grid

import (
	"grid-bot/internal/venue"

	"github.com/shopspring/decimal"
)

type Snapshot struct {
	Quote venue.Quote
	Book  venue.OrderBook
}

// Targets is the full outcome of one calculation, including the inputs to the ladder
// so callers can log or persist what the decision was based on.
type Targets struct {
	Window  Window
	Ratios  Ratios
	Ladder  Ladder
	Current int
	Plan
}

// Calculate derives the ladder and the reconciliation plan. It has no side effects and
// expects a valid quote; callers reject missing prices before getting here.
func Calculate(snap Snapshot, pos venue.Position, p Params) Targets {
	w := NewWindow(snap.Quote.Ask, snap.Quote.Bid, p)
	ratios := Skew(pos.Size, pos.OrderSize, p)
	sellCount, buyCount := Counts(p.TotalOrders, ratios)

	ladder := Ladder{
		Sells:     SellLadder(snap.Quote.Ask, w, sellCount, p),
		Buys:      BuyLadder(snap.Quote.Bid, w, buyCount, p),
		SellCount: sellCount,
		BuyCount:  buyCount,
	}
	return Targets{
		Window:  w,
		Ratios:  ratios,
		Ladder:  ladder,
		Current: len(distinct(snap.Book.Sells, true)) + len(distinct(snap.Book.Buys, false)),
		Plan:    Reconcile(ladder, snap.Book, w.Mid, p.TotalOrders, p.MaxCancels),
	}
}

// IdealUnion returns every price the ladder wants, both sides.
func (t Targets) IdealUnion() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, t.Ladder.Total())
	out = append(out, t.Ladder.Sells...)
	return append(out, t.Ladder.Buys...)
}
