package grid

import (
	"sort"

	"grid-bot/internal/venue"

	"github.com/shopspring/decimal"
)

type Ladder struct {
	Sells     []decimal.Decimal
	Buys      []decimal.Decimal
	SellCount int
	BuyCount  int
}

func (l Ladder) Total() int {
	return len(l.Sells) + len(l.Buys)
}

type Cancel struct {
	Side  venue.Side
	Price decimal.Decimal
}

type Plan struct {
	SellPrices []decimal.Decimal
	BuyPrices  []decimal.Decimal
	Cancels    []Cancel
}

// Reconcile diffs the ideal ladder against resting orders.
// Placement is a set difference per side. Cancellation only happens when the book holds
// more orders than the ladder wants, and never touches a price in the ideal union.
func Reconcile(ladder Ladder, book venue.OrderBook, mid decimal.Decimal, total, maxCancels int) Plan {
	sells := distinct(book.Sells, true)
	buys := distinct(book.Buys, false)

	plan := Plan{
		SellPrices: missing(ladder.Sells, newPriceSet(sells)),
		BuyPrices:  missing(ladder.Buys, newPriceSet(buys)),
	}

	current := len(sells) + len(buys)
	if current <= total && len(sells) <= ladder.SellCount && len(buys) <= ladder.BuyCount {
		return plan
	}

	ideal := newPriceSet(ladder.Sells, ladder.Buys)
	far := make([]Cancel, 0, current)
	for i := len(sells) - 1; i >= 0; i-- {
		if !ideal.has(sells[i]) {
			far = append(far, Cancel{Side: venue.SideSell, Price: sells[i]})
		}
	}
	for i := len(buys) - 1; i >= 0; i-- {
		if !ideal.has(buys[i]) {
			far = append(far, Cancel{Side: venue.SideBuy, Price: buys[i]})
		}
	}
	sort.SliceStable(far, func(i, j int) bool {
		return far[i].Price.Sub(mid).Abs().GreaterThan(far[j].Price.Sub(mid).Abs())
	})

	limit := maxCancels
	if limit > len(far) {
		limit = len(far)
	}
	if limit < 0 {
		limit = 0
	}
	plan.Cancels = far[:limit]
	return plan
}

func missing(ideal []decimal.Decimal, existing priceSet) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(ideal))
	for _, p := range ideal {
		if !existing.has(p) {
			out = append(out, p)
		}
	}
	return out
}
