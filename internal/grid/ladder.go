package grid

import (
	"sort"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Window is the price band the ladder may occupy for one cycle.
type Window struct {
	Mid        decimal.Decimal
	HalfWindow decimal.Decimal
}

func NewWindow(ask, bid decimal.Decimal, p Params) Window {
	mid := ask.Add(bid).Div(two)
	return Window{Mid: mid, HalfWindow: mid.Mul(p.WindowPercent).Div(two)}
}

func (w Window) upper(p Params) decimal.Decimal {
	return w.Mid.Add(w.HalfWindow).Add(p.MaxDriftBuffer)
}

func (w Window) lower(p Params) decimal.Decimal {
	return w.Mid.Sub(w.HalfWindow).Sub(p.MaxDriftBuffer)
}

// SellLadder walks up from the first interval boundary at or above ask+safeGap.
func SellLadder(ask decimal.Decimal, w Window, count int, p Params) []decimal.Decimal {
	start := ask.Add(p.SafeGap).Div(p.BaseInterval).Ceil().Mul(p.BaseInterval)
	limit := w.upper(p)
	prices := make([]decimal.Decimal, 0, count)
	for i := 0; i < count; i++ {
		price := start.Add(p.BaseInterval.Mul(decimal.NewFromInt(int64(i))))
		if price.GreaterThan(limit) {
			break
		}
		prices = append(prices, price)
	}
	return prices
}

// BuyLadder walks down from the first interval boundary at or below bid-safeGap.
func BuyLadder(bid decimal.Decimal, w Window, count int, p Params) []decimal.Decimal {
	start := bid.Sub(p.SafeGap).Div(p.BaseInterval).Floor().Mul(p.BaseInterval)
	limit := w.lower(p)
	prices := make([]decimal.Decimal, 0, count)
	for i := 0; i < count; i++ {
		price := start.Sub(p.BaseInterval.Mul(decimal.NewFromInt(int64(i))))
		if price.LessThan(limit) || price.LessThan(p.MinValidPrice) {
			break
		}
		prices = append(prices, price)
	}
	return prices
}

// priceSet keys by canonical decimal string so 90030 and 90030.0 collide.
type priceSet map[string]struct{}

func newPriceSet(groups ...[]decimal.Decimal) priceSet {
	set := make(priceSet)
	for _, prices := range groups {
		for _, p := range prices {
			set.add(p)
		}
	}
	return set
}

func (s priceSet) add(p decimal.Decimal) {
	s[p.String()] = struct{}{}
}

func (s priceSet) has(p decimal.Decimal) bool {
	_, ok := s[p.String()]
	return ok
}

// distinct drops duplicates and non-positive prices, then sorts.
func distinct(prices []decimal.Decimal, ascending bool) []decimal.Decimal {
	seen := make(priceSet, len(prices))
	out := make([]decimal.Decimal, 0, len(prices))
	for _, p := range prices {
		if !p.IsPositive() || seen.has(p) {
			continue
		}
		seen.add(p)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].LessThan(out[j])
		}
		return out[i].GreaterThan(out[j])
	})
	return out
}
