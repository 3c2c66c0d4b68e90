package grid

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

type Ratios struct {
	Sell       decimal.Decimal
	Buy        decimal.Decimal
	Multiplier decimal.Decimal
	AtLimit    bool
}

// Skew biases the sell/buy split against the side that would grow the position.
// At the position limit one side is forced to exactly zero and no clamping applies.
func Skew(size, orderSize decimal.Decimal, p Params) Ratios {
	safeSize := decimal.Max(orderSize, p.Epsilon)
	multiplier := size.Abs().Div(safeSize)

	baseSell := p.SellRatio
	baseBuy := one.Sub(baseSell)
	r := Ratios{Sell: baseSell, Buy: baseBuy, Multiplier: multiplier}

	if multiplier.GreaterThanOrEqual(p.MaxMultiplier) {
		r.AtLimit = true
		switch size.Sign() {
		case 1:
			r.Buy, r.Sell = decimal.Zero, one
		case -1:
			r.Buy, r.Sell = one, decimal.Zero
		}
		// flat at the limit only happens with a zero max multiplier; base ratios stand
		return r
	}

	if multiplier.IsPositive() {
		reduction := multiplier.Div(p.MaxMultiplier)
		switch size.Sign() {
		case 1:
			r.Buy = decimal.Max(decimal.Zero, baseBuy.Sub(reduction.Mul(baseBuy)))
			r.Sell = one.Sub(r.Buy)
		case -1:
			r.Sell = decimal.Max(decimal.Zero, baseSell.Sub(reduction.Mul(baseSell)))
			r.Buy = one.Sub(r.Sell)
		}
	}

	r.Buy = clamp(r.Buy, p.MinRatio, p.MaxRatio)
	r.Sell = clamp(r.Sell, p.MinRatio, p.MaxRatio)
	return r
}

// Counts splits total between the two sides; the buy side takes the rounding remainder.
func Counts(total int, r Ratios) (sellCount, buyCount int) {
	sellCount = int(decimal.NewFromInt(int64(total)).Mul(r.Sell).Round(0).IntPart())
	if sellCount > total {
		sellCount = total
	}
	if sellCount < 0 {
		sellCount = 0
	}
	return sellCount, total - sellCount
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Max(lo, decimal.Min(hi, v))
}
