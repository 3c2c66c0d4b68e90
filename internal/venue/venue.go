package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrIndicatorsUnavailable = errors.New("indicators unavailable")
)

type Quote struct {
	Ask  decimal.Decimal
	Bid  decimal.Decimal
	Time time.Time
}

func (q Quote) Valid() bool {
	return q.Ask.IsPositive() && q.Bid.IsPositive()
}

// OrderBook holds the resting prices of this account only, not the market depth.
type OrderBook struct {
	Sells []decimal.Decimal
	Buys  []decimal.Decimal
}

func (b OrderBook) Total() int {
	return len(b.Sells) + len(b.Buys)
}

type Position struct {
	Size      decimal.Decimal
	OrderSize decimal.Decimal
}

type Indicators struct {
	RSI    float64
	ADX    float64
	HasRSI bool
	HasADX bool
}

func (i Indicators) Complete() bool {
	return i.HasRSI && i.HasADX
}

// Malformed reports values no indicator source can legitimately produce.
func (i Indicators) Malformed() bool {
	if math.IsNaN(i.RSI) || math.IsNaN(i.ADX) || math.IsInf(i.RSI, 0) || math.IsInf(i.ADX, 0) {
		return true
	}
	return i.RSI < 0 || i.RSI > 100 || i.ADX < 0
}

type Order struct {
	Side     Side
	Price    decimal.Decimal
	ClientID string
}

func (o Order) String() string {
	return fmt.Sprintf("%s@%s", o.Side, o.Price.String())
}

// Adapter is everything the grid loop needs from a trading venue.
// CancelOrder returns ErrOrderNotFound when nothing rests at the price.
type Adapter interface {
	Quote(ctx context.Context) (Quote, error)
	OrderBook(ctx context.Context) (OrderBook, error)
	Position(ctx context.Context) (Position, error)
	Indicators(ctx context.Context) (Indicators, error)
	PlaceOrder(ctx context.Context, order Order) error
	CancelOrder(ctx context.Context, side Side, price decimal.Decimal) error
	CancelAll(ctx context.Context) error
	Flatten(ctx context.Context) error
}
