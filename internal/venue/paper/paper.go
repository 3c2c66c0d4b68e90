package paper

import (
	"context"
	"sort"
	"sync"

	"grid-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData supplies the quotes and indicators the simulation trades against.
type MarketData interface {
	Quote(ctx context.Context) (venue.Quote, error)
	Indicators(ctx context.Context) (venue.Indicators, error)
}

// Venue is an in-memory venue. Resting orders fill in full, one clip each, when a quote read
// shows the market has crossed them.
type Venue struct {
	market    MarketData
	orderSize decimal.Decimal
	log       *zap.Logger

	mu       sync.Mutex
	sells    map[string]decimal.Decimal
	buys     map[string]decimal.Decimal
	position decimal.Decimal
	fills    int
}

func New(market MarketData, orderSize decimal.Decimal, log *zap.Logger) *Venue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{
		market:    market,
		orderSize: orderSize,
		log:       log,
		sells:     make(map[string]decimal.Decimal),
		buys:      make(map[string]decimal.Decimal),
	}
}

func (v *Venue) Quote(ctx context.Context) (venue.Quote, error) {
	q, err := v.market.Quote(ctx)
	if err != nil {
		return venue.Quote{}, err
	}
	if q.Valid() {
		v.match(q)
	}
	return q, nil
}

func (v *Venue) Indicators(ctx context.Context) (venue.Indicators, error) {
	return v.market.Indicators(ctx)
}

func (v *Venue) OrderBook(context.Context) (venue.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	book := venue.OrderBook{
		Sells: sortedPrices(v.sells),
		Buys:  sortedPrices(v.buys),
	}
	for i, j := 0, len(book.Buys)-1; i < j; i, j = i+1, j-1 {
		book.Buys[i], book.Buys[j] = book.Buys[j], book.Buys[i]
	}
	return book, nil
}

func (v *Venue) Position(context.Context) (venue.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return venue.Position{Size: v.position, OrderSize: v.orderSize}, nil
}

// PlaceOrder is idempotent per side and price.
func (v *Venue) PlaceOrder(_ context.Context, order venue.Order) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	book := v.side(order.Side)
	book[order.Price.String()] = order.Price
	return nil
}

func (v *Venue) CancelOrder(_ context.Context, side venue.Side, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	book := v.side(side)
	key := price.String()
	if _, ok := book[key]; !ok {
		return venue.ErrOrderNotFound
	}
	delete(book, key)
	return nil
}

func (v *Venue) CancelAll(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sells = make(map[string]decimal.Decimal)
	v.buys = make(map[string]decimal.Decimal)
	return nil
}

func (v *Venue) Flatten(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.position.IsZero() {
		v.log.Info("paper position flattened", zap.Stringer("size", v.position))
	}
	v.position = decimal.Zero
	return nil
}

func (v *Venue) Fills() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fills
}

func (v *Venue) match(q venue.Quote) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, price := range v.sells {
		if q.Bid.GreaterThanOrEqual(price) {
			delete(v.sells, key)
			v.position = v.position.Sub(v.orderSize)
			v.fills++
			v.log.Info("paper fill", zap.String("side", string(venue.SideSell)), zap.Stringer("price", price))
		}
	}
	for key, price := range v.buys {
		if q.Ask.LessThanOrEqual(price) {
			delete(v.buys, key)
			v.position = v.position.Add(v.orderSize)
			v.fills++
			v.log.Info("paper fill", zap.String("side", string(venue.SideBuy)), zap.Stringer("price", price))
		}
	}
}

func (v *Venue) side(side venue.Side) map[string]decimal.Decimal {
	if side == venue.SideSell {
		return v.sells
	}
	return v.buys
}

func sortedPrices(set map[string]decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
