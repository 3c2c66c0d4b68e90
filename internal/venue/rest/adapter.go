package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grid-bot/internal/config"
	"grid-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Adapter implements venue.Adapter over the JSON venue API.
type Adapter struct {
	client          *Client
	symbol          string
	confirmAttempts int
	confirmPoll     time.Duration
	clock           clock.Clock
	log             *zap.Logger
}

func New(cfg config.VenueConfig, clk clock.Clock, log *zap.Logger) *Adapter {
	return NewWithClient(NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, log), cfg, clk, log)
}

func NewWithClient(client *Client, cfg config.VenueConfig, clk clock.Clock, log *zap.Logger) *Adapter {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		client:          client,
		symbol:          cfg.Symbol,
		confirmAttempts: cfg.ConfirmAttemptsValue(),
		confirmPoll:     cfg.ConfirmPoll,
		clock:           clk,
		log:             log,
	}
}

func (a *Adapter) Quote(ctx context.Context) (venue.Quote, error) {
	payload, err := a.client.Info(ctx, InfoRequest{Type: "quote", Symbol: a.symbol})
	if err != nil {
		return venue.Quote{}, fmt.Errorf("quote: %w", err)
	}
	return ParseQuote(payload)
}

func (a *Adapter) OrderBook(ctx context.Context) (venue.OrderBook, error) {
	payload, err := a.client.Info(ctx, InfoRequest{Type: "openOrders", Symbol: a.symbol})
	if err != nil {
		return venue.OrderBook{}, fmt.Errorf("open orders: %w", err)
	}
	return parseOrderBook(payload)
}

func (a *Adapter) Position(ctx context.Context) (venue.Position, error) {
	payload, err := a.client.Info(ctx, InfoRequest{Type: "position", Symbol: a.symbol})
	if err != nil {
		return venue.Position{}, fmt.Errorf("position: %w", err)
	}
	return parsePosition(payload)
}

func (a *Adapter) Indicators(ctx context.Context) (venue.Indicators, error) {
	payload, err := a.client.Info(ctx, InfoRequest{Type: "indicators", Symbol: a.symbol})
	if err != nil {
		return venue.Indicators{}, fmt.Errorf("%w: %v", venue.ErrIndicatorsUnavailable, err)
	}
	return ParseIndicators(payload)
}

func (a *Adapter) PlaceOrder(ctx context.Context, order venue.Order) error {
	_, err := a.exchange(ctx, Action{
		Type:     "order",
		Side:     string(order.Side),
		Price:    order.Price.String(),
		ClientID: order.ClientID,
	})
	return err
}

// CancelOrder cancels the resting order at price, then polls until it leaves the book.
// A venue that never confirms only produces a warning.
func (a *Adapter) CancelOrder(ctx context.Context, side venue.Side, price decimal.Decimal) error {
	if _, err := a.exchange(ctx, Action{Type: "cancel", Side: string(side), Price: price.String()}); err != nil {
		return err
	}
	for attempt := 0; attempt < a.confirmAttempts; attempt++ {
		book, err := a.OrderBook(ctx)
		if err == nil && !resting(book, side, price) {
			return nil
		}
		timer := a.clock.Timer(a.confirmPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if a.confirmAttempts > 0 {
		a.log.Warn("cancel not confirmed, continuing",
			zap.String("side", string(side)),
			zap.String("price", price.String()),
			zap.Int("attempts", a.confirmAttempts),
		)
	}
	return nil
}

func (a *Adapter) CancelAll(ctx context.Context) error {
	_, err := a.exchange(ctx, Action{Type: "cancelAll"})
	return err
}

func (a *Adapter) Flatten(ctx context.Context) error {
	_, err := a.exchange(ctx, Action{Type: "flatten"})
	return err
}

func (a *Adapter) exchange(ctx context.Context, action Action) (any, error) {
	action.Symbol = a.symbol
	payload, err := a.client.Exchange(ctx, action)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", action.Type, venue.ErrOrderNotFound)
		}
		return nil, fmt.Errorf("%s: %w", action.Type, err)
	}
	if err := responseError(payload); err != nil {
		return nil, fmt.Errorf("%s: %w", action.Type, err)
	}
	return payload, nil
}

func responseError(payload any) error {
	m, ok := toMap(payload)
	if !ok {
		return nil
	}
	status := strings.ToLower(stringFromMap(m, "status"))
	if status == "" || status == "ok" {
		return nil
	}
	msg := stringFromMap(m, "error", "response", "message")
	if strings.Contains(strings.ToLower(msg), "not found") {
		return venue.ErrOrderNotFound
	}
	if msg == "" {
		msg = "status " + status
	}
	return errors.New(msg)
}

func resting(book venue.OrderBook, side venue.Side, price decimal.Decimal) bool {
	prices := book.Buys
	if side == venue.SideSell {
		prices = book.Sells
	}
	for _, p := range prices {
		if p.Equal(price) {
			return true
		}
	}
	return false
}
