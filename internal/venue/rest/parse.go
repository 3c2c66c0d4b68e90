package rest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grid-bot/internal/venue"

	"github.com/shopspring/decimal"
)

// ParseQuote accepts {"ask":..,"bid":..} with numbers or numeric strings. The ws stream
// reuses it for quote pushes.
func ParseQuote(payload any) (venue.Quote, error) {
	m, ok := toMap(payload)
	if !ok {
		return venue.Quote{}, fmt.Errorf("quote payload is %T: %w", payload, venue.ErrQuoteUnavailable)
	}
	q := venue.Quote{
		Ask: decimalFromMap(m, "ask", "askPx", "best_ask"),
		Bid: decimalFromMap(m, "bid", "bidPx", "best_bid"),
	}
	if ms, ok := floatFromAny(m["time"]); ok && ms > 0 {
		q.Time = time.UnixMilli(int64(ms))
	}
	if !q.Valid() {
		return venue.Quote{}, fmt.Errorf("ask=%s bid=%s: %w", q.Ask, q.Bid, venue.ErrQuoteUnavailable)
	}
	return q, nil
}

// ParseIndicators keeps absent or null fields as absent so the risk gate can tell them
// apart from a zero reading.
func ParseIndicators(payload any) (venue.Indicators, error) {
	m, ok := toMap(payload)
	if !ok {
		return venue.Indicators{}, fmt.Errorf("indicators payload is %T: %w", payload, venue.ErrIndicatorsUnavailable)
	}
	var ind venue.Indicators
	if v, ok := floatFromAny(m["rsi"]); ok {
		ind.RSI, ind.HasRSI = v, true
	}
	if v, ok := floatFromAny(m["adx"]); ok {
		ind.ADX, ind.HasADX = v, true
	}
	return ind, nil
}

func parseOrderBook(payload any) (venue.OrderBook, error) {
	items, ok := toSlice(payload)
	if !ok {
		if m, isMap := toMap(payload); isMap {
			items, ok = toSlice(m["orders"])
		}
	}
	if !ok {
		return venue.OrderBook{}, fmt.Errorf("open orders payload is %T", payload)
	}
	var book venue.OrderBook
	for _, item := range items {
		m, ok := toMap(item)
		if !ok {
			continue
		}
		price := decimalFromMap(m, "price", "px", "limitPx")
		if !price.IsPositive() {
			continue
		}
		switch strings.ToLower(stringFromMap(m, "side")) {
		case "sell", "ask", "a":
			book.Sells = append(book.Sells, price)
		case "buy", "bid", "b":
			book.Buys = append(book.Buys, price)
		}
	}
	return book, nil
}

func parsePosition(payload any) (venue.Position, error) {
	m, ok := toMap(payload)
	if !ok {
		return venue.Position{}, fmt.Errorf("position payload is %T", payload)
	}
	return venue.Position{
		Size:      decimalFromMap(m, "size", "szi", "position"),
		OrderSize: decimalFromMap(m, "orderSize", "order_size", "clip"),
	}, nil
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func decimalFromMap(m map[string]any, keys ...string) decimal.Decimal {
	for _, key := range keys {
		if d, ok := decimalFromAny(m[key]); ok {
			return d
		}
	}
	return decimal.Zero
}

func decimalFromAny(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	default:
		return decimal.Zero, false
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
