package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"grid-bot/internal/config"
	"grid-bot/internal/grid"
	"grid-bot/internal/logging"
	"grid-bot/internal/venue"
	"grid-bot/internal/venue/rest"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type planOutput struct {
	Mid         string   `json:"mid"`
	HalfWindow  string   `json:"half_window"`
	SellRatio   string   `json:"sell_ratio"`
	BuyRatio    string   `json:"buy_ratio"`
	AtLimit     bool     `json:"at_limit"`
	SellCount   int      `json:"sell_count"`
	BuyCount    int      `json:"buy_count"`
	IdealSells  []string `json:"ideal_sells"`
	IdealBuys   []string `json:"ideal_buys"`
	Current     int      `json:"current"`
	PlaceSells  []string `json:"place_sells"`
	PlaceBuys   []string `json:"place_buys"`
	CancelSides []string `json:"cancel"`
}

func main() {
	configPath := flag.String("config", "", "optional config path for grid and venue settings")
	live := flag.Bool("live", false, "read quote, book and position from the configured venue")
	ask := flag.String("ask", "", "best ask")
	bid := flag.String("bid", "", "best bid")
	position := flag.String("position", "0", "signed position size")
	orderSize := flag.String("order-size", "0.001", "size of one grid order")
	sells := flag.String("sells", "", "comma separated resting sell prices")
	buys := flag.String("buys", "", "comma separated resting buy prices")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	log := logging.New(config.LoggingConfig{Level: "warn", Format: "console"})
	defer func() { _ = log.Sync() }()

	var (
		snap grid.Snapshot
		pos  venue.Position
		err  error
	)
	if *live {
		snap, pos, err = readLive(cfg, log)
	} else {
		snap, pos, err = readFlags(*ask, *bid, *position, *orderSize, *sells, *buys)
	}
	if err != nil {
		fatal(err)
	}
	if !snap.Quote.Valid() {
		fatal(venue.ErrQuoteUnavailable)
	}

	targets := grid.Calculate(snap, pos, grid.NewParams(cfg.Grid))
	out := planOutput{
		Mid:        targets.Window.Mid.String(),
		HalfWindow: targets.Window.HalfWindow.String(),
		SellRatio:  targets.Ratios.Sell.String(),
		BuyRatio:   targets.Ratios.Buy.String(),
		AtLimit:    targets.Ratios.AtLimit,
		SellCount:  targets.Ladder.SellCount,
		BuyCount:   targets.Ladder.BuyCount,
		IdealSells: strs(targets.Ladder.Sells),
		IdealBuys:  strs(targets.Ladder.Buys),
		Current:    targets.Current,
		PlaceSells: strs(targets.SellPrices),
		PlaceBuys:  strs(targets.BuyPrices),
	}
	for _, c := range targets.Cancels {
		out.CancelSides = append(out.CancelSides, fmt.Sprintf("%s@%s", c.Side, c.Price))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

func readLive(cfg *config.Config, log *zap.Logger) (grid.Snapshot, venue.Position, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	adapter := rest.New(cfg.Venue, nil, log)
	q, err := adapter.Quote(ctx)
	if err != nil {
		return grid.Snapshot{}, venue.Position{}, err
	}
	book, err := adapter.OrderBook(ctx)
	if err != nil {
		return grid.Snapshot{}, venue.Position{}, err
	}
	pos, err := adapter.Position(ctx)
	if err != nil {
		return grid.Snapshot{}, venue.Position{}, err
	}
	return grid.Snapshot{Quote: q, Book: book}, pos, nil
}

func readFlags(ask, bid, position, orderSize, sells, buys string) (grid.Snapshot, venue.Position, error) {
	if ask == "" || bid == "" {
		return grid.Snapshot{}, venue.Position{}, errors.New("-ask and -bid are required without -live")
	}
	var snap grid.Snapshot
	var pos venue.Position
	var err error
	if snap.Quote.Ask, err = decimal.NewFromString(ask); err != nil {
		return snap, pos, fmt.Errorf("ask: %w", err)
	}
	if snap.Quote.Bid, err = decimal.NewFromString(bid); err != nil {
		return snap, pos, fmt.Errorf("bid: %w", err)
	}
	if pos.Size, err = decimal.NewFromString(position); err != nil {
		return snap, pos, fmt.Errorf("position: %w", err)
	}
	if pos.OrderSize, err = decimal.NewFromString(orderSize); err != nil {
		return snap, pos, fmt.Errorf("order-size: %w", err)
	}
	if snap.Book.Sells, err = parsePrices(sells); err != nil {
		return snap, pos, fmt.Errorf("sells: %w", err)
	}
	if snap.Book.Buys, err = parsePrices(buys); err != nil {
		return snap, pos, fmt.Errorf("buys: %w", err)
	}
	return snap, pos, nil
}

func parsePrices(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := decimal.NewFromString(field)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func strs(prices []decimal.Decimal) []string {
	out := make([]string, len(prices))
	for i, p := range prices {
		out[i] = p.String()
	}
	return out
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "plan failed: %v\n", err)
	os.Exit(1)
}
