package market

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"grid-bot/internal/venue"
	"grid-bot/internal/venue/rest"
	"grid-bot/internal/venue/ws"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	channelQuote      = "quote"
	channelIndicators = "indicators"
)

// Source is anything that can answer market-data reads on demand.
type Source interface {
	Quote(ctx context.Context) (venue.Quote, error)
	Indicators(ctx context.Context) (venue.Indicators, error)
}

// Feed caches streamed quotes and indicators and falls back to Source once a value is
// older than maxAge.
type Feed struct {
	fallback Source
	ws       *ws.Client
	symbol   string
	maxAge   time.Duration
	clock    clock.Clock
	log      *zap.Logger

	mu           sync.RWMutex
	quote        venue.Quote
	quoteAt      time.Time
	indicators   venue.Indicators
	indicatorsAt time.Time
}

func NewFeed(fallback Source, wsClient *ws.Client, symbol string, maxAge time.Duration, clk clock.Clock, log *zap.Logger) *Feed {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{fallback: fallback, ws: wsClient, symbol: symbol, maxAge: maxAge, clock: clk, log: log}
}

func (f *Feed) Start(ctx context.Context) error {
	if f.ws == nil {
		return nil
	}
	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	for _, channel := range []string{channelQuote, channelIndicators} {
		if err := f.ws.Subscribe(ctx, ws.Subscribe(channel, f.symbol)); err != nil {
			return err
		}
	}
	go func() {
		if err := f.ws.Run(ctx, f.handle); err != nil && ctx.Err() == nil {
			f.log.Warn("market stream stopped", zap.Error(err))
		}
	}()
	return nil
}

func (f *Feed) handle(env ws.Envelope) {
	payload, err := decodeLoose(env.Data)
	if err != nil {
		f.log.Debug("market frame ignored", zap.String("channel", env.Channel), zap.Error(err))
		return
	}
	now := f.clock.Now()
	switch env.Channel {
	case channelQuote:
		q, err := rest.ParseQuote(payload)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.quote, f.quoteAt = q, now
		f.mu.Unlock()
	case channelIndicators:
		ind, err := rest.ParseIndicators(payload)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.indicators, f.indicatorsAt = ind, now
		f.mu.Unlock()
	}
}

func (f *Feed) Quote(ctx context.Context) (venue.Quote, error) {
	f.mu.RLock()
	q, at := f.quote, f.quoteAt
	f.mu.RUnlock()
	if f.fresh(at) {
		return q, nil
	}
	if f.fallback == nil {
		return venue.Quote{}, venue.ErrQuoteUnavailable
	}
	q, err := f.fallback.Quote(ctx)
	if err != nil {
		return venue.Quote{}, err
	}
	f.mu.Lock()
	f.quote, f.quoteAt = q, f.clock.Now()
	f.mu.Unlock()
	return q, nil
}

func (f *Feed) Indicators(ctx context.Context) (venue.Indicators, error) {
	f.mu.RLock()
	ind, at := f.indicators, f.indicatorsAt
	f.mu.RUnlock()
	if f.fresh(at) {
		return ind, nil
	}
	if f.fallback == nil {
		return venue.Indicators{}, venue.ErrIndicatorsUnavailable
	}
	ind, err := f.fallback.Indicators(ctx)
	if err != nil {
		return venue.Indicators{}, err
	}
	f.mu.Lock()
	f.indicators, f.indicatorsAt = ind, f.clock.Now()
	f.mu.Unlock()
	return ind, nil
}

// QuoteAge reports how old the cached quote is; zero means nothing cached yet.
func (f *Feed) QuoteAge() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.quoteAt.IsZero() {
		return 0
	}
	return f.clock.Since(f.quoteAt)
}

func (f *Feed) fresh(at time.Time) bool {
	return !at.IsZero() && f.clock.Since(at) <= f.maxAge
}

// Wrap routes an adapter's market-data reads through the feed cache.
func Wrap(adapter venue.Adapter, feed *Feed) venue.Adapter {
	return &cachedVenue{Adapter: adapter, feed: feed}
}

type cachedVenue struct {
	venue.Adapter
	feed *Feed
}

func (c *cachedVenue) Quote(ctx context.Context) (venue.Quote, error) {
	return c.feed.Quote(ctx)
}

func (c *cachedVenue) Indicators(ctx context.Context) (venue.Indicators, error) {
	return c.feed.Indicators(ctx)
}

func decodeLoose(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}
