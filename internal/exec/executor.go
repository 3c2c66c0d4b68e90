package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"grid-bot/internal/state"
	"grid-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultAttempts = 5
	defaultBackoff  = 200 * time.Millisecond
)

// Executor sends orders to the venue with retries and keeps a cycle from placing or
// cancelling the same price twice.
type Executor struct {
	venue venue.Adapter
	store state.Store
	log   *zap.Logger
	runID string
	clock clock.Clock

	attempts int
	backoff  time.Duration

	mu        sync.Mutex
	cycle     uint64
	placed    map[string]struct{}
	cancelled map[string]struct{}
	processed map[string]time.Time
}

func New(v venue.Adapter, store state.Store, runID string, clk clock.Clock, log *zap.Logger) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		venue:     v,
		store:     store,
		log:       log,
		runID:     runID,
		clock:     clk,
		attempts:  defaultAttempts,
		backoff:   defaultBackoff,
		placed:    make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		processed: make(map[string]time.Time),
	}
}

// BeginCycle resets the per-cycle dedupe sets.
func (e *Executor) BeginCycle(cycle uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycle = cycle
	e.placed = make(map[string]struct{})
	e.cancelled = make(map[string]struct{})
}

// Place submits a limit order. It returns false without error when the same side and
// price were already placed this cycle.
func (e *Executor) Place(ctx context.Context, side venue.Side, price decimal.Decimal) (bool, error) {
	key := priceKey(side, price)
	e.mu.Lock()
	if _, ok := e.placed[key]; ok {
		e.mu.Unlock()
		return false, nil
	}
	cycle := e.cycle
	e.mu.Unlock()

	order := venue.Order{Side: side, Price: price, ClientID: ClientOrderID(e.runID, cycle, side, price)}
	cacheKey := "cloid:" + order.ClientID
	if e.store != nil {
		if _, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return false, err
		} else if ok {
			e.markPlaced(key, order.ClientID)
			return false, nil
		}
	}

	if err := e.retry(ctx, func() error { return e.venue.PlaceOrder(ctx, order) }); err != nil {
		return false, fmt.Errorf("place %s: %w", order, err)
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, order.String()); err != nil {
			e.log.Warn("failed to persist client order id", zap.String("cloid", order.ClientID), zap.Error(err))
		}
	}
	e.markPlaced(key, order.ClientID)
	return true, nil
}

// Cancel removes a resting order. Not-found is logged and reported as found=false.
func (e *Executor) Cancel(ctx context.Context, side venue.Side, price decimal.Decimal) (bool, error) {
	key := priceKey(side, price)
	e.mu.Lock()
	if _, ok := e.cancelled[key]; ok {
		e.mu.Unlock()
		return false, nil
	}
	e.mu.Unlock()

	err := e.retry(ctx, func() error { return e.venue.CancelOrder(ctx, side, price) })
	e.mu.Lock()
	e.cancelled[key] = struct{}{}
	e.mu.Unlock()
	if errors.Is(err, venue.ErrOrderNotFound) {
		e.log.Info("cancel skipped, order not found", zap.String("side", string(side)), zap.String("price", price.String()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel %s@%s: %w", side, price, err)
	}
	return true, nil
}

func (e *Executor) CancelAll(ctx context.Context) error {
	return e.retry(ctx, func() error { return e.venue.CancelAll(ctx) })
}

func (e *Executor) Flatten(ctx context.Context) error {
	return e.retry(ctx, func() error { return e.venue.Flatten(ctx) })
}

func (e *Executor) ProcessedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processed)
}

// ClearHistory forgets every order placed during this run.
func (e *Executor) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed = make(map[string]time.Time)
	e.placed = make(map[string]struct{})
	e.cancelled = make(map[string]struct{})
}

func (e *Executor) markPlaced(key, cloid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed[key] = struct{}{}
	e.processed[cloid] = e.clock.Now()
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, venue.ErrOrderNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Debug("venue call failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		timer := e.clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			backoff *= 2
		}
	}
	return nil
}

// ClientOrderID derives a deterministic 128-bit id so a retried placement can be
// recognised by the venue and by the local store.
func ClientOrderID(runID string, cycle uint64, side venue.Side, price decimal.Decimal) string {
	seed := runID + "|" + strconv.FormatUint(cycle, 10) + "|" + string(side) + "|" + price.String()
	hash := crypto.Keccak256([]byte(seed))
	return hexutil.Encode(hash[:16])
}

func priceKey(side venue.Side, price decimal.Decimal) string {
	return string(side) + ":" + price.String()
}
