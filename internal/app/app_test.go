package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-bot/internal/alerts"
	"grid-bot/internal/config"
	"grid-bot/internal/scheduler"
	"grid-bot/internal/state"
	"grid-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testRunID = "test-run"

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// journal returns the outcomes recorded so far, oldest first.
func (m *memoryStore) journal(t *testing.T) []state.CycleRecord {
	t.Helper()
	m.mu.Lock()
	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, "journal:"+testRunID+":") {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)
	out := make([]state.CycleRecord, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := state.LoadCycleRecord(context.Background(), m, key)
		if err != nil || !ok {
			t.Fatalf("load %s: ok=%t err=%v", key, ok, err)
		}
		out = append(out, rec)
	}
	return out
}

type fakeVenue struct {
	mu         sync.Mutex
	quote      venue.Quote
	quoteErr   error
	indicators venue.Indicators
	indErr     error
	position   venue.Position
	posErr     error
	posPanic   bool
	flatPanic  bool
	placeErr   error
	sells      []decimal.Decimal
	buys       []decimal.Decimal
	placed     []venue.Order
	cancelled  []string
	flattens   int
	cancelAlls int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		quote:      venue.Quote{Ask: decimal.NewFromInt(90010), Bid: decimal.NewFromInt(89990)},
		indicators: venue.Indicators{RSI: 50, ADX: 10, HasRSI: true, HasADX: true},
		position:   venue.Position{Size: decimal.Zero, OrderSize: decimal.RequireFromString("0.001")},
	}
}

func (f *fakeVenue) Quote(context.Context) (venue.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quote, f.quoteErr
}

func (f *fakeVenue) OrderBook(context.Context) (venue.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return venue.OrderBook{
		Sells: append([]decimal.Decimal(nil), f.sells...),
		Buys:  append([]decimal.Decimal(nil), f.buys...),
	}, nil
}

func (f *fakeVenue) Position(context.Context) (venue.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posPanic {
		panic("position feed exploded")
	}
	return f.position, f.posErr
}

func (f *fakeVenue) Indicators(context.Context) (venue.Indicators, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indicators, f.indErr
}

func (f *fakeVenue) PlaceOrder(_ context.Context, order venue.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.placed = append(f.placed, order)
	if order.Side == venue.SideSell {
		f.sells = append(f.sells, order.Price)
	} else {
		f.buys = append(f.buys, order.Price)
	}
	return nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, side venue.Side, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	book := &f.buys
	if side == venue.SideSell {
		book = &f.sells
	}
	for i, p := range *book {
		if p.Equal(price) {
			*book = append((*book)[:i], (*book)[i+1:]...)
			f.cancelled = append(f.cancelled, string(side)+"@"+price.String())
			return nil
		}
	}
	return venue.ErrOrderNotFound
}

func (f *fakeVenue) CancelAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAlls++
	f.sells, f.buys = nil, nil
	return nil
}

func (f *fakeVenue) Flatten(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flattens++
	if f.flatPanic {
		panic("flatten exploded")
	}
	f.position.Size = decimal.Zero
	return nil
}

func (f *fakeVenue) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.Default()
	var noWait time.Duration
	cfg.Scheduler.OrderCooldown = &noWait
	cfg.Scheduler.CancelSettle = &noWait
	cfg.Risk.FlattenSettle = &noWait
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestApp(t *testing.T, fv *fakeVenue, mutate func(*config.Config)) (*App, *memoryStore, *clock.Mock) {
	t.Helper()
	cfg := testConfig(mutate)
	store := &memoryStore{data: make(map[string]string)}
	mock := clock.NewMock()
	a := newApp(cfg, zap.NewNop(), components{
		runID:  testRunID,
		clock:  mock,
		store:  store,
		venue:  fv,
		alerts: alerts.NewTelegram(config.TelegramConfig{ChatID: "42"}, zap.NewNop()),
	})
	return a, store, mock
}

func TestCyclePlacesFullLadder(t *testing.T) {
	fv := newFakeVenue()
	a, store, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	if len(fv.placed) != 18 {
		t.Fatalf("expected 18 orders, got %d", len(fv.placed))
	}
	first := fv.placed[0]
	if first.Side != venue.SideBuy || !first.Price.Equal(decimal.NewFromInt(89970)) {
		t.Fatalf("expected buys first starting at 89970, got %s", first)
	}
	firstSell := fv.placed[9]
	if firstSell.Side != venue.SideSell || !firstSell.Price.Equal(decimal.NewFromInt(90030)) {
		t.Fatalf("expected sells after buys starting at 90030, got %s", firstSell)
	}
	for _, o := range fv.placed {
		if !strings.HasPrefix(o.ClientID, "0x") {
			t.Fatalf("expected client order id on %s", o)
		}
	}
	st := a.Status()
	if st.CycleCount != 1 || st.LastOrderTime == nil || st.ProcessedCount != 18 {
		t.Fatalf("unexpected status %+v", st)
	}
	recs := store.journal(t)
	if len(recs) != 1 || recs[0].Outcome != outcomeTraded || recs[0].Placed != 18 || recs[0].Mid != "90000" {
		t.Fatalf("unexpected journal %+v", recs)
	}

	a.runCycle(context.Background())
	if len(fv.placed) != 18 {
		t.Fatalf("expected no new orders on a complete ladder, got %d", len(fv.placed))
	}
}

func TestCycleStrongTrendEntersCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.indicators = venue.Indicators{RSI: 50, ADX: 31, HasRSI: true, HasADX: true}
	a, store, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	st := a.Status()
	if !st.RiskCooldown.Cooling || !strings.Contains(st.RiskCooldown.Reason, "strong trend") {
		t.Fatalf("expected strong trend cooldown, got %+v", st.RiskCooldown)
	}
	if st.RiskCooldown.Remaining != "15m0s" {
		t.Fatalf("expected 15m remaining, got %q", st.RiskCooldown.Remaining)
	}
	if fv.flattens != 1 || fv.cancelAlls != 1 || len(fv.placed) != 0 {
		t.Fatalf("expected flatten and cancel-all only, flattens=%d cancelAlls=%d placed=%d", fv.flattens, fv.cancelAlls, len(fv.placed))
	}
	recs := store.journal(t)
	if len(recs) != 2 || recs[0].Outcome != "risk_enter" || recs[1].Outcome != outcomeRisk {
		t.Fatalf("unexpected journal %+v", recs)
	}
}

func TestCycleCoolingEnforcesUntilExpiry(t *testing.T) {
	fv := newFakeVenue()
	fv.indicators = venue.Indicators{RSI: 95, ADX: 10, HasRSI: true, HasADX: true}
	a, _, mock := newTestApp(t, fv, nil)
	ctx := context.Background()

	a.runCycle(ctx)
	fv.indicators = venue.Indicators{RSI: 50, ADX: 10, HasRSI: true, HasADX: true}

	mock.Add(15*time.Minute - time.Millisecond)
	a.runCycle(ctx)
	if fv.flattens != 2 || fv.placedCount() != 0 {
		t.Fatalf("expected defensive flatten while cooling, flattens=%d placed=%d", fv.flattens, fv.placedCount())
	}

	mock.Add(time.Millisecond)
	a.runCycle(ctx)
	if a.Status().RiskCooldown.Cooling {
		t.Fatalf("expected cooldown to expire at its end time")
	}
	if fv.placedCount() != 18 {
		t.Fatalf("expected trading to resume in the expiring cycle, placed=%d", fv.placedCount())
	}
}

func TestCycleIndicatorFailureEntersCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.indErr = errors.New("chart offline")
	a, _, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	reason := a.Status().RiskCooldown.Reason
	if reason != "indicator read failed: chart offline" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestCycleMissingIndicatorEntersCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.indicators = venue.Indicators{RSI: 50, HasRSI: true}
	a, _, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	if !a.Status().RiskCooldown.Cooling {
		t.Fatalf("expected cooldown when adx is missing")
	}
}

func TestCycleSkipsWithoutQuote(t *testing.T) {
	fv := newFakeVenue()
	fv.quoteErr = venue.ErrQuoteUnavailable
	a, store, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	if a.Status().RiskCooldown.Cooling {
		t.Fatalf("expected a missing quote to skip, not cool down")
	}
	if len(fv.placed) != 0 {
		t.Fatalf("expected no orders without a quote")
	}
	recs := store.journal(t)
	if len(recs) != 1 || recs[0].Outcome != outcomeSkipped {
		t.Fatalf("unexpected journal %+v", recs)
	}
}

func TestCyclePositionFailureEntersCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.posErr = errors.New("account endpoint 500")
	a, _, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	reason := a.Status().RiskCooldown.Reason
	if !strings.HasPrefix(reason, "execution error: position:") {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestCyclePanicEntersCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.posPanic = true
	a, store, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())

	st := a.Status()
	if !st.RiskCooldown.Cooling || !strings.Contains(st.RiskCooldown.Reason, "position feed exploded") {
		t.Fatalf("expected panic to force cooldown, got %+v", st.RiskCooldown)
	}
	recs := store.journal(t)
	if recs[len(recs)-1].Outcome != outcomeFailed {
		t.Fatalf("expected failed cycle record, got %+v", recs[len(recs)-1])
	}
}

func TestCycleRetryBackoffFollowsClock(t *testing.T) {
	fv := newFakeVenue()
	fv.placeErr = errors.New("venue rejected")
	a, store, mock := newTestApp(t, fv, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runCycle(context.Background())
	}()
	var advanced time.Duration
	for advanced < 10*time.Minute {
		select {
		case <-done:
			recs := store.journal(t)
			if len(recs) != 1 || recs[0].Failed != 18 || recs[0].Placed != 0 {
				t.Fatalf("expected 18 failed placements, got %+v", recs)
			}
			if advanced < 54*time.Second {
				t.Fatalf("expected backoff to consume mock time, cycle ended after %v", advanced)
			}
			return
		case <-time.After(time.Millisecond):
		}
		mock.Add(time.Second)
		advanced += time.Second
	}
	t.Fatalf("cycle still running after %v of mock time", advanced)
}

func TestCycleSurvivesPanickingFlatten(t *testing.T) {
	fv := newFakeVenue()
	fv.posPanic = true
	fv.flatPanic = true
	a, _, _ := newTestApp(t, fv, nil)

	a.runCycle(context.Background())
	a.runCycle(context.Background())

	st := a.Status()
	if !st.RiskCooldown.Cooling {
		t.Fatalf("expected cooling after panics, got %+v", st.RiskCooldown)
	}
	fv.mu.Lock()
	defer fv.mu.Unlock()
	if fv.flattens != 2 || fv.cancelAlls != 2 {
		t.Fatalf("expected flatten and cancel-all on entry and on the cooling cycle, got %d/%d", fv.flattens, fv.cancelAlls)
	}
}

func TestCycleCancelSkipsOrdersNearTouch(t *testing.T) {
	fv := newFakeVenue()
	fv.sells = []decimal.Decimal{decimal.NewFromInt(90020), decimal.NewFromInt(95000)}
	a, _, _ := newTestApp(t, fv, func(cfg *config.Config) {
		cfg.Grid.TotalOrders = 2
	})

	a.runCycle(context.Background())

	if len(fv.cancelled) != 1 || fv.cancelled[0] != "sell@95000" {
		t.Fatalf("expected only the far sell cancelled, got %v", fv.cancelled)
	}
	if len(fv.placed) != 2 {
		t.Fatalf("expected one buy and one sell placed, got %v", fv.placed)
	}
	if !fv.placed[1].Price.Equal(decimal.NewFromInt(90030)) {
		t.Fatalf("expected ideal sell placed after cancel, got %s", fv.placed[1])
	}
}

func TestClearOrderHistory(t *testing.T) {
	fv := newFakeVenue()
	a, _, _ := newTestApp(t, fv, nil)
	a.runCycle(context.Background())

	a.ClearOrderHistory()

	st := a.Status()
	if st.CycleCount != 0 || st.ProcessedCount != 0 || st.LastOrderTime != nil {
		t.Fatalf("expected cleared history, got %+v", st)
	}
}

func TestResetCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.indicators.ADX = 40
	a, store, _ := newTestApp(t, fv, nil)
	a.runCycle(context.Background())

	if !a.ResetCooldown(context.Background()) {
		t.Fatalf("expected an active cooldown to be reset")
	}
	if a.Status().RiskCooldown.Cooling {
		t.Fatalf("expected cooldown cleared")
	}
	if a.ResetCooldown(context.Background()) {
		t.Fatalf("expected second reset to report nothing active")
	}
	recs := store.journal(t)
	if recs[len(recs)-1].Outcome != "risk_reset" {
		t.Fatalf("expected reset in journal, got %+v", recs[len(recs)-1])
	}
}

func TestStatusDoesNotExpireCooldown(t *testing.T) {
	fv := newFakeVenue()
	fv.indicators = venue.Indicators{RSI: 95, ADX: 10, HasRSI: true, HasADX: true}
	a, store, mock := newTestApp(t, fv, nil)

	a.runCycle(context.Background())
	mock.Add(15 * time.Minute)

	if a.Status().RiskCooldown.Cooling {
		t.Fatalf("expected elapsed cooldown to read as not cooling")
	}
	if !a.guard.Cooling() {
		t.Fatalf("expected guard to stay cooling until the next cycle")
	}
	for _, rec := range store.journal(t) {
		if rec.Outcome == "risk_"+riskEventExpire {
			t.Fatalf("expected no expiry record from a status read")
		}
	}

	fv.indicators = venue.Indicators{RSI: 50, ADX: 10, HasRSI: true, HasADX: true}
	a.runCycle(context.Background())
	if a.guard.Cooling() {
		t.Fatalf("expected the cycle to apply the expiry")
	}
	found := false
	for _, rec := range store.journal(t) {
		if rec.Outcome == "risk_"+riskEventExpire {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected expiry recorded by the cycle")
	}
}

func TestConcurrentStartsLeaveOneRunning(t *testing.T) {
	fv := newFakeVenue()
	a, _, _ := newTestApp(t, fv, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		refused int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Start(5 * time.Second)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, scheduler.ErrAlreadyRunning):
				refused++
			}
		}()
	}
	wg.Wait()
	if started != 1 || refused != 7 {
		t.Fatalf("expected one start and seven refusals, got %d/%d", started, refused)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartStopScheduler(t *testing.T) {
	fv := newFakeVenue()
	a, _, _ := newTestApp(t, fv, nil)

	if err := a.Start(5 * time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := a.Status()
	if !st.Running || st.Interval != "5s" {
		t.Fatalf("unexpected status after start %+v", st)
	}
	if err := a.Start(0); err == nil {
		t.Fatalf("expected second start to fail")
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Status().Running {
		t.Fatalf("expected stopped")
	}
}
