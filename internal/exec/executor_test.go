package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-bot/internal/state"
	"grid-bot/internal/venue"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockVenue struct {
	mu        sync.Mutex
	placed    []venue.Order
	cancels   int
	placeErrs []error
	cancelErr error
}

func (m *mockVenue) Quote(context.Context) (venue.Quote, error)         { return venue.Quote{}, nil }
func (m *mockVenue) OrderBook(context.Context) (venue.OrderBook, error) { return venue.OrderBook{}, nil }
func (m *mockVenue) Position(context.Context) (venue.Position, error)   { return venue.Position{}, nil }
func (m *mockVenue) Indicators(context.Context) (venue.Indicators, error) {
	return venue.Indicators{}, nil
}
func (m *mockVenue) CancelAll(context.Context) error { return nil }
func (m *mockVenue) Flatten(context.Context) error   { return nil }

func (m *mockVenue) PlaceOrder(ctx context.Context, order venue.Order) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return err
		}
	}
	m.placed = append(m.placed, order)
	return nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, side venue.Side, price decimal.Decimal) error {
	_ = ctx
	_ = side
	_ = price
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	return m.cancelErr
}

func newTestExecutor(v venue.Adapter, store state.Store) (*Executor, *clock.Mock) {
	mock := clock.NewMock()
	return New(v, store, "run-1", mock, zap.NewNop()), mock
}

// advanceUntilDone moves the mock clock until fn returns and reports how far it moved.
func advanceUntilDone(t *testing.T, mock *clock.Mock, fn func()) time.Duration {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	var advanced time.Duration
	for i := 0; i < 1000; i++ {
		select {
		case <-done:
			return advanced
		case <-time.After(time.Millisecond):
		}
		mock.Add(50 * time.Millisecond)
		advanced += 50 * time.Millisecond
	}
	t.Fatalf("call still blocked after %v of mock time", advanced)
	return advanced
}

func TestExecutorSkipsDuplicatePlacementInCycle(t *testing.T) {
	v := &mockVenue{}
	e, _ := newTestExecutor(v, newMemoryStore())
	e.BeginCycle(1)
	ctx := context.Background()
	price := decimal.NewFromInt(90030)

	ok, err := e.Place(ctx, venue.SideSell, price)
	if err != nil || !ok {
		t.Fatalf("expected first placement, got ok=%t err=%v", ok, err)
	}
	ok, err = e.Place(ctx, venue.SideSell, price)
	if err != nil || ok {
		t.Fatalf("expected duplicate to be skipped, got ok=%t err=%v", ok, err)
	}
	if len(v.placed) != 1 {
		t.Fatalf("expected 1 venue call, got %d", len(v.placed))
	}
	if !strings.HasPrefix(v.placed[0].ClientID, "0x") || len(v.placed[0].ClientID) != 34 {
		t.Fatalf("unexpected client order id %q", v.placed[0].ClientID)
	}

	e.BeginCycle(2)
	if ok, err := e.Place(ctx, venue.SideSell, price); err != nil || !ok {
		t.Fatalf("expected placement in next cycle, got ok=%t err=%v", ok, err)
	}
	if e.ProcessedCount() != 2 {
		t.Fatalf("expected 2 processed orders, got %d", e.ProcessedCount())
	}
}

func TestExecutorUsesStoreAcrossRestart(t *testing.T) {
	store := newMemoryStore()
	v1 := &mockVenue{}
	e1, _ := newTestExecutor(v1, store)
	e1.BeginCycle(7)
	if _, err := e1.Place(context.Background(), venue.SideBuy, decimal.NewFromInt(89970)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v2 := &mockVenue{}
	e2, _ := newTestExecutor(v2, store)
	e2.BeginCycle(7)
	ok, err := e2.Place(context.Background(), venue.SideBuy, decimal.NewFromInt(89970))
	if err != nil || ok {
		t.Fatalf("expected stored client id to short-circuit, got ok=%t err=%v", ok, err)
	}
	if len(v2.placed) != 0 {
		t.Fatalf("expected no venue calls, got %d", len(v2.placed))
	}
}

func TestExecutorRetriesPlacement(t *testing.T) {
	v := &mockVenue{placeErrs: []error{errors.New("timeout"), errors.New("timeout")}}
	e, mock := newTestExecutor(v, nil)
	var (
		ok  bool
		err error
	)
	advanced := advanceUntilDone(t, mock, func() {
		ok, err = e.Place(context.Background(), venue.SideBuy, decimal.NewFromInt(89970))
	})
	if err != nil || !ok {
		t.Fatalf("expected placement after retries, got ok=%t err=%v", ok, err)
	}
	if advanced < 600*time.Millisecond {
		t.Fatalf("expected 200ms then 400ms backoff, placement finished after %v", advanced)
	}
}

func TestExecutorGivesUpAfterAttempts(t *testing.T) {
	errs := make([]error, defaultAttempts)
	for i := range errs {
		errs[i] = errors.New("down")
	}
	v := &mockVenue{placeErrs: errs}
	e, mock := newTestExecutor(v, nil)
	var err error
	advanced := advanceUntilDone(t, mock, func() {
		_, err = e.Place(context.Background(), venue.SideBuy, decimal.NewFromInt(89970))
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if advanced < 3*time.Second {
		t.Fatalf("expected doubling backoff totalling 3s, gave up after %v", advanced)
	}
}

func TestExecutorBackoffStopsOnCancel(t *testing.T) {
	v := &mockVenue{placeErrs: []error{errors.New("down")}}
	e, _ := newTestExecutor(v, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Place(ctx, venue.SideBuy, decimal.NewFromInt(89970))
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("placement kept waiting after cancel")
	}
}

func TestExecutorCancelNotFoundIsNotAnError(t *testing.T) {
	v := &mockVenue{cancelErr: venue.ErrOrderNotFound}
	e, _ := newTestExecutor(v, nil)
	found, err := e.Cancel(context.Background(), venue.SideSell, decimal.NewFromInt(95000))
	if err != nil || found {
		t.Fatalf("expected not-found to be tolerated, got found=%t err=%v", found, err)
	}
	if v.cancels != 1 {
		t.Fatalf("expected not-found to skip retries, got %d calls", v.cancels)
	}
	if found, _ := e.Cancel(context.Background(), venue.SideSell, decimal.NewFromInt(95000)); found || v.cancels != 1 {
		t.Fatalf("expected repeat cancel in same cycle to be skipped")
	}
}

func TestExecutorClearHistory(t *testing.T) {
	e, _ := newTestExecutor(&mockVenue{}, nil)
	_, _ = e.Place(context.Background(), venue.SideBuy, decimal.NewFromInt(89970))
	e.ClearHistory()
	if e.ProcessedCount() != 0 {
		t.Fatalf("expected history cleared, got %d", e.ProcessedCount())
	}
}

func TestClientOrderIDDeterministic(t *testing.T) {
	a := ClientOrderID("run", 1, venue.SideBuy, decimal.RequireFromString("100.50"))
	b := ClientOrderID("run", 1, venue.SideBuy, decimal.RequireFromString("100.5"))
	if a != b {
		t.Fatalf("expected equal ids for equal prices, got %s and %s", a, b)
	}
	if c := ClientOrderID("run", 2, venue.SideBuy, decimal.RequireFromString("100.5")); c == a {
		t.Fatalf("expected cycle to change the id")
	}
}
