package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid-bot/internal/config"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type State string

type Event string

const (
	StateAllow   State = "ALLOW"
	StateCooling State = "COOLING"
)

const (
	EventTrigger Event = "TRIGGER"
	EventExpire  Event = "EXPIRE"
	EventReset   Event = "RESET"
)

// Flattener is the subset of the venue the cooldown needs.
type Flattener interface {
	Flatten(ctx context.Context) error
	CancelAll(ctx context.Context) error
}

type Status struct {
	State     State         `json:"state"`
	Cooling   bool          `json:"cooling"`
	Reason    string        `json:"reason,omitempty"`
	EndsAt    time.Time     `json:"ends_at,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Guard is the cooldown state machine. Expiry is lazy: nothing happens until Check runs.
type Guard struct {
	mu       sync.Mutex
	state    State
	reason   string
	endsAt   time.Time
	cooldown time.Duration
	settle   time.Duration
	venue    Flattener
	clock    clock.Clock
	log      *zap.Logger
}

func NewGuard(cfg config.RiskConfig, venue Flattener, clk clock.Clock, log *zap.Logger) *Guard {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		state:    StateAllow,
		cooldown: cfg.Cooldown,
		settle:   cfg.FlattenSettleValue(),
		venue:    venue,
		clock:    clk,
		log:      log,
	}
}

// Check reports whether trading is suspended. expired is true on the call that clears an elapsed cooldown.
func (g *Guard) Check() (cooling bool, expired bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateCooling {
		return false, false
	}
	if g.clock.Now().Before(g.endsAt) {
		return true, false
	}
	g.apply(EventExpire)
	g.log.Info("risk cooldown ended, trading resumes")
	return false, true
}

// Enter starts a cooldown and runs the flatten sequence. The state stays COOLING even
// when flatten or cancel-all fail.
func (g *Guard) Enter(ctx context.Context, reason string) Status {
	g.mu.Lock()
	g.apply(EventTrigger)
	g.reason = reason
	g.endsAt = g.clock.Now().Add(g.cooldown)
	endsAt := g.endsAt
	g.mu.Unlock()

	g.log.Warn("risk cooldown triggered", zap.String("reason", reason), zap.Time("ends_at", endsAt))
	g.Enforce(ctx)
	return g.Status()
}

// Enforce flattens then cancels all orders, logging failures. Used on entry and on every
// cycle spent cooling, since stale fills can reopen a position.
func (g *Guard) Enforce(ctx context.Context) {
	if g.venue == nil {
		return
	}
	if err := protect(ctx, g.venue.Flatten); err != nil {
		g.log.Error("flatten failed", zap.Error(err))
	}
	if err := sleep(ctx, g.clock, g.settle); err != nil {
		return
	}
	if err := protect(ctx, g.venue.CancelAll); err != nil {
		g.log.Error("cancel all failed", zap.Error(err))
	}
}

// protect turns a venue panic into an error so the cooldown sequence always completes.
func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apply(EventReset)
	g.log.Info("risk cooldown reset by operator")
}

// Cooling reports the current state without applying expiry.
func (g *Guard) Cooling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateCooling
}

func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{State: g.state, Cooling: g.state == StateCooling}
	if !st.Cooling {
		return st
	}
	st.Reason = g.reason
	st.EndsAt = g.endsAt
	if remaining := g.endsAt.Sub(g.clock.Now()); remaining > 0 {
		st.Remaining = remaining
	}
	return st
}

func (g *Guard) apply(event Event) {
	g.state = nextState(g.state, event)
	if g.state == StateAllow {
		g.reason = ""
		g.endsAt = time.Time{}
	}
}

func nextState(current State, event Event) State {
	switch event {
	case EventTrigger:
		return StateCooling
	case EventReset:
		return StateAllow
	case EventExpire:
		if current == StateCooling {
			return StateAllow
		}
	}
	return current
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
