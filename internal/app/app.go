package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"grid-bot/internal/alerts"
	"grid-bot/internal/config"
	"grid-bot/internal/exec"
	"grid-bot/internal/grid"
	"grid-bot/internal/market"
	"grid-bot/internal/metrics"
	"grid-bot/internal/risk"
	"grid-bot/internal/scheduler"
	"grid-bot/internal/state"
	"grid-bot/internal/state/sqlite"
	"grid-bot/internal/timescale"
	"grid-bot/internal/venue"
	"grid-bot/internal/venue/paper"
	"grid-bot/internal/venue/rest"
	"grid-bot/internal/venue/ws"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	runID     string
	clock     clock.Clock
	store     state.Store
	venue     venue.Adapter
	feed      *market.Feed
	executor  *exec.Executor
	guard     *risk.Guard
	scheduler *scheduler.Scheduler
	params    grid.Params
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	journal   *state.Journal
	timescale *timescale.Writer

	startMu        sync.Mutex
	mu             sync.RWMutex
	baseCtx        context.Context
	cycleCount     uint64
	lastOrderTime  time.Time
	operatorWarned bool
}

// components are the collaborators New builds from config; tests inject their own.
type components struct {
	runID     string
	clock     clock.Clock
	store     state.Store
	venue     venue.Adapter
	feed      *market.Feed
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	restAdapter := rest.New(cfg.Venue, clk, log)
	var wsClient *ws.Client
	if cfg.Venue.WSURL != "" {
		wsClient = ws.New(cfg.Venue.WSURL, cfg.Venue.ReconnectDelay, cfg.Venue.PingInterval, log)
	}
	feed := market.NewFeed(restAdapter, wsClient, cfg.Venue.Symbol, cfg.Venue.MaxQuoteAge, clk, log)

	var adapter venue.Adapter
	switch cfg.Venue.Mode {
	case config.VenueModePaper:
		adapter = paper.New(feed, decimal.NewFromFloat(cfg.Venue.PaperOrderSize), log)
	default:
		adapter = market.Wrap(restAdapter, feed)
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return newApp(cfg, log, components{
		runID:     uuid.NewString(),
		clock:     clk,
		store:     store,
		venue:     adapter,
		feed:      feed,
		metrics:   m,
		prom:      prom,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		timescale: writer,
	}), nil
}

func newApp(cfg *config.Config, log *zap.Logger, c components) *App {
	if log == nil {
		log = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNoop()
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	log = log.With(zap.String("run_id", c.runID))
	executor := exec.New(c.venue, c.store, c.runID, c.clock, log)
	a := &App{
		cfg:       cfg,
		log:       log,
		runID:     c.runID,
		clock:     c.clock,
		store:     c.store,
		venue:     c.venue,
		feed:      c.feed,
		executor:  executor,
		guard:     risk.NewGuard(cfg.Risk, executor, c.clock, log),
		params:    grid.NewParams(cfg.Grid),
		metrics:   c.metrics,
		prom:      c.prom,
		alerts:    c.alerts,
		journal:   state.NewJournal(c.store, c.runID),
		timescale: c.timescale,
	}
	a.scheduler = scheduler.New(cfg.Scheduler, a.runCycle, a.guard.Cooling, c.clock, log)
	return a
}

// Run starts the supporting services and blocks until ctx is done. Trading starts
// immediately when scheduler.auto_start is set, otherwise on an operator start command.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	if a.feed != nil {
		if err := a.feed.Start(ctx); err != nil {
			a.log.Warn("market stream unavailable, reading quotes over REST", zap.Error(err))
		}
	}
	a.timescale.Start(ctx)
	srv, err := a.startHTTP()
	if err != nil {
		return err
	}
	a.startOperator(ctx)

	a.log.Info("grid bot ready",
		zap.String("symbol", a.cfg.Venue.Symbol),
		zap.String("venue", a.cfg.Venue.Mode),
		zap.Int("total_orders", a.cfg.Grid.TotalOrders),
	)
	if a.cfg.Scheduler.AutoStartValue() {
		if err := a.Start(a.cfg.Scheduler.Interval); err != nil {
			return err
		}
	}

	<-ctx.Done()
	a.scheduler.Wait()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http shutdown failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}

func (a *App) context() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.baseCtx == nil {
		return context.Background()
	}
	return a.baseCtx
}

// Start begins cycling at interval, or the configured interval when zero. The cycle
// counter restarts from zero on every start.
func (a *App) Start(interval time.Duration) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.scheduler.Running() {
		return scheduler.ErrAlreadyRunning
	}
	a.mu.Lock()
	a.cycleCount = 0
	a.mu.Unlock()
	return a.scheduler.Start(a.context(), interval)
}

func (a *App) Stop() error {
	return a.scheduler.Stop()
}

// ResetCooldown clears an active cooldown immediately. It reports whether one was active.
func (a *App) ResetCooldown(ctx context.Context) bool {
	was := a.guard.Status().Cooling
	a.guard.Reset()
	if was {
		a.metrics.CooldownCleared.Inc()
		a.metrics.Cooling.Set(0)
		a.recordRisk(ctx, riskEventReset, "operator reset", nil, time.Time{})
	}
	return was
}

func (a *App) CancelAll(ctx context.Context) error {
	return a.executor.CancelAll(ctx)
}

// ClearOrderHistory forgets processed orders and resets the cycle counter.
func (a *App) ClearOrderHistory() {
	a.executor.ClearHistory()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycleCount = 0
	a.lastOrderTime = time.Time{}
}

type CooldownStatus struct {
	Cooling   bool       `json:"cooling"`
	Reason    string     `json:"reason,omitempty"`
	Remaining string     `json:"remaining,omitempty"`
	EndsAt    *time.Time `json:"endsAt,omitempty"`
}

type Status struct {
	Running        bool           `json:"running"`
	Interval       string         `json:"interval,omitempty"`
	CycleCount     uint64         `json:"cycleCount"`
	ProcessedCount int            `json:"processedCount"`
	LastOrderTime  *time.Time     `json:"lastOrderTime,omitempty"`
	RiskCooldown   CooldownStatus `json:"riskCooldown"`
}

// Status is a read-only view. An elapsed cooldown reads as not cooling; the transition
// itself is applied by the next cycle.
func (a *App) Status() Status {
	sched := a.scheduler.Status()
	guard := a.guard.Status()
	cooling := guard.Cooling && guard.Remaining > 0

	st := Status{
		Running:        sched.Running,
		ProcessedCount: a.executor.ProcessedCount(),
	}
	if sched.Running {
		st.Interval = sched.Interval.String()
	}
	if cooling {
		st.RiskCooldown = CooldownStatus{Cooling: true, Reason: guard.Reason}
		endsAt := guard.EndsAt
		st.RiskCooldown.EndsAt = &endsAt
		st.RiskCooldown.Remaining = guard.Remaining.Truncate(time.Second).String()
	}
	a.mu.RLock()
	st.CycleCount = a.cycleCount
	if !a.lastOrderTime.IsZero() {
		last := a.lastOrderTime
		st.LastOrderTime = &last
	}
	a.mu.RUnlock()
	return st
}

func (a *App) nextCycle() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycleCount++
	return a.cycleCount
}

func (a *App) setLastOrderTime(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastOrderTime = t
}
