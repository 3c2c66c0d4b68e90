package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"grid-bot/internal/config"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// CycleFunc runs one cycle. It must return only after all of its work has settled.
type CycleFunc func(ctx context.Context)

type Status struct {
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval"`
	LastDuration time.Duration `json:"lastDuration"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
}

// Scheduler runs at most one cycle at a time. The next cycle is armed only once the
// previous one has returned, and the wait is shortened by the time the cycle took.
type Scheduler struct {
	cycle    CycleFunc
	cooling  func() bool
	fallback time.Duration
	cooldown time.Duration
	floor    time.Duration
	clock    clock.Clock
	log      *zap.Logger

	mu       sync.Mutex
	running  bool
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	lastRun  time.Duration
	nextAt   time.Time
}

func New(cfg config.SchedulerConfig, cycle CycleFunc, cooling func() bool, clk clock.Clock, log *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cooling == nil {
		cooling = func() bool { return false }
	}
	return &Scheduler{
		cycle:    cycle,
		cooling:  cooling,
		fallback: cfg.Interval,
		cooldown: cfg.CooldownInterval,
		floor:    cfg.MinDelay,
		clock:    clk,
		log:      log,
	}
}

// NextDelay is the wait before the next cycle given how long the last one ran.
func NextDelay(interval, cooldownInterval, floor, elapsed time.Duration, cooling bool) time.Duration {
	base := interval
	if cooling {
		base = cooldownInterval
	}
	delay := base - elapsed
	if delay < floor {
		return floor
	}
	return delay
}

// Start launches the loop; the first cycle runs immediately. A non-positive interval
// selects the configured default.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if interval <= 0 {
		interval = s.fallback
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.interval = interval
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextAt = time.Time{}
	go s.loop(loopCtx, interval, s.done)
	s.log.Info("scheduler started", zap.Duration("interval", interval))
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	<-done
	s.log.Info("scheduler stopped")
	return nil
}

// Wait blocks until the current loop exits. It returns immediately when not running.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	running := s.running
	s.mu.Unlock()
	if running && done != nil {
		<-done
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, Interval: s.interval, LastDuration: s.lastRun, NextRunAt: s.nextAt}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.nextAt = time.Time{}
		s.mu.Unlock()
		close(done)
	}()
	for {
		started := s.clock.Now()
		s.cycle(ctx)
		elapsed := s.clock.Since(started)
		if ctx.Err() != nil {
			return
		}
		delay := NextDelay(interval, s.cooldown, s.floor, elapsed, s.cooling())
		s.mu.Lock()
		s.lastRun = elapsed
		s.nextAt = s.clock.Now().Add(delay)
		s.mu.Unlock()
		s.log.Debug("next cycle scheduled", zap.Duration("elapsed", elapsed), zap.Duration("delay", delay))
		timer := s.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
