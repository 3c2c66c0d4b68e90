package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"grid-bot/internal/config"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Interval:         10 * time.Second,
		CooldownInterval: 30 * time.Second,
		MinDelay:         time.Second,
	}
}

func TestNextDelay(t *testing.T) {
	if got := NextDelay(10*time.Second, 30*time.Second, time.Second, 3*time.Second, false); got != 7*time.Second {
		t.Fatalf("expected 7s, got %v", got)
	}
	if got := NextDelay(10*time.Second, 30*time.Second, time.Second, 3*time.Second, true); got != 27*time.Second {
		t.Fatalf("expected cooldown interval to apply, got %v", got)
	}
	if got := NextDelay(10*time.Second, 30*time.Second, time.Second, 12*time.Second, false); got != time.Second {
		t.Fatalf("expected floor after overrun, got %v", got)
	}
	if got := NextDelay(3*time.Second, 30*time.Second, time.Second, 2500*time.Millisecond, false); got != time.Second {
		t.Fatalf("expected floor for short remainder, got %v", got)
	}
}

// advanceUntil moves the mock clock forward in steps until a cycle reports in.
func advanceUntil(t *testing.T, mock *clock.Mock, ran <-chan struct{}, step time.Duration, maxSteps int) time.Duration {
	t.Helper()
	var advanced time.Duration
	for i := 0; i < maxSteps; i++ {
		select {
		case <-ran:
			return advanced
		case <-time.After(2 * time.Millisecond):
		}
		mock.Add(step)
		advanced += step
	}
	t.Fatalf("cycle did not run after %v", advanced)
	return advanced
}

func TestSchedulerRunsImmediatelyThenOnInterval(t *testing.T) {
	mock := clock.NewMock()
	ran := make(chan struct{}, 4)
	var count atomic.Int32
	s := New(testConfig(), func(context.Context) {
		count.Add(1)
		ran <- struct{}{}
	}, nil, mock, zap.NewNop())

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("expected immediate first cycle")
	}
	if st := s.Status(); !st.Running || st.Interval != 10*time.Second {
		t.Fatalf("unexpected status %+v", st)
	}
	advanced := advanceUntil(t, mock, ran, time.Second, 500)
	if advanced < 10*time.Second {
		t.Fatalf("second cycle ran early after %v", advanced)
	}
	if count.Load() != 2 {
		t.Fatalf("expected 2 cycles, got %d", count.Load())
	}
}

func TestSchedulerUsesCooldownInterval(t *testing.T) {
	mock := clock.NewMock()
	ran := make(chan struct{}, 4)
	s := New(testConfig(), func(context.Context) {
		ran <- struct{}{}
	}, func() bool { return true }, mock, zap.NewNop())

	if err := s.Start(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop() }()
	<-ran
	advanced := advanceUntil(t, mock, ran, time.Second, 500)
	if advanced < 30*time.Second {
		t.Fatalf("expected cooldown interval wait, second cycle after %v", advanced)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	mock := clock.NewMock()
	s := New(testConfig(), func(context.Context) {}, nil, mock, zap.NewNop())

	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected not running, got %v", err)
	}
	if err := s.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background(), time.Second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Running() {
		t.Fatalf("expected stopped scheduler")
	}
	if err := s.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = s.Stop()
}

func TestSchedulerNeverOverlaps(t *testing.T) {
	mock := clock.NewMock()
	var inFlight, maxInFlight atomic.Int32
	ran := make(chan struct{}, 16)
	s := New(testConfig(), func(context.Context) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		mock.Add(15 * time.Second)
		inFlight.Add(-1)
		ran <- struct{}{}
	}, nil, mock, zap.NewNop())

	if err := s.Start(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-ran
	deadline := time.Now().Add(time.Second)
	for s.Status().LastDuration == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := s.Status(); st.LastDuration != 15*time.Second {
		t.Fatalf("expected measured duration 15s, got %v", st.LastDuration)
	}
	advanceUntil(t, mock, ran, 500*time.Millisecond, 500)
	_ = s.Stop()
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected single-flight cycles, saw %d concurrent", maxInFlight.Load())
	}
}

func TestSchedulerStopsWithParentContext(t *testing.T) {
	mock := clock.NewMock()
	s := New(testConfig(), func(context.Context) {}, nil, mock, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx, time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	s.Wait()
	if s.Running() {
		t.Fatalf("expected loop to exit with parent context")
	}
}
