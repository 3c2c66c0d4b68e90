package timescale

import (
	"context"
	"strings"
	"testing"

	"grid-bot/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
	w.EnqueueCycle(CycleSnapshot{})
	w.EnqueueRisk(RiskEvent{})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
	if w.Dropped() != 0 {
		t.Fatalf("expected no drops on nil writer")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true, DSN: "  "}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, "", 1, zap.NewNop())
	w.EnqueueCycle(CycleSnapshot{Cycle: 1})
	w.EnqueueCycle(CycleSnapshot{Cycle: 2})
	w.EnqueueRisk(RiskEvent{Event: "enter"})
	w.EnqueueRisk(RiskEvent{Event: "expire"})
	if got := w.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", got)
	}
	snap := <-w.cycles
	if snap.Cycle != 1 {
		t.Fatalf("expected first cycle kept, got %d", snap.Cycle)
	}
}

func TestSchemaStatementsUseSchema(t *testing.T) {
	w := newWriter(nil, "grid", 0, nil)
	stmts := w.schemaStatements()
	if len(stmts) != 3 {
		t.Fatalf("expected schema plus two tables, got %d statements", len(stmts))
	}
	if !strings.Contains(stmts[0], "CREATE SCHEMA IF NOT EXISTS grid") {
		t.Fatalf("unexpected schema statement %q", stmts[0])
	}
	if !strings.Contains(stmts[1], "grid.cycle_snapshots") || !strings.Contains(stmts[2], "grid.risk_events") {
		t.Fatalf("expected schema-qualified tables")
	}
	if cap(w.cycles) != 256 {
		t.Fatalf("expected default queue size 256, got %d", cap(w.cycles))
	}

	public := newWriter(nil, "", 0, nil)
	if got := len(public.schemaStatements()); got != 2 {
		t.Fatalf("expected no schema statement for public, got %d statements", got)
	}
}
