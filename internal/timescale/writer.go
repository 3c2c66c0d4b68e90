package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"grid-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type CycleSnapshot struct {
	Time       time.Time
	RunID      string
	Cycle      uint64
	Outcome    string
	Cooling    bool
	Ask        float64
	Bid        float64
	Mid        float64
	Position   float64
	SellRatio  float64
	BuyRatio   float64
	SellTarget int
	BuyTarget  int
	OpenOrders int
	Placed     int
	Cancelled  int
	DurationMS int64
}

type RiskEvent struct {
	Time   time.Time
	RunID  string
	Event  string
	Reason string
	RSI    float64
	ADX    float64
	EndsAt time.Time
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	cycles     chan CycleSnapshot
	risks      chan RiskEvent
	started    atomic.Bool
	dropCycles atomic.Uint64
	dropRisks  atomic.Uint64
}

// New returns a nil writer when the sink is disabled; every method is nil-safe.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		cycles: make(chan CycleSnapshot, queueSize),
		risks:  make(chan RiskEvent, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueCycle(snap CycleSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- snap:
	default:
		if w.dropCycles.Add(1) == 1 {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) EnqueueRisk(event RiskEvent) {
	if w == nil {
		return
	}
	select {
	case w.risks <- event:
	default:
		if w.dropRisks.Add(1) == 1 {
			w.log.Warn("timescale risk queue full")
		}
	}
}

// Dropped reports how many rows were discarded because a queue was full.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropCycles.Load() + w.dropRisks.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.cycles:
			w.writeCycle(ctx, snap)
		case event := <-w.risks:
			w.writeRisk(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	for _, stmt := range w.schemaStatements() {
		if err := w.exec(ctx, stmt); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"cycle_snapshots", "risk_events"} {
		query := fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))
		if err := w.exec(ctx, query); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) schemaStatements() []string {
	var stmts []string
	if w.schema != "public" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema))
	}
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		cycle BIGINT NOT NULL,
		outcome TEXT NOT NULL,
		cooling BOOLEAN NOT NULL,
		ask DOUBLE PRECISION NOT NULL,
		bid DOUBLE PRECISION NOT NULL,
		mid DOUBLE PRECISION NOT NULL,
		position DOUBLE PRECISION NOT NULL,
		sell_ratio DOUBLE PRECISION NOT NULL,
		buy_ratio DOUBLE PRECISION NOT NULL,
		sell_target INTEGER NOT NULL,
		buy_target INTEGER NOT NULL,
		open_orders INTEGER NOT NULL,
		placed INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL
	)`, w.table("cycle_snapshots")))
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		event TEXT NOT NULL,
		reason TEXT NOT NULL,
		rsi DOUBLE PRECISION NOT NULL,
		adx DOUBLE PRECISION NOT NULL,
		ends_at TIMESTAMPTZ
	)`, w.table("risk_events")))
	return stmts
}

func (w *Writer) writeCycle(ctx context.Context, snap CycleSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, run_id, cycle, outcome, cooling, ask, bid, mid, position, sell_ratio, buy_ratio,
		sell_target, buy_target, open_orders, placed, cancelled, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
	)`, w.table("cycle_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.RunID,
		int64(snap.Cycle),
		snap.Outcome,
		snap.Cooling,
		snap.Ask,
		snap.Bid,
		snap.Mid,
		snap.Position,
		snap.SellRatio,
		snap.BuyRatio,
		snap.SellTarget,
		snap.BuyTarget,
		snap.OpenOrders,
		snap.Placed,
		snap.Cancelled,
		snap.DurationMS,
	); err != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) writeRisk(ctx context.Context, event RiskEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var endsAt any
	if !event.EndsAt.IsZero() {
		endsAt = event.EndsAt
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, run_id, event, reason, rsi, adx, ends_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7
	)`, w.table("risk_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.RunID,
		event.Event,
		event.Reason,
		event.RSI,
		event.ADX,
		endsAt,
	); err != nil {
		w.log.Warn("timescale risk insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
