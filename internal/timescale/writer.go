package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"lp-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// HedgeSnapshot is one control loop iteration.
type HedgeSnapshot struct {
	Time        time.Time
	Action      string
	Success     bool
	Error       string
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	Reference   decimal.Decimal
	Deviation   decimal.Decimal
}

// OrderEvent is one submitted hedge order.
type OrderEvent struct {
	Time       time.Time
	Cloid      string
	Action     string
	Coin       string
	IsBuy      bool
	Size       decimal.Decimal
	LimitPrice decimal.Decimal
	MidPrice   decimal.Decimal
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	OrderID    int64
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	snapshots chan HedgeSnapshot
	orders    chan OrderEvent
	started   atomic.Bool
	dropSnap  atomic.Uint64
	dropOrder atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema, err := normalizeSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
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
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan HedgeSnapshot, queueSize),
		orders:    make(chan OrderEvent, queueSize),
	}
}

func normalizeSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "public", nil
	}
	if !identPattern.MatchString(schema) {
		return "", fmt.Errorf("invalid timescale schema %q", schema)
	}
	return schema, nil
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

func (w *Writer) EnqueueSnapshot(snapshot HedgeSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snapshot:
	default:
		if w.dropSnap.Add(1) == 1 {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) EnqueueOrder(order OrderEvent) {
	if w == nil {
		return
	}
	select {
	case w.orders <- order:
	default:
		if w.dropOrder.Add(1) == 1 {
			w.log.Warn("timescale order queue full")
		}
	}
}

// Dropped reports how many snapshots and orders were discarded on a full queue.
func (w *Writer) Dropped() (snapshots, orders uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropSnap.Load(), w.dropOrder.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case order := <-w.orders:
			w.writeOrder(ctx, order)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		base_amount NUMERIC NOT NULL,
		quote_amount NUMERIC NOT NULL,
		reference NUMERIC NOT NULL,
		deviation NUMERIC NOT NULL
	)`, w.table("hedge_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cloid TEXT NOT NULL,
		action TEXT NOT NULL,
		coin TEXT NOT NULL,
		is_buy BOOLEAN NOT NULL,
		size NUMERIC NOT NULL,
		limit_price NUMERIC NOT NULL,
		mid_price NUMERIC NOT NULL,
		filled_size NUMERIC NOT NULL DEFAULT 0,
		avg_price NUMERIC NOT NULL DEFAULT 0,
		oid BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, cloid)
	)`, w.table("hedge_orders"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"hedge_snapshots", "hedge_orders"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap HedgeSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, action, success, error, base_amount, quote_amount, reference, deviation
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("hedge_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Action,
		snap.Success,
		snap.Error,
		snap.BaseAmount,
		snap.QuoteAmount,
		snap.Reference,
		snap.Deviation,
	); err != nil {
		w.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeOrder(ctx context.Context, order OrderEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cloid, action, coin, is_buy, size, limit_price, mid_price, filled_size, avg_price, oid
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (ts, cloid) DO NOTHING`, w.table("hedge_orders"))
	if _, err := w.db.ExecContext(ctx, query,
		order.Time,
		order.Cloid,
		order.Action,
		order.Coin,
		order.IsBuy,
		order.Size,
		order.LimitPrice,
		order.MidPrice,
		order.FilledSize,
		order.AvgPrice,
		order.OrderID,
	); err != nil {
		w.log.Warn("timescale order insert failed", zap.Error(err))
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
