package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type FundingRow struct {
	Time       time.Time
	Venue      string
	Instrument string
	HourlyRate float64
}

type PositionRow struct {
	Time                time.Time
	PositionID          string
	Instrument          string
	LongVenue           string
	ShortVenue          string
	Status              string
	TargetNotionalUSD   float64
	FundingCollectedUSD float64
	RealizedPnlUSD      float64
	CloseReason         string
	OpenedAt            time.Time
	ClosedAt            time.Time
}

// Writer persists funding samples and finished positions to Timescale
// through buffered channels; a full queue drops rows with a one-shot
// warning instead of blocking the engine.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	funding   chan FundingRow
	positions chan PositionRow
	started   atomic.Bool
	dropFund  atomic.Uint64
	dropPos   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
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
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		funding:   make(chan FundingRow, queueSize),
		positions: make(chan PositionRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
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

func (w *Writer) EnqueueFunding(row FundingRow) {
	if w == nil {
		return
	}
	select {
	case w.funding <- row:
		return
	default:
		if w.dropFund.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *Writer) EnqueuePosition(row PositionRow) {
	if w == nil {
		return
	}
	select {
	case w.positions <- row:
		return
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.funding:
			w.writeFunding(ctx, row)
		case row := <-w.positions:
			w.writePosition(ctx, row)
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
		venue TEXT NOT NULL,
		instrument TEXT NOT NULL,
		hourly_rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, venue, instrument)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		status TEXT NOT NULL,
		target_notional_usd DOUBLE PRECISION NOT NULL,
		funding_collected_usd DOUBLE PRECISION NOT NULL,
		realized_pnl_usd DOUBLE PRECISION NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL
	)`, w.table("closed_positions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_rates"))); err != nil && w.log != nil {
		w.log.Warn("timescale funding_rates hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("closed_positions"))); err != nil && w.log != nil {
		w.log.Warn("timescale closed_positions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeFunding(ctx context.Context, row FundingRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, venue, instrument, hourly_rate)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (ts, venue, instrument) DO UPDATE SET hourly_rate = EXCLUDED.hourly_rate`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query, row.Time, row.Venue, row.Instrument, row.HourlyRate); err != nil && w.log != nil {
		w.log.Warn("timescale funding insert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, row PositionRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, instrument, long_venue, short_venue, status,
		target_notional_usd, funding_collected_usd, realized_pnl_usd,
		close_reason, opened_at, closed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, w.table("closed_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.PositionID,
		row.Instrument,
		row.LongVenue,
		row.ShortVenue,
		row.Status,
		row.TargetNotionalUSD,
		row.FundingCollectedUSD,
		row.RealizedPnlUSD,
		row.CloseReason,
		row.OpenedAt,
		row.ClosedAt,
	); err != nil && w.log != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
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
