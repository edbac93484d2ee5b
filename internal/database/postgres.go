package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"riskguard/internal/model"
	"riskguard/internal/tradingmath"
)

// PostgresRepository implements Repository on the broker's Postgres schema.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository opens a pool and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS trading_pairs (
	symbol            VARCHAR(40) PRIMARY KEY,
	pip_value         NUMERIC(20, 10) NOT NULL DEFAULT 0,
	standard_lot_size BIGINT NOT NULL DEFAULT 100000,
	min_lots          NUMERIC(20, 8) NOT NULL DEFAULT 0,
	max_lots          NUMERIC(20, 8) NOT NULL DEFAULT 0,
	min_leverage      NUMERIC(20, 8) NOT NULL DEFAULT 1,
	max_leverage      NUMERIC(20, 8) NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS profiles (
	id      UUID PRIMARY KEY,
	balance NUMERIC(20, 8) NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS trades (
	id            UUID PRIMARY KEY,
	user_id       UUID NOT NULL REFERENCES profiles(id),
	pair          VARCHAR(40) NOT NULL,
	type          VARCHAR(4) NOT NULL,
	status        VARCHAR(10) NOT NULL,
	open_price    NUMERIC(20, 8) NOT NULL,
	lots          NUMERIC(20, 8) NOT NULL,
	leverage      NUMERIC(20, 8) NOT NULL DEFAULT 1,
	margin_amount NUMERIC(20, 8) NOT NULL DEFAULT 0,
	close_price   NUMERIC(20, 8),
	closed_at     TIMESTAMPTZ,
	opened_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS trades_user_status_idx ON trades (user_id, status);`

// Migrate creates the tables this service reads and writes.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Instruments loads every trading pair.
func (r *PostgresRepository) Instruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT symbol, pip_value::text, standard_lot_size, min_lots::text, max_lots::text, min_leverage::text, max_leverage::text
		FROM trading_pairs
		ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var pip, minLots, maxLots, minLev, maxLev string
		if err := rows.Scan(&inst.Symbol, &pip, &inst.StandardLotSize, &minLots, &maxLots, &minLev, &maxLev); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		inst.Kind = model.ParseKind(inst.Symbol)
		inst.PipValue = parseDecimal(pip)
		inst.MinLots = parseDecimal(minLots)
		inst.MaxLots = parseDecimal(maxLots)
		inst.MinLeverage = parseDecimal(minLev)
		inst.MaxLeverage = parseDecimal(maxLev)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Balance returns the user's account balance.
func (r *PostgresRepository) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("user id %q: %w", userID, err)
	}
	var raw string
	err = r.Pool.QueryRow(ctx, `SELECT balance::text FROM profiles WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrProfileNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	return parseDecimal(raw), nil
}

// OpenTrades returns the user's pending and open trades, oldest first.
func (r *PostgresRepository) OpenTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("user id %q: %w", userID, err)
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT id::text, user_id::text, pair, type, status, open_price::text, lots::text, leverage::text, margin_amount::text, opened_at
		FROM trades
		WHERE user_id = $1 AND status IN ('pending', 'open')
		ORDER BY opened_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, status, openPrice, lots, leverage, marginAmt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Pair, &side, &status, &openPrice, &lots, &leverage, &marginAmt, &t.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.Type, err = model.ParseSide(side); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		if t.Status, err = model.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		t.OpenPrice = parseDecimal(openPrice)
		t.Lots = parseDecimal(lots)
		t.Leverage = parseDecimal(leverage)
		t.MarginAmount = parseDecimal(marginAmt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CloseTrade closes the trade at closePrice and credits the realized PnL to
// the owner's balance in one transaction.
func (r *PostgresRepository) CloseTrade(ctx context.Context, tradeID string, closePrice decimal.Decimal) (err error) {
	id, err := uuid.Parse(tradeID)
	if err != nil {
		return fmt.Errorf("trade id %q: %w", tradeID, err)
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var t model.Trade
	var userID, side, status, open, lots string
	err = tx.QueryRow(ctx, `
		SELECT user_id::text, pair, type, status, open_price::text, lots::text
		FROM trades WHERE id = $1 FOR UPDATE`, id).Scan(&userID, &t.Pair, &side, &status, &open, &lots)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTradeNotFound
	}
	if err != nil {
		return fmt.Errorf("load trade: %w", err)
	}
	if status == string(model.StatusClosed) {
		return ErrTradeAlreadyClosed
	}
	if t.Type, err = model.ParseSide(side); err != nil {
		return err
	}
	t.OpenPrice = parseDecimal(open)
	t.Lots = parseDecimal(lots)
	realized := tradingmath.UnrealizedPnL(t, closePrice)

	tag, err := tx.Exec(ctx, `
		UPDATE trades SET status = 'closed', close_price = $2::numeric, closed_at = NOW()
		WHERE id = $1 AND status <> 'closed'`, id, closePrice.String())
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTradeAlreadyClosed
	}
	if _, err = tx.Exec(ctx, `UPDATE profiles SET balance = balance + $2::numeric WHERE id = $1::uuid`, userID, realized.String()); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// parseDecimal degrades unparsable numerics to zero.
func parseDecimal(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return v
}
