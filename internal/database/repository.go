package database

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

var (
	// ErrTradeNotFound is returned when no trade has the requested id.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrTradeAlreadyClosed is returned when closing a trade that is closed.
	ErrTradeAlreadyClosed = errors.New("trade already closed")
	// ErrProfileNotFound is returned when a user has no balance record.
	ErrProfileNotFound = errors.New("profile not found")
)

// InstrumentSource loads instrument reference data once per session.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]model.Instrument, error)
}

// Portfolio reads a user's balance and watched positions.
type Portfolio interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// OpenTrades returns the user's pending and open trades.
	OpenTrades(ctx context.Context, userID string) ([]model.Trade, error)
}

// TradeCloser closes one trade at a price. Closing a closed trade returns
// ErrTradeAlreadyClosed and leaves it untouched.
type TradeCloser interface {
	CloseTrade(ctx context.Context, tradeID string, closePrice decimal.Decimal) error
}

// TradeStore is what the watchdog needs from persistence.
type TradeStore interface {
	Portfolio
	TradeCloser
}

// Repository defines the standard interface for database operations.
type Repository interface {
	InstrumentSource
	TradeStore
}
