package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MetalSymbol is the one instrument priced with a 100-unit contract.
const MetalSymbol = "FX:XAU/USD"

const cryptoPrefix = "BINANCE:"

var (
	// ErrTradeClosed is returned when a close is attempted on a closed trade.
	ErrTradeClosed = errors.New("trade already closed")
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid trade status transition")
)

// InstrumentKind classifies a symbol for lot size and PnL scaling. The zero
// value is KindUnknown and means the kind has not been parsed yet.
type InstrumentKind int

const (
	KindUnknown InstrumentKind = iota
	KindForex
	KindCrypto
	KindMetal
)

func (k InstrumentKind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindCrypto:
		return "crypto"
	case KindMetal:
		return "metal"
	default:
		return "forex"
	}
}

// ParseKind derives the instrument class from a symbol.
func ParseKind(symbol string) InstrumentKind {
	switch {
	case symbol == MetalSymbol:
		return KindMetal
	case strings.HasPrefix(symbol, cryptoPrefix):
		return KindCrypto
	default:
		return KindForex
	}
}

// Instrument is reference data for one tradable symbol.
type Instrument struct {
	Symbol          string          `db:"symbol" json:"symbol"`
	Kind            InstrumentKind  `db:"-" json:"-"`
	PipValue        decimal.Decimal `db:"pip_value" json:"pip_value"`
	StandardLotSize int64           `db:"standard_lot_size" json:"standard_lot_size"`
	MinLots         decimal.Decimal `db:"min_lots" json:"min_lots"`
	MaxLots         decimal.Decimal `db:"max_lots" json:"max_lots"`
	MinLeverage     decimal.Decimal `db:"min_leverage" json:"min_leverage"`
	MaxLeverage     decimal.Decimal `db:"max_leverage" json:"max_leverage"`
}

// Instruments is the per-session lookup of instrument metadata keyed by symbol.
type Instruments map[string]Instrument

// NewInstruments indexes records by symbol and assigns each its kind.
func NewInstruments(records []Instrument) Instruments {
	out := make(Instruments, len(records))
	for _, inst := range records {
		inst.Kind = ParseKind(inst.Symbol)
		out[inst.Symbol] = inst
	}
	return out
}

// Lookup returns the instrument for symbol. A nil map is valid and empty.
func (m Instruments) Lookup(symbol string) (Instrument, bool) {
	inst, ok := m[symbol]
	return inst, ok
}

// KindOf uses the loaded kind when present and falls back to parsing the symbol.
func (m Instruments) KindOf(symbol string) InstrumentKind {
	if inst, ok := m[symbol]; ok && inst.Kind != KindUnknown {
		return inst.Kind
	}
	return ParseKind(symbol)
}

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending TradeStatus = "pending"
	StatusOpen    TradeStatus = "open"
	StatusClosed  TradeStatus = "closed"
)

// Active reports whether a trade in this status is watched for risk.
func (s TradeStatus) Active() bool {
	return s == StatusPending || s == StatusOpen
}

// ParseStatus maps a stored status string onto a TradeStatus.
func ParseStatus(raw string) (TradeStatus, error) {
	switch s := TradeStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusOpen, StatusClosed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown trade status %q", raw)
	}
}

// ParseSide maps a stored side string onto a Side.
func ParseSide(raw string) (Side, error) {
	switch s := Side(strings.ToLower(strings.TrimSpace(raw))); s {
	case SideBuy, SideSell:
		return s, nil
	default:
		return "", fmt.Errorf("unknown trade side %q", raw)
	}
}

// Trade is a user position. OpenPrice and MarginAmount are fixed at open;
// ClosePrice and ClosedAt are written once by Close.
type Trade struct {
	ID           string           `db:"id" json:"id"`
	UserID       string           `db:"user_id" json:"user_id"`
	Pair         string           `db:"pair" json:"pair"`
	Type         Side             `db:"type" json:"type"`
	Status       TradeStatus      `db:"status" json:"status"`
	OpenPrice    decimal.Decimal  `db:"open_price" json:"open_price"`
	Lots         decimal.Decimal  `db:"lots" json:"lots"`
	Leverage     decimal.Decimal  `db:"leverage" json:"leverage"`
	MarginAmount decimal.Decimal  `db:"margin_amount" json:"margin_amount"`
	ClosePrice   *decimal.Decimal `db:"close_price" json:"close_price,omitempty"`
	ClosedAt     *time.Time       `db:"closed_at" json:"closed_at,omitempty"`
	OpenedAt     time.Time        `db:"opened_at" json:"opened_at"`
}

// Close moves the trade to closed. A closed trade is never modified again.
func (t *Trade) Close(price decimal.Decimal, at time.Time) error {
	if t.Status == StatusClosed {
		return ErrTradeClosed
	}
	if !t.Status.Active() {
		return fmt.Errorf("%w: %q -> closed", ErrInvalidTransition, t.Status)
	}
	p := price
	ts := at
	t.Status = StatusClosed
	t.ClosePrice = &p
	t.ClosedAt = &ts
	return nil
}

// Activate moves a pending trade to open.
func (t *Trade) Activate() error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %q -> open", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusOpen
	return nil
}

// PriceTick represents the latest known quote for one instrument.
type PriceTick struct {
	Symbol    string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Change    decimal.Decimal
	Timestamp time.Time
}

// Last is the unified price: Price when present, otherwise Bid.
func (p PriceTick) Last() decimal.Decimal {
	if p.Price.IsPositive() {
		return p.Price
	}
	return p.Bid
}

// MarkFor returns the price a position on side would be closed at.
// Buys close on the bid and sells on the ask; both fall back to Last.
func (p PriceTick) MarkFor(side Side) decimal.Decimal {
	switch side {
	case SideBuy:
		if p.Bid.IsPositive() {
			return p.Bid
		}
	case SideSell:
		if p.Ask.IsPositive() {
			return p.Ask
		}
	}
	return p.Last()
}
