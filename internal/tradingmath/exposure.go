package tradingmath

import (
	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

// PositionValue is one trade valued at a mark price.
type PositionValue struct {
	Trade model.Trade
	Mark  decimal.Decimal
	PnL   decimal.Decimal
}

// Exposure aggregates an account's open positions against its balance.
type Exposure struct {
	Balance       decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarginUsed    decimal.Decimal
	Equity        decimal.Decimal
	EquityRatio   decimal.Decimal
	MarginRatio   decimal.Decimal
	Positions     int
}

// ValuePositions marks every trade against prices. ok is false when any
// trade's pair has no usable price, in which case nothing is returned.
func ValuePositions(trades []model.Trade, prices map[string]model.PriceTick) (values []PositionValue, ok bool) {
	values = make([]PositionValue, 0, len(trades))
	for _, t := range trades {
		tick, found := prices[t.Pair]
		if !found {
			return nil, false
		}
		mark := tick.MarkFor(t.Type)
		if !mark.IsPositive() {
			return nil, false
		}
		values = append(values, PositionValue{Trade: t, Mark: mark, PnL: UnrealizedPnL(t, mark)})
	}
	return values, true
}

// Aggregate computes PnL, margin used and the equity and margin ratios.
// Ratios with a non-positive denominator are zero.
func Aggregate(balance decimal.Decimal, values []PositionValue) Exposure {
	e := Exposure{Balance: balance, Positions: len(values)}
	for _, v := range values {
		e.UnrealizedPnL = e.UnrealizedPnL.Add(v.PnL)
		e.MarginUsed = e.MarginUsed.Add(v.Trade.MarginAmount)
	}
	e.Equity = balance.Add(e.UnrealizedPnL)
	if balance.IsPositive() {
		e.EquityRatio = e.Equity.Div(balance)
	}
	if e.MarginUsed.IsPositive() {
		e.MarginRatio = e.Equity.Div(e.MarginUsed)
	}
	return e
}
