// Package tradingmath holds the pure pricing functions behind PnL, margin and
// lot sizing. Nothing here returns an error: missing or zero inputs degrade
// to zero so a live PnL ticker keeps rendering.
package tradingmath

import (
	"strings"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

const (
	// ForexLotUnits is the default number of base units in one forex lot.
	ForexLotUnits int64 = 100000
	// MetalLotUnits is the contract size of the metal instrument.
	MetalLotUnits int64 = 100
	// CryptoLotUnits is the default contract size of crypto symbols.
	CryptoLotUnits int64 = 1

	// PipUnits is the fixed units multiplier used by PipValue. It does not
	// follow StandardLotSize: metals and overridden crypto symbols still use
	// 100000 here. Kept as the reference behaviour pending a dealer's call.
	PipUnits int64 = 100000

	// JPYLeverageBoost multiplies the leverage applied to JPY-quoted pairs.
	JPYLeverageBoost int64 = 20

	// MarginCapUnits bounds the notional used for margin against bad metadata.
	MarginCapUnits int64 = 100000
)

// lotSizeOverrides take precedence over every class default.
var lotSizeOverrides = map[string]int64{
	"BINANCE:SOLUSDT": 50,
	"BINANCE:XRPUSDT": 5,
}

var (
	pipUnits       = decimal.NewFromInt(PipUnits)
	marginCapUnits = decimal.NewFromInt(MarginCapUnits)
	forexLotUnits  = decimal.NewFromInt(ForexLotUnits)
	jpyBoost       = decimal.NewFromInt(JPYLeverageBoost)
	one            = decimal.NewFromInt(1)
)

// StandardLotSize returns units per 1.0 lot: explicit overrides, then the
// metal constant, then crypto, then the forex default.
func StandardLotSize(symbol string) int64 {
	if n, ok := lotSizeOverrides[symbol]; ok {
		return n
	}
	if symbol == model.MetalSymbol {
		return MetalLotUnits
	}
	if model.ParseKind(symbol) == model.KindCrypto {
		return CryptoLotUnits
	}
	return ForexLotUnits
}

func contractSize(symbol string) decimal.Decimal {
	return decimal.NewFromInt(StandardLotSize(symbol))
}

// PipValue is the account value of a one-pip move for lots of symbol.
func PipValue(lots, price decimal.Decimal, symbol string, instruments model.Instruments) decimal.Decimal {
	if symbol == "" || !price.IsPositive() || !lots.IsPositive() {
		return decimal.Zero
	}
	inst, ok := instruments.Lookup(symbol)
	if !ok || !inst.PipValue.IsPositive() {
		return decimal.Zero
	}
	if instruments.KindOf(symbol) == model.KindCrypto {
		return inst.PipValue.Mul(lots).Mul(pipUnits)
	}
	return inst.PipValue.Div(price).Mul(lots.Mul(pipUnits))
}

// PriceDifference is the favourable price move for a position on side.
func PriceDifference(side model.Side, current, open decimal.Decimal) decimal.Decimal {
	if side == model.SideSell {
		return open.Sub(current)
	}
	return current.Sub(open)
}

// PriceDifferenceInPips expresses the favourable move in pips of symbol.
func PriceDifferenceInPips(side model.Side, current, open decimal.Decimal, symbol string, instruments model.Instruments) decimal.Decimal {
	inst, ok := instruments.Lookup(symbol)
	if !ok || !inst.PipValue.IsPositive() || !current.IsPositive() || !open.IsPositive() {
		return decimal.Zero
	}
	return PriceDifference(side, current, open).Div(inst.PipValue)
}

// UnrealizedPnL values an open trade at current. The scale is the symbol's
// standard lot size so PnL and margin agree for overridden symbols.
func UnrealizedPnL(trade model.Trade, current decimal.Decimal) decimal.Decimal {
	if !current.IsPositive() || !trade.OpenPrice.IsPositive() {
		return decimal.Zero
	}
	diff := PriceDifference(trade.Type, current, trade.OpenPrice)
	return diff.Mul(trade.Lots).Mul(contractSize(trade.Pair))
}

// IsJPYPair reports whether the symbol, reduced to its uppercase letters,
// ends in JPY.
func IsJPYPair(symbol string) bool {
	letters := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r
		}
		return -1
	}, symbol)
	return strings.HasSuffix(letters, "JPY")
}

// EffectiveLeverage applies the JPY boost to forex and metal pairs and
// floors the result at 1.
func EffectiveLeverage(leverage decimal.Decimal, kind model.InstrumentKind, symbol string) decimal.Decimal {
	lev := leverage
	if kind != model.KindCrypto && IsJPYPair(symbol) {
		lev = lev.Mul(jpyBoost)
	}
	if lev.LessThan(one) {
		return one
	}
	return lev
}

// RequiredMargin is the capital reserved to open lots of symbol at price.
func RequiredMargin(price, lots, leverage decimal.Decimal, kind model.InstrumentKind, symbol string) decimal.Decimal {
	if !price.IsPositive() || !lots.IsPositive() || !leverage.IsPositive() {
		return decimal.Zero
	}
	var size decimal.Decimal
	switch kind {
	case model.KindCrypto:
		size = price.Mul(lots).Mul(contractSize(symbol))
	case model.KindMetal:
		size = price.Mul(lots).Mul(decimal.NewFromInt(MetalLotUnits))
	default:
		size = price.Mul(lots).Mul(forexLotUnits)
	}
	return decimal.Min(size, MarginCap(lots, kind)).Div(EffectiveLeverage(leverage, kind, symbol))
}

// MarginCap is the largest position size RequiredMargin will charge for.
func MarginCap(lots decimal.Decimal, kind model.InstrumentKind) decimal.Decimal {
	limit := marginCapUnits.Mul(lots)
	if kind != model.KindCrypto {
		limit = limit.Mul(forexLotUnits)
	}
	return limit
}

// TradeNotionalValue is the quote-currency value of lots at price.
func TradeNotionalValue(price, lots decimal.Decimal, kind model.InstrumentKind, symbol string) decimal.Decimal {
	if kind == model.KindCrypto {
		return price.Mul(lots)
	}
	if symbol == model.MetalSymbol {
		return price.Mul(lots).Mul(decimal.NewFromInt(MetalLotUnits))
	}
	return price.Mul(lots).Mul(forexLotUnits)
}

// ClampLots bounds lots to the instrument's limits. Zero limits are unset.
func ClampLots(inst model.Instrument, lots decimal.Decimal) decimal.Decimal {
	return clamp(lots, inst.MinLots, inst.MaxLots)
}

// ClampLeverage bounds leverage to the instrument's limits.
func ClampLeverage(inst model.Instrument, leverage decimal.Decimal) decimal.Decimal {
	return clamp(leverage, inst.MinLeverage, inst.MaxLeverage)
}

func clamp(v, low, high decimal.Decimal) decimal.Decimal {
	if low.IsPositive() && v.LessThan(low) {
		v = low
	}
	if high.IsPositive() && v.GreaterThan(high) {
		v = high
	}
	return v
}

// MaxAffordableLots is the largest lot size whose margin fits in freeMargin,
// rounded down to step and bounded by the instrument's limits. It returns
// zero when even the minimum lot does not fit.
func MaxAffordableLots(freeMargin, price, leverage decimal.Decimal, inst model.Instrument, step decimal.Decimal) decimal.Decimal {
	if !freeMargin.IsPositive() || !price.IsPositive() || !leverage.IsPositive() || !step.IsPositive() {
		return decimal.Zero
	}
	kind := inst.Kind
	if kind == model.KindUnknown {
		kind = model.ParseKind(inst.Symbol)
	}
	perLot := RequiredMargin(price, one, leverage, kind, inst.Symbol)
	if !perLot.IsPositive() {
		return decimal.Zero
	}
	lots := freeMargin.Div(perLot).Div(step).Floor().Mul(step)
	if inst.MaxLots.IsPositive() && lots.GreaterThan(inst.MaxLots) {
		lots = inst.MaxLots
	}
	if lots.IsZero() || (inst.MinLots.IsPositive() && lots.LessThan(inst.MinLots)) {
		return decimal.Zero
	}
	return lots
}
