// Package feedproto defines the JSON frames exchanged between the relay and
// price feed clients.
package feedproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

// Mode is the depth of a symbol subscription.
type Mode string

const (
	// ModeSummary delivers throttled last-price updates.
	ModeSummary Mode = "summary"
	// ModeFull delivers every tick.
	ModeFull Mode = "full"
)

// Deeper reports whether m delivers more than other.
func (m Mode) Deeper(other Mode) bool {
	return m == ModeFull && other != ModeFull
}

// Normalize maps unknown or empty modes to summary.
func (m Mode) Normalize() Mode {
	if m == ModeFull {
		return ModeFull
	}
	return ModeSummary
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ClientMessage is sent by a feed client to change its subscriptions.
type ClientMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
	Mode    Mode     `json:"mode,omitempty"`
}

// Tick is a relay price frame. Every numeric field is optional.
type Tick struct {
	Symbol    string              `json:"symbol"`
	Price     decimal.NullDecimal `json:"price"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	Change    decimal.NullDecimal `json:"change"`
	Timestamp int64               `json:"timestamp,omitempty"`
}

// FromModel builds a frame carrying every positive field of p.
func FromModel(p model.PriceTick) Tick {
	t := Tick{Symbol: p.Symbol, Change: decimal.NewNullDecimal(p.Change)}
	if p.Price.IsPositive() {
		t.Price = decimal.NewNullDecimal(p.Price)
	}
	if p.Bid.IsPositive() {
		t.Bid = decimal.NewNullDecimal(p.Bid)
	}
	if p.Ask.IsPositive() {
		t.Ask = decimal.NewNullDecimal(p.Ask)
	}
	if !p.Timestamp.IsZero() {
		t.Timestamp = p.Timestamp.UnixMilli()
	}
	return t
}

// Merge applies the fields present in t over prev. ok is false when t has
// neither a price nor a bid, and prev is returned unchanged.
func (t Tick) Merge(prev model.PriceTick) (next model.PriceTick, ok bool) {
	price := positive(t.Price)
	bid := positive(t.Bid)
	if price == nil && bid == nil {
		return prev, false
	}
	next = prev
	next.Symbol = t.Symbol
	if price != nil {
		next.Price = *price
	} else {
		next.Price = *bid
	}
	if bid != nil {
		next.Bid = *bid
	}
	if ask := positive(t.Ask); ask != nil {
		next.Ask = *ask
	}
	if t.Change.Valid {
		next.Change = t.Change.Decimal
	}
	if t.Timestamp > 0 {
		next.Timestamp = time.UnixMilli(t.Timestamp).UTC()
	} else {
		next.Timestamp = time.Now().UTC()
	}
	return next, true
}

func positive(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid || !n.Decimal.IsPositive() {
		return nil
	}
	v := n.Decimal
	return &v
}

// ParseTicks decodes a frame holding one tick object or an array of them.
// Entries without a symbol are skipped.
func ParseTicks(raw []byte) ([]Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var ticks []Tick
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &ticks); err != nil {
			return nil, fmt.Errorf("decode tick batch: %w", err)
		}
	} else {
		var t Tick
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode tick: %w", err)
		}
		ticks = []Tick{t}
	}
	out := ticks[:0]
	for _, t := range ticks {
		if t.Symbol != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
