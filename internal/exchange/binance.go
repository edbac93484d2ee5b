package exchange

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

const (
	binanceURL    = "wss://stream.binance.com:9443/ws"
	binancePrefix = "BINANCE:"
)

// NewBinanceClient streams best bid/ask from the Binance bookTicker streams.
// Symbols are BINANCE:-prefixed, e.g. BINANCE:BTCUSDT.
func NewBinanceClient(logger *slog.Logger, opts Options) Client {
	url := opts.URL
	if url == "" {
		url = binanceURL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return newStream("binance", url, logger, &binanceCodec{now: now}, opts)
}

type binanceCodec struct {
	now    func() time.Time
	nextID atomic.Int64
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// binanceBookTicker names every key of the frame. encoding/json matches
// keys case-insensitively, so without BidQty and AskQty the "B" and "A"
// quantities would land in Bid and Ask.
type binanceBookTicker struct {
	UpdateID int64           `json:"u"`
	Symbol   string          `json:"s"`
	Bid      decimal.Decimal `json:"b"`
	BidQty   decimal.Decimal `json:"B"`
	Ask      decimal.Decimal `json:"a"`
	AskQty   decimal.Decimal `json:"A"`
}

func (b *binanceCodec) accepts(symbol string) bool {
	return strings.HasPrefix(symbol, binancePrefix) && len(symbol) > len(binancePrefix)
}

func (b *binanceCodec) streams(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, strings.ToLower(strings.TrimPrefix(s, binancePrefix))+"@bookTicker")
	}
	return out
}

func (b *binanceCodec) subscribe(symbols []string) []any {
	return []any{binanceRequest{Method: "SUBSCRIBE", Params: b.streams(symbols), ID: b.nextID.Add(1)}}
}

func (b *binanceCodec) unsubscribe(symbols []string) []any {
	return []any{binanceRequest{Method: "UNSUBSCRIBE", Params: b.streams(symbols), ID: b.nextID.Add(1)}}
}

func (b *binanceCodec) decode(message []byte) ([]model.PriceTick, error) {
	var t binanceBookTicker
	if err := json.Unmarshal(message, &t); err != nil {
		return nil, err
	}
	// Request acknowledgements carry only result and id.
	if t.Symbol == "" {
		return nil, nil
	}
	return []model.PriceTick{{
		Symbol:    binancePrefix + t.Symbol,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Timestamp: b.now(),
	}}, nil
}
