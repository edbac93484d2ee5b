package exchange

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

const (
	finnhubURL         = "wss://ws.finnhub.io"
	domainForexPrefix  = "FX:"
	finnhubForexPrefix = "OANDA:"
)

// NewFinnhubClient streams last trade prices from Finnhub. Callers use the
// platform symbols (FX:EUR/USD, BINANCE:BTCUSDT); forex and metal pairs are
// translated to Finnhub's OANDA naming on the wire and back on every tick.
func NewFinnhubClient(logger *slog.Logger, opts Options) (Client, error) {
	if opts.APIToken == "" {
		return nil, errors.New("finnhub api token is required")
	}
	base := opts.URL
	if base == "" {
		base = finnhubURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", opts.APIToken)
	u.RawQuery = q.Encode()
	return newStream("finnhub", u.String(), logger, finnhubCodec{}, opts), nil
}

type finnhubCodec struct{}

type finnhubRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type finnhubMessage struct {
	Type string `json:"type"`
	Data []struct {
		Symbol    string          `json:"s"`
		Price     decimal.Decimal `json:"p"`
		Timestamp int64           `json:"t"`
	} `json:"data"`
	Msg string `json:"msg"`
}

func (finnhubCodec) accepts(symbol string) bool {
	return symbol != ""
}

func (finnhubCodec) subscribe(symbols []string) []any {
	return finnhubRequests("subscribe", symbols)
}

func (finnhubCodec) unsubscribe(symbols []string) []any {
	return finnhubRequests("unsubscribe", symbols)
}

func finnhubRequests(kind string, symbols []string) []any {
	out := make([]any, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, finnhubRequest{Type: kind, Symbol: finnhubSymbol(s)})
	}
	return out
}

func (finnhubCodec) decode(message []byte) ([]model.PriceTick, error) {
	var m finnhubMessage
	if err := json.Unmarshal(message, &m); err != nil {
		return nil, err
	}
	switch m.Type {
	case "trade":
	case "error":
		return nil, errors.New("finnhub: " + m.Msg)
	default:
		// ping and other control frames
		return nil, nil
	}

	out := make([]model.PriceTick, 0, len(m.Data))
	for _, d := range m.Data {
		if d.Symbol == "" || !d.Price.IsPositive() {
			continue
		}
		out = append(out, model.PriceTick{
			Symbol:    platformSymbol(d.Symbol),
			Price:     d.Price,
			Timestamp: time.UnixMilli(d.Timestamp),
		})
	}
	return out, nil
}

// finnhubSymbol maps FX:EUR/USD to OANDA:EUR_USD. Crypto symbols already
// share Finnhub's BINANCE: naming.
func finnhubSymbol(symbol string) string {
	if pair, ok := strings.CutPrefix(symbol, domainForexPrefix); ok {
		return finnhubForexPrefix + strings.ReplaceAll(pair, "/", "_")
	}
	return symbol
}

func platformSymbol(symbol string) string {
	if pair, ok := strings.CutPrefix(symbol, finnhubForexPrefix); ok {
		return domainForexPrefix + strings.ReplaceAll(pair, "_", "/")
	}
	return symbol
}
