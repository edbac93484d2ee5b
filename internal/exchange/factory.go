package exchange

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Options tune an upstream client. Zero values pick the vendor defaults.
type Options struct {
	URL        string
	APIToken   string
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Now        func() time.Time
}

// NewClient creates a new exchange client based on the given vendor name.
func NewClient(name string, logger *slog.Logger, opts Options) (Client, error) {
	switch name {
	case "finnhub":
		return NewFinnhubClient(logger, opts)
	case "binance":
		return NewBinanceClient(logger, opts), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}
