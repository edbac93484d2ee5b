// Package supabase implements the persistence ports against a Supabase
// project's PostgREST API.
package supabase

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"riskguard/internal/database"
	"riskguard/internal/model"
)

// Client talks to /rest/v1 of a Supabase project.
type Client struct {
	client *resty.Client
}

type pairRow struct {
	Symbol          string          `json:"symbol"`
	PipValue        decimal.Decimal `json:"pip_value"`
	StandardLotSize int64           `json:"standard_lot_size"`
	MinLots         decimal.Decimal `json:"min_lots"`
	MaxLots         decimal.Decimal `json:"max_lots"`
	MinLeverage     decimal.Decimal `json:"min_leverage"`
	MaxLeverage     decimal.Decimal `json:"max_leverage"`
}

type tradeRow struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Pair         string          `json:"pair"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	Lots         decimal.Decimal `json:"lots"`
	Leverage     decimal.Decimal `json:"leverage"`
	MarginAmount decimal.Decimal `json:"margin_amount"`
	OpenedAt     time.Time       `json:"opened_at"`
}

type profileRow struct {
	Balance decimal.Decimal `json:"balance"`
}

type closeTradeParams struct {
	TradeID    string          `json:"trade_id"`
	ClosePrice decimal.Decimal `json:"close_price"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient builds a client for baseURL. token is the user's access token;
// the anon key is used when it is empty.
func NewClient(baseURL, apiKey, token string, timeout time.Duration, opts ...func(*resty.Client)) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("supabase api key is required")
	}
	if token == "" {
		token = apiKey
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")+"/rest/v1").
		SetHeader("Accept", "application/json").
		SetHeader("apikey", apiKey).
		SetAuthToken(token).
		SetTimeout(timeout)

	for _, opt := range opts {
		opt(client)
	}
	return &Client{client: client}, nil
}

func (c *Client) Instruments(ctx context.Context) ([]model.Instrument, error) {
	var rows []pairRow
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("select", "symbol,pip_value,standard_lot_size,min_lots,max_lots,min_leverage,max_leverage").
		SetQueryParam("order", "symbol").
		SetResult(&rows).
		SetError(&apiError{}).
		Get("/trading_pairs")
	if err := check(resp, err, "fetch instruments"); err != nil {
		return nil, err
	}

	out := make([]model.Instrument, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Instrument{
			Symbol:          r.Symbol,
			Kind:            model.ParseKind(r.Symbol),
			PipValue:        r.PipValue,
			StandardLotSize: r.StandardLotSize,
			MinLots:         r.MinLots,
			MaxLots:         r.MaxLots,
			MinLeverage:     r.MinLeverage,
			MaxLeverage:     r.MaxLeverage,
		})
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var rows []profileRow
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("select", "balance").
		SetQueryParam("id", "eq."+userID).
		SetResult(&rows).
		SetError(&apiError{}).
		Get("/profiles")
	if err := check(resp, err, "fetch balance"); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, database.ErrProfileNotFound
	}
	return rows[0].Balance, nil
}

func (c *Client) OpenTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	var rows []tradeRow
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("select", "id,user_id,pair,type,status,open_price,lots,leverage,margin_amount,opened_at").
		SetQueryParam("user_id", "eq."+userID).
		SetQueryParam("status", "in.(pending,open)").
		SetQueryParam("order", "opened_at.asc").
		SetResult(&rows).
		SetError(&apiError{}).
		Get("/trades")
	if err := check(resp, err, "fetch open trades"); err != nil {
		return nil, err
	}

	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		side, err := model.ParseSide(r.Type)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", r.ID, err)
		}
		status, err := model.ParseStatus(r.Status)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", r.ID, err)
		}
		out = append(out, model.Trade{
			ID:           r.ID,
			UserID:       r.UserID,
			Pair:         r.Pair,
			Type:         side,
			Status:       status,
			OpenPrice:    r.OpenPrice,
			Lots:         r.Lots,
			Leverage:     r.Leverage,
			MarginAmount: r.MarginAmount,
			OpenedAt:     r.OpenedAt,
		})
	}
	return out, nil
}

// CloseTrade calls the close_trade RPC, which owns the status transition and
// the balance credit.
func (c *Client) CloseTrade(ctx context.Context, tradeID string, closePrice decimal.Decimal) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(closeTradeParams{TradeID: tradeID, ClosePrice: closePrice}).
		SetError(&apiError{}).
		Post("/rpc/close_trade")
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return database.ErrTradeNotFound
	case http.StatusConflict:
		return database.ErrTradeAlreadyClosed
	}
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		// The RPC raises P0002 for a missing trade and P0001 for a closed one.
		switch e.Code {
		case "P0002":
			return database.ErrTradeNotFound
		case "P0001":
			return database.ErrTradeAlreadyClosed
		}
		return fmt.Errorf("close trade: status %d: %s", resp.StatusCode(), e.Message)
	}
	return fmt.Errorf("close trade: status %d", resp.StatusCode())
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() >= 400 {
		if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
			return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), e.Message)
		}
		return fmt.Errorf("%s: status %d", op, resp.StatusCode())
	}
	return nil
}

var _ database.Repository = (*Client)(nil)
