package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskguard/internal/model"
	"riskguard/internal/tradingmath"
)

// MemoryRepository is an in-process Repository for previews and demos.
type MemoryRepository struct {
	mu          sync.RWMutex
	instruments []model.Instrument
	balances    map[string]decimal.Decimal
	trades      map[string]*model.Trade
	now         func() time.Time
}

func NewMemoryRepository(instruments []model.Instrument) *MemoryRepository {
	return &MemoryRepository{
		instruments: append([]model.Instrument(nil), instruments...),
		balances:    make(map[string]decimal.Decimal),
		trades:      make(map[string]*model.Trade),
		now:         time.Now,
	}
}

// SetBalance replaces a user's balance.
func (r *MemoryRepository) SetBalance(userID string, balance decimal.Decimal) {
	r.mu.Lock()
	r.balances[userID] = balance
	r.mu.Unlock()
}

// AddTrade stores a copy of t, assigning an id when it has none.
func (r *MemoryRepository) AddTrade(t model.Trade) string {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = r.now()
	}
	r.mu.Lock()
	r.trades[t.ID] = &t
	r.mu.Unlock()
	return t.ID
}

// Trade returns a copy of the stored trade.
func (r *MemoryRepository) Trade(id string) (model.Trade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trades[id]
	if !ok {
		return model.Trade{}, false
	}
	return *t, true
}

func (r *MemoryRepository) Instruments(context.Context) ([]model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Instrument(nil), r.instruments...), nil
}

func (r *MemoryRepository) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[userID]
	if !ok {
		return decimal.Zero, ErrProfileNotFound
	}
	return b, nil
}

func (r *MemoryRepository) OpenTrades(_ context.Context, userID string) ([]model.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Trade
	for _, t := range r.trades {
		if t.UserID == userID && t.Status.Active() {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (r *MemoryRepository) CloseTrade(_ context.Context, tradeID string, closePrice decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return ErrTradeNotFound
	}
	realized := tradingmath.UnrealizedPnL(*t, closePrice)
	if err := t.Close(closePrice, r.now()); err != nil {
		if errors.Is(err, model.ErrTradeClosed) {
			return ErrTradeAlreadyClosed
		}
		return err
	}
	r.balances[t.UserID] = r.balances[t.UserID].Add(realized)
	return nil
}
