package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/model"
	"riskguard/internal/notify"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockStore) OpenTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	args := m.Called(ctx, userID)
	trades, _ := args.Get(0).([]model.Trade)
	return trades, args.Error(1)
}

func (m *MockStore) CloseTrade(ctx context.Context, tradeID string, closePrice decimal.Decimal) error {
	args := m.Called(ctx, tradeID, closePrice)
	return args.Error(0)
}

type staticPrices map[string]model.PriceTick

func (s staticPrices) Snapshot() map[string]model.PriceTick {
	out := make(map[string]model.PriceTick, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// position opens a one-lot crypto buy at 1000 whose bid makes its PnL equal
// to pnl.
func position(id, pair string, pnl int64) (model.Trade, model.PriceTick) {
	open := decimal.NewFromInt(1000)
	bid := open.Add(decimal.NewFromInt(pnl))
	trade := model.Trade{
		ID:           id,
		UserID:       "u1",
		Pair:         pair,
		Type:         model.SideBuy,
		Status:       model.StatusOpen,
		OpenPrice:    open,
		Lots:         decimal.NewFromInt(1),
		Leverage:     decimal.NewFromInt(10),
		MarginAmount: decimal.NewFromInt(200),
	}
	tick := model.PriceTick{Symbol: pair, Bid: bid, Ask: bid.Add(decimal.NewFromInt(1))}
	return trade, tick
}

type book struct {
	trades []model.Trade
	prices staticPrices
}

func newBook(pnls map[string]int64, order ...string) book {
	b := book{prices: staticPrices{}}
	for _, id := range order {
		tr, tick := position(id, "BINANCE:"+id+"USDT", pnls[id])
		b.trades = append(b.trades, tr)
		b.prices[tr.Pair] = tick
	}
	return b
}

func testConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		UserID:             "u1",
		Interval:           time.Second,
		MinCycleGap:        time.Second,
		LowEquityThreshold: 0.05,
		WarningThreshold:   0.10,
		BatchSize:          5,
		WarningCooldown:    30 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatchdog(store *MockStore, prices PriceSource, rec *notify.Recorder, cfg config.WatchdogConfig, clock *fakeClock) *Watchdog {
	return NewWatchdog(discardLogger(), store, prices, rec, cfg, WithClock(clock.now))
}

func closeArgs(calls []mock.Call) []string {
	var ids []string
	for _, c := range calls {
		if c.Method == "CloseTrade" {
			ids = append(ids, c.Arguments.String(1))
		}
	}
	return ids
}

func TestWatchdog_HealthyEquityDoesNothing(t *testing.T) {
	b := newBook(map[string]int64{"BTC": 50, "ETH": -20}, "BTC", "ETH")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	rec := &notify.Recorder{}

	w := newTestWatchdog(store, b.prices, rec, testConfig(), &fakeClock{t: time.Unix(0, 0)})
	res := w.RunCycle(context.Background())

	assert.Equal(t, ActionNone, res.Action)
	assert.True(t, res.Exposure.EquityRatio.Equal(decimal.RequireFromString("1.03")), "ratio %s", res.Exposure.EquityRatio)
	assert.True(t, res.Exposure.MarginUsed.Equal(decimal.NewFromInt(400)))
	assert.Empty(t, rec.Sent())
	store.AssertNotCalled(t, "CloseTrade", mock.Anything, mock.Anything, mock.Anything)
}

func TestWatchdog_ForcedLiquidationScenario(t *testing.T) {
	// Balance 1000, margin 600, PnL -960: equity ratio 4%.
	b := newBook(map[string]int64{"BTC": -600, "ETH": -300, "BNB": -60}, "ETH", "BNB", "BTC")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	store.On("CloseTrade", mock.Anything, "BTC", mock.MatchedBy(func(p decimal.Decimal) bool {
		return p.Equal(decimal.NewFromInt(400))
	})).Return(nil).Once()
	rec := &notify.Recorder{}

	cfg := testConfig()
	cfg.BatchSize = 1
	w := newTestWatchdog(store, b.prices, rec, cfg, &fakeClock{t: time.Unix(0, 0)})
	res := w.RunCycle(context.Background())

	require.Equal(t, ActionLiquidated, res.Action)
	assert.True(t, res.Exposure.EquityRatio.Equal(decimal.RequireFromString("0.04")))
	assert.True(t, res.Exposure.MarginUsed.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, []string{"BTC"}, res.Closed)
	assert.Empty(t, res.Failed)
	assert.True(t, res.EquityRatioAfter.Equal(decimal.RequireFromString("0.64")), "after %s", res.EquityRatioAfter)

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.SeverityCritical, sent[0].Severity)
	assert.Contains(t, sent[0].Message, "1 position(s) were closed")
	store.AssertExpectations(t)
}

func TestWatchdog_LiquidatesWorstFirst(t *testing.T) {
	b := newBook(map[string]int64{"AAA": -10, "BBB": -300, "CCC": -50}, "AAA", "BBB", "CCC")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	store.On("CloseTrade", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	rec := &notify.Recorder{}

	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.LowEquityThreshold = 0.95
	cfg.WarningThreshold = 0.99
	w := newTestWatchdog(store, b.prices, rec, cfg, &fakeClock{t: time.Unix(0, 0)})
	res := w.RunCycle(context.Background())

	// 0.64 -> 0.94 after BBB -> 0.99 after CCC, which clears 0.95.
	assert.Equal(t, []string{"BBB", "CCC"}, res.Closed)
	assert.Equal(t, []string{"BBB", "CCC"}, closeArgs(store.Calls))
	assert.Len(t, rec.Sent(), 1)
}

func TestWatchdog_CloseFailureDoesNotAbort(t *testing.T) {
	b := newBook(map[string]int64{"BTC": -600, "ETH": -300, "BNB": -60}, "BTC", "ETH", "BNB")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	store.On("CloseTrade", mock.Anything, "BTC", mock.Anything).Return(errors.New("network down")).Once()
	store.On("CloseTrade", mock.Anything, "ETH", mock.Anything).Return(nil).Once()
	rec := &notify.Recorder{}

	cfg := testConfig()
	cfg.BatchSize = 1
	w := newTestWatchdog(store, b.prices, rec, cfg, &fakeClock{t: time.Unix(0, 0)})
	res := w.RunCycle(context.Background())

	// The failed BTC position still weighs on equity: 1000-600-60 = 340.
	assert.Equal(t, []string{"ETH"}, res.Closed)
	assert.Equal(t, []string{"BTC"}, res.Failed)
	assert.True(t, res.EquityRatioAfter.Equal(decimal.RequireFromString("0.34")), "after %s", res.EquityRatioAfter)
	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "1 position(s) could not be closed")
	store.AssertExpectations(t)
}

func TestWatchdog_BatchesRunTogether(t *testing.T) {
	b := newBook(map[string]int64{"BTC": -600, "ETH": -300, "BNB": -60}, "BTC", "ETH", "BNB")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	store.On("CloseTrade", mock.Anything, "BTC", mock.Anything).Return(errors.New("rejected"))
	store.On("CloseTrade", mock.Anything, "ETH", mock.Anything).Return(errors.New("rejected"))
	store.On("CloseTrade", mock.Anything, "BNB", mock.Anything).Return(errors.New("rejected"))
	rec := &notify.Recorder{}

	w := newTestWatchdog(store, b.prices, rec, testConfig(), &fakeClock{t: time.Unix(0, 0)})
	res := w.RunCycle(context.Background())

	assert.Empty(t, res.Closed)
	assert.Equal(t, []string{"BTC", "ETH", "BNB"}, res.Failed)
	assert.True(t, res.EquityRatioAfter.Equal(decimal.RequireFromString("0.04")))
	store.AssertNumberOfCalls(t, "CloseTrade", 3)
	assert.Len(t, rec.Sent(), 1)
}

func TestWatchdog_WarningCooldown(t *testing.T) {
	// Equity ratio 8%: between the 5% and 10% thresholds.
	b := newBook(map[string]int64{"BTC": -920}, "BTC")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	rec := &notify.Recorder{}
	clock := &fakeClock{t: time.Unix(0, 0)}

	w := newTestWatchdog(store, b.prices, rec, testConfig(), clock)
	assert.Equal(t, ActionWarned, w.RunCycle(context.Background()).Action)

	clock.advance(5 * time.Second)
	assert.Equal(t, ActionWarned, w.RunCycle(context.Background()).Action)
	assert.Len(t, rec.Sent(), 1)

	clock.advance(30 * time.Second)
	w.RunCycle(context.Background())

	sent := rec.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, notify.SeverityWarning, sent[1].Severity)
	assert.Contains(t, sent[1].Message, "8.00%")
	store.AssertNotCalled(t, "CloseTrade", mock.Anything, mock.Anything, mock.Anything)
}

func TestWatchdog_SkipsCycles(t *testing.T) {
	t.Run("no positions", func(t *testing.T) {
		store := new(MockStore)
		store.On("OpenTrades", mock.Anything, "u1").Return([]model.Trade{}, nil)
		w := newTestWatchdog(store, staticPrices{}, &notify.Recorder{}, testConfig(), &fakeClock{})

		res := w.RunCycle(context.Background())
		assert.Equal(t, ActionSkipped, res.Action)
		store.AssertNotCalled(t, "Balance", mock.Anything, mock.Anything)
	})

	t.Run("missing price", func(t *testing.T) {
		b := newBook(map[string]int64{"BTC": -990, "ETH": 0}, "BTC", "ETH")
		delete(b.prices, "BINANCE:ETHUSDT")
		store := new(MockStore)
		store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
		rec := &notify.Recorder{}
		w := newTestWatchdog(store, b.prices, rec, testConfig(), &fakeClock{})

		res := w.RunCycle(context.Background())
		assert.Equal(t, "missing prices", res.SkipReason)
		assert.Empty(t, rec.Sent())
		store.AssertNotCalled(t, "Balance", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "CloseTrade", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("debounced", func(t *testing.T) {
		b := newBook(map[string]int64{"BTC": 10}, "BTC")
		store := new(MockStore)
		store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
		store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil).Once()
		clock := &fakeClock{t: time.Unix(100, 0)}
		w := newTestWatchdog(store, b.prices, &notify.Recorder{}, testConfig(), clock)

		assert.Equal(t, ActionNone, w.RunCycle(context.Background()).Action)
		clock.advance(200 * time.Millisecond)
		assert.Equal(t, "debounced", w.RunCycle(context.Background()).SkipReason)
		store.AssertExpectations(t)
	})

	t.Run("non-positive balance", func(t *testing.T) {
		b := newBook(map[string]int64{"BTC": -10}, "BTC")
		store := new(MockStore)
		store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
		store.On("Balance", mock.Anything, "u1").Return(decimal.Zero, nil)
		w := newTestWatchdog(store, b.prices, &notify.Recorder{}, testConfig(), &fakeClock{})

		assert.Equal(t, "non-positive balance", w.RunCycle(context.Background()).SkipReason)
		store.AssertNotCalled(t, "CloseTrade", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store error", func(t *testing.T) {
		store := new(MockStore)
		store.On("OpenTrades", mock.Anything, "u1").Return(nil, errors.New("timeout"))
		w := newTestWatchdog(store, staticPrices{}, &notify.Recorder{}, testConfig(), &fakeClock{})

		assert.Equal(t, "trades unavailable", w.RunCycle(context.Background()).SkipReason)
	})
}

func TestWatchdog_Metrics(t *testing.T) {
	b := newBook(map[string]int64{"BTC": -600, "ETH": -300, "BNB": -60}, "BTC", "ETH", "BNB")
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return(b.trades, nil)
	store.On("Balance", mock.Anything, "u1").Return(decimal.NewFromInt(1000), nil)
	store.On("CloseTrade", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	w := NewWatchdog(discardLogger(), store, b.prices, &notify.Recorder{}, testConfig(),
		WithClock((&fakeClock{}).now), WithMetrics(m))
	w.RunCycle(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("liquidated")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.closed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.equityRatio))
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	polled := make(chan struct{}, 1)
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return([]model.Trade{}, nil).Run(func(mock.Arguments) {
		select {
		case polled <- struct{}{}:
		default:
		}
	})
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	w := NewWatchdog(discardLogger(), store, staticPrices{}, &notify.Recorder{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("watchdog never polled")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatchdog_TriggerRunsEarlyCycle(t *testing.T) {
	polled := make(chan struct{}, 4)
	store := new(MockStore)
	store.On("OpenTrades", mock.Anything, "u1").Return([]model.Trade{}, nil).Run(func(mock.Arguments) {
		polled <- struct{}{}
	})
	cfg := testConfig()
	cfg.Interval = time.Hour
	w := NewWatchdog(discardLogger(), store, staticPrices{}, &notify.Recorder{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Trigger()
	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("trigger did not start a cycle")
	}
}
