// Package watchdog enforces margin protection on a user's open positions.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"riskguard/internal/config"
	"riskguard/internal/database"
	"riskguard/internal/model"
	"riskguard/internal/notify"
	"riskguard/internal/tradingmath"
)

// PriceSource supplies a copy of the latest known tick per symbol.
type PriceSource interface {
	Snapshot() map[string]model.PriceTick
}

// Action is what a cycle ended up doing.
type Action int

const (
	ActionSkipped Action = iota
	ActionNone
	ActionWarned
	ActionLiquidated
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarned:
		return "warned"
	case ActionLiquidated:
		return "liquidated"
	default:
		return "skipped"
	}
}

// CycleResult describes one polling cycle.
type CycleResult struct {
	Action     Action
	SkipReason string
	Exposure   tradingmath.Exposure
	// Closed and Failed hold trade ids in the order they were attempted.
	Closed []string
	Failed []string
	// EquityRatioAfter is the ratio recomputed from the positions left open.
	EquityRatioAfter decimal.Decimal
}

// Watchdog polls a user's positions on a fixed interval and closes the
// worst positions when equity falls through the protection threshold.
type Watchdog struct {
	logger   *slog.Logger
	store    database.TradeStore
	prices   PriceSource
	notifier notify.Notifier
	metrics  *Metrics

	userID    string
	interval  time.Duration
	minGap    time.Duration
	lowEquity decimal.Decimal
	warning   decimal.Decimal
	batchSize int
	warnEvery time.Duration
	now       func() time.Time

	trigger chan struct{}

	mu         sync.Mutex
	lastRun    time.Time
	lastWarned time.Time
}

// Option customises a Watchdog.
type Option func(*Watchdog)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// NewWatchdog creates a new instance of the Watchdog.
func NewWatchdog(logger *slog.Logger, store database.TradeStore, prices PriceSource, notifier notify.Notifier, cfg config.WatchdogConfig, opts ...Option) *Watchdog {
	w := &Watchdog{
		logger:    logger,
		store:     store,
		prices:    prices,
		notifier:  notifier,
		userID:    cfg.UserID,
		interval:  cfg.Interval,
		minGap:    cfg.MinCycleGap,
		lowEquity: decimal.NewFromFloat(cfg.LowEquityThreshold),
		warning:   decimal.NewFromFloat(cfg.WarningThreshold),
		batchSize: cfg.BatchSize,
		warnEvery: cfg.WarningCooldown,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 5
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. A failing cycle never stops the loop.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("Watchdog: started", "user_id", w.userID, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog: context cancelled, shutting down")
			return
		case <-ticker.C:
			w.safeCycle(ctx)
		case <-w.trigger:
			if w.due() {
				w.safeCycle(ctx)
			}
		}
	}
}

// Trigger asks Run for an early cycle, typically on a price update. Requests
// arriving within the minimum cycle gap are dropped.
func (w *Watchdog) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watchdog) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun.IsZero() || w.now().Sub(w.lastRun) >= w.minGap
}

func (w *Watchdog) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watchdog: cycle panicked", "panic", r)
		}
	}()
	w.RunCycle(ctx)
}

// RunCycle executes one guard, debounce, compute and act pass.
func (w *Watchdog) RunCycle(ctx context.Context) CycleResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := w.cycle(ctx)
	w.metrics.observe(res)
	return res
}

func skipped(reason string) CycleResult {
	return CycleResult{Action: ActionSkipped, SkipReason: reason}
}

func (w *Watchdog) cycle(ctx context.Context) CycleResult {
	trades, err := w.store.OpenTrades(ctx, w.userID)
	if err != nil {
		w.logger.Error("Watchdog: failed to load open trades", "user_id", w.userID, "error", err)
		return skipped("trades unavailable")
	}
	active := trades[:0:0]
	for _, t := range trades {
		if t.Status.Active() {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return skipped("no open positions")
	}

	// Every decision in this cycle uses this one snapshot.
	values, ok := tradingmath.ValuePositions(active, w.prices.Snapshot())
	if !ok {
		w.logger.Debug("Watchdog: price data incomplete", "positions", len(active))
		return skipped("missing prices")
	}

	now := w.now()
	if !w.lastRun.IsZero() && now.Sub(w.lastRun) < w.minGap {
		return skipped("debounced")
	}

	balance, err := w.store.Balance(ctx, w.userID)
	if err != nil {
		w.logger.Error("Watchdog: failed to load balance", "user_id", w.userID, "error", err)
		return skipped("balance unavailable")
	}
	if !balance.IsPositive() {
		w.logger.Warn("Watchdog: non-positive balance, ratios undefined", "user_id", w.userID, "balance", balance)
		return skipped("non-positive balance")
	}
	w.lastRun = now

	exposure := tradingmath.Aggregate(balance, values)
	res := CycleResult{Action: ActionNone, Exposure: exposure, EquityRatioAfter: exposure.EquityRatio}

	switch {
	case exposure.EquityRatio.LessThanOrEqual(w.lowEquity):
		w.logger.Warn("Watchdog: equity below protection threshold, liquidating",
			"user_id", w.userID,
			"equityRatio", exposure.EquityRatio,
			"marginRatio", exposure.MarginRatio,
			"positions", len(values),
		)
		w.liquidate(ctx, balance, values, &res)
		res.Action = ActionLiquidated
		w.notifier.Notify(ctx, notify.Notification{
			UserID:   w.userID,
			Severity: notify.SeverityCritical,
			Title:    "Positions closed by margin protection",
			Message:  criticalMessage(res, w.lowEquity),
			At:       now,
		})
	case exposure.EquityRatio.LessThanOrEqual(w.warning):
		res.Action = ActionWarned
		if w.warnEvery > 0 && !w.lastWarned.IsZero() && now.Sub(w.lastWarned) < w.warnEvery {
			break
		}
		w.lastWarned = now
		w.notifier.Notify(ctx, notify.Notification{
			UserID:   w.userID,
			Severity: notify.SeverityWarning,
			Title:    "Low equity",
			Message: fmt.Sprintf("Equity is at %s%% of balance. Positions are closed automatically at %s%%.",
				percent(exposure.EquityRatio), percent(w.lowEquity)),
			At: now,
		})
	}
	return res
}

// liquidate closes positions worst PnL first in batches until the equity
// ratio of what is left rises above the threshold or nothing is left.
func (w *Watchdog) liquidate(ctx context.Context, balance decimal.Decimal, values []tradingmath.PositionValue, res *CycleResult) {
	queue := make([]tradingmath.PositionValue, len(values))
	copy(queue, values)
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].PnL.LessThan(queue[j].PnL)
	})

	var stillOpen []tradingmath.PositionValue
	for len(queue) > 0 {
		n := min(w.batchSize, len(queue))
		batch := queue[:n]
		queue = queue[n:]

		errs := w.closeBatch(ctx, batch)
		for i, v := range batch {
			if errs[i] != nil {
				res.Failed = append(res.Failed, v.Trade.ID)
				stillOpen = append(stillOpen, v)
				continue
			}
			res.Closed = append(res.Closed, v.Trade.ID)
		}

		remaining := append(append([]tradingmath.PositionValue(nil), stillOpen...), queue...)
		after := tradingmath.Aggregate(balance, remaining)
		res.EquityRatioAfter = after.EquityRatio
		if after.EquityRatio.GreaterThan(w.lowEquity) {
			w.logger.Info("Watchdog: equity recovered", "user_id", w.userID, "equityRatio", after.EquityRatio, "closed", len(res.Closed))
			return
		}
	}
	w.logger.Warn("Watchdog: liquidation exhausted positions", "user_id", w.userID, "closed", len(res.Closed), "failed", len(res.Failed))
}

// closeBatch closes every position in batch concurrently and waits for all.
func (w *Watchdog) closeBatch(ctx context.Context, batch []tradingmath.PositionValue) []error {
	errs := make([]error, len(batch))
	var g errgroup.Group
	for i, v := range batch {
		g.Go(func() error {
			if err := w.store.CloseTrade(ctx, v.Trade.ID, v.Mark); err != nil {
				w.logger.Error("Watchdog: failed to close trade",
					"trade_id", v.Trade.ID,
					"pair", v.Trade.Pair,
					"pnl", v.PnL,
					"error", err,
				)
				errs[i] = err
				return nil
			}
			w.logger.Info("Watchdog: trade closed", "trade_id", v.Trade.ID, "pair", v.Trade.Pair, "closePrice", v.Mark, "pnl", v.PnL)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func criticalMessage(res CycleResult, threshold decimal.Decimal) string {
	msg := fmt.Sprintf("Equity fell to %s%% of balance (limit %s%%). %d position(s) were closed.",
		percent(res.Exposure.EquityRatio), percent(threshold), len(res.Closed))
	if len(res.Failed) > 0 {
		msg += fmt.Sprintf(" %d position(s) could not be closed.", len(res.Failed))
	}
	return msg
}

func percent(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
