package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"riskguard/internal/database"
	"riskguard/internal/feedproto"
	"riskguard/internal/model"
)

// PairWatcher is the subscription side of the price feed.
type PairWatcher interface {
	WatchPairs(symbols []string, mode feedproto.Mode)
	UnwatchPairs(symbols []string)
}

// PairTracker keeps the feed subscribed to exactly the pairs of the user's
// open positions. It holds one watch reference per pair.
type PairTracker struct {
	logger      *slog.Logger
	store       database.Portfolio
	feed        PairWatcher
	userID      string
	instruments model.Instruments

	mu      sync.Mutex
	watched map[string]struct{}
}

func NewPairTracker(logger *slog.Logger, store database.Portfolio, feed PairWatcher, userID string, instruments model.Instruments) *PairTracker {
	return &PairTracker{
		logger:      logger,
		store:       store,
		feed:        feed,
		userID:      userID,
		instruments: instruments,
		watched:     map[string]struct{}{},
	}
}

// Sync watches newly needed pairs and releases pairs no position uses.
func (p *PairTracker) Sync(ctx context.Context) error {
	trades, err := p.store.OpenTrades(ctx, p.userID)
	if err != nil {
		return err
	}
	want := map[string]struct{}{}
	for _, t := range trades {
		want[t.Pair] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var add, drop []string
	for pair := range want {
		if _, ok := p.watched[pair]; ok {
			continue
		}
		if _, known := p.instruments.Lookup(pair); !known && len(p.instruments) > 0 {
			p.logger.Warn("Watchdog: position on unlisted pair", "pair", pair)
		}
		add = append(add, pair)
		p.watched[pair] = struct{}{}
	}
	for pair := range p.watched {
		if _, ok := want[pair]; !ok {
			drop = append(drop, pair)
			delete(p.watched, pair)
		}
	}
	if len(add) > 0 {
		p.feed.WatchPairs(add, feedproto.ModeFull)
	}
	if len(drop) > 0 {
		p.feed.UnwatchPairs(drop)
	}
	if len(add)+len(drop) > 0 {
		p.logger.Info("Watchdog: pair watch set updated", "added", add, "removed", drop)
	}
	return nil
}

// Run syncs every interval until ctx is cancelled, then releases its watches.
func (p *PairTracker) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.release()
			return
		case <-ticker.C:
			if err := p.Sync(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Watchdog: failed to refresh watched pairs", "error", err)
			}
		}
	}
}

func (p *PairTracker) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	pairs := make([]string, 0, len(p.watched))
	for pair := range p.watched {
		pairs = append(pairs, pair)
	}
	p.watched = map[string]struct{}{}
	if len(pairs) > 0 {
		p.feed.UnwatchPairs(pairs)
	}
}
