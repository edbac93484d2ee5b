package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"riskguard/internal/config"
	"riskguard/internal/database"
	"riskguard/internal/model"
	"riskguard/internal/notify"
	"riskguard/internal/pricefeed"
	"riskguard/internal/supabase"
	"riskguard/internal/watchdog"
)

func newWatchCmd(rc *rootConfig) *cobra.Command {
	var (
		migrate   bool
		pairsSync time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a user's positions and enforce margin protection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, rc, migrate, pairsSync)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create the postgres tables before starting")
	cmd.Flags().DurationVar(&pairsSync, "pairs-sync", 15*time.Second, "how often the watched pair set is refreshed")
	return cmd
}

func openStore(ctx context.Context, cfg config.Config, migrate bool) (database.Repository, func(), error) {
	switch cfg.Store {
	case "postgres":
		repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := repo.Migrate(ctx); err != nil {
				repo.Close()
				return nil, nil, err
			}
		}
		return repo, repo.Close, nil
	case "supabase":
		c, err := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.APIKey, cfg.Supabase.Token, cfg.Supabase.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	case "memory":
		return database.NewMemoryRepository(nil), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store: %s", cfg.Store)
	}
}

func runWatch(ctx context.Context, rc *rootConfig, migrate bool, pairsSync time.Duration) error {
	cfg, logger := rc.cfg, rc.logger
	if cfg.Watchdog.UserID == "" {
		return fmt.Errorf("watchdog.user_id is required")
	}
	if pairsSync <= 0 {
		pairsSync = 15 * time.Second
	}

	store, closeStore, err := openStore(ctx, cfg, migrate)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// Instrument metadata is loaded once per session.
	list, err := store.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	instruments := model.NewInstruments(list)
	logger.Info("Instruments loaded", "count", len(instruments))

	reg := newRegistry()
	feed := pricefeed.NewManager(logger, pricefeed.Options{
		URL:        cfg.Feed.URL,
		MinBackoff: cfg.Feed.MinBackoff,
		MaxBackoff: cfg.Feed.MaxBackoff,
		Metrics:    pricefeed.NewMetrics(reg),
	})

	tracker := watchdog.NewPairTracker(logger, store, feed, cfg.Watchdog.UserID, instruments)
	if err := tracker.Sync(ctx); err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}

	wd := watchdog.NewWatchdog(logger, store, feed, notify.NewLogNotifier(logger), cfg.Watchdog,
		watchdog.WithMetrics(watchdog.NewMetrics(reg)))

	// Price updates request an early cycle; the debounce bounds the rate.
	unsubscribe := feed.Subscribe(func(string, model.PriceTick) { wd.Trigger() })
	defer unsubscribe()

	feed.Start(ctx)
	defer feed.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tracker.Run(gctx, pairsSync)
		return nil
	})
	g.Go(func() error {
		wd.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return serve(gctx, logger, cfg.Metrics.Addr, mux)
	})
	return g.Wait()
}
