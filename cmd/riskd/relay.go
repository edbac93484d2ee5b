package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"riskguard/internal/exchange"
	"riskguard/internal/model"
	"riskguard/internal/relay"
)

func newRelayCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Relay upstream market data to price feed clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, rc)
		},
	}
}

func runRelay(ctx context.Context, rc *rootConfig) error {
	cfg, logger := rc.cfg, rc.logger

	upstream, err := exchange.NewClient(cfg.Relay.Vendor, logger, exchange.Options{
		URL:        cfg.Relay.UpstreamURL,
		APIToken:   cfg.Relay.APIToken,
		MinBackoff: cfg.Feed.MinBackoff,
		MaxBackoff: cfg.Feed.MaxBackoff,
	})
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	reg := newRegistry()
	hub := relay.NewHub(logger, upstream, relay.Options{
		SummaryInterval: cfg.Relay.SummaryInterval,
		SendBuffer:      cfg.Relay.SendBuffer,
		Metrics:         relay.NewMetrics(reg),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	metrics := http.NewServeMux()
	metrics.Handle("/metrics", metricsHandler(reg))

	ticks := make(chan model.PriceTick, 1024)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return upstream.StartStream(gctx, ticks)
	})
	g.Go(func() error {
		hub.Run(gctx, ticks)
		return nil
	})
	g.Go(func() error {
		return serve(gctx, logger, cfg.Relay.ListenAddr, mux)
	})
	g.Go(func() error {
		return serve(gctx, logger, cfg.Metrics.Addr, metrics)
	})
	return g.Wait()
}
