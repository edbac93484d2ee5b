package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"riskguard/internal/config"
)

// rootConfig carries what every subcommand needs after flag parsing.
type rootConfig struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "riskd",
		Short:         "Margin protection watchdog and market data relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.LoadConfig(rc.configPath)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}
			rc.cfg = cfg
			rc.logger = newLogger(cfg.Log.Level)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&rc.configPath, "config", ".", "directory holding config.yaml and .env")

	cmd.AddCommand(
		newWatchCmd(rc),
		newRelayCmd(rc),
		newVersionCmd(),
	)
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
