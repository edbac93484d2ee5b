package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log      LogConfig
	Store    string
	Feed     FeedConfig
	Watchdog WatchdogConfig
	Relay    RelayConfig
	Database DatabaseConfig
	Supabase SupabaseConfig
	Metrics  MetricsConfig
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string
}

// FeedConfig defines the price feed client settings.
type FeedConfig struct {
	URL        string        `mapstructure:"url"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// WatchdogConfig defines the margin protection policy.
type WatchdogConfig struct {
	UserID             string        `mapstructure:"user_id"`
	Interval           time.Duration `mapstructure:"interval"`
	MinCycleGap        time.Duration `mapstructure:"min_cycle_gap"`
	LowEquityThreshold float64       `mapstructure:"low_equity_threshold"`
	WarningThreshold   float64       `mapstructure:"warning_threshold"`
	BatchSize          int           `mapstructure:"batch_size"`
	WarningCooldown    time.Duration `mapstructure:"warning_cooldown"`
}

// RelayConfig defines the relay process settings.
type RelayConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Vendor          string        `mapstructure:"vendor"`
	UpstreamURL     string        `mapstructure:"upstream_url"`
	APIToken        string        `mapstructure:"api_token"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
	SendBuffer      int           `mapstructure:"send_buffer"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// DSN renders a postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// SupabaseConfig defines the Supabase REST settings.
type SupabaseConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig defines where /metrics is served.
type MetricsConfig struct {
	Addr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("store", "postgres")

	v.SetDefault("feed.url", "ws://127.0.0.1:8090/ws")
	v.SetDefault("feed.min_backoff", time.Second)
	v.SetDefault("feed.max_backoff", 16*time.Second)

	v.SetDefault("watchdog.user_id", "")
	v.SetDefault("watchdog.interval", time.Second)
	v.SetDefault("watchdog.min_cycle_gap", 750*time.Millisecond)
	v.SetDefault("watchdog.low_equity_threshold", 0.05)
	v.SetDefault("watchdog.warning_threshold", 0.10)
	v.SetDefault("watchdog.batch_size", 5)
	v.SetDefault("watchdog.warning_cooldown", 30*time.Second)

	v.SetDefault("relay.listen_addr", ":8090")
	v.SetDefault("relay.vendor", "finnhub")
	v.SetDefault("relay.upstream_url", "wss://ws.finnhub.io")
	v.SetDefault("relay.api_token", "")
	v.SetDefault("relay.summary_interval", time.Second)
	v.SetDefault("relay.send_buffer", 256)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")

	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.api_key", "")
	v.SetDefault("supabase.token", "")
	v.SetDefault("supabase.timeout", 10*time.Second)

	v.SetDefault("metrics.addr", ":9102")
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in path is loaded first when present; a missing config.yaml
// falls back to defaults and environment.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load(strings.TrimSuffix(path, "/") + "/.env")

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	err = config.Watchdog.Validate()
	return
}

// Validate checks the policy knobs are usable.
func (w WatchdogConfig) Validate() error {
	switch {
	case w.Interval <= 0:
		return errors.New("watchdog.interval must be positive")
	case w.BatchSize <= 0:
		return errors.New("watchdog.batch_size must be positive")
	case w.LowEquityThreshold < 0 || w.WarningThreshold < 0:
		return errors.New("watchdog thresholds must not be negative")
	case w.WarningThreshold < w.LowEquityThreshold:
		return errors.New("watchdog.warning_threshold must not be below low_equity_threshold")
	}
	return nil
}
