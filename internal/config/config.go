// Package config defines the top-level configuration for perpbot and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Binance  BinanceConfig  `toml:"binance"`
	Trade    TradeConfig    `toml:"trade"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BinanceConfig holds exchange API credentials and endpoints.
type BinanceConfig struct {
	ApiKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
	Testnet   bool   `toml:"testnet"`
	// BaseURL and WsURL override the defaults derived from Testnet when set.
	BaseURL string `toml:"base_url"`
	WsURL   string `toml:"ws_url"`
}

// TradeConfig holds the trading strategy and risk parameters.
type TradeConfig struct {
	Symbol   string `toml:"symbol"`
	Interval string `toml:"interval"`
	// Strategy selects the evaluation variant: "conservative" (Bollinger
	// mean-reversion, fixed sizing) or "aggressive" (RSI, risk-based sizing
	// with a max holding time).
	Strategy string `toml:"strategy"`

	// Quantity is the fixed order size used by the conservative strategy.
	Quantity float64 `toml:"quantity"`
	// RiskPercentage is the fraction of balance risked per trade by the
	// aggressive strategy (e.g. 0.01 = 1%).
	RiskPercentage float64 `toml:"risk_percentage"`
	// SLPercentage is the stop-loss distance from entry (e.g. 0.02 = 2%).
	SLPercentage float64 `toml:"sl_percentage"`
	// TrailingActivationPct is the unrealized-profit fraction beyond which
	// the trailing stop arms.
	TrailingActivationPct float64 `toml:"trailing_activation_pct"`
	// MaxHoldingHours forces an exit after this many hours (aggressive
	// strategy only, 0 = unlimited).
	MaxHoldingHours int `toml:"max_holding_hours"`

	CycleInterval duration `toml:"cycle_interval"`
	CandleLimit   int      `toml:"candle_limit"`

	// StepSize and MinQuantity are the exchange lot filters for the symbol.
	StepSize    float64 `toml:"step_size"`
	MinQuantity float64 `toml:"min_quantity"`

	RSIPeriod       int     `toml:"rsi_period"`
	RSIOversold     float64 `toml:"rsi_oversold"`
	RSIOverbought   float64 `toml:"rsi_overbought"`
	BollingerPeriod int     `toml:"bollinger_period"`
	BollingerStdDev float64 `toml:"bollinger_std_dev"`

	// FlattenOnShutdown closes any open position during graceful shutdown.
	FlattenOnShutdown bool `toml:"flatten_on_shutdown"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// ArchiveConfig holds trade-history archival parameters.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Interval       duration `toml:"interval"`
	RetentionDays  int      `toml:"retention_days"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
}

// ServerConfig holds HTTP monitor API parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Binance: BinanceConfig{
			Testnet: true,
		},
		Trade: TradeConfig{
			Symbol:                "BTCUSDT",
			Interval:              "4h",
			Strategy:              "conservative",
			Quantity:              0.003,
			RiskPercentage:        0.01,
			SLPercentage:          0.02,
			TrailingActivationPct: 0.01,
			MaxHoldingHours:       24,
			CycleInterval:         duration{time.Minute},
			CandleLimit:           50,
			StepSize:              0.001,
			MinQuantity:           0.001,
			RSIPeriod:             14,
			RSIOversold:           30,
			RSIOverbought:         70,
			BollingerPeriod:       20,
			BollingerStdDev:       2.0,
			FlattenOnShutdown:     false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10000,
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Interval:       duration{24 * time.Hour},
			RetentionDays:  90,
			Region:         "us-east-1",
			Bucket:         "perpbot-history",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "stop_loss", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStrategies enumerates the accepted values for Trade.Strategy.
var validStrategies = map[string]bool{
	"conservative": true,
	"aggressive":   true,
}

// validIntervals enumerates the Binance kline intervals the bot accepts.
var validIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. A non-nil return is fatal at
// startup; configuration is never re-validated at runtime.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Binance credentials are required whenever orders can be placed.
	needsKeys := c.Mode == "trade" || c.Mode == "full"
	if needsKeys {
		if c.Binance.ApiKey == "" {
			errs = append(errs, "binance: api_key must not be empty for mode "+c.Mode)
		}
		if c.Binance.SecretKey == "" {
			errs = append(errs, "binance: secret_key must not be empty for mode "+c.Mode)
		}
	}

	// Trade
	if c.Trade.Symbol == "" {
		errs = append(errs, "trade: symbol must not be empty")
	}
	if !validIntervals[c.Trade.Interval] {
		errs = append(errs, fmt.Sprintf("trade: unknown interval %q", c.Trade.Interval))
	}
	if !validStrategies[strings.ToLower(c.Trade.Strategy)] {
		errs = append(errs, fmt.Sprintf("trade: unknown strategy %q (valid: conservative, aggressive)", c.Trade.Strategy))
	}
	if c.Trade.SLPercentage <= 0 || c.Trade.SLPercentage >= 1 {
		errs = append(errs, fmt.Sprintf("trade: sl_percentage must be in (0,1), got %g", c.Trade.SLPercentage))
	}
	if c.Trade.TrailingActivationPct < 0 || c.Trade.TrailingActivationPct >= 1 {
		errs = append(errs, fmt.Sprintf("trade: trailing_activation_pct must be in [0,1), got %g", c.Trade.TrailingActivationPct))
	}
	switch strings.ToLower(c.Trade.Strategy) {
	case "conservative":
		if c.Trade.Quantity <= 0 {
			errs = append(errs, "trade: quantity must be positive for the conservative strategy")
		}
	case "aggressive":
		if c.Trade.RiskPercentage <= 0 || c.Trade.RiskPercentage >= 1 {
			errs = append(errs, fmt.Sprintf("trade: risk_percentage must be in (0,1), got %g", c.Trade.RiskPercentage))
		}
		if c.Trade.MaxHoldingHours < 0 {
			errs = append(errs, "trade: max_holding_hours must not be negative")
		}
	}
	if c.Trade.CycleInterval.Duration < time.Second {
		errs = append(errs, "trade: cycle_interval must be at least 1s")
	}
	if c.Trade.CandleLimit < c.Trade.BollingerPeriod+2 || c.Trade.CandleLimit < c.Trade.RSIPeriod+2 {
		errs = append(errs, "trade: candle_limit too small for the configured indicator periods")
	}
	if c.Trade.StepSize <= 0 {
		errs = append(errs, "trade: step_size must be positive")
	}
	if c.Trade.MinQuantity <= 0 {
		errs = append(errs, "trade: min_quantity must be positive")
	}
	if c.Trade.RSIPeriod < 2 {
		errs = append(errs, "trade: rsi_period must be >= 2")
	}
	if c.Trade.RSIOversold >= c.Trade.RSIOverbought {
		errs = append(errs, "trade: rsi_oversold must be below rsi_overbought")
	}
	if c.Trade.BollingerPeriod < 2 {
		errs = append(errs, "trade: bollinger_period must be >= 2")
	}
	if c.Trade.BollingerStdDev <= 0 {
		errs = append(errs, "trade: bollinger_std_dev must be positive")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when archival is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Binance.ApiKey)
	redact(&out.Binance.SecretKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.Archive.AccessKey)
	redact(&out.Archive.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
