package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Binance ──
	setStr(&cfg.Binance.ApiKey, "PERPBOT_BINANCE_API_KEY")
	setStr(&cfg.Binance.SecretKey, "PERPBOT_BINANCE_SECRET_KEY")
	setBool(&cfg.Binance.Testnet, "PERPBOT_BINANCE_TESTNET")
	setStr(&cfg.Binance.BaseURL, "PERPBOT_BINANCE_BASE_URL")
	setStr(&cfg.Binance.WsURL, "PERPBOT_BINANCE_WS_URL")

	// ── Trade ──
	setStr(&cfg.Trade.Symbol, "PERPBOT_TRADE_SYMBOL")
	setStr(&cfg.Trade.Interval, "PERPBOT_TRADE_INTERVAL")
	setStr(&cfg.Trade.Strategy, "PERPBOT_TRADE_STRATEGY")
	setFloat64(&cfg.Trade.Quantity, "PERPBOT_TRADE_QUANTITY")
	setFloat64(&cfg.Trade.RiskPercentage, "PERPBOT_TRADE_RISK_PERCENTAGE")
	setFloat64(&cfg.Trade.SLPercentage, "PERPBOT_TRADE_SL_PERCENTAGE")
	setFloat64(&cfg.Trade.TrailingActivationPct, "PERPBOT_TRADE_TRAILING_ACTIVATION_PCT")
	setInt(&cfg.Trade.MaxHoldingHours, "PERPBOT_TRADE_MAX_HOLDING_HOURS")
	setDuration(&cfg.Trade.CycleInterval, "PERPBOT_TRADE_CYCLE_INTERVAL")
	setInt(&cfg.Trade.CandleLimit, "PERPBOT_TRADE_CANDLE_LIMIT")
	setFloat64(&cfg.Trade.StepSize, "PERPBOT_TRADE_STEP_SIZE")
	setFloat64(&cfg.Trade.MinQuantity, "PERPBOT_TRADE_MIN_QUANTITY")
	setInt(&cfg.Trade.RSIPeriod, "PERPBOT_TRADE_RSI_PERIOD")
	setFloat64(&cfg.Trade.RSIOversold, "PERPBOT_TRADE_RSI_OVERSOLD")
	setFloat64(&cfg.Trade.RSIOverbought, "PERPBOT_TRADE_RSI_OVERBOUGHT")
	setInt(&cfg.Trade.BollingerPeriod, "PERPBOT_TRADE_BOLLINGER_PERIOD")
	setFloat64(&cfg.Trade.BollingerStdDev, "PERPBOT_TRADE_BOLLINGER_STD_DEV")
	setBool(&cfg.Trade.FlattenOnShutdown, "PERPBOT_TRADE_FLATTEN_ON_SHUTDOWN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "PERPBOT_REDIS_STREAM_MAX_LEN")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PERPBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PERPBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "PERPBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Endpoint, "PERPBOT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "PERPBOT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "PERPBOT_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "PERPBOT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "PERPBOT_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "PERPBOT_ARCHIVE_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
