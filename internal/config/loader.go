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
// built-in defaults, applies MEVENGINE_* environment variable overrides, and
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

// applyEnvOverrides reads well-known MEVENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are expected to arrive this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "MEVENGINE_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "MEVENGINE_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "MEVENGINE_SIGNER_KEY_PASSWORD")

	// ── Relay ──
	setStr(&cfg.Relay.URL, "MEVENGINE_RELAY_URL")
	setStr(&cfg.Relay.AuthKey, "MEVENGINE_RELAY_AUTH_KEY")
	setDuration(&cfg.Relay.Timeout, "MEVENGINE_RELAY_TIMEOUT")
	setInt(&cfg.Relay.RateLimit, "MEVENGINE_RELAY_RATE_LIMIT")

	// ── Feed ──
	setInt(&cfg.Feed.QueueSize, "MEVENGINE_FEED_QUEUE_SIZE")
	setDuration(&cfg.Feed.BackoffBase, "MEVENGINE_FEED_BACKOFF_BASE")
	setDuration(&cfg.Feed.BackoffCap, "MEVENGINE_FEED_BACKOFF_CAP")
	setInt(&cfg.Feed.DegradedAfter, "MEVENGINE_FEED_DEGRADED_AFTER")

	// ── Oracle ──
	setInt64(&cfg.Oracle.MaxDeviationBps, "MEVENGINE_ORACLE_MAX_DEVIATION_BPS")
	setDuration(&cfg.Oracle.StaleAfter, "MEVENGINE_ORACLE_STALE_AFTER")
	setStr(&cfg.Oracle.RedisChannel, "MEVENGINE_ORACLE_REDIS_CHANNEL")

	// ── Profit / Risk ──
	setAmount(&cfg.Profit.MinNetProfit, "MEVENGINE_PROFIT_MIN_NET_PROFIT")
	setAmount(&cfg.Risk.MaxTradeSize, "MEVENGINE_RISK_MAX_TRADE_SIZE")
	setAmount(&cfg.Risk.MaxDailyLoss, "MEVENGINE_RISK_MAX_DAILY_LOSS")
	setAmount(&cfg.Risk.MaxTotalExposure, "MEVENGINE_RISK_MAX_TOTAL_EXPOSURE")
	setBool(&cfg.Risk.CapOversized, "MEVENGINE_RISK_CAP_OVERSIZED")

	// ── Selector / Execution / Engine ──
	setDuration(&cfg.Selector.TickInterval, "MEVENGINE_SELECTOR_TICK_INTERVAL")
	setInt(&cfg.Selector.MaxInFlight, "MEVENGINE_SELECTOR_MAX_IN_FLIGHT")
	setInt(&cfg.Execution.MaxRetries, "MEVENGINE_EXECUTION_MAX_RETRIES")
	setDuration(&cfg.Execution.SubmissionWindow, "MEVENGINE_EXECUTION_SUBMISSION_WINDOW")
	setDuration(&cfg.Execution.LockTTL, "MEVENGINE_EXECUTION_LOCK_TTL")
	setDuration(&cfg.Execution.LaunchTimeout, "MEVENGINE_EXECUTION_LAUNCH_TIMEOUT")
	setBool(&cfg.Execution.DistributedLocks, "MEVENGINE_EXECUTION_DISTRIBUTED_LOCKS")
	setInt(&cfg.Engine.Workers, "MEVENGINE_ENGINE_WORKERS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MEVENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MEVENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MEVENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MEVENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MEVENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MEVENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MEVENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MEVENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MEVENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MEVENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Badger ──
	setStr(&cfg.Badger.Dir, "MEVENGINE_BADGER_DIR")
	setBool(&cfg.Badger.InMemory, "MEVENGINE_BADGER_IN_MEMORY")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MEVENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MEVENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MEVENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MEVENGINE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MEVENGINE_REDIS_TLS_ENABLED")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "MEVENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MEVENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "MEVENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MEVENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MEVENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "MEVENGINE_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "MEVENGINE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "MEVENGINE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MEVENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MEVENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MEVENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MEVENGINE_SERVER_API_KEY")
	setStr(&cfg.Server.JWTSecret, "MEVENGINE_SERVER_JWT_SECRET")
	setInt(&cfg.Server.RateLimit, "MEVENGINE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MEVENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MEVENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MEVENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MEVENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MEVENGINE_MODE")
	setStr(&cfg.Log.Level, "MEVENGINE_LOG_LEVEL")
	setStr(&cfg.Log.File, "MEVENGINE_LOG_FILE")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setAmount(dst *Amount, key string) {
	if v := os.Getenv(key); v != "" {
		var a Amount
		if err := a.UnmarshalText([]byte(v)); err == nil {
			*dst = a
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
