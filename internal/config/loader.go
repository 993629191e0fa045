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
// built-in defaults, applies INVERSTRA_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known INVERSTRA_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "INVERSTRA_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "INVERSTRA_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "INVERSTRA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "INVERSTRA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "INVERSTRA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "INVERSTRA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "INVERSTRA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "INVERSTRA_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "INVERSTRA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "INVERSTRA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "INVERSTRA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "INVERSTRA_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "INVERSTRA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "INVERSTRA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "INVERSTRA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "INVERSTRA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "INVERSTRA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "INVERSTRA_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "INVERSTRA_REDIS_CACHE_TTL")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "INVERSTRA_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.ContractAddress, "INVERSTRA_LEDGER_CONTRACT_ADDRESS")
	setInt64(&cfg.Ledger.ChainID, "INVERSTRA_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.PrivateKey, "INVERSTRA_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.EncryptedKeyPath, "INVERSTRA_LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "INVERSTRA_LEDGER_KEY_PASSWORD")
	setDuration(&cfg.Ledger.CallTimeout, "INVERSTRA_LEDGER_CALL_TIMEOUT")
	setDuration(&cfg.Ledger.ReceiptTimeout, "INVERSTRA_LEDGER_RECEIPT_TIMEOUT")
	setUint64(&cfg.Ledger.GasLimit, "INVERSTRA_LEDGER_GAS_LIMIT")
	setBool(&cfg.Ledger.InlineSync, "INVERSTRA_LEDGER_INLINE_SYNC")
	setStr(&cfg.Ledger.ItemReadPolicy, "INVERSTRA_LEDGER_ITEM_READ_POLICY")

	// ── Voting ──
	setInt(&cfg.Voting.MinPeriodDays, "INVERSTRA_VOTING_MIN_PERIOD_DAYS")
	setInt(&cfg.Voting.MaxPeriodDays, "INVERSTRA_VOTING_MAX_PERIOD_DAYS")
	setInt(&cfg.Voting.MaxVoteRetries, "INVERSTRA_VOTING_MAX_VOTE_RETRIES")

	// ── Outbox ──
	setDuration(&cfg.Outbox.PollInterval, "INVERSTRA_OUTBOX_POLL_INTERVAL")
	setInt(&cfg.Outbox.BatchSize, "INVERSTRA_OUTBOX_BATCH_SIZE")
	setInt(&cfg.Outbox.MaxAttempts, "INVERSTRA_OUTBOX_MAX_ATTEMPTS")
	setDuration(&cfg.Outbox.BaseBackoff, "INVERSTRA_OUTBOX_BASE_BACKOFF")
	setDuration(&cfg.Outbox.MaxBackoff, "INVERSTRA_OUTBOX_MAX_BACKOFF")
	setDuration(&cfg.Outbox.LockTTL, "INVERSTRA_OUTBOX_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "INVERSTRA_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "INVERSTRA_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Cron, "INVERSTRA_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "INVERSTRA_ARCHIVE_RETENTION_DAYS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "INVERSTRA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "INVERSTRA_S3_REGION")
	setStr(&cfg.S3.Bucket, "INVERSTRA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "INVERSTRA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "INVERSTRA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "INVERSTRA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "INVERSTRA_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "INVERSTRA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "INVERSTRA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "INVERSTRA_SERVER_API_KEY")
	setInt(&cfg.Server.WriteRateLimit, "INVERSTRA_SERVER_WRITE_RATE_LIMIT")
	setDuration(&cfg.Server.WriteRateWindow, "INVERSTRA_SERVER_WRITE_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "INVERSTRA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "INVERSTRA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "INVERSTRA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "INVERSTRA_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "INVERSTRA_MODE")
	setStr(&cfg.LogLevel, "INVERSTRA_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
