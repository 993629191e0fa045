// Package config defines the top-level configuration for the inverstra
// prediction service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by INVERSTRA_* environment variables.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Voting   VotingConfig   `toml:"voting"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Archive  ArchiveConfig  `toml:"archive"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StoreConfig selects the primary prediction store.
type StoreConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps everything in
	// process and is meant for local runs.
	Driver string `toml:"driver"`
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
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// LedgerConfig holds the secondary ledger (EVM contract) parameters. The
// ledger is considered configured only when both RPCURL and ContractAddress
// are set.
type LedgerConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ContractAddress  string   `toml:"contract_address"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	CallTimeout      duration `toml:"call_timeout"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`
	GasLimit         uint64   `toml:"gas_limit"`
	// InlineSync attempts the ledger write on the request path right after
	// the store commit. The outbox still owns the write if that fails.
	InlineSync bool `toml:"inline_sync"`
	// ItemReadPolicy is "ledger_only" or "store_fallback" and governs get,
	// votingStats and hasVoted.
	ItemReadPolicy string `toml:"item_read_policy"`
}

// Enabled reports whether a ledger is configured.
func (l LedgerConfig) Enabled() bool {
	return strings.TrimSpace(l.RPCURL) != "" && strings.TrimSpace(l.ContractAddress) != ""
}

// VotingConfig holds the prediction voting parameters.
type VotingConfig struct {
	MinPeriodDays  int `toml:"min_period_days"`
	MaxPeriodDays  int `toml:"max_period_days"`
	MaxVoteRetries int `toml:"max_vote_retries"`
}

// OutboxConfig holds the ledger outbox reconciler parameters.
type OutboxConfig struct {
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
	MaxAttempts  int      `toml:"max_attempts"`
	BaseBackoff  duration `toml:"base_backoff"`
	MaxBackoff   duration `toml:"max_backoff"`
	LockTTL      duration `toml:"lock_ttl"`
}

// ArchiveConfig holds the cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// Cron, when set, replaces Interval with a 5-field schedule such as
	// "0 3 * * *".
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects the write routes when non-empty.
	APIKey string `toml:"api_key"`
	// WriteRateLimit is the number of create/vote requests allowed per client
	// per WriteRateWindow. Zero disables rate limiting.
	WriteRateLimit  int      `toml:"write_rate_limit"`
	WriteRateWindow duration `toml:"write_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Store: StoreConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "inverstra",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			CacheTTL:   duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			ChainID:        31337,
			CallTimeout:    duration{10 * time.Second},
			ReceiptTimeout: duration{60 * time.Second},
			GasLimit:       0,
			InlineSync:     true,
			ItemReadPolicy: "ledger_only",
		},
		Voting: VotingConfig{
			MinPeriodDays:  1,
			MaxPeriodDays:  7,
			MaxVoteRetries: 3,
		},
		Outbox: OutboxConfig{
			PollInterval: duration{5 * time.Second},
			BatchSize:    50,
			MaxAttempts:  10,
			BaseBackoff:  duration{5 * time.Second},
			MaxBackoff:   duration{10 * time.Minute},
			LockTTL:      duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "inverstra-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			WriteRateLimit:  30,
			WriteRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"prediction_approved", "outbox_dead"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":     true,
	"reconciler": true,
	"full":       true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validReadPolicies = map[string]bool{
	"ledger_only":    true,
	"store_fallback": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, reconciler, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
		if c.Mode == "reconciler" {
			errs = append(errs, "store: memory driver cannot back a standalone reconciler")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Ledger: either both endpoints or neither.
	hasRPC := strings.TrimSpace(c.Ledger.RPCURL) != ""
	hasAddr := strings.TrimSpace(c.Ledger.ContractAddress) != ""
	if hasRPC != hasAddr {
		errs = append(errs, "ledger: rpc_url and contract_address must be set together")
	}
	if c.Ledger.Enabled() {
		if c.Ledger.PrivateKey == "" && c.Ledger.EncryptedKeyPath == "" {
			errs = append(errs, "ledger: either private_key or encrypted_key_path must be set")
		}
		if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
			errs = append(errs, "ledger: key_password is required when encrypted_key_path is set")
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
	}
	if c.Ledger.CallTimeout.Duration <= 0 {
		errs = append(errs, "ledger: call_timeout must be > 0")
	}
	if !validReadPolicies[c.Ledger.ItemReadPolicy] {
		errs = append(errs, fmt.Sprintf("ledger: unknown item_read_policy %q (valid: ledger_only, store_fallback)", c.Ledger.ItemReadPolicy))
	}

	// Voting
	if c.Voting.MinPeriodDays < 1 {
		errs = append(errs, "voting: min_period_days must be >= 1")
	}
	if c.Voting.MaxPeriodDays < c.Voting.MinPeriodDays {
		errs = append(errs, "voting: max_period_days must be >= min_period_days")
	}
	if c.Voting.MaxVoteRetries < 1 {
		errs = append(errs, "voting: max_vote_retries must be >= 1")
	}

	// Outbox
	if c.Outbox.PollInterval.Duration <= 0 {
		errs = append(errs, "outbox: poll_interval must be > 0")
	}
	if c.Outbox.BatchSize < 1 {
		errs = append(errs, "outbox: batch_size must be >= 1")
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, "outbox: max_attempts must be >= 1")
	}
	if c.Outbox.MaxBackoff.Duration < c.Outbox.BaseBackoff.Duration {
		errs = append(errs, "outbox: max_backoff must be >= base_backoff")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" && c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.WriteRateLimit < 0 {
		errs = append(errs, "server: write_rate_limit must be >= 0")
	}
	if c.Server.WriteRateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: write_rate_limit requires redis.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
