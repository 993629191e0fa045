package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/inverstra/predictiondao/internal/blob/s3"
	"github.com/inverstra/predictiondao/internal/cache/redis"
	"github.com/inverstra/predictiondao/internal/config"
	"github.com/inverstra/predictiondao/internal/crypto"
	"github.com/inverstra/predictiondao/internal/domain"
	"github.com/inverstra/predictiondao/internal/ledger/evm"
	"github.com/inverstra/predictiondao/internal/notify"
	"github.com/inverstra/predictiondao/internal/server/handler"
	"github.com/inverstra/predictiondao/internal/store/memory"
	"github.com/inverstra/predictiondao/internal/store/postgres"
)

// signalPrefix namespaces pub/sub channels and streams in a shared Redis.
const signalPrefix = "inverstra"

// Dependencies bundles the concrete implementations the modes run on. Fields
// for optional backends are nil when the backend is not configured.
type Dependencies struct {
	// Stores
	PredictionStore domain.PredictionStore
	OutboxStore     domain.OutboxStore
	AuditStore      domain.AuditStore
	ArchiveStore    s3blob.ArchiveStore

	// Redis-backed; nil when Redis is disabled.
	Cache       domain.PredictionCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Ledger is nil when no contract is configured.
	Ledger domain.Ledger

	// Archiver is nil unless archiving is enabled.
	Archiver domain.PredictionArchiver

	Notifier *notify.Notifier

	// HealthChecks probe the backends above for /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs every dependency from cfg and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Primary store ---
	switch cfg.Store.Driver {
	case "memory":
		store := memory.New()
		deps.PredictionStore = store
		deps.OutboxStore = store
		deps.AuditStore = store
		deps.ArchiveStore = store
		logger.WarnContext(ctx, "using in-memory store; data is lost on restart")
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		predictions := postgres.NewPredictionStore(pool)
		deps.PredictionStore = predictions
		deps.ArchiveStore = predictions
		deps.OutboxStore = postgres.NewOutboxStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewPredictionCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, signalPrefix)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- Ledger ---
	if cfg.Ledger.Enabled() {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Ledger.PrivateKey,
			EncryptedKeyPath: cfg.Ledger.EncryptedKeyPath,
			KeyPassword:      cfg.Ledger.KeyPassword,
		})
		if err != nil {
			return fail("ledger key", err)
		}
		signer, err := crypto.NewSigner(keyHex, cfg.Ledger.ChainID)
		if err != nil {
			return fail("ledger signer", err)
		}
		ledger, closeLedger, err := evm.Dial(ctx, cfg.Ledger.RPCURL, signer, evm.Config{
			ContractAddress: cfg.Ledger.ContractAddress,
			CallTimeout:     cfg.Ledger.CallTimeout.Duration,
			ReceiptTimeout:  cfg.Ledger.ReceiptTimeout.Duration,
			GasLimit:        cfg.Ledger.GasLimit,
		}, logger)
		if err != nil {
			return fail("ledger", err)
		}
		closers = append(closers, closeLedger)
		deps.Ledger = ledger
		logger.InfoContext(ctx, "ledger configured",
			slog.String("contract", cfg.Ledger.ContractAddress),
			slog.String("relayer", signer.Address().Hex()),
		)
	} else {
		logger.WarnContext(ctx, "no ledger configured; running primary-store only")
	}

	// --- Archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewPredictionArchiver(s3blob.NewBucket(s3Client), deps.ArchiveStore, deps.AuditStore)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("store", cfg.Store.Driver),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("ledger", deps.Ledger != nil),
		slog.Bool("archive", deps.Archiver != nil),
		slog.String("notify", strings.Join(senderNames(senders), ",")),
	)
	return deps, cleanup, nil
}

func senderNames(senders []notify.Sender) []string {
	names := make([]string, 0, len(senders))
	for _, s := range senders {
		names = append(names, s.Name())
	}
	return names
}
