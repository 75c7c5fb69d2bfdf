package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/mevengine/internal/blob/s3"
	"github.com/alanyoungcy/mevengine/internal/cache/redis"
	"github.com/alanyoungcy/mevengine/internal/config"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/events"
	"github.com/alanyoungcy/mevengine/internal/metrics"
	"github.com/alanyoungcy/mevengine/internal/notify"
	"github.com/alanyoungcy/mevengine/internal/server/handler"
	"github.com/alanyoungcy/mevengine/internal/store/badger"
	"github.com/alanyoungcy/mevengine/internal/store/memory"
	"github.com/alanyoungcy/mevengine/internal/store/postgres"
)

// streamMaxLen caps the Redis lifecycle stream.
const streamMaxLen = 100_000

// Dependencies bundles every store, cache and sink the modes share. Redis
// and blob fields are nil when not configured.
type Dependencies struct {
	// Stores
	Opportunities domain.OpportunityStore
	Intents       domain.IntentStore
	Audit         domain.AuditStore
	Portfolio     domain.PortfolioStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Events   *events.Stream
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// Probes are the dependency checks the health endpoint runs.
	Probes map[string]handler.Probe
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &Dependencies{
		Metrics:  metrics.New(reg),
		Registry: reg,
		Probes:   map[string]handler.Probe{},
	}

	// --- PostgreSQL, or Badger plus in-memory stores ---
	if cfg.Postgres.Enabled() {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Opportunities = postgres.NewOpportunityStore(pool)
		deps.Intents = postgres.NewIntentStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Portfolio = postgres.NewPortfolioStore(pool)
		deps.Probes["postgres"] = pgClient.Ping
	} else {
		store, err := badger.Open(badger.Options{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
		if err != nil {
			return fail(fmt.Errorf("wire: badger: %w", err))
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("wire: badger close", slog.String("error", err.Error()))
			}
		})
		deps.Portfolio = store
		deps.Opportunities = memory.NewOpportunityStore()
		deps.Intents = memory.NewIntentStore()
		deps.Audit = memory.NewAuditStore()
		logger.Warn("wire: postgres not configured; opportunities, intents and audit are kept in memory",
			slog.String("portfolio_dir", cfg.Badger.Dir),
			slog.Bool("portfolio_in_memory", cfg.Badger.InMemory),
		)
	}

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, 2*cfg.Oracle.StaleAfter.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, streamMaxLen)
		deps.Probes["redis"] = func(ctx context.Context) (time.Duration, error) {
			start := time.Now()
			if err := redisClient.Ping(ctx); err != nil {
				return 0, err
			}
			return time.Since(start), nil
		}
	}

	// --- S3 archive (optional) ---
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Opportunities, deps.Intents, deps.Audit, logger)
		deps.Probes["s3"] = s3Client.Health
	}

	deps.Events = events.NewStream(deps.SignalBus, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
