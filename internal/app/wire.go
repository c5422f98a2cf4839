package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/matchcore/internal/blob/s3"
	"github.com/alanyoungcy/matchcore/internal/cache/redis"
	"github.com/alanyoungcy/matchcore/internal/chain"
	"github.com/alanyoungcy/matchcore/internal/config"
	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/messaging"
	"github.com/alanyoungcy/matchcore/internal/messaging/kafka"
	"github.com/alanyoungcy/matchcore/internal/metrics"
	"github.com/alanyoungcy/matchcore/internal/server/handler"
	"github.com/alanyoungcy/matchcore/internal/store/memory"
	"github.com/alanyoungcy/matchcore/internal/store/postgres"
)

// Dependencies bundles the infrastructure the matching node runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Durable state
	EventLog domain.EventLog
	Orders   domain.OrderStore
	Trades   domain.TradeStore
	Ledger   domain.CollateralLedger

	// Redis
	Locks       *redis.LockManager
	Snapshots   domain.SnapshotStore
	RateLimiter domain.RateLimiter

	// Optional integrations; nil when not configured.
	Inventory  domain.InventorySource
	Collateral domain.CollateralSource
	Archive    *s3blob.SnapshotArchiver

	Publisher *messaging.Fanout
	Metrics   *metrics.Metrics

	// Checks probe each connected backend for /api/health.
	Checks map[string]handler.Check
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

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- PostgreSQL, or the in-memory store when no database is configured ---
	if cfg.Postgres.Enabled() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			ApplicationName:  "matchcore",
			StatementTimeout: cfg.Postgres.StmtTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.EventLog = postgres.NewEventLog(pool)
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Trades = postgres.NewTradeStore(pool)
		deps.Ledger = postgres.NewLedger(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	} else {
		logger.WarnContext(ctx, "wire: no postgres configured, state is kept in memory")
		store := memory.NewStore()
		deps.EventLog = store
		deps.Orders = store
		deps.Trades = store
		deps.Ledger = memory.NewLedger()
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		MaxRetries:  cfg.Redis.MaxRetries,
		TLSEnabled:  cfg.Redis.TLSEnabled,
		ClientName:  "matchcore",
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Locks = redis.NewLockManager(redisClient)
	deps.Snapshots = redis.NewSnapshotStore(redisClient, cfg.Snapshot.TTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	sinks := []messaging.Sink{
		{Name: "redis", Publisher: redis.NewEventBus(redisClient, cfg.Redis.EventChannel)},
	}

	// --- Kafka event stream ---
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
			Async:        cfg.Kafka.Async,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		sinks = append(sinks, messaging.Sink{Name: "kafka", Publisher: pub})
	}
	deps.Publisher = messaging.NewFanout(deps.Metrics, logger, sinks...)

	// --- S3 snapshot archive ---
	if cfg.S3.Bucket != "" {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archive = s3blob.NewSnapshotArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Chain reads for inventory and collateral ---
	if cfg.Chain.RPCURL != "" {
		reader, closeChain, err := chain.Dial(ctx, chain.Config{
			RPCURL:       cfg.Chain.RPCURL,
			ChainID:      cfg.Chain.ChainID,
			OutcomeToken: cfg.Chain.OutcomeToken,
			Collateral:   cfg.Chain.Collateral,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, closeChain)
		if cfg.Chain.OutcomeToken != "" {
			deps.Inventory = reader
		}
		if cfg.Chain.Collateral != "" {
			deps.Collateral = reader
		}
	}

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.Bool("postgres", cfg.Postgres.Enabled()),
		slog.Int("event_sinks", deps.Publisher.Len()),
		slog.Bool("archive", deps.Archive != nil),
		slog.Bool("chain", cfg.Chain.RPCURL != ""),
	)
	return deps, cleanup, nil
}
