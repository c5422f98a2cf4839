package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/alanyoungcy/matchcore/internal/cluster"
	"github.com/alanyoungcy/matchcore/internal/config"
	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/matching"
	"github.com/alanyoungcy/matchcore/internal/orderbook"
	"github.com/alanyoungcy/matchcore/internal/recovery"
	"github.com/alanyoungcy/matchcore/internal/risk"
	"github.com/alanyoungcy/matchcore/internal/server"
	"github.com/alanyoungcy/matchcore/internal/server/handler"
)

// Node is one matching process: the engine, its coordination and the HTTP
// surface in front of it.
type Node struct {
	Engine      *matching.Engine
	Coordinator *cluster.Coordinator
	Recovery    *recovery.Manager
	Scheduler   *recovery.Scheduler
	Server      *server.Server

	ready  atomic.Bool
	logger *slog.Logger
}

// Build assembles a Node on top of deps.
func Build(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Node, error) {
	amounts, err := cfg.Matching.Amounts()
	if err != nil {
		return nil, err
	}
	n := &Node{logger: logger}

	n.Coordinator = cluster.NewCoordinator(deps.Locks, cluster.CoordinatorConfig{
		NodeID:             cfg.Cluster.NodeID,
		AdvertiseURL:       cfg.Server.PublicURL,
		LeaseKey:           cfg.Cluster.LeaseKey,
		LeaseTTL:           cfg.Cluster.LeaseTTL.Duration,
		RefreshInterval:    cfg.Cluster.RefreshInterval.Duration,
		RetryInterval:      cfg.Cluster.RetryInterval.Duration,
		MaxRefreshFailures: cfg.Cluster.MaxRefreshFailures,
	}, deps.Metrics, logger)

	books := orderbook.NewManager(cfg.Matching.VolumeWindow.Duration, nil)
	riskMgr := risk.NewManager(deps.Ledger, deps.Orders, deps.Inventory, deps.Collateral, risk.Config{
		MaxLongExposureUSDC:  cfg.Risk.MaxLongExposureUSDC,
		MaxShortExposureUSDC: cfg.Risk.MaxShortExposureUSDC,
		ReconcileReserved:    cfg.Risk.ReconcileReserved,
	}, logger)

	var archiver domain.SnapshotArchiver
	if deps.Archive != nil {
		archiver = deps.Archive
	}
	n.Engine = matching.NewEngine(matching.Config{
		ChainID:            cfg.Chain.ChainID,
		VerifyingContract:  cfg.Chain.VerifyingContract,
		MinPrice:           cfg.Matching.MinPrice,
		MaxPrice:           cfg.Matching.MaxPrice,
		TickSize:           cfg.Matching.TickSize,
		MinOrderAmount:     amounts.Min,
		MaxOrderAmount:     amounts.Max,
		MaxOrdersPerMarket: cfg.Matching.MaxOrdersPerMarket,
		MaxOrdersPerUser:   cfg.Matching.MaxOrdersPerUser,
		VerifySignatures:   cfg.Matching.VerifySignatures,
		TakerFeeBps:        cfg.Matching.TakerFeeBps,
		MakerFeeBps:        cfg.Matching.MakerFeeBps,
		DistributedLock:    cfg.Matching.DistributedLock,
		LockTTL:            cfg.Matching.LockTTL.Duration,
		DepthLevels:        cfg.Matching.DepthLevels,
	}, matching.Deps{
		Books:     books,
		Log:       deps.EventLog,
		Orders:    deps.Orders,
		Risk:      riskMgr,
		Leader:    n.Coordinator,
		Locks:     deps.Locks,
		Publisher: deps.Publisher,
		Snapshots: deps.Snapshots,
		Archiver:  archiver,
		Metrics:   deps.Metrics,
		Logger:    logger,
	})

	n.Recovery = recovery.NewManager(books, n.Engine.Sequencer(), deps.EventLog, deps.Snapshots, deps.Metrics, logger)
	if deps.Archive != nil {
		n.Recovery.UseArchive(deps.Archive)
	}
	n.Coordinator.OnElected(func(ctx context.Context) error {
		_, err := n.Recovery.Recover(ctx)
		return err
	})

	n.Scheduler = recovery.NewScheduler(n.Coordinator, logger,
		recovery.SnapshotJob(cfg.Snapshot.Interval.Duration, n.Engine.SnapshotAll),
		recovery.ExpiryJob(cfg.Snapshot.ExpiryInterval.Duration, n.Engine.ExpireDue),
	)

	n.Server = n.buildServer(cfg, deps)
	return n, nil
}

func (n *Node) buildServer(cfg *config.Config, deps *Dependencies) *server.Server {
	breaker := cluster.NewBreaker(cfg.Cluster.CircuitThreshold, cfg.Cluster.CircuitOpen.Duration, deps.Metrics.CircuitOpen)
	leaders := cluster.NewLeaderCache(deps.Locks, n.Coordinator.LeaseKey(), cfg.Cluster.LeaderCacheTTL.Duration)

	var proxy *cluster.Proxy
	if cfg.Cluster.ProxyEnabled {
		proxy = cluster.NewProxy(cluster.ProxyConfig{
			TargetURL: cfg.Cluster.LeaderProxyURL,
			Timeout:   cfg.Cluster.ProxyTimeout.Duration,
		}, breaker, nil, deps.Metrics, n.logger)
	}

	checks := make(map[string]handler.Check, len(deps.Checks))
	for name, check := range deps.Checks {
		checks[name] = check
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, n.ready.Load),
		Orders:  handler.NewOrderHandler(n.Engine, n.logger),
		Books:   handler.NewBookHandler(n.Engine, deps.Trades, n.logger),
		Cluster: handler.NewClusterHandler(n.Coordinator, leaders, breaker),
		Metrics: deps.Metrics.Handler(),
	}
	gate := server.NewLeaderGate(n.Coordinator, leaders, proxy, n.logger)

	return server.New(server.Config{
		Addr:            ":" + strconv.Itoa(cfg.Server.Port),
		CORSOrigins:     cfg.Server.CORSOrigins,
		APIKey:          cfg.Server.APIKey,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow.Duration,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration,
		WriteTimeout:    cfg.Server.WriteTimeout.Duration,
	}, handlers, gate, deps.RateLimiter, deps.Metrics, n.logger)
}

// Warm rebuilds the books before the node takes traffic so that followers
// serve reads from the committed state.
func (n *Node) Warm(ctx context.Context) error {
	report, err := n.Recovery.Recover(ctx)
	if err != nil {
		return fmt.Errorf("app: startup recovery: %w", err)
	}
	n.ready.Store(true)
	n.logger.InfoContext(ctx, "app: node ready",
		slog.String("node_id", n.Coordinator.NodeID()),
		slog.Int("books", report.Books),
		slog.Uint64("sequence", report.Sequence),
	)
	return nil
}

// Ready reports whether Warm has completed.
func (n *Node) Ready() bool { return n.ready.Load() }

// Handler exposes the HTTP handler, for tests.
func (n *Node) Handler() http.Handler { return n.Server.Handler() }
