// Package cluster keeps a single matching writer across redundant nodes. A
// Coordinator holds the leader lease in Redis, a LeaderCache tells followers
// who leads, and a Proxy forwards follower writes to the leader behind a
// per-path circuit Breaker.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/metrics"
)

// State is a node's role in the cluster.
type State string

const (
	StateFollower   State = "follower"
	StateRecovering State = "recovering"
	StateLeader     State = "leader"
)

// DefaultLeaseKey is the lease every matching node competes for.
const DefaultLeaseKey = "matchcore:leader:matching-engine"

// CoordinatorConfig tunes the leader lease. Zero values select defaults.
type CoordinatorConfig struct {
	NodeID             string
	AdvertiseURL       string
	LeaseKey           string
	LeaseTTL           time.Duration
	RefreshInterval    time.Duration
	RetryInterval      time.Duration
	MaxRefreshFailures int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.NodeID == "" {
		c.NodeID = GenerateNodeID()
	}
	if c.LeaseKey == "" {
		c.LeaseKey = DefaultLeaseKey
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.RefreshInterval <= 0 || c.RefreshInterval >= c.LeaseTTL {
		c.RefreshInterval = c.LeaseTTL / 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.MaxRefreshFailures <= 0 {
		c.MaxRefreshFailures = 2
	}
	return c
}

// GenerateNodeID returns hostname-pid-random.
func GenerateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + strconv.FormatUint(rand.Uint64()&0xffffffffff, 36)
}

// LeaderInfo is the holder record stored next to the lease.
type LeaderInfo struct {
	NodeID     string    `json:"nodeId"`
	URL        string    `json:"url,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func decodeLeaderInfo(s string) (LeaderInfo, bool) {
	if s == "" {
		return LeaderInfo{}, false
	}
	var info LeaderInfo
	if err := json.Unmarshal([]byte(s), &info); err != nil || info.NodeID == "" {
		return LeaderInfo{}, false
	}
	return info, true
}

// Hook runs on a leadership change. Elected hooks run before the node
// reports itself leader; an error aborts the election.
type Hook func(ctx context.Context) error

// Status is a point-in-time view of the coordinator.
type Status struct {
	NodeID         string    `json:"nodeId"`
	State          State     `json:"state"`
	IsLeader       bool      `json:"isLeader"`
	LeaderID       string    `json:"leaderId,omitempty"`
	LeaderURL      string    `json:"leaderUrl,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	LastRefresh    time.Time `json:"lastRefresh,omitempty"`
}

// Coordinator runs leader election on a domain.LockManager lease.
type Coordinator struct {
	locks   domain.LockManager
	cfg     CoordinatorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	state       State
	lease       domain.Lease
	lastRefresh time.Time
	failures    int
	known       LeaderInfo
	elected     []Hook
	lost        []Hook
}

// NewCoordinator creates a follower Coordinator. Call Run to start it.
func NewCoordinator(locks domain.LockManager, cfg CoordinatorConfig, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		locks:   locks,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		state:   StateFollower,
	}
}

// OnElected registers a hook run after the lease is won and before the node
// accepts writes.
func (c *Coordinator) OnElected(h Hook) {
	c.mu.Lock()
	c.elected = append(c.elected, h)
	c.mu.Unlock()
}

// OnLost registers a hook run after the node stops leading. Errors are
// logged.
func (c *Coordinator) OnLost(h Hook) {
	c.mu.Lock()
	c.lost = append(c.lost, h)
	c.mu.Unlock()
}

// NodeID returns this node's identity.
func (c *Coordinator) NodeID() string { return c.cfg.NodeID }

// LeaseKey returns the lease the coordinator competes for.
func (c *Coordinator) LeaseKey() string { return c.cfg.LeaseKey }

// IsLeader reports whether this node may write. It turns false on its own
// once the local lease deadline passes, even before the loop notices.
func (c *Coordinator) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateLeader && c.now().Before(c.deadlineLocked())
}

// deadlineLocked is the last instant another node cannot yet have taken the
// lease, with one refresh interval of margin.
func (c *Coordinator) deadlineLocked() time.Time {
	return c.lastRefresh.Add(c.cfg.LeaseTTL - c.cfg.RefreshInterval)
}

// LeaderID returns the best known leader, this node included.
func (c *Coordinator) LeaderID() string {
	if c.IsLeader() {
		return c.cfg.NodeID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known.NodeID
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	leader := c.IsLeader()
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		NodeID:      c.cfg.NodeID,
		State:       c.state,
		IsLeader:    leader,
		LeaderID:    c.known.NodeID,
		LeaderURL:   c.known.URL,
		LastRefresh: c.lastRefresh,
	}
	if leader {
		st.LeaderID = c.cfg.NodeID
		st.LeaderURL = c.cfg.AdvertiseURL
		st.LeaseExpiresAt = c.lastRefresh.Add(c.cfg.LeaseTTL)
	}
	return st
}

// Run campaigns for and holds the lease until ctx is canceled, then
// releases it.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "cluster: coordinator started",
		slog.String("node_id", c.cfg.NodeID),
		slog.String("lease_key", c.cfg.LeaseKey),
		slog.Duration("ttl", c.cfg.LeaseTTL),
	)
	for {
		wait := c.Step(ctx)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.shutdown(context.WithoutCancel(ctx))
			return nil
		case <-timer.C:
		}
	}
}

// Step runs one election or refresh round and returns the delay until the
// next one.
func (c *Coordinator) Step(ctx context.Context) time.Duration {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state == StateLeader {
		return c.refresh(ctx)
	}
	return c.campaign(ctx)
}

func (c *Coordinator) campaign(ctx context.Context) time.Duration {
	// The store starts the TTL while the call is in flight, so deadlines are
	// measured from before it.
	start := c.now()
	holder, _ := json.Marshal(LeaderInfo{NodeID: c.cfg.NodeID, URL: c.cfg.AdvertiseURL, AcquiredAt: start})
	lease, err := c.locks.Acquire(ctx, c.cfg.LeaseKey, c.cfg.LeaseTTL, domain.AcquireOptions{Holder: string(holder)})
	if err != nil {
		if !errors.Is(err, domain.ErrLockContention) {
			c.logger.WarnContext(ctx, "cluster: campaign failed",
				slog.String("node_id", c.cfg.NodeID),
				slog.String("error", err.Error()),
			)
		}
		c.learnLeader(ctx)
		return c.cfg.RetryInterval
	}

	c.mu.Lock()
	c.state = StateRecovering
	c.lease = lease
	c.lastRefresh = start
	c.failures = 0
	hooks := append([]Hook(nil), c.elected...)
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "cluster: lease acquired, recovering",
		slog.String("node_id", c.cfg.NodeID),
	)

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			c.logger.ErrorContext(ctx, "cluster: elected hook failed, stepping down",
				slog.String("node_id", c.cfg.NodeID),
				slog.String("error", err.Error()),
			)
			c.releaseLease(ctx, lease)
			c.mu.Lock()
			c.state = StateFollower
			c.lease = domain.Lease{}
			c.mu.Unlock()
			return c.cfg.RetryInterval
		}
	}

	// Recovery may have taken a while; confirm the lease before leading.
	start = c.now()
	ok, err := c.locks.Refresh(ctx, lease, c.cfg.LeaseTTL)
	if err != nil || !ok {
		c.logger.WarnContext(ctx, "cluster: lease lost during recovery",
			slog.String("node_id", c.cfg.NodeID),
		)
		c.mu.Lock()
		c.state = StateFollower
		c.lease = domain.Lease{}
		c.mu.Unlock()
		return c.cfg.RetryInterval
	}

	c.mu.Lock()
	c.state = StateLeader
	c.lastRefresh = start
	c.known = LeaderInfo{NodeID: c.cfg.NodeID, URL: c.cfg.AdvertiseURL, AcquiredAt: c.lastRefresh}
	c.mu.Unlock()
	c.metrics.Leader(true, true)
	c.logger.InfoContext(ctx, "cluster: became leader",
		slog.String("node_id", c.cfg.NodeID),
	)
	return c.cfg.RefreshInterval
}

func (c *Coordinator) refresh(ctx context.Context) time.Duration {
	c.mu.RLock()
	lease := c.lease
	expired := !c.now().Before(c.deadlineLocked())
	c.mu.RUnlock()
	if expired {
		c.demote(ctx, "local lease deadline passed")
		return c.cfg.RetryInterval
	}

	start := c.now()
	ok, err := c.locks.Refresh(ctx, lease, c.cfg.LeaseTTL)
	if err != nil {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "cluster: lease refresh failed",
			slog.String("node_id", c.cfg.NodeID),
			slog.Int("failures", failures),
			slog.String("error", err.Error()),
		)
		if failures >= c.cfg.MaxRefreshFailures {
			c.demote(ctx, "too many refresh failures")
			return c.cfg.RetryInterval
		}
		return c.cfg.RefreshInterval
	}
	if !ok {
		c.demote(ctx, "lease taken by another node")
		c.learnLeader(ctx)
		return c.cfg.RetryInterval
	}

	c.mu.Lock()
	c.lastRefresh = start
	c.failures = 0
	c.mu.Unlock()
	return c.cfg.RefreshInterval
}

func (c *Coordinator) demote(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state != StateLeader {
		c.mu.Unlock()
		return
	}
	c.state = StateFollower
	c.lease = domain.Lease{}
	c.known = LeaderInfo{}
	hooks := append([]Hook(nil), c.lost...)
	c.mu.Unlock()

	c.metrics.Leader(false, true)
	c.logger.WarnContext(ctx, "cluster: lost leadership",
		slog.String("node_id", c.cfg.NodeID),
		slog.String("reason", reason),
	)
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			c.logger.ErrorContext(ctx, "cluster: lost hook failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Coordinator) shutdown(ctx context.Context) {
	c.mu.RLock()
	lease, state := c.lease, c.state
	c.mu.RUnlock()
	if state == StateFollower {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.demote(ctx, "shutdown")
	c.releaseLease(ctx, lease)
}

func (c *Coordinator) releaseLease(ctx context.Context, lease domain.Lease) {
	if lease.Token == "" {
		return
	}
	if _, err := c.locks.Release(ctx, lease); err != nil {
		c.logger.WarnContext(ctx, "cluster: release lease failed",
			slog.String("node_id", c.cfg.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) learnLeader(ctx context.Context) {
	raw, err := c.locks.Holder(ctx, c.cfg.LeaseKey)
	if err != nil {
		return
	}
	info, _ := decodeLeaderInfo(raw)
	c.mu.Lock()
	c.known = info
	c.mu.Unlock()
}
