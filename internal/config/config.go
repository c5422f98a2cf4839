// Package config defines the top-level configuration for matchcore and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MATCHCORE_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Chain    ChainConfig    `toml:"chain"`
	Cluster  ClusterConfig  `toml:"cluster"`
	Matching MatchingConfig `toml:"matching"`
	Risk     RiskConfig     `toml:"risk"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// PublicURL is advertised in the leader lease so followers can reach
	// this node.
	PublicURL       string   `toml:"public_url"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN and
// host selects the in-memory store.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	StmtTimeout   duration `toml:"statement_timeout"`
}

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || strings.TrimSpace(p.Host) != ""
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// EventChannel prefixes the pub/sub channels market events go to.
	EventChannel string `toml:"event_channel"`
}

// S3Config holds the snapshot archive bucket. An empty bucket disables
// archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig holds the market event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout duration `toml:"batch_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	Async        bool     `toml:"async"`
}

// ChainConfig locates the contracts orders are signed for and read against.
type ChainConfig struct {
	ChainID           int64  `toml:"chain_id"`
	VerifyingContract string `toml:"verifying_contract"`
	// RPCURL enables on-chain inventory and collateral reads.
	RPCURL       string `toml:"rpc_url"`
	OutcomeToken string `toml:"outcome_token"`
	Collateral   string `toml:"collateral"`
}

// ClusterConfig controls leader election and the follower proxy.
type ClusterConfig struct {
	NodeID             string   `toml:"node_id"`
	LeaseKey           string   `toml:"lease_key"`
	LeaseTTL           duration `toml:"lease_ttl"`
	RefreshInterval    duration `toml:"refresh_interval"`
	RetryInterval      duration `toml:"retry_interval"`
	MaxRefreshFailures int      `toml:"max_refresh_failures"`

	ProxyEnabled bool `toml:"proxy_enabled"`
	// LeaderProxyURL pins every forwarded write to one address, typically
	// a load balancer in front of the leader. Empty uses the URL the
	// leader advertises.
	LeaderProxyURL   string   `toml:"leader_proxy_url"`
	ProxyTimeout     duration `toml:"proxy_timeout"`
	CircuitThreshold int      `toml:"circuit_threshold"`
	CircuitOpen      duration `toml:"circuit_open"`
	LeaderCacheTTL   duration `toml:"leader_cache_ttl"`
}

// MatchingConfig tunes order validation, fees and book locking.
type MatchingConfig struct {
	MinPrice           uint64   `toml:"min_price"`
	MaxPrice           uint64   `toml:"max_price"`
	TickSize           uint64   `toml:"tick_size"`
	MinOrderAmount     string   `toml:"min_order_amount"`
	MaxOrderAmount     string   `toml:"max_order_amount"`
	MaxOrdersPerMarket int      `toml:"max_orders_per_market"`
	MaxOrdersPerUser   int      `toml:"max_orders_per_user"`
	VerifySignatures   bool     `toml:"verify_signatures"`
	TakerFeeBps        int      `toml:"taker_fee_bps"`
	MakerFeeBps        int      `toml:"maker_fee_bps"`
	DistributedLock    bool     `toml:"distributed_lock"`
	LockTTL            duration `toml:"lock_ttl"`
	DepthLevels        int      `toml:"depth_levels"`
	VolumeWindow       duration `toml:"volume_window"`
}

// RiskConfig holds the exposure caps in USDC units. Zero means unlimited.
type RiskConfig struct {
	MaxLongExposureUSDC  float64 `toml:"max_long_exposure_usdc"`
	MaxShortExposureUSDC float64 `toml:"max_short_exposure_usdc"`
	ReconcileReserved    bool    `toml:"reconcile_reserved"`
}

// SnapshotConfig schedules the leader's background jobs.
type SnapshotConfig struct {
	Interval       duration `toml:"interval"`
	ExpiryInterval duration `toml:"expiry_interval"`
	// TTL bounds how long Redis keeps a snapshot. Zero keeps it forever.
	TTL duration `toml:"ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// Duration builds a duration value, for tests and callers filling Config by
// hand.
func Duration(d time.Duration) duration { return duration{d} }

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
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitWindow: duration{time.Minute},
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Port:          5432,
			Database:      "matchcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			StmtTimeout:   duration{5 * time.Second},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			EventChannel: "matchcore:events",
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Topic:        "matchcore.market-events",
			BatchSize:    100,
			BatchTimeout: duration{10 * time.Millisecond},
			WriteTimeout: duration{5 * time.Second},
		},
		Cluster: ClusterConfig{
			LeaseKey:           "matchcore:leader:matching-engine",
			LeaseTTL:           duration{30 * time.Second},
			RefreshInterval:    duration{10 * time.Second},
			RetryInterval:      duration{5 * time.Second},
			MaxRefreshFailures: 2,
			ProxyEnabled:       true,
			ProxyTimeout:       duration{5 * time.Second},
			CircuitThreshold:   3,
			CircuitOpen:        duration{5 * time.Second},
			LeaderCacheTTL:     duration{time.Second},
		},
		Matching: MatchingConfig{
			MinPrice:           1,
			MaxPrice:           1_000_000,
			TickSize:           1,
			MaxOrdersPerMarket: 10_000,
			MaxOrdersPerUser:   100,
			LockTTL:            duration{30 * time.Second},
			DepthLevels:        20,
			VolumeWindow:       duration{24 * time.Hour},
		},
		Risk: RiskConfig{
			ReconcileReserved: true,
		},
		Snapshot: SnapshotConfig{
			Interval:       duration{30 * time.Second},
			ExpiryInterval: duration{time.Second},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.PublicURL != "" && !validURL(c.Server.PublicURL) {
		errs = append(errs, fmt.Sprintf("server: public_url %q is not an http(s) URL", c.Server.PublicURL))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		errs = append(errs, "server: rate_limit_window must be positive when rate_limit is set")
	}

	// Postgres
	if c.Postgres.Enabled() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
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
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Kafka
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka: topic must not be empty when brokers are set")
	}

	// Chain
	if c.Chain.ChainID < 0 {
		errs = append(errs, "chain: chain_id must be >= 0")
	}
	if c.Chain.RPCURL != "" && c.Chain.OutcomeToken == "" && c.Chain.Collateral == "" {
		errs = append(errs, "chain: rpc_url is set but neither outcome_token nor collateral is")
	}

	// Cluster
	cl := c.Cluster
	if cl.LeaseKey == "" {
		errs = append(errs, "cluster: lease_key must not be empty")
	}
	if cl.LeaseTTL.Duration <= 0 {
		errs = append(errs, "cluster: lease_ttl must be positive")
	}
	if cl.RefreshInterval.Duration <= 0 || cl.RefreshInterval.Duration >= cl.LeaseTTL.Duration {
		errs = append(errs, fmt.Sprintf("cluster: refresh_interval %s must be positive and below lease_ttl %s",
			cl.RefreshInterval.Duration, cl.LeaseTTL.Duration))
	}
	if cl.RetryInterval.Duration <= 0 {
		errs = append(errs, "cluster: retry_interval must be positive")
	}
	if cl.MaxRefreshFailures < 1 {
		errs = append(errs, "cluster: max_refresh_failures must be >= 1")
	}
	if cl.LeaderProxyURL != "" && !validURL(cl.LeaderProxyURL) {
		errs = append(errs, fmt.Sprintf("cluster: leader_proxy_url %q is not an http(s) URL", cl.LeaderProxyURL))
	}
	if cl.CircuitThreshold < 1 {
		errs = append(errs, "cluster: circuit_threshold must be >= 1")
	}
	if cl.CircuitOpen.Duration < time.Second {
		errs = append(errs, "cluster: circuit_open must be at least 1s")
	}
	if cl.ProxyTimeout.Duration < time.Second {
		errs = append(errs, "cluster: proxy_timeout must be at least 1s")
	}
	if cl.LeaderCacheTTL.Duration < 200*time.Millisecond {
		errs = append(errs, "cluster: leader_cache_ttl must be at least 200ms")
	}

	// Matching
	m := c.Matching
	if m.MinPrice < 1 || m.MaxPrice > 1_000_000 || m.MinPrice > m.MaxPrice {
		errs = append(errs, fmt.Sprintf("matching: price range [%d, %d] must lie within [1, 1000000]", m.MinPrice, m.MaxPrice))
	}
	if m.TickSize < 1 {
		errs = append(errs, "matching: tick_size must be >= 1")
	}
	if m.TakerFeeBps < 0 || m.TakerFeeBps > 10_000 || m.MakerFeeBps < 0 || m.MakerFeeBps > 10_000 {
		errs = append(errs, "matching: fee bps must be within 0-10000")
	}
	if _, err := m.Amounts(); err != nil {
		errs = append(errs, err.Error())
	}

	// Risk
	if c.Risk.MaxLongExposureUSDC < 0 || c.Risk.MaxShortExposureUSDC < 0 {
		errs = append(errs, "risk: exposure caps must be >= 0")
	}

	// Snapshot
	if c.Snapshot.Interval.Duration < 0 || c.Snapshot.ExpiryInterval.Duration < 0 {
		errs = append(errs, "snapshot: intervals must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
