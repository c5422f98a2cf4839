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
// built-in defaults, applies MATCHCORE_* environment variable overrides, and
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

// applyEnvOverrides reads well-known MATCHCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). The RELAYER_* names are accepted for deployments that predate the
// MATCHCORE_ prefix; the prefixed name wins when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "MATCHCORE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MATCHCORE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MATCHCORE_SERVER_API_KEY")
	setStr(&cfg.Server.PublicURL, "MATCHCORE_SERVER_PUBLIC_URL")
	setInt(&cfg.Server.RateLimit, "MATCHCORE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "MATCHCORE_SERVER_RATE_LIMIT_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MATCHCORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MATCHCORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MATCHCORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MATCHCORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MATCHCORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MATCHCORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MATCHCORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MATCHCORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MATCHCORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MATCHCORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MATCHCORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MATCHCORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MATCHCORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MATCHCORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MATCHCORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MATCHCORE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.EventChannel, "MATCHCORE_REDIS_EVENT_CHANNEL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MATCHCORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MATCHCORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "MATCHCORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MATCHCORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MATCHCORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MATCHCORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MATCHCORE_S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "MATCHCORE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "MATCHCORE_KAFKA_TOPIC")
	setBool(&cfg.Kafka.Async, "MATCHCORE_KAFKA_ASYNC")

	// ── Chain ──
	setInt64(&cfg.Chain.ChainID, "MATCHCORE_CHAIN_ID")
	setStr(&cfg.Chain.VerifyingContract, "MATCHCORE_CHAIN_VERIFYING_CONTRACT")
	setStr(&cfg.Chain.RPCURL, "MATCHCORE_CHAIN_RPC_URL")
	setStr(&cfg.Chain.OutcomeToken, "MATCHCORE_CHAIN_OUTCOME_TOKEN")
	setStr(&cfg.Chain.Collateral, "MATCHCORE_CHAIN_COLLATERAL")

	// ── Cluster ──
	setStr(&cfg.Cluster.NodeID, "MATCHCORE_CLUSTER_NODE_ID")
	setStr(&cfg.Cluster.LeaseKey, "MATCHCORE_CLUSTER_LEASE_KEY")
	setMillis(&cfg.Cluster.LeaseTTL, "MATCHCORE_CLUSTER_LEASE_TTL_MS")
	setMillis(&cfg.Cluster.RefreshInterval, "MATCHCORE_CLUSTER_REFRESH_INTERVAL_MS")
	setMillis(&cfg.Cluster.RetryInterval, "MATCHCORE_CLUSTER_RETRY_INTERVAL_MS")
	setInt(&cfg.Cluster.MaxRefreshFailures, "MATCHCORE_CLUSTER_MAX_REFRESH_FAILURES")
	setBool(&cfg.Cluster.ProxyEnabled, "MATCHCORE_CLUSTER_PROXY_ENABLED")
	setStr(&cfg.Cluster.LeaderProxyURL, "RELAYER_LEADER_URL")
	setStr(&cfg.Cluster.LeaderProxyURL, "RELAYER_LEADER_PROXY_URL")
	setStr(&cfg.Cluster.LeaderProxyURL, "MATCHCORE_CLUSTER_LEADER_PROXY_URL")
	setMillis(&cfg.Cluster.ProxyTimeout, "MATCHCORE_CLUSTER_PROXY_TIMEOUT_MS")
	setInt(&cfg.Cluster.CircuitThreshold, "MATCHCORE_CLUSTER_CIRCUIT_FAILURE_THRESHOLD")
	setMillis(&cfg.Cluster.CircuitOpen, "MATCHCORE_CLUSTER_CIRCUIT_OPEN_MS")
	setMillis(&cfg.Cluster.LeaderCacheTTL, "MATCHCORE_CLUSTER_LEADER_CACHE_TTL_MS")

	// ── Matching ──
	setInt(&cfg.Matching.MaxOrdersPerMarket, "MATCHCORE_MATCHING_MAX_ORDERS_PER_MARKET")
	setInt(&cfg.Matching.MaxOrdersPerUser, "MATCHCORE_MATCHING_MAX_ORDERS_PER_USER")
	setBool(&cfg.Matching.VerifySignatures, "MATCHCORE_MATCHING_VERIFY_SIGNATURES")
	setInt(&cfg.Matching.TakerFeeBps, "MATCHCORE_MATCHING_TAKER_FEE_BPS")
	setInt(&cfg.Matching.MakerFeeBps, "MATCHCORE_MATCHING_MAKER_FEE_BPS")
	setBool(&cfg.Matching.DistributedLock, "MATCHCORE_MATCHING_DISTRIBUTED_LOCK")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxLongExposureUSDC, "MATCHCORE_RISK_MAX_LONG_EXPOSURE_USDC")
	setFloat64(&cfg.Risk.MaxShortExposureUSDC, "MATCHCORE_RISK_MAX_SHORT_EXPOSURE_USDC")
	setBool(&cfg.Risk.ReconcileReserved, "RELAYER_RESERVED_RECONCILE_ENABLED")
	setBool(&cfg.Risk.ReconcileReserved, "MATCHCORE_RISK_RECONCILE_RESERVED")

	// ── Snapshot ──
	setDuration(&cfg.Snapshot.Interval, "MATCHCORE_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Snapshot.ExpiryInterval, "MATCHCORE_SNAPSHOT_EXPIRY_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "MATCHCORE_LOG_LEVEL")
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

// setMillis reads an integer millisecond count.
func setMillis(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			dst.Duration = time.Duration(n) * time.Millisecond
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
