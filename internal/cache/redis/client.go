// Package redis implements the lock, snapshot, rate limit and event bus
// adapters on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig configures the shared Redis connection.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// ClientName is reported in CLIENT LIST so operators can tell nodes apart.
	ClientName  string
	DialTimeout time.Duration
}

// Client is the connection every adapter in this package shares.
type Client struct {
	rdb *redis.Client
}

// New connects and pings. The connection is closed again if the ping fails.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	var tlsCfg *tls.Config
	if cfg.TLSEnabled {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		ClientName:  cfg.ClientName,
		DialTimeout: cfg.DialTimeout,
		TLSConfig:   tlsCfg,
	})

	c := &Client{rdb: rdb}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// Wrap adopts an already configured go-redis client.
func Wrap(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Ping is the /api/health probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Conn returns the go-redis client.
func (c *Client) Conn() *redis.Client { return c.rdb }
