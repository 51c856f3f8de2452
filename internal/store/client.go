// Copyright 2025 James Ross
package store

import (
	"context"
	"runtime"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	redisv9 "github.com/redis/go-redis/v9"
)

// NewPrimary returns a configured go-redis v9 client for the primary
// (TLS-capable, rate-limit-prone) endpoint.
func NewPrimary(cfg *config.Config) *redisv9.Client {
	rc := cfg.Store.Primary
	poolSize := rc.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	opts := &redisv9.Options{
		Addr:         rc.Addr,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     poolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		MaxRetries:   rc.MaxRetries,
	}
	if rc.TLS {
		opts.TLSConfig = tlsConfig()
	}
	return redisv9.NewClient(opts)
}

// Ping verifies connectivity within the given timeout.
func Ping(ctx context.Context, c *redisv9.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Ping(ctx).Err()
}
