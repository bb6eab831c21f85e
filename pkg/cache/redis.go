package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sma-adp-enrollment/pkg/config"
)

// ClientName identifies engine connections in CLIENT LIST.
const ClientName = "course-enrollment"

// Options maps cfg onto go-redis options. Every lane can poll a course lock
// while another connection serves status reads, so the pool is never smaller
// than minPool.
func Options(cfg config.RedisConfig) *redis.Options {
	const minPool = 10
	pool := cfg.PoolSize
	if pool < minPool {
		pool = minPool
	}
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   ClientName,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     pool,
		MinIdleConns: pool / 4,
	}
}

// NewRedis connects the client shared by the job store, the distributed
// course lock and the promotion publisher.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := Options(cfg)
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}
