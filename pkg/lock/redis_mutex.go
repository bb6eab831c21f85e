package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisMutexConfig tunes the distributed lock.
type RedisMutexConfig struct {
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
	MaxPoll      time.Duration
	Logger       *zap.Logger
}

// RedisMutex is a Locker shared by every process talking to the same Redis.
// Ownership is tracked with a random token and the TTL is extended while held.
type RedisMutex struct {
	client       redis.UniversalClient
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	maxPoll      time.Duration
	logger       *zap.Logger
}

// NewRedisMutex builds a Redis backed Locker.
func NewRedisMutex(client redis.UniversalClient, cfg RedisMutexConfig) *RedisMutex {
	if cfg.Prefix == "" {
		cfg.Prefix = "lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisMutex{
		client:       client,
		prefix:       cfg.Prefix,
		ttl:          cfg.TTL,
		pollInterval: cfg.PollInterval,
		maxPoll:      cfg.MaxPoll,
		logger:       cfg.Logger,
	}
}

// Acquire polls SET NX PX with capped exponential backoff until granted or ctx is done.
func (m *RedisMutex) Acquire(ctx context.Context, key string) (Release, error) {
	redisKey := m.prefix + key
	token := uuid.NewString()
	wait := m.pollInterval
	for {
		ok, err := m.client.SetNX(ctx, redisKey, token, m.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, acquireError(ctx, key)
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return m.hold(redisKey, token), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, acquireError(ctx, key)
		case <-timer.C:
		}
		wait *= 2
		if wait > m.maxPoll {
			wait = m.maxPoll
		}
	}
}

func (m *RedisMutex) hold(redisKey, token string) Release {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.ttl/3)
				res, err := extendScript.Run(ctx, m.client, []string{redisKey}, token, m.ttl.Milliseconds()).Int()
				cancel()
				if err != nil || res == 0 {
					m.logger.Sugar().Warnw("lost redis lock", "key", redisKey, "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, m.client, []string{redisKey}, token).Err(); err != nil {
				m.logger.Sugar().Warnw("release redis lock failed", "key", redisKey, "error", err)
			}
		})
	}
}
