package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisStore counts attempts in fixed windows shared by every replica.
type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisStore(addr, password string, timeout time.Duration) *redisStore {
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}),
		timeout: timeout,
	}
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	window = max(window, time.Second)
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	}); err != nil {
		return false, 0, fmt.Errorf("count connect attempt: %w", err)
	}

	remaining := ttl.Val()
	// A key without expiry is a fresh window, or one whose EXPIRE was lost.
	if remaining < 0 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("start connect window: %w", err)
		}
		remaining = window
	}
	if incr.Val() <= int64(limit) {
		return true, 0, nil
	}
	return false, remaining, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
