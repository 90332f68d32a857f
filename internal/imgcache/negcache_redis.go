package imgcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(cfg NegativeCacheConfig) (*redisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, wrapConfig(err, "parse redis url")
	}
	if cfg.Password != "" {
		opts.Password = string(cfg.Password)
	}
	if cfg.DB != nil {
		opts.DB = *cfg.DB
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

func (r *redisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errKeyMissing
	}
	return v, err
}

func (r *redisBackend) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisBackend) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisBackend) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *redisBackend) Close() error { return r.client.Close() }

func (r *redisBackend) String() string { return "redis://" + r.client.Options().Addr }
