package truckapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sweeney/truck-notifier/internal/logic"
)

const (
	redisKeyPrefix = "truck-notifier:around:"
	defaultTimeout = 5 * time.Second
)

// RedisConfig captures the settings for the shared Redis cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// ConnectRedis initialises a Redis client and validates connectivity with a ping.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisCache shares fetched snapshots between processes. Redis owns expiry.
// Key format: truck-notifier:around:<lat>:<lng>:<time>:<week>
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisCache wraps client with the given TTL (DefaultCacheTTL if <= 0).
func NewRedisCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

// Get implements Cache. Redis failures are logged and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]logic.Route, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis cache get failed")
		return nil, false
	}
	var routes []logic.Route
	if err := json.Unmarshal(data, &routes); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis cache entry unreadable")
		return nil, false
	}
	return routes, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, routes []logic.Route) {
	if routes == nil {
		routes = []logic.Route{}
	}
	data, err := json.Marshal(routes)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis cache encode failed")
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis cache set failed")
	}
}
