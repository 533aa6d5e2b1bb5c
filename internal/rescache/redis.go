package rescache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

const redisKeyPrefix = "gatherer:result:"

// Redis is a result cache backed by a redis instance. TTL expiry is native;
// capacity bounding is left to the server's maxmemory policy.
type Redis struct {
	client *redis.Client
	logger *log.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedis connects to redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{
		client: client,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}, nil
}

// Get returns the cached items for the fingerprint if present.
func (r *Redis) Get(ctx context.Context, fingerprint string) ([]ingest.ContentItem, bool) {
	b, err := r.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Printf("get %s: %v", fingerprint, err)
		}
		r.misses.Add(1)
		return nil, false
	}
	var items []ingest.ContentItem
	if err := json.Unmarshal(b, &items); err != nil {
		r.logger.Printf("decode %s: %v", fingerprint, err)
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return items, true
}

// Put stores items under the fingerprint with the given TTL.
func (r *Redis) Put(ctx context.Context, fingerprint string, items []ingest.ContentItem, ttl time.Duration) {
	b, err := json.Marshal(items)
	if err != nil {
		r.logger.Printf("encode %s: %v", fingerprint, err)
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+fingerprint, b, ttl).Err(); err != nil {
		r.logger.Printf("set %s: %v", fingerprint, err)
	}
}

// Flush deletes every gatherer result key.
func (r *Redis) Flush(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats returns hit/miss counters. Entry and eviction counts live on the
// server side and are not reported here.
func (r *Redis) Stats() ingest.CacheStats {
	return ingest.CacheStats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
