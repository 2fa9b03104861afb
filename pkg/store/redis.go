package store

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	storeHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergefeed_store_hits_total",
		Help: "Total number of key-value store hits",
	})

	storeMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergefeed_store_misses_total",
		Help: "Total number of key-value store misses",
	})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergefeed_store_errors_total",
		Help: "Total number of key-value store operation errors",
	}, []string{"operation"})
)

// RedisStore is a Store backed by Redis. Entries have no TTL; staleness
// is a caller-level policy (see pkg/hierarchy).
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Get retrieves a value by key. Returns ErrNotFound for missing keys.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			storeMisses.Inc()
			return nil, ErrNotFound
		}
		storeErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}
	storeHits.Inc()
	return data, nil
}

// Set stores a value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.redis.Set(ctx, key, value, 0).Err(); err != nil {
		storeErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
