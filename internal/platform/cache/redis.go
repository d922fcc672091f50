package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cql:results:"

// Redis is a Redis-backed Cache for server deployments where several
// processes serve $apply requests against the same definition store.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing Redis client. A zero ttl means entries never
// expire.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var results map[string]interface{}
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return results, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, results map[string]interface{}) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
