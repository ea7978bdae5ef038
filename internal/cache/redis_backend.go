package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each entry as a string key plus a parallel
// "<key>:enc" key naming its encoding, so a plain GET by a caching
// proxy in front of Redis can still serve the body directly.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	body, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache redis: get %q: %w", key, err)
	}

	enc, err := r.client.Get(ctx, key+":enc").Result()
	if err == redis.Nil {
		enc = string(EncodingIdentity)
	} else if err != nil {
		return Entry{}, false, fmt.Errorf("cache redis: get encoding %q: %w", key, err)
	}

	return Entry{Body: body, Encoding: Encoding(enc)}, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, entry Entry, ttlSeconds int) error {
	ttl := time.Duration(ttlSeconds) * time.Second

	if err := r.client.Set(ctx, key, entry.Body, ttl).Err(); err != nil {
		return fmt.Errorf("cache redis: set %q: %w", key, err)
	}

	if err := r.client.Set(ctx, key+":enc", string(entry.Encoding), ttl).Err(); err != nil {
		return fmt.Errorf("cache redis: set encoding %q: %w", key, err)
	}

	return nil
}
