package retrybudget

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each URL's observation window as a sorted set
// keyed by "retrybudget:<url>", scored by the observation's unix nanos:
// ZRANGE reads the whole window and ZREMRANGEBYSCORE trims it by time
// for GC, without a separate index. This is the shared process-wide backend
// spec.md §3 calls for when multiple federator processes share state.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend builds a client for addr (host:port, no auth). It
// does not dial: go-redis connects on the first command. Callers that
// need other client options should construct their own *redis.Client
// and use NewRedisBackendFromClient instead.
func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisBackendFromClient wraps an already-configured client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func key(url string) string {
	return "retrybudget:" + url
}

func member(obs Observation) string {
	return fmt.Sprintf("%d:%d", obs.At.UnixNano(), obs.Code)
}

func parseMember(s string) (Observation, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Observation{}, fmt.Errorf("malformed retry budget member %q", s)
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Observation{}, fmt.Errorf("malformed retry budget member %q: %w", s, err)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return Observation{}, fmt.Errorf("malformed retry budget member %q: %w", s, err)
	}

	return Observation{At: time.Unix(0, nanos), Code: code}, nil
}

func (r *RedisBackend) Add(ctx context.Context, url string, obs Observation) error {
	score := float64(obs.At.UnixNano())
	return r.client.ZAdd(ctx, key(url), redis.Z{Score: score, Member: member(obs)}).Err()
}

func (r *RedisBackend) Observations(ctx context.Context, url string) ([]Observation, error) {
	members, err := r.client.ZRange(ctx, key(url), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("retry budget: reading observations for %q: %w", url, err)
	}

	out := make([]Observation, 0, len(members))
	for _, m := range members {
		obs, err := parseMember(m)
		if err != nil {
			continue
		}
		out = append(out, obs)
	}

	return out, nil
}

func (r *RedisBackend) GC(ctx context.Context, url string, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UnixNano()
	return r.client.ZRemRangeByScore(ctx, key(url), "-inf", fmt.Sprintf("(%d", cutoff)).Err()
}
