package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var getDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "zerv_cache_get_duration_ms",
	Help:    "Latency of cache facade Get calls in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50},
})

// RedisFacade is the cluster-backed implementation of Facade, a thin adapter
// over go-redis. Grounded on other_examples/abramin-Credo's RedisTRL
// (*redis.Client usage, SETEX-style writes, redis.Nil handling).
type RedisFacade struct {
	client *redis.Client
}

// NewRedisFacade constructs a RedisFacade from host/port.
func NewRedisFacade(host string, port int) *RedisFacade {
	return &RedisFacade{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
		}),
	}
}

// NewRedisFacadeWithClient wraps an already-constructed client.
func NewRedisFacadeWithClient(client *redis.Client) *RedisFacade {
	return &RedisFacade{client: client}
}

func (f *RedisFacade) Set(ctx context.Context, key, value string) error {
	return f.client.Set(ctx, key, value, 0).Err()
}

func (f *RedisFacade) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return f.client.Set(ctx, key, value, ttl).Err()
}

func (f *RedisFacade) Del(ctx context.Context, key string) error {
	return f.client.Del(ctx, key).Err()
}

func (f *RedisFacade) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer func() { getDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0) }()

	v, err := f.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (f *RedisFacade) MGet(ctx context.Context, keys []string) ([]Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := f.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Entry{Key: keys[i], Value: s})
	}
	return out, nil
}

func (f *RedisFacade) ScanStream(ctx context.Context, match string, count int) (<-chan Entry, error) {
	if count <= 0 {
		count = 100
	}
	out := make(chan Entry)

	go func() {
		defer close(out)

		var cursor uint64
		seen := make(map[string]struct{})
		for {
			keys, next, err := f.client.Scan(ctx, cursor, match, int64(count)).Result()
			if err != nil {
				return
			}
			for _, k := range keys {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}

				v, err := f.client.Get(ctx, k).Result()
				if err != nil {
					continue
				}
				select {
				case out <- Entry{Key: k, Value: v}:
				case <-ctx.Done():
					return
				}
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}()

	return out, nil
}

// Close releases the underlying connection pool.
func (f *RedisFacade) Close() error {
	return f.client.Close()
}

// matchesGlob reports whether name matches a "prefix*" style pattern, used by
// the Local backend to mimic Redis SCAN's MATCH semantics for the common
// prefix-match case the spec relies on (REVOK_TOK_*, SESSION_*).
func matchesGlob(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}
