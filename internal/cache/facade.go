// Package cache implements the Key/Value Cache Facade: a uniform get/set/
// setex/del/mget/scan surface over either an in-process store (optionally
// file-persisted) or the cluster's Redis store, selected at construction by
// whether clustering is enabled.
//
// Grounded on the teacher's realtime in-memory stores (map + mutex + expiry
// idiom, cmd/internal/realtime/store_memory.go) for the Local backend, and on
// other_examples/abramin-Credo's RedisTRL (*redis.Client usage, SETEX-style
// revocation pattern) for the Redis backend.
package cache

import (
	"context"
	"time"
)

// Entry is a single key/value pair, used by MGet and ScanStream.
type Entry struct {
	Key   string
	Value string
}

// Facade is the uniform surface every component built on top of the cache
// (revocation, session, rate limiting) programs against.
type Facade interface {
	// Set stores value under key, preserving any prior expiry (spec §4.B).
	Set(ctx context.Context, key, value string) error
	// SetEx stores value under key with an expiry, replacing any prior one.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	// Get returns the value and true if key is present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// MGet returns the present subset of keys.
	MGet(ctx context.Context, keys []string) ([]Entry, error)
	// ScanStream streams every present key whose name matches the glob-style
	// match pattern, in batches of approximately count.
	ScanStream(ctx context.Context, match string, count int) (<-chan Entry, error)
}

// GetObject reads key and JSON-decodes it into out. Returns false if the key
// is absent. Grounded on spec §4.B's getCachedObject helper.
func GetObject(ctx context.Context, f Facade, key string, out any) (bool, error) {
	raw, ok, err := f.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	return true, decodeJSON(raw, out)
}

// SetObject JSON-encodes v and stores it under key with no expiry.
func SetObject(ctx context.Context, f Facade, key string, v any) error {
	raw, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return f.Set(ctx, key, raw)
}

// SetExObject JSON-encodes v and stores it under key with ttl.
func SetExObject(ctx context.Context, f Facade, key string, v any, ttl time.Duration) error {
	raw, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return f.SetEx(ctx, key, raw, ttl)
}

// GetBool tests whether key's stored value equals the literal string "true",
// per spec §4.B's getCachedBooleanValue.
func GetBool(ctx context.Context, f Facade, key string) (bool, error) {
	v, ok, err := f.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}
