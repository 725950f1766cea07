// Package revocation implements the Revoked-Token Store (spec §4.A): record
// and test tokens that must no longer authenticate, with expiry-driven
// eviction delegated to the Cache Facade.
//
// Grounded on other_examples/abramin-Credo's RedisTRL for the
// revoke-with-TTL / IsRevoked-via-miss shape, generalized to run over the
// Cache Facade (internal/cache) instead of a bare *redis.Client so it works
// identically against the Local and Redis backends.
package revocation

import (
	"context"
	"math"
	"time"

	"zerv/internal/cache"
)

// KeyPrefix is the cache key prefix revocation entries are stored under
// (spec §6: "REVOK_TOK_<token>").
const KeyPrefix = "REVOK_TOK_"

// safetyMargin inflates the computed TTL slightly so a revocation entry
// cannot expire fractionally before the token itself would have, per spec
// §4.A's "5% safety margin over the configured refresh interval when
// clamping".
const safetyMargin = 1.05

// Store is the Revoked-Token Store.
type Store struct {
	cache cache.Facade
}

// New constructs a Store over the given Cache Facade.
func New(c cache.Facade) *Store {
	return &Store{cache: c}
}

// Revoke computes the token's remaining life in minutes, clamps it to at
// least 1 minute (or drops the call if the token has already expired), and
// stores "true" under REVOK_TOK_<token> with that TTL.
//
// Repeated calls never shorten an existing TTL below what the token's own
// expiry warrants (R3): recomputing from exp each time only ever tightens
// toward the token's natural lifetime, it never extends past it, and a
// revoke for an already-expired token is a no-op rather than a delete, so an
// earlier longer-lived entry is preserved.
func (s *Store) Revoke(ctx context.Context, token string, exp time.Time) error {
	now := time.Now()
	if !exp.After(now) {
		return nil
	}

	remainingMins := math.Ceil(exp.Sub(now).Minutes() * safetyMargin)
	ttl := time.Duration(remainingMins) * time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}

	return s.cache.SetEx(ctx, KeyPrefix+token, "true", ttl)
}

// IsRevoked reports whether token is present in the revocation store.
// Absence is treated as "not revoked"; transport errors are propagated
// verbatim so callers refuse authentication rather than admit (spec §4.A,
// I4: "unknown" must never be treated as "accepted").
func (s *Store) IsRevoked(ctx context.Context, token string) (bool, error) {
	return cache.GetBool(ctx, s.cache, KeyPrefix+token)
}
