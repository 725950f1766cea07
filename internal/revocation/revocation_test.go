package revocation

import (
	"context"
	"testing"
	"time"

	"zerv/internal/cache"
)

func TestRevokeThenIsRevoked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(cache.NewLocalFacade(""))

	tok := "tok-1"
	exp := time.Now().Add(5 * time.Minute)
	if err := s.Revoke(ctx, tok, exp); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err := s.IsRevoked(ctx, tok)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatal("expected token to be revoked")
	}
}

func TestIsRevokedFalseForUnknownToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(cache.NewLocalFacade(""))

	revoked, err := s.IsRevoked(ctx, "never-seen")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("unknown token should not be revoked")
	}
}

func TestRevokeOfAlreadyExpiredTokenIsANoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(cache.NewLocalFacade(""))

	tok := "tok-expired"
	if err := s.Revoke(ctx, tok, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err := s.IsRevoked(ctx, tok)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("revoking an already-expired token must not create an entry")
	}
}

func TestRevokeClampsTTLToAtLeastOneMinute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := cache.NewLocalFacade("")
	s := New(c)

	tok := "tok-soon"
	if err := s.Revoke(ctx, tok, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Still present well after the token's own near-immediate expiry, since
	// the revocation TTL floor is 1 minute.
	time.Sleep(50 * time.Millisecond)
	revoked, err := s.IsRevoked(ctx, tok)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatal("revocation entry should still be present under the 1-minute floor")
	}
}
