package tokencodec

import (
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := New("test-secret-at-least-this-long")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := Token{
		ID:  "user-1",
		JTI: 0,
		Claims: map[string]any{
			"firstName": "Jose",
			"tenantId":  "tenant-a",
		},
	}
	signed, mutated, err := c.Sign(in, 20*time.Second, true)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if mutated.ExpiresAt-mutated.IssuedAt != 20 {
		t.Fatalf("exp-iat=%d want 20", mutated.ExpiresAt-mutated.IssuedAt)
	}

	out, err := c.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out.ID != "user-1" || out.JTI != 0 {
		t.Fatalf("got=%+v", out)
	}
	if out.Claims["firstName"] != "Jose" || out.Claims["tenantId"] != "tenant-a" {
		t.Fatalf("claims not preserved: %+v", out.Claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	c, _ := New("test-secret-at-least-this-long")

	in := Token{ID: "user-1"}
	signed, _, err := c.Sign(in, -1*time.Second, true)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := c.Verify(signed); err != ErrInvalidToken {
		t.Fatalf("Verify err=%v want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpAtExactlyNowStrictGreaterThan(t *testing.T) {
	t.Parallel()
	c, _ := New("test-secret-at-least-this-long")

	now := time.Now().Unix()
	in := Token{ID: "user-1", IssuedAt: now, ExpiresAt: now}
	signed, _, err := c.Sign(in, 0, false)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := c.Verify(signed); err != ErrInvalidToken {
		t.Fatalf("Verify of exp==now err=%v want ErrInvalidToken (B2: strict >)", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	t.Parallel()
	c1, _ := New("secret-one-long-enough")
	c2, _ := New("secret-two-long-enough")

	signed, _, _ := c1.Sign(Token{ID: "u"}, time.Minute, true)
	if _, err := c2.Verify(signed); err != ErrInvalidToken {
		t.Fatalf("Verify with wrong key err=%v want ErrInvalidToken", err)
	}
}

func TestDecodeDoesNotVerify(t *testing.T) {
	t.Parallel()
	c, _ := New("test-secret-at-least-this-long")

	in := Token{ID: "user-1"}
	signed, _, err := c.Sign(in, -time.Hour, true) // already expired
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	out, err := c.Decode(signed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID != "user-1" {
		t.Fatalf("Decode ID=%q want user-1", out.ID)
	}
}
