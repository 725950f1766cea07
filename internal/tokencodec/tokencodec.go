// Package tokencodec implements the Token Verifier/Signer (spec §4.E): a
// pure wrapper over a signed-token library exposing verify, decode, and sign.
//
// Grounded on yegamble-goimg-datalayer's jwt_service.go (Service, Claims,
// golang-jwt/jwt/v5 signing pattern), generalized from that repo's fixed
// {UserID, Email, Role, SessionID, TokenType} claim shape to the spec's open
// Claims map[string]any by signing with jwt.MapClaims instead of a struct —
// the spec's token payload carries arbitrary application claims
// (firstName, lastName, tenantId, ...) that a fixed Go struct cannot express
// without a schema the spec explicitly does not define (§1 non-goals). HMAC
// (HS256) is used instead of that repo's RS256 since the spec's "secret"
// config option (§6) is a single shared key, not an asymmetric keypair —
// mirroring the teacher's own HMAC-keyed approach in cmd/security/token.
package tokencodec

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by Verify for any signature, expiry, or shape
// failure, matching spec §4.E's single "invalid_token" failure mode.
var ErrInvalidToken = errors.New("invalid_token")

// Token mirrors spec §3's signed-bearer Token: id, iat, exp, jti, dur, plus
// arbitrary application claims.
type Token struct {
	ID        string
	IssuedAt  int64
	ExpiresAt int64
	JTI       int64
	DurSecs   int64
	Claims    map[string]any
}

// IsAuthCode reports whether this token is a first-issued authorization code
// (jti == 0), per spec §3.
func (t Token) IsAuthCode() bool { return t.JTI == 0 }

// Codec signs and verifies Tokens against a single shared secret.
type Codec struct {
	secret []byte
}

// New constructs a Codec over secret. secret must be non-empty.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("tokencodec: secret must not be empty")
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Sign encodes t as a signed JWT. When mutateExpiry is true, the computed iat
// (now) and exp (now + expiresIn) are written back into t before encoding
// and reflected in the returned Token snapshot — mirroring spec §4.E's
// sign(payload, secret, {expiresIn, mutatePayload}).
func (c *Codec) Sign(t Token, expiresIn time.Duration, mutateExpiry bool) (string, Token, error) {
	now := time.Now()
	if mutateExpiry {
		t.IssuedAt = now.Unix()
		t.ExpiresAt = now.Add(expiresIn).Unix()
	}

	claims := jwt.MapClaims{
		"id":  t.ID,
		"iat": t.IssuedAt,
		"exp": t.ExpiresAt,
		"jti": t.JTI,
		"dur": t.DurSecs,
	}
	for k, v := range t.Claims {
		switch k {
		case "id", "iat", "exp", "jti", "dur":
			continue // reserved fields, never overridable by application claims
		default:
			claims[k] = v
		}
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := jwtToken.SignedString(c.secret)
	if err != nil {
		return "", Token{}, err
	}
	return signed, t, nil
}

// Verify checks signature and expiry (strict >, per B2) and returns the
// decoded Token. Any failure collapses to ErrInvalidToken, matching spec
// §4.E's single verification failure kind.
func (c *Codec) Verify(token string) (Token, error) {
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Token{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Token{}, ErrInvalidToken
	}

	t, err := tokenFromClaims(claims)
	if err != nil {
		return Token{}, ErrInvalidToken
	}

	if t.ExpiresAt <= time.Now().Unix() {
		return Token{}, ErrInvalidToken // strict >, per B2
	}
	return t, nil
}

// Decode parses token without verifying its signature or expiry.
func (c *Codec) Decode(token string) (Token, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Token{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Token{}, ErrInvalidToken
	}
	return tokenFromClaims(claims)
}

func tokenFromClaims(claims jwt.MapClaims) (Token, error) {
	id, _ := claims["id"].(string)

	t := Token{
		ID:        id,
		IssuedAt:  claimInt(claims["iat"]),
		ExpiresAt: claimInt(claims["exp"]),
		JTI:       claimInt(claims["jti"]),
		DurSecs:   claimInt(claims["dur"]),
		Claims:    make(map[string]any),
	}
	for k, v := range claims {
		switch k {
		case "id", "iat", "exp", "jti", "dur":
			continue
		default:
			t.Claims[k] = v
		}
	}
	return t, nil
}

func claimInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
