package token

import (
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "ZERV_TOKEN_HMAC_KEY"
)

// zerv's tokens are self-contained signed JWTs (internal/tokencodec):
// nothing stores an opaque refresh token server-side, so there is no
// refresh-token-hash table to key. Revocation (spec §4.A) keys the Revoked-
// Token Store directly off the signed token string (REVOK_TOK_<token>), not
// a digest of it, so this package carries only the HMAC-secret-presence
// check ValidateSecurityConfig (internal/app/security.go) gates startup on.

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// HMACEnabled reports whether the env key is present (non-empty after trim).
// Note: This does not enforce minimum length. Use HMACKeyFromEnv for policy checks.
func HMACEnabled() bool {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	return raw != ""
}
