package app

import (
	"errors"

	"zerv/internal/security/token"
)

// ValidateSecurityConfig enforces zerv's security policy at startup.
//
// Fail-fast is intentional: silently falling back to weaker crypto in
// production is unacceptable. The check reads ZERV_TOKEN_HMAC_KEY through
// security/token, which verifies only the key's presence and length.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes recommended for HMAC-SHA256 secret; measured in bytes,
	// not runes, since the key is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: ZERV_REQUIRE_TOKEN_HMAC=true but ZERV_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: ZERV_REQUIRE_TOKEN_HMAC=true but ZERV_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: ZERV_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
