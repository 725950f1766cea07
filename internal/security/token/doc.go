// Package token gates the signing-key security policy for zerv's JWT access
// tokens (internal/tokencodec). zerv never stores an opaque refresh token
// server-side — tokens are self-contained signed JWTs, and revocation keys
// the Revoked-Token Store off the literal token string, not a digest — so
// this package's only job is answering whether an HMAC secret is configured
// and meets the minimum size a deployment's security policy requires.
//
// Environment:
// - ZERV_TOKEN_HMAC_KEY: the HMAC signing secret when ZERV_TOKEN_SECRET is
//   unset (internal/app.LoadConfig). HMACEnabled reports its presence;
//   HMACKeyFromEnv additionally enforces a minimum byte length.
// Policy:
//   - If RequireTokenHMAC=true, ValidateSecurityConfig (internal/app) refuses
//     to start unless the key is present and at least 32 bytes.
package token
