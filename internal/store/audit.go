package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog records security-relevant events for Component H and F.
//
// Grounded on cmd/internal/auth/api/audit.go's insertAudit: best-effort,
// fire-and-forget from the caller's perspective (a failed insert is logged,
// never propagated, since auditing must not block authentication).
type AuditLog struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	schema string
}

// NewAuditLog constructs an AuditLog. A nil pool makes every call a no-op,
// matching the teacher's dbEnabled-gated insertAudit.
func NewAuditLog(pool *pgxpool.Pool, log *slog.Logger, schema string) *AuditLog {
	if schema == "" {
		schema = "zerv"
	}
	return &AuditLog{pool: pool, log: log, schema: schema}
}

// LoginFailed records a failed /authorize attempt.
func (a *AuditLog) LoginFailed(ctx context.Context, ip net.IP, ua, identifier, reason string) {
	a.insert(ctx, "auth.login.failed", nil, ip, ua, map[string]any{"identifier": identifier, "reason": reason})
}

// LoginSuccess records a successful /authorize attempt.
func (a *AuditLog) LoginSuccess(ctx context.Context, userID string, ip net.IP, ua, identifier string) {
	a.insert(ctx, "auth.login.success", &userID, ip, ua, map[string]any{"identifier": identifier})
}

// TokenRevoked records a revocation performed outside the normal logout path
// (e.g. reuse detection during refresh).
func (a *AuditLog) TokenRevoked(ctx context.Context, userID string, ip net.IP, ua, reason string) {
	a.insert(ctx, "auth.token.revoked", &userID, ip, ua, map[string]any{"reason": reason})
}

// Logout records a logout event.
func (a *AuditLog) Logout(ctx context.Context, userID, reason string, ip net.IP, ua string) {
	a.insert(ctx, "auth.logout", &userID, ip, ua, map[string]any{"reason": reason})
}

func (a *AuditLog) insert(ctx context.Context, action string, userID *string, ip net.IP, ua string, meta map[string]any) {
	if a == nil || a.pool == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	table := pgIdent(a.schema, "audit_log")
	_, err := a.pool.Exec(ctx,
		`INSERT INTO `+table+` (user_id, action, created_at, ip, user_agent, meta)
		 VALUES ($1, $2, now(), $3, $4, $5::jsonb)`,
		userID, action, ipVal, trimOrNil(ua), metaVal,
	)
	if err != nil && a.log != nil {
		a.log.Error("audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
