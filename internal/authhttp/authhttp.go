// Package authhttp implements the HTTP Authorization Endpoint (spec §4.H):
// POST /authorize, POST /register, and the httpAuthorize bearer-token
// middleware, fronting the Postgres user store (internal/store), the Token
// Verifier/Signer (internal/tokencodec), and the Revoked-Token Store
// (internal/revocation).
//
// Grounded on cmd/internal/auth/api's handler.go (endpoint shape,
// requireAuth/bearerToken pattern), rate_limit.go (failed-login throttling,
// generalized from its Postgres audit_log COUNT query to the Cache Facade so
// it works identically without a DB), json.go
// (writeJSON/writeError/decodeJSON), and models.go (request/response DTOs).
//
// Failed logins are counted per client IP only. The per-user lockout
// thresholds (Lockout*) are checked against a per-user counter that no code
// path increments, so they never block a login.
package authhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zerv/internal/cache"
	"zerv/internal/revocation"
	"zerv/internal/store"
	"zerv/internal/tokencodec"
)

// Grant types accepted by /authorize (spec §4.H).
const (
	GrantTypeLogin = "login"
	GrantTypeRest  = "rest"
)

var (
	errMissingToken = errors.New("authhttp: missing access-token header")
	errTokenRevoked = errors.New("authhttp: token revoked")
)

// ClaimFunc derives a token's application claims from the authenticated user.
type ClaimFunc func(store.User) map[string]any

// URLFunc computes the redirect/delivery URL for a freshly issued
// authorization code, per grant type (spec §4.H restUrl/appUrl).
type URLFunc func(token string, user store.User) string

// OnLoginFunc is an optional hook invoked after credential verification but
// before the authorization code is issued.
type OnLoginFunc func(ctx context.Context, user store.User, r *http.Request) error

// Options configures a Handler.
type Options struct {
	CodeExpiresInSecs int
	Claim             ClaimFunc
	RestURL           URLFunc
	AppURL            URLFunc
	OnLogin           OnLoginFunc

	TrustProxy   bool
	MaxBodyBytes int64

	LoginIPMax    int
	LoginIPWindow time.Duration

	LoginUserWindow        time.Duration
	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

func (o Options) withDefaults() Options {
	if o.CodeExpiresInSecs <= 0 {
		o.CodeExpiresInSecs = 5
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.Claim == nil {
		o.Claim = func(u store.User) map[string]any {
			return map[string]any{
				"tenantId":  u.TenantID,
				"firstName": u.FirstName,
				"lastName":  u.LastName,
			}
		}
	}
	if o.RestURL == nil {
		o.RestURL = func(string, store.User) string { return "" }
	}
	if o.AppURL == nil {
		o.AppURL = func(string, store.User) string { return "" }
	}
	return o
}

// Handler implements the /authorize and /register HTTP endpoints.
type Handler struct {
	log        *slog.Logger
	opts       Options
	users      store.UserStore
	codec      *tokencodec.Codec
	revocation *revocation.Store
	audit      *store.AuditLog
	cache      cache.Facade
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, users store.UserStore, codec *tokencodec.Codec, revocationStore *revocation.Store, audit *store.AuditLog, c cache.Facade, opts Options) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:        log,
		opts:       opts.withDefaults(),
		users:      users,
		codec:      codec,
		revocation: revocationStore,
		audit:      audit,
		cache:      c,
	}
}

// RegisterRoutes wires /authorize and /register onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/authorize", h.handleAuthorize)
	mux.HandleFunc("/register", h.handleRegister)
}

type authorizeRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type"`
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	TenantID  string `json:"tenant_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type authorizeResponse struct {
	IssuedAt    int64  `json:"issued_at"`
	AccessToken string `json:"access_token"`
	URL         string `json:"url,omitempty"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authorizeRequest
	if err := decodeJSON(w, r, h.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.GrantType != GrantTypeLogin && req.GrantType != GrantTypeRest {
		writeError(w, http.StatusBadRequest, "INVALID_TYPE", "grant_type must be login or rest")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.opts.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	if blocked, retryAfter := h.checkIPThrottle(ctx, ip); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	user, err := h.users.FindByCredentials(ctx, store.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		h.recordLoginFailure(ctx, ipThrottleKey(ip))
		if h.audit != nil {
			h.audit.LoginFailed(ctx, ip, ua, req.Username, "invalid_credentials")
		}
		writeError(w, http.StatusUnauthorized, "USER_INVALID", "invalid credentials")
		return
	}

	if blocked, retryAfter := h.checkUserThrottle(ctx, user.ID); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	if h.opts.OnLogin != nil {
		if err := h.opts.OnLogin(ctx, user, r); err != nil {
			h.log.Error("authhttp.on_login.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "internal error")
			return
		}
	}

	token, issuedAt, err := h.issueAuthCode(user)
	if err != nil {
		h.log.Error("authhttp.sign.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "internal error")
		return
	}

	if h.audit != nil {
		h.audit.LoginSuccess(ctx, user.ID, ip, ua, req.Username)
	}

	var url string
	switch req.GrantType {
	case GrantTypeLogin:
		url = h.opts.AppURL(token, user)
	case GrantTypeRest:
		url = h.opts.RestURL(token, user)
	}

	writeJSON(w, http.StatusOK, authorizeResponse{IssuedAt: issuedAt, AccessToken: token, URL: url})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	ctx := r.Context()
	user, err := h.users.Register(ctx, store.Registration{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		TenantID:  req.TenantID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, registerFailureCode(err), "registration failed")
		return
	}

	token, issuedAt, err := h.issueAuthCode(user)
	if err != nil {
		h.log.Error("authhttp.sign.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, authorizeResponse{IssuedAt: issuedAt, AccessToken: token})
}

func (h *Handler) issueAuthCode(user store.User) (token string, issuedAt int64, err error) {
	claims := h.opts.Claim(user)
	in := tokencodec.Token{ID: user.ID, JTI: 0, Claims: claims}
	signed, mutated, err := h.codec.Sign(in, time.Duration(h.opts.CodeExpiresInSecs)*time.Second, true)
	if err != nil {
		return "", 0, err
	}
	return signed, mutated.IssuedAt, nil
}

func registerFailureCode(err error) string {
	var conflict store.ConflictError
	if errors.As(err, &conflict) {
		return "CONFLICT"
	}
	return "INVALID_INPUT"
}

// Authorize implements spec §4.H's httpAuthorize middleware: read the
// access-token header, verify it (E), and reject revoked tokens (A).
func (h *Handler) Authorize(r *http.Request) (tokencodec.Token, error) {
	raw := strings.TrimSpace(r.Header.Get("access-token"))
	if raw == "" {
		return tokencodec.Token{}, errMissingToken
	}
	tok, err := h.codec.Verify(raw)
	if err != nil {
		return tokencodec.Token{}, err
	}
	revoked, err := h.revocation.IsRevoked(r.Context(), raw)
	if err != nil {
		return tokencodec.Token{}, err
	}
	if revoked {
		return tokencodec.Token{}, errTokenRevoked
	}
	return tok, nil
}

// RequireAuth wraps next so it only runs once Authorize succeeds, passing
// the verified token through.
func (h *Handler) RequireAuth(next func(w http.ResponseWriter, r *http.Request, tok tokencodec.Token)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := h.Authorize(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token")
			return
		}
		next(w, r, tok)
	}
}

// ---- throttling (spec ambient: generalized from rate_limit.go's Postgres
// COUNT queries to the Cache Facade so it works without a DB) ----

func ipThrottleKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return "LOGIN_FAIL_IP_" + ip.String()
}

func userThrottleKey(userID string) string {
	return "LOGIN_FAIL_USER_" + userID
}

func (h *Handler) checkIPThrottle(ctx context.Context, ip net.IP) (blocked bool, retryAfter time.Duration) {
	if ip == nil || h.opts.LoginIPMax <= 0 {
		return false, 0
	}
	count, err := h.failureCount(ctx, ipThrottleKey(ip))
	if err != nil || count < h.opts.LoginIPMax {
		return false, 0
	}
	return true, h.opts.LoginIPWindow
}

func (h *Handler) checkUserThrottle(ctx context.Context, userID string) (blocked bool, retryAfter time.Duration) {
	if strings.TrimSpace(userID) == "" {
		return false, 0
	}
	count, err := h.failureCount(ctx, userThrottleKey(userID))
	if err != nil {
		return false, 0
	}
	switch {
	case h.opts.LockoutSevereThreshold > 0 && count >= h.opts.LockoutSevereThreshold:
		return true, h.opts.LockoutSevereDuration
	case h.opts.LockoutLongThreshold > 0 && count >= h.opts.LockoutLongThreshold:
		return true, h.opts.LockoutLongDuration
	case h.opts.LockoutShortThreshold > 0 && count >= h.opts.LockoutShortThreshold:
		return true, h.opts.LockoutShortDuration
	default:
		return false, 0
	}
}

func (h *Handler) failureCount(ctx context.Context, key string) (int, error) {
	if h.cache == nil || key == "" {
		return 0, nil
	}
	var count int
	_, err := cache.GetObject(ctx, h.cache, key, &count)
	return count, err
}

func (h *Handler) recordLoginFailure(ctx context.Context, key string) {
	if h.cache == nil || key == "" {
		return
	}
	count, _ := h.failureCount(ctx, key)
	count++
	window := h.opts.LoginIPWindow
	if window <= 0 {
		window = h.opts.LoginUserWindow
	}
	if window <= 0 {
		window = time.Hour
	}
	_ = cache.SetExObject(ctx, h.cache, key, count, window)
}

// ---- JSON + request helpers (grounded on auth/api/json.go, helpers.go) ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
