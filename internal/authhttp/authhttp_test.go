package authhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zerv/internal/cache"
	"zerv/internal/revocation"
	"zerv/internal/store"
	"zerv/internal/tokencodec"
)

type stubUserStore struct {
	user store.User
	pass string
	err  error
}

func (s *stubUserStore) FindByCredentials(_ context.Context, in store.Credentials) (store.User, error) {
	if s.err != nil {
		return store.User{}, s.err
	}
	if in.Username != s.user.Username || in.Password != s.pass {
		return store.User{}, store.ErrNotFound
	}
	return s.user, nil
}

func (s *stubUserStore) Register(_ context.Context, in store.Registration) (store.User, error) {
	return store.User{ID: "new-user", Username: in.Username, TenantID: in.TenantID}, nil
}

func testHandler(t *testing.T, users store.UserStore) *Handler {
	t.Helper()
	codec, err := tokencodec.New("test-secret-at-least-this-long")
	if err != nil {
		t.Fatalf("tokencodec.New: %v", err)
	}
	c := cache.NewLocalFacade("")
	rev := revocation.New(c)
	return NewHandler(nil, users, codec, rev, store.NewAuditLog(nil, nil, ""), c, Options{})
}

func TestAuthorizeRejectsBadGrantType(t *testing.T) {
	t.Parallel()
	h := testHandler(t, &stubUserStore{user: store.User{ID: "u1", Username: "alice"}, pass: "secret123"})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(authorizeRequest{Username: "alice", Password: "secret123", GrantType: "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}
}

func TestAuthorizeSucceedsAndReturnsAccessToken(t *testing.T) {
	t.Parallel()
	h := testHandler(t, &stubUserStore{user: store.User{ID: "u1", Username: "alice", TenantID: "t1"}, pass: "secret123"})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(authorizeRequest{Username: "alice", Password: "secret123", GrantType: GrantTypeLogin})
	req := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp authorizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected a non-empty access_token")
	}

	verified, err := h.codec.Verify(resp.AccessToken)
	if err != nil {
		t.Fatalf("Verify(access_token): %v", err)
	}
	if verified.ID != "u1" || !verified.IsAuthCode() {
		t.Fatalf("verified=%+v want id=u1 jti=0", verified)
	}
}

func TestAuthorizeRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	h := testHandler(t, &stubUserStore{user: store.User{ID: "u1", Username: "alice"}, pass: "secret123"})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(authorizeRequest{Username: "alice", Password: "wrong", GrantType: GrantTypeLogin})
	req := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rec.Code)
	}
}

func TestRegisterIssuesAccessToken(t *testing.T) {
	t.Parallel()
	h := testHandler(t, &stubUserStore{})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(registerRequest{Username: "bob", Password: "secret123", Email: "bob@example.com"})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp authorizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected a non-empty access_token")
	}
}

func TestAuthorizeMiddlewareRejectsMissingToken(t *testing.T) {
	t.Parallel()
	h := testHandler(t, &stubUserStore{})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if _, err := h.Authorize(req); err == nil {
		t.Fatal("expected error for missing access-token header")
	}
}

func TestAuthorizeMiddlewareAcceptsValidToken(t *testing.T) {
	t.Parallel()
	h := testHandler(t, &stubUserStore{})

	signed, _, err := h.codec.Sign(tokencodec.Token{ID: "u1", JTI: 1}, time.Hour, true)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("access-token", signed)

	tok, err := h.Authorize(req)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if tok.ID != "u1" {
		t.Fatalf("ID=%q want u1", tok.ID)
	}
}
