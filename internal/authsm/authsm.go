// Package authsm implements the Socket Authentication State Machine (spec
// §4.F): one instance per socket, driving the Token Verifier/Signer (E), the
// Revoked-Token Store (A), and the User-Session Manager (G) through the
// connect → authenticate → refresh/reject → logout lifecycle.
//
// Grounded on cmd/internal/realtime/ws_gateway.go's per-connection goroutine
// shape (arm/clear timers, a registry keyed for cross-socket broadcast) and
// generalized from that file's chat-room membership bookkeeping to the
// per-origin socket registry this state machine needs for wrong_user
// notification and token propagation across sibling sockets.
package authsm

import (
	"context"
	"errors"
	"sync"
	"time"

	v1 "zerv/shared/contracts/realtime/v1"

	"zerv/internal/revocation"
	"zerv/internal/tokencodec"
	"zerv/internal/usersession"
)

// State names a position in the socket's authentication lifecycle.
type State string

const (
	StateUnauth     State = "UNAUTH"
	StateAuthPending State = "AUTH_PENDING"
	StateActive     State = "ACTIVE"
	StateRefreshing State = "REFRESHING"
	StateClosed     State = "CLOSED"
)

// Failure codes delivered in UnauthorizedPayload.Data.Code (spec §4.F, §7).
const (
	CodeInvalidToken                     = "invalid_token"
	CodeRevokedToken                     = "revoked_token"
	CodeUnauthorizedToken                = "unauthorized_token"
	CodeWrongUser                        = "wrong_user"
	CodeUnknownTenant                    = "unknown_tenant"
	CodeInactiveSessionTimeoutOrNotFound = "inactive_session_timeout_or_session_not_found"
	CodeActiveSessionDurationDecreased   = "active_session_duration_decreased"
	CodeUnauthorized                     = "unauthorized"
)

var errAuthFailure = errors.New("authsm: authentication failed")

// Transport is the minimal send/close surface a Conn needs from the actual
// socket; the application's websocket glue implements it.
type Transport interface {
	Send(ctx context.Context, typ string, payload any) error
	Close(ctx context.Context, reason string) error
}

// Options configures every Conn built against a given server instance (spec
// §6 Configuration options).
type Options struct {
	AuthTimeout                time.Duration
	TokenRefreshIntervalInMins int
	ClusterEnabled             bool
	// GetTenantId resolves a tenant id from a verified token. A nil func
	// means the application does not scope sessions by tenant.
	GetTenantId func(tokencodec.Token) (string, bool)
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.TokenRefreshIntervalInMins <= 0 {
		o.TokenRefreshIntervalInMins = 24 * 60
	}
	return o
}

// Registry tracks every live Conn on this instance grouped by origin, so
// initNewConnection/maintainConnection can reach sibling sockets sharing the
// same origin (spec §4.F wrong_user / token propagation).
type Registry struct {
	mu       sync.RWMutex
	byOrigin map[string][]*Conn
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byOrigin: make(map[string][]*Conn)}
}

// Add registers c under origin.
func (r *Registry) Add(origin string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOrigin[origin] = append(r.byOrigin[origin], c)
}

// Remove unregisters c from origin.
func (r *Registry) Remove(origin string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byOrigin[origin]
	for i, o := range list {
		if o == c {
			r.byOrigin[origin] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byOrigin[origin]) == 0 {
		delete(r.byOrigin, origin)
	}
}

// OthersAt returns every Conn registered at origin other than except.
// Passing a nil except returns every Conn at origin.
func (r *Registry) OthersAt(origin string, except *Conn) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byOrigin[origin]))
	for _, c := range r.byOrigin[origin] {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// Clear drops every Conn registered at origin, used once their tokens have
// all been revoked by a logout destroy listener.
func (r *Registry) Clear(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byOrigin, origin)
}

// CountConnections returns a countConnections closure bound to origin,
// suitable for usersession.Manager.ConnectUser/DisconnectUser.
func (r *Registry) CountConnections(origin string) func() int {
	return func() int {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.byOrigin[origin])
	}
}

// Conn is one socket's Socket Authentication State Machine instance.
type Conn struct {
	mu sync.Mutex

	state  State
	userID string
	origin string
	token  string
	payload tokencodec.Token
	creation time.Time

	authTimeout *time.Timer

	pendingOldToken string
	pendingOldExp   time.Time

	transport  Transport
	manager    *usersession.Manager
	codec      *tokencodec.Codec
	revocation *revocation.Store
	registry   *Registry
	opts       Options
}

// NewConn constructs a Conn in state UNAUTH.
func NewConn(transport Transport, manager *usersession.Manager, codec *tokencodec.Codec, revocationStore *revocation.Store, registry *Registry, opts Options) *Conn {
	return &Conn{
		state:      StateUnauth,
		transport:  transport,
		manager:    manager,
		codec:      codec,
		revocation: revocationStore,
		registry:   registry,
		opts:       opts.withDefaults(),
	}
}

// Origin returns the Local Session origin this socket authenticated onto,
// or "" before initNewConnection has completed. Satisfies usersession.Socket.
func (c *Conn) Origin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// Identity returns the decoded identity of this socket's current token.
// Satisfies usersession.Socket.
func (c *Conn) Identity() usersession.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := usersession.Identity{UserID: c.payload.ID, Claims: c.payload.Claims}
	if c.opts.GetTenantId != nil {
		id.TenantID, _ = c.opts.GetTenantId(c.payload)
	}
	return id
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID reports the socket's bound user id, or "" before any authenticate.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OnConnect arms the authentication deadline (spec §4.F UNAUTH).
func (c *Conn) OnConnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authTimeout = time.AfterFunc(c.opts.AuthTimeout, func() {
		c.mu.Lock()
		stillUnauth := c.state == StateUnauth
		c.mu.Unlock()
		if stillUnauth {
			_ = c.transport.Close(ctx, CodeUnauthorized)
		}
	})
}

func (c *Conn) clearAuthTimeoutLocked() {
	if c.authTimeout != nil {
		c.authTimeout.Stop()
		c.authTimeout = nil
	}
}

// Authenticate implements spec §4.F's authenticate transition.
func (c *Conn) Authenticate(ctx context.Context, data v1.AuthenticatePayload) error {
	c.mu.Lock()
	c.clearAuthTimeoutLocked()
	userID := c.userID
	c.mu.Unlock()

	tok, err := c.codec.Verify(data.Token)
	if err != nil {
		return c.fail(ctx, CodeInvalidToken)
	}

	revoked, err := c.revocation.IsRevoked(ctx, data.Token)
	if err != nil {
		// I4: unknown must never be treated as accepted.
		return c.fail(ctx, CodeRevokedToken)
	}
	if revoked {
		return c.fail(ctx, CodeRevokedToken)
	}

	switch {
	case userID == "":
		c.mu.Lock()
		c.state = StateAuthPending
		c.mu.Unlock()
		return c.initNewConnection(ctx, data, tok)
	case userID == tok.ID:
		c.mu.Lock()
		c.state = StateRefreshing
		c.mu.Unlock()
		return c.maintainConnection(ctx, data, tok)
	default:
		return c.fail(ctx, CodeUnauthorizedToken)
	}
}

// initNewConnection implements spec §4.F initNewConnection.
func (c *Conn) initNewConnection(ctx context.Context, data v1.AuthenticatePayload, tok tokencodec.Token) error {
	c.mu.Lock()
	c.userID = tok.ID
	c.mu.Unlock()

	if data.Origin != "" {
		for _, other := range c.registry.OthersAt(data.Origin, c) {
			if other.UserID() != tok.ID {
				other.emitUnauthorized(ctx, CodeWrongUser)
			}
		}
	}

	var tenantID string
	if c.opts.GetTenantId != nil {
		tid, ok := c.opts.GetTenantId(tok)
		if !ok || tid == "" {
			return c.fail(ctx, CodeUnknownTenant)
		}
		tenantID = tid
	}

	var (
		newToken   string
		newPayload tokencodec.Token
		oldToken   string
		oldExp     time.Time
	)

	if tok.IsAuthCode() {
		oldToken = data.Token
		oldExp = time.Unix(tok.ExpiresAt, 0)
		signed, mutated, err := c.refreshToken(tok, tenantID)
		if err != nil {
			return c.fail(ctx, CodeActiveSessionDurationDecreased)
		}
		newToken, newPayload = signed, mutated
	} else {
		clusterOrigin := data.Origin
		if clusterOrigin == "" {
			clusterOrigin = data.Token
		}
		if c.opts.ClusterEnabled {
			active, err := c.manager.HasActiveClusterSession(ctx, clusterOrigin)
			if err != nil || !active {
				return c.fail(ctx, CodeInactiveSessionTimeoutOrNotFound)
			}
		}
		newToken, newPayload = data.Token, tok
	}

	origin := data.Origin
	if origin == "" {
		origin = newToken
	}

	c.mu.Lock()
	c.origin = origin
	c.token = newToken
	c.payload = newPayload
	c.creation = time.Now()
	c.state = StateActive
	c.pendingOldToken = oldToken
	c.pendingOldExp = oldExp
	c.mu.Unlock()

	c.registry.Add(origin, c)

	identity := usersession.Identity{UserID: newPayload.ID, TenantID: tenantID, Claims: newPayload.Claims}
	if err := c.manager.ConnectUser(ctx, c.opts.ClusterEnabled, origin, identity, c.registry.CountConnections(origin)); err != nil {
		return c.fail(ctx, CodeInactiveSessionTimeoutOrNotFound)
	}

	return c.transport.Send(ctx, v1.TypeAuthenticated, v1.AuthenticatedPayload{Token: newToken})
}

// AckAuthenticated completes initNewConnection's ack contract: revokes the
// old auth-code token once the client has confirmed receipt of the new one
// (spec §4.F "on ack, if a distinct oldToken existed, call A.revoke").
//
// Go has no implicit promise-style ack callback, so the application's
// transport layer must call this explicitly once it observes the client's
// acknowledgement of the authenticated envelope.
func (c *Conn) AckAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	oldToken := c.pendingOldToken
	oldExp := c.pendingOldExp
	current := c.token
	c.pendingOldToken = ""
	c.mu.Unlock()

	if oldToken == "" || oldToken == current {
		return nil
	}
	return c.revocation.Revoke(ctx, oldToken, oldExp)
}

// maintainConnection implements spec §4.F maintainConnection: a reconnect
// presenting a still-valid, already-bound token (jti>=1) mints a refreshed
// token and, per I5/P1, the presented token must become revoked once the
// ack confirms the client has the new one — same ack contract as
// initNewConnection's auth-code branch, so the old token is stashed into
// pendingOldToken/pendingOldExp here too.
func (c *Conn) maintainConnection(ctx context.Context, data v1.AuthenticatePayload, tok tokencodec.Token) error {
	c.mu.Lock()
	origin := c.origin
	c.mu.Unlock()

	if origin == "" {
		// O1: an in-flight initNewConnection hasn't finished; defer silently.
		return nil
	}

	if c.opts.ClusterEnabled {
		active, err := c.manager.HasActiveClusterSession(ctx, origin)
		if err != nil || !active {
			c.manager.Logout(ctx, origin, usersession.ReasonSessionTimeout)
			return c.fail(ctx, CodeInactiveSessionTimeoutOrNotFound)
		}
	}

	var tenantID string
	if c.opts.GetTenantId != nil {
		tenantID, _ = c.opts.GetTenantId(tok)
	}

	oldToken := data.Token
	oldExp := time.Unix(tok.ExpiresAt, 0)

	newToken, newPayload, err := c.refreshToken(tok, tenantID)
	if err != nil {
		c.manager.Logout(ctx, origin, usersession.ReasonSessionTimeout)
		return c.fail(ctx, CodeActiveSessionDurationDecreased)
	}

	c.mu.Lock()
	c.token = newToken
	c.payload = newPayload
	c.state = StateActive
	c.pendingOldToken = oldToken
	c.pendingOldExp = oldExp
	c.mu.Unlock()

	for _, sibling := range c.registry.OthersAt(origin, c) {
		sibling.propagateToken(ctx, newToken, newPayload)
	}

	return c.transport.Send(ctx, v1.TypeAuthenticated, v1.AuthenticatedPayload{Token: newToken})
}

func (c *Conn) propagateToken(ctx context.Context, token string, payload tokencodec.Token) {
	c.mu.Lock()
	c.token = token
	c.payload = payload
	c.mu.Unlock()
	_ = c.transport.Send(ctx, v1.TypeAuthenticated, v1.AuthenticatedPayload{Token: token})
}

// refreshToken implements spec §4.F refreshToken.
func (c *Conn) refreshToken(old tokencodec.Token, tenantID string) (string, tokencodec.Token, error) {
	next := old
	next.JTI = old.JTI + 1
	next.DurSecs = int64(c.opts.TokenRefreshIntervalInMins) * 60

	tenantMaxSecs := int64(c.manager.GetTenantMaximumActiveSessionTimeoutInMins(tenantID)) * 60

	var (
		signed  string
		mutated tokencodec.Token
		err     error
	)
	if old.ExpiresAt-old.IssuedAt != tenantMaxSecs {
		signed, mutated, err = c.codec.Sign(next, time.Duration(tenantMaxSecs)*time.Second, true)
	} else {
		next.IssuedAt = old.IssuedAt
		next.ExpiresAt = old.ExpiresAt
		signed, mutated, err = c.codec.Sign(next, 0, false)
	}
	if err != nil {
		return "", tokencodec.Token{}, err
	}
	if mutated.ExpiresAt < time.Now().Unix() {
		return "", tokencodec.Token{}, errAuthFailure
	}
	return signed, mutated, nil
}

// Logout implements spec §4.F logout: ignored if origin is unset, else
// requests G to log out the origin with reason user_logged_out.
func (c *Conn) Logout(ctx context.Context) {
	c.mu.Lock()
	origin := c.origin
	c.mu.Unlock()
	if origin == "" {
		return
	}
	c.manager.Logout(ctx, origin, usersession.ReasonUserLoggedOut)
}

// Disconnect implements spec §4.F disconnect: clears pending timeouts and
// notifies G.
func (c *Conn) Disconnect(ctx context.Context) {
	c.mu.Lock()
	c.clearAuthTimeoutLocked()
	origin := c.origin
	c.state = StateClosed
	c.mu.Unlock()

	if origin == "" {
		return
	}
	c.registry.Remove(origin, c)
	c.manager.DisconnectUser(origin, c.registry.CountConnections(origin))
}

// fail delivers an unauthorized envelope and closes the socket, matching
// spec §4.F's blanket failure contract.
func (c *Conn) fail(ctx context.Context, code string) error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	_ = c.transport.Send(ctx, v1.TypeUnauthorized, v1.UnauthorizedPayload{
		Message: code,
		Data:    v1.UnauthorizedData{Code: code, Type: "UnauthorizedError"},
	})
	_ = c.transport.Close(ctx, code)
	return errAuthFailure
}

// emitUnauthorized closes a sibling socket out-of-band, e.g. on wrong_user.
func (c *Conn) emitUnauthorized(ctx context.Context, code string) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.transport.Send(ctx, v1.TypeUnauthorized, v1.UnauthorizedPayload{
		Message: code,
		Data:    v1.UnauthorizedData{Code: code, Type: "UnauthorizedError"},
	})
	_ = c.transport.Close(ctx, code)
}

func (c *Conn) emitLoggedOut(ctx context.Context, reason string) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.transport.Send(ctx, v1.TypeLoggedOut, v1.LoggedOutPayload{Reason: reason})
}

// WireDestroyListener registers a usersession destroy listener that revokes
// every socket-bound token at the destroyed Local Session's origin and
// emits logged_out to those sockets — the half of spec §4.G step 6 ("revoke
// every socket-bound token at that origin via A... emit logged_out(reason)
// to those sockets") that only the transport layer can perform, since the
// Manager itself never holds a raw token. The returned func deregisters it.
func WireDestroyListener(manager *usersession.Manager, registry *Registry, revocationStore *revocation.Store) func() {
	return manager.OnLocalUserSessionDestroy(func(s usersession.LocalSession, reason usersession.DestroyReason) {
		ctx := context.Background()
		for _, conn := range registry.OthersAt(s.Origin, nil) {
			conn.mu.Lock()
			token := conn.token
			exp := time.Unix(conn.payload.ExpiresAt, 0)
			conn.mu.Unlock()
			if token != "" {
				_ = revocationStore.Revoke(ctx, token, exp)
			}
			conn.emitLoggedOut(ctx, string(reason))
		}
		registry.Clear(s.Origin)
	})
}
