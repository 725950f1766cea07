// Package usersession implements the User-Session Manager (spec §4.G): the
// Local/Cluster Session split, auto-logout scheduling, inactive-session GC,
// and the per-tenant active-timeout accessor.
//
// Grounded on the teacher's cmd/internal/auth/session/service.go (Service
// wrapping a Store, transactional rotation) generalized from a single
// Postgres-backed session row into the spec's in-memory Local Session plus
// a Cache-Facade-backed Cluster Session; the periodic inactive sweep is
// grounded on that file's pattern of a best-effort background maintenance
// task, and auto-logout scheduling reuses internal/longtimer.
package usersession

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"zerv/internal/cache"
	"zerv/internal/longtimer"
)

// SessionKeyPrefix is the cache key prefix Cluster Sessions are stored under
// (spec §6: "SESSION_<origin>").
const SessionKeyPrefix = "SESSION_"

const defaultMaxActiveMins = 12 * 60

// Identity is the cloned, decoded token payload a Local Session tracks.
type Identity struct {
	UserID   string
	TenantID string
	Claims   map[string]any
}

// LocalSession is a per-origin, per-instance session record (spec §3).
type LocalSession struct {
	ID                string
	Origin            string
	UserID            string
	Identity          Identity
	Creation          time.Time
	Revision          int
	LastUpdate        time.Time
	Active            bool
	Connections       int
	MaxActiveDuration time.Duration

	autoLogout *longtimer.Handle
}

// ClusterSession is the cluster-wide record for an origin (spec §3).
type ClusterSession struct {
	ID                string        `json:"id"`
	UserID            string        `json:"userId"`
	ClusterCreation   time.Time     `json:"clusterCreation"`
	MaxActiveDuration time.Duration `json:"maxActiveDuration"`
}

// DestroyReason names why a Local Session was torn down.
type DestroyReason string

const (
	ReasonUserLoggedOut   DestroyReason = "user_logged_out"
	ReasonSessionTimeout  DestroyReason = "session_timeout"
	ReasonGarbageCollected DestroyReason = "garbage_collected"
)

// DestroyListener is notified whenever a Local Session owned by this
// instance is torn down.
type DestroyListener func(s LocalSession, reason DestroyReason)

// Socket is the minimal view onto a transport connection Manager needs: its
// origin key and decoded identity. authsm.Conn satisfies this.
type Socket interface {
	Origin() string
	Identity() Identity
}

// Publisher broadcasts cross-instance events (spec §4.G step 6/7) and is
// implemented by the application's cluster pub/sub transport. A nil
// Publisher makes every broadcast a local no-op (single-instance mode).
type Publisher interface {
	PublishLoggedOut(origin string, reason DestroyReason, serverID string)
	PublishSessionSync(sessions []LocalSession)
}

// RevocationStore is the subset of Component A the Manager needs to revoke
// socket-bound tokens on logout.
type RevocationStore interface {
	Revoke(ctx context.Context, token string, exp time.Time) error
}

// Manager implements the Local Session map, the Cluster Session bridge, and
// the logout/auto-logout/GC lifecycle (spec §4.G).
type Manager struct {
	cache      cache.Facade
	revocation RevocationStore
	publisher  Publisher
	serverID   string

	defaultMaxActiveMins int

	mu       sync.RWMutex
	byOrigin map[string]*LocalSession
	tenantMax map[string]int

	listenersMu sync.Mutex
	listeners   []DestroyListener
}

// Config carries the Manager's construction-time options.
type Config struct {
	ServerID                        string
	MaxActiveSessionTimeoutInMins   int
	InactiveLocalUserSessionTimeout time.Duration
}

// New constructs a Manager bound to the given Cache Facade, revocation
// store, and (optional) cross-instance Publisher.
func New(cfg Config, c cache.Facade, revocation RevocationStore, publisher Publisher) *Manager {
	maxMins := cfg.MaxActiveSessionTimeoutInMins
	if maxMins <= 0 {
		maxMins = defaultMaxActiveMins
	}
	return &Manager{
		cache:                c,
		revocation:           revocation,
		publisher:            publisher,
		serverID:             cfg.ServerID,
		defaultMaxActiveMins: maxMins,
		byOrigin:             make(map[string]*LocalSession),
		tenantMax:            make(map[string]int),
	}
}

// GetServerInstanceId returns this instance's identity, used to tag
// broadcast events (spec §4.G).
func (m *Manager) GetServerInstanceId() string { return m.serverID }

// SetTenantMaximumActiveSessionTimeout overrides the per-tenant active
// session ceiling, in minutes.
func (m *Manager) SetTenantMaximumActiveSessionTimeout(tenantID string, mins int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantMax[tenantID] = mins
}

// GetTenantMaximumActiveSessionTimeoutInMins returns the per-tenant override
// if set and within [1, defaultMax], else the configured default (spec
// §4.G).
func (m *Manager) GetTenantMaximumActiveSessionTimeoutInMins(tenantID string) int {
	m.mu.RLock()
	v, ok := m.tenantMax[tenantID]
	m.mu.RUnlock()
	if ok && v >= 1 && v <= m.defaultMaxActiveMins {
		return v
	}
	return m.defaultMaxActiveMins
}

// OnLocalUserSessionDestroy registers cb to be notified whenever a Local
// Session owned by this instance is torn down. The returned func removes it.
func (m *Manager) OnLocalUserSessionDestroy(cb DestroyListener) (off func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, cb)
	idx := len(m.listeners) - 1
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		if idx < len(m.listeners) {
			m.listeners[idx] = nil
		}
	}
}

func (m *Manager) notifyDestroy(s LocalSession, reason DestroyReason) {
	m.listenersMu.Lock()
	cbs := append([]DestroyListener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(s, reason)
		}
	}
}

// IsLocalUserSession reports whether origin names a session owned by this
// instance (decided polarity: non-inverted, see DESIGN.md Open Question 1).
func (m *Manager) IsLocalUserSession(origin string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byOrigin[origin]
	return ok
}

// CountLocalSessionsByUserId implements P4: the number of active Local
// Sessions owned by userID.
func (m *Manager) CountLocalSessionsByUserId(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.byOrigin {
		if s.UserID == userID && s.Active {
			n++
		}
	}
	return n
}

// GetLocalUserSessions returns a snapshot of every Local Session on this
// instance.
func (m *Manager) GetLocalUserSessions() []LocalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LocalSession, 0, len(m.byOrigin))
	for _, s := range m.byOrigin {
		out = append(out, *s)
	}
	return out
}

// ConnectUser implements spec §4.G step 1: find-or-create the Local Session
// for socket's origin, bridge to the Cluster Session, and bump connection
// accounting.
func (m *Manager) ConnectUser(ctx context.Context, clusterEnabled bool, origin string, identity Identity, countConnections func() int) error {
	m.mu.Lock()
	local, exists := m.byOrigin[origin]
	isNew := !exists || local.UserID != identity.UserID
	if isNew {
		local = &LocalSession{
			ID:       newSessionID(),
			Origin:   origin,
			UserID:   identity.UserID,
			Identity: identity,
			Creation: time.Now(),
			Revision: 0,
		}
		m.byOrigin[origin] = local
	}
	m.mu.Unlock()

	var maxActive time.Duration
	var clusterCreation time.Time
	if clusterEnabled {
		cs, err := m.getClusterUserSession(ctx, origin, identity.UserID, identity.TenantID)
		if err != nil {
			return err
		}
		maxActive = cs.MaxActiveDuration
		clusterCreation = cs.ClusterCreation
	} else {
		mins := m.GetTenantMaximumActiveSessionTimeoutInMins(identity.TenantID)
		maxActive = time.Duration(mins) * time.Minute
		clusterCreation = local.Creation
	}

	m.mu.Lock()
	local.Revision++
	local.LastUpdate = time.Now()
	local.MaxActiveDuration = maxActive
	n := 0
	if countConnections != nil {
		n = countConnections()
	}
	local.Connections = n
	local.Active = n > 0
	m.mu.Unlock()

	if isNew {
		m.scheduleAutoLogout(local, clusterCreation, maxActive)
	}
	return nil
}

// getClusterUserSession implements spec §4.G step 2.
func (m *Manager) getClusterUserSession(ctx context.Context, origin, userID, tenantID string) (ClusterSession, error) {
	var existing ClusterSession
	found, err := cache.GetObject(ctx, m.cache, SessionKeyPrefix+origin, &existing)
	if err != nil {
		return ClusterSession{}, err
	}
	if found && existing.UserID == userID {
		return existing, nil
	}

	mins := m.GetTenantMaximumActiveSessionTimeoutInMins(tenantID)
	fresh := ClusterSession{
		ID:                newSessionID(),
		UserID:            userID,
		ClusterCreation:   time.Now(),
		MaxActiveDuration: time.Duration(mins) * time.Minute,
	}
	if err := cache.SetExObject(ctx, m.cache, SessionKeyPrefix+origin, fresh, fresh.MaxActiveDuration); err != nil {
		return ClusterSession{}, err
	}
	return fresh, nil
}

// scheduleAutoLogout implements spec §4.G step 3.
func (m *Manager) scheduleAutoLogout(local *LocalSession, clusterCreation time.Time, maxActive time.Duration) {
	remaining := time.Until(clusterCreation.Add(maxActive))
	if remaining <= 0 {
		m.Logout(context.Background(), local.Origin, ReasonSessionTimeout)
		return
	}
	handle := longtimer.Set(func() {
		m.Logout(context.Background(), local.Origin, ReasonSessionTimeout)
	}, remaining, longtimer.Max)

	m.mu.Lock()
	if s, ok := m.byOrigin[local.Origin]; ok && s == local {
		s.autoLogout = handle
	}
	m.mu.Unlock()
}

// DisconnectUser implements spec §4.G step 4.
func (m *Manager) DisconnectUser(origin string, countConnections func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	local, ok := m.byOrigin[origin]
	if !ok {
		return
	}
	n := 0
	if countConnections != nil {
		n = countConnections()
	}
	local.Connections = n
	local.Active = n > 0
	local.LastUpdate = time.Now()
}

// Logout implements spec §4.G step 6 (logoutLocally, broadcast, idempotent
// per R2: a second call on an already-absent origin is a no-op).
func (m *Manager) Logout(ctx context.Context, origin string, reason DestroyReason) {
	local := m.logoutLocally(ctx, origin, reason)
	if local == nil {
		return
	}
	if m.publisher != nil {
		m.publisher.PublishLoggedOut(origin, reason, m.serverID)
	}
}

// OnRemoteLogout handles a USER_SESSION_LOGGED_OUT event received from a
// peer instance: logoutLocally only, never re-broadcast (spec §4.G step 6).
func (m *Manager) OnRemoteLogout(ctx context.Context, origin string, reason DestroyReason, originServerID string) {
	if originServerID == m.serverID {
		return
	}
	m.logoutLocally(ctx, origin, reason)
}

func (m *Manager) logoutLocally(ctx context.Context, origin string, reason DestroyReason) *LocalSession {
	m.mu.Lock()
	local, ok := m.byOrigin[origin]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	local.Active = false
	if local.autoLogout != nil {
		local.autoLogout.Clear()
	}
	delete(m.byOrigin, origin)
	m.mu.Unlock()

	m.notifyDestroy(*local, reason)
	_ = m.cache.Del(ctx, SessionKeyPrefix+origin)
	return local
}

// HasActiveClusterSession reports whether a Cluster Session currently exists
// for origin, used by Component F's initNewConnection to validate a
// refresh-token (jti>=1) presented without a fresh auth code.
func (m *Manager) HasActiveClusterSession(ctx context.Context, origin string) (bool, error) {
	var existing ClusterSession
	found, err := cache.GetObject(ctx, m.cache, SessionKeyPrefix+origin, &existing)
	if err != nil {
		return false, err
	}
	return found, nil
}

// RevokeAndRemove revokes token (delegated to Component A) as part of a
// logout's socket teardown. Kept separate from Logout so authsm can revoke
// per-socket tokens at the origin while the Manager owns only the session
// bookkeeping.
func (m *Manager) RevokeAndRemove(ctx context.Context, token string, exp time.Time) error {
	return m.revocation.Revoke(ctx, token, exp)
}

// StartInactiveSessionSweep runs the Local Session inactive-GC sweep (spec
// §4.G step 5, invariant I3) every period until ctx is cancelled. This is
// mandatory housekeeping, not the optional cluster orphan sweep of spec.md
// §9 Open Question 3 — internal/app.Run starts it unconditionally.
func (m *Manager) StartInactiveSessionSweep(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepInactive(ctx, period)
			}
		}
	}()
}

// clusterOrphanCheckKey is the cluster key recording the last sweep time
// (spec §6: optional "CL_USER_SESSION_CHECK").
const clusterOrphanCheckKey = "CL_USER_SESSION_CHECK"

// StartClusterOrphanSweep runs the optional cluster-reconciliation sweep
// (spec.md §9 Open Question 3, decided: opt-in, disabled by default) every
// period until ctx is cancelled. Unlike StartInactiveSessionSweep, this
// checks each Local Session's backing Cluster Session for existence and
// logs out any whose Cluster Session has expired out from under it (e.g.
// crash-silent Redis TTL expiry) without the instance observing a destroy
// event — a reconciliation pass, not the mandatory per-instance GC.
func (m *Manager) StartClusterOrphanSweep(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepClusterOrphans(ctx)
			}
		}
	}()
}

func (m *Manager) sweepClusterOrphans(ctx context.Context) {
	m.mu.RLock()
	origins := make([]string, 0, len(m.byOrigin))
	for origin := range m.byOrigin {
		origins = append(origins, origin)
	}
	m.mu.RUnlock()

	for _, origin := range origins {
		active, err := m.HasActiveClusterSession(ctx, origin)
		if err != nil || active {
			continue
		}
		m.logoutLocally(ctx, origin, ReasonGarbageCollected)
	}

	_ = m.cache.Set(ctx, clusterOrphanCheckKey, time.Now().UTC().Format(time.RFC3339))
}

func (m *Manager) sweepInactive(ctx context.Context, inactiveTimeout time.Duration) {
	now := time.Now()
	m.mu.RLock()
	var stale []string
	for origin, s := range m.byOrigin {
		if !s.Active && now.Sub(s.LastUpdate) > inactiveTimeout {
			stale = append(stale, origin)
		}
	}
	m.mu.RUnlock()

	for _, origin := range stale {
		m.logoutLocally(ctx, origin, ReasonGarbageCollected)
	}
}

// PublishSync exposes the current Local Session set under the logical name
// "user-sessions.sync" (spec §4.G step 7), if a Publisher is configured.
func (m *Manager) PublishSync() {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishSessionSync(m.GetLocalUserSessions())
}

func newSessionID() string {
	return ulid.Make().String()
}
