package usersession

import (
	"context"
	"testing"
	"time"

	"zerv/internal/cache"
)

type stubRevocation struct{}

func (stubRevocation) Revoke(ctx context.Context, token string, exp time.Time) error { return nil }

func newTestManager() *Manager {
	return New(Config{ServerID: "srv-1", MaxActiveSessionTimeoutInMins: 60}, cache.NewLocalFacade(""), stubRevocation{}, nil)
}

func TestConnectUserCreatesLocalSessionAndMarksActive(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	err := m.ConnectUser(ctx, false, "origin-1", Identity{UserID: "u1", TenantID: "t1"}, func() int { return 1 })
	if err != nil {
		t.Fatalf("ConnectUser: %v", err)
	}

	if !m.IsLocalUserSession("origin-1") {
		t.Fatal("expected origin-1 to be a local session")
	}
	if got := m.CountLocalSessionsByUserId("u1"); got != 1 {
		t.Fatalf("CountLocalSessionsByUserId=%d want 1", got)
	}
}

func TestDisconnectUserMarksInactive(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	_ = m.ConnectUser(ctx, false, "origin-1", Identity{UserID: "u1"}, func() int { return 1 })
	m.DisconnectUser("origin-1", func() int { return 0 })

	if got := m.CountLocalSessionsByUserId("u1"); got != 0 {
		t.Fatalf("CountLocalSessionsByUserId=%d want 0 after disconnect", got)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	_ = m.ConnectUser(ctx, false, "origin-1", Identity{UserID: "u1"}, func() int { return 1 })

	var destroyed int
	m.OnLocalUserSessionDestroy(func(s LocalSession, reason DestroyReason) { destroyed++ })

	m.Logout(ctx, "origin-1", ReasonUserLoggedOut)
	m.Logout(ctx, "origin-1", ReasonUserLoggedOut) // R2: idempotent after the first

	if destroyed != 1 {
		t.Fatalf("destroy listener fired %d times, want 1", destroyed)
	}
	if m.IsLocalUserSession("origin-1") {
		t.Fatal("origin-1 should no longer be a local session")
	}
}

func TestTenantMaxActiveTimeoutFallsBackToDefault(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	if got := m.GetTenantMaximumActiveSessionTimeoutInMins("unset-tenant"); got != 60 {
		t.Fatalf("default fallback=%d want 60", got)
	}

	m.SetTenantMaximumActiveSessionTimeout("t1", 30)
	if got := m.GetTenantMaximumActiveSessionTimeoutInMins("t1"); got != 30 {
		t.Fatalf("override=%d want 30", got)
	}

	// Out-of-range override falls back to default (spec §4.G tenant accessor).
	m.SetTenantMaximumActiveSessionTimeout("t2", 0)
	if got := m.GetTenantMaximumActiveSessionTimeoutInMins("t2"); got != 60 {
		t.Fatalf("out-of-range override=%d want fallback 60", got)
	}
}

func TestGetClusterUserSessionReusesExistingForSameUser(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	first, err := m.getClusterUserSession(ctx, "origin-1", "u1", "t1")
	if err != nil {
		t.Fatalf("getClusterUserSession: %v", err)
	}
	second, err := m.getClusterUserSession(ctx, "origin-1", "u1", "t1")
	if err != nil {
		t.Fatalf("getClusterUserSession: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected reused cluster session, got distinct ids %s != %s", first.ID, second.ID)
	}
}

func TestGetClusterUserSessionSynthesizesFreshForDifferentUser(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	first, _ := m.getClusterUserSession(ctx, "origin-1", "u1", "t1")
	second, err := m.getClusterUserSession(ctx, "origin-1", "u2", "t1")
	if err != nil {
		t.Fatalf("getClusterUserSession: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected a fresh cluster session for a different owning user")
	}
	if second.UserID != "u2" {
		t.Fatalf("UserID=%q want u2", second.UserID)
	}
}

func TestSweepInactiveDestroysOnlyStaleInactiveSessions(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	if err := m.ConnectUser(ctx, false, "stale-origin", Identity{UserID: "u1"}, func() int { return 1 }); err != nil {
		t.Fatalf("ConnectUser stale: %v", err)
	}
	m.DisconnectUser("stale-origin", func() int { return 0 })
	m.mu.Lock()
	m.byOrigin["stale-origin"].LastUpdate = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	if err := m.ConnectUser(ctx, false, "fresh-origin", Identity{UserID: "u2"}, func() int { return 1 }); err != nil {
		t.Fatalf("ConnectUser fresh: %v", err)
	}
	m.DisconnectUser("fresh-origin", func() int { return 0 })

	m.sweepInactive(ctx, 5*time.Minute)

	if m.IsLocalUserSession("stale-origin") {
		t.Fatal("expected stale inactive session to be garbage collected")
	}
	if !m.IsLocalUserSession("fresh-origin") {
		t.Fatal("expected recently-inactive session to survive the sweep")
	}
}

func TestSweepClusterOrphansLogsOutSessionsMissingClusterRecord(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	ctx := context.Background()

	if err := m.ConnectUser(ctx, true, "orphan-origin", Identity{UserID: "u1", TenantID: "t1"}, func() int { return 1 }); err != nil {
		t.Fatalf("ConnectUser: %v", err)
	}
	if err := m.cache.Del(ctx, SessionKeyPrefix+"orphan-origin"); err != nil {
		t.Fatalf("Del cluster session: %v", err)
	}

	m.sweepClusterOrphans(ctx)

	if m.IsLocalUserSession("orphan-origin") {
		t.Fatal("expected local session with no backing cluster session to be logged out")
	}
	if _, present, _ := m.cache.Get(ctx, clusterOrphanCheckKey); !present {
		t.Fatal("expected sweep to record a last-checked timestamp")
	}
}
