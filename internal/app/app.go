// Package app wires the zerv server runtime: config, logging, the Cache
// Facade, the auth/session/RPC components, HTTP routes, and the realtime
// gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and
// behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"zerv/internal/activity"
	"zerv/internal/authhttp"
	"zerv/internal/authsm"
	"zerv/internal/cache"
	"zerv/internal/revocation"
	"zerv/internal/rpc"
	"zerv/internal/security/password"
	"zerv/internal/store"
	"zerv/internal/tokencodec"
	"zerv/internal/usersession"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the zerv server runtime: it owns HTTP server wiring and the
// realtime gateway's dependencies (components A-J, spec §4).
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	cache    cache.Facade
	sessions *usersession.Manager
	pub      *usersession.RedisPublisher

	gateway *Gateway
	auth    *authhttp.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	cacheFacade := cache.New(cache.Config{
		ClusterEnabled:   cfg.ClusterEnabled,
		RedisHost:        cfg.RedisHost,
		RedisPort:        cfg.RedisPort,
		LocalPersistPath: cache.LocalCacheFileName(".", cfg.NodeEnv),
	})

	revocationStore := revocation.New(cacheFacade)

	codec, err := tokencodec.New(cfg.TokenSecret)
	if err != nil {
		return nil, err
	}

	pool, dbEnabled, err := maybeConnectDB(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}

	var users store.UserStore
	var audit *store.AuditLog
	var st Store
	if dbEnabled {
		users = store.NewPostgresUserStore(pool, pwCfg, "zerv")
		audit = store.NewAuditLog(pool, log, "zerv")
		st = dbStore{pool: pool}
	} else {
		log.Info("db.disabled.inmemory_store")
		users = store.NewMemoryUserStore(pwCfg)
		audit = store.NewAuditLog(nil, log, "zerv")
		st = nopStore{}
	}

	var publisher *usersession.RedisPublisher
	var sessionPub usersession.Publisher
	if cfg.ClusterEnabled {
		publisher = usersession.NewRedisPublisher(cfg.RedisHost, cfg.RedisPort, "zerv:sessions", log)
		sessionPub = publisher
	}

	sessions := usersession.New(usersession.Config{
		ServerID:                        newRandomHex(6),
		MaxActiveSessionTimeoutInMins:   cfg.MaxActiveSessionTimeoutInMins,
		InactiveLocalUserSessionTimeout: cfg.InactiveLocalUserSessionTimeout,
	}, cacheFacade, revocationStore, sessionPub)

	registry := authsm.NewRegistry()
	authsm.WireDestroyListener(sessions, registry, revocationStore)

	authOpts := authsm.Options{
		AuthTimeout:                cfg.AuthTimeout,
		TokenRefreshIntervalInMins: cfg.TokenRefreshIntervalInMins,
		ClusterEnabled:             cfg.ClusterEnabled,
		GetTenantId: func(tok tokencodec.Token) (string, bool) {
			tid, ok := tok.Claims["tenantId"].(string)
			return tid, ok && tid != ""
		},
	}

	tracker := activity.NewTracker()
	dispatcher := rpc.New(tracker, newLoggingTxPublisher(log))

	gateway := NewGateway(log, sessions, codec, revocationStore, registry, authOpts, dispatcher, cfg.MaxHTTPBufferSize)

	base := runtimeBaseURL(cfg.HTTPAddr)
	wsBase := wsBaseURL(base)

	authHandler := authhttp.NewHandler(log, users, codec, revocationStore, audit, cacheFacade, authhttp.Options{
		CodeExpiresInSecs: cfg.CodeExpiresInSecs,
		Claim: func(u store.User) map[string]any {
			return map[string]any{
				"tenantId":  u.TenantID,
				"firstName": u.FirstName,
				"lastName":  u.LastName,
			}
		},
		RestURL: func(token string, _ store.User) string {
			return base + "/authorize?access_token=" + token
		},
		AppURL: func(token string, _ store.User) string {
			return wsBase + "/ws?access_token=" + token
		},
		LoginIPMax:             20,
		LoginIPWindow:          5 * time.Minute,
		LoginUserWindow:        15 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   5 * time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    30 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  2 * time.Hour,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		cache:     cacheFacade,
		sessions:  sessions,
		pub:       publisher,
		gateway:   gateway,
		auth:      authHandler,
	}, nil
}

// maybeConnectDB connects to Postgres when cfg.DatabaseURL is set, else
// reports dbEnabled=false so New falls back to in-memory persistence (the
// teacher's own no-DB dev-mode idiom).
func maybeConnectDB(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		return nil, false, nil
	}
	pool, err := store.NewPool(ctx, store.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return nil, false, err
	}
	log.Info("db.enabled.postgres_store")
	return pool, true, nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.auth)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithCORS(WithRequestLogging(mux, a.log), a.cfg, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Local Session inactive-GC (spec §4.G step 5 / I3) is mandatory
	// housekeeping and always runs; it is distinct from the optional
	// cluster orphan sweep gated by ZERV_ORPHAN_SWEEP_ENABLED below.
	go a.sessions.StartInactiveSessionSweep(ctx, nonZeroDuration(a.cfg.InactiveLocalUserSessionTimeout, 5*time.Minute))

	if a.cfg.OrphanSweepEnabled {
		go a.sessions.StartClusterOrphanSweep(ctx, nonZeroDuration(a.cfg.InactiveLocalUserSessionTimeout, 5*time.Minute))
	}
	if a.pub != nil {
		a.pub.Subscribe(ctx, a.sessions)
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "cluster_enabled", a.cfg.ClusterEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.pub != nil {
		_ = a.pub.Close()
	}
	if closer, ok := a.cache.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
