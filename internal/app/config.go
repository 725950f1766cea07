package app

import "time"

// Config contains all runtime configuration loaded from environment variables,
// plus the factory options spec §6 requires (secret, timeouts, tenant
// defaults). Hooks that are genuinely per-deployment (claim, findUserByCredentials,
// onLogin, register, restUrl, appUrl, getTenantId) are wired separately in
// internal/authhttp.Options since they are Go function values, not env-representable.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Strict CORS allowlist for browser clients.
	//
	// Rules:
	// - exact origin: "https://app.example.com"
	// - wildcard port: "http://localhost:*"
	// - wildcard all: "*" (not recommended with credentials)
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, ZERV_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) or startup fails.
	RequireTokenHMAC bool

	// ClusterEnabled selects the Cache Facade's Redis-backed implementation
	// (component B); mirrors spec §6's REDIS_ENABLED.
	ClusterEnabled bool
	RedisHost      string
	RedisPort      int

	// NodeEnv suffixes the local cache's persistence file name (spec §6).
	NodeEnv string

	// TokenSecret is the shared HMAC signing key for the Token Verifier/Signer
	// (component E) when not supplied programmatically: ZERV_TOKEN_SECRET,
	// falling back to ZERV_TOKEN_HMAC_KEY when that is unset.
	TokenSecret string

	// CodeExpiresInSecs is the authorization-code lifetime (spec §6, default 5).
	CodeExpiresInSecs int
	// TokenRefreshIntervalInMins is the advisory "dur" claim (spec §6, default 1440).
	TokenRefreshIntervalInMins int
	// AuthTimeout is the socket authenticate-or-die deadline (spec §6, default 5s).
	AuthTimeout time.Duration
	// InactiveLocalUserSessionTimeout is the local-session GC sweep period (spec §6, default 5m).
	InactiveLocalUserSessionTimeout time.Duration
	// MaxActiveSessionTimeoutInMins is the fallback tenant ceiling
	// (ZERV_MAX_ACTIVE_SESSION_TIMEOUT_IN_MINS, spec §6, default 720).
	MaxActiveSessionTimeoutInMins int
	// MaxHTTPBufferSize bounds request/message body size (spec §6, default ~100MB).
	MaxHTTPBufferSize int64

	// OrphanSweepEnabled toggles the optional cluster orphan sweep (DESIGN.md
	// Open Question #3); disabled by default.
	OrphanSweepEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	corsDefault := "http://localhost:*,http://127.0.0.1:*"
	corsRaw := EnvString("ZERV_HTTP_CORS_ALLOWED_ORIGINS", "")
	if corsRaw == "" {
		corsRaw = EnvString("ZERV_CORS_ALLOWED_ORIGINS", corsDefault)
	}

	return Config{
		HTTPAddr:  EnvString("ZERV_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ZERV_LOG_LEVEL", "info"),
		LogFormat: EnvString("ZERV_LOG_FORMAT", "auto"),

		ReadHeaderTimeout: EnvDuration("ZERV_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ZERV_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ZERV_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ZERV_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ZERV_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("ZERV_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ZERV_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ZERV_DB_MIN_CONNS", 0),

		CORSAllowedOrigins:   parseCSV(corsRaw),
		CORSAllowCredentials: EnvBool("ZERV_HTTP_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("ZERV_HTTP_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("ZERV_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("ZERV_REQUIRE_TOKEN_HMAC", false),

		ClusterEnabled: EnvBool("REDIS_ENABLED", false),
		RedisHost:      EnvString("REDIS_HOST", "127.0.0.1"),
		RedisPort:      EnvInt("REDIS_PORT", 6379),

		NodeEnv: EnvString("NODE_ENV", "development"),

		TokenSecret: EnvString("ZERV_TOKEN_SECRET", EnvString("ZERV_TOKEN_HMAC_KEY", "")),

		CodeExpiresInSecs:               EnvInt("ZERV_CODE_EXPIRES_IN_SECS", 5),
		TokenRefreshIntervalInMins:      EnvInt("ZERV_TOKEN_REFRESH_INTERVAL_MINS", 1440),
		AuthTimeout:                     EnvDuration("ZERV_AUTH_TIMEOUT", 5*time.Second),
		InactiveLocalUserSessionTimeout: EnvDuration("ZERV_INACTIVE_LOCAL_SESSION_TIMEOUT", 5*time.Minute),
		MaxActiveSessionTimeoutInMins:   EnvInt("ZERV_MAX_ACTIVE_SESSION_TIMEOUT_IN_MINS", 12*60),
		MaxHTTPBufferSize:               int64(EnvInt("ZERV_MAX_HTTP_BUFFER_SIZE", 100<<20)),

		OrphanSweepEnabled: EnvBool("ZERV_ORPHAN_SWEEP_ENABLED", false),
	}
}
