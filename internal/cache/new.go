package cache

import "fmt"

// Config selects and configures the Facade implementation.
type Config struct {
	ClusterEnabled bool
	RedisHost      string
	RedisPort      int

	// LocalPersistPath, if non-empty, enables the Local backend's throttled
	// file persistence (ignored when ClusterEnabled).
	LocalPersistPath string
}

// New selects the cluster (Redis) backend if cfg.ClusterEnabled, else the
// Local backend, per spec §4.B: "Selection is determined at call time: if
// the cluster client is configured... use it; else use local."
func New(cfg Config) Facade {
	if cfg.ClusterEnabled {
		return NewRedisFacade(cfg.RedisHost, cfg.RedisPort)
	}
	return NewLocalFacade(cfg.LocalPersistPath)
}

// LocalCacheFileName builds the per-environment local cache persistence file
// name, per spec §6 ("NODE_ENV — suffixes the local cache file name").
func LocalCacheFileName(dir, nodeEnv string) string {
	if dir == "" {
		dir = "."
	}
	return fmt.Sprintf("%s/zerv-cache.%s.json", dir, nodeEnv)
}
