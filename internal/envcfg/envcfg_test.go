package envcfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, defaultMaxRequestBytes, cfg.MaxRequestBytes)
	assert.Equal(t, defaultMaxRoutes, cfg.MaxClientRoutes)
	assert.Equal(t, defaultMaxRoutes, cfg.MaxServerRoutes)
	assert.Equal(t, defaultOrphanTTL, cfg.OrphanTTL)
	assert.Equal(t, time.Duration(0), cfg.ClientTimeout)
	assert.False(t, cfg.PoolTrace)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PLEX_RPC_MAX_REQUEST_BYTES", "1024")
	t.Setenv("PLEX_RPC_MAX_CLIENT_ROUTES", "0")
	t.Setenv("PLEX_RPC_CLIENT_TIMEOUT_MS", "50")
	t.Setenv("PLEX_POOL_TRACE", "true")

	cfg := FromEnv()
	assert.Equal(t, 1024, cfg.MaxRequestBytes)
	assert.Equal(t, 0, cfg.MaxClientRoutes)
	assert.Equal(t, 50*time.Millisecond, cfg.ClientTimeout)
	assert.True(t, cfg.PoolTrace)
}

func TestFromEnvBadValueFallsBackToDefault(t *testing.T) {
	t.Setenv("PLEX_RPC_MAX_REQUEST_BYTES", "not-a-number")
	cfg := FromEnv()
	assert.Equal(t, defaultMaxRequestBytes, cfg.MaxRequestBytes)
}
