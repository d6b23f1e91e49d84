package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.AuthSecret)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "main-branch", cfg.DefaultBranchID)
	require.Equal(t, 5*time.Minute, cfg.RecipeCacheTTL)
	require.Equal(t, 30*time.Second, cfg.OrderLockTTL)
	require.Equal(t, 8, cfg.PreflightConcurrency)
	require.Equal(t, ":8080", cfg.Address())
}

func TestLoadOverridesAndClamps(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RECIPE_CACHE_TTL", "45s")
	t.Setenv("PREFLIGHT_CONCURRENCY", "0")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Address())
	require.Equal(t, 45*time.Second, cfg.RecipeCacheTTL)
	require.Equal(t, 1, cfg.PreflightConcurrency)
	require.Equal(t, "padded-secret", cfg.AuthSecret)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("ORDER_LOCK_TTL", "soon")
	_, err := Load()
	require.Error(t, err)
}
