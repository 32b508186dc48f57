package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadSyncConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadSyncConfig("ENGINE_TEST_DEFAULTS")
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MaxWorkers)
	require.Equal(t, 2*time.Minute, cfg.DrainTimeout)
	require.Equal(t, 25*time.Minute, cfg.TokenRefreshWindow)
	require.Equal(t, 3, cfg.PublishThreshold)
	require.Equal(t, 50, cfg.StatusInterval)
	require.Equal(t, 500*time.Millisecond, cfg.StateRateLimit)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadSyncConfigHonorsEnvOverride(t *testing.T) {
	t.Setenv("ENGINE_TEST_OVERRIDE_MAX_WORKERS", "25")
	t.Setenv("ENGINE_TEST_OVERRIDE_DATABASE_URL", "postgres://localhost/sync")

	cfg, err := LoadSyncConfig("ENGINE_TEST_OVERRIDE")
	require.NoError(t, err)
	require.Equal(t, 25, cfg.MaxWorkers)
	require.Equal(t, "postgres://localhost/sync", cfg.DatabaseURL)
}

func TestLoadSyncConfigRejectsNonPositiveMaxWorkers(t *testing.T) {
	t.Setenv("ENGINE_TEST_BADWORKERS_MAX_WORKERS", "0")

	_, err := LoadSyncConfig("ENGINE_TEST_BADWORKERS")
	require.Error(t, err)
}

func TestValidatorAccumulatesMultipleErrors(t *testing.T) {
	v := NewValidator()
	v.RequirePositiveInt("A", -1)
	v.RequirePositiveInt("B", 0)
	v.RequirePositiveInt("C", 1)

	require.False(t, v.IsValid())
	require.Len(t, v.Errors(), 2)
	require.Error(t, v.Validate())
}

func TestValidatorValidWhenNoViolations(t *testing.T) {
	v := NewValidator()
	v.RequirePositiveInt("A", 1)

	require.True(t, v.IsValid())
	require.Empty(t, v.ErrorString())
	require.NoError(t, v.Validate())
}
