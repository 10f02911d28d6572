package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, "pgx", cfg.DatabaseDriver)
	require.Equal(t, "memory", cfg.QueueBackend)
	require.Equal(t, "local", cfg.LockBackend)
	require.Equal(t, 15*time.Minute, cfg.AccessTTL)
	require.Equal(t, 3*time.Second, cfg.FeedCacheTTL)
	require.Equal(t, 200, cfg.FeedLimit)
	require.Empty(t, cfg.Admins)
	require.False(t, cfg.Production())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SLOTATTEND_DATABASE_DRIVER", "sqlite3")
	t.Setenv("SLOTATTEND_DATABASE_URL", "file:test.db")
	t.Setenv("SLOTATTEND_ACCESS_TTL", "5m")
	t.Setenv("SLOTATTEND_ADMINS", " Root@School.edu , ops@school.edu,")
	t.Setenv("SLOTATTEND_ALLOWED_DOMAIN", "School.EDU")
	t.Setenv("SLOTATTEND_PUBLIC_BASE_URL", "https://attend.school.edu/")
	t.Setenv("SLOTATTEND_QUEUE_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "sqlite3", cfg.DatabaseDriver)
	require.Equal(t, "file:test.db", cfg.DatabaseURL)
	require.Equal(t, 5*time.Minute, cfg.AccessTTL)
	require.Equal(t, []string{"root@school.edu", "ops@school.edu"}, cfg.Admins)
	require.Equal(t, "school.edu", cfg.AllowedDomain)
	require.Equal(t, "https://attend.school.edu", cfg.PublicBaseURL)
	require.Equal(t, "redis", cfg.QueueBackend)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("SLOTATTEND_QUEUE_BACKEND", "kafka")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsDevKeyInProduction(t *testing.T) {
	t.Setenv("SLOTATTEND_ENV", "production")
	_, err := Load()
	require.ErrorContains(t, err, "production")
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("SLOTATTEND_REFRESH_TTL", "forever")
	_, err := Load()
	require.Error(t, err)
}
