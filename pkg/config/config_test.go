package config_test

import (
	"testing"
	"time"

	"github.com/openagents/control/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"PORT_CONTROL", "PORT_RUNTIME", "LOG_LEVEL", "DATABASE_URL",
		"SYNC_TOKEN_MIN_TTL_SECONDS", "KHALA_RETENTION_WINDOW", "MAINTENANCE_MODE_ENABLED",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.PortControl)
	assert.Equal(t, "8081", cfg.PortRuntime)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, 60*time.Second, cfg.SyncTokenMinTTL)
	assert.Equal(t, 500, cfg.KhalaRetentionWindow)
	assert.False(t, cfg.MaintenanceModeEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT_CONTROL", "9090")
	t.Setenv("KHALA_RETENTION_WINDOW", "1000")
	t.Setenv("MAINTENANCE_MODE_ENABLED", "true")
	t.Setenv("SYNC_TOKEN_SIGNING_KEYS", "k1:secretone,k2:secrettwo")
	t.Setenv("ADMIN_EMAILS", "a@example.com, b@example.com")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.PortControl)
	assert.Equal(t, 1000, cfg.KhalaRetentionWindow)
	assert.True(t, cfg.MaintenanceModeEnabled)
	assert.Equal(t, "secretone", cfg.SyncTokenSigningKeys["k1"])
	assert.Equal(t, "secrettwo", cfg.SyncTokenSigningKeys["k2"])
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, cfg.AdminEmails)
}
