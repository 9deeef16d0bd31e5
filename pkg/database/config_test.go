package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_USER", "")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("DB_NAME", "")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "trunkline", cfg.User)
	assert.Equal(t, "trunkline", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_USER", "calls")
	t.Setenv("DB_PASSWORD", "hunter2")
	t.Setenv("DB_NAME", "calls_prod")
	t.Setenv("DB_SSLMODE", "require")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, "calls", cfg.User)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, "calls_prod", cfg.Database)
	assert.Equal(t, "require", cfg.SSLMode)

	assert.Contains(t, cfg.DSN(), "host=db.internal")
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestLoadConfigFromEnvBadPort(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")

	_, err := LoadConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DB_PORT")
}
