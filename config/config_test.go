package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ffs/balance-engine/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(nil, envOf(map[string]string{"JWT_SECRET": "s3cret"}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "balance.db", cfg.DatabaseURL)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Equal(t, 3, cfg.MaxConflictRetries)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.AutoRefund)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_EnvironmentThenFlags(t *testing.T) {
	env := envOf(map[string]string{
		"PORT":                   "9000",
		"DB_DRIVER":              "pgx",
		"DATABASE_URL":           "postgres://localhost/ffs",
		"DEV_AUTH":               "true",
		"CORS_ORIGINS":           "https://app.example, http://localhost:5173 ,",
		"SCHEDULER_INTERVAL":     "15m",
		"SCHEDULER_AUTO_REFUND":  "1",
		"ALLOW_OVERDRAFT_SHARED": "true",
		"MAX_CONFLICT_RETRIES":   "5",
		"LOG_LEVEL":              "debug",
	})

	cfg, err := config.Load([]string{"-port", "9100", "-max-conflict-retries=0"}, env)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port, "flags win over the environment")
	assert.Equal(t, 0, cfg.MaxConflictRetries)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.True(t, cfg.DevAuth)
	assert.Equal(t, []string{"https://app.example", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerInterval)
	assert.True(t, cfg.AutoRefund)
	assert.True(t, cfg.AllowOverdraftShared)
	assert.False(t, cfg.AllowOverdraftRecurrent)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no secret outside dev mode", map[string]string{}},
		{"unknown driver", map[string]string{"DEV_AUTH": "true", "DB_DRIVER": "mysql"}},
		{"malformed int", map[string]string{"DEV_AUTH": "true", "PORT": "eighty"}},
		{"malformed duration", map[string]string{"DEV_AUTH": "true", "SCHEDULER_INTERVAL": "hourly"}},
		{"negative retries", map[string]string{"DEV_AUTH": "true", "MAX_CONFLICT_RETRIES": "-1"}},
		{"bad log level", map[string]string{"DEV_AUTH": "true", "LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(nil, envOf(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	// A missing file is fine.
	require.NoError(t, config.LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FFS_TEST_FROM_FILE=from-file\nFFS_TEST_PRESET=from-file\n"), 0o600))
	t.Setenv("FFS_TEST_PRESET", "from-env")
	t.Setenv("FFS_TEST_FROM_FILE", "")
	os.Unsetenv("FFS_TEST_FROM_FILE")

	require.NoError(t, config.LoadEnvFile(path))

	assert.Equal(t, "from-file", os.Getenv("FFS_TEST_FROM_FILE"))
	assert.Equal(t, "from-env", os.Getenv("FFS_TEST_PRESET"), "the environment wins over the file")
}
