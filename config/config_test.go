package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "STORE_DRIVER", "DB_PATH", "DATABASE_URL", "LOCK_TIMEOUT_MS", "STORAGE_RETRIES",
	"ACCOUNT_POLICY", "LOW_STOCK_THRESHOLD", "AUDIT_INTERVAL_S", "LOG_LEVEL", "LOG_FORMAT",
	"SHUTDOWN_TIMEOUT_S", "ENABLE_SCENARIOS",
}

func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func chdir(t *testing.T, dir string) {
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(prev) })
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	c := FromEnv()

	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, DriverSQLite, c.StoreDriver)
	assert.Equal(t, "tokenledger.db", c.DBPath)
	assert.Equal(t, 5*time.Second, c.LockTimeout)
	assert.Equal(t, 2, c.StorageRetries)
	assert.Equal(t, "auto", c.AccountPolicy)
	assert.Equal(t, 3, c.LowStockThreshold)
	assert.Equal(t, 5*time.Minute, c.AuditInterval)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, 30*time.Second, c.ShutdownTimeout)
	assert.NoError(t, c.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/tokens")
	t.Setenv("LOCK_TIMEOUT_MS", "250")
	t.Setenv("ACCOUNT_POLICY", "strict")
	t.Setenv("AUDIT_INTERVAL_S", "0")

	c := FromEnv()
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, DriverPostgres, c.StoreDriver)
	assert.Equal(t, 250*time.Millisecond, c.LockTimeout)
	assert.Equal(t, "strict", c.AccountPolicy)
	assert.Equal(t, time.Duration(0), c.AuditInterval)
	assert.False(t, c.EnableScenarios, "scenarios are off by default on postgres")
	assert.NoError(t, c.Validate())
}

func TestFromEnv_MalformedValuesFailValidation(t *testing.T) {
	// GIVEN: Numeric and boolean settings that do not parse
	// WHEN: Validating the resulting config
	// THEN: Each bad key is reported, and the defaults are kept meanwhile

	clearEnv(t)
	t.Setenv("LOCK_TIMEOUT_MS", "abc")
	t.Setenv("STORAGE_RETRIES", "x")
	t.Setenv("ENABLE_SCENARIOS", "maybe")

	c := FromEnv()
	assert.Equal(t, 5*time.Second, c.LockTimeout)
	assert.Equal(t, 2, c.StorageRetries)
	assert.True(t, c.EnableScenarios)

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `LOCK_TIMEOUT_MS: invalid integer "abc"`)
	assert.Contains(t, err.Error(), `STORAGE_RETRIES: invalid integer "x"`)
	assert.Contains(t, err.Error(), `ENABLE_SCENARIOS: invalid boolean "maybe"`)
}

func TestLoad_RejectsMalformedEnv(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("PORT", "eighty")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestFromEnv_ScenariosFlag(t *testing.T) {
	clearEnv(t)
	assert.True(t, FromEnv().EnableScenarios, "on by default for sqlite")

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("ENABLE_SCENARIOS", "true")
	assert.True(t, FromEnv().EnableScenarios)
}

func TestLoad_FlagsWinOverEnv(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9090")

	c, err := Load([]string{"-port", "3000", "-store", "memory"})
	require.NoError(t, err)
	assert.Equal(t, 3000, c.Port)
	assert.Equal(t, DriverMemory, c.StoreDriver)
	assert.Equal(t, ":3000", c.Addr())
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("LOW_STOCK_THRESHOLD")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOW_STOCK_THRESHOLD=7\n"), 0o600))
	chdir(t, dir)

	c, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 7, c.LowStockThreshold)
}

func TestValidate_CollectsErrors(t *testing.T) {
	c := FromEnv()
	c.StoreDriver = "postgres"
	c.DatabaseURL = ""
	c.AccountPolicy = "lenient"
	c.Port = 0

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "lenient")
	assert.Contains(t, err.Error(), "invalid port")
}
