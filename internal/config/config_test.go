package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := GetStructuredConfig()
	require.NoError(t, err)

	assert.Equal(t, "bcrypt", cfg.App.HashScheme)
	assert.Equal(t, 12, cfg.App.BcryptCost)
	assert.Equal(t, BackendDynamo, cfg.Storage.Backend)
	assert.Equal(t, "accounts", cfg.Storage.Dynamo.Table)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_HASH_SCHEME", "argon2")
	t.Setenv("APP_ARGON2_MEMORY", "131072")
	t.Setenv("STORAGE_DYNAMO_ENDPOINT", "http://localhost:8000")
	t.Setenv("STORAGE_DYNAMO_READ_CAPACITY", "25")

	cfg, err := GetStructuredConfig()
	require.NoError(t, err)

	assert.Equal(t, "argon2", cfg.App.HashScheme)
	assert.Equal(t, uint32(131072), cfg.App.Argon2Memory)
	assert.Equal(t, "http://localhost:8000", cfg.Storage.Dynamo.Endpoint)
	assert.Equal(t, float64(25), cfg.Storage.Dynamo.ReadCapacity)
}

func TestPostgresBackendRequiresDSN(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := GetStructuredConfig()
	require.Error(t, err)

	t.Setenv("STORAGE_DB_DATABASE_URI", "postgres://localhost:5432/credvault")
	cfg, err := GetStructuredConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
}

func TestUnknownBackendRejected(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "cassandra")

	_, err := GetStructuredConfig()
	assert.Error(t, err)
}

func TestJSONFileMergedUnderEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	file := StructuredConfig{}
	file.Storage.Backend = BackendPostgres
	file.Storage.DB.DSN = "postgres://json-host:5432/credvault"
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("CONFIG", path)
	// Env wins over the file for fields set in both.
	t.Setenv("STORAGE_BACKEND", "postgres")

	cfg, err := GetStructuredConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres://json-host:5432/credvault", cfg.Storage.DB.DSN)
}
