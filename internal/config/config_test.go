package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slotcached.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9999
log_level = "debug"

[model]
id = "my-model"

[[backends]]
id = "primary"
url = "http://10.0.0.1:8000"
slots = 8

[cache]
words_per_block = 32
similarity_threshold = 0.9
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "my-model", cfg.Model.ID)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "primary", cfg.Backends[0].ID)
	assert.Equal(t, 8, cfg.Backends[0].Slots)
	assert.Equal(t, 32, cfg.Cache.WordsPerBlock)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)

	// The loaded config becomes the global one.
	assert.Equal(t, 9999, Get().Server.Port)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writeConfig(t, `
[cache]
similarity_threshold = 1.5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity_threshold")
}

func TestLoadRejectsBackendWithoutURL(t *testing.T) {
	path := writeConfig(t, `
[[backends]]
id = "a"
slots = 2
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestLoadRejectsBadBlockSize(t *testing.T) {
	path := writeConfig(t, `
[cache]
words_per_block = 4096
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadThresholdMode(t *testing.T) {
	path := writeConfig(t, `
[cache]
threshold_mode = "sentences"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateBackendIDs(t *testing.T) {
	path := writeConfig(t, `
[[backends]]
id = "a"
url = "http://x"
slots = 1

[[backends]]
id = "a"
url = "http://y"
slots = 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestBackendEnvOverride(t *testing.T) {
	t.Setenv("SLOTCACHED_BACKEND_URL", "http://env-backend:8000")
	t.Setenv("SLOTCACHED_BACKEND_SLOTS", "6")

	path := writeConfig(t, `
[[backends]]
id = "file-backend"
url = "http://file"
slots = 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "default", cfg.Backends[0].ID)
	assert.Equal(t, "http://env-backend:8000", cfg.Backends[0].URL)
	assert.Equal(t, 6, cfg.Backends[0].Slots)
}

func TestCleanupBounds(t *testing.T) {
	c := CleanupConfig{MaxAge: "24h", MaxTotalSize: "2GB"}
	age, err := c.MaxAgeDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, age)

	bytes, err := c.MaxTotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), bytes)
}

func TestCleanupBoundsDisabled(t *testing.T) {
	c := CleanupConfig{MaxAge: "0", MaxTotalSize: ""}
	age, err := c.MaxAgeDuration()
	require.NoError(t, err)
	assert.Zero(t, age)

	bytes, err := c.MaxTotalBytes()
	require.NoError(t, err)
	assert.Zero(t, bytes)
}

func TestMetaDirPathDefaultsUnderDataDir(t *testing.T) {
	c := CacheConfig{}
	assert.Equal(t, filepath.Join("/data", "kvslots_meta"), c.MetaDirPath("/data"))

	c.MetaDir = "/elsewhere"
	assert.Equal(t, "/elsewhere", c.MetaDirPath("/data"))
}

func TestBackendRequestTimeout(t *testing.T) {
	b := BackendConfig{RequestTimeout: 30}
	assert.Equal(t, 30*time.Second, b.RequestTimeoutDuration())

	b.RequestTimeout = 0
	assert.Equal(t, time.Duration(DefaultRequestTimeout)*time.Second, b.RequestTimeoutDuration())
}
