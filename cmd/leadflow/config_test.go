package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, storeLibSQL, cfg.Store.Backend)
	assert.Equal(t, hubMemory, cfg.Hub)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "leadflow.db", filepath.Base(cfg.Store.DBPath))
}

func TestLoadConfig_File(t *testing.T) {
	path := writeFile(t, "config.yaml", `
listen_addr: ":9000"
pool_size: 3
step_timeout: 5s
max_pages: 2
store:
  backend: redis
  redis:
    addr: "redis:6379"
    ttl: 24h
places:
  rps: 2.5
remote_steps:
  analyze: "http://scorer:8080"
schedules:
  - name: nightly-cafes
    cron: "@daily"
    criteria:
      businessType: cafe
      location: Lisbon
      targetLeadCount: 5
`)
	cfg, err := loadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.StepTimeout)
	assert.Equal(t, 2, cfg.MaxPages)
	assert.Equal(t, storeRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Store.Redis.TTL)
	assert.Equal(t, "leadflow:", cfg.Store.Redis.Prefix, "defaults survive a partial section")
	assert.InDelta(t, 2.5, cfg.Places.RPS, 0.001)
	assert.Equal(t, "http://scorer:8080", cfg.RemoteSteps["analyze"])
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly-cafes", cfg.Schedules[0].Name)
	assert.Equal(t, "cafe", cfg.Schedules[0].Criteria["businessType"])
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "listen_addr: \":9000\"\nlog_level: debug\n")
	t.Setenv("LEADFLOW_LISTEN_ADDR", ":9100")
	t.Setenv("LEADFLOW_POOL_SIZE", "7")
	t.Setenv("LEADFLOW_STEP_TIMEOUT", "2s")
	t.Setenv("LEADFLOW_STORE", "none")
	t.Setenv("PLACES_API_KEY", "generic")
	t.Setenv("LEADFLOW_PLACES_API_KEY", "specific")
	t.Setenv("LEADFLOW_METRICS", "false")

	cfg, err := loadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.StepTimeout)
	assert.Equal(t, storeNone, cfg.Store.Backend)
	assert.Equal(t, "specific", cfg.Places.APIKey)
	assert.False(t, cfg.Metrics)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	// Registered with t.Setenv so the value godotenv sets is restored afterwards.
	t.Setenv("LEADFLOW_OPENAI_MODEL", "")
	os.Unsetenv("LEADFLOW_OPENAI_MODEL")
	t.Setenv("LEADFLOW_LOG_FORMAT", "text")

	env := writeFile(t, ".env", "LEADFLOW_OPENAI_MODEL=gpt-4o\nLEADFLOW_LOG_FORMAT=json\n")
	cfg, err := loadConfig("", env)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, "text", cfg.LogFormat, "the environment wins over the env file")

	_, err = loadConfig("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name string
		path string
		env  map[string]string
		want string
	}{
		{"missing explicit file", filepath.Join(t.TempDir(), "nope.yaml"), nil, "read config"},
		{"bad yaml", writeFile(t, "bad.yaml", "listen_addr: [\n"), nil, "parse config"},
		{"bad store", writeFile(t, "store.yaml", "store:\n  backend: mongo\n"), nil, "unknown store backend"},
		{"bad hub", writeFile(t, "hub.yaml", "hub: kafka\n"), nil, "unknown hub"},
		{"bad duration", "", map[string]string{"LEADFLOW_STEP_TIMEOUT": "soon"}, "LEADFLOW_STEP_TIMEOUT"},
		{"bad int", "", map[string]string{"LEADFLOW_POOL_SIZE": "many"}, "LEADFLOW_POOL_SIZE"},
		{"empty remote url", writeFile(t, "remote.yaml", "remote_steps:\n  analyze: \"\"\n"), nil, "has no URL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(tc.path, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := defaultConfig()
	cfg.StepTimeout = 45 * time.Second
	require.NoError(t, writeConfig(path, cfg))

	loaded, err := loadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, loaded.StepTimeout)
	assert.Equal(t, cfg.Store, loaded.Store)
}

func TestLibsqlDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db", libsqlDSN("/tmp/a.db"))
	assert.Equal(t, "file:a.db", libsqlDSN("a.db"))
	assert.Equal(t, "file:/tmp/a.db", libsqlDSN("file:/tmp/a.db"))
	assert.Equal(t, "libsql://db.example", libsqlDSN("libsql://db.example"))
}
