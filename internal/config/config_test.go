package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/notify"
	"watchsync/internal/pool"
	"watchsync/pkg/exception"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, pool.DefaultMinSize, cfg.Pool.MinSize)
	assert.Equal(t, pool.DefaultMaxSize, cfg.Pool.MaxSize)
	assert.Equal(t, pool.DefaultAcquireTimeout, cfg.Pool.AcquireTimeout)
	assert.Equal(t, "@every 1m", cfg.MaintainEvery)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, []string{notify.ChannelEntityChanged, notify.ChannelCollectionChanged}, cfg.Channels)
	assert.Equal(t, time.Second, cfg.Backoff.Min)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Max)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Nil(t, cfg.Chaos)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "watchd.json", `{
		"database": {"host": "db", "port": 6543, "database": "watch", "user": "app", "params": {"application_name": "watchd"}},
		"pool": {"minSize": 0, "maxSize": 4, "acquireTimeout": "250ms", "maintainEvery": "@every 30s"},
		"notify": {"backend": "redis", "backoffMin": "100ms", "backoffMax": "2s", "redis": {"addr": "cache:6379", "db": 2}},
		"bridge": {"maxConcurrent": 8},
		"profiling": {"pyroscopeAddr": "http://pyroscope:4040"},
		"chaos": {"seed": 7, "disconnectRate": 0.05}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "watch", cfg.Database.Database)
	assert.Equal(t, map[string]string{"application_name": "watchd"}, cfg.Database.Params)
	assert.Equal(t, 0, cfg.Pool.MinSize)
	assert.Equal(t, 4, cfg.Pool.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, "@every 30s", cfg.MaintainEvery)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff.Min)
	assert.Equal(t, 2*time.Second, cfg.Backoff.Max)
	assert.Equal(t, "cache:6379", cfg.Redis.Options().Addr)
	assert.Equal(t, 2, cfg.Redis.Options().DB)
	assert.EqualValues(t, 8, cfg.Bridge.MaxConcurrent)
	assert.Equal(t, "http://pyroscope:4040", cfg.PyroscopeAddr)
	require.NotNil(t, cfg.Chaos)
	assert.EqualValues(t, 7, cfg.Chaos.Seed)
	assert.Equal(t, 0.05, cfg.Chaos.DisconnectRate)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "watchd.yaml", `
database:
  dsn: postgres://app@db/watch
pool:
  maxSize: 3
notify:
  channels: [entity_changed]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@db/watch", cfg.Database.ConnString)
	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 3, cfg.Pool.MaxSize)
	assert.Equal(t, []string{notify.ChannelEntityChanged}, cfg.Channels)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "watchd.yml", "database:\n  host: file-host\n  port: 5432\n")
	t.Setenv("WATCHSYNC_DB_HOST", "env-host")
	t.Setenv("WATCHSYNC_DB_PORT", "15432")
	t.Setenv("WATCHSYNC_DB_PASSWORD", "secret")
	t.Setenv("WATCHSYNC_NOTIFY_BACKEND", "REDIS")
	t.Setenv("WATCHSYNC_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
	}{
		{name: "min above max", file: "a.json", content: `{"pool": {"minSize": 5, "maxSize": 2}}`},
		{name: "negative max", file: "b.json", content: `{"pool": {"maxSize": -1}}`},
		{name: "unknown backend", file: "c.yaml", content: "notify:\n  backend: kafka\n"},
		{name: "bad duration", file: "d.json", content: `{"pool": {"acquireTimeout": "soon"}}`},
		{name: "bad cron", file: "e.json", content: `{"pool": {"maintainEvery": "often"}}`},
		{name: "backoff inverted", file: "f.json", content: `{"notify": {"backoffMin": "10s", "backoffMax": "1s"}}`},
		{name: "unsupported format", file: "g.toml", content: "x = 1"},
		{name: "malformed json", file: "h.json", content: `{"pool":`},
		{name: "chaos rate above one", file: "j.yaml", content: "chaos:\n  dropRate: 2\n"},
		{name: "bad port env", file: "i.json", content: `{}`, env: map[string]string{"WATCHSYNC_DB_PORT": "abc"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tc.file, tc.content))
			require.ErrorIs(t, err, exception.ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
