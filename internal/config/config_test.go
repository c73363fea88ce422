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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
bot:
  token: "123:abc"
  password: "secret"
  admin_user_id: 42
storage:
  type: memory
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Watch.CheckInterval)
	assert.Equal(t, 15, cfg.Watch.MaxChats)
	assert.Equal(t, 30, cfg.Watch.APIRateLimit)
	assert.Equal(t, time.Minute, cfg.Watch.RateWindow)
	assert.Equal(t, 300*time.Second, cfg.Watch.FloodWaitThreshold)
	assert.Equal(t, 12*time.Hour, cfg.Bot.SessionTTL)
	assert.Equal(t, 3, cfg.Notify.MaxRetries)
	assert.Equal(t, "en", cfg.I18n.DefaultLanguage)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CHECK_INTERVAL", "120")
	t.Setenv("FLOOD_WAIT_THRESHOLD", "600")
	t.Setenv("KEYWORDS", "Bitcoin, ETH ,doge")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.Watch.CheckInterval)
	assert.Equal(t, 600*time.Second, cfg.Watch.FloodWaitThreshold)
	assert.Equal(t, []string{"bitcoin", "eth", "doge"}, cfg.Watch.Keywords)
}

func TestLoadConfigRedisHostPort(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Storage.Redis.Addr)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
bot:
  password: "secret"
  admin_user_id: 42
storage:
  type: memory
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")

	_, err = LoadConfig(writeConfig(t, `
bot:
  token: "123:abc"
  admin_user_id: 42
storage:
  type: memory
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestLoadConfigRejectsUnknownStorage(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
bot:
  token: "123:abc"
  password: "secret"
  admin_user_id: 42
storage:
  type: postgres
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage type")
}
