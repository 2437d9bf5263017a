package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "wss://cache2.primal.net/v1", cfg.CacheServerURL)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 256, cfg.SubscriptionBuffer)
	assert.True(t, cfg.VerifySignatures)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CACHE_SERVER_URL", "wss://Cache.Example.com/v1/")
	t.Setenv("QUERY_TIMEOUT", "3s")
	t.Setenv("VERIFY_SIGNATURES", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "wss://cache.example.com/v1", cfg.CacheServerURL)
	assert.Equal(t, 3*time.Second, cfg.QueryTimeout)
	assert.False(t, cfg.VerifySignatures)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cachesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subscription_buffer: 32\nuser_pubkey: npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.SubscriptionBuffer)
	assert.Equal(t, "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e", cfg.UserPubkey)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load(viper.New())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			CacheServerURL:     "wss://cache.example.com",
			QueryTimeout:       time.Second,
			SubscriptionBuffer: 1,
			DBMinConns:         1,
			DBMaxConns:         2,
			LogLevel:           "info",
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"missing cache url":   func(c *Config) { c.CacheServerURL = "" },
		"http cache url":      func(c *Config) { c.CacheServerURL = "https://cache.example.com" },
		"internal upload url": func(c *Config) { c.UploadServerURL = "wss://uploads.local" },
		"zero timeout":        func(c *Config) { c.QueryTimeout = 0 },
		"zero buffer":         func(c *Config) { c.SubscriptionBuffer = 0 },
		"pool bounds":         func(c *Config) { c.DBMinConns = 5 },
		"log level":           func(c *Config) { c.LogLevel = "verbose" },
		"user pubkey":         func(c *Config) { c.UserPubkey = "alice" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
