// Package config loads runtime settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"nostr-cachesync/internal/nips"
	"nostr-cachesync/internal/nostr"
)

// Setting keys. Each is also read from the upper-cased environment variable
// of the same name.
const (
	KeyCacheServerURL     = "cache_server_url"
	KeyUploadServerURL    = "upload_server_url"
	KeyWalletServerURL    = "wallet_server_url"
	KeyQueryTimeout       = "query_timeout"
	KeySubscriptionBuffer = "subscription_buffer"
	KeyOfflineDebounce    = "offline_debounce"
	KeyVerifySignatures   = "verify_signatures"
	KeyDatabaseURL        = "database_url"
	KeyDBMinConns         = "db_min_conns"
	KeyDBMaxConns         = "db_max_conns"
	KeyRedisURL           = "redis_url"
	KeyCachePrefix        = "cache_prefix"
	KeyResultCacheTTL     = "result_cache_ttl"
	KeyLogLevel           = "log_level"
	KeyMetricsAddr        = "metrics_addr"
	KeyUserPubkey         = "user_pubkey"
	KeyConfigFile         = "config_file"
)

// Config holds every runtime setting.
type Config struct {
	CacheServerURL  string
	UploadServerURL string
	WalletServerURL string

	QueryTimeout       time.Duration
	SubscriptionBuffer int
	OfflineDebounce    time.Duration
	VerifySignatures   bool

	// Empty DatabaseURL selects the in-memory store
	DatabaseURL string
	DBMinConns  int
	DBMaxConns  int

	// Empty RedisURL selects the in-process result cache
	RedisURL       string
	CachePrefix    string
	ResultCacheTTL time.Duration

	LogLevel    string
	MetricsAddr string

	// UserPubkey is the default feed owner
	UserPubkey string
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyCacheServerURL, "wss://cache2.primal.net/v1")
	v.SetDefault(KeyUploadServerURL, "wss://uploads.primal.net/v1")
	v.SetDefault(KeyWalletServerURL, "wss://wallet.primal.net/v1")
	v.SetDefault(KeyQueryTimeout, 10*time.Second)
	v.SetDefault(KeySubscriptionBuffer, 256)
	v.SetDefault(KeyOfflineDebounce, 2*time.Second)
	v.SetDefault(KeyVerifySignatures, true)
	v.SetDefault(KeyDBMinConns, 2)
	v.SetDefault(KeyDBMaxConns, 10)
	v.SetDefault(KeyCachePrefix, "cachesync:")
	v.SetDefault(KeyResultCacheTTL, 2*time.Minute)
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads settings into a Config. Sources in increasing priority:
// defaults, the file named by CONFIG_FILE, environment, flags bound to v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		slog.Debug("loaded config file", "path", path)
	}

	cfg := &Config{
		CacheServerURL:     v.GetString(KeyCacheServerURL),
		UploadServerURL:    v.GetString(KeyUploadServerURL),
		WalletServerURL:    v.GetString(KeyWalletServerURL),
		QueryTimeout:       v.GetDuration(KeyQueryTimeout),
		SubscriptionBuffer: v.GetInt(KeySubscriptionBuffer),
		OfflineDebounce:    v.GetDuration(KeyOfflineDebounce),
		VerifySignatures:   v.GetBool(KeyVerifySignatures),
		DatabaseURL:        v.GetString(KeyDatabaseURL),
		DBMinConns:         v.GetInt(KeyDBMinConns),
		DBMaxConns:         v.GetInt(KeyDBMaxConns),
		RedisURL:           v.GetString(KeyRedisURL),
		CachePrefix:        v.GetString(KeyCachePrefix),
		ResultCacheTTL:     v.GetDuration(KeyResultCacheTTL),
		LogLevel:           strings.ToLower(v.GetString(KeyLogLevel)),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		UserPubkey:         v.GetString(KeyUserPubkey),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and normalizes the server URLs and the user
// pubkey in place.
func (c *Config) Validate() error {
	var errs []error

	normalize := func(name string, raw *string, required bool) {
		if *raw == "" {
			if required {
				errs = append(errs, fmt.Errorf("%s is required", name))
			}
			return
		}
		n := nostr.NormalizeServerURL(*raw)
		if n == "" {
			errs = append(errs, fmt.Errorf("%s: invalid server url %q", name, *raw))
			return
		}
		*raw = n
	}
	normalize(KeyCacheServerURL, &c.CacheServerURL, true)
	normalize(KeyUploadServerURL, &c.UploadServerURL, false)
	normalize(KeyWalletServerURL, &c.WalletServerURL, false)

	if c.UserPubkey != "" {
		pk, err := nips.PubKey(c.UserPubkey)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyUserPubkey, err))
		} else {
			c.UserPubkey = pk
		}
	}

	if c.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyQueryTimeout))
	}
	if c.SubscriptionBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySubscriptionBuffer))
	}
	if c.OfflineDebounce < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyOfflineDebounce))
	}
	if c.ResultCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyResultCacheTTL))
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("invalid pool bounds %d..%d", c.DBMinConns, c.DBMaxConns))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown level %q", KeyLogLevel, c.LogLevel))
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
