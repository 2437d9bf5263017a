package cache

import "time"

// Config holds per-verb TTLs and backend sizing.
type Config struct {
	// VerbTTL lists the verbs whose results are cached. Verbs not listed
	// always go to the server.
	VerbTTL map[string]time.Duration

	Prefix          string
	MaxEntries      int
	CleanupInterval time.Duration

	// FetchTimeout bounds a shared miss, which runs detached from the
	// contexts of the callers waiting on it.
	FetchTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		VerbTTL: map[string]time.Duration{
			"user_search":       2 * time.Minute,
			"thread_view":       3 * time.Minute,
			"user_infos":        1 * time.Hour, // profiles rarely change hourly
			"user_profile":      10 * time.Minute,
			"trending_hashtags": 5 * time.Minute,
		},
		Prefix:          "cachesync:",
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
		FetchTimeout:    10 * time.Second,
	}
}

// TTL reports the TTL for verb and whether it is cached at all.
func (c Config) TTL(verb string) (time.Duration, bool) {
	ttl, ok := c.VerbTTL[verb]
	return ttl, ok && ttl > 0
}

// WithTTL returns a copy of c with verb cached for ttl. A zero ttl disables
// caching for verb.
func (c Config) WithTTL(verb string, ttl time.Duration) Config {
	out := make(map[string]time.Duration, len(c.VerbTTL)+1)
	for k, v := range c.VerbTTL {
		out[k] = v
	}
	out[verb] = ttl
	c.VerbTTL = out
	return c
}
