package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"nostr-cachesync/internal/metrics"
	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/types"
)

// Querier runs finite verb queries. *relay.Client implements it.
type Querier interface {
	Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error)
}

// ResultCache is a Querier that memoizes the results of configured verbs.
// Concurrent identical misses share one server round trip. Backend failures
// degrade to uncached queries.
type ResultCache struct {
	next    Querier
	backend Backend
	cfg     Config
	group   singleflight.Group
	log     *slog.Logger
}

func NewResultCache(next Querier, backend Backend, cfg Config, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &ResultCache{next: next, backend: backend, cfg: cfg, log: logger}
}

type cachedResult struct {
	Verb   string        `msgpack:"verb"`
	Events []types.Event `msgpack:"events"`
}

// Key derives the cache key of a query. Options are hashed after JSON
// encoding, so map key order does not matter.
func Key(verb string, options any) (string, error) {
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	sum := sha256.Sum256(data)
	return "q:" + verb + ":" + hex.EncodeToString(sum[:16]), nil
}

func (c *ResultCache) Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error) {
	ttl, cached := c.cfg.TTL(verb)
	if !cached {
		return c.next.Query(ctx, verb, options)
	}
	key, err := Key(verb, options)
	if err != nil {
		return nil, err
	}

	if res, ok := c.load(ctx, key); ok {
		metrics.IncrementCacheHit()
		return res, nil
	}
	metrics.IncrementCacheMiss()

	// The shared fetch outlives any single caller: each waiter gives up on
	// its own context while the others keep waiting.
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		res, err := c.next.Query(fctx, verb, options)
		if err != nil {
			return nil, err
		}
		c.store(fctx, key, res, ttl)
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			c.log.Debug("singleflight: shared query", "verb", verb)
		}
		res := r.Val.(*relay.QueryResult)
		return &relay.QueryResult{Verb: res.Verb, Events: slices.Clone(res.Events)}, nil
	}
}

// Invalidate drops the cached result of one query.
func (c *ResultCache) Invalidate(ctx context.Context, verb string, options any) error {
	key, err := Key(verb, options)
	if err != nil {
		return err
	}
	return c.backend.Delete(ctx, key)
}

func (c *ResultCache) load(ctx context.Context, key string) (*relay.QueryResult, bool) {
	data, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("result cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var cr cachedResult
	if err := msgpack.Unmarshal(data, &cr); err != nil {
		c.log.Warn("dropping undecodable cache entry", "key", key, "error", err)
		c.backend.Delete(ctx, key)
		return nil, false
	}
	return &relay.QueryResult{Verb: cr.Verb, Events: cr.Events}, true
}

func (c *ResultCache) store(ctx context.Context, key string, res *relay.QueryResult, ttl time.Duration) {
	data, err := msgpack.Marshal(cachedResult{Verb: res.Verb, Events: res.Events})
	if err != nil {
		c.log.Warn("result cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, ttl); err != nil {
		c.log.Warn("result cache write failed", "key", key, "error", err)
	}
}
