package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"nostr-cachesync/internal/cache"
	"nostr-cachesync/internal/config"
	"nostr-cachesync/internal/feed"
	"nostr-cachesync/internal/monitor"
	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg *config.Config
	log *slog.Logger

	pool    *relay.Pool
	store   store.Store
	backend cache.Backend
	results *cache.ResultCache
	coord   *monitor.Coordinator
	sync    *feed.Synchronizer
	planner *feed.Planner

	ops *http.Server
}

func wireApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	connOpts := relay.DefaultConnOptions()
	connOpts.Logger = logger
	clientOpts := relay.ClientOptions{
		QueryTimeout:       cfg.QueryTimeout,
		SubscriptionBuffer: cfg.SubscriptionBuffer,
		VerifySignatures:   cfg.VerifySignatures,
		Logger:             logger,
	}
	a.pool = relay.NewPool(connOpts, clientOpts)

	roles := []struct {
		role relay.Role
		url  string
	}{
		{relay.RoleCache, cfg.CacheServerURL},
		{relay.RoleUpload, cfg.UploadServerURL},
		{relay.RoleWallet, cfg.WalletServerURL},
	}
	for _, r := range roles {
		if r.url == "" {
			continue
		}
		if err := a.pool.SetURL(r.role, r.url); err != nil {
			return fail(err)
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
		if err != nil {
			return fail(fmt.Errorf("open store: %w", err))
		}
		a.store = pg
	} else {
		a.store = store.NewMemoryStore()
	}

	cacheCfg := cache.DefaultConfig().WithTTL("user_search", cfg.ResultCacheTTL)
	cacheCfg.Prefix = cfg.CachePrefix
	cacheCfg.FetchTimeout = cfg.QueryTimeout
	if cfg.RedisURL != "" {
		rb, err := cache.NewRedisBackend(ctx, cfg.RedisURL, cacheCfg.Prefix)
		if err != nil {
			return fail(fmt.Errorf("open result cache: %w", err))
		}
		a.backend = rb
	} else {
		a.backend = cache.NewMemoryBackend(cacheCfg.MaxEntries, cacheCfg.CleanupInterval)
	}

	client, err := a.pool.Client(relay.RoleCache)
	if err != nil {
		return fail(err)
	}
	a.results = cache.NewResultCache(client, a.backend, cacheCfg, logger)
	a.coord = monitor.NewCoordinator(logger)
	a.sync = feed.NewSynchronizer(a.store, logger)
	a.planner = feed.NewPlanner(a.store)

	if cfg.MetricsAddr != "" {
		a.ops = startOpsServer(cfg.MetricsAddr, a.pool)
	}
	return a, nil
}

// cacheClient returns the protocol client of the cache server.
func (a *app) cacheClient() (*relay.Client, error) {
	return a.pool.Client(relay.RoleCache)
}

// querier returns the memoizing querier unless bypass is set.
func (a *app) querier(bypass bool) (querier, error) {
	if bypass {
		return a.cacheClient()
	}
	return a.results, nil
}

// Close releases everything wireApp opened. Safe on a partially wired app.
func (a *app) Close() {
	if a.coord != nil {
		a.coord.StopAll()
	}
	if a.ops != nil {
		stopOpsServer(a.ops)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.backend != nil {
		a.backend.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
