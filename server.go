package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nostr-cachesync/internal/metrics"
	"nostr-cachesync/internal/relay"
)

// newOpsHandler serves /metrics and /health.
func newOpsHandler(pool *relay.Pool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(pool))
	return RequestLoggingMiddleware(mux)
}

// healthHandler reports each server role's connection status. It answers
// 503 when the cache server is not connected.
func healthHandler(pool *relay.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := pool.Statuses()
		conns := make(map[string]string, len(statuses))
		for role, s := range statuses {
			conns[string(role)] = s.String()
		}

		status, code := "ok", http.StatusOK
		if statuses[relay.RoleCache] != relay.Connected {
			status, code = "degraded", http.StatusServiceUnavailable
			loggerFrom(r.Context()).Warn("cache server not connected", "status", statuses[relay.RoleCache].String())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"connections": conns,
		})
	}
}

// startOpsServer serves the ops handler on addr until stopped.
func startOpsServer(addr string, pool *relay.Pool) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsHandler(pool),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func stopOpsServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("metrics server shutdown", "error", err)
	}
}
