package feed

import (
	"context"
	"log/slog"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/relay"
)

// FeedVerb is the cache-server verb serving paged feeds.
const FeedVerb = "feed"

// Querier runs finite verb queries. *relay.Client implements it.
type Querier interface {
	Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error)
}

// PageResult summarizes one fetched and synchronized page.
type PageResult struct {
	Request PageRequest
	Batch   *kinds.Batch
	Cursor  *kinds.PagingCursor
}

// Repository fetches feed pages and synchronizes them into the cache. The
// network query completes before the cache transaction starts.
type Repository struct {
	client  Querier
	sync    *Synchronizer
	planner *Planner
	log     *slog.Logger
}

// NewRepository wires a querier to a synchronizer and planner.
func NewRepository(client Querier, sync *Synchronizer, planner *Planner, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{client: client, sync: sync, planner: planner, log: logger}
}

// FetchPage plans, queries, classifies and synchronizes one page of
// feedSpec for ownerID. Query errors are returned unchanged so callers can
// check syncerr.IsRetryable.
func (r *Repository) FetchPage(ctx context.Context, ownerID, feedSpec string, dir Direction, limit int) (*PageResult, error) {
	req, err := r.planner.NextPage(ctx, ownerID, feedSpec, dir)
	if err != nil {
		return nil, err
	}

	options := req.Options(map[string]any{
		"spec":        feedSpec,
		"user_pubkey": ownerID,
		"limit":       limit,
	})
	res, err := r.client.Query(ctx, FeedVerb, options)
	if err != nil {
		return nil, err
	}

	batch := kinds.Classify(res)
	cursor, err := batch.Cursor()
	if err != nil {
		// A bad cursor only costs the bookkeeping for this page
		r.log.Warn("ignoring paging cursor", "feed", feedSpec, "error", err)
		cursor = nil
	}

	if err := r.sync.SynchronizePage(ctx, ownerID, feedSpec, batch, cursor, req.ClearFeed); err != nil {
		return nil, err
	}
	return &PageResult{Request: req, Batch: batch, Cursor: cursor}, nil
}
