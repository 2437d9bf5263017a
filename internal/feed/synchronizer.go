// Package feed writes classified pages into the local cache and keeps the
// per-feed remote-key window and item order consistent with them.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/metrics"
	"nostr-cachesync/internal/store"
	"nostr-cachesync/internal/syncerr"
)

// Synchronizer applies response pages to a store.
type Synchronizer struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// NewSynchronizer creates a synchronizer writing to s.
func NewSynchronizer(s store.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: s, log: logger, now: time.Now}
}

// SynchronizePage applies one page for (ownerID, feedSpec) in a single
// transaction: optional clear, entity upserts, remote keys (only when cursor
// is non-nil) and feed order. On any failure nothing is written and a
// *syncerr.TransactionError is returned.
//
// Items keep their existing positions. New items are placed after the
// current last position, or before the first one when the page is newer than
// the whole cached window.
func (s *Synchronizer) SynchronizePage(ctx context.Context, ownerID, feedSpec string, batch *kinds.Batch, cursor *kinds.PagingCursor, clearFeed bool) error {
	entities := batch.Entities(ownerID)

	err := s.apply(ctx, ownerID, feedSpec, batch, entities, cursor, clearFeed)
	if err != nil {
		metrics.SyncedPages.WithLabelValues("rolled_back").Inc()
		s.log.Warn("page rolled back", "owner", ownerID, "feed", feedSpec, "error", err)
		return &syncerr.TransactionError{Op: "synchronize " + feedSpec, Err: err}
	}

	metrics.SyncedPages.WithLabelValues("committed").Inc()
	for entity, n := range entities.Counts() {
		metrics.SyncedRows.WithLabelValues(entity).Add(float64(n))
	}
	s.log.Debug("page synchronized", "owner", ownerID, "feed", feedSpec,
		"items", len(batch.FeedItems()), "clear", clearFeed, "cursor", cursor != nil)
	return nil
}

func (s *Synchronizer) apply(ctx context.Context, ownerID, feedSpec string, batch *kinds.Batch, entities *store.Entities, cursor *kinds.PagingCursor, clearFeed bool) (err error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.log.Error("rollback failed", "error", rbErr)
			}
		}
	}()

	// The window is read inside the transaction so a concurrent page for
	// the same feed cannot move it between the decision and the write.
	prepend := false
	if cursor != nil && !clearFeed {
		if prepend, err = isNewerThanWindow(ctx, tx, ownerID, feedSpec, cursor); err != nil {
			return err
		}
	}

	if clearFeed {
		if err := tx.DeleteRemoteKeys(ctx, ownerID, feedSpec); err != nil {
			return fmt.Errorf("clear remote keys: %w", err)
		}
		if err := tx.DeleteFeedConnections(ctx, ownerID, feedSpec); err != nil {
			return fmt.Errorf("clear feed connections: %w", err)
		}
	}

	if err := store.UpsertEntities(ctx, tx, entities); err != nil {
		return err
	}

	ids := pageOrder(batch, cursor)

	if cursor != nil && len(ids) > 0 {
		cachedAt := s.now()
		keys := make([]store.RemoteKey, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, store.RemoteKey{
				OwnerID:  ownerID,
				FeedSpec: feedSpec,
				EventID:  id,
				SinceID:  cursor.SinceID,
				UntilID:  cursor.UntilID,
				CachedAt: cachedAt,
			})
		}
		if err := tx.UpsertRemoteKeys(ctx, keys); err != nil {
			return fmt.Errorf("upsert remote keys: %w", err)
		}
	}

	if len(ids) > 0 {
		existing, err := tx.FeedConnections(ctx, ownerID, feedSpec)
		if err != nil {
			return fmt.Errorf("read feed connections: %w", err)
		}
		conns := placeNew(ownerID, feedSpec, ids, existing, prepend)
		if err := tx.UpsertFeedConnections(ctx, conns); err != nil {
			return fmt.Errorf("upsert feed connections: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isNewerThanWindow reports whether the page lies entirely above the cached
// window.
func isNewerThanWindow(ctx context.Context, tx store.Tx, ownerID, feedSpec string, cursor *kinds.PagingCursor) (bool, error) {
	w, err := windowOf(ctx, tx, ownerID, feedSpec)
	if err != nil {
		return false, fmt.Errorf("read window: %w", err)
	}
	return w.ok && cursor.SinceID >= w.until && cursor.UntilID > w.until, nil
}

// pageOrder returns the page's feed item ids in declared order: the
// cursor's elements first (skipping ids absent from the page), then any
// remaining items in arrival order.
func pageOrder(batch *kinds.Batch, cursor *kinds.PagingCursor) []string {
	arrival := batch.FeedItemIDs()
	if cursor == nil || len(cursor.Elements) == 0 {
		return dedupe(arrival)
	}

	inPage := mapset.NewThreadUnsafeSet(arrival...)
	placed := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(arrival))
	for _, id := range cursor.Elements {
		if inPage.Contains(id) && placed.Add(id) {
			out = append(out, id)
		}
	}
	for _, id := range arrival {
		if placed.Add(id) {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen.Add(id) {
			out = append(out, id)
		}
	}
	return out
}

// placeNew assigns positions to ids not already in the feed. Existing rows
// are left alone so an event never holds two positions.
func placeNew(ownerID, feedSpec string, ids []string, existing []store.FeedConnection, prepend bool) []store.FeedConnection {
	have := mapset.NewThreadUnsafeSet[string]()
	var minPos, maxPos int64
	for i, c := range existing {
		have.Add(c.EventID)
		if i == 0 || c.Position < minPos {
			minPos = c.Position
		}
		if i == 0 || c.Position > maxPos {
			maxPos = c.Position
		}
	}

	var fresh []string
	for _, id := range ids {
		if !have.Contains(id) {
			fresh = append(fresh, id)
		}
	}

	next := int64(0)
	if len(existing) > 0 {
		next = maxPos + 1
		if prepend {
			next = minPos - int64(len(fresh))
		}
	}

	conns := make([]store.FeedConnection, 0, len(fresh))
	for i, id := range fresh {
		conns = append(conns, store.FeedConnection{
			OwnerID:  ownerID,
			FeedSpec: feedSpec,
			EventID:  id,
			Position: next + int64(i),
		})
	}
	return conns
}
