// Package store is the local cache the synchronizer writes into.
//
// Every mutation happens inside a Tx. Upserts are idempotent on the
// entity's primary key, so re-delivering an event leaves the cache unchanged.
// Rollback after Commit is a no-op, so callers can always defer it.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by readers when no row matches.
var ErrNotFound = errors.New("not found")

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// Tx is one atomic unit of cache mutations.
type Tx interface {
	UpsertProfiles(ctx context.Context, rows []Profile) error
	UpsertPosts(ctx context.Context, rows []Post) error
	UpsertReposts(ctx context.Context, rows []Repost) error
	UpsertZaps(ctx context.Context, rows []Zap) error
	UpsertEventStats(ctx context.Context, rows []EventStats) error
	UpsertEventUserStats(ctx context.Context, rows []EventUserStats) error
	UpsertProfileStats(ctx context.Context, rows []ProfileStats) error
	UpsertUserScores(ctx context.Context, rows []UserScore) error
	UpsertMediaResources(ctx context.Context, rows []MediaResource) error
	UpsertLinkPreviews(ctx context.Context, rows []LinkPreview) error

	UpsertRemoteKeys(ctx context.Context, rows []RemoteKey) error
	UpsertFeedConnections(ctx context.Context, rows []FeedConnection) error
	DeleteRemoteKeys(ctx context.Context, ownerID, feedSpec string) error
	DeleteFeedConnections(ctx context.Context, ownerID, feedSpec string) error

	// RemoteKeys and FeedConnections read inside the transaction, ordered
	// like their Store counterparts.
	RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]RemoteKey, error)
	FeedConnections(ctx context.Context, ownerID, feedSpec string) ([]FeedConnection, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a cache engine.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// RemoteKeys returns the keys of a feed ordered by event id.
	RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]RemoteKey, error)
	// FeedConnections returns the rows of a feed ordered by position.
	FeedConnections(ctx context.Context, ownerID, feedSpec string) ([]FeedConnection, error)

	Profile(ctx context.Context, pubkey string) (*Profile, error)
	Post(ctx context.Context, id string) (*Post, error)
	EventStats(ctx context.Context, eventID string) (*EventStats, error)
	ProfileStats(ctx context.Context, pubkey string) (*ProfileStats, error)
	UserScore(ctx context.Context, pubkey string) (*UserScore, error)

	Close()
}

// UpsertEntities writes every entity in e through tx.
func UpsertEntities(ctx context.Context, tx Tx, e *Entities) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"profiles", func() error { return tx.UpsertProfiles(ctx, e.Profiles) }},
		{"posts", func() error { return tx.UpsertPosts(ctx, e.Posts) }},
		{"reposts", func() error { return tx.UpsertReposts(ctx, e.Reposts) }},
		{"zaps", func() error { return tx.UpsertZaps(ctx, e.Zaps) }},
		{"event stats", func() error { return tx.UpsertEventStats(ctx, e.EventStats) }},
		{"event user stats", func() error { return tx.UpsertEventUserStats(ctx, e.EventUserStats) }},
		{"profile stats", func() error { return tx.UpsertProfileStats(ctx, e.ProfileStats) }},
		{"user scores", func() error { return tx.UpsertUserScores(ctx, e.UserScores) }},
		{"media resources", func() error { return tx.UpsertMediaResources(ctx, e.MediaResources) }},
		{"link previews", func() error { return tx.UpsertLinkPreviews(ctx, e.LinkPreviews) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("upsert %s: %w", s.name, err)
		}
	}
	return nil
}
