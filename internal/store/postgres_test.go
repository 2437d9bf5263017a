package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, 1, 4)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestPostgresSyncRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	owner := uuid.NewString()
	postID := uuid.NewString()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, UpsertEntities(ctx, tx, &Entities{
		Profiles:   []Profile{{PubKey: owner, EventID: "e", CreatedAt: 10, Name: "alex"}},
		Posts:      []Post{{ID: postID, AuthorID: owner, Kind: 1, Content: "hi", Tags: [][]string{{"t", "go"}}}},
		EventStats: []EventStats{{EventID: postID, Likes: 2}},
		UserScores: []UserScore{{PubKey: owner, Score: 12}},
		MediaResources: []MediaResource{
			{URL: "https://m/" + postID, Variants: []MediaVariant{{Size: "m", Width: 10, Height: 10}}},
		},
	}))
	require.NoError(t, tx.UpsertRemoteKeys(ctx, []RemoteKey{
		{OwnerID: owner, FeedSpec: "latest", EventID: postID, SinceID: 1, UntilID: 9, CachedAt: time.Now()},
	}))
	require.NoError(t, tx.UpsertFeedConnections(ctx, []FeedConnection{
		{OwnerID: owner, FeedSpec: "latest", EventID: postID, Position: 0},
	}))
	require.NoError(t, tx.Commit(ctx))

	post, err := s.Post(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"t", "go"}}, post.Tags)

	stats, err := s.EventStats(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Likes)

	keys, err := s.RemoteKeys(ctx, owner, "latest")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(9), keys[0].UntilID)

	// Older metadata does not overwrite newer
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertProfiles(ctx, []Profile{{PubKey: owner, EventID: "old", CreatedAt: 5, Name: "stale"}}))
	require.NoError(t, tx.Commit(ctx))

	p, err := s.Profile(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "alex", p.Name)

	_, err = s.ProfileStats(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRollback(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertPosts(ctx, []Post{{ID: id, AuthorID: "a"}}))
	require.NoError(t, tx.Rollback(ctx))
	assert.NoError(t, tx.Rollback(ctx))

	_, err = s.Post(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
