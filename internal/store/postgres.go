package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	pubkey       TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	about        TEXT NOT NULL DEFAULT '',
	picture      TEXT NOT NULL DEFAULT '',
	banner       TEXT NOT NULL DEFAULT '',
	nip05        TEXT NOT NULL DEFAULT '',
	lud16        TEXT NOT NULL DEFAULT '',
	website      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS posts (
	id          TEXT PRIMARY KEY,
	author_id   TEXT NOT NULL,
	kind        INTEGER NOT NULL,
	created_at  BIGINT NOT NULL,
	content     TEXT NOT NULL,
	tags        JSONB NOT NULL DEFAULT '[]',
	root_id     TEXT NOT NULL DEFAULT '',
	reply_to_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS reposts (
	id                 TEXT PRIMARY KEY,
	author_id          TEXT NOT NULL,
	created_at         BIGINT NOT NULL,
	reposted_id        TEXT NOT NULL,
	reposted_author_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS zaps (
	receipt_id  TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL DEFAULT '',
	sender_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	amount_sats BIGINT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_stats (
	event_id    TEXT PRIMARY KEY,
	likes       BIGINT NOT NULL,
	replies     BIGINT NOT NULL,
	mentions    BIGINT NOT NULL,
	reposts     BIGINT NOT NULL,
	zaps        BIGINT NOT NULL,
	sats_zapped BIGINT NOT NULL,
	score       BIGINT NOT NULL,
	score24h    BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_user_stats (
	event_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	liked    BOOLEAN NOT NULL,
	replied  BOOLEAN NOT NULL,
	reposted BOOLEAN NOT NULL,
	zapped   BOOLEAN NOT NULL,
	PRIMARY KEY (event_id, user_id)
);
CREATE TABLE IF NOT EXISTS profile_stats (
	pubkey            TEXT PRIMARY KEY,
	follows           BIGINT NOT NULL,
	followers         BIGINT NOT NULL,
	notes             BIGINT NOT NULL,
	long_form_notes   BIGINT NOT NULL,
	replies           BIGINT NOT NULL,
	relay_count       BIGINT NOT NULL,
	total_zaps        BIGINT NOT NULL,
	total_sats_zapped BIGINT NOT NULL,
	joined_at         BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_scores (
	pubkey TEXT PRIMARY KEY,
	score  DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS media_resources (
	url       TEXT PRIMARY KEY,
	event_id  TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	size      BIGINT NOT NULL DEFAULT 0,
	variants  JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS link_previews (
	url         TEXT PRIMARY KEY,
	mime_type   TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image       TEXT NOT NULL DEFAULT '',
	icon_url    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS remote_keys (
	owner_id  TEXT NOT NULL,
	feed_spec TEXT NOT NULL,
	event_id  TEXT NOT NULL,
	since_id  BIGINT NOT NULL,
	until_id  BIGINT NOT NULL,
	cached_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, feed_spec, event_id)
);
CREATE TABLE IF NOT EXISTS feed_connections (
	owner_id  TEXT NOT NULL,
	feed_spec TEXT NOT NULL,
	event_id  TEXT NOT NULL,
	position  BIGINT NOT NULL,
	PRIMARY KEY (owner_id, feed_spec, event_id)
);
CREATE INDEX IF NOT EXISTS feed_connections_position ON feed_connections (owner_id, feed_spec, position);
`

// PostgresStore is the PostgreSQL cache engine.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string, minConns, maxConns int) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if minConns > 0 {
		config.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{Pool: pool}, nil
}

// EnsureSchema creates the cache tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (s *PostgresStore) RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]RemoteKey, error) {
	return queryRemoteKeys(ctx, s.Pool, ownerID, feedSpec)
}

func queryRemoteKeys(ctx context.Context, q querier, ownerID, feedSpec string) ([]RemoteKey, error) {
	rows, err := q.Query(ctx, `SELECT owner_id, feed_spec, event_id, since_id, until_id, cached_at
		FROM remote_keys WHERE owner_id = $1 AND feed_spec = $2 ORDER BY event_id`, ownerID, feedSpec)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RemoteKey, error) {
		var k RemoteKey
		err := row.Scan(&k.OwnerID, &k.FeedSpec, &k.EventID, &k.SinceID, &k.UntilID, &k.CachedAt)
		return k, err
	})
}

func (s *PostgresStore) FeedConnections(ctx context.Context, ownerID, feedSpec string) ([]FeedConnection, error) {
	return queryFeedConnections(ctx, s.Pool, ownerID, feedSpec)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryFeedConnections(ctx context.Context, q querier, ownerID, feedSpec string) ([]FeedConnection, error) {
	rows, err := q.Query(ctx, `SELECT owner_id, feed_spec, event_id, position
		FROM feed_connections WHERE owner_id = $1 AND feed_spec = $2 ORDER BY position, event_id`, ownerID, feedSpec)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FeedConnection, error) {
		var c FeedConnection
		err := row.Scan(&c.OwnerID, &c.FeedSpec, &c.EventID, &c.Position)
		return c, err
	})
}

func (s *PostgresStore) Profile(ctx context.Context, pubkey string) (*Profile, error) {
	var p Profile
	err := s.Pool.QueryRow(ctx, `SELECT pubkey, event_id, created_at, name, display_name, about,
		picture, banner, nip05, lud16, website FROM profiles WHERE pubkey = $1`, pubkey).
		Scan(&p.PubKey, &p.EventID, &p.CreatedAt, &p.Name, &p.DisplayName, &p.About,
			&p.Picture, &p.Banner, &p.NIP05, &p.LUD16, &p.Website)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *PostgresStore) Post(ctx context.Context, id string) (*Post, error) {
	var p Post
	err := s.Pool.QueryRow(ctx, `SELECT id, author_id, kind, created_at, content, tags, root_id, reply_to_id
		FROM posts WHERE id = $1`, id).
		Scan(&p.ID, &p.AuthorID, &p.Kind, &p.CreatedAt, &p.Content, &p.Tags, &p.RootID, &p.ReplyToID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *PostgresStore) EventStats(ctx context.Context, eventID string) (*EventStats, error) {
	var st EventStats
	err := s.Pool.QueryRow(ctx, `SELECT event_id, likes, replies, mentions, reposts, zaps, sats_zapped, score, score24h
		FROM event_stats WHERE event_id = $1`, eventID).
		Scan(&st.EventID, &st.Likes, &st.Replies, &st.Mentions, &st.Reposts, &st.Zaps, &st.SatsZapped, &st.Score, &st.Score24h)
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

func (s *PostgresStore) ProfileStats(ctx context.Context, pubkey string) (*ProfileStats, error) {
	var st ProfileStats
	err := s.Pool.QueryRow(ctx, `SELECT pubkey, follows, followers, notes, long_form_notes, replies,
		relay_count, total_zaps, total_sats_zapped, joined_at FROM profile_stats WHERE pubkey = $1`, pubkey).
		Scan(&st.PubKey, &st.Follows, &st.Followers, &st.Notes, &st.LongFormNotes, &st.Replies,
			&st.RelayCount, &st.TotalZaps, &st.TotalSatsZapped, &st.JoinedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

func (s *PostgresStore) UserScore(ctx context.Context, pubkey string) (*UserScore, error) {
	var us UserScore
	err := s.Pool.QueryRow(ctx, `SELECT pubkey, score FROM user_scores WHERE pubkey = $1`, pubkey).
		Scan(&us.PubKey, &us.Score)
	if err != nil {
		return nil, notFound(err)
	}
	return &us, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// postgresTx queues each upsert group as one pgx batch.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) send(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return t.tx.SendBatch(ctx, b).Close()
}

func (t *postgresTx) UpsertProfiles(ctx context.Context, rows []Profile) error {
	b := &pgx.Batch{}
	for _, p := range rows {
		b.Queue(`INSERT INTO profiles (pubkey, event_id, created_at, name, display_name, about, picture, banner, nip05, lud16, website)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (pubkey) DO UPDATE SET event_id = $2, created_at = $3, name = $4, display_name = $5,
			about = $6, picture = $7, banner = $8, nip05 = $9, lud16 = $10, website = $11
			WHERE profiles.created_at <= EXCLUDED.created_at`,
			p.PubKey, p.EventID, p.CreatedAt, p.Name, p.DisplayName, p.About, p.Picture, p.Banner, p.NIP05, p.LUD16, p.Website)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertPosts(ctx context.Context, rows []Post) error {
	b := &pgx.Batch{}
	for _, p := range rows {
		tags := p.Tags
		if tags == nil {
			tags = [][]string{}
		}
		b.Queue(`INSERT INTO posts (id, author_id, kind, created_at, content, tags, root_id, reply_to_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET author_id = $2, kind = $3, created_at = $4, content = $5,
			tags = $6, root_id = $7, reply_to_id = $8`,
			p.ID, p.AuthorID, p.Kind, p.CreatedAt, p.Content, tags, p.RootID, p.ReplyToID)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertReposts(ctx context.Context, rows []Repost) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(`INSERT INTO reposts (id, author_id, created_at, reposted_id, reposted_author_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET author_id = $2, created_at = $3, reposted_id = $4, reposted_author_id = $5`,
			r.ID, r.AuthorID, r.CreatedAt, r.RepostedID, r.RepostedAuthorID)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertZaps(ctx context.Context, rows []Zap) error {
	b := &pgx.Batch{}
	for _, z := range rows {
		b.Queue(`INSERT INTO zaps (receipt_id, event_id, sender_id, receiver_id, amount_sats, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (receipt_id) DO UPDATE SET event_id = $2, sender_id = $3, receiver_id = $4,
			amount_sats = $5, message = $6, created_at = $7`,
			z.ReceiptID, z.EventID, z.SenderID, z.ReceiverID, z.AmountSats, z.Message, z.CreatedAt)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertEventStats(ctx context.Context, rows []EventStats) error {
	b := &pgx.Batch{}
	for _, s := range rows {
		b.Queue(`INSERT INTO event_stats (event_id, likes, replies, mentions, reposts, zaps, sats_zapped, score, score24h)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (event_id) DO UPDATE SET likes = $2, replies = $3, mentions = $4, reposts = $5,
			zaps = $6, sats_zapped = $7, score = $8, score24h = $9`,
			s.EventID, s.Likes, s.Replies, s.Mentions, s.Reposts, s.Zaps, s.SatsZapped, s.Score, s.Score24h)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertEventUserStats(ctx context.Context, rows []EventUserStats) error {
	b := &pgx.Batch{}
	for _, s := range rows {
		b.Queue(`INSERT INTO event_user_stats (event_id, user_id, liked, replied, reposted, zapped)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id, user_id) DO UPDATE SET liked = $3, replied = $4, reposted = $5, zapped = $6`,
			s.EventID, s.UserID, s.Liked, s.Replied, s.Reposted, s.Zapped)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertProfileStats(ctx context.Context, rows []ProfileStats) error {
	b := &pgx.Batch{}
	for _, s := range rows {
		b.Queue(`INSERT INTO profile_stats (pubkey, follows, followers, notes, long_form_notes, replies,
			relay_count, total_zaps, total_sats_zapped, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (pubkey) DO UPDATE SET follows = $2, followers = $3, notes = $4, long_form_notes = $5,
			replies = $6, relay_count = $7, total_zaps = $8, total_sats_zapped = $9, joined_at = $10`,
			s.PubKey, s.Follows, s.Followers, s.Notes, s.LongFormNotes, s.Replies,
			s.RelayCount, s.TotalZaps, s.TotalSatsZapped, s.JoinedAt)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertUserScores(ctx context.Context, rows []UserScore) error {
	b := &pgx.Batch{}
	for _, s := range rows {
		b.Queue(`INSERT INTO user_scores (pubkey, score) VALUES ($1, $2)
			ON CONFLICT (pubkey) DO UPDATE SET score = $2`, s.PubKey, s.Score)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertMediaResources(ctx context.Context, rows []MediaResource) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		variants := r.Variants
		if variants == nil {
			variants = []MediaVariant{}
		}
		b.Queue(`INSERT INTO media_resources (url, event_id, mime_type, size, variants)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (url) DO UPDATE SET event_id = $2, mime_type = $3, size = $4, variants = $5`,
			r.URL, r.EventID, r.MimeType, r.Size, variants)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertLinkPreviews(ctx context.Context, rows []LinkPreview) error {
	b := &pgx.Batch{}
	for _, p := range rows {
		b.Queue(`INSERT INTO link_previews (url, mime_type, title, description, image, icon_url)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (url) DO UPDATE SET mime_type = $2, title = $3, description = $4, image = $5, icon_url = $6`,
			p.URL, p.MimeType, p.Title, p.Description, p.Image, p.IconURL)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertRemoteKeys(ctx context.Context, rows []RemoteKey) error {
	b := &pgx.Batch{}
	for _, k := range rows {
		b.Queue(`INSERT INTO remote_keys (owner_id, feed_spec, event_id, since_id, until_id, cached_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner_id, feed_spec, event_id) DO UPDATE SET since_id = $4, until_id = $5, cached_at = $6`,
			k.OwnerID, k.FeedSpec, k.EventID, k.SinceID, k.UntilID, k.CachedAt)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) UpsertFeedConnections(ctx context.Context, rows []FeedConnection) error {
	b := &pgx.Batch{}
	for _, c := range rows {
		b.Queue(`INSERT INTO feed_connections (owner_id, feed_spec, event_id, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id, feed_spec, event_id) DO UPDATE SET position = $4`,
			c.OwnerID, c.FeedSpec, c.EventID, c.Position)
	}
	return t.send(ctx, b)
}

func (t *postgresTx) DeleteRemoteKeys(ctx context.Context, ownerID, feedSpec string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM remote_keys WHERE owner_id = $1 AND feed_spec = $2`, ownerID, feedSpec)
	return err
}

func (t *postgresTx) DeleteFeedConnections(ctx context.Context, ownerID, feedSpec string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM feed_connections WHERE owner_id = $1 AND feed_spec = $2`, ownerID, feedSpec)
	return err
}

func (t *postgresTx) RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]RemoteKey, error) {
	return queryRemoteKeys(ctx, t.tx, ownerID, feedSpec)
}

func (t *postgresTx) FeedConnections(ctx context.Context, ownerID, feedSpec string) ([]FeedConnection, error) {
	return queryFeedConnections(ctx, t.tx, ownerID, feedSpec)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
