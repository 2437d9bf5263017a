package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
)

type feedKey struct {
	owner string
	spec  string
}

type rowKey struct {
	feedKey
	eventID string
}

type eventUserKey struct {
	eventID string
	userID  string
}

// memoryState is everything the memory engine holds. Begin snapshots it and
// Commit swaps the snapshot in.
type memoryState struct {
	profiles       map[string]Profile
	posts          map[string]Post
	reposts        map[string]Repost
	zaps           map[string]Zap
	eventStats     map[string]EventStats
	eventUserStats map[eventUserKey]EventUserStats
	profileStats   map[string]ProfileStats
	userScores     map[string]UserScore
	media          map[string]MediaResource
	linkPreviews   map[string]LinkPreview
	remoteKeys     map[rowKey]RemoteKey
	feedConns      map[rowKey]FeedConnection
}

func newMemoryState() *memoryState {
	return &memoryState{
		profiles:       make(map[string]Profile),
		posts:          make(map[string]Post),
		reposts:        make(map[string]Repost),
		zaps:           make(map[string]Zap),
		eventStats:     make(map[string]EventStats),
		eventUserStats: make(map[eventUserKey]EventUserStats),
		profileStats:   make(map[string]ProfileStats),
		userScores:     make(map[string]UserScore),
		media:          make(map[string]MediaResource),
		linkPreviews:   make(map[string]LinkPreview),
		remoteKeys:     make(map[rowKey]RemoteKey),
		feedConns:      make(map[rowKey]FeedConnection),
	}
}

// table identifies one map of memoryState for copy-on-write.
type table uint16

const (
	tProfiles table = 1 << iota
	tPosts
	tReposts
	tZaps
	tEventStats
	tEventUserStats
	tProfileStats
	tUserScores
	tMedia
	tLinkPreviews
	tRemoteKeys
	tFeedConns
)

// own gives tx a private copy of one table before its first write. Tables
// a transaction never writes stay shared with the committed state, which is
// only ever replaced, never mutated.
func own[K comparable, V any](tx *memoryTx, t table, rows *map[K]V) {
	if tx.owned&t == 0 {
		*rows = maps.Clone(*rows)
		tx.owned |= t
	}
}

// MemoryStore is an in-process cache engine. Transactions are serialized:
// the store lock is held from Begin until Commit or Rollback. A transaction
// copies each table on its first write to it, so a page costs the size of
// the tables it touches; meant for tests and single-process CLI use.
type MemoryStore struct {
	txMu  sync.Mutex // held for the lifetime of a Tx
	mu    sync.RWMutex
	state *memoryState
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()

	m.mu.RLock()
	work := *m.state
	m.mu.RUnlock()

	return &memoryTx{store: m, work: &work}, nil
}

func (m *MemoryStore) RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]RemoteKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return remoteKeysOf(m.state, ownerID, feedSpec), nil
}

func (m *MemoryStore) FeedConnections(ctx context.Context, ownerID, feedSpec string) ([]FeedConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return feedConnectionsOf(m.state, ownerID, feedSpec), nil
}

func (m *MemoryStore) Profile(ctx context.Context, pubkey string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.state.profiles, pubkey)
}

func (m *MemoryStore) Post(ctx context.Context, id string) (*Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.state.posts, id)
}

func (m *MemoryStore) EventStats(ctx context.Context, eventID string) (*EventStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.state.eventStats, eventID)
}

func (m *MemoryStore) ProfileStats(ctx context.Context, pubkey string) (*ProfileStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.state.profileStats, pubkey)
}

func (m *MemoryStore) UserScore(ctx context.Context, pubkey string) (*UserScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.state.userScores, pubkey)
}

// Counts returns the number of rows per table, for tests and the CLI.
func (m *MemoryStore) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	return map[string]int{
		"profiles":         len(s.profiles),
		"posts":            len(s.posts),
		"reposts":          len(s.reposts),
		"zaps":             len(s.zaps),
		"event_stats":      len(s.eventStats),
		"event_user_stats": len(s.eventUserStats),
		"profile_stats":    len(s.profileStats),
		"user_scores":      len(s.userScores),
		"media_resources":  len(s.media),
		"link_previews":    len(s.linkPreviews),
		"remote_keys":      len(s.remoteKeys),
		"feed_connections": len(s.feedConns),
	}
}

func (m *MemoryStore) Close() {}

func lookup[K comparable, V any](rows map[K]V, key K) (*V, error) {
	v, ok := rows[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func remoteKeysOf(s *memoryState, ownerID, feedSpec string) []RemoteKey {
	var out []RemoteKey
	for k, v := range s.remoteKeys {
		if k.owner == ownerID && k.spec == feedSpec {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

func feedConnectionsOf(s *memoryState, ownerID, feedSpec string) []FeedConnection {
	var out []FeedConnection
	for k, v := range s.feedConns {
		if k.owner == ownerID && k.spec == feedSpec {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

type memoryTx struct {
	store *MemoryStore
	work  *memoryState
	owned table
	done  bool
}

func (tx *memoryTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func upsertAll[K comparable, V any](rows map[K]V, items []V, key func(V) K) {
	for _, item := range items {
		rows[key(item)] = item
	}
}

func (tx *memoryTx) UpsertProfiles(ctx context.Context, rows []Profile) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tProfiles, &tx.work.profiles)
	for _, p := range rows {
		// Only a newer metadata event replaces the stored one
		if cur, ok := tx.work.profiles[p.PubKey]; ok && cur.CreatedAt > p.CreatedAt {
			continue
		}
		tx.work.profiles[p.PubKey] = p
	}
	return nil
}

func (tx *memoryTx) UpsertPosts(ctx context.Context, rows []Post) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tPosts, &tx.work.posts)
	upsertAll(tx.work.posts, rows, func(p Post) string { return p.ID })
	return nil
}

func (tx *memoryTx) UpsertReposts(ctx context.Context, rows []Repost) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tReposts, &tx.work.reposts)
	upsertAll(tx.work.reposts, rows, func(r Repost) string { return r.ID })
	return nil
}

func (tx *memoryTx) UpsertZaps(ctx context.Context, rows []Zap) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tZaps, &tx.work.zaps)
	upsertAll(tx.work.zaps, rows, func(z Zap) string { return z.ReceiptID })
	return nil
}

func (tx *memoryTx) UpsertEventStats(ctx context.Context, rows []EventStats) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tEventStats, &tx.work.eventStats)
	upsertAll(tx.work.eventStats, rows, func(s EventStats) string { return s.EventID })
	return nil
}

func (tx *memoryTx) UpsertEventUserStats(ctx context.Context, rows []EventUserStats) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tEventUserStats, &tx.work.eventUserStats)
	upsertAll(tx.work.eventUserStats, rows, func(s EventUserStats) eventUserKey {
		return eventUserKey{eventID: s.EventID, userID: s.UserID}
	})
	return nil
}

func (tx *memoryTx) UpsertProfileStats(ctx context.Context, rows []ProfileStats) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tProfileStats, &tx.work.profileStats)
	upsertAll(tx.work.profileStats, rows, func(s ProfileStats) string { return s.PubKey })
	return nil
}

func (tx *memoryTx) UpsertUserScores(ctx context.Context, rows []UserScore) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tUserScores, &tx.work.userScores)
	upsertAll(tx.work.userScores, rows, func(s UserScore) string { return s.PubKey })
	return nil
}

func (tx *memoryTx) UpsertMediaResources(ctx context.Context, rows []MediaResource) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tMedia, &tx.work.media)
	for _, r := range rows {
		r.Variants = slices.Clone(r.Variants)
		tx.work.media[r.URL] = r
	}
	return nil
}

func (tx *memoryTx) UpsertLinkPreviews(ctx context.Context, rows []LinkPreview) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tLinkPreviews, &tx.work.linkPreviews)
	upsertAll(tx.work.linkPreviews, rows, func(p LinkPreview) string { return p.URL })
	return nil
}

func (tx *memoryTx) UpsertRemoteKeys(ctx context.Context, rows []RemoteKey) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tRemoteKeys, &tx.work.remoteKeys)
	upsertAll(tx.work.remoteKeys, rows, func(k RemoteKey) rowKey {
		return rowKey{feedKey{k.OwnerID, k.FeedSpec}, k.EventID}
	})
	return nil
}

func (tx *memoryTx) UpsertFeedConnections(ctx context.Context, rows []FeedConnection) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tFeedConns, &tx.work.feedConns)
	upsertAll(tx.work.feedConns, rows, func(c FeedConnection) rowKey {
		return rowKey{feedKey{c.OwnerID, c.FeedSpec}, c.EventID}
	})
	return nil
}

func (tx *memoryTx) DeleteRemoteKeys(ctx context.Context, ownerID, feedSpec string) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tRemoteKeys, &tx.work.remoteKeys)
	maps.DeleteFunc(tx.work.remoteKeys, func(k rowKey, _ RemoteKey) bool {
		return k.owner == ownerID && k.spec == feedSpec
	})
	return nil
}

func (tx *memoryTx) DeleteFeedConnections(ctx context.Context, ownerID, feedSpec string) error {
	if err := tx.check(); err != nil {
		return err
	}
	own(tx, tFeedConns, &tx.work.feedConns)
	maps.DeleteFunc(tx.work.feedConns, func(k rowKey, _ FeedConnection) bool {
		return k.owner == ownerID && k.spec == feedSpec
	})
	return nil
}

func (tx *memoryTx) RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]RemoteKey, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	return remoteKeysOf(tx.work, ownerID, feedSpec), nil
}

func (tx *memoryTx) FeedConnections(ctx context.Context, ownerID, feedSpec string) ([]FeedConnection, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	return feedConnectionsOf(tx.work, ownerID, feedSpec), nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.store.mu.Lock()
	tx.store.state = tx.work
	tx.store.mu.Unlock()

	tx.store.txMu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.work = nil
	tx.store.txMu.Unlock()
	return nil
}
