package feed

import (
	"context"
	"fmt"

	"nostr-cachesync/internal/store"
)

// Direction selects which side of the cached window a page extends.
type Direction int

const (
	// Refresh drops the cached window and loads the newest page.
	Refresh Direction = iota
	// Older extends the window downwards.
	Older
	// Newer extends the window upwards.
	Newer
)

func (d Direction) String() string {
	switch d {
	case Refresh:
		return "refresh"
	case Older:
		return "older"
	case Newer:
		return "newer"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection accepts the names returned by Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "refresh", "":
		return Refresh, nil
	case "older":
		return Older, nil
	case "newer":
		return Newer, nil
	}
	return Refresh, fmt.Errorf("unknown direction %q", s)
}

// PageRequest is the paging part of the next feed query.
type PageRequest struct {
	Direction Direction
	Since     *int64
	Until     *int64
	ClearFeed bool
}

// Options merges the request bounds into verb options.
func (r PageRequest) Options(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	if r.Since != nil {
		out["since"] = *r.Since
	}
	if r.Until != nil {
		out["until"] = *r.Until
	}
	return out
}

type window struct {
	since int64
	until int64
	ok    bool
}

// keyReader is satisfied by both store.Store and store.Tx.
type keyReader interface {
	RemoteKeys(ctx context.Context, ownerID, feedSpec string) ([]store.RemoteKey, error)
}

func windowOf(ctx context.Context, s keyReader, ownerID, feedSpec string) (window, error) {
	keys, err := s.RemoteKeys(ctx, ownerID, feedSpec)
	if err != nil {
		return window{}, err
	}
	var w window
	for _, k := range keys {
		if !w.ok || k.SinceID < w.since {
			w.since = k.SinceID
		}
		if !w.ok || k.UntilID > w.until {
			w.until = k.UntilID
		}
		w.ok = true
	}
	return w, nil
}

// Planner decides how the next page of a feed should be requested from the
// remote-key window.
type Planner struct {
	store store.Store
}

// NewPlanner creates a planner reading s.
func NewPlanner(s store.Store) *Planner {
	return &Planner{store: s}
}

// Window reports the cached id window of a feed; ok is false when nothing
// is cached.
func (p *Planner) Window(ctx context.Context, ownerID, feedSpec string) (since, until int64, ok bool, err error) {
	w, err := windowOf(ctx, p.store, ownerID, feedSpec)
	if err != nil {
		return 0, 0, false, err
	}
	return w.since, w.until, w.ok, nil
}

// NextPage plans the request for dir. Paging an empty window falls back to
// a refresh.
func (p *Planner) NextPage(ctx context.Context, ownerID, feedSpec string, dir Direction) (PageRequest, error) {
	w, err := windowOf(ctx, p.store, ownerID, feedSpec)
	if err != nil {
		return PageRequest{}, fmt.Errorf("read window: %w", err)
	}
	if dir == Refresh || !w.ok {
		return PageRequest{Direction: Refresh, ClearFeed: true}, nil
	}

	switch dir {
	case Older:
		until := w.since
		return PageRequest{Direction: Older, Until: &until}, nil
	case Newer:
		since := w.until
		return PageRequest{Direction: Newer, Since: &since}, nil
	}
	return PageRequest{}, fmt.Errorf("unknown direction %s", dir)
}
