// Package users maps cache-server user queries to display profiles.
package users

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/util"
)

const SearchVerb = "user_search"

// Querier runs finite verb queries. *relay.Client and *cache.ResultCache
// implement it.
type Querier interface {
	Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error)
}

// UserProfile is a profile as shown in search results. FollowersCount is
// nil when the server sent no count for the user.
type UserProfile struct {
	PubKey         string   `json:"pubkey"`
	EventID        string   `json:"event_id"`
	Name           string   `json:"name,omitempty"`
	DisplayName    string   `json:"display_name,omitempty"`
	About          string   `json:"about,omitempty"`
	Picture        string   `json:"picture,omitempty"`
	NIP05          string   `json:"nip05,omitempty"`
	LUD16          string   `json:"lud16,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	FollowersCount *int64   `json:"followers_count"`
}

// Title returns the best human-readable name.
func (p UserProfile) Title() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Name != "":
		return p.Name
	}
	return p.PubKey
}

// FromBatch builds one profile per metadata event, in arrival order.
// Follower counts come from the follower-counts event when present, and
// otherwise from the user-scores event.
func FromBatch(b *kinds.Batch) []UserProfile {
	scores := make(map[string]float64)
	for _, evt := range b.UserScores {
		s, err := kinds.DecodeUserScores(evt)
		if err != nil {
			slog.Debug("skipping user scores", "error", err)
			continue
		}
		for pk, v := range s {
			scores[pk] = v
		}
	}
	counts := make(map[string]int64)
	for _, evt := range b.FollowerCounts {
		c, err := kinds.DecodeFollowerCounts(evt)
		if err != nil {
			slog.Debug("skipping follower counts", "error", err)
			continue
		}
		for pk, v := range c {
			counts[pk] = v
		}
	}

	out := make([]UserProfile, 0, len(b.Profiles))
	for _, evt := range b.Profiles {
		up := UserProfile{PubKey: evt.PubKey, EventID: evt.ID}
		if p, err := kinds.DecodeProfile(evt); err == nil {
			up.Name = p.Name
			up.DisplayName = p.DisplayName
			up.About = p.About
			up.Picture = p.Picture
			up.NIP05 = p.NIP05
			up.LUD16 = p.LUD16
		} else {
			slog.Debug("undecodable metadata", "pubkey", evt.PubKey, "error", err)
		}

		if s, ok := scores[evt.PubKey]; ok {
			score := s
			up.Score = &score
			n := int64(math.Round(s))
			up.FollowersCount = &n
		}
		if c, ok := counts[evt.PubKey]; ok {
			n := c
			up.FollowersCount = &n
		}
		out = append(out, up)
	}
	return out
}

// Search runs a user search. limit <= 0 leaves the server default.
func Search(ctx context.Context, q Querier, query string, limit int) ([]UserProfile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("user search: empty query")
	}
	options := map[string]any{"query": query}
	if limit > 0 {
		options["limit"] = limit
	}
	res, err := q.Query(ctx, SearchVerb, options)
	if err != nil {
		return nil, err
	}
	return FromBatch(kinds.Classify(res)), nil
}

// WithFollowers keeps the profiles that carry a followers count.
func WithFollowers(profiles []UserProfile) []UserProfile {
	return util.FilterSlice(profiles, func(p UserProfile) bool { return p.FollowersCount != nil })
}
