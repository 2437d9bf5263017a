package kinds

import (
	"log/slog"

	"nostr-cachesync/internal/store"
	"nostr-cachesync/internal/types"
	"nostr-cachesync/internal/util"
)

// Entities maps every bucket to cacheable rows. userID is the requester,
// the owner of any event-user stats in the batch. Events that fail to decode
// are logged and skipped; they never fail the batch.
func (b *Batch) Entities(userID string) *store.Entities {
	e := &store.Entities{}
	skip := func(evt types.Event, err error) {
		slog.Debug("skipping undecodable event", "kind", evt.Kind, "event_id", evt.ID, "error", err)
	}

	addPost := func(evt types.Event) {
		switch evt.Kind {
		case ShortTextNote, Article:
			e.Posts = append(e.Posts, PostFromEvent(evt))
		case Metadata:
			if p, err := DecodeProfile(evt); err == nil {
				e.Profiles = append(e.Profiles, p)
			} else {
				skip(evt, err)
			}
		}
	}

	for _, evt := range b.Profiles {
		addPost(evt)
	}
	for _, evt := range b.Notes {
		addPost(evt)
	}
	for _, evt := range b.Articles {
		addPost(evt)
	}
	for _, evt := range b.Reposts {
		r, inner := RepostFromEvent(evt)
		e.Reposts = append(e.Reposts, r)
		if inner != nil {
			addPost(*inner)
		}
	}
	for _, evt := range b.ReferencedEvents {
		inner, err := DecodeReferencedEvent(evt)
		if err != nil {
			skip(evt, err)
			continue
		}
		addPost(inner)
	}

	for _, evt := range b.Zaps {
		if z, err := DecodeZapReceipt(evt); err == nil {
			e.Zaps = append(e.Zaps, z)
		} else {
			skip(evt, err)
		}
	}
	for _, evt := range b.PrimalZaps {
		if z, err := DecodePrimalZap(evt); err == nil {
			e.Zaps = append(e.Zaps, z)
		} else {
			skip(evt, err)
		}
	}
	for _, evt := range b.EventStats {
		if s, err := DecodeEventStats(evt); err == nil {
			e.EventStats = append(e.EventStats, s)
		} else {
			skip(evt, err)
		}
	}
	for _, evt := range b.EventUserStats {
		if s, err := DecodeEventUserStats(evt, userID); err == nil {
			e.EventUserStats = append(e.EventUserStats, s)
		} else {
			skip(evt, err)
		}
	}
	for _, evt := range b.UserProfileStats {
		if s, err := DecodeProfileStats(evt); err == nil {
			e.ProfileStats = append(e.ProfileStats, s)
		} else {
			skip(evt, err)
		}
	}
	for _, evt := range b.UserScores {
		scores, err := DecodeUserScores(evt)
		if err != nil {
			skip(evt, err)
			continue
		}
		pubkeys := make([]string, 0, len(scores))
		for pubkey := range scores {
			pubkeys = append(pubkeys, pubkey)
		}
		for _, pubkey := range util.SortedCopy(pubkeys) {
			e.UserScores = append(e.UserScores, store.UserScore{PubKey: pubkey, Score: scores[pubkey]})
		}
	}
	for _, evt := range b.CdnResources {
		if rs, err := DecodeCdnResources(evt); err == nil {
			e.MediaResources = append(e.MediaResources, rs...)
		} else {
			skip(evt, err)
		}
	}
	for _, evt := range b.LinkPreviews {
		if p, err := DecodeLinkPreview(evt); err == nil {
			e.LinkPreviews = append(e.LinkPreviews, p)
		} else {
			skip(evt, err)
		}
	}
	return e
}
