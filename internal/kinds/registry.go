// Package kinds knows every event kind the cache server sends and partitions
// a query response into typed buckets.
package kinds

import "nostr-cachesync/internal/types"

// Standard Nostr kinds
const (
	Metadata      = 0
	ShortTextNote = 1
	Contacts      = 3
	Repost        = 6
	Reaction      = 7
	Zap           = 9735
	Article       = 30023
)

// Cache-server extension kinds. These are synthesized by the server and
// describe other events rather than being signed user content.
const (
	PrimalEventStats          = 10000100
	PrimalUserProfileStats    = 10000105
	PrimalReferencedEvent     = 10000107
	PrimalUserScores          = 10000108
	PrimalPaging              = 10000113
	PrimalCdnResource         = 10000114
	PrimalEventUserStats      = 10000115
	PrimalLinkPreview         = 10000128
	PrimalZapEvent            = 10000129
	PrimalUserFollowersCounts = 10000133
)

// Definition describes one registered kind.
type Definition struct {
	Kind int    // event kind number
	Name string // machine name, also the bucket name

	Extension   bool // synthesized by the cache server
	FeedItem    bool // occupies a position in a feed
	Replaceable bool // newer events replace older ones per author

	// collect appends evt to its bucket
	collect func(b *Batch, evt types.Event)
}

// Registry maps kind numbers to their definitions. Add new kinds here to
// route them out of the Other bucket.
var Registry = map[int]*Definition{
	Metadata: {
		Kind:        Metadata,
		Name:        "profiles",
		Replaceable: true,
		collect:     func(b *Batch, e types.Event) { b.Profiles = append(b.Profiles, e) },
	},
	ShortTextNote: {
		Kind:     ShortTextNote,
		Name:     "notes",
		FeedItem: true,
		collect:  func(b *Batch, e types.Event) { b.Notes = append(b.Notes, e) },
	},
	Contacts: {
		Kind:        Contacts,
		Name:        "contacts",
		Replaceable: true,
		collect:     func(b *Batch, e types.Event) { b.Contacts = append(b.Contacts, e) },
	},
	Repost: {
		Kind:     Repost,
		Name:     "reposts",
		FeedItem: true,
		collect:  func(b *Batch, e types.Event) { b.Reposts = append(b.Reposts, e) },
	},
	Reaction: {
		Kind:    Reaction,
		Name:    "reactions",
		collect: func(b *Batch, e types.Event) { b.Reactions = append(b.Reactions, e) },
	},
	Zap: {
		Kind:    Zap,
		Name:    "zaps",
		collect: func(b *Batch, e types.Event) { b.Zaps = append(b.Zaps, e) },
	},
	Article: {
		Kind:        Article,
		Name:        "articles",
		FeedItem:    true,
		Replaceable: true,
		collect:     func(b *Batch, e types.Event) { b.Articles = append(b.Articles, e) },
	},

	PrimalEventStats: {
		Kind:      PrimalEventStats,
		Name:      "event_stats",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.EventStats = append(b.EventStats, e) },
	},
	PrimalUserProfileStats: {
		Kind:      PrimalUserProfileStats,
		Name:      "user_profile_stats",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.UserProfileStats = append(b.UserProfileStats, e) },
	},
	PrimalReferencedEvent: {
		Kind:      PrimalReferencedEvent,
		Name:      "referenced_events",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.ReferencedEvents = append(b.ReferencedEvents, e) },
	},
	PrimalUserScores: {
		Kind:      PrimalUserScores,
		Name:      "user_scores",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.UserScores = append(b.UserScores, e) },
	},
	PrimalPaging: {
		Kind:      PrimalPaging,
		Name:      "paging",
		Extension: true,
		collect: func(b *Batch, e types.Event) {
			// At most one cursor per page; first wins
			if b.Paging == nil {
				b.Paging = &e
			}
		},
	},
	PrimalCdnResource: {
		Kind:      PrimalCdnResource,
		Name:      "cdn_resources",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.CdnResources = append(b.CdnResources, e) },
	},
	PrimalEventUserStats: {
		Kind:      PrimalEventUserStats,
		Name:      "event_user_stats",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.EventUserStats = append(b.EventUserStats, e) },
	},
	PrimalLinkPreview: {
		Kind:      PrimalLinkPreview,
		Name:      "link_previews",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.LinkPreviews = append(b.LinkPreviews, e) },
	},
	PrimalZapEvent: {
		Kind:      PrimalZapEvent,
		Name:      "primal_zaps",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.PrimalZaps = append(b.PrimalZaps, e) },
	},
	PrimalUserFollowersCounts: {
		Kind:      PrimalUserFollowersCounts,
		Name:      "follower_counts",
		Extension: true,
		collect:   func(b *Batch, e types.Event) { b.FollowerCounts = append(b.FollowerCounts, e) },
	},
}

// Unknown is used for kinds outside the registry; they land in Other.
var Unknown = &Definition{
	Kind:    -1,
	Name:    "other",
	collect: func(b *Batch, e types.Event) { b.Other = append(b.Other, e) },
}

// Lookup returns the definition for kind, or Unknown.
func Lookup(kind int) *Definition {
	if def, ok := Registry[kind]; ok {
		return def
	}
	return Unknown
}

// IsFeedItem reports whether kind occupies a feed position.
func IsFeedItem(kind int) bool {
	return Lookup(kind).FeedItem
}
