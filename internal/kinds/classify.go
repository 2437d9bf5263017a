package kinds

import (
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/types"
	"nostr-cachesync/internal/util"
)

// Batch is one response partitioned by kind. Every bucket keeps arrival
// order. Classification never drops an event: kinds outside the registry go
// to Other.
type Batch struct {
	Profiles  []types.Event
	Notes     []types.Event
	Articles  []types.Event
	Reposts   []types.Event
	Reactions []types.Event
	Contacts  []types.Event
	Zaps      []types.Event

	PrimalZaps       []types.Event
	EventStats       []types.Event
	UserProfileStats []types.Event
	ReferencedEvents []types.Event
	UserScores       []types.Event
	CdnResources     []types.Event
	EventUserStats   []types.Event
	LinkPreviews     []types.Event
	FollowerCounts   []types.Event
	Paging           *types.Event

	Other []types.Event

	// feed items across Notes, Articles and Reposts, in arrival order
	feed []types.Event
}

// Classify partitions a query result. It is pure: the result is not modified
// and nothing is persisted.
func Classify(result *relay.QueryResult) *Batch {
	if result == nil {
		return &Batch{}
	}
	return ClassifyEvents(result.Events)
}

// ClassifyEvents partitions events by kind. Repeated deliveries of the same
// event (same kind and id) are kept once.
func ClassifyEvents(events []types.Event) *Batch {
	b := &Batch{}
	seen := mapset.NewThreadUnsafeSet[string]()

	for _, evt := range events {
		if evt.ID != "" && !seen.Add(strconv.Itoa(evt.Kind)+":"+evt.ID) {
			continue
		}
		def := Lookup(evt.Kind)
		def.collect(b, evt)
		if def.FeedItem {
			b.feed = append(b.feed, evt)
		}
	}
	return b
}

// FeedItems returns notes, articles and reposts in arrival order.
func (b *Batch) FeedItems() []types.Event {
	return b.feed
}

// FeedItemIDs returns the ids of FeedItems, skipping events without one.
func (b *Batch) FeedItemIDs() []string {
	ids := make([]string, 0, len(b.feed))
	for _, evt := range util.FilterSlice(b.feed, func(e types.Event) bool { return e.ID != "" }) {
		ids = append(ids, evt.ID)
	}
	return ids
}

// Cursor decodes the paging event, if any.
func (b *Batch) Cursor() (*PagingCursor, error) {
	if b.Paging == nil {
		return nil, nil
	}
	c, err := DecodePaging(*b.Paging)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Counts returns the number of events per non-empty bucket, keyed by the
// registry name.
func (b *Batch) Counts() map[string]int {
	out := make(map[string]int)
	add := func(name string, n int) {
		if n > 0 {
			out[name] = n
		}
	}
	add(Registry[Metadata].Name, len(b.Profiles))
	add(Registry[ShortTextNote].Name, len(b.Notes))
	add(Registry[Article].Name, len(b.Articles))
	add(Registry[Repost].Name, len(b.Reposts))
	add(Registry[Reaction].Name, len(b.Reactions))
	add(Registry[Contacts].Name, len(b.Contacts))
	add(Registry[Zap].Name, len(b.Zaps))
	add(Registry[PrimalZapEvent].Name, len(b.PrimalZaps))
	add(Registry[PrimalEventStats].Name, len(b.EventStats))
	add(Registry[PrimalUserProfileStats].Name, len(b.UserProfileStats))
	add(Registry[PrimalReferencedEvent].Name, len(b.ReferencedEvents))
	add(Registry[PrimalUserScores].Name, len(b.UserScores))
	add(Registry[PrimalCdnResource].Name, len(b.CdnResources))
	add(Registry[PrimalEventUserStats].Name, len(b.EventUserStats))
	add(Registry[PrimalLinkPreview].Name, len(b.LinkPreviews))
	add(Registry[PrimalUserFollowersCounts].Name, len(b.FollowerCounts))
	if b.Paging != nil {
		add(Registry[PrimalPaging].Name, 1)
	}
	add(Unknown.Name, len(b.Other))
	return out
}
