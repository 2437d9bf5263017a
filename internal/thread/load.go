package thread

import (
	"context"
	"errors"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/types"
)

// ThreadVerb is the cache-server verb returning a note with its ancestors and
// replies.
const ThreadVerb = "thread_view"

// Querier runs finite verb queries. *relay.Client implements it.
type Querier interface {
	Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error)
}

// Thread is a loaded conversation.
type Thread struct {
	EventID string
	Batch   *kinds.Batch
	// Posts holds notes and articles with parents before replies
	Posts []types.Event
}

// Load fetches the thread around eventID and orders it. userPubkey may be
// empty; when set the server includes that user's interaction stats.
func Load(ctx context.Context, q Querier, eventID, userPubkey string, limit int) (*Thread, error) {
	if eventID == "" {
		return nil, errors.New("thread: empty event id")
	}
	options := map[string]any{"event_id": eventID}
	if limit > 0 {
		options["limit"] = limit
	}
	if userPubkey != "" {
		options["user_pubkey"] = userPubkey
	}

	res, err := q.Query(ctx, ThreadVerb, options)
	if err != nil {
		return nil, err
	}

	batch := kinds.Classify(res)
	posts := make([]types.Event, 0, len(batch.Notes)+len(batch.Articles))
	for _, evt := range batch.FeedItems() {
		if evt.Kind != kinds.Repost {
			posts = append(posts, evt)
		}
	}
	return &Thread{
		EventID: eventID,
		Batch:   batch,
		Posts:   ReorderEvents(posts),
	}, nil
}
