package thread

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/types"
)

func reply(id, root, parent string) types.Event {
	evt := types.Event{ID: id, Kind: kinds.ShortTextNote}
	if root != "" {
		evt.Tags = append(evt.Tags, []string{"e", root, "", "root"})
	}
	if parent != "" && parent != root {
		evt.Tags = append(evt.Tags, []string{"e", parent, "", "reply"})
	}
	return evt
}

func ids(events []types.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestReorderEventsParentsFirst(t *testing.T) {
	a := reply("A", "", "")
	b := reply("B", "A", "A")
	c := reply("C", "A", "B")

	got := ReorderEvents([]types.Event{c, a, b})
	assert.Equal(t, []string{"A", "B", "C"}, ids(got))
}

func TestReorderKeepsInputOrderWhenUnconstrained(t *testing.T) {
	items := []Item{
		{ID: "r1", ReplyTo: "root", Root: "root"},
		{ID: "root"},
		{ID: "r2", ReplyTo: "root", Root: "root"},
		{ID: "x", ReplyTo: "missing"},
	}
	got := Reorder(items, func(it Item) Item { return it })

	var order []string
	for _, it := range got {
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{"root", "r1", "r2", "x"}, order)
}

func TestReorderCycleReturnsInput(t *testing.T) {
	items := []Item{
		{ID: "A", ReplyTo: "B"},
		{ID: "B", ReplyTo: "A"},
		{ID: "C"},
	}
	got := Reorder(items, func(it Item) Item { return it })
	assert.Equal(t, items, got)
}

func TestReorderSmallInputs(t *testing.T) {
	assert.Empty(t, ReorderEvents(nil))
	one := []types.Event{reply("solo", "x", "y")}
	assert.Equal(t, one, ReorderEvents(one))
}

func TestFromEventPositionalTags(t *testing.T) {
	evt := types.Event{ID: "c", Tags: [][]string{{"e", "root"}, {"e", "mid"}, {"p", "someone"}}}
	assert.Equal(t, Item{ID: "c", ReplyTo: "mid", Root: "root"}, FromEvent(evt))
}

type fakeQuerier struct {
	verb    string
	options map[string]any
	res     *relay.QueryResult
}

func (f *fakeQuerier) Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error) {
	f.verb = verb
	f.options = options.(map[string]any)
	return f.res, nil
}

func TestLoad(t *testing.T) {
	q := &fakeQuerier{res: &relay.QueryResult{Verb: ThreadVerb, Events: []types.Event{
		reply("C", "A", "B"),
		{ID: "p1", Kind: kinds.Metadata, PubKey: "author", Content: `{"name":"alice"}`},
		reply("B", "A", "A"),
		reply("A", "", ""),
	}}}

	th, err := Load(context.Background(), q, "B", "viewer", 50)
	require.NoError(t, err)

	assert.Equal(t, ThreadVerb, q.verb)
	assert.Equal(t, "B", q.options["event_id"])
	assert.Equal(t, 50, q.options["limit"])
	assert.Equal(t, "viewer", q.options["user_pubkey"])

	assert.Equal(t, []string{"A", "B", "C"}, ids(th.Posts))
	assert.Len(t, th.Batch.Profiles, 1)
}

func TestLoadRejectsEmptyID(t *testing.T) {
	_, err := Load(context.Background(), &fakeQuerier{}, "", "", 0)
	assert.Error(t, err)
}
