package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-cachesync/internal/syncerr"
	"nostr-cachesync/internal/types"
)

// reqHandler answers one REQ. Returning false drops the socket.
type reqHandler func(ws *websocket.Conn, id, verb string) bool

type testServer struct {
	srv       *httptest.Server
	conns     atomic.Int32
	dropFirst atomic.Bool
	onReq     reqHandler

	mu     sync.Mutex
	closes []string
}

func newTestServer(t *testing.T, onReq reqHandler) *testServer {
	t.Helper()
	ts := &testServer{onReq: onReq}
	upgrader := websocket.Upgrader{}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if n := ts.conns.Add(1); n == 1 && ts.dropFirst.Load() {
			return
		}

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg []json.RawMessage
			if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
				continue
			}
			var typ, id string
			json.Unmarshal(msg[0], &typ)
			json.Unmarshal(msg[1], &id)

			switch typ {
			case "CLOSE":
				ts.mu.Lock()
				ts.closes = append(ts.closes, id)
				ts.mu.Unlock()
			case "REQ":
				if ts.onReq == nil || len(msg) < 3 {
					continue
				}
				var payload struct {
					Cache []json.RawMessage `json:"cache"`
				}
				json.Unmarshal(msg[2], &payload)
				var verb string
				if len(payload.Cache) > 0 {
					json.Unmarshal(payload.Cache[0], &verb)
				}
				if !ts.onReq(ws, id, verb) {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) closed() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.closes...)
}

func send(ws *websocket.Conn, frames ...string) {
	for _, f := range frames {
		ws.WriteMessage(websocket.TextMessage, []byte(f))
	}
}

func newTestClient(t *testing.T, url string, clientOpts ClientOptions) *Client {
	t.Helper()
	opts := DefaultConnOptions()
	opts.AutoReconnect = false
	conn := NewConn(url, opts)
	t.Cleanup(conn.Disconnect)
	return NewClient(conn, clientOpts)
}

func TestQueryCollectsEventsUntilEOSE(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		send(ws,
			`["EVENT","other-1",{"id":"zz","kind":1,"content":"not mine"}]`,
			`["EVENT","`+id+`",{"id":"a","kind":0,"content":"{}"}]`,
			`garbage`,
			`["EVENT","`+id+`",{"id":"b","kind":1,"content":"hello"}]`,
			`["EOSE","`+id+`"]`,
		)
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	res, err := c.Query(context.Background(), "user_profile", map[string]string{"pubkey": "abc"})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "a", res.Events[0].ID)
	assert.Equal(t, "b", res.Events[1].ID)
	assert.Equal(t, "user_profile", res.Verb)
	assert.Len(t, res.ByKind(1), 1)
	assert.Nil(t, res.Extension(10000113))
	assert.Equal(t, 0, c.Pending())
}

func TestConcurrentQueriesAreDemultiplexed(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		send(ws,
			`["EVENT","`+id+`",{"id":"`+verb+`","kind":1,"content":""}]`,
			`["EOSE","`+id+`"]`,
		)
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	verbs := []string{"feed", "thread_view", "user_search", "trending"}
	var wg sync.WaitGroup
	results := make([]*QueryResult, len(verbs))
	for i, verb := range verbs {
		wg.Add(1)
		go func(i int, verb string) {
			defer wg.Done()
			res, err := c.Query(context.Background(), verb, nil)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i, verb)
	}
	wg.Wait()

	for i, verb := range verbs {
		require.NotNil(t, results[i])
		require.Len(t, results[i].Events, 1)
		assert.Equal(t, verb, results[i].Events[0].ID)
	}
}

func TestQueryTimeoutReleasesID(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		return true
	})
	c := newTestClient(t, ts.url(), ClientOptions{QueryTimeout: 100 * time.Millisecond})

	_, err := c.Query(context.Background(), "feed", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrTimeout)
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, 0, c.Pending())

	assert.Eventually(t, func() bool { return len(ts.closed()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestQueryRejected(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		send(ws, `["OK","`+id+`",false,"invalid: unknown verb"]`)
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	_, err := c.Query(context.Background(), "nope", nil)
	var pe *syncerr.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nope", pe.Verb)
	assert.Equal(t, "invalid: unknown verb", pe.Message)
	assert.False(t, syncerr.IsRetryable(err))
	assert.Equal(t, 0, c.Pending())
}

func TestQueryFailsOnConnectionDrop(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		send(ws, `["EVENT","`+id+`",{"id":"a","kind":1,"content":""}]`)
		return false
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	_, err := c.Query(context.Background(), "feed", nil)
	require.Error(t, err)
	assert.True(t, syncerr.IsTransport(err))
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, 0, c.Pending())
}

func TestQueryContextCancel(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Query(ctx, "feed", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestSubscribeTransformsAndUnsubscribes(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		send(ws,
			`["EVENT","`+id+`",{"id":"a","kind":1,"content":"one"}]`,
			`["EVENT","`+id+`",{"id":"b","kind":7,"content":"+"}]`,
			`["EOSE","`+id+`"]`,
			`["EVENT","`+id+`",{"id":"c","kind":1,"content":"two"}]`,
		)
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	sub, err := Subscribe(context.Background(), c, "live_feed", nil, func(evt types.Event) (string, bool) {
		if evt.Kind != 1 {
			return "", false
		}
		return evt.Content, true
	})
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case v := <-sub.Events():
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, c.Pending())
	assert.Eventually(t, func() bool {
		closed := ts.closed()
		return len(closed) == 1 && closed[0] == sub.ID()
	}, time.Second, 10*time.Millisecond)
}

func TestDrainStopsAtUnsubscribe(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		for i := range 50 {
			send(ws, fmt.Sprintf(`["EVENT","%s",{"id":"e%d","kind":1311,"content":"x"}]`, id, i))
		}
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	var transformed atomic.Int32
	sub, err := Subscribe(context.Background(), c, "live_feed", nil, func(evt types.Event) (string, bool) {
		transformed.Add(1)
		return evt.ID, true
	})
	require.NoError(t, err)

	var sunk atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sub.Drain(func(string) {
			if sunk.Add(1) == 1 {
				close(entered)
				<-release
			}
		})
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first event")
	}
	// Let the rest of the events pile up behind the blocked sink
	require.Eventually(t, func() bool { return transformed.Load() > 1 }, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	afterTransform := transformed.Load()
	close(release)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after Unsubscribe")
	}
	assert.Equal(t, int32(1), sunk.Load())
	assert.Equal(t, afterTransform, transformed.Load())
}

func TestSubscriptionEndsOnConnectionDrop(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		return false
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	sub, err := Subscribe(context.Background(), c, "live_feed", nil, func(evt types.Event) (types.Event, bool) {
		return evt, true
	})
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.True(t, syncerr.IsTransport(sub.Err()))
	sub.Unsubscribe()
}

func TestSubscriptionClosedByServer(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn, id, verb string) bool {
		send(ws, `["CLOSED","`+id+`","error: not allowed"]`)
		return true
	})
	c := newTestClient(t, ts.url(), DefaultClientOptions())

	sub, err := Subscribe(context.Background(), c, "membership_purchase_monitor", nil, func(evt types.Event) (types.Event, bool) {
		return evt, true
	})
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.True(t, syncerr.IsProtocol(sub.Err()))
	assert.Equal(t, 0, c.Pending())
}

func TestWatchStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	opts := DefaultConnOptions()
	opts.AutoReconnect = false
	conn := NewConn(ts.url(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := conn.WatchStatus(ctx)

	assert.Equal(t, Disconnected, <-statuses)

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, Connected, conn.Status())
	assert.False(t, conn.LastConnected().IsZero())
	assert.Equal(t, Connected, <-statuses)

	conn.Disconnect()
	assert.Equal(t, Disconnected, <-statuses)

	var te *syncerr.TransportError
	assert.True(t, errors.As(conn.Send([]byte(`[]`)), &te))
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dropFirst.Store(true)

	opts := DefaultConnOptions()
	opts.ReconnectInitial = 10 * time.Millisecond
	opts.ReconnectMax = 50 * time.Millisecond
	conn := NewConn(ts.url(), opts)
	t.Cleanup(conn.Disconnect)

	require.NoError(t, conn.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return ts.conns.Load() >= 2 && conn.Status() == Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectStopsReconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dropFirst.Store(true)

	opts := DefaultConnOptions()
	opts.ReconnectInitial = 200 * time.Millisecond
	conn := NewConn(ts.url(), opts)

	require.NoError(t, conn.Connect(context.Background()))
	assert.Eventually(t, func() bool { return conn.Status() == Disconnected }, time.Second, 5*time.Millisecond)
	conn.Disconnect()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), ts.conns.Load())
	assert.Equal(t, Disconnected, conn.Status())
}

func TestDebounceSuppressesFlicker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Status)
	out := Debounce(ctx, in, 100*time.Millisecond)

	in <- Connected
	assert.Equal(t, Connected, <-out)

	in <- Disconnected
	time.Sleep(10 * time.Millisecond)
	in <- Connected

	select {
	case s := <-out:
		t.Fatalf("unexpected status %s", s)
	case <-time.After(250 * time.Millisecond):
	}

	in <- Disconnected
	select {
	case s := <-out:
		assert.Equal(t, Disconnected, s)
	case <-time.After(time.Second):
		t.Fatal("debounced status never delivered")
	}
}

func TestPoolSetURL(t *testing.T) {
	p := NewPool(DefaultConnOptions(), DefaultClientOptions())
	defer p.Close()

	_, err := p.Client(RoleCache)
	assert.ErrorIs(t, err, ErrUnknownRole)

	assert.Error(t, p.SetURL(RoleCache, "https://cache.example.com"))
	assert.Error(t, p.SetURL(RoleCache, "wss://relay.internal"))

	require.NoError(t, p.SetURL(RoleCache, "wss://Cache.Example.com/v1/"))
	first, err := p.Client(RoleCache)
	require.NoError(t, err)
	assert.Equal(t, "wss://cache.example.com/v1", first.Conn().URL())

	require.NoError(t, p.SetURL(RoleCache, "wss://cache.example.com/v1"))
	same, _ := p.Client(RoleCache)
	assert.Same(t, first, same)

	require.NoError(t, p.SetURL(RoleCache, "wss://cache2.example.com/v1"))
	replaced, _ := p.Client(RoleCache)
	assert.NotSame(t, first, replaced)

	assert.Equal(t, map[Role]Status{RoleCache: Disconnected}, p.Statuses())
}
