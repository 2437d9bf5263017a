package monitor

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

	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/syncerr"
	"nostr-cachesync/internal/types"
)

type fakeSub struct {
	unsubs atomic.Int32
	done   chan struct{}
	once   sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{done: make(chan struct{})} }

func (f *fakeSub) Unsubscribe() {
	f.unsubs.Add(1)
	f.once.Do(func() { close(f.done) })
}

func (f *fakeSub) Done() <-chan struct{} { return f.done }

func TestCoordinatorStartIsIdempotent(t *testing.T) {
	c := NewCoordinator(nil)
	ctx := context.Background()

	var started atomic.Int32
	start := func(ctx context.Context) (Subscription, error) {
		started.Add(1)
		return newFakeSub(), nil
	}

	ok, err := c.Start(ctx, "k", start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Start(ctx, "k", start)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), started.Load())
	assert.True(t, c.Active("k"))
}

func TestCoordinatorConcurrentStartOpensOnce(t *testing.T) {
	c := NewCoordinator(nil)
	var started atomic.Int32
	start := func(ctx context.Context) (Subscription, error) {
		started.Add(1)
		time.Sleep(5 * time.Millisecond)
		return newFakeSub(), nil
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(context.Background(), "k", start)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), started.Load())
}

func TestCoordinatorStopThenStart(t *testing.T) {
	c := NewCoordinator(nil)
	ctx := context.Background()

	first := newFakeSub()
	second := newFakeSub()
	subs := []*fakeSub{first, second}
	start := func(ctx context.Context) (Subscription, error) {
		s := subs[0]
		subs = subs[1:]
		return s, nil
	}

	_, err := c.Start(ctx, "k", start)
	require.NoError(t, err)
	c.Stop("k")
	assert.Equal(t, int32(1), first.unsubs.Load())
	assert.False(t, c.Active("k"))

	ok, err := c.Start(ctx, "k", start)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(0), second.unsubs.Load())

	c.Stop("k")
	c.Stop("k")
	c.Stop("never-started")
	assert.Equal(t, int32(1), second.unsubs.Load())
}

func TestCoordinatorFailedStartFreesKey(t *testing.T) {
	c := NewCoordinator(nil)
	boom := errors.New("boom")

	ok, err := c.Start(context.Background(), "k", func(ctx context.Context) (Subscription, error) {
		return nil, boom
	})
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Active("k"))
}

func TestCoordinatorStopDuringStart(t *testing.T) {
	c := NewCoordinator(nil)
	sub := newFakeSub()
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		<-entered
		c.Stop("k")
		close(release)
	}()

	_, err := c.Start(context.Background(), "k", func(ctx context.Context) (Subscription, error) {
		close(entered)
		<-release
		return sub, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), sub.unsubs.Load())
	assert.False(t, c.Active("k"))
}

func TestCoordinatorReapsEndedSubscription(t *testing.T) {
	c := NewCoordinator(nil)
	sub := newFakeSub()
	_, err := c.Start(context.Background(), "k", func(ctx context.Context) (Subscription, error) {
		return sub, nil
	})
	require.NoError(t, err)

	sub.once.Do(func() { close(sub.done) })
	assert.Eventually(t, func() bool { return !c.Active("k") }, time.Second, 5*time.Millisecond)
}

func TestCoordinatorStopAll(t *testing.T) {
	c := NewCoordinator(nil)
	subs := []*fakeSub{newFakeSub(), newFakeSub(), newFakeSub()}
	for i, s := range subs {
		_, err := c.Start(context.Background(), string(rune('a'+i)), func(ctx context.Context) (Subscription, error) {
			return s, nil
		})
		require.NoError(t, err)
	}
	assert.Len(t, c.Keys(), 3)

	c.StopAll()
	assert.Empty(t, c.Keys())
	for _, s := range subs {
		assert.Equal(t, int32(1), s.unsubs.Load())
	}
}

// stubServer answers every REQ with the given event payloads and records
// REQ and CLOSE frames.
type stubServer struct {
	srv    *httptest.Server
	mu     sync.Mutex
	reqs   map[string]int
	closes []string
	// firstOnly sends the events only for the first REQ of each verb
	firstOnly bool
}

func newStubServer(t *testing.T, events ...string) *stubServer {
	t.Helper()
	s := &stubServer{reqs: make(map[string]int)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
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
				s.mu.Lock()
				s.closes = append(s.closes, id)
				s.mu.Unlock()
			case "REQ":
				var payload struct {
					Cache []json.RawMessage `json:"cache"`
				}
				json.Unmarshal(msg[2], &payload)
				var verb string
				json.Unmarshal(payload.Cache[0], &verb)
				s.mu.Lock()
				s.reqs[verb]++
				reply := !s.firstOnly || s.reqs[verb] == 1
				s.mu.Unlock()
				for _, e := range events {
					if !reply {
						break
					}
					ws.WriteMessage(websocket.TextMessage, []byte(`["EVENT","`+id+`",`+e+`]`))
				}
				ws.WriteMessage(websocket.TextMessage, []byte(`["EOSE","`+id+`"]`))
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubServer) client(t *testing.T) *relay.Client {
	t.Helper()
	opts := relay.DefaultConnOptions()
	opts.AutoReconnect = false
	conn := relay.NewConn("ws"+strings.TrimPrefix(s.srv.URL, "http"), opts)
	t.Cleanup(conn.Disconnect)
	return relay.NewClient(conn, relay.DefaultClientOptions())
}

func (s *stubServer) reqCount(verb string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[verb]
}

func (s *stubServer) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closes)
}

func TestLiveFeedMonitor(t *testing.T) {
	srv := newStubServer(t,
		`{"id":"chat1","kind":1311,"content":"hi"}`,
		`{"id":"chat2","kind":1311,"content":"gm"}`,
	)
	client := srv.client(t)
	m := NewLiveFeedMonitor(NewCoordinator(nil), client, nil)
	stream := LiveStream{HostPubkey: "host", Identifier: "show"}

	got := make(chan types.Event, 4)
	sink := func(evt types.Event) { got <- evt }

	ok, err := m.Start(context.Background(), stream, sink)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Start(context.Background(), stream, sink)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, want := range []string{"chat1", "chat2"} {
		select {
		case evt := <-got:
			assert.Equal(t, want, evt.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for live event")
		}
	}
	assert.Equal(t, 1, srv.reqCount(LiveFeedVerb))

	m.Stop(stream)
	assert.False(t, m.Active(stream))
	assert.Eventually(t, func() bool { return srv.closeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, client.Pending())
}

func TestLiveFeedMonitorRequiresAddress(t *testing.T) {
	m := NewLiveFeedMonitor(NewCoordinator(nil), nil, nil)
	_, err := m.Start(context.Background(), LiveStream{HostPubkey: "host"}, func(types.Event) {})
	assert.Error(t, err)
}

func TestPurchaseMonitorStopsAfterFirstUpdate(t *testing.T) {
	srv := newStubServer(t, `{"id":"paid","kind":10000169,"content":"{}"}`)
	client := srv.client(t)
	m := NewPurchaseMonitor(NewCoordinator(nil), client, nil)

	got := make(chan PurchaseUpdate, 1)
	ok, err := m.Start(context.Background(), "quote-1", func(u PurchaseUpdate) { got <- u })
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case u := <-got:
		assert.Equal(t, "quote-1", u.QuoteID)
		assert.Equal(t, "paid", u.Event.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for purchase update")
	}

	assert.Eventually(t, func() bool { return !m.Active("quote-1") }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return srv.closeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveFeedMonitorStopDiscardsBufferedEvents(t *testing.T) {
	events := make([]string, 50)
	for i := range events {
		events[i] = fmt.Sprintf(`{"id":"chat%d","kind":1311,"content":"x"}`, i)
	}
	srv := newStubServer(t, events...)
	m := NewLiveFeedMonitor(NewCoordinator(nil), srv.client(t), nil)
	stream := LiveStream{HostPubkey: "host", Identifier: "show"}

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	sink := func(types.Event) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}

	_, err := m.Start(context.Background(), stream, sink)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first event")
	}
	time.Sleep(100 * time.Millisecond)

	m.Stop(stream)
	afterStop := calls.Load()
	close(release)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), afterStop)
	assert.Equal(t, afterStop, calls.Load(), "sink called after Stop returned")
}

func TestLiveFeedMonitorWait(t *testing.T) {
	srv := newStubServer(t)
	m := NewLiveFeedMonitor(NewCoordinator(nil), srv.client(t), nil)
	stream := LiveStream{HostPubkey: "host", Identifier: "show"}

	assert.ErrorIs(t, m.Wait(context.Background(), stream), ErrEnded)

	_, err := m.Start(context.Background(), stream, func(types.Event) {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx, stream), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- m.Wait(context.Background(), stream) }()
	time.Sleep(20 * time.Millisecond)
	m.Stop(stream)

	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestLiveFeedMonitorWaitReportsDrop(t *testing.T) {
	srv := newStubServer(t)
	m := NewLiveFeedMonitor(NewCoordinator(nil), srv.client(t), nil)
	stream := LiveStream{HostPubkey: "host", Identifier: "show"}

	_, err := m.Start(context.Background(), stream, func(types.Event) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.reqCount(LiveFeedVerb) == 1 }, 2*time.Second, 10*time.Millisecond)

	waited := make(chan error, 1)
	go func() { waited <- m.Wait(context.Background(), stream) }()
	time.Sleep(20 * time.Millisecond)
	srv.srv.CloseClientConnections()

	select {
	case err := <-waited:
		assert.True(t, syncerr.IsTransport(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the connection dropped")
	}
	assert.Eventually(t, func() bool { return !m.Active(stream) }, 2*time.Second, 10*time.Millisecond)
}

func TestPurchaseMonitorRestartDuringSink(t *testing.T) {
	srv := newStubServer(t, `{"id":"paid","kind":10000169,"content":"{}"}`)
	srv.mu.Lock()
	srv.firstOnly = true
	srv.mu.Unlock()
	m := NewPurchaseMonitor(NewCoordinator(nil), srv.client(t), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := m.Start(context.Background(), "q", func(PurchaseUpdate) {
		close(entered)
		<-release
	})
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for purchase update")
	}

	m.Stop("q")
	var second atomic.Int32
	ok, err := m.Start(context.Background(), "q", func(PurchaseUpdate) { second.Add(1) })
	require.NoError(t, err)
	require.True(t, ok)

	close(release)
	require.Eventually(t, func() bool { return srv.reqCount(PurchaseVerb) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.True(t, m.Active("q"), "restarted monitor was torn down")
	assert.Zero(t, second.Load())
}
