package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nostr-cachesync/internal/metrics"
	"nostr-cachesync/internal/nostr"
	"nostr-cachesync/internal/syncerr"
	"nostr-cachesync/internal/types"
	"nostr-cachesync/internal/wire"
)

// ClientOptions tunes the protocol client.
type ClientOptions struct {
	QueryTimeout       time.Duration
	SubscriptionBuffer int
	VerifySignatures   bool
	Logger             *slog.Logger
}

// DefaultClientOptions returns sensible defaults
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		QueryTimeout:       10 * time.Second,
		SubscriptionBuffer: 256,
	}
}

// frameHandler receives the frames addressed to one correlation id.
type frameHandler interface {
	deliver(f wire.Frame)
	fail(err error)
}

// Client multiplexes verb queries and live subscriptions over one Conn,
// demultiplexing incoming frames by correlation id.
type Client struct {
	conn    *Conn
	opts    ClientOptions
	log     *slog.Logger
	session string

	mu      sync.Mutex
	counter uint64
	pending map[string]frameHandler
}

// NewClient binds a protocol client to conn. The conn's frame and drop
// callbacks are taken over by the client.
func NewClient(conn *Conn, opts ClientOptions) *Client {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultClientOptions().QueryTimeout
	}
	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = DefaultClientOptions().SubscriptionBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		log:     logger.With("url", conn.URL()),
		session: uuid.NewString()[:8],
		pending: make(map[string]frameHandler),
	}
	conn.setHandlers(c.handleFrame, c.failAll)
	return c
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn {
	return c.conn
}

// QueryResult is the ordered output of one finite query.
type QueryResult struct {
	Verb   string
	Events []types.Event
}

// ByKind returns the events of one declared kind, in arrival order.
func (r *QueryResult) ByKind(kind int) []types.Event {
	var out []types.Event
	for _, evt := range r.Events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// Extension returns the first event of kind, or nil. Extension events such as
// the paging cursor appear at most once per response.
func (r *QueryResult) Extension(kind int) *types.Event {
	for i := range r.Events {
		if r.Events[i].Kind == kind {
			return &r.Events[i]
		}
	}
	return nil
}

// Query sends one verb request and collects every event addressed to it until
// EOSE. It fails with a ProtocolError if the server rejects the request, a
// TransportError if the socket drops, or ErrTimeout past the query timeout.
// The correlation id is always released before returning.
func (c *Client) Query(ctx context.Context, verb string, options any) (*QueryResult, error) {
	start := time.Now()
	result, err := c.query(ctx, verb, options)

	outcome := "ok"
	switch {
	case err == nil:
		metrics.QueryDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	case errors.Is(err, syncerr.ErrTimeout):
		outcome = "timeout"
	case syncerr.IsTransport(err):
		outcome = "transport"
	case syncerr.IsProtocol(err):
		outcome = "protocol"
	default:
		outcome = "error"
	}
	metrics.QueriesTotal.WithLabelValues(verb, outcome).Inc()
	return result, err
}

func (c *Client) query(ctx context.Context, verb string, options any) (*QueryResult, error) {
	payload, err := encodeOptions(options)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Connect(ctx); err != nil {
		return nil, err
	}

	req := &queryRequest{verb: verb, verify: c.opts.VerifySignatures, done: make(chan struct{})}
	id := c.register(req)
	req.id = id
	defer c.release(id)

	data, err := wire.EncodeRequest(id, verb, payload)
	if err != nil {
		return nil, err
	}

	c.log.Debug("query", "verb", verb, "sub_id", id)
	if err := c.conn.Send(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.QueryTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		if req.err != nil {
			return nil, req.err
		}
		return &QueryResult{Verb: verb, Events: req.events}, nil
	case <-timer.C:
		c.cancelRemote(id)
		return nil, fmt.Errorf("%s after %s: %w", verb, c.opts.QueryTimeout, syncerr.ErrTimeout)
	case <-ctx.Done():
		c.cancelRemote(id)
		return nil, ctx.Err()
	}
}

// register allocates the next correlation id and installs h under it.
func (c *Client) register(h frameHandler) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	id := fmt.Sprintf("%s-%d", c.session, c.counter)
	c.pending[id] = h
	return id
}

// release forgets a correlation id; late frames for it are dropped.
func (c *Client) release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// cancelRemote tells the server to stop sending for id (best effort).
func (c *Client) cancelRemote(id string) {
	if err := c.conn.Send(wire.EncodeClose(id)); err != nil {
		c.log.Debug("close not sent", "sub_id", id, "error", err)
	}
}

// Pending returns the number of in-flight correlation ids.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// handleFrame runs on the connection's read goroutine.
func (c *Client) handleFrame(data []byte) {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		c.log.Debug("skipping frame", "error", err)
		return
	}

	if f.CorrelationID == "" {
		if f.Type == wire.FrameNotice {
			c.log.Info("server notice", "message", f.Message)
		}
		return
	}

	c.mu.Lock()
	h := c.pending[f.CorrelationID]
	c.mu.Unlock()

	if h == nil {
		metrics.DroppedFrames.WithLabelValues("unknown_id").Inc()
		return
	}
	h.deliver(f)
}

// failAll fails every in-flight request and subscription after the socket dropped.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	handlers := c.pending
	c.pending = make(map[string]frameHandler)
	c.mu.Unlock()

	if len(handlers) > 0 {
		c.log.Warn("failing in-flight requests", "count", len(handlers), "error", err)
	}
	for _, h := range handlers {
		h.fail(err)
	}
}

// queryRequest accumulates the frames of one finite query.
type queryRequest struct {
	id     string
	verb   string
	verify bool

	mu       sync.Mutex
	events   []types.Event
	err      error
	finished bool
	done     chan struct{}
}

func (q *queryRequest) deliver(f wire.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return
	}

	switch f.Type {
	case wire.FrameEvent:
		evt, ok := nostr.ParseEvent(f.Payload, q.verify)
		if !ok {
			metrics.DroppedFrames.WithLabelValues("invalid_event").Inc()
			return
		}
		q.events = append(q.events, evt)
	case wire.FrameEOSE:
		q.finishLocked(nil)
	case wire.FrameOK:
		if !f.Accepted {
			q.finishLocked(&syncerr.ProtocolError{Verb: q.verb, CorrelationID: q.id, Message: f.Message})
		}
	case wire.FrameClosed, wire.FrameNotice:
		q.finishLocked(&syncerr.ProtocolError{Verb: q.verb, CorrelationID: q.id, Message: f.Message})
	}
}

func (q *queryRequest) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finishLocked(err)
}

func (q *queryRequest) finishLocked(err error) {
	if q.finished {
		return
	}
	q.finished = true
	q.err = err
	close(q.done)
}

// encodeOptions accepts raw JSON, nil, or any JSON-marshalable value.
func encodeOptions(options any) (json.RawMessage, error) {
	switch v := options.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	case string:
		return json.RawMessage(v), nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return data, nil
}
