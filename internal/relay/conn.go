package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"nostr-cachesync/internal/metrics"
	"nostr-cachesync/internal/syncerr"
)

// Status is the connectivity state of one server connection.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

var errNotConnected = errors.New("not connected")

// ConnOptions tunes dialing, writes and the reconnect policy.
type ConnOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Reconnect policy after an unexpected closure
	AutoReconnect        bool
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int // 0 = retry until Disconnect

	Header http.Header
	Logger *slog.Logger
}

// DefaultConnOptions returns sensible defaults
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		AutoReconnect:    true,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// Conn owns one physical websocket to one server. Frames are handed to the
// registered frame handler from a single read goroutine, in arrival order.
type Conn struct {
	url    string
	opts   ConnOptions
	dialer *websocket.Dialer
	log    *slog.Logger

	mu            sync.Mutex
	ws            *websocket.Conn
	status        Status
	lastConnected time.Time
	dialing       chan struct{}
	loopDone      chan struct{}
	closed        bool
	done          chan struct{}
	reconnecting  bool
	watchers      map[int]chan Status
	nextWatcher   int

	writeMu sync.Mutex

	onFrame func(data []byte)
	onDrop  func(err error)
}

// NewConn creates a disconnected connection for url.
func NewConn(url string, opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Conn{
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		log:      logger.With("url", url),
		done:     make(chan struct{}),
		watchers: make(map[int]chan Status),
	}
}

// URL returns the server endpoint.
func (c *Conn) URL() string {
	return c.url
}

// setHandlers registers the frame and drop callbacks. Must be called before Connect.
func (c *Conn) setHandlers(onFrame func([]byte), onDrop func(error)) {
	c.mu.Lock()
	c.onFrame = onFrame
	c.onDrop = onDrop
	c.mu.Unlock()
}

// Connect dials the server if not already connected. Concurrent callers share
// one dial. Connecting after Disconnect re-arms the connection.
func (c *Conn) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Conn) connect(ctx context.Context, explicit bool) error {
	for {
		c.mu.Lock()
		if c.ws != nil {
			c.mu.Unlock()
			return nil
		}
		if c.closed {
			if !explicit {
				c.mu.Unlock()
				return &syncerr.TransportError{URL: c.url, Err: syncerr.ErrClosed}
			}
			c.closed = false
			c.done = make(chan struct{})
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.dialing = make(chan struct{})
		c.setStatusLocked(Connecting)
		c.mu.Unlock()
		break
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)

	c.mu.Lock()
	dialing := c.dialing
	c.dialing = nil
	defer close(dialing)

	if err != nil {
		c.setStatusLocked(Disconnected)
		c.mu.Unlock()
		c.log.Debug("connect failed", "error", err)
		return &syncerr.TransportError{URL: c.url, Err: err}
	}
	if c.closed {
		// Disconnect raced with the dial
		c.setStatusLocked(Disconnected)
		c.mu.Unlock()
		ws.Close()
		return &syncerr.TransportError{URL: c.url, Err: syncerr.ErrClosed}
	}

	c.ws = ws
	c.reconnecting = false
	c.lastConnected = time.Now()
	c.loopDone = make(chan struct{})
	loopDone := c.loopDone
	c.setStatusLocked(Connected)
	c.mu.Unlock()

	c.log.Info("connected")
	go c.readLoop(ws, loopDone)
	return nil
}

// Disconnect closes the socket and stops any reconnect loop. In-flight
// requests fail with a transport error.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	ws := c.ws
	loopDone := c.loopDone
	c.mu.Unlock()

	if ws == nil {
		return
	}

	c.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	ws.Close()

	<-loopDone
}

// Status returns the current connectivity state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastConnected returns when the socket last became connected.
func (c *Conn) LastConnected() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnected
}

// WatchStatus streams status transitions, starting with the current one.
// Slow readers only ever see the latest state. The channel closes when ctx
// is done.
func (c *Conn) WatchStatus(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	ch <- c.status
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, id)
		close(ch)
		c.mu.Unlock()
	}()

	return ch
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return &syncerr.TransportError{URL: c.url, Err: errNotConnected}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline to prevent indefinite blocking
	if c.opts.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer ws.SetWriteDeadline(time.Time{})
	}

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the broken socket and fails everything in flight
		ws.Close()
		return &syncerr.TransportError{URL: c.url, Err: err}
	}
	return nil
}

// readLoop continuously reads from the connection and routes frames
func (c *Conn) readLoop(ws *websocket.Conn, loopDone chan struct{}) {
	defer close(loopDone)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClosed(ws, err)
			return
		}

		c.mu.Lock()
		onFrame := c.onFrame
		c.mu.Unlock()

		if onFrame != nil {
			onFrame(data)
		}
	}
}

// handleClosed tears down state for a socket that stopped reading and
// decides whether to reconnect.
func (c *Conn) handleClosed(ws *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	intentional := c.closed
	onDrop := c.onDrop
	c.setStatusLocked(Disconnected)
	shouldReconnect := !intentional && c.opts.AutoReconnect && !c.reconnecting
	if shouldReconnect {
		c.reconnecting = true
	}
	done := c.done
	c.mu.Unlock()

	ws.Close()

	dropErr := readErr
	if intentional {
		dropErr = syncerr.ErrClosed
	} else {
		c.log.Warn("connection lost", "error", readErr)
	}
	if onDrop != nil {
		onDrop(&syncerr.TransportError{URL: c.url, Err: dropErr})
	}

	if shouldReconnect {
		go c.reconnectLoop(done)
	}
}

// reconnectLoop redials with bounded exponential backoff until connected,
// out of attempts, or Disconnect is called.
func (c *Conn) reconnectLoop(done chan struct{}) {
	// A successful connect clears the reconnecting flag itself
	stopped := func() {
		c.mu.Lock()
		if c.ws == nil {
			c.reconnecting = false
		}
		c.mu.Unlock()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.Multiplier = 2
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; c.opts.MaxReconnectAttempts == 0 || attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = c.opts.ReconnectMax
		}

		select {
		case <-ctx.Done():
			stopped()
			return
		case <-time.After(delay):
		}

		metrics.Reconnects.WithLabelValues(c.url).Inc()
		c.log.Debug("reconnecting", "attempt", attempt, "delay_ms", delay.Milliseconds())

		if err := c.connect(ctx, false); err == nil {
			return
		} else if ctx.Err() != nil {
			stopped()
			return
		}
	}

	stopped()
	c.log.Warn("giving up reconnecting", "attempts", c.opts.MaxReconnectAttempts)
}

// setStatusLocked publishes a status transition. Caller holds c.mu.
func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	metrics.ConnectionStatus.WithLabelValues(c.url).Set(float64(s))
	for _, ch := range c.watchers {
		offerLatest(ch, s)
	}
}

// offerLatest replaces whatever is buffered in ch with s.
func offerLatest(ch chan Status, s Status) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Debounce forwards a status only once it has held for d, so transient
// drops do not flicker an offline indicator. The first status passes through
// immediately.
func Debounce(ctx context.Context, in <-chan Status, d time.Duration) <-chan Status {
	out := make(chan Status, 1)

	go func() {
		defer close(out)

		var (
			timer    *time.Timer
			timerC   <-chan time.Time
			pending  Status
			last     Status
			haveLast bool
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-in:
				if !ok {
					return
				}
				if !haveLast {
					haveLast = true
					last = s
					select {
					case out <- s:
					case <-ctx.Done():
						return
					}
					continue
				}
				pending = s
				if timer == nil {
					timer = time.NewTimer(d)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(d)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				if pending == last {
					continue
				}
				last = pending
				select {
				case out <- pending:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
