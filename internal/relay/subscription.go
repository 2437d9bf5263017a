package relay

import (
	"context"
	"sync"

	"nostr-cachesync/internal/metrics"
	"nostr-cachesync/internal/nostr"
	"nostr-cachesync/internal/syncerr"
	"nostr-cachesync/internal/types"
	"nostr-cachesync/internal/wire"
)

// Subscription is a live, logically infinite stream of transformed events.
// It ends when Unsubscribe is called or the connection drops; Err reports
// which.
type Subscription[T any] struct {
	id     string
	verb   string
	client *Client

	raw  chan types.Event
	out  chan T
	stop chan struct{}
	done chan struct{}

	stopOnce  sync.Once
	unsubOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Subscribe opens a live subscription for verb. Each event frame is passed
// through transform on a dedicated goroutine and, unless transform reports
// false, pushed to the Events channel. Subscriptions have no timeout.
// transform must not call Unsubscribe.
func Subscribe[T any](ctx context.Context, c *Client, verb string, options any, transform func(types.Event) (T, bool)) (*Subscription[T], error) {
	payload, err := encodeOptions(options)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Connect(ctx); err != nil {
		return nil, err
	}

	s := &Subscription[T]{
		verb:   verb,
		client: c,
		raw:    make(chan types.Event, c.opts.SubscriptionBuffer),
		out:    make(chan T, c.opts.SubscriptionBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	core := &subscriptionCore{
		verb:   verb,
		raw:    s.raw,
		stop:   s.stop,
		verify: c.opts.VerifySignatures,
		onFail: s.terminate,
	}
	metrics.ActiveSubscriptions.Inc()
	s.id = c.register(core)
	core.id = s.id
	core.release = func() { c.release(s.id) }

	data, err := wire.EncodeRequest(s.id, verb, payload)
	if err == nil {
		err = c.conn.Send(data)
	}
	if err != nil {
		c.release(s.id)
		s.terminate(err)
		return nil, err
	}

	c.log.Debug("subscribed", "verb", verb, "sub_id", s.id)

	go s.pump(transform)
	return s, nil
}

// ID returns the correlation id of the subscription.
func (s *Subscription[T]) ID() string {
	return s.id
}

// Events delivers transformed payloads. Closed when the subscription ends.
func (s *Subscription[T]) Events() <-chan T {
	return s.out
}

// Drain calls sink with each delivered value until the subscription ends.
// Stop is checked before every call, so values still buffered when
// Unsubscribe runs are discarded instead of delivered. It blocks; a call in
// progress is not interrupted.
func (s *Subscription[T]) Drain(sink func(T)) {
	for {
		select {
		case <-s.stop:
			return
		case v, ok := <-s.out:
			if !ok {
				return
			}
			// Stop wins over a value received in the same instant
			select {
			case <-s.stop:
				return
			default:
			}
			sink(v)
		}
	}
}

// Done is closed once the subscription has stopped delivering.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended: nil while live or after Unsubscribe,
// a TransportError after a connection drop, a ProtocolError if the server
// closed it.
func (s *Subscription[T]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Unsubscribe sends a cancellation, releases the correlation id and stops
// invoking transform. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.unsubOnce.Do(func() {
		if s.client.release(s.id) {
			s.client.cancelRemote(s.id)
		}
		s.terminate(nil)
		<-s.done
		s.client.log.Debug("unsubscribed", "verb", s.verb, "sub_id", s.id)
	})
}

func (s *Subscription[T]) terminate(err error) {
	s.stopOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.stop)
		metrics.ActiveSubscriptions.Dec()
	})
}

func (s *Subscription[T]) pump(transform func(types.Event) (T, bool)) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-s.stop:
			return
		case evt := <-s.raw:
			// Stop wins over any buffered events
			select {
			case <-s.stop:
				return
			default:
			}

			v, ok := transform(evt)
			if !ok {
				continue
			}
			select {
			case s.out <- v:
			case <-s.stop:
				return
			}
		}
	}
}

// subscriptionCore is the non-generic half registered in the correlation
// table; it runs on the read goroutine and must never block it.
type subscriptionCore struct {
	id      string
	verb    string
	release func()

	raw    chan types.Event
	stop   chan struct{}
	verify bool
	onFail func(error)
}

func (s *subscriptionCore) deliver(f wire.Frame) {
	switch f.Type {
	case wire.FrameEvent:
		evt, ok := nostr.ParseEvent(f.Payload, s.verify)
		if !ok {
			metrics.DroppedFrames.WithLabelValues("invalid_event").Inc()
			return
		}
		select {
		case s.raw <- evt:
		case <-s.stop:
		default:
			// Buffer full, drop event
			metrics.DroppedFrames.WithLabelValues("subscription_full").Inc()
		}
	case wire.FrameClosed, wire.FrameNotice:
		s.release()
		s.onFail(&syncerr.ProtocolError{Verb: s.verb, CorrelationID: s.id, Message: f.Message})
	case wire.FrameOK:
		if !f.Accepted {
			s.release()
			s.onFail(&syncerr.ProtocolError{Verb: s.verb, CorrelationID: s.id, Message: f.Message})
		}
	case wire.FrameEOSE:
		// Stored events done; keep listening for live ones
	}
}

func (s *subscriptionCore) fail(err error) {
	s.onFail(err)
}
