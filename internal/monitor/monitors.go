package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/types"
)

const (
	LiveFeedVerb = "live_feed"
	PurchaseVerb = "membership_purchase_monitor"

	// LiveActivityKind is the NIP-53 live event kind addressed by a stream.
	LiveActivityKind = 30311
)

func passthrough(evt types.Event) (types.Event, bool) { return evt, true }

// ErrEnded is returned by Wait when the subscription is already gone.
var ErrEnded = errors.New("monitor: subscription ended")

// ender is the part of *relay.Subscription that Wait needs.
type ender interface {
	Done() <-chan struct{}
	Err() error
}

// LiveStream addresses one NIP-53 live activity.
type LiveStream struct {
	HostPubkey string
	Identifier string
	// UserPubkey is the viewer, used by the server for mute lists
	UserPubkey string
}

func (s LiveStream) key() string {
	return LiveFeedVerb + ":" + s.HostPubkey + ":" + s.Identifier
}

// LiveFeedMonitor streams chat and zap events of live activities, one
// subscription per stream.
type LiveFeedMonitor struct {
	coord  *Coordinator
	client *relay.Client
	log    *slog.Logger
}

func NewLiveFeedMonitor(coord *Coordinator, client *relay.Client, logger *slog.Logger) *LiveFeedMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveFeedMonitor{coord: coord, client: client, log: logger}
}

// Start subscribes to stream unless already subscribed. sink receives every
// event in arrival order.
func (m *LiveFeedMonitor) Start(ctx context.Context, stream LiveStream, sink func(types.Event)) (bool, error) {
	if stream.HostPubkey == "" || stream.Identifier == "" {
		return false, errors.New("live feed: host pubkey and identifier are required")
	}
	return m.coord.Start(ctx, stream.key(), func(ctx context.Context) (Subscription, error) {
		options := map[string]any{
			"kind":       LiveActivityKind,
			"pubkey":     stream.HostPubkey,
			"identifier": stream.Identifier,
		}
		if stream.UserPubkey != "" {
			options["user_pubkey"] = stream.UserPubkey
		}
		sub, err := relay.Subscribe(ctx, m.client, LiveFeedVerb, options, passthrough)
		if err != nil {
			return nil, err
		}
		go sub.Drain(sink)
		return sub, nil
	})
}

// Wait blocks until the stream's subscription ends and returns why: nil
// after Stop, a transport or protocol error otherwise. It returns ctx's
// error if ctx ends first and ErrEnded if nothing is running for stream.
func (m *LiveFeedMonitor) Wait(ctx context.Context, stream LiveStream) error {
	sub, ok := m.coord.lookup(stream.key())
	if !ok {
		return ErrEnded
	}
	e, ok := sub.(ender)
	if !ok {
		return ErrEnded
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.Done():
		return e.Err()
	}
}

func (m *LiveFeedMonitor) Stop(stream LiveStream) {
	m.coord.Stop(stream.key())
}

func (m *LiveFeedMonitor) Active(stream LiveStream) bool {
	return m.coord.Active(stream.key())
}

// PurchaseUpdate is the server's notice that a membership quote was paid.
type PurchaseUpdate struct {
	QuoteID string
	Event   types.Event
}

// PurchaseMonitor waits for membership purchases to complete. Each monitor
// ends after its first update.
type PurchaseMonitor struct {
	coord  *Coordinator
	client *relay.Client
	log    *slog.Logger
}

func NewPurchaseMonitor(coord *Coordinator, client *relay.Client, logger *slog.Logger) *PurchaseMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseMonitor{coord: coord, client: client, log: logger}
}

func purchaseKey(quoteID string) string {
	return PurchaseVerb + ":" + quoteID
}

// Start watches quoteID. sink is called at most once.
func (m *PurchaseMonitor) Start(ctx context.Context, quoteID string, sink func(PurchaseUpdate)) (bool, error) {
	if quoteID == "" {
		return false, errors.New("purchase monitor: empty quote id")
	}
	key := purchaseKey(quoteID)
	return m.coord.Start(ctx, key, func(ctx context.Context) (Subscription, error) {
		transform := func(evt types.Event) (PurchaseUpdate, bool) {
			return PurchaseUpdate{QuoteID: quoteID, Event: evt}, true
		}
		options := map[string]any{"membership_quote_id": quoteID}
		sub, err := relay.Subscribe(ctx, m.client, PurchaseVerb, options, transform)
		if err != nil {
			return nil, err
		}
		go func() {
			var once sync.Once
			sub.Drain(func(update PurchaseUpdate) {
				once.Do(func() {
					m.log.Info("membership purchase completed", "quote_id", quoteID, "sub_id", sub.ID())
					sink(update)
					// Ends this subscription only; the coordinator frees the
					// key if it still maps to it.
					sub.Unsubscribe()
				})
			})
		}()
		return sub, nil
	})
}

func (m *PurchaseMonitor) Stop(quoteID string) {
	m.coord.Stop(purchaseKey(quoteID))
}

func (m *PurchaseMonitor) Active(quoteID string) bool {
	return m.coord.Active(purchaseKey(quoteID))
}
