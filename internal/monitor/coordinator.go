// Package monitor keeps at most one live subscription per logical key.
package monitor

import (
	"context"
	"log/slog"
	"sync"
)

// Subscription is anything that can be cancelled. *relay.Subscription
// satisfies it.
type Subscription interface {
	Unsubscribe()
}

// StartFunc opens the subscription for a key.
type StartFunc func(ctx context.Context) (Subscription, error)

// doner is implemented by subscriptions that can end on their own.
type doner interface {
	Done() <-chan struct{}
}

type handle struct {
	sub     Subscription
	stopped bool
}

// Coordinator maps keys to running subscriptions. The mutex covers only the
// table; subscriptions are opened and cancelled outside it.
type Coordinator struct {
	mu     sync.Mutex
	active map[string]*handle
	log    *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{active: make(map[string]*handle), log: logger}
}

// Start opens a subscription for key unless one is already running or being
// opened, in which case it returns false and start is not called. A failed
// start leaves the key free.
func (c *Coordinator) Start(ctx context.Context, key string, start StartFunc) (bool, error) {
	c.mu.Lock()
	if _, ok := c.active[key]; ok {
		c.mu.Unlock()
		return false, nil
	}
	h := &handle{}
	c.active[key] = h
	c.mu.Unlock()

	sub, err := start(ctx)

	c.mu.Lock()
	if err != nil {
		if c.active[key] == h {
			delete(c.active, key)
		}
		c.mu.Unlock()
		c.log.Debug("monitor start failed", "key", key, "error", err)
		return true, err
	}
	stopped := h.stopped
	if !stopped {
		h.sub = sub
	}
	c.mu.Unlock()

	if stopped {
		// Stop raced with the start
		sub.Unsubscribe()
		return true, nil
	}

	if d, ok := sub.(doner); ok {
		go c.reap(key, h, d.Done())
	}
	c.log.Debug("monitor started", "key", key)
	return true, nil
}

// reap frees the key when the subscription ends without Stop.
func (c *Coordinator) reap(key string, h *handle, done <-chan struct{}) {
	<-done
	c.mu.Lock()
	if c.active[key] == h {
		delete(c.active, key)
		c.log.Debug("monitor ended", "key", key)
	}
	c.mu.Unlock()
}

// Stop cancels the subscription for key. Safe to call for unknown keys.
func (c *Coordinator) Stop(key string) {
	var sub Subscription
	c.mu.Lock()
	if h, ok := c.active[key]; ok {
		delete(c.active, key)
		h.stopped = true
		sub = h.sub
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		c.log.Debug("monitor stopped", "key", key)
	}
}

// lookup returns the running subscription for key.
func (c *Coordinator) lookup(key string) (Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.active[key]; ok && h.sub != nil {
		return h.sub, true
	}
	return nil, false
}

// Active reports whether key has a running or starting subscription.
func (c *Coordinator) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[key]
	return ok
}

// Keys lists the active keys.
func (c *Coordinator) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.active))
	for k := range c.active {
		keys = append(keys, k)
	}
	return keys
}

// StopAll cancels every subscription.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	subs := make([]Subscription, 0, len(c.active))
	for k, h := range c.active {
		h.stopped = true
		if h.sub != nil {
			subs = append(subs, h.sub)
		}
		delete(c.active, k)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Unsubscribe()
		}()
	}
	wg.Wait()
}
