package relay

import (
	"errors"
	"fmt"
	"sync"

	"nostr-cachesync/internal/nostr"
)

// Role names the server a connection talks to.
type Role string

const (
	RoleCache  Role = "cache"
	RoleUpload Role = "upload"
	RoleWallet Role = "wallet"
)

// ErrUnknownRole is returned for a role with no configured URL.
var ErrUnknownRole = errors.New("no server configured for role")

type poolEntry struct {
	url    string
	conn   *Conn
	client *Client
}

// Pool owns one connection and protocol client per server role.
type Pool struct {
	mu         sync.RWMutex
	entries    map[Role]*poolEntry
	connOpts   ConnOptions
	clientOpts ClientOptions
}

// NewPool creates an empty pool. Connections are created by SetURL and
// dialed lazily on first use.
func NewPool(connOpts ConnOptions, clientOpts ClientOptions) *Pool {
	return &Pool{
		entries:    make(map[Role]*poolEntry),
		connOpts:   connOpts,
		clientOpts: clientOpts,
	}
}

// SetURL points role at serverURL. A changed URL tears down the old
// connection and replaces it; the same URL is a no-op.
func (p *Pool) SetURL(role Role, serverURL string) error {
	normalized := nostr.NormalizeServerURL(serverURL)
	if normalized == "" {
		return fmt.Errorf("%s server url %q: invalid or blocked", role, serverURL)
	}

	p.mu.Lock()
	old := p.entries[role]
	if old != nil && old.url == normalized {
		p.mu.Unlock()
		return nil
	}
	conn := NewConn(normalized, p.connOpts)
	p.entries[role] = &poolEntry{
		url:    normalized,
		conn:   conn,
		client: NewClient(conn, p.clientOpts),
	}
	p.mu.Unlock()

	if old != nil {
		old.conn.Disconnect()
	}
	return nil
}

// Client returns the protocol client for role.
func (p *Pool) Client(role Role) (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e := p.entries[role]
	if e == nil {
		return nil, fmt.Errorf("%s: %w", role, ErrUnknownRole)
	}
	return e.client, nil
}

// Statuses reports the current status of every configured role.
func (p *Pool) Statuses() map[Role]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Role]Status, len(p.entries))
	for role, e := range p.entries {
		out[role] = e.conn.Status()
	}
	return out
}

// Close disconnects every role.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[Role]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.conn.Disconnect()
	}
}
