// Package types provides shared type definitions used across internal packages.
package types

import "encoding/json"

// Event represents a Nostr event (NIP-01) as delivered by the cache server.
// Raw keeps the payload exactly as received so extension events can be
// re-decoded without a lossy round trip.
type Event struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt int64           `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      [][]string      `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig"`
	Raw       json.RawMessage `json:"-" msgpack:"raw"`
}
