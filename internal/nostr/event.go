package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-cachesync/internal/types"
)

var (
	ErrEventID        = errors.New("event id does not match content")
	ErrEventSignature = errors.New("invalid event signature")
)

// ExtensionKindMin is the first kind the cache server synthesizes itself.
// Those events are unsigned; every lower kind must carry a signature.
const ExtensionKindMin = 10_000_000

// IsExtensionKind reports whether kind is a cache-server extension kind.
func IsExtensionKind(kind int) bool {
	return kind >= ExtensionKindMin
}

// ComputeID hashes the NIP-01 serialization of evt.
func ComputeID(evt *types.Event) (string, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content}); err != nil {
		return "", err
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEvent checks that the id commits to the event body and that sig is a
// valid Schnorr signature of the id by pubkey.
func VerifyEvent(evt *types.Event) error {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return ErrEventSignature
	}
	id, err := ComputeID(evt)
	if err != nil || id != evt.ID {
		return ErrEventID
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return ErrEventSignature
	}
	pkBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return ErrEventSignature
	}
	idBytes, _ := hex.DecodeString(id)

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrEventSignature
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return ErrEventSignature
	}
	if !sig.Verify(idBytes, pk) {
		return ErrEventSignature
	}
	return nil
}

// ParseEvent decodes the payload of an EVENT frame. When verify is set,
// standard kinds must carry a valid id and signature; extension kinds
// synthesized by the cache server are unsigned and accepted as-is.
func ParseEvent(raw json.RawMessage, verify bool) (types.Event, bool) {
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return types.Event{}, false
	}
	evt.Raw = raw

	if verify && !IsExtensionKind(evt.Kind) {
		if err := VerifyEvent(&evt); err != nil {
			slog.Warn("dropping event", "event_id", ShortID(evt.ID), "error", err)
			return types.Event{}, false
		}
	}
	return evt, true
}

// ShortID truncates an id or pubkey for logs.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
