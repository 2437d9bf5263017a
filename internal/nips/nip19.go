package nips

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PointerType says what a decoded identifier refers to.
type PointerType string

const (
	PointerPubkey  PointerType = "pubkey"
	PointerEvent   PointerType = "event"
	PointerAddress PointerType = "address"
)

// Pointer is a decoded NIP-19 identifier. Hex holds the pubkey or event id;
// address pointers carry Author, Kind and Identifier instead.
type Pointer struct {
	Type       PointerType
	Hex        string
	Author     string
	Kind       int
	Identifier string
	Relays     []string
}

// TLV types
const (
	tlvSpecial = 0
	tlvRelay   = 1
	tlvAuthor  = 2
	tlvKind    = 3
)

var errNotIdentifier = errors.New("not a NIP-19 identifier")

// Decode parses npub, nprofile, note, nevent and naddr strings. A
// "nostr:" URI prefix is accepted.
func Decode(s string) (Pointer, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "nostr:")
	hrp, data, err := bech32Decode(s)
	if err != nil {
		return Pointer{}, err
	}
	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return Pointer{}, err
	}

	switch hrp {
	case "npub":
		return fixed(PointerPubkey, raw)
	case "note":
		return fixed(PointerEvent, raw)
	case "nprofile":
		p, err := decodeTLV(PointerPubkey, raw)
		if err == nil && p.Hex == "" {
			err = errors.New("nprofile missing pubkey")
		}
		return p, err
	case "nevent":
		p, err := decodeTLV(PointerEvent, raw)
		if err == nil && p.Hex == "" {
			err = errors.New("nevent missing event id")
		}
		return p, err
	case "naddr":
		p, err := decodeTLV(PointerAddress, raw)
		if err == nil && (p.Author == "" || p.Kind < 0) {
			err = errors.New("naddr missing author or kind")
		}
		return p, err
	}
	return Pointer{}, fmt.Errorf("%w: prefix %q", errNotIdentifier, hrp)
}

func fixed(t PointerType, raw []byte) (Pointer, error) {
	if len(raw) != 32 {
		return Pointer{}, fmt.Errorf("%s: invalid length %d", t, len(raw))
	}
	return Pointer{Type: t, Hex: hex.EncodeToString(raw)}, nil
}

func decodeTLV(t PointerType, data []byte) (Pointer, error) {
	p := Pointer{Type: t, Kind: -1}
	for i := 0; i+2 <= len(data); {
		typ, n := data[i], int(data[i+1])
		i += 2
		if i+n > len(data) {
			return Pointer{}, errors.New("truncated TLV")
		}
		value := data[i : i+n]
		i += n

		switch typ {
		case tlvSpecial:
			if t == PointerAddress {
				p.Identifier = string(value)
			} else if n == 32 {
				p.Hex = hex.EncodeToString(value)
			}
		case tlvRelay:
			p.Relays = append(p.Relays, string(value))
		case tlvAuthor:
			if n == 32 {
				p.Author = hex.EncodeToString(value)
			}
		case tlvKind:
			if n == 4 {
				p.Kind = int(binary.BigEndian.Uint32(value))
			}
		}
	}
	return p, nil
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// PubKey resolves hex, npub or nprofile input to a hex pubkey.
func PubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if isHex32(s) {
		return strings.ToLower(s), nil
	}
	p, err := Decode(s)
	if err != nil {
		return "", err
	}
	if p.Type != PointerPubkey {
		return "", fmt.Errorf("expected a pubkey, got %s", p.Type)
	}
	return p.Hex, nil
}

// EventID resolves hex, note or nevent input to a hex event id.
func EventID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if isHex32(s) {
		return strings.ToLower(s), nil
	}
	p, err := Decode(s)
	if err != nil {
		return "", err
	}
	if p.Type != PointerEvent {
		return "", fmt.Errorf("expected an event id, got %s", p.Type)
	}
	return p.Hex, nil
}

func encodeFixed(hrp, hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%s: invalid length %d", hrp, len(raw))
	}
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(hrp, data), nil
}

// EncodePubkey encodes a hex pubkey as npub.
func EncodePubkey(hexPubkey string) (string, error) {
	return encodeFixed("npub", hexPubkey)
}

// EncodeEventID encodes a hex event id as note.
func EncodeEventID(hexEventID string) (string, error) {
	return encodeFixed("note", hexEventID)
}

// EncodeAddress encodes an addressable event coordinate as naddr.
func EncodeAddress(kind int, authorHex, identifier string) (string, error) {
	author, err := hex.DecodeString(authorHex)
	if err != nil || len(author) != 32 {
		return "", errors.New("naddr: invalid author")
	}
	if len(identifier) > 255 {
		return "", errors.New("naddr: identifier too long")
	}

	tlv := make([]byte, 0, 2+len(identifier)+2+32+2+4)
	tlv = append(tlv, tlvSpecial, byte(len(identifier)))
	tlv = append(tlv, identifier...)
	tlv = append(tlv, tlvAuthor, 32)
	tlv = append(tlv, author...)
	tlv = append(tlv, tlvKind, 4)
	tlv = binary.BigEndian.AppendUint32(tlv, uint32(kind))

	data, err := convertBits(tlv, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("naddr", data), nil
}
