package nostr

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-cachesync/internal/types"
)

func signedEvent(t *testing.T, content string) types.Event {
	t.Helper()
	seed := make([]byte, 32)
	seed[31] = 7
	priv, pub := btcec.PrivKeyFromBytes(seed)

	evt := types.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(pub)),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"t", "go"}},
		Content:   content,
	}
	id, err := ComputeID(&evt)
	require.NoError(t, err)
	evt.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt
}

func TestVerifyEvent(t *testing.T) {
	evt := signedEvent(t, "hello <world> & co")
	require.NoError(t, VerifyEvent(&evt))

	tampered := evt
	tampered.Content = "goodbye"
	assert.ErrorIs(t, VerifyEvent(&tampered), ErrEventID)

	sigBytes, _ := hex.DecodeString(evt.Sig)
	sigBytes[63] ^= 0x01
	badSig := evt
	badSig.Sig = hex.EncodeToString(sigBytes)
	assert.ErrorIs(t, VerifyEvent(&badSig), ErrEventSignature)
}

func TestComputeIDMatchesCanonicalForm(t *testing.T) {
	evt := types.Event{PubKey: "ab", CreatedAt: 1, Kind: 1, Content: "a<b"}
	id, err := ComputeID(&evt)
	require.NoError(t, err)

	// nil tags serialize as an empty array
	evt.Tags = [][]string{}
	again, err := ComputeID(&evt)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, id, 64)
}

func TestParseEvent(t *testing.T) {
	evt := signedEvent(t, "hi")
	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	got, ok := ParseEvent(raw, true)
	require.True(t, ok)
	assert.Equal(t, evt.ID, got.ID)
	assert.JSONEq(t, string(raw), string(got.Raw))

	evt.Content = "edited"
	raw, _ = json.Marshal(evt)
	_, ok = ParseEvent(raw, true)
	assert.False(t, ok)
	_, ok = ParseEvent(raw, false)
	assert.True(t, ok)

	unsigned := json.RawMessage(`{"kind":10000113,"content":"{\"since\":1,\"until\":2}"}`)
	got, ok = ParseEvent(unsigned, true)
	require.True(t, ok)
	assert.Equal(t, 10000113, got.Kind)

	forged := json.RawMessage(`{"id":"forged","pubkey":"ab","kind":1,"content":"hi","sig":""}`)
	_, ok = ParseEvent(forged, true)
	assert.False(t, ok, "unsigned standard kind must be rejected")
	_, ok = ParseEvent(forged, false)
	assert.True(t, ok)

	_, ok = ParseEvent(json.RawMessage(`[1]`), false)
	assert.False(t, ok)
}

func TestNormalizeServerURL(t *testing.T) {
	cases := map[string]string{
		"wss://Cache2.Primal.net/v1/": "wss://cache2.primal.net/v1",
		" ws://localhost:8080 ":       "ws://localhost:8080",
		"wss://relay.example.com?x=1": "wss://relay.example.com?x=1",
		"https://cache.example.com":   "",
		"wss://https://example.com":   "",
		"cache.example.com":           "",
		"wss://intranet":              "",
		"wss://box.local":             "",
		"wss://abc.onion":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeServerURL(in), in)
	}
}

func TestExtractThreadRefs(t *testing.T) {
	marked := types.Event{Tags: [][]string{
		{"e", "root", "", "root"},
		{"e", "parent", "", "reply"},
		{"e", "other", "", "mention"},
	}}
	assert.Equal(t, ThreadRefs{Root: "root", ReplyTo: "parent"}, ExtractThreadRefs(marked))

	rootOnly := types.Event{Tags: [][]string{{"e", "root", "", "root"}}}
	assert.Equal(t, ThreadRefs{Root: "root", ReplyTo: "root"}, ExtractThreadRefs(rootOnly))

	positional := types.Event{Tags: [][]string{{"e", "a"}, {"p", "x"}, {"e", "b"}, {"e", "c"}}}
	assert.Equal(t, ThreadRefs{Root: "a", ReplyTo: "c"}, ExtractThreadRefs(positional))

	assert.Equal(t, ThreadRefs{}, ExtractThreadRefs(types.Event{}))
}

func TestIsExtensionKind(t *testing.T) {
	assert.False(t, IsExtensionKind(1))
	assert.False(t, IsExtensionKind(30311))
	assert.True(t, IsExtensionKind(10000113))
}
