package kinds

import (
	"encoding/json"
	"fmt"
	"strconv"

	"nostr-cachesync/internal/nostr"
	"nostr-cachesync/internal/store"
	"nostr-cachesync/internal/syncerr"
	"nostr-cachesync/internal/types"
	"nostr-cachesync/internal/util"
)

// PagingCursor bounds one response page. SinceID and UntilID are compared
// numerically; the server guarantees they are monotonic along a feed.
type PagingCursor struct {
	SinceID  int64    `json:"since"`
	UntilID  int64    `json:"until"`
	OrderBy  string   `json:"order_by,omitempty"`
	Elements []string `json:"elements,omitempty"`
}

func decodeContent(evt types.Event, want int, v any) error {
	if evt.Kind != want {
		return &syncerr.DecodeError{
			Frame: evt.ID,
			Err:   fmt.Errorf("kind %d, want %d", evt.Kind, want),
		}
	}
	if err := json.Unmarshal([]byte(evt.Content), v); err != nil {
		return &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("kind %d content: %w", want, err)}
	}
	return nil
}

// DecodePaging decodes a paging cursor event.
func DecodePaging(evt types.Event) (PagingCursor, error) {
	var c PagingCursor
	err := decodeContent(evt, PrimalPaging, &c)
	return c, err
}

// DecodeEventStats decodes an engagement aggregate.
func DecodeEventStats(evt types.Event) (store.EventStats, error) {
	var s store.EventStats
	if err := decodeContent(evt, PrimalEventStats, &s); err != nil {
		return s, err
	}
	if s.EventID == "" {
		return s, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("event stats without event_id")}
	}
	return s, nil
}

// DecodeEventUserStats decodes userID's own interactions with an event. The
// server omits the user; it is always the requester.
func DecodeEventUserStats(evt types.Event, userID string) (store.EventUserStats, error) {
	var s store.EventUserStats
	if err := decodeContent(evt, PrimalEventUserStats, &s); err != nil {
		return s, err
	}
	if s.EventID == "" {
		return s, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("event user stats without event_id")}
	}
	s.UserID = userID
	return s, nil
}

// DecodeProfileStats decodes a user's counters.
func DecodeProfileStats(evt types.Event) (store.ProfileStats, error) {
	var s store.ProfileStats
	if err := decodeContent(evt, PrimalUserProfileStats, &s); err != nil {
		return s, err
	}
	if s.PubKey == "" {
		return s, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("profile stats without pubkey")}
	}
	return s, nil
}

// DecodeUserScores decodes a pubkey to score map.
func DecodeUserScores(evt types.Event) (map[string]float64, error) {
	var scores map[string]float64
	err := decodeContent(evt, PrimalUserScores, &scores)
	return scores, err
}

// DecodeFollowerCounts decodes a pubkey to followers count map.
func DecodeFollowerCounts(evt types.Event) (map[string]int64, error) {
	var counts map[string]int64
	err := decodeContent(evt, PrimalUserFollowersCounts, &counts)
	return counts, err
}

type cdnResourcePayload struct {
	EventID   string `json:"event_id"`
	Resources []struct {
		URL      string               `json:"url"`
		MimeType string               `json:"mt"`
		Size     int64                `json:"size"`
		Variants []store.MediaVariant `json:"variants"`
	} `json:"resources"`
}

// DecodeCdnResources decodes the media variants of an event's URLs.
func DecodeCdnResources(evt types.Event) ([]store.MediaResource, error) {
	var p cdnResourcePayload
	if err := decodeContent(evt, PrimalCdnResource, &p); err != nil {
		return nil, err
	}
	out := make([]store.MediaResource, 0, len(p.Resources))
	for _, r := range p.Resources {
		if r.URL == "" {
			continue
		}
		out = append(out, store.MediaResource{
			URL:      r.URL,
			EventID:  p.EventID,
			MimeType: r.MimeType,
			Size:     r.Size,
			Variants: r.Variants,
		})
	}
	return out, nil
}

// DecodeLinkPreview decodes server-fetched page metadata.
func DecodeLinkPreview(evt types.Event) (store.LinkPreview, error) {
	var p store.LinkPreview
	if err := decodeContent(evt, PrimalLinkPreview, &p); err != nil {
		return p, err
	}
	if p.URL == "" {
		return p, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("link preview without url")}
	}
	return p, nil
}

type primalZapPayload struct {
	EventID      string `json:"event_id"`
	CreatedAt    int64  `json:"created_at"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	AmountSats   int64  `json:"amount_sats"`
	ZapReceiptID string `json:"zap_receipt_id"`
	Message      string `json:"message"`
}

// DecodePrimalZap decodes the server's pre-parsed view of a zap receipt.
func DecodePrimalZap(evt types.Event) (store.Zap, error) {
	var p primalZapPayload
	if err := decodeContent(evt, PrimalZapEvent, &p); err != nil {
		return store.Zap{}, err
	}
	if p.ZapReceiptID == "" {
		return store.Zap{}, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("zap without receipt id")}
	}
	return store.Zap{
		ReceiptID:  p.ZapReceiptID,
		EventID:    p.EventID,
		SenderID:   p.Sender,
		ReceiverID: p.Receiver,
		AmountSats: p.AmountSats,
		Message:    p.Message,
		CreatedAt:  p.CreatedAt,
	}, nil
}

// DecodeZapReceipt reads a kind 9735 receipt. The sender and amount come
// from the embedded zap request in the description tag.
func DecodeZapReceipt(evt types.Event) (store.Zap, error) {
	if evt.Kind != Zap {
		return store.Zap{}, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("kind %d, want %d", evt.Kind, Zap)}
	}
	z := store.Zap{
		ReceiptID:  evt.ID,
		EventID:    util.GetTagValue(evt.Tags, "e"),
		ReceiverID: util.GetTagValue(evt.Tags, "p"),
		SenderID:   util.GetTagValue(evt.Tags, "P"),
		CreatedAt:  evt.CreatedAt,
	}

	if desc := util.GetTagValue(evt.Tags, "description"); desc != "" {
		var req types.Event
		if err := json.Unmarshal([]byte(desc), &req); err == nil {
			if z.SenderID == "" {
				z.SenderID = req.PubKey
			}
			z.Message = req.Content
			if msats, err := strconv.ParseInt(util.GetTagValue(req.Tags, "amount"), 10, 64); err == nil {
				z.AmountSats = msats / 1000
			}
		}
	}
	if z.ReceiptID == "" || z.ReceiverID == "" {
		return store.Zap{}, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("zap receipt without id or recipient")}
	}
	return z, nil
}

// DecodeReferencedEvent unwraps the event embedded in a referenced-event
// wrapper.
func DecodeReferencedEvent(evt types.Event) (types.Event, error) {
	if evt.Kind != PrimalReferencedEvent {
		return types.Event{}, &syncerr.DecodeError{
			Frame: evt.ID,
			Err:   fmt.Errorf("kind %d, want %d", evt.Kind, PrimalReferencedEvent),
		}
	}
	inner, ok := nostr.ParseEvent(json.RawMessage(evt.Content), false)
	if !ok || inner.ID == "" {
		return types.Event{}, &syncerr.DecodeError{Frame: evt.ID, Err: fmt.Errorf("referenced event is not an event")}
	}
	return inner, nil
}

type metadataContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Banner      string `json:"banner"`
	NIP05       string `json:"nip05"`
	LUD16       string `json:"lud16"`
	Website     string `json:"website"`
}

// DecodeProfile decodes a kind 0 metadata event.
func DecodeProfile(evt types.Event) (store.Profile, error) {
	var m metadataContent
	if err := decodeContent(evt, Metadata, &m); err != nil {
		return store.Profile{}, err
	}
	return store.Profile{
		PubKey:      evt.PubKey,
		EventID:     evt.ID,
		CreatedAt:   evt.CreatedAt,
		Name:        m.Name,
		DisplayName: m.DisplayName,
		About:       m.About,
		Picture:     m.Picture,
		Banner:      m.Banner,
		NIP05:       m.NIP05,
		LUD16:       m.LUD16,
		Website:     m.Website,
	}, nil
}

// PostFromEvent maps a note or article to its cached form.
func PostFromEvent(evt types.Event) store.Post {
	refs := nostr.ExtractThreadRefs(evt)
	return store.Post{
		ID:        evt.ID,
		AuthorID:  evt.PubKey,
		Kind:      evt.Kind,
		CreatedAt: evt.CreatedAt,
		Content:   evt.Content,
		Tags:      evt.Tags,
		RootID:    refs.Root,
		ReplyToID: refs.ReplyTo,
	}
}

// RepostFromEvent maps a kind 6 repost. The reposted event itself, when
// embedded in the content, is returned too.
func RepostFromEvent(evt types.Event) (store.Repost, *types.Event) {
	r := store.Repost{
		ID:               evt.ID,
		AuthorID:         evt.PubKey,
		CreatedAt:        evt.CreatedAt,
		RepostedID:       util.GetTagValue(evt.Tags, "e"),
		RepostedAuthorID: util.GetTagValue(evt.Tags, "p"),
	}
	if evt.Content == "" {
		return r, nil
	}
	inner, ok := nostr.ParseEvent(json.RawMessage(evt.Content), false)
	if !ok || inner.ID == "" {
		return r, nil
	}
	if r.RepostedID == "" {
		r.RepostedID = inner.ID
	}
	if r.RepostedAuthorID == "" {
		r.RepostedAuthorID = inner.PubKey
	}
	return r, &inner
}
