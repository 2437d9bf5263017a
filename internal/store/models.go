package store

import "time"

// Profile is the latest metadata (kind 0) event of a user.
type Profile struct {
	PubKey      string `json:"pubkey"`
	EventID     string `json:"event_id"`
	CreatedAt   int64  `json:"created_at"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Post is a note or long-form article.
type Post struct {
	ID        string     `json:"id"`
	AuthorID  string     `json:"author_id"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	RootID    string     `json:"root_id,omitempty"`
	ReplyToID string     `json:"reply_to_id,omitempty"`
}

// Repost links a kind 6 event to the post it reposts.
type Repost struct {
	ID               string `json:"id"`
	AuthorID         string `json:"author_id"`
	CreatedAt        int64  `json:"created_at"`
	RepostedID       string `json:"reposted_id"`
	RepostedAuthorID string `json:"reposted_author_id,omitempty"`
}

// Zap is a zap on an event or profile, keyed by the receipt id.
type Zap struct {
	ReceiptID  string `json:"receipt_id"`
	EventID    string `json:"event_id,omitempty"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	AmountSats int64  `json:"amount_sats"`
	Message    string `json:"message,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// EventStats aggregates engagement on one event.
type EventStats struct {
	EventID    string `json:"event_id"`
	Likes      int64  `json:"likes"`
	Replies    int64  `json:"replies"`
	Mentions   int64  `json:"mentions"`
	Reposts    int64  `json:"reposts"`
	Zaps       int64  `json:"zaps"`
	SatsZapped int64  `json:"satszapped"`
	Score      int64  `json:"score"`
	Score24h   int64  `json:"score24h"`
}

// EventUserStats records one user's own interactions with an event.
type EventUserStats struct {
	EventID  string `json:"event_id"`
	UserID   string `json:"user_id"`
	Liked    bool   `json:"liked"`
	Replied  bool   `json:"replied"`
	Reposted bool   `json:"reposted"`
	Zapped   bool   `json:"zapped"`
}

// ProfileStats aggregates counters for one user.
type ProfileStats struct {
	PubKey          string `json:"pubkey"`
	Follows         int64  `json:"follows_count"`
	Followers       int64  `json:"followers_count"`
	Notes           int64  `json:"note_count"`
	LongFormNotes   int64  `json:"long_form_note_count"`
	Replies         int64  `json:"reply_count"`
	RelayCount      int64  `json:"relay_count"`
	TotalZaps       int64  `json:"total_zap_count"`
	TotalSatsZapped int64  `json:"total_satszapped"`
	JoinedAt        int64  `json:"time_joined"`
}

// UserScore is the server-computed rank of a user.
type UserScore struct {
	PubKey string  `json:"pubkey"`
	Score  float64 `json:"score"`
}

// MediaVariant is one CDN rendition of a media resource.
type MediaVariant struct {
	Size     string `json:"s"`
	Width    int    `json:"w"`
	Height   int    `json:"h"`
	MimeType string `json:"mt"`
	MediaURL string `json:"media_url"`
}

// MediaResource is CDN metadata for a URL referenced by an event.
type MediaResource struct {
	URL      string         `json:"url"`
	EventID  string         `json:"event_id,omitempty"`
	MimeType string         `json:"mimetype,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Variants []MediaVariant `json:"variants,omitempty"`
}

// LinkPreview is server-fetched page metadata for a URL.
type LinkPreview struct {
	URL         string `json:"url"`
	MimeType    string `json:"mimetype,omitempty"`
	Title       string `json:"md_title,omitempty"`
	Description string `json:"md_description,omitempty"`
	Image       string `json:"md_image,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
}

// RemoteKey records the page boundaries an event was fetched in.
// Keyed by (OwnerID, FeedSpec, EventID).
type RemoteKey struct {
	OwnerID  string
	FeedSpec string
	EventID  string
	SinceID  int64
	UntilID  int64
	CachedAt time.Time
}

// FeedConnection places one event at a position in a feed.
// Keyed by (OwnerID, FeedSpec, EventID).
type FeedConnection struct {
	OwnerID  string
	FeedSpec string
	EventID  string
	Position int64
}

// Entities is every cacheable entity extracted from one response.
type Entities struct {
	Profiles       []Profile
	Posts          []Post
	Reposts        []Repost
	Zaps           []Zap
	EventStats     []EventStats
	EventUserStats []EventUserStats
	ProfileStats   []ProfileStats
	UserScores     []UserScore
	MediaResources []MediaResource
	LinkPreviews   []LinkPreview
}

// Counts returns the number of rows per entity name, skipping empty ones.
func (e *Entities) Counts() map[string]int {
	out := make(map[string]int)
	add := func(name string, n int) {
		if n > 0 {
			out[name] = n
		}
	}
	add("profile", len(e.Profiles))
	add("post", len(e.Posts))
	add("repost", len(e.Reposts))
	add("zap", len(e.Zaps))
	add("event_stats", len(e.EventStats))
	add("event_user_stats", len(e.EventUserStats))
	add("profile_stats", len(e.ProfileStats))
	add("user_score", len(e.UserScores))
	add("media_resource", len(e.MediaResources))
	add("link_preview", len(e.LinkPreviews))
	return out
}
