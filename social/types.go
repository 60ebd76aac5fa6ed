// Package social wraps the AT Protocol surface the fleet drives:
// session lifecycle, posting with image embeds, engagement actions,
// feeds, and chat. Everything upstream-facing lives behind the Client
// interface so executors can be tested against a fake.
package social

// SessionData is the durable session state for one account.
type SessionData struct {
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AccountMetadata carries everything needed to build a client for one
// account: credentials for fresh logins plus per-account transport
// identity.
type AccountMetadata struct {
	AccountID string `json:"accountId"`
	Password  string `json:"password,omitempty"`
	Proxy     string `json:"proxy,omitempty"`     // per-account forward proxy URL, "" = direct
	UserAgent string `json:"userAgent,omitempty"` // "" = transport default
	Endpoint  string `json:"endpoint,omitempty"`  // PDS host, "" = DefaultEndpoint
}

// DefaultEndpoint is the PDS used when an account does not override it.
const DefaultEndpoint = "https://bsky.social"

// PostRef identifies a record on the network.
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Image is one image attachment for a post.
type Image struct {
	Data []byte
	Mime string
	Alt  string
}

// Post is the content of one outgoing post.
type Post struct {
	Text    string
	Images  []Image
	ReplyTo *PostRef // nil for a top-level post
}

// FeedItem is one post surfaced by a feed read, reduced to what the
// engagement planner needs.
type FeedItem struct {
	URI          string `json:"uri"`
	CID          string `json:"cid"`
	AuthorDID    string `json:"authorDid"`
	AuthorHandle string `json:"authorHandle"`
	Text         string `json:"text,omitempty"`
}

// Conversation is a chat conversation summary.
type Conversation struct {
	ID          string   `json:"id"`
	MemberDIDs  []string `json:"memberDids"`
	UnreadCount int64    `json:"unreadCount"`
}
