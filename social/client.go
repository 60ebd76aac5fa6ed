package social

import (
	"context"

	"golang.org/x/time/rate"
)

// Client is one account's authenticated view of the network.
// Implementations are not required to be safe for concurrent use; the
// executor layer gives each job its own client.
type Client interface {
	// Session lifecycle.
	Login(ctx context.Context, identifier, password string) (*SessionData, error)
	ResumeSession(ctx context.Context, session *SessionData) (*SessionData, error)
	RefreshSession(ctx context.Context, session *SessionData) (*SessionData, error)
	HasSession() bool
	Session() *SessionData

	// Content.
	CreatePost(ctx context.Context, post Post) (*PostRef, error)
	PinPost(ctx context.Context, ref PostRef) error

	// Engagement.
	Like(ctx context.Context, ref PostRef) (*PostRef, error)
	Repost(ctx context.Context, ref PostRef) (*PostRef, error)
	Follow(ctx context.Context, did string) (*PostRef, error)

	// Feeds.
	GetTimeline(ctx context.Context, cursor string, limit int64) ([]FeedItem, string, error)
	GetFeed(ctx context.Context, feedURI, cursor string, limit int64) ([]FeedItem, string, error)

	// Identity.
	ResolveHandle(ctx context.Context, handle string) (string, error)

	// Chat.
	StartConversation(ctx context.Context, recipientDID string) (string, error)
	SendMessage(ctx context.Context, convoID, text string) error
	ListConversations(ctx context.Context, cursor string, limit int64) ([]Conversation, string, error)
}

// Factory builds a client for one account. The shared limiter, when
// non-nil, gates every upstream call across all clients it is given to.
type Factory func(meta AccountMetadata) (Client, error)

// NewFactory returns the production factory: XRPC clients against the
// account's PDS, honoring per-account proxy and user agent, throttled
// by the shared limiter. endpoint and proxy are the configured
// defaults, applied when the account's metadata leaves them empty.
func NewFactory(endpoint, proxy string, limiter *rate.Limiter) Factory {
	return func(meta AccountMetadata) (Client, error) {
		if meta.Endpoint == "" {
			meta.Endpoint = endpoint
		}
		if meta.Proxy == "" {
			meta.Proxy = proxy
		}
		return newBskyClient(meta, limiter)
	}
}
