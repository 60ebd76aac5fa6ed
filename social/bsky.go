package social

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	chat "github.com/bluesky-social/indigo/api/chat"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"golang.org/x/time/rate"

	"github.com/skyfleet-io/skyfleet/errors"
)

// chatServiceProxy is the service DID the chat endpoints are proxied
// through.
const chatServiceProxy = "did:web:api.bsky.chat#bsky_chat"

// bskyClient is the production Client over indigo's XRPC bindings.
type bskyClient struct {
	meta    AccountMetadata
	client  *xrpc.Client
	limiter *rate.Limiter
}

func newBskyClient(meta AccountMetadata, limiter *rate.Limiter) (*bskyClient, error) {
	host := meta.Endpoint
	if host == "" {
		host = DefaultEndpoint
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if meta.Proxy != "" {
		proxyURL, err := url.Parse(meta.Proxy)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid proxy URL for account %s", meta.AccountID)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	client := &xrpc.Client{
		Host:   host,
		Client: httpClient,
	}
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		client.UserAgent = &ua
	}

	return &bskyClient{meta: meta, client: client, limiter: limiter}, nil
}

// wait blocks on the shared upstream rate gate, if one is configured.
func (c *bskyClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *bskyClient) HasSession() bool {
	return c.client.Auth != nil && c.client.Auth.AccessJwt != ""
}

func (c *bskyClient) Session() *SessionData {
	if c.client.Auth == nil {
		return nil
	}
	return &SessionData{
		DID:          c.client.Auth.Did,
		Handle:       c.client.Auth.Handle,
		AccessToken:  c.client.Auth.AccessJwt,
		RefreshToken: c.client.Auth.RefreshJwt,
	}
}

// Login authenticates with identifier and app password.
func (c *bskyClient) Login(ctx context.Context, identifier, password string) (*SessionData, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	session, err := comatproto.ServerCreateSession(ctx, c.client, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create session with PDS %s for %s", c.client.Host, identifier)
	}

	c.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}

	data := &SessionData{
		DID:          session.Did,
		Handle:       session.Handle,
		AccessToken:  session.AccessJwt,
		RefreshToken: session.RefreshJwt,
	}
	if session.Email != nil {
		data.Email = *session.Email
	}
	return data, nil
}

// ResumeSession validates stored tokens against the server. A stored
// session without a DID cannot be resumed: there is no identity to
// verify the server's answer against.
func (c *bskyClient) ResumeSession(ctx context.Context, session *SessionData) (*SessionData, error) {
	if session.DID == "" {
		return nil, errors.Newf("stored session for %s has no DID", c.meta.AccountID)
	}
	if session.AccessToken == "" {
		return nil, errors.Newf("stored session for %s has no access token", c.meta.AccountID)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessToken,
		RefreshJwt: session.RefreshToken,
		Handle:     session.Handle,
		Did:        session.DID,
	}

	current, err := comatproto.ServerGetSession(ctx, c.client)
	if err != nil {
		c.client.Auth = nil
		return nil, errors.Wrapf(err, "failed to resume session for %s", session.DID)
	}
	if current.Did != session.DID {
		c.client.Auth = nil
		return nil, errors.Newf("resumed session DID %s does not match stored %s", current.Did, session.DID)
	}

	c.client.Auth.Handle = current.Handle
	data := &SessionData{
		DID:          current.Did,
		Handle:       current.Handle,
		Email:        session.Email,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	}
	if current.Email != nil {
		data.Email = *current.Email
	}
	return data, nil
}

// RefreshSession rotates tokens using the stored refresh token.
func (c *bskyClient) RefreshSession(ctx context.Context, session *SessionData) (*SessionData, error) {
	if session.RefreshToken == "" {
		return nil, errors.Newf("stored session for %s has no refresh token", c.meta.AccountID)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	// The refresh endpoint authenticates with the refresh token in the
	// access slot.
	refreshClient := &xrpc.Client{
		Host:   c.client.Host,
		Client: c.client.Client,
		Auth:   &xrpc.AuthInfo{AccessJwt: session.RefreshToken},
	}

	refreshed, err := comatproto.ServerRefreshSession(ctx, refreshClient)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to refresh session at %s", c.client.Host)
	}

	c.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  refreshed.AccessJwt,
		RefreshJwt: refreshed.RefreshJwt,
		Handle:     refreshed.Handle,
		Did:        refreshed.Did,
	}

	return &SessionData{
		DID:          refreshed.Did,
		Handle:       refreshed.Handle,
		Email:        session.Email,
		AccessToken:  refreshed.AccessJwt,
		RefreshToken: refreshed.RefreshJwt,
	}, nil
}

func (c *bskyClient) requireAuth() error {
	if !c.HasSession() {
		return errors.Newf("account %s has no active session", c.meta.AccountID)
	}
	return nil
}

// CreatePost publishes a post, uploading any image attachments first.
func (c *bskyClient) CreatePost(ctx context.Context, post Post) (*PostRef, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}

	record := &appbsky.FeedPost{
		Text:      post.Text,
		CreatedAt: time.Now().Format(time.RFC3339),
	}

	if post.ReplyTo != nil {
		ref := &comatproto.RepoStrongRef{Uri: post.ReplyTo.URI, Cid: post.ReplyTo.CID}
		record.Reply = &appbsky.FeedPost_ReplyRef{Parent: ref, Root: ref}
	}

	if len(post.Images) > 0 {
		embed := &appbsky.EmbedImages{}
		for _, img := range post.Images {
			if err := c.wait(ctx); err != nil {
				return nil, err
			}
			uploaded, err := comatproto.RepoUploadBlob(ctx, c.client, bytes.NewReader(img.Data))
			if err != nil {
				return nil, errors.Wrap(err, "failed to upload image blob")
			}
			embed.Images = append(embed.Images, &appbsky.EmbedImages_Image{
				Alt:   img.Alt,
				Image: uploaded.Blob,
			})
		}
		record.Embed = &appbsky.FeedPost_Embed{EmbedImages: embed}
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := comatproto.RepoCreateRecord(ctx, c.client, &comatproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       c.client.Auth.Did,
		Record:     &util.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create post")
	}
	return &PostRef{URI: resp.Uri, CID: resp.Cid}, nil
}

// PinPost sets ref as the account's pinned post on its profile record,
// using a compare-and-swap against the current profile CID.
func (c *bskyClient) PinPost(ctx context.Context, ref PostRef) error {
	if err := c.requireAuth(); err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	profile := &appbsky.ActorProfile{}
	var swap *string
	existing, err := comatproto.RepoGetRecord(ctx, c.client, "", "app.bsky.actor.profile", c.client.Auth.Did, "self")
	if err == nil {
		if current, ok := existing.Value.Val.(*appbsky.ActorProfile); ok {
			profile = current
		}
		swap = existing.Cid
	}

	profile.PinnedPost = &comatproto.RepoStrongRef{Uri: ref.URI, Cid: ref.CID}

	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err = comatproto.RepoPutRecord(ctx, c.client, &comatproto.RepoPutRecord_Input{
		Collection: "app.bsky.actor.profile",
		Repo:       c.client.Auth.Did,
		Rkey:       "self",
		Record:     &util.LexiconTypeDecoder{Val: profile},
		SwapRecord: swap,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to pin post %s", ref.URI)
	}
	return nil
}

// Like creates a like record for the referenced post.
func (c *bskyClient) Like(ctx context.Context, ref PostRef) (*PostRef, error) {
	return c.createEngagement(ctx, "app.bsky.feed.like", &appbsky.FeedLike{
		Subject:   &comatproto.RepoStrongRef{Uri: ref.URI, Cid: ref.CID},
		CreatedAt: time.Now().Format(time.RFC3339),
	})
}

// Repost creates a repost record for the referenced post.
func (c *bskyClient) Repost(ctx context.Context, ref PostRef) (*PostRef, error) {
	return c.createEngagement(ctx, "app.bsky.feed.repost", &appbsky.FeedRepost{
		Subject:   &comatproto.RepoStrongRef{Uri: ref.URI, Cid: ref.CID},
		CreatedAt: time.Now().Format(time.RFC3339),
	})
}

// Follow creates a follow record for the given DID.
func (c *bskyClient) Follow(ctx context.Context, did string) (*PostRef, error) {
	return c.createEngagement(ctx, "app.bsky.graph.follow", &appbsky.GraphFollow{
		Subject:   did,
		CreatedAt: time.Now().Format(time.RFC3339),
	})
}

func (c *bskyClient) createEngagement(ctx context.Context, collection string, record util.CBOR) (*PostRef, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := comatproto.RepoCreateRecord(ctx, c.client, &comatproto.RepoCreateRecord_Input{
		Collection: collection,
		Repo:       c.client.Auth.Did,
		Record:     &util.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s record", collection)
	}
	return &PostRef{URI: resp.Uri, CID: resp.Cid}, nil
}

// GetTimeline reads a page of the account's home timeline.
func (c *bskyClient) GetTimeline(ctx context.Context, cursor string, limit int64) ([]FeedItem, string, error) {
	if err := c.requireAuth(); err != nil {
		return nil, "", err
	}
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}

	resp, err := appbsky.FeedGetTimeline(ctx, c.client, "", cursor, limit)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to get timeline")
	}

	items := feedItems(resp.Feed)
	next := ""
	if resp.Cursor != nil {
		next = *resp.Cursor
	}
	return items, next, nil
}

// GetFeed reads a page of a feed generator's output.
func (c *bskyClient) GetFeed(ctx context.Context, feedURI, cursor string, limit int64) ([]FeedItem, string, error) {
	if err := c.requireAuth(); err != nil {
		return nil, "", err
	}
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}

	resp, err := appbsky.FeedGetFeed(ctx, c.client, cursor, feedURI, limit)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to get feed %s", feedURI)
	}

	items := feedItems(resp.Feed)
	next := ""
	if resp.Cursor != nil {
		next = *resp.Cursor
	}
	return items, next, nil
}

func feedItems(feed []*appbsky.FeedDefs_FeedViewPost) []FeedItem {
	items := make([]FeedItem, 0, len(feed))
	for _, fv := range feed {
		if fv == nil || fv.Post == nil {
			continue
		}
		item := FeedItem{URI: fv.Post.Uri, CID: fv.Post.Cid}
		if fv.Post.Author != nil {
			item.AuthorDID = fv.Post.Author.Did
			item.AuthorHandle = fv.Post.Author.Handle
		}
		if fv.Post.Record != nil {
			if post, ok := fv.Post.Record.Val.(*appbsky.FeedPost); ok {
				item.Text = post.Text
			}
		}
		items = append(items, item)
	}
	return items
}

// ResolveHandle resolves a handle to its DID. A string that is already
// a DID passes through unchanged.
func (c *bskyClient) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if strings.HasPrefix(handle, "did:") {
		return handle, nil
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	resp, err := comatproto.IdentityResolveHandle(ctx, c.client, strings.TrimPrefix(handle, "@"))
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve handle %s", handle)
	}
	return resp.Did, nil
}

// chatClient returns a client whose calls are proxied to the chat
// service.
func (c *bskyClient) chatClient() *xrpc.Client {
	cc := *c.client
	cc.Headers = map[string]string{"atproto-proxy": chatServiceProxy}
	return &cc
}

// StartConversation opens (or finds) the 1:1 conversation with the
// recipient and returns its ID.
func (c *bskyClient) StartConversation(ctx context.Context, recipientDID string) (string, error) {
	if err := c.requireAuth(); err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	resp, err := chat.ConvoGetConvoForMembers(ctx, c.chatClient(), []string{recipientDID})
	if err != nil {
		return "", errors.Wrapf(err, "failed to open conversation with %s", recipientDID)
	}
	return resp.Convo.Id, nil
}

// SendMessage sends one message into a conversation.
func (c *bskyClient) SendMessage(ctx context.Context, convoID, text string) error {
	if err := c.requireAuth(); err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	_, err := chat.ConvoSendMessage(ctx, c.chatClient(), &chat.ConvoSendMessage_Input{
		ConvoId: convoID,
		Message: &chat.ConvoDefs_MessageInput{Text: text},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to send message to conversation %s", convoID)
	}
	return nil
}

// ListConversations reads a page of the account's conversations.
func (c *bskyClient) ListConversations(ctx context.Context, cursor string, limit int64) ([]Conversation, string, error) {
	if err := c.requireAuth(); err != nil {
		return nil, "", err
	}
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}

	resp, err := chat.ConvoListConvos(ctx, c.chatClient(), cursor, limit, "", "")
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to list conversations")
	}

	convos := make([]Conversation, 0, len(resp.Convos))
	for _, cv := range resp.Convos {
		if cv == nil {
			continue
		}
		conv := Conversation{ID: cv.Id, UnreadCount: cv.UnreadCount}
		for _, m := range cv.Members {
			if m != nil {
				conv.MemberDIDs = append(conv.MemberDIDs, m.Did)
			}
		}
		convos = append(convos, conv)
	}

	next := ""
	if resp.Cursor != nil {
		next = *resp.Cursor
	}
	return convos, next, nil
}
