// Package socialtest provides a scriptable Client double for tests.
package socialtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/social"
)

// Call records one upstream invocation.
type Call struct {
	Method string
	Args   []interface{}
}

// FakeClient implements social.Client with per-method hooks. Methods
// without a hook succeed with zero values. All invocations are
// recorded.
type FakeClient struct {
	mu      sync.Mutex
	calls   []Call
	session *social.SessionData

	LoginFn   func(identifier, password string) (*social.SessionData, error)
	ResumeFn  func(session *social.SessionData) (*social.SessionData, error)
	RefreshFn func(session *social.SessionData) (*social.SessionData, error)

	CreatePostFn func(post social.Post) (*social.PostRef, error)
	PinPostFn    func(ref social.PostRef) error
	LikeFn       func(ref social.PostRef) (*social.PostRef, error)
	RepostFn     func(ref social.PostRef) (*social.PostRef, error)

	TimelineFn func(cursor string, limit int64) ([]social.FeedItem, string, error)
	FeedFn     func(feedURI, cursor string, limit int64) ([]social.FeedItem, string, error)

	ResolveFn func(handle string) (string, error)
	ConvoFn   func(recipientDID string) (string, error)
	SendFn    func(convoID, text string) error
}

// NewFakeClient returns a fake with an optional pre-established
// session.
func NewFakeClient(session *social.SessionData) *FakeClient {
	return &FakeClient{session: session}
}

// Calls returns the recorded invocations.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (f *FakeClient) CallCount(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *FakeClient) record(method string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Args: args})
}

func (f *FakeClient) setSession(s *social.SessionData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *FakeClient) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session != nil
}

func (f *FakeClient) Session() *social.SessionData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *FakeClient) Login(ctx context.Context, identifier, password string) (*social.SessionData, error) {
	f.record("Login", identifier, password)
	if f.LoginFn == nil {
		return nil, errors.New("login not scripted")
	}
	s, err := f.LoginFn(identifier, password)
	if err == nil {
		f.setSession(s)
	}
	return s, err
}

func (f *FakeClient) ResumeSession(ctx context.Context, session *social.SessionData) (*social.SessionData, error) {
	f.record("ResumeSession", session)
	if f.ResumeFn == nil {
		return nil, errors.New("resume not scripted")
	}
	s, err := f.ResumeFn(session)
	if err == nil {
		f.setSession(s)
	}
	return s, err
}

func (f *FakeClient) RefreshSession(ctx context.Context, session *social.SessionData) (*social.SessionData, error) {
	f.record("RefreshSession", session)
	if f.RefreshFn == nil {
		return nil, errors.New("refresh not scripted")
	}
	s, err := f.RefreshFn(session)
	if err == nil {
		f.setSession(s)
	}
	return s, err
}

func (f *FakeClient) CreatePost(ctx context.Context, post social.Post) (*social.PostRef, error) {
	f.record("CreatePost", post)
	if f.CreatePostFn != nil {
		return f.CreatePostFn(post)
	}
	n := f.CallCount("CreatePost")
	return &social.PostRef{URI: fmt.Sprintf("at://did:plc:fake/app.bsky.feed.post/%d", n), CID: fmt.Sprintf("cid%d", n)}, nil
}

func (f *FakeClient) PinPost(ctx context.Context, ref social.PostRef) error {
	f.record("PinPost", ref)
	if f.PinPostFn != nil {
		return f.PinPostFn(ref)
	}
	return nil
}

func (f *FakeClient) Like(ctx context.Context, ref social.PostRef) (*social.PostRef, error) {
	f.record("Like", ref)
	if f.LikeFn != nil {
		return f.LikeFn(ref)
	}
	return &social.PostRef{URI: "at://like", CID: "likecid"}, nil
}

func (f *FakeClient) Repost(ctx context.Context, ref social.PostRef) (*social.PostRef, error) {
	f.record("Repost", ref)
	if f.RepostFn != nil {
		return f.RepostFn(ref)
	}
	return &social.PostRef{URI: "at://repost", CID: "repostcid"}, nil
}

func (f *FakeClient) Follow(ctx context.Context, did string) (*social.PostRef, error) {
	f.record("Follow", did)
	return &social.PostRef{URI: "at://follow", CID: "followcid"}, nil
}

func (f *FakeClient) GetTimeline(ctx context.Context, cursor string, limit int64) ([]social.FeedItem, string, error) {
	f.record("GetTimeline", cursor, limit)
	if f.TimelineFn != nil {
		return f.TimelineFn(cursor, limit)
	}
	return nil, "", nil
}

func (f *FakeClient) GetFeed(ctx context.Context, feedURI, cursor string, limit int64) ([]social.FeedItem, string, error) {
	f.record("GetFeed", feedURI, cursor, limit)
	if f.FeedFn != nil {
		return f.FeedFn(feedURI, cursor, limit)
	}
	return nil, "", nil
}

func (f *FakeClient) ResolveHandle(ctx context.Context, handle string) (string, error) {
	f.record("ResolveHandle", handle)
	if f.ResolveFn != nil {
		return f.ResolveFn(handle)
	}
	return "did:plc:" + handle, nil
}

func (f *FakeClient) StartConversation(ctx context.Context, recipientDID string) (string, error) {
	f.record("StartConversation", recipientDID)
	if f.ConvoFn != nil {
		return f.ConvoFn(recipientDID)
	}
	return "convo-" + recipientDID, nil
}

func (f *FakeClient) SendMessage(ctx context.Context, convoID, text string) error {
	f.record("SendMessage", convoID, text)
	if f.SendFn != nil {
		return f.SendFn(convoID, text)
	}
	return nil
}

func (f *FakeClient) ListConversations(ctx context.Context, cursor string, limit int64) ([]social.Conversation, string, error) {
	f.record("ListConversations", cursor, limit)
	return nil, "", nil
}

// Feed builds a synthetic feed of n well-formed posts.
func Feed(n int) []social.FeedItem {
	items := make([]social.FeedItem, n)
	for i := range items {
		items[i] = social.FeedItem{
			URI:          fmt.Sprintf("at://did:plc:author%d/app.bsky.feed.post/%d", i, i),
			CID:          fmt.Sprintf("cid%d", i),
			AuthorDID:    fmt.Sprintf("did:plc:author%d", i),
			AuthorHandle: fmt.Sprintf("author%d.bsky.social", i),
			Text:         fmt.Sprintf("post %d", i),
		}
	}
	return items
}
