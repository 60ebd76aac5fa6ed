package executor

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/auth"
	"github.com/skyfleet-io/skyfleet/errors"
	itesting "github.com/skyfleet-io/skyfleet/internal/testing"
	"github.com/skyfleet-io/skyfleet/queue"
	"github.com/skyfleet-io/skyfleet/social"
	"github.com/skyfleet-io/skyfleet/social/socialtest"
	"github.com/skyfleet-io/skyfleet/worker"
)

func testDispatcher(t *testing.T, fake *socialtest.FakeClient) (*Dispatcher, accounts.Store) {
	t.Helper()
	store, err := accounts.NewSQLStore(itesting.CreateTestDB(t))
	if err != nil {
		t.Fatalf("failed to create account store: %v", err)
	}
	factory := func(meta social.AccountMetadata) (social.Client, error) {
		return fake, nil
	}
	return NewDispatcher(auth.NewCoordinator(store, factory), nil), store
}

func jobContext(t *testing.T, jobType queue.JobType, payload string) *worker.JobContext {
	t.Helper()
	job, err := queue.NewJob("acme", jobType, "", json.RawMessage(payload), queue.Options{})
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	return &worker.JobContext{Job: job, Log: zap.NewNop().Sugar(), Progress: func(int) {}}
}

func TestDispatcherRunsChatJob(t *testing.T) {
	fake := socialtest.NewFakeClient(nil)
	fake.LoginFn = func(string, string) (*social.SessionData, error) {
		return &social.SessionData{DID: "did:plc:bot", AccessToken: "A1", RefreshToken: "R1"}, nil
	}
	d, store := testDispatcher(t, fake)

	acct := &accounts.Account{TenantID: "acme", Identifier: "bot.bsky.social", Password: "pw"}
	if err := store.Create(context.Background(), acct); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	jc := jobContext(t, queue.JobTypeChat,
		`{"accountId":"`+acct.ID+`","messages":"hello","recipients":["friend.bsky.social"]}`)

	result, err := d.Execute(context.Background(), jc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var report ChatReport
	if err := json.Unmarshal(result, &report); err != nil {
		t.Fatalf("result is not a chat report: %v", err)
	}
	if report.SuccessCount != 1 {
		t.Errorf("expected 1 delivery, got %+v", report)
	}
	if fake.CallCount("SendMessage") != 1 {
		t.Errorf("expected 1 SendMessage, got %d", fake.CallCount("SendMessage"))
	}
}

func TestDispatcherRunsEngagementWithSeed(t *testing.T) {
	fake := socialtest.NewFakeClient(nil)
	fake.LoginFn = func(string, string) (*social.SessionData, error) {
		return &social.SessionData{DID: "did:plc:bot", AccessToken: "A1", RefreshToken: "R1"}, nil
	}
	fake.TimelineFn = func(cursor string, limit int64) ([]social.FeedItem, string, error) {
		return socialtest.Feed(int(limit)), "", nil
	}
	d, store := testDispatcher(t, fake)

	acct := &accounts.Account{TenantID: "acme", Identifier: "bot.bsky.social", Password: "pw"}
	if err := store.Create(context.Background(), acct); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	jc := jobContext(t, queue.JobTypeEngagement, `{
		"accountId": "`+acct.ID+`",
		"dryRun": true,
		"seed": 42,
		"engagementOptions": {
			"numberOfActions": 3,
			"delayRange": [0, 1],
			"skipRange": [0, 1],
			"likePercentage": 100
		}
	}`)

	result, err := d.Execute(context.Background(), jc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var report EngagementReport
	if err := json.Unmarshal(result, &report); err != nil {
		t.Fatalf("result is not an engagement report: %v", err)
	}
	if !report.DryRun || report.SuccessCount != 3 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestDispatcherRejectsMalformedPayload(t *testing.T) {
	d, _ := testDispatcher(t, socialtest.NewFakeClient(nil))

	jc := jobContext(t, queue.JobTypeChat, `{not json`)
	if _, err := d.Execute(context.Background(), jc); !errors.IsBadRequestError(err) {
		t.Fatalf("expected bad-request, got %v", err)
	}
}

func TestDispatcherSurfacesAuthExhaustion(t *testing.T) {
	fake := socialtest.NewFakeClient(nil)
	fake.LoginFn = func(string, string) (*social.SessionData, error) {
		return nil, errors.New("bad credentials")
	}
	d, store := testDispatcher(t, fake)

	acct := &accounts.Account{TenantID: "acme", Identifier: "bot.bsky.social", Password: "wrong"}
	if err := store.Create(context.Background(), acct); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	jc := jobContext(t, queue.JobTypeChat,
		`{"accountId":"`+acct.ID+`","messages":"hi","recipients":["x.bsky.social"]}`)

	_, err := d.Execute(context.Background(), jc)
	if !errors.Is(err, errors.ErrAuthExhausted) {
		t.Fatalf("expected auth exhaustion, got %v", err)
	}
}

func TestDispatcherInlineSessionPayload(t *testing.T) {
	fake := socialtest.NewFakeClient(nil)
	fake.RefreshFn = func(session *social.SessionData) (*social.SessionData, error) {
		return &social.SessionData{DID: "did:plc:inline", AccessToken: "A2", RefreshToken: "R2"}, nil
	}
	d, _ := testDispatcher(t, fake)

	jc := jobContext(t, queue.JobTypeChat, `{
		"sessionData": {"handle": "inline.bsky.social", "accessToken": "A1", "refreshToken": "R1"},
		"messages": "hello",
		"recipients": ["friend.bsky.social"]
	}`)

	result, err := d.Execute(context.Background(), jc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var report ChatReport
	if err := json.Unmarshal(result, &report); err != nil {
		t.Fatalf("result is not a chat report: %v", err)
	}
	if report.SuccessCount != 1 {
		t.Errorf("expected 1 delivery, got %+v", report)
	}
	if fake.CallCount("RefreshSession") != 1 {
		t.Errorf("inline session should walk the refresh method, got %+v", fake.Calls())
	}
}
