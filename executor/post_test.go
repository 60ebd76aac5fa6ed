package executor

import (
	"context"
	"encoding/base64"
	"math/rand"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/social"
	"github.com/skyfleet-io/skyfleet/social/socialtest"
)

// tinyPNG is a 1x1 transparent PNG, small enough to pass the blob cap
// untouched.
var tinyPNG = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89, 0x00, 0x00, 0x00,
	0x0D, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9C, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
})

func noReauth(t *testing.T) Reauth {
	return func(ctx context.Context) (social.Client, error) {
		t.Fatal("reauth should not be needed")
		return nil, nil
	}
}

func zeroDelay() *[2]int {
	return &[2]int{0, 0}
}

func TestRunMassPostPublishesBatch(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts: []PostItem{
			{Text: "first"},
			{Text: "second"},
			{Text: "third"},
		},
		DelayRange: zeroDelay(),
	}}

	var progressCalls []int
	report, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(),
		func(pct int) { progressCalls = append(progressCalls, pct) })
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}

	if report.Stats.Published != 3 || report.Stats.Failed != 0 {
		t.Errorf("expected 3 published, got %+v", report.Stats)
	}
	if fake.CallCount("CreatePost") != 3 {
		t.Errorf("expected 3 CreatePost calls, got %d", fake.CallCount("CreatePost"))
	}
	if len(progressCalls) != 3 || progressCalls[2] != 100 {
		t.Errorf("progress should step to 100, got %v", progressCalls)
	}

	// Order preserved.
	calls := fake.Calls()
	texts := []string{}
	for _, c := range calls {
		if c.Method == "CreatePost" {
			texts = append(texts, c.Args[0].(social.Post).Text)
		}
	}
	if texts[0] != "first" || texts[2] != "third" {
		t.Errorf("batch order not preserved: %v", texts)
	}
}

func TestRunMassPostReverseOrder(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts:        []PostItem{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		DelayRange:   zeroDelay(),
		ReverseOrder: true,
	}}

	_, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}

	var first string
	for _, c := range fake.Calls() {
		if c.Method == "CreatePost" {
			first = c.Args[0].(social.Post).Text
			break
		}
	}
	if first != "c" {
		t.Errorf("expected reversed batch to publish c first, got %q", first)
	}
}

func TestRunMassPostPinsAtMostOne(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts: []PostItem{
			{Text: "pin me", Pin: true},
			{Text: "pin me too", Pin: true},
		},
		DelayRange: zeroDelay(),
	}}

	report, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}

	if fake.CallCount("PinPost") != 1 {
		t.Fatalf("expected exactly one pin, got %d", fake.CallCount("PinPost"))
	}
	if !report.Results[0].Pinned || report.Results[1].Pinned {
		t.Errorf("first post should carry the pin: %+v", report.Results)
	}
	if !report.Stats.PinnedPost {
		t.Error("stats should record the pin")
	}
}

func TestRunMassPostPinFailureKeepsPostSuccess(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	fake.PinPostFn = func(ref social.PostRef) error {
		return errors.New("profile swap conflict")
	}
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts:      []PostItem{{Text: "pin me", Pin: true}},
		DelayRange: zeroDelay(),
	}}

	report, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}
	if report.Stats.Published != 1 {
		t.Errorf("pin failure must not fail the post: %+v", report.Stats)
	}
	if report.Results[0].Pinned || report.Stats.PinnedPost {
		t.Error("failed pin must not be recorded as pinned")
	}
}

func TestRunMassPostTimestampSuffix(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts:      []PostItem{{Text: "stamped", IncludeTimestamp: true}},
		DelayRange: zeroDelay(),
	}}

	_, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}

	text := fake.Calls()[0].Args[0].(social.Post).Text
	if !strings.HasPrefix(text, "stamped\n\n[") || !strings.HasSuffix(text, "]") {
		t.Errorf("timestamp suffix missing: %q", text)
	}
}

func TestRunMassPostAttachesImage(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts:      []PostItem{{Text: "with image", ImageURL: tinyPNG, Alt: "a dot"}},
		DelayRange: zeroDelay(),
	}}

	_, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}

	post := fake.Calls()[0].Args[0].(social.Post)
	if len(post.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(post.Images))
	}
	if post.Images[0].Mime != "image/png" || post.Images[0].Alt != "a dot" {
		t.Errorf("image metadata wrong: mime=%q alt=%q", post.Images[0].Mime, post.Images[0].Alt)
	}
}

func TestRunMassPostBadImageIsItemFailure(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	p := &MassPostPayload{PostOptions: PostOptions{
		Posts: []PostItem{
			{Text: "broken image", ImageURL: "data:image/png;base64,!!!notbase64"},
			{Text: "plain"},
		},
		DelayRange: zeroDelay(),
	}}

	report, err := RunMassPost(context.Background(), fake, noReauth(t), p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("item failure must not fail the batch: %v", err)
	}
	if report.Stats.Failed != 1 || report.Stats.Published != 1 {
		t.Errorf("expected 1 failed / 1 published, got %+v", report.Stats)
	}
	if report.Results[0].Success || report.Results[0].Error == "" {
		t.Errorf("bad image should be a recorded item failure: %+v", report.Results[0])
	}
}

func TestRunMassPostReauthMidBatch(t *testing.T) {
	fake := socialtest.NewFakeClient(nil) // no session at start
	refreshed := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})

	reauthCalls := 0
	reauth := func(ctx context.Context) (social.Client, error) {
		reauthCalls++
		return refreshed, nil
	}

	p := &MassPostPayload{PostOptions: PostOptions{
		Posts:      []PostItem{{Text: "after reauth"}},
		DelayRange: zeroDelay(),
	}}

	report, err := RunMassPost(context.Background(), fake, reauth, p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}
	if reauthCalls != 1 {
		t.Errorf("expected 1 reauth, got %d", reauthCalls)
	}
	if refreshed.CallCount("CreatePost") != 1 || fake.CallCount("CreatePost") != 0 {
		t.Error("post should go through the re-established client")
	}
	if report.Stats.Published != 1 {
		t.Errorf("expected 1 published, got %+v", report.Stats)
	}
}

func TestRunMassPostReauthFailureRecordsItem(t *testing.T) {
	fake := socialtest.NewFakeClient(nil)
	reauth := func(ctx context.Context) (social.Client, error) {
		return nil, errors.Wrap(errors.ErrAuthExhausted, "all methods failed")
	}

	p := &MassPostPayload{PostOptions: PostOptions{
		Posts:      []PostItem{{Text: "never published"}},
		DelayRange: zeroDelay(),
	}}

	report, err := RunMassPost(context.Background(), fake, reauth, p, nil,
		rand.New(rand.NewSource(1)), zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunMassPost failed: %v", err)
	}
	if report.Stats.Failed != 1 || fake.CallCount("CreatePost") != 0 {
		t.Errorf("reauth failure should fail the item without publishing: %+v", report.Stats)
	}
}
