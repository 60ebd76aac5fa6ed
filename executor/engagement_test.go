package executor

import (
	"context"
	"math/rand"
	"testing"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/pacing"
	"github.com/skyfleet-io/skyfleet/social"
	"github.com/skyfleet-io/skyfleet/social/socialtest"
)

func zeroDelayPlan(t *testing.T, n, likePct int) *pacing.Plan {
	t.Helper()
	plan, err := pacing.Build(pacing.StrategyUniform, pacing.Options{
		NumberOfActions: n,
		LikePercentage:  likePct,
	}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("failed to build plan: %v", err)
	}
	// Strip the pacing so tests run instantly.
	for i := range plan.Actions {
		plan.Actions[i].DelayS = 0
		plan.Actions[i].Skip = 0
	}
	plan.TotalTimeS = 0
	return plan
}

func TestRunEngagementDryRun(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	plan := zeroDelayPlan(t, 10, 70)
	feed := socialtest.Feed(30)

	var progressCalls []int
	report, err := RunEngagement(context.Background(), fake, plan, feed,
		&EngagementPayload{DryRun: true}, zap.NewNop().Sugar(),
		func(p int) { progressCalls = append(progressCalls, p) })
	if err != nil {
		t.Fatalf("RunEngagement failed: %v", err)
	}

	if report.SuccessCount != 10 || report.ErrorCount != 0 {
		t.Errorf("expected 10/0 success/error, got %d/%d", report.SuccessCount, report.ErrorCount)
	}
	if len(report.Results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(report.Results))
	}
	likes := 0
	for _, r := range report.Results {
		if !r.Success || r.PostURI == "" {
			t.Errorf("dry-run result should succeed with a target: %+v", r)
		}
		if r.Action == string(pacing.ActionLike) {
			likes++
		}
	}
	if likes != 7 {
		t.Errorf("expected 7 like intents, got %d", likes)
	}

	// Dry runs never touch the upstream.
	if fake.CallCount("Like") != 0 || fake.CallCount("Repost") != 0 {
		t.Error("dry run performed real engagement calls")
	}

	if len(progressCalls) != 10 || progressCalls[len(progressCalls)-1] != 100 {
		t.Errorf("progress should step to 100, got %v", progressCalls)
	}
}

func TestRunEngagementPerformsActions(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	plan := zeroDelayPlan(t, 4, 100)
	feed := socialtest.Feed(10)

	report, err := RunEngagement(context.Background(), fake, plan, feed,
		&EngagementPayload{}, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunEngagement failed: %v", err)
	}
	if report.LikeCount != 4 || report.RepostCount != 0 {
		t.Errorf("expected 4 likes, got %d likes / %d reposts", report.LikeCount, report.RepostCount)
	}
	if fake.CallCount("Like") != 4 {
		t.Errorf("expected 4 upstream likes, got %d", fake.CallCount("Like"))
	}
	// Each success advances the cursor: four distinct posts.
	seen := map[string]bool{}
	for _, r := range report.Results {
		seen[r.PostURI] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct targets, got %d", len(seen))
	}
	for _, a := range plan.Actions {
		if !a.Executed {
			t.Errorf("action %d not marked executed", a.Index)
		}
	}
}

func TestRunEngagementClampsCursor(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	plan := zeroDelayPlan(t, 3, 100)
	for i := range plan.Actions {
		plan.Actions[i].Skip = 10
	}
	feed := socialtest.Feed(4)

	report, err := RunEngagement(context.Background(), fake, plan, feed,
		&EngagementPayload{}, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunEngagement failed: %v", err)
	}
	// Clamped to the last post each time; the run completes.
	if report.SuccessCount != 3 {
		t.Errorf("expected 3 successes with clamped cursor, got %d", report.SuccessCount)
	}
}

func TestRunEngagementRecordsItemFailures(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	fake.LikeFn = func(ref social.PostRef) (*social.PostRef, error) {
		return nil, errors.New("rate limited")
	}
	plan := zeroDelayPlan(t, 3, 100)
	feed := socialtest.Feed(10)

	report, err := RunEngagement(context.Background(), fake, plan, feed,
		&EngagementPayload{}, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("item failures must not fail the job: %v", err)
	}
	if report.ErrorCount != 3 || report.SuccessCount != 0 {
		t.Errorf("expected 3 recorded failures, got %d/%d", report.ErrorCount, report.SuccessCount)
	}
}

func TestRunEngagementStopOnError(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	fake.LikeFn = func(ref social.PostRef) (*social.PostRef, error) {
		return nil, errors.New("rate limited")
	}
	plan := zeroDelayPlan(t, 5, 100)
	feed := socialtest.Feed(10)

	report, err := RunEngagement(context.Background(), fake, plan, feed,
		&EngagementPayload{StopOnError: true}, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunEngagement failed: %v", err)
	}
	if len(report.Results) != 1 {
		t.Errorf("expected stop after first failure, got %d results", len(report.Results))
	}
}

func TestRunEngagementSkipsMalformedItems(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	plan := zeroDelayPlan(t, 1, 100)
	feed := []social.FeedItem{{AuthorHandle: "ghost.bsky.social"}} // no URI/CID

	report, err := RunEngagement(context.Background(), fake, plan, feed,
		&EngagementPayload{}, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunEngagement failed: %v", err)
	}
	if report.ErrorCount != 1 || fake.CallCount("Like") != 0 {
		t.Errorf("malformed item should fail without an upstream call: %+v", report)
	}
}

func TestRunEngagementFetchesFeedWhenMissing(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	fake.TimelineFn = func(cursor string, limit int64) ([]social.FeedItem, string, error) {
		return socialtest.Feed(int(limit)), "", nil
	}
	plan := zeroDelayPlan(t, 2, 100)

	report, err := RunEngagement(context.Background(), fake, plan, nil,
		&EngagementPayload{DryRun: true}, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("RunEngagement failed: %v", err)
	}
	if fake.CallCount("GetTimeline") == 0 {
		t.Error("expected timeline fetch when no feed supplied")
	}
	if report.SuccessCount != 2 {
		t.Errorf("expected 2 successes, got %d", report.SuccessCount)
	}
}

func TestRunEngagementEmptyFeedIsUpstreamFailure(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	plan := zeroDelayPlan(t, 2, 100)

	_, err := RunEngagement(context.Background(), fake, plan, nil,
		&EngagementPayload{}, zap.NewNop().Sugar(), nil)
	if !errors.Is(err, errors.ErrUpstreamFailure) {
		t.Fatalf("expected upstream failure on empty feed, got %v", err)
	}
}

func TestRunEngagementCancellation(t *testing.T) {
	fake := socialtest.NewFakeClient(&social.SessionData{DID: "did:plc:bot"})
	plan := zeroDelayPlan(t, 2, 100)
	plan.Actions[0].DelayS = 60

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunEngagement(ctx, fake, plan, socialtest.Feed(5),
		&EngagementPayload{}, zap.NewNop().Sugar(), nil)
	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}
