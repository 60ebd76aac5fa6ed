package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/pacing"
	"github.com/skyfleet-io/skyfleet/social"
)

// ActionResult records the outcome of one planned action.
type ActionResult struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	PostURI string `json:"postUri,omitempty"`
	PostCID string `json:"postCid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EngagementReport is the job result of an engagement run.
type EngagementReport struct {
	Results      []ActionResult `json:"results"`
	SuccessCount int            `json:"successCount"`
	ErrorCount   int            `json:"errorCount"`
	LikeCount    int            `json:"likeCount"`
	RepostCount  int            `json:"repostCount"`
	DryRun       bool           `json:"dryRun,omitempty"`
}

// minFeedFetch is the floor on how many posts are fetched when no feed
// was supplied; the actual fetch is max(minFeedFetch, 2*N).
const minFeedFetch = 50

// feedPageSize is the per-request page size for feed reads.
const feedPageSize = 50

// RunEngagement walks a plan against a feed, performing one action per
// step with cancellable human-paced waits. Per-action failures are
// recorded but do not fail the job unless stopOnError is set.
func RunEngagement(ctx context.Context, client social.Client, plan *pacing.Plan, feed []social.FeedItem, p *EngagementPayload, log *zap.SugaredLogger, progress func(int)) (*EngagementReport, error) {
	if len(feed) == 0 {
		var err error
		feed, err = fetchFeed(ctx, client, p.FeedURI, len(plan.Actions), log)
		if err != nil {
			return nil, err
		}
	}
	if len(feed) == 0 {
		return nil, errors.Wrap(errors.ErrUpstreamFailure, "feed returned no posts to engage with")
	}

	report := &EngagementReport{DryRun: p.DryRun}
	cursor := 0
	total := len(plan.Actions)

	for i := range plan.Actions {
		action := &plan.Actions[i]

		if err := sleepCtx(ctx, time.Duration(action.DelayS)*time.Second); err != nil {
			return report, errors.Wrap(errors.ErrCancelled, "engagement cancelled during pacing delay")
		}

		cursor += action.Skip
		if cursor >= len(feed) {
			log.Warnw("plan skipped past end of feed, clamping",
				"cursor", cursor, "feed_size", len(feed))
			cursor = len(feed) - 1
		}

		item := feed[cursor]
		if item.URI == "" || item.CID == "" {
			log.Warnw("feed item missing post reference, skipping action", "cursor", cursor)
			report.Results = append(report.Results, ActionResult{
				Action: string(action.Type),
				Error:  "feed item missing post reference",
			})
			report.ErrorCount++
			if progress != nil {
				progress((i + 1) * 100 / total)
			}
			continue
		}

		result := ActionResult{Action: string(action.Type), PostURI: item.URI, PostCID: item.CID}
		if p.DryRun {
			log.Infow("dry run: would engage",
				"action", action.Type, "uri", item.URI, "author", item.AuthorHandle)
			result.Success = true
		} else {
			err := performAction(ctx, client, action.Type, social.PostRef{URI: item.URI, CID: item.CID})
			if err != nil {
				log.Warnw("engagement action failed",
					"action", action.Type, "uri", item.URI, "error", err)
				result.Error = err.Error()
			} else {
				log.Infow("engagement action performed",
					"action", action.Type, "uri", item.URI, "author", item.AuthorHandle)
				result.Success = true
			}
		}

		report.Results = append(report.Results, result)
		if result.Success {
			report.SuccessCount++
			switch action.Type {
			case pacing.ActionLike:
				report.LikeCount++
			case pacing.ActionRepost:
				report.RepostCount++
			}
			cursor++
			action.Executed = true
		} else {
			report.ErrorCount++
			if p.StopOnError {
				if progress != nil {
					progress((i + 1) * 100 / total)
				}
				break
			}
		}

		if progress != nil {
			progress((i + 1) * 100 / total)
		}
	}
	return report, nil
}

func performAction(ctx context.Context, client social.Client, t pacing.ActionType, ref social.PostRef) error {
	switch t {
	case pacing.ActionLike:
		_, err := client.Like(ctx, ref)
		return err
	case pacing.ActionRepost:
		_, err := client.Repost(ctx, ref)
		return err
	default:
		return errors.Newf("unknown action type %q", t)
	}
}

// fetchFeed pages through the timeline (or a designated feed) until it
// has max(minFeedFetch, 2*N) posts or the feed runs out.
func fetchFeed(ctx context.Context, client social.Client, feedURI string, numActions int, log *zap.SugaredLogger) ([]social.FeedItem, error) {
	want := 2 * numActions
	if want < minFeedFetch {
		want = minFeedFetch
	}

	var items []social.FeedItem
	cursor := ""
	for len(items) < want {
		var (
			page []social.FeedItem
			next string
			err  error
		)
		if feedURI != "" {
			page, next, err = client.GetFeed(ctx, feedURI, cursor, feedPageSize)
		} else {
			page, next, err = client.GetTimeline(ctx, cursor, feedPageSize)
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to fetch feed for engagement")
		}
		items = append(items, page...)
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}

	log.Infow("fetched feed for engagement", "posts", len(items), "feed", feedURI)
	return items, nil
}

// sleepCtx sleeps for d or returns early with the context's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
