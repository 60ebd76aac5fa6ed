package executor

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/social"
)

// PostRecord is the per-item outcome of a mass-post batch.
type PostRecord struct {
	Success bool   `json:"success"`
	URI     string `json:"uri,omitempty"`
	CID     string `json:"cid,omitempty"`
	Pinned  bool   `json:"pinned,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PostStats summarizes a mass-post run.
type PostStats struct {
	Published  int  `json:"published"`
	Failed     int  `json:"failed"`
	PinnedPost bool `json:"pinnedPost"`
}

// PostReport is the job result of a mass-post run.
type PostReport struct {
	Results []PostRecord `json:"results"`
	Stats   PostStats    `json:"stats"`
}

// Reauth re-establishes a session mid-job when the client's lapsed.
type Reauth func(ctx context.Context) (social.Client, error)

// RunMassPost publishes a batch of posts sequentially with paced
// inter-post delays. Item failures are recorded and the batch moves
// on; at most one post per batch is pinned to the profile.
func RunMassPost(ctx context.Context, client social.Client, reauth Reauth, p *MassPostPayload, httpClient *http.Client, rng *rand.Rand, log *zap.SugaredLogger, progress func(int)) (*PostReport, error) {
	items := p.PostOptions.Posts
	if p.PostOptions.ReverseOrder {
		reversed := make([]PostItem, len(items))
		for i, item := range items {
			reversed[len(items)-1-i] = item
		}
		items = reversed
	}

	delayMin, delayMax := 5, 30
	if p.PostOptions.DelayRange != nil {
		delayMin, delayMax = p.PostOptions.DelayRange[0], p.PostOptions.DelayRange[1]
		if delayMax < delayMin {
			delayMax = delayMin
		}
	}

	report := &PostReport{}
	pinned := false

	for i, item := range items {
		if ctx.Err() != nil {
			return report, errors.Wrap(errors.ErrCancelled, "mass post cancelled")
		}

		// The session can lapse mid-batch on long runs; re-walk the
		// auth ladder rather than failing the remaining items.
		if !client.HasSession() {
			log.Warnw("session lapsed mid-batch, re-authenticating", "item", i)
			fresh, err := reauth(ctx)
			if err != nil {
				log.Errorw("re-authentication failed", "item", i, "error", err)
				report.Results = append(report.Results, PostRecord{Error: err.Error()})
				report.Stats.Failed++
				continue
			}
			client = fresh
		}

		record := publishOne(ctx, client, item, httpClient, log)
		if record.Success && item.Pin && !pinned {
			if err := client.PinPost(ctx, social.PostRef{URI: record.URI, CID: record.CID}); err != nil {
				log.Warnw("failed to pin post", "uri", record.URI, "error", err)
			} else {
				record.Pinned = true
				pinned = true
				report.Stats.PinnedPost = true
				log.Infow("post pinned to profile", "uri", record.URI)
			}
		}

		report.Results = append(report.Results, record)
		if record.Success {
			report.Stats.Published++
		} else {
			report.Stats.Failed++
		}

		if progress != nil {
			progress((i + 1) * 100 / len(items))
		}

		if i < len(items)-1 {
			delay := time.Duration(delayMin+rng.Intn(delayMax-delayMin+1)) * time.Second
			if err := sleepCtx(ctx, delay); err != nil {
				return report, errors.Wrap(errors.ErrCancelled, "mass post cancelled during delay")
			}
		}
	}
	return report, nil
}

func publishOne(ctx context.Context, client social.Client, item PostItem, httpClient *http.Client, log *zap.SugaredLogger) PostRecord {
	text := item.Text
	if item.IncludeTimestamp {
		text += "\n\n[" + time.Now().Format(time.RFC3339) + "]"
	}

	post := social.Post{Text: text}

	if item.ImageURL != "" {
		data, mime, err := social.FetchImage(ctx, httpClient, item.ImageURL)
		if err != nil {
			log.Warnw("failed to resolve post image", "error", err)
			return PostRecord{Error: err.Error()}
		}
		data, mime, err = social.ShrinkToLimit(data, mime)
		if err != nil {
			// Oversized and undownscalable is an item failure; never
			// truncate the bytes into an invalid image.
			log.Warnw("post image exceeds blob limit", "error", err)
			return PostRecord{Error: err.Error()}
		}
		post.Images = []social.Image{{Data: data, Mime: mime, Alt: item.Alt}}
	}

	ref, err := client.CreatePost(ctx, post)
	if err != nil {
		log.Warnw("failed to publish post", "error", err)
		return PostRecord{Error: err.Error()}
	}

	log.Infow("post published", "uri", ref.URI, "has_image", item.ImageURL != "")
	return PostRecord{Success: true, URI: ref.URI, CID: ref.CID}
}
