package executor

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/skyfleet-io/skyfleet/auth"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/pacing"
	"github.com/skyfleet-io/skyfleet/queue"
	"github.com/skyfleet-io/skyfleet/social"
	"github.com/skyfleet-io/skyfleet/worker"
)

// Dispatcher maps a job type to its executor. It unpacks the payload,
// resolves an authenticated client through the auth coordinator, and
// translates the executor's report into the job result.
type Dispatcher struct {
	coordinator *auth.Coordinator
	httpClient  *http.Client
}

// NewDispatcher creates the dispatcher. httpClient is used for image
// fetches; nil falls back to a 30s-timeout default.
func NewDispatcher(coordinator *auth.Coordinator, httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{coordinator: coordinator, httpClient: httpClient}
}

// Execute implements worker.Executor.
func (d *Dispatcher) Execute(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	switch jc.Job.JobType {
	case queue.JobTypeEngagement:
		return d.runEngagement(ctx, jc)
	case queue.JobTypeMassPost:
		return d.runMassPost(ctx, jc)
	case queue.JobTypeChat:
		return d.runChat(ctx, jc)
	default:
		return nil, errors.Newf("no executor for job type %q", jc.Job.JobType)
	}
}

func (d *Dispatcher) runEngagement(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var p EngagementPayload
	if err := json.Unmarshal(jc.Job.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.ErrBadRequest, "malformed engagement payload")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	client, err := d.establish(ctx, jc, p.AccountRef)
	if err != nil {
		return nil, err
	}

	opts := pacing.DefaultOptions()
	if p.EngagementOptions != nil {
		opts = *p.EngagementOptions
	}

	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	plan, err := pacing.Build(p.StrategyType, opts, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}
	jc.Log.Infow("engagement plan built",
		"actions", len(plan.Actions), "likes", plan.LikeCount,
		"reposts", plan.RepostCount, "total_time_s", plan.TotalTimeS,
		"strategy", p.StrategyType, "dry_run", p.DryRun)

	report, err := RunEngagement(ctx, client, plan, nil, &p, jc.Log, jc.Progress)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (d *Dispatcher) runMassPost(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var p MassPostPayload
	if err := json.Unmarshal(jc.Job.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.ErrBadRequest, "malformed massPost payload")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	client, err := d.establish(ctx, jc, p.AccountRef)
	if err != nil {
		return nil, err
	}

	reauth := func(ctx context.Context) (social.Client, error) {
		return d.establish(ctx, jc, p.AccountRef)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	report, err := RunMassPost(ctx, client, reauth, &p, d.httpClient, rng, jc.Log, jc.Progress)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (d *Dispatcher) runChat(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var p ChatPayload
	if err := json.Unmarshal(jc.Job.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.ErrBadRequest, "malformed chat payload")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	client, err := d.establish(ctx, jc, p.AccountRef)
	if err != nil {
		return nil, err
	}

	report, err := RunChat(ctx, client, &p, jc.Log, jc.Progress)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

// establish resolves the job's account identity to a live client. One
// coordination per invocation; an exhausted ladder is terminal for the
// attempt so a bad password cannot silently burn the retry budget.
func (d *Dispatcher) establish(ctx context.Context, jc *worker.JobContext, ref AccountRef) (social.Client, error) {
	if ref.AccountID != "" && ref.SessionData == nil {
		return d.coordinator.Establish(ctx, jc.Job.TenantID, ref.AccountID, jc.Log)
	}
	meta := social.AccountMetadata{}
	if ref.AccountMetadata != nil {
		meta = *ref.AccountMetadata
	}
	if meta.AccountID == "" {
		meta.AccountID = ref.AccountID
	}
	return d.coordinator.EstablishSession(ctx, jc.Job.TenantID, ref.SessionData, meta, jc.Log)
}
