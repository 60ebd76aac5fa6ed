// Package intake is the command surface of the fleet: it validates
// payloads, enqueues single jobs, bulk batches, and per-category
// fan-outs, and answers job state queries.
package intake

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/executor"
	"github.com/skyfleet-io/skyfleet/joblog"
	"github.com/skyfleet-io/skyfleet/queue"
)

// Service validates and routes intake commands onto queues.
type Service struct {
	registry *queue.Registry
	accounts accounts.Store
	sinks    *joblog.Registry
}

// NewService creates the intake service.
func NewService(registry *queue.Registry, accountStore accounts.Store, sinks *joblog.Registry) *Service {
	return &Service{registry: registry, accounts: accountStore, sinks: sinks}
}

// JobProjection is the client-facing view of a job: its state plus the
// log lines still held for it. Logs are retained in memory for running
// jobs and shortly after; older terminal jobs project without logs.
type JobProjection struct {
	*queue.Job
	Logs []joblog.Entry `json:"logs,omitempty"`
}

// Enqueue validates and enqueues one job. Returns the created job.
func (s *Service) Enqueue(ctx context.Context, tenantID, jobType string, payload json.RawMessage, opts queue.Options) (*queue.Job, error) {
	jt, err := s.checkRequest(tenantID, jobType, payload)
	if err != nil {
		return nil, err
	}
	return s.registry.Get(tenantID, jt).Enqueue(ctx, payload, "", opts)
}

// EnqueueBulk enqueues a batch under a fresh parent ID. The batch is
// atomic: either every job lands or none does.
func (s *Service) EnqueueBulk(ctx context.Context, tenantID, jobType string, payloads []json.RawMessage, opts queue.Options) (string, []*queue.Job, error) {
	if len(payloads) == 0 {
		return "", nil, errors.Wrap(errors.ErrBadRequest, "bulk enqueue needs at least one payload")
	}
	jt := queue.JobType(jobType)
	for i, payload := range payloads {
		if _, err := s.checkRequest(tenantID, jobType, payload); err != nil {
			return "", nil, errors.Wrapf(err, "payload %d", i)
		}
	}

	parentID := uuid.NewString()
	jobs := make([]*queue.Job, 0, len(payloads))
	for _, payload := range payloads {
		job, err := queue.NewJob(tenantID, jt, parentID, payload, opts)
		if err != nil {
			return "", nil, err
		}
		jobs = append(jobs, job)
	}

	if err := s.registry.Get(tenantID, jt).EnqueueBatch(ctx, jobs); err != nil {
		return "", nil, err
	}
	return parentID, jobs, nil
}

// EnqueueByCategory expands the shared payload into one job per
// account in the category, each bound to its account ID, all under one
// parent. Returns the parent ID, the jobs, and the account count.
func (s *Service) EnqueueByCategory(ctx context.Context, tenantID, jobType, category string, sharedPayload json.RawMessage, opts queue.Options) (string, []*queue.Job, int, error) {
	if category == "" {
		return "", nil, 0, errors.Wrap(errors.ErrBadRequest, "category cannot be empty")
	}
	jt, err := s.checkType(tenantID, jobType)
	if err != nil {
		return "", nil, 0, err
	}

	list, err := s.accounts.ListByCategory(ctx, tenantID, category)
	if err != nil {
		return "", nil, 0, err
	}
	if len(list) == 0 {
		return "", nil, 0, errors.Wrapf(errors.ErrNotFound, "no accounts in category %q", category)
	}

	payloads := make([]json.RawMessage, 0, len(list))
	for _, account := range list {
		payload, err := bindAccount(sharedPayload, account.ID)
		if err != nil {
			return "", nil, 0, err
		}
		if err := validatePayload(jt, payload); err != nil {
			return "", nil, 0, err
		}
		payloads = append(payloads, payload)
	}

	parentID, jobs, err := s.EnqueueBulk(ctx, tenantID, jobType, payloads, opts)
	if err != nil {
		return "", nil, 0, err
	}
	return parentID, jobs, len(list), nil
}

// GetJob returns one job's projection, scoped to its tenant.
func (s *Service) GetJob(ctx context.Context, tenantID, jobID string) (*JobProjection, error) {
	job, err := s.registry.Store().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	return s.project(job), nil
}

// ListJobsByParent returns the projections of a bulk's children.
func (s *Service) ListJobsByParent(ctx context.Context, tenantID, parentID string) ([]*JobProjection, error) {
	jobs, err := s.registry.Store().ListByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*JobProjection, 0, len(jobs))
	for _, job := range jobs {
		if job.TenantID != tenantID {
			continue
		}
		out = append(out, s.project(job))
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "parent %s", parentID)
	}
	return out, nil
}

func (s *Service) project(job *queue.Job) *JobProjection {
	p := &JobProjection{Job: job}
	if sink := s.sinks.Lookup(job.ID); sink != nil {
		p.Logs = sink.Ring().Snapshot()
	}
	return p
}

func (s *Service) checkRequest(tenantID, jobType string, payload json.RawMessage) (queue.JobType, error) {
	jt, err := s.checkType(tenantID, jobType)
	if err != nil {
		return "", err
	}
	if err := validatePayload(jt, payload); err != nil {
		return "", err
	}
	return jt, nil
}

func (s *Service) checkType(tenantID, jobType string) (queue.JobType, error) {
	if tenantID == "" {
		return "", errors.Wrap(errors.ErrBadRequest, "tenant cannot be empty")
	}
	if !queue.IsValidJobType(jobType) {
		return "", errors.Wrapf(errors.ErrBadRequest, "unknown job type %q", jobType)
	}
	return queue.JobType(jobType), nil
}

// validatePayload rejects malformed payloads at the edge so workers
// never burn attempts on requests that can never succeed.
func validatePayload(jt queue.JobType, payload json.RawMessage) error {
	switch jt {
	case queue.JobTypeEngagement:
		var p executor.EngagementPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(errors.ErrBadRequest, "malformed engagement payload")
		}
		return p.Validate()
	case queue.JobTypeMassPost:
		var p executor.MassPostPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(errors.ErrBadRequest, "malformed massPost payload")
		}
		return p.Validate()
	case queue.JobTypeChat:
		var p executor.ChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(errors.ErrBadRequest, "malformed chat payload")
		}
		return p.Validate()
	default:
		return errors.Wrapf(errors.ErrBadRequest, "unknown job type %q", jt)
	}
}

// bindAccount injects the account ID into a shared payload copy.
func bindAccount(shared json.RawMessage, accountID string) (json.RawMessage, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(shared, &m); err != nil {
		return nil, errors.Wrap(errors.ErrBadRequest, "malformed shared payload")
	}
	m["accountId"] = accountID
	delete(m, "sessionData")
	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to rebuild payload")
	}
	return out, nil
}
