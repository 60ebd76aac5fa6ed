package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/skyfleet-io/skyfleet/bus"
	"github.com/skyfleet-io/skyfleet/errors"
)

// Notification is one lifecycle event on a queue's observation stream.
type Notification struct {
	Event bus.EventName
	Job   *Job
}

// Queue scopes the shared store to one (tenant, jobType) pair. Every
// state transition is pushed to the queue's observation stream; the
// registry projects that stream onto the process event bus.
type Queue struct {
	name     string
	tenantID string
	jobType  JobType
	store    *Store

	mu          sync.RWMutex
	subscribers []chan Notification
}

// newQueue builds a queue over an existing store. Use Registry.Get to
// obtain queues; direct construction is for tests.
func newQueue(store *Store, tenantID string, jobType JobType) *Queue {
	return &Queue{
		name:     QueueName(tenantID, jobType),
		tenantID: tenantID,
		jobType:  jobType,
		store:    store,
	}
}

// Name returns the deterministic queue name.
func (q *Queue) Name() string { return q.name }

// TenantID returns the owning tenant.
func (q *Queue) TenantID() string { return q.tenantID }

// JobType returns the queue's workload class.
func (q *Queue) JobType() JobType { return q.jobType }

// Enqueue persists a new waiting job and notifies subscribers.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, parentID string, opts Options) (*Job, error) {
	job, err := NewJob(q.tenantID, q.jobType, parentID, payload, opts)
	if err != nil {
		return nil, err
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	q.notify(bus.EventJobAdded, job)
	return job, nil
}

// EnqueueBatch persists a batch of jobs atomically, then notifies for
// each. Every job must belong to this queue.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	for _, job := range jobs {
		if job.Queue != q.name {
			return errors.Newf("job %s belongs to queue %s, not %s", job.ID, job.Queue, q.name)
		}
	}
	if err := q.store.CreateJobs(ctx, jobs); err != nil {
		return err
	}
	for _, job := range jobs {
		q.notify(bus.EventJobAdded, job)
	}
	return nil
}

// Claim leases the oldest eligible waiting job, or returns (nil, nil)
// when the queue has none.
func (q *Queue) Claim(ctx context.Context, lockDuration time.Duration) (*Job, error) {
	job, err := q.store.Claim(ctx, q.name, lockDuration)
	if err != nil || job == nil {
		return job, err
	}
	q.notify(bus.EventJobStarted, job)
	return job, nil
}

// RenewLease extends a held lease.
func (q *Queue) RenewLease(ctx context.Context, jobID, lockToken string, lockDuration time.Duration) error {
	return q.store.RenewLease(ctx, jobID, lockToken, lockDuration)
}

// UpdateProgress advances a job's progress and notifies subscribers.
func (q *Queue) UpdateProgress(ctx context.Context, jobID, lockToken string, progress int) error {
	if err := q.store.UpdateProgress(ctx, jobID, lockToken, progress); err != nil {
		return err
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	q.notify(bus.EventJobProgress, job)
	return nil
}

// Complete finishes a job successfully.
func (q *Queue) Complete(ctx context.Context, jobID, lockToken string, result json.RawMessage) (*Job, error) {
	job, err := q.store.Complete(ctx, jobID, lockToken, result)
	if err != nil {
		return nil, err
	}
	q.notify(bus.EventJobCompleted, job)
	return job, nil
}

// Fail records a failed attempt. Only a permanent failure notifies
// job:failed; a scheduled retry is invisible to observers until it
// either completes or exhausts its attempts.
func (q *Queue) Fail(ctx context.Context, jobID, lockToken string, failure error) (*Job, error) {
	job, err := q.store.Fail(ctx, jobID, lockToken, failure)
	if err != nil {
		return nil, err
	}
	if job.State == StateFailed {
		q.notify(bus.EventJobFailed, job)
	}
	return job, nil
}

// GetJob loads one job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// ListByState lists this queue's jobs in a given state, newest-first.
func (q *Queue) ListByState(ctx context.Context, state State, limit int) ([]*Job, error) {
	return q.store.ListByState(ctx, q.name, state, limit)
}

// Counts returns the queue's per-state job counts.
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	return q.store.CountsByState(ctx, q.name)
}

// Subscribe returns a channel carrying this queue's lifecycle
// notifications. Callers must Unsubscribe when done.
func (q *Queue) Subscribe() chan Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Notification, bus.SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed;
// the caller closes it after unsubscribing.
func (q *Queue) Unsubscribe(ch chan Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notify fans a notification out to subscribers without blocking.
func (q *Queue) notify(event bus.EventName, job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := Notification{Event: event, Job: job}
	for _, ch := range q.subscribers {
		select {
		case ch <- n:
		default:
			// Channel full - skip (non-blocking)
		}
	}
}
