package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/bus"
)

// Registry owns the set of live queues, keyed by (tenant, jobType).
// Queues are created lazily on first use; creating one wires its
// observation stream into the event bus and announces it to the
// OnQueueCreated hook so a worker pool can be attached. The registry
// also runs the maintenance loops shared by all queues: stalled-lease
// recovery and terminal-job retention.
type Registry struct {
	store        *Store
	eventBus     *bus.Bus
	log          *zap.SugaredLogger
	lockDuration time.Duration
	retention    RetentionPolicy

	// OnQueueCreated is invoked once per queue, after creation and
	// before Get returns. Set before first use; typically attaches a
	// worker pool.
	OnQueueCreated func(*Queue)

	mu     sync.Mutex
	queues map[string]*Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. lockDuration <= 0 falls back to
// DefaultLockDuration.
func NewRegistry(store *Store, eventBus *bus.Bus, log *zap.SugaredLogger, lockDuration time.Duration) *Registry {
	if lockDuration <= 0 {
		lockDuration = DefaultLockDuration
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:        store,
		eventBus:     eventBus,
		log:          log,
		lockDuration: lockDuration,
		retention:    DefaultRetention,
		queues:       make(map[string]*Queue),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Store exposes the registry's backing store.
func (r *Registry) Store() *Store { return r.store }

// LockDuration returns the lease duration queues claim with.
func (r *Registry) LockDuration() time.Duration { return r.lockDuration }

// Get returns the queue for (tenantID, jobType), creating it on first
// use. Creation is idempotent under concurrency.
func (r *Registry) Get(tenantID string, jobType JobType) *Queue {
	name := QueueName(tenantID, jobType)

	r.mu.Lock()
	if q, ok := r.queues[name]; ok {
		r.mu.Unlock()
		return q
	}
	q := newQueue(r.store, tenantID, jobType)
	r.queues[name] = q
	r.mu.Unlock()

	r.log.Infow("queue created", "queue", name)
	r.project(q)
	if r.OnQueueCreated != nil {
		r.OnQueueCreated(q)
	}
	return q
}

// Queues returns a snapshot of the live queues.
func (r *Registry) Queues() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

// project forwards one queue's observation stream onto the event bus
// until the registry shuts down.
func (r *Registry) project(q *Queue) {
	ch := q.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			q.Unsubscribe(ch)
			close(ch)
		}()
		for {
			select {
			case <-r.ctx.Done():
				return
			case n := <-ch:
				r.eventBus.Publish(jobEvent(n.Event, n.Job))
			}
		}
	}()
}

// StartMaintenance launches the stalled-lease reaper and the retention
// sweeper. The reaper runs at half the lease duration so an expired
// lease is noticed within one lease period.
func (r *Registry) StartMaintenance() {
	r.wg.Add(2)

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.lockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.reapStalled()
			}
		}
	}()

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				removed, err := r.store.Cleanup(r.ctx, r.retention)
				if err != nil {
					r.log.Errorw("retention sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					r.log.Infow("retention sweep removed jobs", "count", removed)
				}
			}
		}
	}()
}

func (r *Registry) reapStalled() {
	requeued, failed, err := r.store.RecoverStalled(r.ctx, MaxStalledCount)
	if err != nil {
		r.log.Errorw("stalled job recovery failed", "error", err)
		return
	}
	for _, job := range requeued {
		r.log.Warnw("job stalled, returned to queue",
			"job_id", job.ID, "queue", job.Queue, "stalled_count", job.StalledCount)
		r.eventBus.Publish(jobEvent(bus.EventJobStalled, job))
	}
	for _, job := range failed {
		r.log.Errorw("job stalled past limit, failed permanently",
			"job_id", job.ID, "queue", job.Queue, "stalled_count", job.StalledCount)
		r.eventBus.Publish(jobEvent(bus.EventJobFailed, job))
	}
}

// Close stops the projection and maintenance goroutines.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// jobEvent maps a queue notification to its bus event.
func jobEvent(name bus.EventName, job *Job) bus.Event {
	ev := bus.Event{
		Event:     name,
		TenantID:  job.TenantID,
		JobID:     job.ID,
		ParentID:  job.ParentID,
		JobType:   string(job.JobType),
		Timestamp: time.Now(),
		Progress:  job.Progress,
		Error:     job.Error,
	}
	if len(job.Result) > 0 {
		ev.Result = job.Result
	}
	return ev
}
