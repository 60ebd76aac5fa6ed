// Package worker runs per-queue pools of claim loops. Each worker
// claims one job at a time, keeps its lease renewed while the executor
// runs, and records the terminal outcome back on the queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/bus"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/joblog"
	"github.com/skyfleet-io/skyfleet/queue"
)

const (
	// DefaultClaimInterval is how often an idle worker polls its
	// queue for a claimable job.
	DefaultClaimInterval = 250 * time.Millisecond

	// stopTimeout bounds how long Stop waits for in-flight jobs.
	stopTimeout = 30 * time.Second
)

// JobContext carries the per-job facilities handed to an executor:
// a logger teed into the job's log ring, the sink itself for ambient
// output capture, and a progress callback.
type JobContext struct {
	Job      *queue.Job
	Log      *zap.SugaredLogger
	Sink     *joblog.Sink
	Progress func(pct int)
}

// Executor runs one job to completion. A nil error with a result means
// success; an error means the attempt failed and the queue's retry
// policy decides what happens next.
type Executor interface {
	Execute(ctx context.Context, jc *JobContext) (json.RawMessage, error)
}

// Pool drives a fixed number of workers against one queue.
type Pool struct {
	queue         *queue.Queue
	executor      Executor
	eventBus      *bus.Bus
	sinks         *joblog.Registry
	log           *zap.SugaredLogger
	concurrency   int
	claimInterval time.Duration
	lockDuration  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles pool construction parameters.
type Config struct {
	Concurrency   int
	ClaimInterval time.Duration
	LockDuration  time.Duration
}

// NewPool creates a stopped pool for one queue.
func NewPool(q *queue.Queue, executor Executor, eventBus *bus.Bus, sinks *joblog.Registry, log *zap.SugaredLogger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = DefaultClaimInterval
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = queue.DefaultLockDuration
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:         q,
		executor:      executor,
		eventBus:      eventBus,
		sinks:         sinks,
		log:           log.With("queue", q.Name()),
		concurrency:   cfg.Concurrency,
		claimInterval: cfg.ClaimInterval,
		lockDuration:  cfg.LockDuration,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the pool's claim loops.
func (p *Pool) Start() {
	p.log.Infow("worker pool starting", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.claimLoop(i)
	}
}

// Stop cancels all workers and waits up to 30s for in-flight jobs to
// land. Jobs still running after the timeout lose their lease and are
// recovered by the stall reaper.
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-time.After(stopTimeout):
		p.log.Warn("worker pool stop timed out; abandoning in-flight jobs")
	}
}

func (p *Pool) claimLoop(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			job, err := p.queue.Claim(p.ctx, p.lockDuration)
			if err != nil {
				if p.ctx.Err() == nil {
					p.log.Errorw("claim failed", "worker", id, "error", err)
				}
				continue
			}
			if job == nil {
				continue
			}
			p.runJob(job)
		}
	}
}

// runJob executes one claimed job: lease renewal in the background, the
// executor in the foreground, outcome recorded on the queue.
func (p *Pool) runJob(job *queue.Job) {
	sink := p.sinks.Open(p.eventBus, job.TenantID, job.ID, job.ParentID)
	defer p.sinks.Close(job.ID)

	jobLog := sink.Logger(p.log)
	jobLog.Infow("job started", "job_type", job.JobType, "attempt", job.Attempts)

	// Renewal at a third of the lease so two renewals can fail before
	// the lease actually expires.
	renewCtx, stopRenew := context.WithCancel(p.ctx)
	renewLost := make(chan struct{})
	go p.renewLoop(renewCtx, job, renewLost)

	execCtx, cancelExec := context.WithCancel(p.ctx)
	go func() {
		select {
		case <-renewLost:
			cancelExec()
		case <-execCtx.Done():
		}
	}()

	result, err := p.execute(execCtx, &JobContext{
		Job:  job,
		Log:  jobLog,
		Sink: sink,
		Progress: func(pct int) {
			if uerr := p.queue.UpdateProgress(p.ctx, job.ID, job.LockToken(), pct); uerr != nil {
				jobLog.Warnw("progress update failed", "error", uerr)
			}
		},
	})

	stopRenew()
	cancelExec()

	// Use a fresh context for the terminal write: the pool may be
	// shutting down, and the outcome must still be durable.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		jobLog.Errorw("job failed", "error", err)
		failed, ferr := p.queue.Fail(finishCtx, job.ID, job.LockToken(), err)
		if ferr != nil {
			p.log.Errorw("failed to record job failure", "job_id", job.ID, "error", ferr)
			p.publishWorkerError(job, ferr)
		} else if failed.State == queue.StateWaiting {
			jobLog.Infow("job scheduled for retry", "attempt", failed.Attempts, "max_attempts", failed.MaxAttempts)
		}
		return
	}

	if _, cerr := p.queue.Complete(finishCtx, job.ID, job.LockToken(), result); cerr != nil {
		p.log.Errorw("failed to record job completion", "job_id", job.ID, "error", cerr)
		p.publishWorkerError(job, cerr)
		return
	}
	jobLog.Info("job completed")
}

// execute wraps the executor so a panic fails the job instead of
// killing the worker.
func (p *Pool) execute(ctx context.Context, jc *JobContext) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("executor panicked",
				"job_id", jc.Job.ID, "panic", r, "stack", string(debug.Stack()))
			err = errors.Newf("executor panicked: %v", r)
		}
	}()
	return p.executor.Execute(ctx, jc)
}

func (p *Pool) renewLoop(ctx context.Context, job *queue.Job, lost chan<- struct{}) {
	ticker := time.NewTicker(p.lockDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.RenewLease(ctx, job.ID, job.LockToken(), p.lockDuration); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warnw("lease renewal failed, cancelling job",
					"job_id", job.ID, "error", err)
				close(lost)
				return
			}
		}
	}
}

func (p *Pool) publishWorkerError(job *queue.Job, err error) {
	p.eventBus.Publish(bus.Event{
		Event:     bus.EventWorkerError,
		TenantID:  job.TenantID,
		JobID:     job.ID,
		ParentID:  job.ParentID,
		JobType:   string(job.JobType),
		Timestamp: time.Now(),
		Error:     fmt.Sprintf("worker error: %v", err),
	})
}
