// Package queue implements the durable, per-tenant job queueing fleet:
// a SQLite-backed store with lease-based claims, retry backoff, stalled
// detection, and an observation stream projected onto the event bus.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skyfleet-io/skyfleet/errors"
)

// JobType identifies one of the fixed workload classes.
type JobType string

const (
	JobTypeMassPost   JobType = "massPost"
	JobTypeEngagement JobType = "engagement"
	JobTypeChat       JobType = "chat"
)

// IsValidJobType returns true for a recognized job type.
func IsValidJobType(t string) bool {
	switch JobType(t) {
	case JobTypeMassPost, JobTypeEngagement, JobTypeChat:
		return true
	default:
		return false
	}
}

// State represents the current state of a job.
// Transitions only along waiting -> active -> {completed, failed},
// or active -> stalled -> active for lease-recovery retries.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

// IsTerminal reports whether the state ends the job.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// QueueName returns the deterministic queue name for a tenant and job
// type, e.g. "bsky-engagement-acme".
func QueueName(tenantID string, jobType JobType) string {
	return fmt.Sprintf("bsky-%s-%s", jobType, tenantID)
}

// Job is one unit of work owned by a queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	TenantID     string          `json:"tenantId"`
	JobType      JobType         `json:"jobType"`
	ParentID     string          `json:"parentId,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"` // 0..100, monotonic within an active span
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	StalledCount int             `json:"stalledCount,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`

	// Lease bookkeeping. Never serialized to clients.
	lockToken     string
	lockExpiresAt *time.Time
	delayUntil    *time.Time
}

// Options controls enqueue behavior.
type Options struct {
	Priority    int
	Delay       time.Duration // delivery no earlier than now+Delay
	MaxAttempts int           // 0 = DefaultMaxAttempts
}

// NewJob creates a waiting job for the given tenant and type.
// ID format: a random UUID, or "<parentID>:<random>" when the job was
// spawned from a bulk enqueue.
func NewJob(tenantID string, jobType JobType, parentID string, payload json.RawMessage, opts Options) (*Job, error) {
	if tenantID == "" {
		return nil, errors.New("tenantID cannot be empty")
	}
	if !IsValidJobType(string(jobType)) {
		return nil, errors.Newf("unknown job type: %s", jobType)
	}

	id := uuid.NewString()
	if parentID != "" {
		id = fmt.Sprintf("%s:%s", parentID, uuid.NewString()[:8])
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now()
	job := &Job{
		ID:          id,
		Queue:       QueueName(tenantID, jobType),
		TenantID:    tenantID,
		JobType:     jobType,
		ParentID:    parentID,
		Priority:    opts.Priority,
		State:       StateWaiting,
		MaxAttempts: maxAttempts,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Delay > 0 {
		until := now.Add(opts.Delay)
		job.delayUntil = &until
	}
	return job, nil
}

// LockToken returns the current lease token ("" when unleased).
func (j *Job) LockToken() string { return j.lockToken }

// LockExpiresAt returns the lease deadline, nil when unleased.
func (j *Job) LockExpiresAt() *time.Time { return j.lockExpiresAt }

// DelayUntil returns the earliest delivery time, nil for immediate.
func (j *Job) DelayUntil() *time.Time { return j.delayUntil }
