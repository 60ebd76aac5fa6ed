// Package bus provides the in-process publish/subscribe spine that
// carries job lifecycle, progress, and log telemetry from the queues
// and workers to the fan-out hub.
package bus

import (
	"encoding/json"
	"time"
)

// EventName identifies an event class on the bus.
type EventName string

const (
	EventJobAdded     EventName = "job:added"
	EventJobStarted   EventName = "job:started"
	EventJobProgress  EventName = "job:progress"
	EventJobCompleted EventName = "job:completed"
	EventJobFailed    EventName = "job:failed"
	EventJobStalled   EventName = "job:stalled"
	EventJobLog       EventName = "job:log"
	EventWorkerError  EventName = "worker:error"
)

// IsLifecycle reports whether the event mutates the job state
// projection kept for late subscribers.
func (n EventName) IsLifecycle() bool {
	switch n {
	case EventJobAdded, EventJobStarted, EventJobProgress,
		EventJobCompleted, EventJobFailed, EventJobStalled:
		return true
	default:
		return false
	}
}

// Event is a structured bus event. Every event carries its tenant;
// job-scoped events also carry the job id and, when the job belongs to
// a bulk, the parent id.
type Event struct {
	Event     EventName       `json:"event"`
	TenantID  string          `json:"tenantId"`
	JobID     string          `json:"jobId,omitempty"`
	ParentID  string          `json:"parentId,omitempty"`
	JobType   string          `json:"jobType,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Progress  int             `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Log       *LogPayload     `json:"log,omitempty"`
}

// LogPayload is the payload of a job:log event.
type LogPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"` // "logger" for structured lines, "stdout" for captured output
}
