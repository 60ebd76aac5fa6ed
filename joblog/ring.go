// Package joblog captures per-job log telemetry: a bounded ring of log
// lines writable from any goroutine, draining into the event bus so
// live subscribers can tail a job while it runs.
package joblog

import (
	"sync"
	"time"
)

// DefaultRingSize is the bounded capacity of a job's log ring.
const DefaultRingSize = 100

// Source values for log entries.
const (
	SourceLogger = "logger" // structured log line
	SourceStdout = "stdout" // captured ambient output
)

// Entry is one log line attached to a job.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// Ring is a bounded ring buffer of the last N log entries for one job.
// Safe for concurrent appends and snapshots. Once frozen (job reached a
// terminal state) further appends are dropped.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	start   int // index of the oldest entry
	count   int
	frozen  bool
}

// NewRing creates a ring with the given capacity.
// size <= 0 falls back to DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

// Append adds an entry, evicting the oldest when full.
// Appends on a frozen ring are silently dropped.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return
	}

	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = e
		r.count++
		return
	}
	// Full: overwrite oldest
	r.entries[r.start] = e
	r.start = (r.start + 1) % len(r.entries)
}

// Snapshot returns the entries oldest-first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Tail returns up to n of the most recent entries, oldest-first.
func (r *Ring) Tail(n int) []Entry {
	all := r.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Freeze stops further appends. Called when the job reaches a terminal
// state: logs are append-only until terminal, then frozen.
func (r *Ring) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}
