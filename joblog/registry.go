package joblog

import (
	"sync"

	"github.com/skyfleet-io/skyfleet/bus"
)

// Registry tracks the live sink for each running job so subscribers
// attaching mid-run can replay recent log lines.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]*Sink
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]*Sink)}
}

// Open creates and registers a sink for a job. Replaces any previous
// sink for the same job ID (a retried attempt starts a fresh ring).
func (r *Registry) Open(eventBus *bus.Bus, tenantID, jobID, parentID string) *Sink {
	s := NewSink(eventBus, tenantID, jobID, parentID)
	r.mu.Lock()
	r.sinks[jobID] = s
	r.mu.Unlock()
	return s
}

// Lookup returns the sink for a running job, or nil.
func (r *Registry) Lookup(jobID string) *Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[jobID]
}

// Close freezes and drops a job's sink once it reaches a terminal
// state.
func (r *Registry) Close(jobID string) {
	r.mu.Lock()
	s := r.sinks[jobID]
	delete(r.sinks, jobID)
	r.mu.Unlock()

	if s != nil {
		s.Freeze()
	}
}
