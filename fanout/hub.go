// Package fanout delivers bus events selectively to live subscribers.
// Subscribers join their tenant's user room on connect and opt into
// job rooms and group rooms; granular telemetry (progress, log lines)
// only reaches explicit watchers, while lifecycle events reach the
// whole user room.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/bus"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/joblog"
)

// LogReplayLimit caps how many recent log lines a late watcher gets.
const LogReplayLimit = 50

// DefaultCacheTTL is how long a terminal job's state projection stays
// replayable after it finishes.
const DefaultCacheTTL = 5 * time.Minute

// Subscription is one live subscriber's view: its tenant room plus the
// jobs and groups it explicitly watches. Events arrive on C.
type Subscription struct {
	ID       string
	TenantID string
	C        chan bus.Event

	mu            sync.RWMutex
	watchedJobs   map[string]struct{}
	watchedGroups map[string]struct{}
}

func (s *Subscription) watchesJob(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watchedJobs[jobID]
	return ok
}

func (s *Subscription) watchesGroup(parentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watchedGroups[parentID]
	return ok
}

// JobState is the last known projection of one job, replayed to late
// subscribers.
type JobState struct {
	State     string    `json:"state"`
	Progress  int       `json:"progress"`
	Result    []byte    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`

	parentID string
	jobType  string
	terminal bool
}

// Hub is the subscription graph plus the delivery loop.
type Hub struct {
	eventBus *bus.Bus
	sinks    *joblog.Registry
	log      *zap.SugaredLogger
	cacheTTL time.Duration

	// OnSubscribe, when set before Run, fires as each subscriber joins.
	// The fleet uses it to bootstrap live-tier pools for the tenant.
	OnSubscribe func(tenantID string)

	mu         sync.RWMutex
	subs       map[string]*Subscription
	userRooms  map[string]map[string]*Subscription // tenantId -> subscriberId -> sub
	jobRooms   map[string]map[string]*Subscription // jobId -> ...
	groupRooms map[string]map[string]*Subscription // parentId -> ...
	cache      map[string]*JobState                // jobId -> projection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub over the event bus and sink registry.
func NewHub(eventBus *bus.Bus, sinks *joblog.Registry, log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		eventBus:   eventBus,
		sinks:      sinks,
		log:        log,
		cacheTTL:   DefaultCacheTTL,
		subs:       make(map[string]*Subscription),
		userRooms:  make(map[string]map[string]*Subscription),
		jobRooms:   make(map[string]map[string]*Subscription),
		groupRooms: make(map[string]map[string]*Subscription),
		cache:      make(map[string]*JobState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run consumes the bus until Close. Also sweeps expired cache entries.
func (h *Hub) Run() {
	events := h.eventBus.Subscribe()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.eventBus.Unsubscribe(events)
			close(events)
		}()
		for {
			select {
			case <-h.ctx.Done():
				return
			case ev := <-events:
				if ev.Event.IsLifecycle() {
					h.updateCache(ev)
				}
				h.deliver(ev)
			}
		}
	}()

	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.sweepCache()
			}
		}
	}()
}

// Close stops the delivery loop.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

// Subscribe registers a subscriber and adds it to its tenant's user
// room. The returned subscription's channel must be drained; events
// for a slow subscriber are dropped, not queued unboundedly.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	sub := &Subscription{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		C:             make(chan bus.Event, bus.SubscriberChannelBufferSize),
		watchedJobs:   make(map[string]struct{}),
		watchedGroups: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	if h.userRooms[tenantID] == nil {
		h.userRooms[tenantID] = make(map[string]*Subscription)
	}
	h.userRooms[tenantID][sub.ID] = sub
	h.mu.Unlock()

	if h.OnSubscribe != nil {
		h.OnSubscribe(tenantID)
	}
	h.log.Debugw("subscriber joined", "subscriber_id", sub.ID, "tenant_id", tenantID)
	return sub
}

// Unsubscribe removes a subscriber from every room. Its channel is not
// closed; the owner closes it after unsubscribing.
func (h *Hub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[subscriberID]
	if !ok {
		return
	}
	delete(h.subs, subscriberID)
	deleteFromRoom(h.userRooms, sub.TenantID, subscriberID)
	for jobID := range sub.watchedJobs {
		deleteFromRoom(h.jobRooms, jobID, subscriberID)
	}
	for parentID := range sub.watchedGroups {
		deleteFromRoom(h.groupRooms, parentID, subscriberID)
	}
}

// MonitorJob adds jobID to the subscriber's watch set and replays the
// job's last known state and recent log lines.
func (h *Hub) MonitorJob(subscriberID, jobID string) error {
	sub, err := h.addWatch(subscriberID, jobID, h.jobRooms, func(s *Subscription) map[string]struct{} {
		return s.watchedJobs
	})
	if err != nil {
		return err
	}
	h.replay(sub, jobID)
	return nil
}

// MonitorGroup adds parentID to the subscriber's watched groups.
func (h *Hub) MonitorGroup(subscriberID, parentID string) error {
	_, err := h.addWatch(subscriberID, parentID, h.groupRooms, func(s *Subscription) map[string]struct{} {
		return s.watchedGroups
	})
	return err
}

// UnmonitorJob drops jobID from the subscriber's watch set.
func (h *Hub) UnmonitorJob(subscriberID, jobID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[subscriberID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "subscriber %s", subscriberID)
	}
	sub.mu.Lock()
	delete(sub.watchedJobs, jobID)
	sub.mu.Unlock()
	deleteFromRoom(h.jobRooms, jobID, subscriberID)
	return nil
}

// JobState returns the cached projection for a job, or nil.
func (h *Hub) JobState(jobID string) *JobState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cache[jobID]
}

func (h *Hub) addWatch(subscriberID, key string, rooms map[string]map[string]*Subscription, watchSet func(*Subscription) map[string]struct{}) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[subscriberID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "subscriber %s", subscriberID)
	}
	sub.mu.Lock()
	watchSet(sub)[key] = struct{}{}
	sub.mu.Unlock()

	if rooms[key] == nil {
		rooms[key] = make(map[string]*Subscription)
	}
	rooms[key][subscriberID] = sub
	return sub, nil
}

// replay pushes the cached state projection and the last log lines of
// a freshly watched job onto the subscriber's channel.
func (h *Hub) replay(sub *Subscription, jobID string) {
	h.mu.RLock()
	state := h.cache[jobID]
	h.mu.RUnlock()

	if state != nil {
		send(sub, bus.Event{
			Event:     stateEvent(state.State),
			TenantID:  sub.TenantID,
			JobID:     jobID,
			ParentID:  state.parentID,
			JobType:   state.jobType,
			Timestamp: state.UpdatedAt,
			Progress:  state.Progress,
			Result:    state.Result,
			Error:     state.Error,
		})
	}

	if sink := h.sinks.Lookup(jobID); sink != nil {
		for _, entry := range sink.Ring().Tail(LogReplayLimit) {
			send(sub, bus.Event{
				Event:     bus.EventJobLog,
				TenantID:  sub.TenantID,
				JobID:     jobID,
				Timestamp: entry.Timestamp,
				Log: &bus.LogPayload{
					Timestamp: entry.Timestamp,
					Level:     entry.Level,
					Message:   entry.Message,
					Source:    entry.Source,
				},
			})
		}
	}
}

// deliver applies the room rule: candidates are the event's user room
// plus its job and group rooms; a candidate receives the event only if
// it watches the job, watches the group, or the event is addressed to
// the whole user room (lifecycle, never progress or log telemetry).
// Rooms are tenant-namespaced: a subscriber never receives another
// tenant's events, whatever it claims to watch.
func (h *Hub) deliver(ev bus.Event) {
	userRoom := ev.Event != bus.EventJobProgress && ev.Event != bus.EventJobLog

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	consider := func(room map[string]*Subscription) {
		for id, sub := range room {
			if _, done := seen[id]; done {
				continue
			}
			if sub.TenantID != ev.TenantID {
				continue
			}
			if (ev.JobID != "" && sub.watchesJob(ev.JobID)) ||
				(ev.ParentID != "" && sub.watchesGroup(ev.ParentID)) ||
				userRoom {
				seen[id] = struct{}{}
				send(sub, ev)
			}
		}
	}

	consider(h.userRooms[ev.TenantID])
	if ev.JobID != "" {
		consider(h.jobRooms[ev.JobID])
	}
	if ev.ParentID != "" {
		consider(h.groupRooms[ev.ParentID])
	}
}

func (h *Hub) updateCache(ev bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.cache[ev.JobID]
	if state == nil {
		state = &JobState{parentID: ev.ParentID, jobType: ev.JobType}
		h.cache[ev.JobID] = state
	}
	state.UpdatedAt = ev.Timestamp

	switch ev.Event {
	case bus.EventJobAdded:
		state.State = "waiting"
	case bus.EventJobStarted:
		state.State = "active"
	case bus.EventJobProgress:
		if ev.Progress > state.Progress {
			state.Progress = ev.Progress
		}
	case bus.EventJobCompleted:
		state.State = "completed"
		state.Progress = 100
		state.Result = ev.Result
		state.terminal = true
	case bus.EventJobFailed:
		state.State = "failed"
		state.Error = ev.Error
		state.terminal = true
	case bus.EventJobStalled:
		state.State = "waiting"
	}
}

// sweepCache drops terminal projections past the TTL.
func (h *Hub) sweepCache() {
	cutoff := time.Now().Add(-h.cacheTTL)

	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, state := range h.cache {
		if state.terminal && state.UpdatedAt.Before(cutoff) {
			delete(h.cache, jobID)
		}
	}
}

func send(sub *Subscription, ev bus.Event) {
	select {
	case sub.C <- ev:
	default:
		// Channel full - skip (non-blocking)
	}
}

func deleteFromRoom(rooms map[string]map[string]*Subscription, key, subscriberID string) {
	if room := rooms[key]; room != nil {
		delete(room, subscriberID)
		if len(room) == 0 {
			delete(rooms, key)
		}
	}
}

func stateEvent(state string) bus.EventName {
	switch state {
	case "completed":
		return bus.EventJobCompleted
	case "failed":
		return bus.EventJobFailed
	case "active":
		return bus.EventJobStarted
	case "waiting":
		return bus.EventJobAdded
	default:
		return bus.EventJobProgress
	}
}
