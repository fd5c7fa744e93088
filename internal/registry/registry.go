// Package registry keeps the set of cluster nodes available to the scheduler.
//
// The registry is fed by heartbeats (REST or Redis discovery) and read by the
// scheduler and the session manager through copy-on-read snapshots, so callers
// never hold references into registry state.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/jonboulle/clockwork"

	"yqhp/session-manager/pkg/types"
)

// Snapshot is an immutable view of the registry at one instant.
// Workers are in registration order and never include the master.
type Snapshot struct {
	Master  *types.WorkerDescriptor
	Workers []types.WorkerDescriptor
}

// Empty reports whether the snapshot holds neither a master nor workers.
func (s Snapshot) Empty() bool {
	return s.Master == nil && len(s.Workers) == 0
}

// Source is the read side consumed by the scheduler and the session manager.
type Source interface {
	Snapshot() Snapshot
	ActiveCountOf(id string) (int, bool)
}

const watchBuffer = 100

// EventType identifies a registry change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventUpdated      EventType = "updated"
)

// Event describes one registry change.
type Event struct {
	Type     EventType
	WorkerID string
	Worker   types.WorkerDescriptor
}

// InMemoryRegistry implements Source using in-memory storage.
type InMemoryRegistry struct {
	master  *types.WorkerDescriptor
	order   []string
	workers map[string]*types.WorkerDescriptor

	subMu       sync.Mutex
	subscribers map[chan *Event]struct{}

	clock clockwork.Clock
	mu    sync.RWMutex
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry(clock clockwork.Clock) *InMemoryRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryRegistry{
		workers:     make(map[string]*types.WorkerDescriptor),
		subscribers: make(map[chan *Event]struct{}),
		clock:       clock,
	}
}

// SetMaster installs or replaces the master entry.
func (r *InMemoryRegistry) SetMaster(master types.WorkerDescriptor) error {
	if err := validateID(master.ID); err != nil {
		return err
	}
	master.Role = types.WorkerRoleMaster
	master.LastSeen = r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[master.ID]; exists {
		return fmt.Errorf("master ID collides with worker: %s", master.ID)
	}
	if r.master != nil {
		master.ActiveSessions = r.master.ActiveSessions
	}
	r.master = &master

	r.notifyEvent(&Event{Type: EventRegistered, WorkerID: master.ID, Worker: master})
	return nil
}

// validateID rejects IDs that cannot be stored in a session's worker list.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("worker ID cannot be empty")
	}
	if strings.ContainsFunc(id, func(c rune) bool { return c == ',' || unicode.IsSpace(c) || unicode.IsControl(c) }) {
		return fmt.Errorf("worker ID must not contain ',' or whitespace: %q", id)
	}
	return nil
}

// Register adds a worker at the end of the registration order.
func (r *InMemoryRegistry) Register(ctx context.Context, worker types.WorkerDescriptor) error {
	if err := validateID(worker.ID); err != nil {
		return err
	}
	if worker.Role == types.WorkerRoleMaster {
		return fmt.Errorf("use SetMaster to register the master: %s", worker.ID)
	}
	worker.Role = types.WorkerRoleWorker
	if worker.ActiveSessions < 0 {
		worker.ActiveSessions = 0
	}
	worker.LastSeen = r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[worker.ID]; exists {
		return fmt.Errorf("worker already registered: %s", worker.ID)
	}
	if r.master != nil && r.master.ID == worker.ID {
		return fmt.Errorf("worker ID collides with master: %s", worker.ID)
	}

	r.workers[worker.ID] = &worker
	r.order = append(r.order, worker.ID)

	r.notifyEvent(&Event{Type: EventRegistered, WorkerID: worker.ID, Worker: worker})
	return nil
}

// Upsert registers the worker, or refreshes host, port, image and load of an existing one.
func (r *InMemoryRegistry) Upsert(ctx context.Context, worker types.WorkerDescriptor) error {
	r.mu.Lock()
	existing, ok := r.workers[worker.ID]
	if ok {
		existing.Host = worker.Host
		existing.Port = worker.Port
		existing.ImageID = worker.ImageID
		if worker.ActiveSessions >= 0 {
			existing.ActiveSessions = worker.ActiveSessions
		}
		existing.LastSeen = r.clock.Now()
		r.notifyEvent(&Event{Type: EventUpdated, WorkerID: worker.ID, Worker: *existing})
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.Register(ctx, worker)
}

// Unregister removes a worker.
func (r *InMemoryRegistry) Unregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return fmt.Errorf("worker not found: %s", workerID)
	}

	r.removeLocked(workerID)
	r.notifyEvent(&Event{Type: EventUnregistered, WorkerID: workerID, Worker: *worker})
	return nil
}

func (r *InMemoryRegistry) removeLocked(workerID string) {
	delete(r.workers, workerID)
	r.order = slice.Filter(r.order, func(_ int, id string) bool { return id != workerID })
}

// UpdateHeartbeat refreshes the last seen time of a worker or of the master.
// A negative active count leaves the stored count unchanged.
func (r *InMemoryRegistry) UpdateHeartbeat(ctx context.Context, workerID string, active int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.lookupLocked(workerID)
	if w == nil {
		return fmt.Errorf("worker not found: %s", workerID)
	}

	w.LastSeen = r.clock.Now()
	if active >= 0 && active != w.ActiveSessions {
		w.ActiveSessions = active
		r.notifyEvent(&Event{Type: EventUpdated, WorkerID: workerID, Worker: *w})
	}
	return nil
}

// AdjustActive adds delta to the active session count of each listed node.
// Counts never drop below zero; unknown IDs are skipped.
func (r *InMemoryRegistry) AdjustActive(ids []string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		w := r.lookupLocked(id)
		if w == nil {
			continue
		}
		w.ActiveSessions += delta
		if w.ActiveSessions < 0 {
			w.ActiveSessions = 0
		}
	}
}

func (r *InMemoryRegistry) lookupLocked(id string) *types.WorkerDescriptor {
	if r.master != nil && r.master.ID == id {
		return r.master
	}
	return r.workers[id]
}

// Snapshot returns a copy of the master and of every worker in registration order.
func (r *InMemoryRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{Workers: make([]types.WorkerDescriptor, 0, len(r.order))}
	if r.master != nil {
		m := *r.master
		snap.Master = &m
	}
	for _, id := range r.order {
		snap.Workers = append(snap.Workers, *r.workers[id])
	}
	return snap
}

// ActiveCountOf returns the active session count of a node.
func (r *InMemoryRegistry) ActiveCountOf(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := r.lookupLocked(id)
	if w == nil {
		return 0, false
	}
	return w.ActiveSessions, true
}

// Get returns a copy of one node.
func (r *InMemoryRegistry) Get(id string) (types.WorkerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := r.lookupLocked(id)
	if w == nil {
		return types.WorkerDescriptor{}, false
	}
	return *w, true
}

// Count returns the number of registered workers, master excluded.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// CleanupStale unregisters workers whose last heartbeat is older than timeout
// and returns their IDs. The master is never removed.
func (r *InMemoryRegistry) CleanupStale(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for _, id := range append([]string(nil), r.order...) {
		w := r.workers[id]
		if now.Sub(w.LastSeen) > timeout {
			r.removeLocked(id)
			removed = append(removed, id)
			r.notifyEvent(&Event{Type: EventUnregistered, WorkerID: id, Worker: *w})
		}
	}
	return removed
}

// Watch streams registry changes to a new subscriber until ctx is done, then
// closes the channel. Events are dropped for a subscriber whose buffer is full.
func (r *InMemoryRegistry) Watch(ctx context.Context) (<-chan *Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan *Event, watchBuffer)

	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		delete(r.subscribers, ch)
		close(ch)
		r.subMu.Unlock()
	}()
	return ch, nil
}

// notifyEvent never blocks the writer holding r.mu.
func (r *InMemoryRegistry) notifyEvent(event *Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for ch := range r.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
