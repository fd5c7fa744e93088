package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/internal/utils"
)

// workerWatcher is implemented by worker stores that publish membership changes.
type workerWatcher interface {
	Watch(ctx context.Context) (<-chan *registry.Event, error)
}

// startWorkerWatch follows the worker store when it supports it. A worker that
// (re)registers or reports a heartbeat never carries fewer active sessions
// than this manager has allocated to it, and a worker leaving while sessions
// still use it is reported.
func (m *Manager) startWorkerWatch() error {
	w, ok := m.workers.(workerWatcher)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := w.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch workers: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.stopWatch = func() {
		cancel()
		<-done
	}
	m.mu.Unlock()

	utils.SafeGo(m.log, "worker-watch", func() {
		defer close(done)
		for ev := range events {
			m.handleWorkerEvent(ev)
		}
	})
	return nil
}

// stopWorkerWatch returns once the watch loop has drained. mu must not be held.
func (m *Manager) stopWorkerWatch() {
	m.mu.Lock()
	stop := m.stopWatch
	m.stopWatch = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (m *Manager) handleWorkerEvent(ev *registry.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.sessionsOnWorkerLocked(ev.WorkerID)
	if len(ids) == 0 {
		return
	}

	switch ev.Type {
	case registry.EventRegistered, registry.EventUpdated:
		cur, ok := m.workers.ActiveCountOf(ev.WorkerID)
		if !ok || cur >= len(ids) {
			return
		}
		m.workers.AdjustActive([]string{ev.WorkerID}, len(ids)-cur)
		m.log.Info("restored worker allocations",
			zap.String("worker", ev.WorkerID),
			zap.Int("reported", cur),
			zap.Int("allocated", len(ids)),
		)
	case registry.EventUnregistered:
		m.log.Warn("worker left while sessions still use it",
			zap.String("worker", ev.WorkerID),
			zap.Ints("sessions", ids),
		)
	}
}

// sessionsOnWorkerLocked lists, ordered by id, the sessions allocated to worker.
func (m *Manager) sessionsOnWorkerLocked(worker string) []int {
	var ids []int
	for id, e := range m.sessions {
		if slice.Contain(e.rec.Workers, worker) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
