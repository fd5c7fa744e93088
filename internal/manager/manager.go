// Package manager owns the lifecycle of sessions: creation through the fork
// gate, attach and detach, teardown, periodic maintenance and recovery of the
// admin area after a restart.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"yqhp/session-manager/internal/cluster"
	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/logger"
	"yqhp/session-manager/internal/process"
	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/internal/scheduler"
	"yqhp/session-manager/internal/session"
	"yqhp/session-manager/pkg/types"
)

// WorkerStore is the part of the worker registry the manager reads and updates.
type WorkerStore interface {
	registry.Source
	AdjustActive(ids []string, delta int)
	CleanupStale(timeout time.Duration) []string
}

// RecoveryNotifier is told about clients whose sessions survived a restart.
type RecoveryNotifier interface {
	ClientRecovering(client ClientKey, deadline time.Time, sessionIDs []int)
}

// entry is the in-memory state of one session.
type entry struct {
	rec         *types.SessionRecord
	proc        *process.Process
	detachTimer clockwork.Timer
	killTimer   clockwork.Timer
}

func (e *entry) key() ClientKey {
	return ClientKey{User: e.rec.User, Group: e.rec.Group}
}

func (e *entry) stopTimers() {
	if e.detachTimer != nil {
		e.detachTimer.Stop()
		e.detachTimer = nil
	}
	if e.killTimer != nil {
		e.killTimer.Stop()
		e.killTimer = nil
	}
}

// Manager implements the session lifecycle.
type Manager struct {
	cfg      config.ManagerConfig
	log      *zap.Logger
	clock    clockwork.Clock
	sched    *scheduler.Scheduler
	workers  WorkerStore
	admin    *session.AdminArea
	launcher process.Launcher
	prober   process.Prober
	notifier RecoveryNotifier

	heartbeatTimeout   time.Duration
	maintenanceEnabled bool

	forkGate  *semaphore.Weighted
	pool      *ants.Pool
	cron      gocron.Scheduler
	stopWatch func()

	// mu guards sessions, clients, nextID and the lifecycle flags.
	mu       sync.Mutex
	sessions map[int]*entry
	clients  clientSessions
	nextID   int
	started  bool

	// recMu guards the recovery state. Lock order is mu before recMu.
	recMu          sync.Mutex
	recovering     map[ClientKey]*recoveringClient
	recoverTimer   clockwork.Timer
	reconnectUntil time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLauncher replaces the exec launcher.
func WithLauncher(l process.Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithProber replaces the signal-0 prober.
func WithProber(p process.Prober) Option {
	return func(m *Manager) { m.prober = p }
}

// WithNotifier replaces the logging recovery notifier.
func WithNotifier(n RecoveryNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithWorkerStore replaces the registry of the cluster context.
func WithWorkerStore(w WorkerStore) Option {
	return func(m *Manager) { m.workers = w }
}

// WithoutMaintenanceJob leaves maintenance to explicit RunMaintenance calls.
func WithoutMaintenanceJob() Option {
	return func(m *Manager) { m.maintenanceEnabled = false }
}

// New creates a manager. The admin area is created when missing.
func New(cc *cluster.Context, sched *scheduler.Scheduler, opts ...Option) (*Manager, error) {
	cfg := cc.Config.Manager

	admin, err := session.NewAdminArea(cfg.AdminDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:                cfg,
		log:                cc.Logger.Named("manager"),
		clock:              cc.Clock,
		sched:              sched,
		workers:            cc.Registry,
		admin:              admin,
		heartbeatTimeout:   cc.Config.Master.HeartbeatTimeout,
		maintenanceEnabled: true,
		forkGate:           semaphore.NewWeighted(int64(max(cfg.MaxConcurrentForks, 1))),
		sessions:           make(map[int]*entry),
		clients:            make(clientSessions),
		nextID:             1,
		recovering:         make(map[ClientKey]*recoveringClient),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.launcher == nil {
		m.launcher = process.NewExecLauncher(m.log)
	}
	if m.prober == nil {
		m.prober = process.NewOSProber()
	}
	if m.notifier == nil {
		m.notifier = &logNotifier{log: m.log}
	}

	m.pool, err = ants.NewPool(16, ants.WithPanicHandler(func(r any) {
		m.log.Error("liveness check panicked", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, fmt.Errorf("create liveness pool: %w", err)
	}

	return m, nil
}

// Start recovers the admin area, then opens the manager for requests and
// schedules the maintenance job.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("session manager already started")
	}
	m.mu.Unlock()

	if m.pool.IsClosed() {
		m.pool.Reboot()
	}

	report, err := m.RecoverActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover active sessions: %w", err)
	}
	m.log.Info("recovery finished",
		zap.Int("recovered", report.Recovered),
		zap.Int("reloaded", report.Reloaded),
		zap.Int("dead", report.Dead),
		zap.Int("invalid", report.Invalid),
		zap.Int("duplicates", report.Duplicates),
	)

	if err := m.startWorkerWatch(); err != nil {
		return err
	}
	if m.maintenanceEnabled {
		if err := m.startMaintenanceJob(); err != nil {
			m.stopWorkerWatch()
			return err
		}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

// Stop halts maintenance, the worker watch and pending timers. Sessions stay
// alive and are reconciled by the next Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.started = false
	for _, e := range m.sessions {
		e.stopTimers()
	}
	m.mu.Unlock()
	m.stopWorkerWatch()

	m.recMu.Lock()
	if m.recoverTimer != nil {
		m.recoverTimer.Stop()
		m.recoverTimer = nil
	}
	m.recMu.Unlock()

	var err error
	if m.cron != nil {
		err = m.cron.Shutdown()
		m.cron = nil
	}
	if releaseErr := m.pool.ReleaseTimeout(time.Second); releaseErr != nil {
		m.log.Warn("liveness pool release timed out", zap.Error(releaseErr))
	}
	if err != nil {
		return fmt.Errorf("stop maintenance scheduler: %w", err)
	}
	return ctx.Err()
}

// Started reports whether the manager accepts requests.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Get returns a copy of one session.
func (m *Manager) Get(id int) (*types.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e.rec.Clone(), nil
}

// GetActiveSession finds the session backed by pid.
func (m *Manager) GetActiveSession(pid int) (*types.SessionRecord, bool) {
	if pid <= 0 {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.sessions {
		if e.rec.PID == pid {
			return e.rec.Clone(), true
		}
	}
	return nil, false
}

// Sessions returns copies of the sessions accepted by filter (all when nil), ordered by id.
func (m *Manager) Sessions(filter func(*types.SessionRecord) bool) []*types.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.SessionRecord, 0, len(m.sessions))
	for _, e := range m.sessions {
		if filter == nil || filter(e.rec) {
			out = append(out, e.rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClientSessions returns the sessions owned by user/group, ordered by id.
func (m *Manager) ClientSessions(user, group string) []*types.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.clients.ids(ClientKey{User: user, Group: group})
	out := make([]*types.SessionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.sessions[id].rec.Clone())
	}
	return out
}

// ActiveSessionCount returns the number of sessions not yet terminated.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// TouchSession refreshes the last access time of a session.
func (m *Manager) TouchSession(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	e.rec.LastAccess = m.clock.Now()
	if e.rec.PID > 0 {
		return m.admin.Save(e.rec)
	}
	return nil
}

// activeGroupsLocked lists the group of every session, for priority weighting.
func (m *Manager) activeGroupsLocked() []string {
	groups := make([]string, 0, len(m.sessions))
	for _, e := range m.sessions {
		groups = append(groups, e.rec.Group)
	}
	return groups
}

// removeLocked drops e from the maps and releases its worker counts.
func (m *Manager) removeLocked(e *entry) {
	e.stopTimers()
	delete(m.sessions, e.rec.ID)
	m.clients.remove(e.key(), e.rec.ID)
	m.workers.AdjustActive(e.rec.Workers, -1)
	m.forgetRecovering(e.key(), e.rec.ID)
}

// finalizeLocked moves a session whose process is gone to the terminated area.
func (m *Manager) finalizeLocked(e *entry, crashed bool) {
	m.removeLocked(e)

	fields := []zap.Field{
		zap.Int("session", e.rec.ID),
		zap.Int("pid", e.rec.PID),
		zap.String("user", e.rec.User),
		zap.String("group", e.rec.Group),
	}
	if err := m.admin.MoveToTerminated(e.rec, m.clock.Now()); err != nil {
		m.log.Error("failed to move session to terminated area", append(fields, zap.Error(err))...)
	}
	if crashed {
		m.log.Warn("session process died unexpectedly", append(fields, zap.String("event", EventCrashDetected))...)
		return
	}
	m.log.Info("session terminated", fields...)
}

// startMaintenanceJob schedules RunMaintenance every check_frequency.
func (m *Manager) startMaintenanceJob() error {
	s, err := gocron.NewScheduler(
		gocron.WithClock(m.clock),
		gocron.WithLogger(logger.Gocron(m.log)),
	)
	if err != nil {
		return fmt.Errorf("create maintenance scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(m.cfg.CheckFrequency),
		gocron.NewTask(func() { m.RunMaintenance(context.Background()) }),
		gocron.WithName("session-maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	s.Start()
	m.cron = s
	return nil
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Checked      int
	Crashed      int
	Finalized    int
	Purged       int
	StaleWorkers []string
}

// RunMaintenance checks live sessions, purges old terminated records and drops
// workers that stopped sending heartbeats.
func (m *Manager) RunMaintenance(ctx context.Context) MaintenanceReport {
	report := m.CheckActiveSessions(ctx)

	purged, err := m.CheckTerminatedSessions()
	if err != nil {
		m.log.Warn("terminated session cleanup incomplete", zap.Error(err))
	}
	report.Purged = purged

	if m.heartbeatTimeout > 0 {
		report.StaleWorkers = m.workers.CleanupStale(m.heartbeatTimeout)
		for _, id := range report.StaleWorkers {
			m.log.Warn("worker heartbeat timed out", zap.String("worker", id))
		}
	}
	return report
}
