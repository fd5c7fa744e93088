package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/process"
	"yqhp/session-manager/internal/scheduler"
	"yqhp/session-manager/internal/utils"
	"yqhp/session-manager/pkg/types"
)

// CreateRequest describes a new session for an authenticated client.
type CreateRequest struct {
	User       string
	Group      string
	SrvType    string
	Alias      string
	Ordinal    string
	UserEnvs   string
	RuntimeTag string
}

func validateClient(user, group string) error {
	if user == "" || group == "" {
		return fmt.Errorf("%w: user and group are required", ErrInvalidRequest)
	}
	if strings.ContainsAny(user+group, "./") {
		return fmt.Errorf("%w: user and group must not contain '.' or '/'", ErrInvalidRequest)
	}
	return nil
}

// Create schedules workers, forks the backing process and waits for it to
// report readiness. Any failure rolls the session back completely.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.SessionRecord, error) {
	if err := validateClient(req.User, req.Group); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	alloc, err := m.sched.SelectWorkers(scheduler.Request{
		User:         req.User,
		Group:        req.Group,
		ActiveGroups: m.activeGroupsLocked(),
	}, m.workers.Snapshot())
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSchedulingFailure, err)
	}

	id := m.nextID
	m.nextID++
	rec := &types.SessionRecord{
		ID:              id,
		SrvType:         req.SrvType,
		Status:          types.SessionStatusStarting,
		User:            req.User,
		Group:           req.Group,
		Tag:             uuid.NewString(),
		Alias:           req.Alias,
		Ordinal:         req.Ordinal,
		UserEnvs:        req.UserEnvs,
		RuntimeTag:      req.RuntimeTag,
		ProtocolVersion: m.cfg.ProtocolVersion,
		Workers:         alloc.IDs(),
		LastAccess:      m.clock.Now(),
	}
	if m.cfg.LogDir != "" {
		rec.LogFile = filepath.Join(m.cfg.LogDir, fmt.Sprintf("%s.%s.%d.log", req.User, req.Group, id))
	}
	e := &entry{rec: rec}
	m.sessions[id] = e
	m.clients.add(e.key(), id)
	m.workers.AdjustActive(rec.Workers, 1)
	m.mu.Unlock()

	log := m.log.With(zap.Int("session", id), zap.String("user", req.User), zap.String("group", req.Group))

	proc, err := m.fork(ctx, rec, alloc)
	if err != nil {
		m.abortCreate(e, nil)
		log.Error("failed to start session process", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrForkFailure, err)
	}

	m.mu.Lock()
	rec.PID = proc.PID
	e.proc = proc
	err = m.admin.Save(rec)
	m.mu.Unlock()
	if err != nil {
		m.abortCreate(e, proc)
		return nil, fmt.Errorf("persist session %d: %w", id, err)
	}
	m.watchExit(e, proc)

	select {
	case err := <-proc.Ready:
		if err != nil {
			m.abortCreate(e, proc)
			log.Error("session process failed to start", zap.Int("pid", proc.PID), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrForkFailure, err)
		}
	case <-m.clock.After(m.cfg.VerifyTimeout):
		m.abortCreate(e, proc)
		log.Error("session process did not report readiness", zap.Int("pid", proc.PID), zap.Duration("timeout", m.cfg.VerifyTimeout))
		return nil, fmt.Errorf("%w: session %d after %s", ErrVerificationTimeout, id, m.cfg.VerifyTimeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Status = types.SessionStatusRunning
	rec.LastAccess = m.clock.Now()
	if err := m.admin.Save(rec); err != nil {
		log.Warn("failed to persist running session", zap.Error(err))
	}
	log.Info("session created", zap.Int("pid", rec.PID), zap.Strings("workers", rec.Workers))
	return rec.Clone(), nil
}

// fork launches the backing process through the fork gate.
func (m *Manager) fork(ctx context.Context, rec *types.SessionRecord, alloc scheduler.Allocation) (*process.Process, error) {
	gateCtx := ctx
	if m.cfg.InternalWait > 0 {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithTimeout(ctx, m.cfg.InternalWait)
		defer cancel()
	}
	if err := m.forkGate.Acquire(gateCtx, 1); err != nil {
		return nil, fmt.Errorf("wait for fork slot: %w", err)
	}
	defer m.forkGate.Release(1)

	return m.launcher.Launch(ctx, process.Spec{
		Program: m.cfg.Program,
		Args:    m.cfg.Args,
		Env:     m.sessionEnv(rec, alloc),
		Dir:     m.cfg.WorkDir,
		LogFile: rec.LogFile,
	})
}

// sessionEnv builds the environment of a backing process.
func (m *Manager) sessionEnv(rec *types.SessionRecord, alloc scheduler.Allocation) []string {
	env := os.Environ()

	keys := maputil.Keys(m.cfg.Env)
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+m.cfg.Env[k])
	}
	env = append(env, parseUserEnvs(rec.UserEnvs)...)

	return append(env,
		fmt.Sprintf("SM_SESSION_ID=%d", rec.ID),
		"SM_SESSION_TAG="+rec.Tag,
		"SM_USER="+rec.User,
		"SM_GROUP="+rec.Group,
		"SM_ADMIN_DIR="+filepath.Dir(m.admin.ActivePath(rec)),
		"SM_WORKERS="+strings.Join(alloc.Addresses(), ","),
		fmt.Sprintf("SM_READY_FD=%d", process.ReadyFD),
	)
}

// parseUserEnvs splits "A=1,B=2" into environment entries, dropping malformed ones.
func parseUserEnvs(s string) []string {
	var out []string
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if i := strings.IndexByte(kv, '='); i > 0 {
			out = append(out, kv)
		}
	}
	return out
}

// abortCreate kills a partially created session and discards every trace of it.
func (m *Manager) abortCreate(e *entry, proc *process.Process) {
	if proc != nil && proc.PID > 0 {
		if err := m.prober.Signal(-proc.PID, syscall.SIGKILL); err != nil && m.prober.Alive(proc.PID) {
			m.log.Warn("failed to kill aborted session process", zap.Int("pid", proc.PID), zap.Error(err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.rec.PID > 0 {
		if err := m.admin.Remove(e.rec); err != nil {
			m.log.Warn("failed to remove admin file of aborted session", zap.Int("session", e.rec.ID), zap.Error(err))
		}
	}
	m.removeLocked(e)
}

// watchExit finalizes a shutting-down session as soon as its process is reaped.
// Exits in other states are left to maintenance, which reports them as crashes.
func (m *Manager) watchExit(e *entry, proc *process.Process) {
	utils.SafeGo(m.log, "session-exit-watcher", func() {
		<-proc.Exited

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[e.rec.ID] != e || e.rec.PID != proc.PID {
			return
		}
		if e.rec.Status == types.SessionStatusShuttingDown {
			m.finalizeLocked(e, false)
		}
	})
}

// ownedLocked looks up a session owned by client.
func (m *Manager) ownedLocked(id int, client ClientKey) (*entry, error) {
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if e.key() != client {
		return nil, fmt.Errorf("%w: session %d", ErrNotOwned, id)
	}
	return e, nil
}

// Attach reconnects client to one of its live sessions.
func (m *Manager) Attach(id int, client ClientKey) (*types.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, ErrNotStarted
	}
	e, err := m.ownedLocked(id, client)
	if err != nil {
		return nil, err
	}
	switch e.rec.Status {
	case types.SessionStatusRunning, types.SessionStatusIdle:
	default:
		return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidState, id, e.rec.Status)
	}
	if !m.prober.Alive(e.rec.PID) {
		m.finalizeLocked(e, true)
		return nil, fmt.Errorf("%w: session %d process is gone", ErrNotFound, id)
	}

	if e.detachTimer != nil {
		e.detachTimer.Stop()
		e.detachTimer = nil
	}
	e.rec.Status = types.SessionStatusRunning
	e.rec.LastAccess = m.clock.Now()
	if err := m.admin.Save(e.rec); err != nil {
		return nil, fmt.Errorf("persist session %d: %w", id, err)
	}
	m.forgetRecovering(client, id)

	m.log.Info("client attached", zap.Int("session", id), zap.String("user", client.User))
	return e.rec.Clone(), nil
}

// Detach leaves the session alive for a later Attach. What happens next
// depends on the shutdown option: nothing, a delayed destroy or an immediate one.
func (m *Manager) Detach(id int, client ClientKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.ownedLocked(id, client)
	if err != nil {
		return err
	}
	switch e.rec.Status {
	case types.SessionStatusIdle:
		return nil
	case types.SessionStatusRunning:
	default:
		return fmt.Errorf("%w: session %d is %s", ErrInvalidState, id, e.rec.Status)
	}

	e.rec.Status = types.SessionStatusIdle
	e.rec.LastAccess = m.clock.Now()
	if err := m.admin.Save(e.rec); err != nil {
		return fmt.Errorf("persist session %d: %w", id, err)
	}

	switch types.ShutdownOption(m.cfg.ShutdownOpt) {
	case types.ShutdownNever:
	case types.ShutdownImmediate:
		return m.destroyLocked(e)
	default:
		m.armDetachTimerLocked(e)
	}
	m.log.Info("client detached", zap.Int("session", id), zap.String("user", client.User))
	return nil
}

// armDetachTimerLocked destroys e if it is still idle after the shutdown delay.
func (m *Manager) armDetachTimerLocked(e *entry) {
	if e.detachTimer != nil {
		e.detachTimer.Stop()
	}
	var t clockwork.Timer
	t = m.clock.AfterFunc(m.cfg.ShutdownDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[e.rec.ID] != e || e.detachTimer != t || e.rec.Status != types.SessionStatusIdle {
			return
		}
		e.detachTimer = nil
		m.log.Info("idle session reached shutdown delay", zap.Int("session", e.rec.ID))
		if err := m.destroyLocked(e); err != nil {
			m.log.Warn("failed to destroy idle session", zap.Int("session", e.rec.ID), zap.Error(err))
		}
	})
	e.detachTimer = t
}

// Destroy terminates a session regardless of its owner.
func (m *Manager) Destroy(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return m.destroyLocked(e)
}

// DestroyOwned terminates a session on behalf of its owner.
func (m *Manager) DestroyOwned(id int, client ClientKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.ownedLocked(id, client)
	if err != nil {
		return err
	}
	return m.destroyLocked(e)
}

// destroyLocked sends SIGTERM and marks e shutting-down. The record moves to
// the terminated area once the process is gone; after the termination timeout
// the process is killed.
func (m *Manager) destroyLocked(e *entry) error {
	switch e.rec.Status {
	case types.SessionStatusShuttingDown:
		return nil
	case types.SessionStatusStarting:
		return fmt.Errorf("%w: session %d is still starting", ErrInvalidState, e.rec.ID)
	}

	if e.detachTimer != nil {
		e.detachTimer.Stop()
		e.detachTimer = nil
	}
	if err := m.prober.Signal(signalTarget(e), syscall.SIGTERM); err != nil {
		if !m.prober.Alive(e.rec.PID) {
			m.finalizeLocked(e, false)
			return nil
		}
		return fmt.Errorf("signal session %d: %w", e.rec.ID, err)
	}

	e.rec.Status = types.SessionStatusShuttingDown
	if err := m.admin.Save(e.rec); err != nil {
		m.log.Warn("failed to persist shutting-down session", zap.Int("session", e.rec.ID), zap.Error(err))
	}
	m.armKillTimerLocked(e)
	m.log.Info("session shutting down", zap.Int("session", e.rec.ID), zap.Int("pid", e.rec.PID))
	return nil
}

// signalTarget addresses the whole process group of a session launched by this
// manager. Recovered sessions are signalled by pid only.
func signalTarget(e *entry) int {
	if e.proc != nil {
		return -e.rec.PID
	}
	return e.rec.PID
}

// armKillTimerLocked escalates to SIGKILL when e outlives the termination timeout.
func (m *Manager) armKillTimerLocked(e *entry) {
	if e.killTimer != nil {
		e.killTimer.Stop()
	}
	pid, target := e.rec.PID, signalTarget(e)
	var t clockwork.Timer
	t = m.clock.AfterFunc(m.cfg.TerminationTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[e.rec.ID] != e || e.killTimer != t {
			return
		}
		e.killTimer = nil
		if m.prober.Alive(pid) {
			m.log.Warn("session did not stop in time, killing", zap.Int("session", e.rec.ID), zap.Int("pid", pid))
			if err := m.prober.Signal(target, syscall.SIGKILL); err != nil {
				m.log.Error("failed to kill session", zap.Int("pid", pid), zap.Error(err))
			}
		}
		if !m.prober.Alive(pid) {
			m.finalizeLocked(e, false)
		}
	})
	e.killTimer = t
}

// CleanupProofServ destroys every session of user, or of everyone when all is
// set. Sessions still starting are left alone. It returns how many sessions
// were asked to shut down.
func (m *Manager) CleanupProofServ(all bool, user string) (int, error) {
	if !all && user == "" {
		return 0, fmt.Errorf("%w: a user is required unless all sessions are targeted", ErrInvalidRequest)
	}
	return m.destroyMatching(func(rec *types.SessionRecord) bool {
		return all || rec.User == user
	})
}

// CleanClientSessions destroys the idle sessions of user, restricted to
// srvType when it is not empty.
func (m *Manager) CleanClientSessions(user, srvType string) (int, error) {
	if user == "" {
		return 0, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	return m.destroyMatching(func(rec *types.SessionRecord) bool {
		return rec.User == user && rec.Status == types.SessionStatusIdle &&
			(srvType == "" || rec.SrvType == srvType)
	})
}

func (m *Manager) destroyMatching(match func(*types.SessionRecord) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := maputil.Keys(m.sessions)
	sort.Ints(ids)

	n := 0
	var errs []error
	for _, id := range ids {
		e, ok := m.sessions[id]
		if !ok || !match(e.rec) {
			continue
		}
		switch e.rec.Status {
		case types.SessionStatusStarting, types.SessionStatusShuttingDown:
			continue
		}
		if err := m.destroyLocked(e); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// CheckActiveSessions verifies that the process of every established session
// is still alive. Dead shutting-down sessions are finalized; any other dead
// session is a crash.
func (m *Manager) CheckActiveSessions(ctx context.Context) MaintenanceReport {
	type probe struct {
		e   *entry
		pid int
	}

	m.mu.Lock()
	probes := make([]probe, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.rec.Status == types.SessionStatusStarting || e.rec.PID <= 0 {
			continue
		}
		probes = append(probes, probe{e: e, pid: e.rec.PID})
	}
	m.mu.Unlock()

	report := MaintenanceReport{Checked: len(probes)}
	if len(probes) == 0 || ctx.Err() != nil {
		return report
	}

	pids := make([]int, len(probes))
	for i, p := range probes {
		pids[i] = p.pid
	}
	alive := m.probeAll(pids)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range probes {
		if alive[i] || m.sessions[p.e.rec.ID] != p.e || p.e.rec.PID != p.pid {
			continue
		}
		crashed := p.e.rec.Status != types.SessionStatusShuttingDown
		m.finalizeLocked(p.e, crashed)
		if crashed {
			report.Crashed++
		} else {
			report.Finalized++
		}
	}
	return report
}

// CheckTerminatedSessions purges terminated records older than the retention window.
func (m *Manager) CheckTerminatedSessions() (int, error) {
	purged, err := m.admin.PurgeTerminated(m.clock.Now().Add(-m.cfg.TerminatedRetention))
	for _, path := range purged {
		m.log.Debug("purged terminated session record", zap.String("path", path))
	}
	return len(purged), err
}

// probeAll checks pids concurrently on the liveness pool.
func (m *Manager) probeAll(pids []int) []bool {
	alive := make([]bool, len(pids))
	var wg sync.WaitGroup
	for i, pid := range pids {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			alive[i] = m.prober.Alive(pid)
		}
		if err := m.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return alive
}
