package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/session"
	"yqhp/session-manager/pkg/types"
)

// recoveringClient holds the recovered sessions a client has not reattached to yet.
type recoveringClient struct {
	deadline time.Time
	ids      map[int]struct{}
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Recovered  int
	Reloaded   int
	Dead       int
	Invalid    int
	Duplicates int
	Clients    []ClientKey
	Deadline   time.Time
}

type logNotifier struct {
	log *zap.Logger
}

func (n *logNotifier) ClientRecovering(client ClientKey, deadline time.Time, ids []int) {
	n.log.Info("client sessions recovered, waiting for reconnect",
		zap.String("user", client.User),
		zap.String("group", client.Group),
		zap.Ints("sessions", ids),
		zap.Time("deadline", deadline),
	)
}

// RecoverActiveSessions rebuilds the session table from the active admin area.
// Files that cannot be parsed, duplicates and sessions whose process is gone
// are moved to the terminated area. Live sessions come back idle and their
// clients get recover_timeout to reattach before the sessions are destroyed.
// Sessions this manager still holds, as after Stop and Start, keep their state
// and worker counts; only their liveness and timers are refreshed.
func (m *Manager) RecoverActiveSessions(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	entries, err := m.admin.ListActive()
	if err != nil {
		return report, fmt.Errorf("scan active sessions: %w", err)
	}
	now := m.clock.Now()

	candidates := make(map[string]session.Entry, len(entries))
	for _, en := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if reason := invalidReason(en); reason != "" {
			m.log.Warn("discarding unusable session record", zap.String("path", en.Path), zap.String("reason", reason))
			m.retire(en.Path, now)
			report.Invalid++
			continue
		}
		if en.Record.AdminPath == "" {
			en.Record.AdminPath = en.Path
		}

		key := recoveryKey(en.Record)
		prev, dup := candidates[key]
		if !dup {
			candidates[key] = en
			continue
		}
		report.Duplicates++
		loser := en
		if en.Record.LastAccess.After(prev.Record.LastAccess) {
			candidates[key], loser = en, prev
		}
		m.log.Warn("discarding duplicate session record", zap.String("path", loser.Path), zap.String("key", key))
		m.retire(loser.Path, now)
	}

	keys := maputil.Keys(candidates)
	sort.Strings(keys)
	recs := make([]*types.SessionRecord, len(keys))
	pids := make([]int, len(keys))
	for i, k := range keys {
		recs[i] = candidates[k].Record
		pids[i] = recs[i].PID
	}

	// Sessions still held in memory from before a Stop are reconciled, never adopted twice.
	m.mu.Lock()
	known := make(map[string]*entry)
	var orphans []*entry
	for _, e := range m.sessions {
		if e.rec.PID <= 0 || e.rec.Status == types.SessionStatusStarting {
			continue
		}
		k := recoveryKey(e.rec)
		known[k] = e
		if _, ok := candidates[k]; !ok {
			orphans = append(orphans, e)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].rec.ID < orphans[j].rec.ID })
	for _, e := range orphans {
		pids = append(pids, e.rec.PID)
	}
	m.mu.Unlock()

	alive := m.probeAll(pids)

	byClient := make(map[ClientKey][]int)

	m.mu.Lock()
	for i, rec := range recs {
		if e := known[keys[i]]; e != nil && m.sessions[e.rec.ID] == e {
			m.reconcileLocked(e, alive[i], &report)
			continue
		}
		if !alive[i] {
			if err := m.admin.MoveToTerminated(rec, now); err != nil {
				m.log.Error("failed to retire dead session", zap.String("file", rec.FileName()), zap.Error(err))
			}
			m.log.Info("recovered session is dead", zap.Int("pid", rec.PID), zap.String("user", rec.User))
			report.Dead++
			continue
		}
		m.adoptLocked(rec, now)
		report.Recovered++
		if rec.Status != types.SessionStatusShuttingDown {
			key := ClientKey{User: rec.User, Group: rec.Group}
			byClient[key] = append(byClient[key], rec.ID)
		}
	}
	for j, e := range orphans {
		if m.sessions[e.rec.ID] != e {
			continue
		}
		if alive[len(recs)+j] {
			m.log.Warn("rewriting missing admin file", zap.Int("session", e.rec.ID), zap.Int("pid", e.rec.PID))
			if err := m.admin.Save(e.rec); err != nil {
				m.log.Error("failed to rewrite admin file", zap.Int("session", e.rec.ID), zap.Error(err))
			}
		}
		m.reconcileLocked(e, alive[len(recs)+j], &report)
	}
	m.mu.Unlock()

	m.recMu.Lock()
	if len(m.recovering) > 0 && len(byClient) == 0 && m.recoverTimer == nil {
		m.armRecoverTimerLocked(now)
	}
	m.recMu.Unlock()

	if report.Recovered == 0 {
		return report, nil
	}

	deadline := now.Add(m.cfg.RecoverTimeout)
	m.recMu.Lock()
	for key, ids := range byClient {
		rc := &recoveringClient{deadline: deadline, ids: make(map[int]struct{}, len(ids))}
		for _, id := range ids {
			rc.ids[id] = struct{}{}
		}
		m.recovering[key] = rc
	}
	if len(byClient) > 0 {
		m.armRecoverTimerLocked(now)
	}
	m.reconnectUntil = now.Add(m.cfg.ReconnectTimeout)
	m.recMu.Unlock()

	report.Clients = maputil.Keys(byClient)
	sort.Slice(report.Clients, func(i, j int) bool {
		a, b := report.Clients[i], report.Clients[j]
		if a.User != b.User {
			return a.User < b.User
		}
		return a.Group < b.Group
	})
	if len(report.Clients) > 0 {
		report.Deadline = deadline
	}
	for _, key := range report.Clients {
		ids := byClient[key]
		sort.Ints(ids)
		m.notifier.ClientRecovering(key, deadline, ids)
	}
	return report, nil
}

// invalidReason explains why an active admin entry cannot be recovered.
func invalidReason(en session.Entry) string {
	switch {
	case en.Err != nil:
		return en.Err.Error()
	case en.Record.PID <= 0:
		return "missing pid"
	case en.Record.User == "" || en.Record.Group == "":
		return "missing owner"
	case filepath.Base(en.Path) != en.Record.FileName():
		return "file name does not match record"
	case en.Record.IsTerminated():
		return "terminated record in active area"
	}
	return ""
}

func (m *Manager) retire(path string, now time.Time) {
	if err := m.admin.MoveFileToTerminated(path, now); err != nil {
		m.log.Error("failed to move session file to terminated area", zap.String("path", path), zap.Error(err))
	}
}

func recoveryKey(rec *types.SessionRecord) string {
	return strconv.Itoa(rec.PID) + "|" + rec.AdminPath
}

// reconcileLocked settles a session kept in memory across a Stop. Its worker
// counts are already held, so only the timers Stop cleared are re-armed.
func (m *Manager) reconcileLocked(e *entry, alive bool, report *RecoveryReport) {
	if !alive {
		m.finalizeLocked(e, e.rec.Status != types.SessionStatusShuttingDown)
		report.Dead++
		return
	}
	switch e.rec.Status {
	case types.SessionStatusShuttingDown:
		m.armKillTimerLocked(e)
	case types.SessionStatusIdle:
		opt := types.ShutdownOption(m.cfg.ShutdownOpt)
		if opt != types.ShutdownNever && opt != types.ShutdownImmediate && !m.isRecovering(e.key(), e.rec.ID) {
			m.armDetachTimerLocked(e)
		}
	}
	report.Reloaded++
}

// adoptLocked registers a live recovered session. Its id is kept unless it
// collides with one already known.
func (m *Manager) adoptLocked(rec *types.SessionRecord, now time.Time) {
	if rec.ID <= 0 || m.sessions[rec.ID] != nil {
		rec.ID = m.nextID
	}
	if rec.ID >= m.nextID {
		m.nextID = rec.ID + 1
	}

	e := &entry{rec: rec}
	m.sessions[rec.ID] = e
	m.clients.add(e.key(), rec.ID)
	m.workers.AdjustActive(rec.Workers, 1)

	if rec.Status == types.SessionStatusShuttingDown {
		m.armKillTimerLocked(e)
	} else {
		rec.Status = types.SessionStatusIdle
	}
	rec.LastAccess = now
	if err := m.admin.Save(rec); err != nil {
		m.log.Warn("failed to persist recovered session", zap.Int("session", rec.ID), zap.Error(err))
	}
	m.log.Info("session recovered",
		zap.Int("session", rec.ID),
		zap.Int("pid", rec.PID),
		zap.String("user", rec.User),
		zap.String("status", string(rec.Status)),
	)
}

// armRecoverTimerLocked schedules expireRecovering at the earliest pending
// deadline. recMu must be held.
func (m *Manager) armRecoverTimerLocked(now time.Time) {
	if m.recoverTimer != nil {
		m.recoverTimer.Stop()
	}
	var next time.Time
	for _, rc := range m.recovering {
		if next.IsZero() || rc.deadline.Before(next) {
			next = rc.deadline
		}
	}
	m.recoverTimer = m.clock.AfterFunc(max(next.Sub(now), 0), m.expireRecovering)
}

// expireRecovering destroys the recovered sessions whose client missed the deadline.
func (m *Manager) expireRecovering() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var expired []int
	m.recMu.Lock()
	m.recoverTimer = nil
	for key, rc := range m.recovering {
		if now.Before(rc.deadline) {
			continue
		}
		expired = append(expired, maputil.Keys(rc.ids)...)
		delete(m.recovering, key)
	}
	if len(m.recovering) > 0 {
		m.armRecoverTimerLocked(now)
	}
	m.recMu.Unlock()

	sort.Ints(expired)
	for _, id := range expired {
		e, ok := m.sessions[id]
		if !ok || e.rec.Status == types.SessionStatusRunning {
			continue
		}
		m.log.Warn("client did not reconnect to recovered session",
			zap.String("event", EventRecoveryTimeout),
			zap.Int("session", id),
			zap.String("user", e.rec.User),
			zap.String("group", e.rec.Group),
		)
		if err := m.destroyLocked(e); err != nil {
			m.log.Error("failed to destroy unclaimed session", zap.Int("session", id), zap.Error(err))
		}
	}
}

// forgetRecovering drops id from the recovering set of client.
func (m *Manager) forgetRecovering(client ClientKey, id int) {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	rc, ok := m.recovering[client]
	if !ok {
		return
	}
	delete(rc.ids, id)
	if len(rc.ids) == 0 {
		delete(m.recovering, client)
	}
}

func (m *Manager) isRecovering(client ClientKey, id int) bool {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	rc, ok := m.recovering[client]
	if !ok {
		return false
	}
	_, ok = rc.ids[id]
	return ok
}

// IsClientRecovering reports whether user/group still has recovered sessions
// to reattach to, and until when.
func (m *Manager) IsClientRecovering(user, group string) (bool, time.Time) {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	rc, ok := m.recovering[ClientKey{User: user, Group: group}]
	if !ok || !m.clock.Now().Before(rc.deadline) {
		return false, time.Time{}
	}
	return true, rc.deadline
}

// IsReconnecting reports whether the manager is still inside the reconnect
// window that follows a recovery.
func (m *Manager) IsReconnecting() bool {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.clock.Now().Before(m.reconnectUntil)
}
