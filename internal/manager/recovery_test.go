package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/session-manager/internal/session"
	"yqhp/session-manager/pkg/types"
)

func seedRecord(t *testing.T, env *testEnv, rec *types.SessionRecord) *types.SessionRecord {
	t.Helper()
	area, err := session.NewAdminArea(env.cfg.Manager.AdminDir)
	require.NoError(t, err)
	if rec.Status == "" {
		rec.Status = types.SessionStatusRunning
	}
	if rec.LastAccess.IsZero() {
		rec.LastAccess = env.clock.Now().Add(-time.Hour)
	}
	require.NoError(t, area.Save(rec))
	return rec
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func pidsOf(recs []*types.SessionRecord) []int {
	var pids []int
	for _, r := range recs {
		pids = append(pids, r.PID)
	}
	sort.Ints(pids)
	return pids
}

func TestRecoverAliveAndDeadSessions(t *testing.T) {
	notifier := &recordingNotifier{}
	env := setupManagerTest(t, nil, 2, WithNotifier(notifier))

	seedRecord(t, env, &types.SessionRecord{PID: 2001, ID: 1, User: "alice", Group: "cms", Workers: []string{"master", "w1"}})
	seedRecord(t, env, &types.SessionRecord{PID: 2002, ID: 2, User: "alice", Group: "cms"})
	seedRecord(t, env, &types.SessionRecord{PID: 2003, ID: 3, User: "bob", Group: "atlas", Status: types.SessionStatusIdle})
	env.os.adopt(2001)
	env.os.adopt(2003)

	report, err := env.m.RecoverActiveSessions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Recovered)
	assert.Equal(t, 1, report.Dead)
	assert.Equal(t, []ClientKey{alice, bob}, report.Clients)
	assert.Equal(t, []int{2001, 2003}, pidsOf(env.m.Sessions(nil)))
	for _, rec := range env.m.Sessions(nil) {
		assert.Equal(t, types.SessionStatusIdle, rec.Status)
	}

	adminDir := env.cfg.Manager.AdminDir
	assert.Equal(t, []string{"alice.cms.2002"}, dirNames(t, filepath.Join(adminDir, session.TerminatedDir)))
	assert.Equal(t, []string{"alice.cms.2001", "bob.atlas.2003"}, dirNames(t, filepath.Join(adminDir, session.ActiveDir)))

	n, _ := env.reg.ActiveCountOf("w1")
	assert.Equal(t, 1, n)

	recovering, deadline := env.m.IsClientRecovering("alice", "cms")
	assert.True(t, recovering)
	assert.Equal(t, env.clock.Now().Add(env.cfg.Manager.RecoverTimeout), deadline)
	recovering, _ = env.m.IsClientRecovering("carol", "cms")
	assert.False(t, recovering)

	notifier.mu.Lock()
	assert.Equal(t, []int{1}, notifier.calls[alice])
	assert.Equal(t, []int{3}, notifier.calls[bob])
	notifier.mu.Unlock()
}

func TestRecoveryDeadlineDestroysUnclaimedSessions(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	seedRecord(t, env, &types.SessionRecord{PID: 2001, ID: 1, User: "alice", Group: "cms"})
	seedRecord(t, env, &types.SessionRecord{PID: 2002, ID: 2, User: "bob", Group: "atlas"})
	env.os.adopt(2001)
	env.os.adopt(2002)
	env.start(t)

	_, err := env.m.Attach(1, alice)
	require.NoError(t, err)
	recovering, _ := env.m.IsClientRecovering("alice", "cms")
	assert.False(t, recovering)

	env.clock.Advance(env.cfg.Manager.RecoverTimeout)
	assert.Eventually(t, func() bool {
		return len(env.os.signalsTo(2002)) > 0
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, env.os.signalsTo(2002))
	assert.Empty(t, env.os.signalsTo(2001))

	recovering, _ = env.m.IsClientRecovering("bob", "atlas")
	assert.False(t, recovering)

	report := env.m.CheckActiveSessions(context.Background())
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, []int{2001}, pidsOf(env.m.Sessions(nil)))
}

func TestRecoverDiscardsInvalidAndDuplicateRecords(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	activeDir := filepath.Join(env.cfg.Manager.AdminDir, session.ActiveDir)

	require.NoError(t, os.WriteFile(filepath.Join(activeDir, "carol.cms.77"), []byte("user=carol\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(activeDir, "junk"), []byte("not a record"), 0o644))

	shared := filepath.Join(activeDir, "shared")
	seedRecord(t, env, &types.SessionRecord{
		PID: 3001, ID: 1, User: "alice", Group: "cms", AdminPath: shared,
		LastAccess: env.clock.Now().Add(-2 * time.Hour),
	})
	seedRecord(t, env, &types.SessionRecord{
		PID: 3001, ID: 2, User: "bob", Group: "atlas", AdminPath: shared,
		LastAccess: env.clock.Now().Add(-time.Hour),
	})
	seedRecord(t, env, &types.SessionRecord{PID: 3002, ID: 3, User: "dave", Group: "cms", Status: types.SessionStatusTerminated})
	env.os.adopt(3001)
	env.os.adopt(3002)

	report, err := env.m.RecoverActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Invalid)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Recovered)

	sessions := env.m.Sessions(nil)
	require.Len(t, sessions, 1)
	assert.Equal(t, "bob", sessions[0].User)

	assert.Equal(t, []string{"alice.cms.3001", "carol.cms.77", "dave.cms.3002", "junk"},
		dirNames(t, filepath.Join(env.cfg.Manager.AdminDir, session.TerminatedDir)))
}

func TestRecoverReassignsCollidingIDs(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	seedRecord(t, env, &types.SessionRecord{PID: 4001, ID: 7, User: "alice", Group: "cms"})
	seedRecord(t, env, &types.SessionRecord{PID: 4002, ID: 7, User: "bob", Group: "atlas"})
	env.os.adopt(4001)
	env.os.adopt(4002)
	env.start(t)

	sessions := env.m.Sessions(nil)
	require.Len(t, sessions, 2)
	assert.Equal(t, 7, sessions[0].ID)
	assert.Equal(t, 8, sessions[1].ID)

	rec := env.create(t, alice)
	assert.Equal(t, 9, rec.ID)
}

func TestRecoverResumesShutdown(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	seedRecord(t, env, &types.SessionRecord{PID: 5001, ID: 1, User: "alice", Group: "cms", Status: types.SessionStatusShuttingDown})
	env.os.adopt(5001)
	env.start(t)

	got, err := env.m.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusShuttingDown, got.Status)
	recovering, _ := env.m.IsClientRecovering("alice", "cms")
	assert.False(t, recovering)

	env.clock.Advance(env.cfg.Manager.TerminationTimeout)
	assert.Eventually(t, func() bool { return env.m.ActiveSessionCount() == 0 }, eventually, 10*time.Millisecond)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, env.os.signalsTo(5001))
}

func TestIsReconnecting(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	assert.False(t, env.m.IsReconnecting())

	seedRecord(t, env, &types.SessionRecord{PID: 6001, ID: 1, User: "alice", Group: "cms"})
	env.os.adopt(6001)
	env.start(t)
	assert.True(t, env.m.IsReconnecting())

	env.clock.Advance(env.cfg.Manager.ReconnectTimeout)
	assert.False(t, env.m.IsReconnecting())
}

func TestRecoverEmptyArea(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	report, err := env.m.RecoverActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)
	assert.False(t, env.m.IsReconnecting())
}

func TestStopStartKeepsInMemorySessions(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	env.start(t)
	rec := env.create(t, alice)
	require.Equal(t, []string{"master", "w1"}, rec.Workers)

	require.NoError(t, env.m.Stop(context.Background()))
	env.start(t)

	sessions := env.m.Sessions(nil)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.ID, sessions[0].ID)
	assert.Equal(t, types.SessionStatusRunning, sessions[0].Status)
	got, ok := env.m.GetActiveSession(rec.PID)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.Len(t, env.m.ClientSessions("alice", "cms"), 1)

	for _, id := range []string{"master", "w1"} {
		n, _ := env.reg.ActiveCountOf(id)
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, []string{rec.FileName()}, dirNames(t, filepath.Join(env.cfg.Manager.AdminDir, session.ActiveDir)))
	assert.False(t, env.m.IsReconnecting())

	next := env.create(t, bob)
	assert.Equal(t, rec.ID+1, next.ID)
}

func TestStopStartReconcilesState(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	env.start(t)
	idle := env.create(t, alice)
	crashed := env.create(t, bob)
	require.NoError(t, env.m.Detach(idle.ID, alice))

	require.NoError(t, env.m.Stop(context.Background()))
	env.os.crash(crashed.PID)
	require.NoError(t, os.Remove(activePath(env, idle)))

	report, err := env.m.RecoverActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Recovered)
	assert.Equal(t, 1, report.Reloaded)
	assert.Equal(t, 1, report.Dead)

	assert.Equal(t, []int{idle.PID}, pidsOf(env.m.Sessions(nil)))
	assert.FileExists(t, activePath(env, idle))
	assert.FileExists(t, terminatedPath(env, crashed))
	n, _ := env.reg.ActiveCountOf("master")
	assert.Equal(t, 1, n)

	env.clock.Advance(env.cfg.Manager.ShutdownDelay)
	assert.Eventually(t, func() bool { return env.m.ActiveSessionCount() == 0 }, eventually, 10*time.Millisecond)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, env.os.signalsTo(-idle.PID))
}

func TestStopStartRearmsRecoveryDeadline(t *testing.T) {
	env := setupManagerTest(t, nil, 1)
	seedRecord(t, env, &types.SessionRecord{PID: 7001, ID: 1, User: "alice", Group: "cms"})
	env.os.adopt(7001)
	env.start(t)

	require.NoError(t, env.m.Stop(context.Background()))
	env.start(t)
	recovering, _ := env.m.IsClientRecovering("alice", "cms")
	assert.True(t, recovering)

	env.clock.Advance(env.cfg.Manager.RecoverTimeout)
	assert.Eventually(t, func() bool {
		return len(env.os.signalsTo(7001)) > 0
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, env.os.signalsTo(-7001))
}
