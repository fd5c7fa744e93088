package manager

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"yqhp/session-manager/internal/cluster"
	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/logger"
	"yqhp/session-manager/internal/process"
	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/internal/scheduler"
	"yqhp/session-manager/pkg/types"
)

// readyMode controls what a fake process reports on its readiness pipe.
type readyMode int

const (
	readyOK readyMode = iota
	readyFail
	readySilent
)

type signalCall struct {
	pid int
	sig syscall.Signal
}

// fakeOS is both the launcher and the prober of the tests. Processes it
// starts stay alive until signalled or marked dead.
type fakeOS struct {
	mu        sync.Mutex
	nextPID   int
	mode      readyMode
	launchErr error
	// ignoreTerm keeps processes alive on SIGTERM.
	ignoreTerm bool
	alive      map[int]bool
	exits      map[int]chan struct{}
	specs      []process.Spec
	signals    []signalCall
}

func newFakeOS() *fakeOS {
	return &fakeOS{
		nextPID: 1000,
		alive:   make(map[int]bool),
		exits:   make(map[int]chan struct{}),
	}
}

func (f *fakeOS) Launch(ctx context.Context, spec process.Spec) (*process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.nextPID++
	pid := f.nextPID
	f.specs = append(f.specs, spec)
	f.alive[pid] = true

	ready := make(chan error, 1)
	switch f.mode {
	case readyOK:
		ready <- nil
	case readyFail:
		ready <- errors.New("process reported failure: no licence")
	}
	exited := make(chan struct{})
	f.exits[pid] = exited
	return &process.Process{PID: pid, Ready: ready, Exited: exited}, nil
}

func (f *fakeOS) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeOS) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.signals = append(f.signals, signalCall{pid: pid, sig: sig})
	// A negative pid addresses the group led by -pid; the fake has no other members.
	target := pid
	if target < 0 {
		target = -target
	}
	if !f.alive[target] {
		return syscall.ESRCH
	}
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !f.ignoreTerm) {
		f.killLocked(target)
	}
	return nil
}

// adopt marks pid as a live process not started by this launcher.
func (f *fakeOS) adopt(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
}

// crash makes pid disappear without a signal.
func (f *fakeOS) crash(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killLocked(pid)
}

func (f *fakeOS) killLocked(pid int) {
	f.alive[pid] = false
	if ch, ok := f.exits[pid]; ok {
		close(ch)
		delete(f.exits, pid)
	}
}

func (f *fakeOS) signalsTo(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []syscall.Signal
	for _, s := range f.signals {
		if s.pid == pid {
			out = append(out, s.sig)
		}
	}
	return out
}

func (f *fakeOS) lastSpec() process.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[ClientKey][]int
}

func (n *recordingNotifier) ClientRecovering(client ClientKey, deadline time.Time, ids []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[ClientKey][]int)
	}
	n.calls[client] = ids
}

type testEnv struct {
	m     *Manager
	os    *fakeOS
	clock *clockwork.FakeClock
	reg   *registry.InMemoryRegistry
	cfg   *config.Config
}

var (
	alice = ClientKey{User: "alice", Group: "cms"}
	bob   = ClientKey{User: "bob", Group: "atlas"}
)

func setupManagerTest(t *testing.T, mutate func(cfg *config.Config), workers int, opts ...Option) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Manager.AdminDir = t.TempDir()
	cfg.Manager.LogDir = ""
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.NewInMemoryRegistry(clock)
	require.NoError(t, reg.SetMaster(types.WorkerDescriptor{ID: "master", Host: "localhost", Port: 1093}))
	for i := 1; i <= workers; i++ {
		require.NoError(t, reg.Register(context.Background(), types.WorkerDescriptor{
			ID:   workerID(i),
			Host: workerID(i) + ".cluster",
			Port: 1093,
		}))
	}

	cc := cluster.New(cfg, logger.Nop(), reg, clock)
	fos := newFakeOS()
	all := append([]Option{WithLauncher(fos), WithProber(fos), WithoutMaintenanceJob()}, opts...)
	m, err := New(cc, scheduler.New(cc), all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	return &testEnv{m: m, os: fos, clock: clock, reg: reg, cfg: cfg}
}

func workerID(i int) string {
	return "w" + string(rune('0'+i))
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, env.m.Start(context.Background()))
}

func (env *testEnv) create(t *testing.T, client ClientKey) *types.SessionRecord {
	t.Helper()
	rec, err := env.m.Create(context.Background(), CreateRequest{User: client.User, Group: client.Group})
	require.NoError(t, err)
	return rec
}
