//go:build unix

package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launchShell(t *testing.T, script string) *Process {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	p, err := NewExecLauncher(nil).Launch(context.Background(), Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", script},
		LogFile: filepath.Join(t.TempDir(), "session.log"),
	})
	require.NoError(t, err)
	require.Greater(t, p.PID, 0)
	return p
}

func waitReady(t *testing.T, p *Process) error {
	t.Helper()
	select {
	case err := <-p.Ready:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no readiness report")
		return nil
	}
}

func waitExited(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped")
	}
}

func TestExecLauncherReady(t *testing.T) {
	p := launchShell(t, "echo ok >&3; sleep 0.2")
	assert.NoError(t, waitReady(t, p))
	waitExited(t, p)
}

func TestExecLauncherReportedFailure(t *testing.T) {
	p := launchShell(t, `echo "error: no licence" >&3`)
	err := waitReady(t, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no licence")
	waitExited(t, p)
}

func TestExecLauncherExitWithoutReport(t *testing.T) {
	p := launchShell(t, "exit 3")
	assert.ErrorIs(t, waitReady(t, p), ErrNotReady)
	waitExited(t, p)
}

func TestExecLauncherMissingProgram(t *testing.T) {
	_, err := NewExecLauncher(nil).Launch(context.Background(), Spec{Program: "/nonexistent/proofserv"})
	assert.Error(t, err)
}

func TestExecLauncherCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecLauncher(nil).Launch(ctx, Spec{Program: "/bin/sh"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOSProber(t *testing.T) {
	p := NewOSProber()

	assert.True(t, p.Alive(os.Getpid()))
	assert.False(t, p.Alive(0))
	assert.False(t, p.Alive(-1))
	assert.Error(t, p.Signal(0, syscall.SIGTERM))
	assert.Error(t, p.Signal(-1, syscall.SIGTERM))

	child := launchShell(t, "echo ok >&3; sleep 30")
	require.NoError(t, waitReady(t, child))
	assert.True(t, p.Alive(child.PID))

	require.NoError(t, p.Signal(child.PID, syscall.SIGKILL))
	waitExited(t, child)
	assert.False(t, p.Alive(child.PID))
}

func TestOSProberSignalsProcessGroup(t *testing.T) {
	p := NewOSProber()
	pidFile := filepath.Join(t.TempDir(), "helper.pid")

	child := launchShell(t, "sleep 30 & echo $! > "+pidFile+"; echo ok >&3; wait")
	require.NoError(t, waitReady(t, child))

	var helper int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		_, err = fmt.Sscan(string(data), &helper)
		return err == nil && helper > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, p.Alive(helper))

	require.NoError(t, p.Signal(-child.PID, syscall.SIGKILL))
	waitExited(t, child)
	assert.Eventually(t, func() bool { return !p.Alive(helper) }, 5*time.Second, 10*time.Millisecond)
}

func TestOSProberZombie(t *testing.T) {
	root := t.TempDir()
	pid := os.Getpid()
	dir := filepath.Join(root, fmt.Sprint(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	p := &OSProber{procRoot: root}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(fmt.Sprintf("%d (proof serv) Z 1 2 3", pid)), 0o644))
	assert.False(t, p.Alive(pid))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(fmt.Sprintf("%d (a) b) S 1 2 3", pid)), 0o644))
	assert.True(t, p.Alive(pid))
}
