//go:build unix

package process

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"yqhp/session-manager/internal/utils"
)

// ExecLauncher starts programs with os/exec, hands them the write end of a pipe
// as descriptor 3 and reaps them when they exit.
type ExecLauncher struct {
	log *zap.Logger
}

// NewExecLauncher creates a launcher.
func NewExecLauncher(log *zap.Logger) *ExecLauncher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecLauncher{log: log.Named("launcher")}
}

// Launch starts spec in its own process group.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create readiness pipe: %w", err)
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if spec.LogFile != "" {
		logFile, err = os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("open session log: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	// only the child keeps the write end
	w.Close()

	pid := cmd.Process.Pid
	ready := make(chan error, 1)
	exited := make(chan struct{})

	utils.SafeGo(l.log, "ready-reader", func() {
		defer r.Close()
		ready <- readReady(r)
	})

	utils.SafeGo(l.log, "reaper", func() {
		defer close(exited)
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		l.log.Debug("process reaped", zap.Int("pid", pid), zap.Error(err))
	})

	return &Process{PID: pid, Ready: ready, Exited: exited}, nil
}

// readReady interprets the first line written on the readiness pipe.
func readReady(r *os.File) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" && err != nil {
		return ErrNotReady
	}

	switch {
	case line == "ok":
		return nil
	case strings.HasPrefix(line, "error:"):
		return fmt.Errorf("process reported failure: %s", strings.TrimSpace(strings.TrimPrefix(line, "error:")))
	default:
		return fmt.Errorf("unexpected readiness message %q", line)
	}
}
