// Package process launches and observes the backing processes of sessions.
package process

import (
	"context"
	"errors"
	"syscall"
)

// ReadyFD is the descriptor number on which a launched process reports readiness.
const ReadyFD = 3

// ErrNotReady is delivered on Ready when the process closed the readiness pipe
// without reporting success.
var ErrNotReady = errors.New("process exited before reporting readiness")

// Spec describes the process to launch.
type Spec struct {
	Program string
	Args    []string
	Env     []string
	Dir     string
	LogFile string
}

// Process is a launched backing process.
type Process struct {
	PID int
	// Ready receives exactly one value: nil when the process reported "ok",
	// otherwise the reported or observed failure.
	Ready <-chan error
	// Exited is closed once the process has been reaped.
	Exited <-chan struct{}
}

// Launcher starts backing processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Process, error)
}

// Prober checks and signals processes by pid, whether or not this process started them.
type Prober interface {
	Alive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}
