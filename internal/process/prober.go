//go:build unix

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// OSProber checks liveness with signal 0.
type OSProber struct {
	// procRoot is where /proc lives; empty disables zombie detection.
	procRoot string
}

// NewOSProber creates a prober that also treats zombies as dead when /proc is available.
func NewOSProber() *OSProber {
	return &OSProber{procRoot: "/proc"}
}

// Alive reports whether pid exists and is not a zombie.
// EPERM counts as alive: the process exists but belongs to someone else.
func (p *OSProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !p.zombie(pid)
}

// Signal sends sig to pid, or to the process group -pid when pid is negative.
// 0 and -1 are refused since they address the caller's group and every process.
func (p *OSProber) Signal(pid int, sig syscall.Signal) error {
	if pid == 0 || pid == -1 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return syscall.Kill(pid, sig)
}

// zombie reads the state field of /proc/<pid>/stat.
func (p *OSProber) zombie(pid int) bool {
	if p.procRoot == "" {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", p.procRoot, pid))
	if err != nil {
		return false
	}
	// comm may contain spaces and parentheses; the state follows the last ')'
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}
