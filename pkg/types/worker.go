package types

import (
	"net"
	"strconv"
	"time"
)

// WorkerRole distinguishes the master entry from ordinary workers.
type WorkerRole string

const (
	// WorkerRoleMaster is the node running the session manager itself.
	WorkerRoleMaster WorkerRole = "master"
	// WorkerRoleWorker is a node that runs worker processes for sessions.
	WorkerRoleWorker WorkerRole = "worker"
)

// WorkerDescriptor describes one node in the cluster.
type WorkerDescriptor struct {
	ID             string     `json:"id" yaml:"id"`
	Host           string     `json:"host" yaml:"host"`
	Port           int        `json:"port" yaml:"port"`
	Role           WorkerRole `json:"role" yaml:"role"`
	ActiveSessions int        `json:"active_sessions" yaml:"active_sessions"`
	ImageID        string     `json:"image_id,omitempty" yaml:"image_id,omitempty"`
	LastSeen       time.Time  `json:"last_seen" yaml:"-"`
}

// Address returns host:port of the worker, or just the host when no port is set.
func (w WorkerDescriptor) Address() string {
	if w.Port <= 0 {
		return w.Host
	}
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// IsMaster reports whether the descriptor is the master entry.
func (w WorkerDescriptor) IsMaster() bool {
	return w.Role == WorkerRoleMaster
}
