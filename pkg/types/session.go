package types

import (
	"strconv"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// SessionStatusStarting indicates the backing process was launched but has not reported ready.
	SessionStatusStarting SessionStatus = "starting"
	// SessionStatusRunning indicates a client is attached and the process is alive.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusIdle indicates no client is attached.
	SessionStatusIdle SessionStatus = "idle"
	// SessionStatusShuttingDown indicates termination was requested.
	SessionStatusShuttingDown SessionStatus = "shutting-down"
	// SessionStatusTerminated indicates the process is gone.
	SessionStatusTerminated SessionStatus = "terminated"
)

// Valid reports whether s is one of the known states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusStarting, SessionStatusRunning, SessionStatusIdle,
		SessionStatusShuttingDown, SessionStatusTerminated:
		return true
	}
	return false
}

// ShutdownOption controls what happens to a session once its client detaches.
type ShutdownOption string

const (
	// ShutdownNever keeps idle sessions alive until explicitly destroyed.
	ShutdownNever ShutdownOption = "never"
	// ShutdownWhenIdle destroys a session that stays detached for the configured delay.
	ShutdownWhenIdle ShutdownOption = "idle"
	// ShutdownImmediate destroys a session as soon as its client detaches.
	ShutdownImmediate ShutdownOption = "immediate"
)

// SessionRecord is the persistent description of one session.
type SessionRecord struct {
	PID             int               `json:"pid"`
	ID              int               `json:"id"`
	SrvType         string            `json:"srv_type"`
	Status          SessionStatus     `json:"status"`
	User            string            `json:"user"`
	Group           string            `json:"group"`
	UnixPath        string            `json:"unix_path,omitempty"`
	Tag             string            `json:"tag"`
	Alias           string            `json:"alias,omitempty"`
	LogFile         string            `json:"log_file,omitempty"`
	Ordinal         string            `json:"ordinal,omitempty"`
	UserEnvs        string            `json:"user_envs,omitempty"`
	RuntimeTag      string            `json:"runtime_tag,omitempty"`
	AdminPath       string            `json:"admin_path"`
	ProtocolVersion int               `json:"protocol_version"`
	Workers         []string          `json:"workers,omitempty"`
	LastAccess      time.Time         `json:"last_access"`
	Extra           map[string]string `json:"-"`
}

// FileName returns the admin file name of the record: <user>.<group>.<pid>.
func (r *SessionRecord) FileName() string {
	return r.User + "." + r.Group + "." + strconv.Itoa(r.PID)
}

// IsTerminated reports whether the record reached its final state.
func (r *SessionRecord) IsTerminated() bool {
	return r.Status == SessionStatusTerminated
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Workers != nil {
		c.Workers = append([]string(nil), r.Workers...)
	}
	if r.Extra != nil {
		c.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
