package rest

import (
	"time"

	"github.com/jinzhu/copier"

	"yqhp/session-manager/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents a readiness check response.
type ReadyResponse struct {
	Ready        bool   `json:"ready"`
	Status       string `json:"status"`
	Reconnecting bool   `json:"reconnecting"`
	Timestamp    string `json:"timestamp"`
}

// CreateSessionRequest represents a session creation request. The owner comes
// from the identity headers, never from the body.
type CreateSessionRequest struct {
	SrvType    string `json:"srv_type"`
	Alias      string `json:"alias,omitempty"`
	Ordinal    string `json:"ordinal,omitempty"`
	UserEnvs   string `json:"user_envs,omitempty"`
	RuntimeTag string `json:"runtime_tag,omitempty"`
}

// SessionResponse represents one session.
type SessionResponse struct {
	ID              int      `json:"id"`
	PID             int      `json:"pid"`
	SrvType         string   `json:"srv_type,omitempty"`
	State           string   `json:"status"`
	User            string   `json:"user"`
	Group           string   `json:"group"`
	Tag             string   `json:"tag"`
	Alias           string   `json:"alias,omitempty"`
	LogFile         string   `json:"log_file,omitempty"`
	Ordinal         string   `json:"ordinal,omitempty"`
	RuntimeTag      string   `json:"runtime_tag,omitempty"`
	AdminPath       string   `json:"admin_path,omitempty"`
	ProtocolVersion int      `json:"protocol_version"`
	Workers         []string `json:"workers,omitempty"`
	LastAccessAt    string   `json:"last_access,omitempty"`
}

// SessionListResponse represents a list of sessions.
type SessionListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

// RecoveryResponse tells a client whether its sessions are being recovered.
type RecoveryResponse struct {
	Recovering   bool               `json:"recovering"`
	Deadline     string             `json:"deadline,omitempty"`
	Reconnecting bool               `json:"reconnecting"`
	Sessions     []*SessionResponse `json:"sessions,omitempty"`
}

// CleanupRequest represents an administrative bulk destroy.
type CleanupRequest struct {
	All  bool   `json:"all"`
	User string `json:"user"`
}

// CleanClientRequest destroys the idle sessions of a user.
type CleanClientRequest struct {
	User    string `json:"user"`
	SrvType string `json:"srv_type,omitempty"`
}

// CleanupResponse reports how many sessions were asked to shut down.
type CleanupResponse struct {
	Destroyed int    `json:"destroyed"`
	Message   string `json:"message,omitempty"`
}

// WorkerRegisterRequest represents a worker registration.
type WorkerRegisterRequest struct {
	ID             string `json:"id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ImageID        string `json:"image_id,omitempty"`
	ActiveSessions *int   `json:"active_sessions,omitempty"`
}

// HeartbeatRequest represents a worker heartbeat.
type HeartbeatRequest struct {
	ActiveSessions *int `json:"active_sessions,omitempty"`
}

// WorkerResponse represents one registry entry.
type WorkerResponse struct {
	ID             string `json:"id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Role           string `json:"role"`
	ActiveSessions int    `json:"active_sessions"`
	ImageID        string `json:"image_id,omitempty"`
	LastSeenAt     string `json:"last_seen,omitempty"`
}

// WorkerListResponse represents the registry.
type WorkerListResponse struct {
	Master  *WorkerResponse   `json:"master,omitempty"`
	Workers []*WorkerResponse `json:"workers"`
	Total   int               `json:"total"`
}

// SchedulerResponse describes the selection policy.
type SchedulerResponse struct {
	Mode              string  `json:"mode"`
	MaxWorkers        int     `json:"max_workers"`
	MaxSessions       int     `json:"max_sessions"`
	NodesFraction     float64 `json:"nodes_fraction"`
	OptWorkersPerUnit int     `json:"opt_workers_per_unit"`
	MinForQuery       int     `json:"min_for_query"`
	Info              string  `json:"info"`
}

func toSessionResponse(rec *types.SessionRecord) *SessionResponse {
	resp := &SessionResponse{}
	_ = copier.Copy(resp, rec)
	resp.State = string(rec.Status)
	if !rec.LastAccess.IsZero() {
		resp.LastAccessAt = rec.LastAccess.Format(time.RFC3339)
	}
	return resp
}

func toSessionResponses(recs []*types.SessionRecord) []*SessionResponse {
	out := make([]*SessionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSessionResponse(rec))
	}
	return out
}

func toWorkerResponse(w types.WorkerDescriptor) *WorkerResponse {
	resp := &WorkerResponse{}
	_ = copier.Copy(resp, &w)
	resp.Role = string(w.Role)
	if !w.LastSeen.IsZero() {
		resp.LastSeenAt = w.LastSeen.Format(time.RFC3339)
	}
	return resp
}
