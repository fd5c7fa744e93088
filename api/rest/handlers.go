package rest

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/manager"
	"yqhp/session-manager/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ready := s.sessions.Started()
	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(ReadyResponse{
		Ready:        ready,
		Status:       status,
		Reconnecting: s.sessions.IsReconnecting(),
		Timestamp:    time.Now().Format(time.RFC3339),
	})
}

// sessionError maps manager errors to HTTP responses.
func (s *Server) sessionError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	kind := "internal_error"

	switch {
	case errors.Is(err, manager.ErrInvalidRequest):
		code, kind = fiber.StatusBadRequest, "invalid_request"
	case errors.Is(err, manager.ErrNotFound):
		code, kind = fiber.StatusNotFound, "not_found"
	case errors.Is(err, manager.ErrNotOwned):
		code, kind = fiber.StatusForbidden, "forbidden"
	case errors.Is(err, manager.ErrInvalidState):
		code, kind = fiber.StatusConflict, "invalid_state"
	case errors.Is(err, manager.ErrNotStarted):
		code, kind = fiber.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, manager.ErrSchedulingFailure):
		code, kind = fiber.StatusServiceUnavailable, "scheduling_failure"
	case errors.Is(err, manager.ErrVerificationTimeout):
		code, kind = fiber.StatusGatewayTimeout, "verification_timeout"
	case errors.Is(err, manager.ErrForkFailure):
		kind = "fork_failure"
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Warn("session request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   kind,
		Message: err.Error(),
	})
}

func sessionID(c *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return 0, c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid session ID: " + c.Params("id"),
		})
	}
	return id, nil
}

func badBody(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: "Failed to parse request body: " + err.Error(),
	})
}

func (s *Server) recoveryResponse(client manager.ClientKey) RecoveryResponse {
	recovering, deadline := s.sessions.IsClientRecovering(client.User, client.Group)
	resp := RecoveryResponse{
		Recovering:   recovering,
		Reconnecting: s.sessions.IsReconnecting(),
	}
	if recovering {
		resp.Deadline = deadline.Format(time.RFC3339)
		resp.Sessions = toSessionResponses(s.sessions.ClientSessions(client.User, client.Group))
	}
	return resp
}

// createSession handles POST /api/v1/sessions
// A client whose sessions are being recovered is redirected to them with 409.
func (s *Server) createSession(c *fiber.Ctx) error {
	client := clientOf(c)

	var req CreateSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c, err)
		}
	}

	if resp := s.recoveryResponse(client); resp.Recovering {
		return c.Status(fiber.StatusConflict).JSON(resp)
	}

	rec, err := s.sessions.Create(c.UserContext(), manager.CreateRequest{
		User:       client.User,
		Group:      client.Group,
		SrvType:    req.SrvType,
		Alias:      req.Alias,
		Ordinal:    req.Ordinal,
		UserEnvs:   req.UserEnvs,
		RuntimeTag: req.RuntimeTag,
	})
	if err != nil {
		return s.sessionError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toSessionResponse(rec))
}

// listSessions handles GET /api/v1/sessions
func (s *Server) listSessions(c *fiber.Ctx) error {
	client := clientOf(c)
	recs := s.sessions.ClientSessions(client.User, client.Group)
	return c.JSON(SessionListResponse{
		Sessions: toSessionResponses(recs),
		Total:    len(recs),
	})
}

// getSession handles GET /api/v1/sessions/:id
func (s *Server) getSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil || id == 0 {
		return err
	}
	rec, err := s.sessions.Get(id)
	if err != nil {
		return s.sessionError(c, err)
	}
	if client := clientOf(c); rec.User != client.User || rec.Group != client.Group {
		return s.sessionError(c, manager.ErrNotOwned)
	}
	return c.JSON(toSessionResponse(rec))
}

// attachSession handles POST /api/v1/sessions/:id/attach
func (s *Server) attachSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil || id == 0 {
		return err
	}
	rec, err := s.sessions.Attach(id, clientOf(c))
	if err != nil {
		return s.sessionError(c, err)
	}
	return c.JSON(toSessionResponse(rec))
}

// detachSession handles POST /api/v1/sessions/:id/detach
func (s *Server) detachSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil || id == 0 {
		return err
	}
	if err := s.sessions.Detach(id, clientOf(c)); err != nil {
		return s.sessionError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true, Message: "Session detached"})
}

// touchSession handles POST /api/v1/sessions/:id/touch
func (s *Server) touchSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil || id == 0 {
		return err
	}
	rec, err := s.sessions.Get(id)
	if err != nil {
		return s.sessionError(c, err)
	}
	if client := clientOf(c); rec.User != client.User || rec.Group != client.Group {
		return s.sessionError(c, manager.ErrNotOwned)
	}
	if err := s.sessions.TouchSession(id); err != nil {
		return s.sessionError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true})
}

// destroySession handles DELETE /api/v1/sessions/:id
func (s *Server) destroySession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil || id == 0 {
		return err
	}
	if err := s.sessions.DestroyOwned(id, clientOf(c)); err != nil {
		return s.sessionError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SuccessResponse{Success: true, Message: "Session shutting down"})
}

// recoveryStatus handles GET /api/v1/recovery
func (s *Server) recoveryStatus(c *fiber.Ctx) error {
	return c.JSON(s.recoveryResponse(clientOf(c)))
}

// adminListSessions handles GET /api/v1/admin/sessions
func (s *Server) adminListSessions(c *fiber.Ctx) error {
	user := c.Query("user")
	status := types.SessionStatus(c.Query("status"))

	recs := s.sessions.Sessions(func(rec *types.SessionRecord) bool {
		return (user == "" || rec.User == user) && (status == "" || rec.Status == status)
	})
	return c.JSON(SessionListResponse{
		Sessions: toSessionResponses(recs),
		Total:    len(recs),
	})
}

// adminCleanup handles POST /api/v1/admin/cleanup
func (s *Server) adminCleanup(c *fiber.Ctx) error {
	var req CleanupRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	n, err := s.sessions.CleanupProofServ(req.All, req.User)
	if err != nil && n == 0 {
		return s.sessionError(c, err)
	}
	resp := CleanupResponse{Destroyed: n}
	if err != nil {
		resp.Message = err.Error()
	}
	return c.JSON(resp)
}

// adminCleanClient handles POST /api/v1/admin/clean-client
func (s *Server) adminCleanClient(c *fiber.Ctx) error {
	var req CleanClientRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	n, err := s.sessions.CleanClientSessions(req.User, req.SrvType)
	if err != nil && n == 0 {
		return s.sessionError(c, err)
	}
	resp := CleanupResponse{Destroyed: n}
	if err != nil {
		resp.Message = err.Error()
	}
	return c.JSON(resp)
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	snap := s.workers.Snapshot()

	resp := WorkerListResponse{
		Workers: make([]*WorkerResponse, 0, len(snap.Workers)),
		Total:   len(snap.Workers),
	}
	if snap.Master != nil {
		resp.Master = toWorkerResponse(*snap.Master)
	}
	for _, w := range snap.Workers {
		resp.Workers = append(resp.Workers, toWorkerResponse(w))
	}
	return c.JSON(resp)
}

// registerWorker handles POST /api/v1/workers/register
func (s *Server) registerWorker(c *fiber.Ctx) error {
	var req WorkerRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if req.ID == "" || req.Host == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Worker id and host are required",
		})
	}

	worker := types.WorkerDescriptor{
		ID:             req.ID,
		Host:           req.Host,
		Port:           req.Port,
		Role:           types.WorkerRoleWorker,
		ImageID:        req.ImageID,
		ActiveSessions: -1,
	}
	if req.ActiveSessions != nil {
		worker.ActiveSessions = *req.ActiveSessions
	}
	if err := s.workers.Upsert(c.UserContext(), worker); err != nil {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "registration_failed",
			Message: err.Error(),
		})
	}

	registered, _ := s.workers.Get(req.ID)
	return c.Status(fiber.StatusCreated).JSON(toWorkerResponse(registered))
}

// workerHeartbeat handles POST /api/v1/workers/:id/heartbeat
func (s *Server) workerHeartbeat(c *fiber.Ctx) error {
	var req HeartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c, err)
		}
	}

	active := -1
	if req.ActiveSessions != nil {
		active = *req.ActiveSessions
	}
	if err := s.workers.UpdateHeartbeat(c.UserContext(), c.Params("id"), active); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		})
	}
	return c.JSON(SuccessResponse{Success: true})
}

// unregisterWorker handles POST /api/v1/workers/:id/unregister
func (s *Server) unregisterWorker(c *fiber.Ctx) error {
	if err := s.workers.Unregister(c.UserContext(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		})
	}
	return c.JSON(SuccessResponse{Success: true, Message: "Worker unregistered"})
}

// schedulerInfo handles GET /api/v1/scheduler
func (s *Server) schedulerInfo(c *fiber.Ctx) error {
	cfg := s.scheduler.Config()
	return c.JSON(SchedulerResponse{
		Mode:              string(s.scheduler.Mode()),
		MaxWorkers:        cfg.MaxWorkers,
		MaxSessions:       cfg.MaxSessions,
		NodesFraction:     cfg.NodesFraction,
		OptWorkersPerUnit: cfg.OptWorkersPerUnit,
		MinForQuery:       cfg.MinForQuery,
		Info:              s.scheduler.ExportInfo(s.workers.Snapshot()),
	})
}
