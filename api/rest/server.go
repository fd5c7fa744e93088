// Package rest provides the REST control surface of the session manager:
// client session requests, worker registration and heartbeats, and
// administrative cleanup.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/manager"
	"yqhp/session-manager/internal/registry"
	"yqhp/session-manager/pkg/types"
)

const (
	// HeaderUser carries the authenticated user set by the front end.
	HeaderUser = "X-Proof-User"
	// HeaderGroup carries the authenticated group set by the front end.
	HeaderGroup = "X-Proof-Group"
)

// SessionService is the part of the session manager the handlers drive.
type SessionService interface {
	Create(ctx context.Context, req manager.CreateRequest) (*types.SessionRecord, error)
	Get(id int) (*types.SessionRecord, error)
	Sessions(filter func(*types.SessionRecord) bool) []*types.SessionRecord
	ClientSessions(user, group string) []*types.SessionRecord
	Attach(id int, client manager.ClientKey) (*types.SessionRecord, error)
	Detach(id int, client manager.ClientKey) error
	DestroyOwned(id int, client manager.ClientKey) error
	TouchSession(id int) error
	CleanupProofServ(all bool, user string) (int, error)
	CleanClientSessions(user, srvType string) (int, error)
	IsClientRecovering(user, group string) (bool, time.Time)
	IsReconnecting() bool
	Started() bool
}

// WorkerRegistry is the write side fed by worker heartbeats.
type WorkerRegistry interface {
	Upsert(ctx context.Context, worker types.WorkerDescriptor) error
	UpdateHeartbeat(ctx context.Context, workerID string, active int) error
	Unregister(ctx context.Context, workerID string) error
	Snapshot() registry.Snapshot
	Get(id string) (types.WorkerDescriptor, bool)
}

// SchedulerInfo describes the selection policy.
type SchedulerInfo interface {
	Mode() types.SelectionMode
	Config() config.SchedulerConfig
	ExportInfo(snap registry.Snapshot) string
}

// Server represents the REST API server.
type Server struct {
	app       *fiber.App
	sessions  SessionService
	workers   WorkerRegistry
	scheduler SchedulerInfo
	config    config.ServerConfig
	log       *zap.Logger
}

// NewServer creates a new REST API server.
func NewServer(sessions SessionService, workers WorkerRegistry, sched SchedulerInfo, cfg config.ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "Session Manager API",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	server := &Server{
		app:       app,
		sessions:  sessions,
		workers:   workers,
		scheduler: sched,
		config:    cfg,
		log:       log.Named("rest"),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.New())
	s.app.Use(requestLogger(s.log))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     "*",
			AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept," + HeaderUser + "," + HeaderGroup,
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/ready", s.readyCheck)

	// 客户端会话
	sessions := api.Group("/sessions", s.requireClient)
	sessions.Post("/", s.createSession)
	sessions.Get("/", s.listSessions)
	sessions.Get("/:id", s.getSession)
	sessions.Post("/:id/attach", s.attachSession)
	sessions.Post("/:id/detach", s.detachSession)
	sessions.Post("/:id/touch", s.touchSession)
	sessions.Delete("/:id", s.destroySession)
	api.Get("/recovery", s.requireClient, s.recoveryStatus)

	// 管理
	api.Get("/admin/sessions", s.adminListSessions)
	api.Post("/admin/cleanup", s.adminCleanup)
	api.Post("/admin/clean-client", s.adminCleanClient)

	// Worker 注册与心跳
	api.Get("/workers", s.listWorkers)
	api.Post("/workers/register", s.registerWorker)
	api.Post("/workers/:id/heartbeat", s.workerHeartbeat)
	api.Post("/workers/:id/unregister", s.unregisterWorker)

	api.Get("/scheduler", s.schedulerInfo)
}

// Start starts the REST API server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the REST API server and shuts it down when ctx is done.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
