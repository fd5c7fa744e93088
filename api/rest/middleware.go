package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/manager"
)

const clientKey = "client"

// requestLogger 请求日志中间件
func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		log.Debug("request", fields...)
		return err
	}
}

// requireClient reads the identity set by the authenticating front end.
func (s *Server) requireClient(c *fiber.Ctx) error {
	user := c.Get(HeaderUser)
	group := c.Get(HeaderGroup)
	if user == "" || group == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: HeaderUser + " and " + HeaderGroup + " headers are required",
		})
	}
	c.Locals(clientKey, manager.ClientKey{User: user, Group: group})
	return c.Next()
}

func clientOf(c *fiber.Ctx) manager.ClientKey {
	client, _ := c.Locals(clientKey).(manager.ClientKey)
	return client
}
