package logger

import (
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// gocronLogger routes gocron's internal logs into zap.
type gocronLogger struct {
	s *zap.SugaredLogger
}

// Gocron adapts l to the gocron.Logger interface.
func Gocron(l *zap.Logger) gocron.Logger {
	return &gocronLogger{s: l.Named("gocron").Sugar()}
}

func (g *gocronLogger) Debug(msg string, args ...any) { g.s.Debugw(msg, args...) }
func (g *gocronLogger) Info(msg string, args ...any)  { g.s.Infow(msg, args...) }
func (g *gocronLogger) Warn(msg string, args ...any)  { g.s.Warnw(msg, args...) }
func (g *gocronLogger) Error(msg string, args ...any) { g.s.Errorw(msg, args...) }
