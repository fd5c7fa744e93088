// Package cluster holds the explicit composition root shared by the scheduler
// and the session manager.
package cluster

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/session-manager/internal/config"
	"yqhp/session-manager/internal/registry"
)

// Context bundles the process-wide collaborators. It is built once by the
// command layer and passed by reference; nothing in it is a package global.
type Context struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *registry.InMemoryRegistry
	Clock    clockwork.Clock
}

// New creates a Context, filling nil collaborators with production defaults.
func New(cfg *config.Config, log *zap.Logger, reg *registry.InMemoryRegistry, clock clockwork.Clock) *Context {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if reg == nil {
		reg = registry.NewInMemoryRegistry(clock)
	}
	return &Context{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Clock:    clock,
	}
}
