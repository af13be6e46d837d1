// Package modules provides a pluggable routing module system so optional
// route bundles can be attached to the gateway without touching its core
// routing.
package modules

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/workspace-mcp/credbroker/internal/config"
)

// Context encapsulates the dependencies exposed to routing modules during
// registration.
type Context struct {
	Engine *gin.Engine
	Config *config.Config
	// RateLimit throttles routes that forward to the provider. May be nil.
	RateLimit gin.HandlerFunc
}

// RouteModule is a bundle of routes that can be registered on the gateway and
// notified of configuration reloads.
type RouteModule interface {
	// Name returns a unique identifier for logging and diagnostics.
	Name() string

	// Register wires the module's routes into ctx.Engine. Repeated calls must
	// not register routes twice.
	Register(ctx Context) error

	// OnConfigUpdated notifies the module when the configuration is reloaded.
	OnConfigUpdated(cfg *config.Config) error
}

// RegisterModule registers mod, rejecting values that are not route modules.
func RegisterModule(ctx Context, mod interface{}) error {
	if m, ok := mod.(RouteModule); ok {
		if ctx.Engine == nil {
			return fmt.Errorf("module %s: engine is nil", m.Name())
		}
		return m.Register(ctx)
	}
	return fmt.Errorf("unsupported module type %T (must implement RouteModule)", mod)
}
