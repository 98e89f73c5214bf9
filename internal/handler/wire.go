package handler

import (
	"github.com/google/wire"
)

// Handlers aggregates every HTTP handler for router wiring.
type Handlers struct {
	Demo   *DemoHandler
	Admin  *AdminHandler
	Health *HealthHandler
}

// ProvideHandlers creates the Handlers struct
func ProvideHandlers(
	demoHandler *DemoHandler,
	adminHandler *AdminHandler,
	healthHandler *HealthHandler,
) *Handlers {
	return &Handlers{
		Demo:   demoHandler,
		Admin:  adminHandler,
		Health: healthHandler,
	}
}

// ProviderSet is the Wire provider set for all handlers
var ProviderSet = wire.NewSet(
	NewDemoHandler,
	NewAdminHandler,
	NewHealthHandler,
	ProvideHandlers,
)
