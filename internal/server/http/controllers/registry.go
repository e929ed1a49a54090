package controllers

import (
	"net/http"

	"github.com/rzbill/steward/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	fleet   *FleetController
	outbox  *OutboxController
	claims  *ClaimsController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		fleet:   NewFleetController(rt),
		outbox:  NewOutboxController(rt),
		claims:  NewClaimsController(rt),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.fleet.RegisterRoutes(mux)
	r.outbox.RegisterRoutes(mux)
	r.claims.RegisterRoutes(mux)
}
