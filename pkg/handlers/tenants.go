package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/auth"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/services"
)

// Endpoint policies. Registry mutations are reserved for superadmins;
// platform admins may read the tenant they are bound to.
var (
	superAdminOnly = auth.Policy{Roles: []string{models.RoleSuperAdmin}}
	ownTenant      = auth.Policy{
		Roles:        []string{models.RoleSuperAdmin, models.RoleAdmin},
		TenantScoped: true,
		PathParam:    "tenantID",
	}
	hostTenant = auth.Policy{TenantScoped: true}
)

// TenantsHandler exposes the tenant registry.
type TenantsHandler struct {
	tenantService services.TenantService
	guard         *auth.Middleware
	logger        *zap.Logger
}

// NewTenantsHandler creates a new tenants handler.
func NewTenantsHandler(tenantService services.TenantService, guard *auth.Middleware, logger *zap.Logger) *TenantsHandler {
	return &TenantsHandler{
		tenantService: tenantService,
		guard:         guard,
		logger:        logger,
	}
}

// RegisterRoutes registers the tenants handler's routes on the given router.
func (h *TenantsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tenants", func(r chi.Router) {
		r.With(h.guard.Guard(superAdminOnly)).Get("/", h.List)
		r.With(h.guard.Guard(superAdminOnly)).Post("/", h.Create)

		r.Route("/{tenantID}", func(r chi.Router) {
			r.With(h.guard.Guard(ownTenant)).Get("/", h.Get)
			r.Group(func(r chi.Router) {
				r.Use(h.guard.Guard(superAdminOnly))
				r.Patch("/", h.Update)
				r.Delete("/", h.Delete)
				r.Post("/deactivate", h.Deactivate)
				r.Post("/activate", h.Activate)
			})
		})
	})

	r.With(h.guard.Guard(hostTenant)).Get("/api/tenant", h.Current)
}

// List handles GET /api/tenants
func (h *TenantsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, page, ok := ParseTenantFilter(w, r, h.logger)
	if !ok {
		return
	}

	list, err := h.tenantService.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, list); err != nil {
		h.logger.Error("Failed to encode tenant list", zap.Error(err))
	}
}

// Create handles POST /api/tenants. The tenant database is provisioned
// before the response is written.
func (h *TenantsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTenantRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	tenant, err := h.tenantService.Create(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, tenant); err != nil {
		h.logger.Error("Failed to encode tenant", zap.Error(err))
	}
}

// Get handles GET /api/tenants/{tenantID}
func (h *TenantsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	tenant, err := h.tenantService.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, tenant); err != nil {
		h.logger.Error("Failed to encode tenant", zap.Error(err))
	}
}

// Update handles PATCH /api/tenants/{tenantID}
func (h *TenantsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	var req models.UpdateTenantRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	tenant, err := h.tenantService.Update(r.Context(), id, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, tenant); err != nil {
		h.logger.Error("Failed to encode tenant", zap.Error(err))
	}
}

// Delete handles DELETE /api/tenants/{tenantID}. The tenant database is dropped.
func (h *TenantsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.tenantService.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deactivate handles POST /api/tenants/{tenantID}/deactivate
func (h *TenantsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.tenantService.Deactivate)
}

// Activate handles POST /api/tenants/{tenantID}/activate
func (h *TenantsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.tenantService.Activate)
}

func (h *TenantsHandler) setActive(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (*models.Tenant, error)) {
	id, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	tenant, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, tenant); err != nil {
		h.logger.Error("Failed to encode tenant", zap.Error(err))
	}
}

// Current handles GET /api/tenant, the tenant of the request host.
func (h *TenantsHandler) Current(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal == nil || principal.Tenant == nil {
		writeError(w, h.logger, apperrors.ErrNotFound)
		return
	}

	if err := WriteJSON(w, http.StatusOK, principal.Tenant); err != nil {
		h.logger.Error("Failed to encode tenant", zap.Error(err))
	}
}
