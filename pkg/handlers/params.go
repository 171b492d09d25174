package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
)

// ParseTenantID extracts and validates the tenant ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: tenantID
func ParseTenantID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_tenant_id", "Invalid tenant ID format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// ParseTenantFilter reads list filters from the query string:
// search, active, plan, city, limit and offset.
func ParseTenantFilter(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.TenantFilter, models.Page, bool) {
	q := r.URL.Query()
	filter := models.TenantFilter{
		Search: q.Get("search"),
		Plan:   models.Plan(q.Get("plan")),
		City:   q.Get("city"),
	}

	fail := func(message string) (models.TenantFilter, models.Page, bool) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_argument", message); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return models.TenantFilter{}, models.Page{}, false
	}

	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return fail("active must be true or false")
		}
		filter.Active = &active
	}
	if filter.Plan != "" && !filter.Plan.IsValid() {
		return fail("unknown plan")
	}

	var page models.Page
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fail(name + " must be a non-negative integer")
		}
		*dst = n
	}

	return filter, page.Normalize(), true
}
