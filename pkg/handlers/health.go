package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/config"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
	TenantPools *int   `json:"tenant_pools,omitempty"`
}

// Pinger checks that the platform database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatter reports the tenant pool cache.
type PoolStatter interface {
	Stats() database.Stats
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg      *config.Config
	platform Pinger
	pools    PoolStatter
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. platform and pools may be nil.
func NewHealthHandler(cfg *config.Config, platform Pinger, pools PoolStatter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, platform: platform, pools: pools, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given router.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/ping", h.Ping)
}

// Health handles GET /health requests.
// Returns a simple "ok" status for liveness checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready handles GET /ready. It fails while the platform database is unreachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.platform != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.platform.Ping(ctx); err != nil {
			h.logger.Warn("Platform database not reachable", zap.Error(err))
			if err := ErrorResponse(w, http.StatusServiceUnavailable, "upstream_unavailable", "Service temporarily unavailable"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-tenancy",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}
	if h.pools != nil {
		n := h.pools.Stats().Handles
		response.TenantPools = &n
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
