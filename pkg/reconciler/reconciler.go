// Package reconciler periodically brings tenant databases in line with the
// tenant registry.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/provisioning"
)

// orphanSweeps is how many consecutive sweeps an unregistered tenant
// database must be seen before it is treated as an orphan. A tenant whose
// registry row is still being written is seen at most once.
const orphanSweeps = 2

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 5 * time.Minute

// Registry lists every registered tenant, active or not.
type Registry interface {
	ListAll(ctx context.Context) ([]*models.Tenant, error)
}

// Provisioner is the subset of *provisioning.Provisioner the sweep drives.
type Provisioner interface {
	ListTenantDatabases(ctx context.Context, masterURL string) ([]string, error)
	InitializeSchema(ctx context.Context, databaseURL string) error
	DropDatabase(ctx context.Context, masterURL, name string) (provisioning.Result, error)
	Verified() *provisioning.VerifiedCache
}

// SessionPurger removes expired platform sessions.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config holds reconciler settings.
type Config struct {
	Interval    time.Duration
	DropOrphans bool
	MasterURL   string
}

// Report summarizes one sweep.
type Report struct {
	Initialized    []string
	Failed         []string
	Orphans        []string
	Dropped        []string
	PurgedSessions int64
}

// Reconciler runs the sweep on a fixed interval.
type Reconciler struct {
	registry    Registry
	provisioner Provisioner
	sessions    SessionPurger
	cfg         Config
	logger      *zap.Logger

	// suspects counts consecutive sweeps an unregistered database was seen.
	// Only touched from Sweep, which never runs concurrently with itself.
	suspects map[string]int
}

// New creates a new Reconciler. sessions may be nil.
func New(registry Registry, provisioner Provisioner, sessions SessionPurger, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		registry:    registry,
		provisioner: provisioner,
		sessions:    sessions,
		cfg:         cfg,
		logger:      logger.Named("reconciler"),
		suspects:    make(map[string]int),
	}
}

// Start begins the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Bool("drop_orphans", r.cfg.DropOrphans))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) Report {
	var report Report

	tenants, err := r.registry.ListAll(ctx)
	if err != nil {
		// Without the registry every database would look orphaned.
		r.logger.Error("Failed to list tenants", zap.Error(err))
		return report
	}

	r.initializeSchemas(ctx, tenants, &report)
	if ctx.Err() != nil {
		return report
	}
	r.detectOrphans(ctx, tenants, &report)
	r.purgeSessions(ctx, &report)

	if len(report.Initialized)+len(report.Failed)+len(report.Orphans) > 0 {
		r.logger.Info("Sweep finished",
			zap.Int("initialized", len(report.Initialized)),
			zap.Int("failed", len(report.Failed)),
			zap.Strings("orphans", report.Orphans),
			zap.Strings("dropped", report.Dropped))
	}
	return report
}

func (r *Reconciler) initializeSchemas(ctx context.Context, tenants []*models.Tenant, report *Report) {
	verified := r.provisioner.Verified()
	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if !t.Active || verified.Has(t.DatabaseURL) {
			continue
		}
		if err := r.provisioner.InitializeSchema(ctx, t.DatabaseURL); err != nil {
			r.logger.Warn("Failed to initialize tenant schema",
				zap.String("tenant_id", t.ID.String()),
				zap.String("database", t.DatabaseName),
				zap.Error(err))
			report.Failed = append(report.Failed, t.DatabaseName)
			continue
		}
		report.Initialized = append(report.Initialized, t.DatabaseName)
	}
}

func (r *Reconciler) detectOrphans(ctx context.Context, tenants []*models.Tenant, report *Report) {
	names, err := r.provisioner.ListTenantDatabases(ctx, r.cfg.MasterURL)
	if err != nil {
		r.logger.Error("Failed to list tenant databases", zap.Error(err))
		return
	}

	registered := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		registered[t.DatabaseName] = true
	}

	seen := make(map[string]int, len(r.suspects))
	for _, name := range names {
		if registered[name] {
			continue
		}
		seen[name] = r.suspects[name] + 1
	}
	// Databases that were registered or dropped since the last sweep start over.
	r.suspects = seen

	for _, name := range names {
		count := seen[name]
		if count < orphanSweeps {
			continue
		}
		report.Orphans = append(report.Orphans, name)
		if !r.cfg.DropOrphans {
			r.logger.Warn("Orphaned tenant database", zap.String("database", name), zap.Int("sweeps", count))
			continue
		}
		if _, err := r.provisioner.DropDatabase(ctx, r.cfg.MasterURL, name); err != nil {
			r.logger.Error("Failed to drop orphaned tenant database", zap.String("database", name), zap.Error(err))
			continue
		}
		r.logger.Warn("Dropped orphaned tenant database", zap.String("database", name))
		report.Dropped = append(report.Dropped, name)
		delete(r.suspects, name)
	}
}

func (r *Reconciler) purgeSessions(ctx context.Context, report *Report) {
	if r.sessions == nil {
		return
	}
	n, err := r.sessions.PurgeExpired(ctx)
	if err != nil {
		r.logger.Warn("Failed to purge expired sessions", zap.Error(err))
		return
	}
	report.PurgedSessions = n
}
