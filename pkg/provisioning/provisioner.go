package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/logging"
)

// DatabaseMarker is stored as the comment of every tenant database so that
// tenant databases can be told apart from anything else on the server.
const DatabaseMarker = "ekaya-tenancy:tenant"

// BaselineMarker is stored as the comment of the manifest's marker table once
// every baseline table, index and foreign key exists.
const BaselineMarker = "ekaya-tenancy:baseline"

const defaultTimeout = 2 * time.Minute

// Pools hands out connection handles by URL.
type Pools interface {
	GetHandle(ctx context.Context, databaseURL string) (*database.Handle, error)
	Teardown(databaseURL string)
}

// Recorder receives the outcome of every provisioning step.
type Recorder interface {
	ObserveProvisioning(step, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveProvisioning(string, string) {}

// Provisioner creates, initializes and drops tenant databases.
type Provisioner struct {
	pools    Pools
	verified *VerifiedCache
	manifest *Manifest
	timeout  time.Duration
	recorder Recorder
	logger   *zap.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithTimeout bounds every provisioning call. Calls are detached from the
// caller's cancellation, so this is the only limit on how long DDL may run.
func WithTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithManifest replaces the embedded baseline schema.
func WithManifest(m *Manifest) Option {
	return func(p *Provisioner) { p.manifest = m }
}

// WithRecorder reports step outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(p *Provisioner) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewProvisioner creates a provisioner using the embedded baseline schema.
func NewProvisioner(pools Pools, verified *VerifiedCache, logger *zap.Logger, opts ...Option) (*Provisioner, error) {
	p := &Provisioner{
		pools:    pools,
		verified: verified,
		timeout:  defaultTimeout,
		recorder: nopRecorder{},
		logger:   logger.Named("provisioner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.manifest == nil {
		m, err := BaselineManifest()
		if err != nil {
			return nil, err
		}
		p.manifest = m
	}
	return p, nil
}

// Manifest returns the schema this provisioner applies.
func (p *Provisioner) Manifest() *Manifest {
	return p.manifest
}

// Verified returns the cache of initialized database URLs.
func (p *Provisioner) Verified() *VerifiedCache {
	return p.verified
}

// detach keeps DDL running when the request that triggered it goes away.
func (p *Provisioner) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
}

// exec runs one DDL statement and classifies the outcome. Duplicate-object
// errors are absorbed; anything else is returned as ErrProvisioningFailure.
func (p *Provisioner) exec(ctx context.Context, q database.Querier, step, stmt string, args ...any) (Result, error) {
	_, err := q.Exec(ctx, stmt, args...)
	result := Classify(err)
	p.recorder.ObserveProvisioning(step, result.String())

	switch result {
	case AlreadyPresent:
		p.logger.Debug("object already present", zap.String("step", step))
	case Failed:
		return Failed, fmt.Errorf("%w: %s: %w", apperrors.ErrProvisioningFailure, step, apperrors.FromDB(err))
	}
	return result, nil
}

func (p *Provisioner) master(ctx context.Context, masterURL string) (*database.Handle, error) {
	h, err := p.pools.GetHandle(ctx, masterURL)
	if err != nil {
		return nil, fmt.Errorf("%w: master connection: %w", apperrors.ErrUpstreamUnavailable, err)
	}
	return h, nil
}

// CreateDatabase creates the tenant database name on the server behind
// masterURL and returns its connection URL. An existing tenant database is
// reported as AlreadyPresent; an existing database without DatabaseMarker is
// never adopted and yields ErrConflict.
func (p *Provisioner) CreateDatabase(ctx context.Context, masterURL, name string) (string, Result, error) {
	if !IsValidIdentifier(name) {
		return "", Failed, fmt.Errorf("%w: invalid database name %q", apperrors.ErrInvalidArgument, name)
	}
	databaseURL, err := DeriveDatabaseURL(masterURL, name)
	if err != nil {
		return "", Failed, err
	}

	ctx, cancel := p.detach(ctx)
	defer cancel()

	master, err := p.master(ctx, masterURL)
	if err != nil {
		return "", Failed, err
	}

	result, err := p.createDatabase(ctx, master, name)
	if err != nil {
		return "", Failed, err
	}
	return databaseURL, result, nil
}

func (p *Provisioner) createDatabase(ctx context.Context, master database.Querier, name string) (Result, error) {
	exists, comment, err := databaseComment(ctx, master, name)
	if err != nil {
		return Failed, err
	}
	if exists {
		if comment != DatabaseMarker {
			p.recorder.ObserveProvisioning("create_database", Failed.String())
			return Failed, fmt.Errorf("%w: database %q exists and is not a tenant database", apperrors.ErrConflict, name)
		}
		p.recorder.ObserveProvisioning("create_database", AlreadyPresent.String())
		p.logger.Info("tenant database already present", zap.String("database", name))
		return AlreadyPresent, nil
	}

	result, err := p.exec(ctx, master, "create_database", "CREATE DATABASE "+quote(name))
	if err != nil {
		return Failed, err
	}
	if result == AlreadyPresent {
		// Someone else created it between the probe and CREATE DATABASE.
		return Failed, fmt.Errorf("%w: database %q was created concurrently", apperrors.ErrConflict, name)
	}

	if _, err := p.exec(ctx, master, "tag_database",
		fmt.Sprintf("COMMENT ON DATABASE %s IS %s", quote(name), literal(DatabaseMarker))); err != nil {
		return Failed, err
	}

	p.logger.Info("tenant database created", zap.String("database", name))
	return Created, nil
}

// DatabaseClaimed reports whether name exists on the server behind masterURL
// without DatabaseMarker, so it can never become a tenant database.
func (p *Provisioner) DatabaseClaimed(ctx context.Context, masterURL, name string) (bool, error) {
	master, err := p.master(ctx, masterURL)
	if err != nil {
		return false, err
	}
	exists, comment, err := databaseComment(ctx, master, name)
	if err != nil {
		return false, err
	}
	return exists && comment != DatabaseMarker, nil
}

// DropDatabase removes the tenant database name. Cached pools and the
// verification entry for it are discarded first, then remaining backends are
// terminated.
func (p *Provisioner) DropDatabase(ctx context.Context, masterURL, name string) (Result, error) {
	if !IsValidIdentifier(name) {
		return Failed, fmt.Errorf("%w: invalid database name %q", apperrors.ErrInvalidArgument, name)
	}
	databaseURL, err := DeriveDatabaseURL(masterURL, name)
	if err != nil {
		return Failed, err
	}

	p.pools.Teardown(databaseURL)
	p.verified.Forget(databaseURL)

	ctx, cancel := p.detach(ctx)
	defer cancel()

	master, err := p.master(ctx, masterURL)
	if err != nil {
		return Failed, err
	}

	exists, err := databaseExists(ctx, master, name)
	if err != nil {
		return Failed, err
	}
	if !exists {
		p.recorder.ObserveProvisioning("drop_database", AlreadyPresent.String())
		return AlreadyPresent, nil
	}

	if _, err := p.exec(ctx, master, "terminate_backends",
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		name); err != nil {
		return Failed, err
	}

	if _, err := p.exec(ctx, master, "drop_database", "DROP DATABASE IF EXISTS "+quote(name)); err != nil {
		return Failed, err
	}

	p.logger.Info("dropped tenant database", zap.String("database", name))
	return Created, nil
}

// ListTenantDatabases returns the names of all databases carrying DatabaseMarker.
func (p *Provisioner) ListTenantDatabases(ctx context.Context, masterURL string) ([]string, error) {
	master, err := p.master(ctx, masterURL)
	if err != nil {
		return nil, err
	}

	var names []string
	err = master.QueryRow(ctx, `
		SELECT COALESCE(array_agg(d.datname::text ORDER BY d.datname), '{}')
		FROM pg_database d
		WHERE shobj_description(d.oid, 'pg_database') = $1`, DatabaseMarker).Scan(&names)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant databases: %w", apperrors.FromDB(err))
	}
	return names, nil
}

// InitializeSchema brings the database at databaseURL up to the manifest.
// New databases get the full baseline; existing ones only get missing
// incremental columns and enum values. Safe to call any number of times.
func (p *Provisioner) InitializeSchema(ctx context.Context, databaseURL string) error {
	if p.verified.Has(databaseURL) {
		return nil
	}

	ctx, cancel := p.detach(ctx)
	defer cancel()

	h, err := p.pools.GetHandle(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrUpstreamUnavailable, err)
	}

	if err := p.initialize(ctx, h); err != nil {
		p.logger.Error("schema initialization failed",
			zap.String("url", logging.SanitizeConnectionString(databaseURL)),
			zap.String("error", logging.SanitizeError(err)))
		return err
	}

	p.verified.Mark(databaseURL)
	return nil
}

func (p *Provisioner) initialize(ctx context.Context, q database.Querier) error {
	complete, err := baselineComplete(ctx, q, p.manifest.MarkerTable)
	if err != nil {
		return err
	}

	// An interrupted baseline is rerun from the top; every step absorbs
	// objects that already exist.
	if !complete {
		if err := p.createBaseline(ctx, q); err != nil {
			return err
		}
	}

	if err := p.ensureColumns(ctx, q); err != nil {
		return err
	}

	for _, e := range p.manifest.Enums {
		if _, err := p.migrateEnum(ctx, q, e.Name, e.Values, e.Backfills); err != nil {
			return err
		}
	}
	return nil
}

// createBaseline creates enum types, then all tables concurrently, then
// indexes, then foreign keys one at a time. The marker table is tagged last.
func (p *Provisioner) createBaseline(ctx context.Context, q database.Querier) error {
	for _, e := range p.manifest.Enums {
		if _, err := p.exec(ctx, q, "create_type", createEnumSQL(e)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.manifest.Tables {
		g.Go(func() error {
			_, err := p.exec(gctx, q, "create_table", createTableSQL(t))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, ix := range p.manifest.Indexes {
		g.Go(func() error {
			_, err := p.exec(gctx, q, "create_index", createIndexSQL(ix))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, fk := range p.manifest.ForeignKeys {
		if _, err := p.exec(ctx, q, "add_foreign_key", addForeignKeySQL(fk)); err != nil {
			return err
		}
	}

	if _, err := p.exec(ctx, q, "mark_baseline",
		fmt.Sprintf("COMMENT ON TABLE %s IS %s", quote(p.manifest.MarkerTable), literal(BaselineMarker))); err != nil {
		return err
	}

	p.logger.Info("created baseline schema",
		zap.Int("tables", len(p.manifest.Tables)),
		zap.Int("indexes", len(p.manifest.Indexes)))
	return nil
}

func (p *Provisioner) ensureColumns(ctx context.Context, q database.Querier) error {
	existing := make(map[string]map[string]bool)
	for _, c := range p.manifest.IncrementalColumns {
		cols, ok := existing[c.Table]
		if !ok {
			names, err := columnNames(ctx, q, c.Table)
			if err != nil {
				return err
			}
			cols = make(map[string]bool, len(names))
			for _, n := range names {
				cols[n] = true
			}
			existing[c.Table] = cols
		}
		if cols[c.Name] {
			continue
		}
		if _, err := p.exec(ctx, q, "add_column", addColumnSQL(c)); err != nil {
			return err
		}
		cols[c.Name] = true
	}
	return nil
}

// MigrateEnumValues appends any of required that enumName lacks and applies
// backfills for deprecated values. Values are never removed. It returns the
// values that were added, which is empty when nothing was missing.
func (p *Provisioner) MigrateEnumValues(ctx context.Context, databaseURL, enumName string, required []string, backfills []EnumBackfill) ([]string, error) {
	if !IsValidIdentifier(enumName) {
		return nil, fmt.Errorf("%w: invalid enum name %q", apperrors.ErrInvalidArgument, enumName)
	}
	for _, v := range required {
		if !IsValidIdentifier(v) {
			return nil, fmt.Errorf("%w: invalid enum value %q", apperrors.ErrInvalidArgument, v)
		}
	}
	for _, b := range backfills {
		for _, s := range []string{b.Table, b.Column, b.From, b.To} {
			if !IsValidIdentifier(s) {
				return nil, fmt.Errorf("%w: invalid backfill identifier %q", apperrors.ErrInvalidArgument, s)
			}
		}
	}

	ctx, cancel := p.detach(ctx)
	defer cancel()

	h, err := p.pools.GetHandle(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstreamUnavailable, err)
	}
	return p.migrateEnum(ctx, h, enumName, required, backfills)
}

func (p *Provisioner) migrateEnum(ctx context.Context, q database.Querier, enumName string, required []string, backfills []EnumBackfill) ([]string, error) {
	current, err := enumLabels(ctx, q, enumName)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("%w: enum %q does not exist", apperrors.ErrProvisioningFailure, enumName)
	}

	have := make(map[string]bool, len(current))
	for _, v := range current {
		have[v] = true
	}

	// ADD VALUE cannot be batched in one transaction, so each runs on its own.
	added := []string{}
	for _, v := range required {
		if have[v] {
			continue
		}
		result, err := p.exec(ctx, q, "add_enum_value", addEnumValueSQL(enumName, v))
		if err != nil {
			return added, err
		}
		have[v] = true
		if result == Created {
			added = append(added, v)
		}
	}

	for _, b := range backfills {
		// Comparing against a label the type never had is an error.
		if !have[b.From] || !have[b.To] {
			continue
		}
		if _, err := p.exec(ctx, q, "backfill_enum", backfillSQL(b), b.To, b.From); err != nil {
			return added, err
		}
	}

	if len(added) > 0 {
		p.logger.Info("extended enum", zap.String("enum", enumName), zap.Strings("values", added))
	}
	return added, nil
}

// databaseComment returns whether name exists and its database comment.
func databaseComment(ctx context.Context, q database.Querier, name string) (bool, string, error) {
	var comment string
	err := q.QueryRow(ctx, `
		SELECT COALESCE(shobj_description(oid, 'pg_database'), '')
		FROM pg_database WHERE datname = $1`, name).Scan(&comment)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check database %q: %w", name, apperrors.FromDB(err))
	}
	return true, comment, nil
}

func databaseExists(ctx context.Context, q database.Querier, name string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check database %q: %w", name, apperrors.FromDB(err))
	}
	return exists, nil
}

func baselineComplete(ctx context.Context, q database.Querier, table string) (bool, error) {
	var complete bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = 'public' AND c.relname = $1 AND c.relkind = 'r'
			  AND obj_description(c.oid, 'pg_class') = $2
		)`, table, BaselineMarker).Scan(&complete)
	if err != nil {
		return false, fmt.Errorf("failed to probe baseline marker on %q: %w", table, apperrors.FromDB(err))
	}
	return complete, nil
}

func columnNames(ctx context.Context, q database.Querier, table string) ([]string, error) {
	var names []string
	err := q.QueryRow(ctx, `
		SELECT COALESCE(array_agg(column_name::text), '{}')
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1`, table).Scan(&names)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %q: %w", table, apperrors.FromDB(err))
	}
	return names, nil
}

func enumLabels(ctx context.Context, q database.Querier, enumName string) ([]string, error) {
	var labels []string
	err := q.QueryRow(ctx, `
		SELECT COALESCE(array_agg(e.enumlabel::text ORDER BY e.enumsortorder), '{}')
		FROM pg_enum e
		JOIN pg_type t ON t.oid = e.enumtypid
		WHERE t.typname = $1`, enumName).Scan(&labels)
	if err != nil {
		return nil, fmt.Errorf("failed to read enum %q: %w", enumName, apperrors.FromDB(err))
	}
	return labels, nil
}
