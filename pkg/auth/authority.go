// Package auth authenticates requests against the platform realm or the
// realm of the tenant addressed by the request, and enforces role and
// tenant-scoping policy.
package auth

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
)

// State is a step of the authorization state machine.
type State int

const (
	StateUnauthenticated State = iota
	StatePlatformAuthenticated
	StateTenantAuthenticated
	StateRoleChecked
	StateProceed
	StateRejected
)

var stateNames = [...]string{
	StateUnauthenticated:       "unauthenticated",
	StatePlatformAuthenticated: "platform_authenticated",
	StateTenantAuthenticated:   "tenant_authenticated",
	StateRoleChecked:           "role_checked",
	StateProceed:               "proceed",
	StateRejected:              "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s ends the state machine.
func (s State) Terminal() bool {
	return s == StateProceed || s == StateRejected
}

// Policy is what an endpoint requires of its caller.
type Policy struct {
	// Roles is the set of accepted roles. Empty accepts any authenticated caller.
	Roles []string
	// TenantScoped requires the caller's home tenant to equal the request
	// tenant. Superadmins are exempt.
	TenantScoped bool
	// PathParam names the URL parameter carrying the request tenant ID.
	// When unset or absent, the host tenant is the request tenant.
	PathParam string
}

// Request is the input of one authorization.
type Request struct {
	Token string
	// TenantSlug is the host tenant, empty for the platform realm.
	TenantSlug string
	// PathTenantID is the tenant ID addressed by the URL, if any.
	PathTenantID string
	Policy       Policy
}

// Decision is the terminal outcome of Authorize.
type Decision struct {
	State     State
	Principal *models.Principal
	// Err is ErrUnauthenticated, ErrForbidden or ErrUpstreamUnavailable when rejected.
	Err error
	// Reason is internal and never shown to clients.
	Reason string
	// RejectedAt is the state in which the request was rejected.
	RejectedAt  State
	CrossTenant bool
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.State == StateProceed
}

// TenantFinder resolves active tenants by slug.
type TenantFinder interface {
	FindBySlug(ctx context.Context, slug string) (*models.Tenant, error)
}

// SessionResolver looks opaque session tokens up in either realm.
type SessionResolver interface {
	ResolvePlatform(ctx context.Context, token string) (*models.Principal, error)
	ResolveTenant(ctx context.Context, tenant *models.Tenant, token string) (*models.Principal, error)
}

// IdentityProvider is the tenant-scoped fallback consulted when a token is
// not a session of the tenant.
type IdentityProvider interface {
	Verify(ctx context.Context, token string, tenant *models.Tenant) (*models.Principal, error)
}

// DecisionRecorder receives one observation per decision. *metrics.Metrics satisfies it.
type DecisionRecorder interface {
	ObserveDecision(realm, state string)
}

type nopDecisionRecorder struct{}

func (nopDecisionRecorder) ObserveDecision(string, string) {}

// Authority runs the authorization state machine.
type Authority struct {
	tenants  TenantFinder
	sessions SessionResolver
	idp      IdentityProvider
	recorder DecisionRecorder
	logger   *zap.Logger
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithIdentityProvider enables the tenant identity provider fallback.
func WithIdentityProvider(idp IdentityProvider) AuthorityOption {
	return func(a *Authority) {
		a.idp = idp
	}
}

// WithDecisionRecorder records every decision.
func WithDecisionRecorder(r DecisionRecorder) AuthorityOption {
	return func(a *Authority) {
		if r != nil {
			a.recorder = r
		}
	}
}

// NewAuthority creates an Authority.
func NewAuthority(tenants TenantFinder, sessions SessionResolver, logger *zap.Logger, opts ...AuthorityOption) *Authority {
	a := &Authority{
		tenants:  tenants,
		sessions: sessions,
		recorder: nopDecisionRecorder{},
		logger:   logger.Named("authority"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize drives req from Unauthenticated to Proceed or Rejected.
func (a *Authority) Authorize(ctx context.Context, req Request) Decision {
	d := Decision{State: StateUnauthenticated}
	for !d.State.Terminal() {
		d = a.step(ctx, req, d)
	}

	realm := string(models.RealmPlatform)
	if req.TenantSlug != "" {
		realm = string(models.RealmTenant)
	}
	outcome := d.State.String()
	if d.State == StateRejected {
		outcome = apperrors.Code(d.Err)
		if errors.Is(d.Err, apperrors.ErrUpstreamUnavailable) {
			a.logger.Warn("authorization could not reach a credential store",
				zap.String("realm", realm),
				zap.String("tenant_slug", req.TenantSlug),
				zap.String("reason", d.Reason))
		}
	}
	a.recorder.ObserveDecision(realm, outcome)

	return d
}

func (a *Authority) step(ctx context.Context, req Request, d Decision) Decision {
	switch d.State {
	case StateUnauthenticated:
		return a.authenticate(ctx, req, d)
	case StatePlatformAuthenticated, StateTenantAuthenticated:
		return a.checkRole(req, d)
	case StateRoleChecked:
		return a.checkScope(req, d)
	default:
		return reject(d, apperrors.ErrUnauthenticated, "invalid state")
	}
}

func reject(d Decision, err error, reason string) Decision {
	d.RejectedAt = d.State
	d.State = StateRejected
	d.Err = err
	d.Reason = reason
	return d
}

// credentialError maps a lookup failure to a rejection, keeping upstream
// failures distinguishable from bad credentials.
func credentialError(d Decision, err error, reason string) Decision {
	if errors.Is(err, apperrors.ErrUpstreamUnavailable) {
		return reject(d, apperrors.ErrUpstreamUnavailable, reason+": "+err.Error())
	}
	if errors.Is(err, apperrors.ErrUnauthenticated) || errors.Is(err, apperrors.ErrNotFound) {
		return reject(d, apperrors.ErrUnauthenticated, reason)
	}
	return reject(d, apperrors.ErrUnauthenticated, reason+": "+err.Error())
}

func (a *Authority) authenticate(ctx context.Context, req Request, d Decision) Decision {
	if req.Token == "" {
		return reject(d, apperrors.ErrUnauthenticated, "no credentials")
	}

	if req.TenantSlug == "" {
		p, err := a.sessions.ResolvePlatform(ctx, req.Token)
		if err != nil {
			return credentialError(d, err, "platform session lookup failed")
		}
		d.Principal = p
		d.State = StatePlatformAuthenticated
		return d
	}

	tenant, err := a.tenants.FindBySlug(ctx, req.TenantSlug)
	if err != nil {
		if errors.Is(err, apperrors.ErrTenantDeactivated) {
			return reject(d, apperrors.ErrUnauthenticated, "tenant deactivated")
		}
		return credentialError(d, err, "tenant lookup failed")
	}

	p, err := a.sessions.ResolveTenant(ctx, tenant, req.Token)
	if err != nil && errors.Is(err, apperrors.ErrUnauthenticated) && a.idp != nil {
		p, err = a.idp.Verify(ctx, req.Token, tenant)
	}
	if err != nil {
		return credentialError(d, err, "tenant credential rejected")
	}

	p.Tenant = tenant
	d.Principal = p
	d.State = StateTenantAuthenticated
	return d
}

func (a *Authority) checkRole(req Request, d Decision) Decision {
	roles := req.Policy.Roles
	if len(roles) > 0 && !slices.Contains(roles, d.Principal.Role) {
		return reject(d, apperrors.ErrForbidden, "role "+d.Principal.Role+" not permitted")
	}
	d.State = StateRoleChecked
	return d
}

func (a *Authority) checkScope(req Request, d Decision) Decision {
	p := d.Principal
	if !req.Policy.TenantScoped || p.IsSuperAdmin() {
		d.State = StateProceed
		return d
	}

	target := req.PathTenantID
	if target == "" && p.Tenant != nil {
		target = p.Tenant.ID.String()
	}
	if target == "" {
		return reject(d, apperrors.ErrForbidden, "no request tenant")
	}
	if p.HomeTenantID == nil {
		return reject(d, apperrors.ErrForbidden, "principal has no home tenant")
	}
	if p.HomeTenantID.String() != target {
		d = reject(d, apperrors.ErrForbidden, "home tenant "+p.HomeTenantID.String()+" does not match "+target)
		d.CrossTenant = true
		return d
	}

	d.State = StateProceed
	return d
}
