package models

import (
	"time"

	"github.com/google/uuid"
)

// Realm identifies which identity store authenticated a principal.
type Realm string

const (
	RealmPlatform Realm = "platform"
	RealmTenant   Realm = "tenant"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Realm  Realm  `json:"realm"`
	// HomeTenantID is the tenant the principal belongs to. Nil for platform
	// operators that are not bound to a tenant.
	HomeTenantID *uuid.UUID `json:"home_tenant_id,omitempty"`
	// Tenant is the tenant resolved for this request, if any.
	Tenant *Tenant `json:"-"`
}

// IsSuperAdmin reports whether the principal bypasses tenant scoping.
func (p *Principal) IsSuperAdmin() bool {
	return p.Realm == RealmPlatform && p.Role == RoleSuperAdmin
}

// PlatformUser is an operator account stored in the platform database.
type PlatformUser struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TenantUser is a row of a tenant database's "user" table.
type TenantUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Banned bool   `json:"banned"`
}

// Session is a resolved, unexpired session in either realm.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}
