// Package models contains domain types for ekaya-tenancy.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is a customer organization with its own database.
type Tenant struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Slug         *string   `json:"slug,omitempty"`
	DatabaseName string    `json:"database_name"`
	// DatabaseURL carries credentials. It is never serialized.
	DatabaseURL   string     `json:"-"`
	Active        bool       `json:"active"`
	Plan          Plan       `json:"plan"`
	UnitLimit     int        `json:"unit_limit"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	City          *string    `json:"city,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SlugValue returns the slug or "" when the tenant has none.
func (t *Tenant) SlugValue() string {
	if t.Slug == nil {
		return ""
	}
	return *t.Slug
}

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// ValidPlans contains all valid plan values.
var ValidPlans = []Plan{PlanFree, PlanBasic, PlanPro, PlanEnterprise}

// IsValid checks if the plan is one of ValidPlans.
func (p Plan) IsValid() bool {
	for _, v := range ValidPlans {
		if v == p {
			return true
		}
	}
	return false
}

// CreateTenantRequest is the input for tenant creation. Slug is derived from
// Name when empty.
type CreateTenantRequest struct {
	Name          string     `json:"name"`
	Slug          string     `json:"slug,omitempty"`
	Plan          Plan       `json:"plan,omitempty"`
	UnitLimit     int        `json:"unit_limit,omitempty"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	City          *string    `json:"city,omitempty"`
}

// UpdateTenantRequest holds optional changes. Nil fields are left unchanged.
type UpdateTenantRequest struct {
	Name          *string    `json:"name,omitempty"`
	Slug          *string    `json:"slug,omitempty"`
	Plan          *Plan      `json:"plan,omitempty"`
	UnitLimit     *int       `json:"unit_limit,omitempty"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	City          *string    `json:"city,omitempty"`
}

// TenantFilter narrows List results. Zero values mean "any".
type TenantFilter struct {
	Search string
	Active *bool
	Plan   Plan
	City   string
}

// Page is an offset/limit window.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TenantList is one page of tenants plus the total matching the filter.
type TenantList struct {
	Items []*Tenant `json:"items"`
	Total int       `json:"total"`
}
