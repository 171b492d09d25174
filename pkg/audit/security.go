// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a free-text input.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventAuthRejected is logged for every rejected request with the internal reason.
	EventAuthRejected SecurityEventType = "auth_rejected"
	// EventCrossTenantAttempt is logged when a principal targets another tenant.
	EventCrossTenantAttempt SecurityEventType = "cross_tenant_attempt"
	// EventTenantLifecycle is logged for tenant create, deactivate, activate and delete.
	EventTenantLifecycle SecurityEventType = "tenant_lifecycle"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  SecurityEventType `json:"event_type"`
	TenantSlug string            `json:"tenant_slug,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	Details    any               `json:"details"`
	Severity   string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails contains specifics of a detected SQL injection attempt.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
	Operation   string `json:"operation"`
}

// RejectionDetails carries the reason a request was refused. The reason is
// never sent to the client.
type RejectionDetails struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
	Path   string `json:"path"`
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

func (a *SecurityAuditor) emit(level func(string, ...zap.Field), msg string, event SecurityEvent, fields ...zap.Field) {
	event.Timestamp = time.Now().UTC()

	// Marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	level(msg, append([]zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("tenant_slug", event.TenantSlug),
		zap.String("user_id", event.UserID),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	}, fields...)...)
}

// LogInjectionAttempt records a free-text input that looks like SQL injection.
// Inputs are always bound as parameters; this exists to surface probing.
func (a *SecurityAuditor) LogInjectionAttempt(tenantSlug, userID, clientIP string, details SQLInjectionDetails) {
	a.emit(a.logger.Error, "SQL injection attempt detected", SecurityEvent{
		EventType:  EventSQLInjectionAttempt,
		TenantSlug: tenantSlug,
		UserID:     userID,
		ClientIP:   clientIP,
		Details:    details,
		Severity:   "critical",
	},
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
	)
}

// LogRejection records a refused request. Cross-tenant attempts are raised
// to critical.
func (a *SecurityAuditor) LogRejection(tenantSlug, userID, clientIP string, details RejectionDetails, crossTenant bool) {
	event := SecurityEvent{
		EventType:  EventAuthRejected,
		TenantSlug: tenantSlug,
		UserID:     userID,
		ClientIP:   clientIP,
		Details:    details,
		Severity:   "warning",
	}
	level := a.logger.Warn
	if crossTenant {
		event.EventType = EventCrossTenantAttempt
		event.Severity = "critical"
		level = a.logger.Error
	}
	a.emit(level, "Request rejected", event,
		zap.String("state", details.State),
		zap.String("reason", details.Reason),
		zap.String("path", details.Path),
	)
}

// LogTenantLifecycle records an administrative change to a tenant.
func (a *SecurityAuditor) LogTenantLifecycle(tenantSlug, userID, action string) {
	a.emit(a.logger.Info, "Tenant lifecycle change", SecurityEvent{
		EventType:  EventTenantLifecycle,
		TenantSlug: tenantSlug,
		UserID:     userID,
		Details:    map[string]string{"action": action},
		Severity:   "info",
	}, zap.String("action", action))
}
