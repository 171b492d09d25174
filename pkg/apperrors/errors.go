package apperrors

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrProvisioningFailure = errors.New("provisioning failure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrTenantDeactivated   = errors.New("tenant deactivated")
)

// Stable codes returned to clients. Order matters: the first match wins, so
// the more specific conditions are listed before the general ones.
var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrTenantDeactivated, "tenant_deactivated", http.StatusNotFound},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrConflict, "conflict", http.StatusConflict},
	{ErrInvalidArgument, "invalid_argument", http.StatusBadRequest},
	{ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrProvisioningFailure, "provisioning_failure", http.StatusInternalServerError},
	{ErrUpstreamUnavailable, "upstream_unavailable", http.StatusServiceUnavailable},
}

// Code returns the stable taxonomy code for err, or "internal_error".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// HTTPStatus returns the HTTP status that corresponds to err's taxonomy code.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// IsConnectionError reports whether err looks like a failure to reach the
// database rather than a failure of the statement itself.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P03: cannot_connect_now.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code == "57P03")
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// FromDB classifies a database error. Connection failures are marked as
// ErrUpstreamUnavailable; anything else is returned unchanged.
func FromDB(err error) error {
	if IsConnectionError(err) {
		return errors.Join(ErrUpstreamUnavailable, err)
	}
	return err
}
