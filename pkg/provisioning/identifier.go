package provisioning

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/logging"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1.
const maxIdentifierLength = 63

var (
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	disallowedRun     = regexp.MustCompile(`[^a-z0-9_]+`)
)

// IsValidIdentifier reports whether s can be used unquoted-safe as a
// database, table, column, type or enum label name.
func IsValidIdentifier(s string) bool {
	return len(s) <= maxIdentifierLength && identifierPattern.MatchString(s)
}

// SanitizeIdentifier turns arbitrary input into a valid PostgreSQL identifier.
// Runs of disallowed characters become a single underscore; a leading digit
// gets a "t_" prefix.
func SanitizeIdentifier(name string) (string, error) {
	s := disallowedRun.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "", fmt.Errorf("%w: identifier %q is empty after sanitizing", apperrors.ErrInvalidArgument, name)
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "t_" + s
	}
	if len(s) > maxIdentifierLength {
		s = strings.TrimRight(s[:maxIdentifierLength], "_")
	}
	return s, nil
}

// DeriveDatabaseURL returns masterURL pointed at database name. Credentials,
// host and query parameters are kept.
func DeriveDatabaseURL(masterURL, name string) (string, error) {
	u, err := url.Parse(masterURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid master URL %q", logging.SanitizeConnectionString(masterURL))
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// DatabaseNameFromURL returns the database segment of a URL-form connection string.
func DatabaseNameFromURL(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid database URL %q", logging.SanitizeConnectionString(databaseURL))
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
