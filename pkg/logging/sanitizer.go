package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// RedactedText is the replacement text for sensitive data
const RedactedText = "[REDACTED]"

var (
	// password=xxx, pwd=xxx, pass=xxx in keyword/value connection strings and DSN query params
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@ inside URLs embedded in free text (error messages)
	urlCredentialPattern = regexp.MustCompile(`://([^:/@\s]+):[^@\s]+@`)

	// Bearer tokens and session tokens that leak into error strings
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)
)

// SanitizeConnectionString removes the password from a connection string so
// it can be logged. URL-form strings keep user, host and database, which is
// what operators need to tell tenant pools apart.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	if strings.Contains(connStr, "://") {
		u, err := url.Parse(connStr)
		if err != nil {
			s := urlCredentialPattern.ReplaceAllString(connStr, "://${1}:"+RedactedText+"@")
			return passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
		}
		if u.User != nil {
			if _, hasPassword := u.User.Password(); hasPassword {
				u.User = url.UserPassword(u.User.Username(), RedactedText)
			}
		}
		// url.String escapes the brackets of the placeholder.
		s := strings.Replace(u.String(), url.QueryEscape(RedactedText), RedactedText, 1)
		return passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	}

	return passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging any error from database or identity-provider calls.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := err.Error()
	sanitized = urlCredentialPattern.ReplaceAllString(sanitized, "://${1}:"+RedactedText+"@")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	return sanitized
}
