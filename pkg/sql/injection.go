package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on an input value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Name of the input that failed the check
	ParamValue  string // The value that was checked
}

// CheckParameterForInjection uses libinjection to detect SQL injection patterns
// in a free-text input such as a search term.
//
// Every value reaching the database is bound as a parameter, so a hit is never
// dangerous by itself. It is reported so that probing shows up in the
// security audit log.
//
// Returns nil if no injection is detected.
func CheckParameterForInjection(paramName, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}

	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		ParamName:   paramName,
		ParamValue:  value,
	}
}

// CheckAllParameters checks every value in params and returns the ones that
// look like injection attempts.
func CheckAllParameters(params map[string]string) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for name, value := range params {
		if result := CheckParameterForInjection(name, value); result != nil {
			results = append(results, result)
		}
	}
	return results
}
