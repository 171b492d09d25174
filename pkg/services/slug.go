package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/provisioning"
)

// maxSlugLength leaves room for a collision suffix inside a 63-byte DNS label.
const maxSlugLength = 56

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// IsValidSlug reports whether s is already in canonical slug form.
func IsValidSlug(s string) bool {
	return len(s) <= 63 && slugPattern.MatchString(s)
}

// Slugify turns a human-entered name into a URL-safe slug. Diacritics are
// stripped, characters outside [a-z0-9] are dropped, and runs of whitespace,
// '-' and '_' collapse to a single '-'.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(stripped) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == '_':
			pendingSep = true
		}
	}

	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	return slug
}

// DatabaseIdentifier derives the database name base for a slug.
func DatabaseIdentifier(slug string) (string, error) {
	name, err := provisioning.SanitizeIdentifier(strings.ReplaceAll(slug, "-", "_"))
	if err != nil {
		return "", err
	}
	if len(name) > maxSlugLength {
		name = strings.TrimRight(name[:maxSlugLength], "_")
	}
	return name, nil
}

// maxSuffixAttempts bounds the collision probe.
const maxSuffixAttempts = 1000

// firstFree returns base, or base+sep+N for the smallest N >= 1 that taken
// reports as free.
func firstFree(base, sep string, taken func(string) (bool, error)) (string, error) {
	candidate := base
	for i := 1; i <= maxSuffixAttempts; i++ {
		exists, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%s%d", base, sep, i)
	}
	return "", fmt.Errorf("%w: no free name for %q", apperrors.ErrConflict, base)
}
