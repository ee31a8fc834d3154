package voices

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxIDLength = 64
	fallbackID  = "voice"
	idSeparator = "-"
)

var (
	nonSlugRun = regexp.MustCompile(`[^a-z0-9]+`)
	validID    = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// Slugify derives a filesystem-safe id from a display name.
//
// Accents are folded ("Zoë" becomes "zoe"), every run of characters outside
// [a-z0-9] becomes a single dash, and the result is capped at 64 characters.
func Slugify(displayName string) string {
	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	folded, _, err := transform.String(folder, displayName)
	if err != nil {
		folded = displayName
	}

	slug := nonSlugRun.ReplaceAllString(strings.ToLower(folded), idSeparator)
	slug = strings.Trim(slug, idSeparator)

	if len(slug) > maxIDLength {
		slug = strings.TrimRight(slug[:maxIDLength], idSeparator)
	}

	if slug == "" {
		return fallbackID
	}

	return slug
}

// ValidID reports whether id has the shape Slugify produces.
func ValidID(id string) bool {
	return len(id) <= maxIDLength && validID.MatchString(id)
}

// withSuffix appends a numeric disambiguation suffix while keeping the id within bounds.
func withSuffix(base string, n int) string {
	suffix := idSeparator + strconv.Itoa(n)
	if len(base)+len(suffix) > maxIDLength {
		base = strings.TrimRight(base[:maxIDLength-len(suffix)], idSeparator)
	}

	return base + suffix
}
