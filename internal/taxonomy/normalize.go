package taxonomy

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalize prepares a display name for comparison: NFC, lowercase, trimmed,
// internal whitespace collapsed to one space.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	// A Caser carries state and is not safe for concurrent use.
	s = cases.Lower(language.Und).String(s)
	return strings.Join(strings.Fields(s), " ")
}
