package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var plainText = bluemonday.StrictPolicy()

// SanitizeText strips markup from user supplied text, collapses whitespace and truncates to max
// runes. A non-positive max disables truncation.
func SanitizeText(value string, max int) string {
	cleaned := html.UnescapeString(plainText.Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if max > 0 && utf8.RuneCountInString(cleaned) > max {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:max]))
	}
	return cleaned
}
