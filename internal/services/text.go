package services

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxTextLength = 500

// plainText strips markup from a free-text field and stores it unescaped.
// The result is valid UTF-8 of at most maxTextLength bytes, cut on a rune
// boundary.
func plainText(policy *bluemonday.Policy, value string) string {
	cleaned := strings.ToValidUTF8(value, "")
	if policy != nil {
		cleaned = html.UnescapeString(policy.Sanitize(cleaned))
	}
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) <= maxTextLength {
		return cleaned
	}
	cut := maxTextLength
	for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
		cut--
	}
	return strings.TrimSpace(cleaned[:cut])
}
