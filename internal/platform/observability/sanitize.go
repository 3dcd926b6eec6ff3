package observability

import (
	"strings"
	"unicode"
)

// clean drops control characters and truncates to limit runes.
func clean(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute keeps log route fields printable and bounded.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, 180)
}

func SanitizeMethod(method string) string {
	return clean(method, 10)
}

// SanitizeUserID bounds user identifiers written to logs.
func SanitizeUserID(uid string) string {
	return clean(uid, 64)
}
