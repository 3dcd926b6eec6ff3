package services

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

func TestPlainTextKeepsPunctuationUnescaped(t *testing.T) {
	policy := bluemonday.StrictPolicy()
	cases := map[string]string{
		"O'Brien":                         "O'Brien",
		"Kyiv, Smith & Sons store":        "Kyiv, Smith & Sons store",
		`"Quoted" <b>bold</b>`:            `"Quoted" bold`,
		"  вул. Шевченка 5 ":              "вул. Шевченка 5",
		"<script>alert(1)</script>Main 1": "Main 1",
	}
	for in, want := range cases {
		if got := plainText(policy, in); got != want {
			t.Fatalf("plainText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlainTextTruncatesOnRuneBoundary(t *testing.T) {
	got := plainText(bluemonday.StrictPolicy(), "a"+strings.Repeat("ж", 300))
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got %q", got)
	}
	if len(got) > maxTextLength {
		t.Fatalf("expected at most %d bytes, got %d", maxTextLength, len(got))
	}
	if want := "a" + strings.Repeat("ж", 249); got != want {
		t.Fatalf("expected 249 runes after prefix, got %d bytes", len(got))
	}
}

func TestPlainTextDropsInvalidBytes(t *testing.T) {
	got := plainText(bluemonday.StrictPolicy(), "Kyiv\xff\xfe branch")
	if got != "Kyiv branch" {
		t.Fatalf("unexpected %q", got)
	}
}
