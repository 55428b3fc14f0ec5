package services

import (
	"regexp"
	"strings"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	markupRE     = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(?:\s[^<>]*)?/?>`)
	whitespaceRE = regexp.MustCompile(`[\s\x{00A0}]+`)

	ligatures = strings.NewReplacer(
		"ﬁ", "fi",
		"ﬂ", "fl",
		"ﬀ", "ff",
		"ﬃ", "ffi",
		"ﬄ", "ffl",
		"ﬆ", "st",
	)
	entities = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
)

// cleanMetadataText entfernt Inline-Markup (<i>, <sup>, ...) aus Provider-Texten,
// ersetzt Ligaturen, normalisiert nach NFC und fasst Whitespace zu einem Space zusammen.
func cleanMetadataText(s string) string {
	s = markupRE.ReplaceAllString(s, "")
	s = entities.Replace(s)
	s = ligatures.Replace(s)
	if normalized, _, err := transform.String(norm.NFC, s); err == nil {
		s = normalized
	}
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}
