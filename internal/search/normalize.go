package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// folder compares text case-insensitively after NFC normalization. A
// cases.Caser is stateful, so each search owns one.
type folder struct {
	caser cases.Caser
}

func newFolder() *folder {
	return &folder{caser: cases.Fold()}
}

func (f *folder) fold(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = f.caser.String(s)
	return collapseWhitespace(s)
}

// cleanTerm prepares a term for the index: NFC, trimmed, single-spaced
func cleanTerm(s string) string {
	return collapseWhitespace(norm.NFC.String(s))
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// words splits s on anything that is not a letter or digit
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
