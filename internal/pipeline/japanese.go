package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// NormalizeJapanese folds compatibility forms so that full-width ASCII and
// half-width katakana compare equal to their canonical widths.
func NormalizeJapanese(s string) string {
	return width.Fold.String(norm.NFKC.String(s))
}

// limitedCharsetWarnings reports every distinct character of text outside
// the allowed set. Both sides are normalized first; whitespace is ignored.
func limitedCharsetWarnings(text, allowed string) []string {
	if allowed == "" {
		return nil
	}
	set := make(map[rune]struct{})
	for _, r := range NormalizeJapanese(allowed) {
		set[r] = struct{}{}
	}
	bad := make(map[rune]struct{})
	for _, r := range NormalizeJapanese(text) {
		if unicode.IsSpace(r) {
			continue
		}
		if _, ok := set[r]; !ok {
			bad[r] = struct{}{}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	runes := make([]rune, 0, len(bad))
	for r := range bad {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	quoted := make([]string, len(runes))
	for i, r := range runes {
		quoted[i] = fmt.Sprintf("%q", r)
	}
	return []string{fmt.Sprintf("japanese: characters outside the limited character set: %s", strings.Join(quoted, ", "))}
}

// charTypeWarnings reports characters that fall outside a CharType mask.
func charTypeWarnings(text string, ct CharType) []string {
	if ct == 0 {
		return nil
	}
	var warnings []string
	seen := make(map[rune]bool)
	for _, r := range text {
		if unicode.IsSpace(r) || seen[r] {
			continue
		}
		if !ct.allows(r) {
			seen[r] = true
			warnings = append(warnings, fmt.Sprintf("character %q is not allowed by char type %s", r, strings.Join(ct.Names(), "+")))
		}
	}
	return warnings
}

func (c CharType) allows(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return c&CharDigits != 0
	case r >= 'A' && r <= 'Z':
		return c&CharUpper != 0
	case r >= 'a' && r <= 'z':
		return c&CharLower != 0
	case unicode.In(r, unicode.Hiragana, unicode.Katakana):
		return c&CharKana != 0
	case unicode.Is(unicode.Han, r):
		return c&CharKanji != 0
	case unicode.IsPunct(r) || unicode.IsSymbol(r):
		return c&CharSymbols != 0
	default:
		return false
	}
}
