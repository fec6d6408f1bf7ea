package order

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a cast name to NFKC and collapses whitespace.
//
// Staff type names on different devices; full-width "Ａｉ" and "Ai", or
// half-width katakana, must land on the same cast for attribution.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = NormalizeName(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// optionalNames is normalizeNames for omitempty lists: empty becomes nil.
func optionalNames(names []string) []string {
	out := normalizeNames(names)
	if len(out) == 0 {
		return nil
	}
	return out
}
