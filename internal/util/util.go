// Package util holds small text helpers shared by the evidence packager,
// degradation limitations and report rendering.
package util

import "unicode"

// TruncateString shortens s to at most maxLen runes, ending in "..." when
// anything was cut. With preserveWords the cut moves back to the last
// whitespace before the limit, if there is one.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	cut := maxLen - 3
	if preserveWords {
		if i := lastSpace(runes, cut); i > 0 {
			cut = i
		}
	}
	return string(runes[:cut]) + "..."
}

func lastSpace(runes []rune, pos int) int {
	for i := pos; i >= 0; i-- {
		if i < len(runes) && unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
