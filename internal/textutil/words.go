// Package textutil provides small text helpers shared by the classifier and
// the chat turn controller.
package textutil

import "strings"

// FirstWords returns the first n whitespace-separated words of s joined by
// single spaces. Fewer than n words returns all of them.
func FirstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// WordCount returns the number of whitespace-separated words in s
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// TruncateRunes limits s to at most n runes, appending an ellipsis when the
// input was longer
func TruncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
