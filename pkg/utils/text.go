// Package utils provides shared utilities for text, math, and logging.
package utils

// TruncateLeft keeps the last maxLen bytes of s, prefixing "..." when cut.
// Useful for long file paths where the tail is the informative part.
func TruncateLeft(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
