package util

import (
	"regexp"
	"strings"
)

var (
	controlCharPattern = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
	htmlEntityPattern  = regexp.MustCompile(`&[^;\s]+;`)
)

// SanitizeInput strips null bytes, control characters, HTML tags and
// leftover HTML entities, then trims whitespace. Used on every
// caller-supplied string before it reaches the store or the audit trail.
func SanitizeInput(s string) string {
	s = controlCharPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = htmlEntityPattern.ReplaceAllString(s, "")
	return s
}

// ContainsSuspicious flags strings carrying script-injection markers.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload", "javascript:"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
