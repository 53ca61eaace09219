// Package logutil keeps remote-controlled text safe to print on a single
// log line. Remote file names and raw channel output reach our log sinks
// verbatim; a crafted name containing newlines could otherwise forge log
// records.
package logutil

import "strings"

// Sanitize replaces newlines, carriage returns and tabs with spaces and
// drops every other control character below ASCII space.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to at most n bytes, appending "..." when it cut
// anything. Used for stderr and command-output excerpts in error messages.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
