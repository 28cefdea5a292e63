package shared

import (
	"errors"
	"strings"
)

// ErrorChain renders err and every error it wraps, outermost first, one per
// line. Joined errors are expanded depth first.
func ErrorChain(err error) string {
	if err == nil {
		return ""
	}
	var lines []string
	var walk func(e error, depth int)
	walk = func(e error, depth int) {
		if e == nil {
			return
		}
		lines = append(lines, strings.Repeat("  ", depth)+Redact(e.Error()))
		switch x := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner, depth+1)
			}
		default:
			walk(errors.Unwrap(e), depth+1)
		}
	}
	walk(err, 0)
	return strings.Join(lines, "\n")
}
