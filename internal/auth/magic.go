package auth

import "strings"

// Bindings maps an allowed placeholder name to its substitution value for
// Substitute.
type Bindings map[string]string

// Substitute resolves "{{variable}}" placeholders in template against
// bindings, leaving unknown placeholders untouched. LOGIN and PLAIN run
// their username/password strings through this before base64-encoding
// them, so session variables (EHLO domain, remote address, ...) can be
// woven into static credentials.
func Substitute(template string, bindings Bindings) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : end])
		if val, ok := bindings[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
	return b.String()
}
