package resolver

import "strings"

// badHostname reports whether name contains a character the original
// rejects outright: '*', '?', ':', whitespace, or BEL (spec.md §8 boundary
// behaviors, original_source/ircd/res.c bad_hostname()). A rejected name is
// failed, never cached.
func badHostname(name string) bool {
	if name == "" {
		return true
	}
	return strings.ContainsAny(name, "*?: \t\r\n\x07")
}
