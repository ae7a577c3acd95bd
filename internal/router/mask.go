package router

import "strings"

// matchMask reports whether subject matches an IRC-style glob mask: '*'
// matches any run of characters (including none), '?' matches exactly one,
// everything else matches literally and case-insensitively (spec.md §4.2
// send_mask). There is no escape character, matching the wire masks users
// type at the client.
func matchMask(mask, subject string) bool {
	if mask == "" {
		return subject == ""
	}
	return globMatch([]rune(strings.ToLower(mask)), []rune(strings.ToLower(subject)))
}

// globMatch is a standard two-pointer glob matcher (the '*' branch tries
// "consume nothing" before falling back to backtracking), used here instead
// of path/filepath.Match because that function is case-sensitive and treats
// '/' specially, neither of which fits a hostmask.
func globMatch(pattern, s []rune) bool {
	var pi, si, star, match int
	star = -1
	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]) {
			pi++
			si++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			star = pi
			match = si
			pi++
		} else if star != -1 {
			pi = star + 1
			match++
			si = match
		} else {
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
