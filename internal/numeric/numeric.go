// Package numeric holds the handful of numeric-reply shapes the core
// itself must format directly — unique-ID assignment and the m_dns
// diagnostic dump (spec.md §5 "only its shape matters"; the full RFC 2812
// catalogue is the command dispatcher's job, out of scope here).
//
// Grounded on original_source/ircd/s_err.c's numeric table. No other
// package of this module imports it.
package numeric

// Numeric identifiers carried by this package, per
// original_source/ircd/s_err.c.
const (
	YourID      = 42  // RPL_YOURID: ":%s 042 %s :Your unique ID is %s."
	SaveNick    = 43  // RPL_SAVENICK: nick collision forced a UID-based rename
	StatsDebug  = 249 // RPL_STATSDEBUG: free-form operator diagnostic line (m_dns)
	EndOfStats  = 219 // RPL_ENDOFSTATS: ":%s 219 %s %c :End of STATS report"
)

// formats maps each numeric to its wire-format string, `:%s <code> %s ...`
// with the first two %s filled in by the caller (server name, target nick).
var formats = map[int]string{
	YourID:     ":%s 042 %s :Your unique ID is %s.",
	SaveNick:   ":%s 043 %s :Nickname collision, forcing nick change to your unique ID.",
	StatsDebug: ":%s 249 %s :%s",
	EndOfStats: ":%s 219 %s %c :End of STATS report",
}

// Format returns the wire-format string for code, and whether it is known.
func Format(code int) (string, bool) {
	f, ok := formats[code]
	return f, ok
}
