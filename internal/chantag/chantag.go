// Package chantag names the fixed ServerChannel tags (spec.md §3
// "ServerChannel") so that any component needing to post a diagnostic can
// reference them without importing the servchan package itself (which
// would create an import cycle with link/router).
package chantag

type Tag string

const (
	Errors   Tag = "ERRORS"
	Notices  Tag = "NOTICES"
	Kills    Tag = "KILLS"
	Numerics Tag = "NUMERICS"
	Servers  Tag = "SERVERS"
	Hash     Tag = "HASH"
	Local    Tag = "LOCAL"
	Services Tag = "SERVICES"
	Debug    Tag = "DEBUG"
	Auth     Tag = "AUTH"
	Save     Tag = "SAVE"
	Wallops  Tag = "WALLOPS"
	Clients  Tag = "CLIENTS"
)

// All enumerates the fixed diagnostic channel set (spec.md §3), excluding
// the optional &CLIENTS channel.
func All() []Tag {
	return []Tag{Errors, Notices, Kills, Numerics, Servers, Hash, Local, Services, Debug, Auth, Save, Wallops}
}
