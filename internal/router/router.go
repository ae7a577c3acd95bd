// Package router implements the multi-target message distribution
// primitives of spec.md §4.2: format once, deliver to the right set of
// BufferedLinks according to a target predicate.
package router

import (
	"fmt"

	"github.com/kofany/ircwars/internal/chantag"
	"github.com/kofany/ircwars/internal/link"
	"github.com/kofany/ircwars/internal/registry"
)

// commonChannelsThreshold is the heuristic cutover point for
// send_common_channels (spec.md §4.2): below it, scan the local link
// table; at or above it, use a visited-handle bitmap keyed by the user's
// channel list. Both strategies must produce identical output; the
// threshold only affects throughput.
const commonChannelsThreshold = 256

// MaskKind selects whether send_mask matches against server names or
// hostnames (spec.md §4.2).
type MaskKind int

const (
	MaskServer MaskKind = iota
	MaskHost
)

// Router distributes rendered messages to the Links selected by Registry.
type Router struct {
	Reg *registry.Registry
}

// New constructs a Router bound to reg.
func New(reg *registry.Registry) *Router {
	return &Router{Reg: reg}
}

// SendOne delivers to a single Link (spec.md §4.2 "used for direct
// replies"). Enqueue itself is already a no-op on a dead link.
func (rt *Router) SendOne(to *link.Link, format string, args ...interface{}) {
	if to == nil || to.IsDead() {
		return
	}
	to.Enqueue(link.RenderLine(format, args...))
}

// SendWithPrefix is SendOne plus the prefix-injection rule of spec.md
// §4.1, applied when to is a local client and from is a user.
func (rt *Router) SendWithPrefix(to, from *link.Link, format string, args ...interface{}) {
	if to == nil || to.IsDead() {
		return
	}
	r := newRenderer(from, false, format, args...)
	if to.Conn() != nil && to.Role == link.RoleClient {
		to.Enqueue(r.Injected())
		return
	}
	to.Enqueue(r.Bare())
}

// SendChannelExcept delivers to every member of ch except the member whose
// introducing peer equals origin's introducing peer — the source side is
// skipped exactly once (spec.md §4.2, §8 "from is never in R"). If the
// local client source is distinct from origin, it still receives an echo
// with prefix injection (spec.md §8 scenario 1).
func (rt *Router) SendChannelExcept(origin, from *link.Link, ch *registry.Channel, format string, args ...interface{}) {
	anon := ch.Mode&registry.ModeAnonymous != 0
	r := newRenderer(from, anon, format, args...)

	skipIntro := introducerOf(origin)
	notifiedPeers := make(map[link.Handle]bool)

	for _, m := range ch.SnapshotMembers() {
		l := m.Link
		if l == nil || l.IsDead() {
			continue
		}
		isEcho := from != nil && l.Handle == from.Handle && l.Conn() != nil && from != origin
		if introducerOf(l) == skipIntro && !isEcho {
			continue
		}

		if l.Conn() != nil {
			l.Enqueue(r.Injected())
			continue
		}

		// remote member: there is nothing to flush on l itself (it has no
		// local socket), so forward once through its introducing peer and
		// let that server fan out on its own side (spec.md §4.2).
		ip := l.IntroducingPeer
		if ip == nil || ip.IsDead() || notifiedPeers[ip.Handle] {
			continue
		}
		notifiedPeers[ip.Handle] = true
		ip.Enqueue(r.Bare())
	}
}

// SendChannelLocalOnly is SendChannelExcept restricted to locally connected
// members, honoring ModeQuiet (silent fan-out) with the one exception that
// a local source is still echoed to itself (spec.md §4.2).
func (rt *Router) SendChannelLocalOnly(ch *registry.Channel, from *link.Link, format string, args ...interface{}) {
	anon := ch.Mode&registry.ModeAnonymous != 0
	r := newRenderer(from, anon, format, args...)
	quiet := ch.Mode&registry.ModeQuiet != 0

	for _, m := range ch.SnapshotMembers() {
		l := m.Link
		if l == nil || l.IsDead() || l.Conn() == nil {
			continue
		}
		isSourceEcho := from != nil && l.Handle == from.Handle
		if quiet && !isSourceEcho {
			continue
		}
		l.Enqueue(r.Injected())
	}
}

// SendServersExcept delivers to every locally connected SERVER link except
// origin's introducing peer (spec.md §4.2).
func (rt *Router) SendServersExcept(origin *link.Link, format string, args ...interface{}) {
	r := newRenderer(nil, false, format, args...)
	skip := introducerOf(origin)
	for _, s := range rt.Reg.Servers() {
		if s.IsDead() || s.Conn() == nil {
			continue
		}
		if introducerOf(s) == skip && skip != nil {
			continue
		}
		if s == origin {
			continue
		}
		s.Enqueue(r.Bare())
	}
}

// CapabilityMask is the negotiated protocol-version bitmask carried by a
// server Link (spec.md §4.2 "negotiated protocol-version bitmask").
type CapabilityMask uint64

// SetCapability records the negotiated capability mask for a server link.
func SetCapability(l *link.Link, mask CapabilityMask) {
	l.Capabilities = uint64(mask)
}

func capabilityOf(l *link.Link) CapabilityMask {
	return CapabilityMask(l.Capabilities)
}

// SendServersWithCapability delivers to locally connected SERVER links
// (except origin) whose capability mask intersects want, returning true if
// at least one server was filtered out for lacking it (spec.md §4.2).
func (rt *Router) SendServersWithCapability(origin *link.Link, want CapabilityMask, format string, args ...interface{}) bool {
	r := newRenderer(nil, false, format, args...)
	var filtered bool
	for _, s := range rt.Reg.Servers() {
		if s.IsDead() || s.Conn() == nil || s == origin {
			continue
		}
		if capabilityOf(s)&want == 0 {
			filtered = true
			continue
		}
		s.Enqueue(r.Bare())
	}
	return filtered
}

// SendServersWithoutCapability is the complementary sweep used for the
// "old servers" half of a capability-split broadcast (spec.md §4.2).
func (rt *Router) SendServersWithoutCapability(origin *link.Link, want CapabilityMask, format string, args ...interface{}) bool {
	r := newRenderer(nil, false, format, args...)
	var filtered bool
	for _, s := range rt.Reg.Servers() {
		if s.IsDead() || s.Conn() == nil || s == origin {
			continue
		}
		if capabilityOf(s)&want != 0 {
			filtered = true
			continue
		}
		s.Enqueue(r.Bare())
	}
	return filtered
}

// SendCommonChannels delivers to every local peer sharing at least one
// non-quiet, non-anonymous channel with user (plus user itself if locally
// connected), exactly once per recipient regardless of shared-channel
// count (spec.md §4.2, §8). The implementation is selected by a
// heuristic on registry size; both strategies are required to agree.
func (rt *Router) SendCommonChannels(user *link.Link, format string, args ...interface{}) {
	r := newRenderer(nil, false, format, args...)
	var recipients []*link.Link
	if rt.Reg.HighestHandle() >= commonChannelsThreshold {
		recipients = rt.sendCommonChannelsBitmap(user)
	} else {
		recipients = rt.sendCommonChannelsScan(user)
	}
	for _, l := range recipients {
		l.Enqueue(r.Bare())
	}
}

// sendCommonChannelsScan iterates the local link table and, for each
// candidate, checks membership against the user's channel list.
func (rt *Router) sendCommonChannelsScan(user *link.Link) []*link.Link {
	userChannels := rt.Reg.ChannelsOf(user)
	seen := make(map[link.Handle]bool)
	var out []*link.Link

	for _, l := range rt.Reg.AllLocal() {
		if l.IsDead() || l.Conn() == nil {
			continue
		}
		if l.Handle == user.Handle {
			continue
		}
		if seen[l.Handle] {
			continue
		}
		for _, ch := range userChannels {
			if eligibleChannel(ch) && ch.HasMember(l.Handle) {
				seen[l.Handle] = true
				out = append(out, l)
				break
			}
		}
	}
	if user.Conn() != nil {
		out = append(out, user)
	}
	return out
}

// sendCommonChannelsBitmap iterates the user's channel list and uses a
// visited-handle set (standing in for the original's fd-indexed bitmap,
// spec.md §9 "sentalong") to suppress duplicates.
func (rt *Router) sendCommonChannelsBitmap(user *link.Link) []*link.Link {
	seen := make(map[link.Handle]bool)
	var out []*link.Link

	for _, ch := range rt.Reg.ChannelsOf(user) {
		if !eligibleChannel(ch) {
			continue
		}
		for _, m := range ch.SnapshotMembers() {
			l := m.Link
			if l == nil || l.IsDead() || l.Conn() == nil || l.Handle == user.Handle {
				continue
			}
			if seen[l.Handle] {
				continue
			}
			seen[l.Handle] = true
			out = append(out, l)
		}
	}
	if user.Conn() != nil {
		out = append(out, user)
	}
	return out
}

func eligibleChannel(ch *registry.Channel) bool {
	return ch.Mode&(registry.ModeQuiet|registry.ModeAnonymous) == 0
}

// serverNameOf returns the name of the server a client Link is attached
// to, for send_mask's MaskServer matching (original `match_it()`'s
// `MATCH_SERVER: match(mask, one->user->server)`): the introducing SERVER
// link's own name for a routed-in user, or the client's own recorded
// ServerName when it is connected directly to this server.
func serverNameOf(l *link.Link) string {
	if l.IntroducingPeer != nil {
		return l.IntroducingPeer.Identity.Nick
	}
	return l.Identity.ServerName
}

// SendMask delivers to every local registered user whose server name
// (what=MaskServer) or hostname (what=MaskHost) matches mask, excluding
// origin. Remote delivery sweeps server links once per server that has at
// least one matching user behind it (spec.md §4.2).
func (rt *Router) SendMask(origin, from *link.Link, mask string, what MaskKind, format string, args ...interface{}) {
	r := newRenderer(from, false, format, args...)

	serversNotified := make(map[link.Handle]bool)

	for _, l := range rt.Reg.AllLocal() {
		if l.IsDead() || l == origin {
			continue
		}
		if l.Role != link.RoleClient {
			continue
		}
		var subject string
		if what == MaskHost {
			subject = l.Identity.Host
		} else {
			subject = serverNameOf(l)
		}
		if !matchMask(mask, subject) {
			continue
		}
		if l.Conn() != nil {
			l.Enqueue(r.Injected())
			continue
		}
		// remote user: notify its introducing server once, letting that
		// server fan out locally on its own side.
		if ip := l.IntroducingPeer; ip != nil && !serversNotified[ip.Handle] {
			serversNotified[ip.Handle] = true
			ip.Enqueue(r.Bare())
		}
	}
}

// BroadcastToOps sends text as a WALLOPS to every remote server except
// origin and posts the same text to the local &WALLOPS channel (spec.md
// §4.2). postLocal is supplied by the embedder (servchan.Post) to avoid an
// import cycle between router and servchan.
func (rt *Router) BroadcastToOps(origin *link.Link, fromName, text string, postLocal func(tag, text string)) {
	rt.SendServersExcept(origin, "WALLOPS :%s", text)
	if postLocal != nil {
		postLocal(string(chantag.Wallops), fmt.Sprintf("%s: %s", fromName, text))
	}
}

// introducerOf returns the Link that identifies l's routing side: its
// IntroducingPeer if it has one, else l itself. Two links
// sharing an introducer are "on the same side" for exclusion purposes
// (spec.md §4.2 "except the Link whose introducing peer equals origin's
// introducing peer").
func introducerOf(l *link.Link) *link.Link {
	if l == nil {
		return nil
	}
	if l.IntroducingPeer != nil {
		return l.IntroducingPeer
	}
	return l
}
