// Package registry is the process-wide index of active links, organized by
// handle, nickname, unique ID, and channel membership (spec.md §2.4, §4.5).
// It is the single authoritative source the Router iterates over.
package registry

import (
	"strings"
	"sync"

	"github.com/kofany/ircwars/internal/link"
)

// ChannelMode is a bitset of channel modes relevant to fan-out (spec.md §3).
type ChannelMode uint8

const (
	ModeQuiet ChannelMode = 1 << iota
	ModeAnonymous
)

// AnonymousIdentity is the canonical identity substituted for the real
// source on fan-out when a channel has ModeAnonymous (spec.md §4.1 "Prefix
// injection", §8 scenario 2).
var AnonymousIdentity = link.Identity{Nick: "anonymous", User: "anonymous", Host: "anonymous."}

// Member is one occupant of a Channel.
type Member struct {
	Link  *link.Link
	Voice bool
	Op    bool
}

// Channel holds membership and mode for one channel (spec.md §3).
type Channel struct {
	mu      sync.RWMutex
	Name    string
	Mode    ChannelMode
	Members map[link.Handle]*Member
}

// IsLocalOnly reports whether the channel name indicates a `&`-prefixed
// local-only scope, as opposed to a network-wide `#` channel.
func (c *Channel) IsLocalOnly() bool {
	return strings.HasPrefix(c.Name, "&")
}

// Mask returns the trailing `:mask` server-fan-out constraint on a
// network channel name, or "" if none is present (spec.md §3).
func (c *Channel) Mask() string {
	if i := strings.IndexByte(c.Name, ':'); i >= 0 && !c.IsLocalOnly() {
		return c.Name[i+1:]
	}
	return ""
}

// SnapshotMembers returns a point-in-time copy of the channel's member
// list, safe to range over without holding the channel's lock (used by
// Router's fan-out primitives).
func (c *Channel) SnapshotMembers() []*Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Member, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m)
	}
	return out
}

// HasMember reports whether h currently occupies the channel.
func (c *Channel) HasMember(h link.Handle) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.Members[h]
	return ok
}

// Registry is the Core's process-wide link/channel index (spec.md §9
// "treat process-wide globals as fields of a single Core context").
type Registry struct {
	mu sync.RWMutex

	byHandle map[link.Handle]*link.Link
	byNick   map[string]*link.Link
	byUID    map[string]*link.Link
	servers  map[link.Handle]*link.Link // fdas: server-link sublist

	highestHandle link.Handle

	channels map[string]*Channel

	// clientChannels indexes, for each client Link, which channels it
	// belongs to — needed by send_common_channels and by the SERVER-link
	// exit cascade to find every affected client quickly.
	clientChannels map[link.Handle]map[string]*Channel

	// introduced indexes, for a SERVER Link, every client it introduced —
	// spec.md §3 "killing a SERVER cascades to all clients whose
	// introducing peer is it".
	introduced map[link.Handle]map[link.Handle]*link.Link
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byHandle:       make(map[link.Handle]*link.Link),
		byNick:         make(map[string]*link.Link),
		byUID:          make(map[string]*link.Link),
		servers:        make(map[link.Handle]*link.Link),
		channels:       make(map[string]*Channel),
		clientChannels: make(map[link.Handle]map[string]*Channel),
		introduced:     make(map[link.Handle]map[link.Handle]*link.Link),
	}
}

// Register adds l to the fd/handle index (spec.md §3 "exactly one Link
// instance per active file descriptor; the Registry's fd→Link table is
// authoritative"), wires its dead-hook so the registry learns of its death
// and can cascade, and tracks highestHandle.
func (r *Registry) Register(l *link.Link) {
	r.mu.Lock()
	r.byHandle[l.Handle] = l
	if l.Role == link.RoleServer {
		r.servers[l.Handle] = l
		r.introduced[l.Handle] = make(map[link.Handle]*link.Link)
	}
	if l.Handle > r.highestHandle {
		r.highestHandle = l.Handle
	}
	if l.IntroducingPeer != nil {
		if set, ok := r.introduced[l.IntroducingPeer.Handle]; ok {
			set[l.Handle] = l
		}
	}
	r.mu.Unlock()

	l.SetDeadHook(r.onLinkDead)
}

// HighestHandle returns the maximum currently-registered handle, used by
// the send_common_channels heuristic (spec.md §4.2).
func (r *Registry) HighestHandle() link.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.highestHandle
}

// onLinkDead is invoked (from link.Link's dead hook, in its own goroutine)
// the moment a link transitions to DEAD. It removes the link from every
// index and, for a SERVER link, cascades death to everyone it introduced.
func (r *Registry) onLinkDead(l *link.Link, reason link.ExitCode) {
	var victims []*link.Link
	if l.Role == link.RoleServer {
		r.mu.RLock()
		victims = make([]*link.Link, 0, len(r.introduced[l.Handle]))
		for _, v := range r.introduced[l.Handle] {
			victims = append(victims, v)
		}
		r.mu.RUnlock()
	}

	r.remove(l)

	if l.Role == link.RoleServer {
		for _, v := range victims {
			// The cascade uses the same reason as the parent server's
			// exit, matching the original's split-notice semantics; callers
			// that want a distinct client-facing reason should kill clients
			// explicitly before killing the server link.
			v.MarkDead(reason)
		}
	}
}

func (r *Registry) remove(l *link.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byHandle, l.Handle)
	delete(r.servers, l.Handle)
	delete(r.introduced, l.Handle)
	if l.Identity.Nick != "" {
		if cur, ok := r.byNick[l.Identity.Nick]; ok && cur.Handle == l.Handle {
			delete(r.byNick, l.Identity.Nick)
		}
	}
	if l.Identity.UID != "" {
		delete(r.byUID, l.Identity.UID)
	}
	if l.IntroducingPeer != nil {
		if set, ok := r.introduced[l.IntroducingPeer.Handle]; ok {
			delete(set, l.Handle)
		}
	}

	for name, ch := range r.clientChannels[l.Handle] {
		ch.mu.Lock()
		delete(ch.Members, l.Handle)
		empty := len(ch.Members) == 0
		ch.mu.Unlock()
		if empty {
			delete(r.channels, name)
		}
	}
	delete(r.clientChannels, l.Handle)
}

// BindIdentity records a link's nickname/UID so lookups by name work. It
// should be called once a CLIENT/SERVER link registers those identifiers.
func (r *Registry) BindIdentity(l *link.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.Identity.Nick != "" {
		r.byNick[l.Identity.Nick] = l
	}
	if l.Identity.UID != "" {
		r.byUID[l.Identity.UID] = l
	}
}

// ByNick, ByUID, ByHandle are the direct-lookup primitives Router's
// single-target sends rely on.
func (r *Registry) ByNick(nick string) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byNick[nick]
	return l, ok
}

func (r *Registry) ByUID(uid string) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byUID[uid]
	return l, ok
}

func (r *Registry) ByHandle(h link.Handle) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byHandle[h]
	return l, ok
}

// Servers returns a snapshot of every locally connected SERVER link.
func (r *Registry) Servers() []*link.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*link.Link, 0, len(r.servers))
	for _, l := range r.servers {
		out = append(out, l)
	}
	return out
}

// AllLocal returns a snapshot of every registered link (the "local[fd]"
// table of spec.md §4.5).
func (r *Registry) AllLocal() []*link.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*link.Link, 0, len(r.byHandle))
	for _, l := range r.byHandle {
		out = append(out, l)
	}
	return out
}

// Channel returns (creating if create is true) the named channel.
func (r *Registry) Channel(name string, create bool) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok && create {
		ch = &Channel{Name: name, Members: make(map[link.Handle]*Member)}
		r.channels[name] = ch
		ok = true
	}
	return ch, ok
}

// Join adds l to channel name as a member, creating the channel if this is
// its first member (spec.md §3 "Channels are created on first JOIN").
func (r *Registry) Join(name string, l *link.Link) *Channel {
	ch, _ := r.Channel(name, true)

	ch.mu.Lock()
	ch.Members[l.Handle] = &Member{Link: l}
	ch.mu.Unlock()

	r.mu.Lock()
	if r.clientChannels[l.Handle] == nil {
		r.clientChannels[l.Handle] = make(map[string]*Channel)
	}
	r.clientChannels[l.Handle][name] = ch
	r.mu.Unlock()

	return ch
}

// Part removes l from channel name, destroying the channel if it was the
// last member (spec.md §3 "destroyed when their last member leaves").
func (r *Registry) Part(name string, l *link.Link) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	delete(ch.Members, l.Handle)
	empty := len(ch.Members) == 0
	ch.mu.Unlock()

	r.mu.Lock()
	if set, ok := r.clientChannels[l.Handle]; ok {
		delete(set, name)
	}
	if empty {
		delete(r.channels, name)
	}
	r.mu.Unlock()
}

// ChannelsOf returns a snapshot of every channel l currently belongs to.
func (r *Registry) ChannelsOf(l *link.Link) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.clientChannels[l.Handle]))
	for _, ch := range r.clientChannels[l.Handle] {
		out = append(out, ch)
	}
	return out
}
