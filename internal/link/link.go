// Package link implements BufferedLink: the per-socket object owning a
// link's inbound and outbound byte queues, its liveness flags, and the
// SendQ backpressure discipline described in spec.md §4.1.
package link

import (
	"net"
	"sync"
	"time"
)

// Role identifies what kind of peer a Link represents.
type Role int

const (
	RoleUnknown Role = iota
	RoleClient
	RoleServer
	RoleService
	RoleMe
)

// Flags is a bitset of lifecycle states, spec.md §3.
type Flags uint32

const (
	FlagDead Flags = 1 << iota
	FlagClosing
	FlagDoingDNS
	FlagDoingAuth
	FlagWriteAuthPending
	FlagGotIdent
	FlagExternalAuth
	FlagConnecting
	FlagHandshake
	FlagZip
	// FlagBurst marks the initial netjoin window during which a server
	// link's SendQ class cap may be auto-enlarged (spec.md §4.1, §9 glossary
	// "Burst"). Not itself enumerated among the C original's bit flags, but
	// required by the burst-expansion contract, so it's carried the same way
	// every other lifecycle bit is.
	FlagBurst
)

// Identity holds the optional identifying attributes of a Link.
type Identity struct {
	Nick     string
	User     string
	Host     string // user-declared or resolved hostname
	SockHost string // address as seen on the socket, always available
	UID      string // server-assigned unique ID, preferred over Nick for routing

	// ServerName is the name of the server this user is directly attached
	// to, used by send_mask's MaskServer matching (spec.md §4.2). For a
	// remotely introduced user this is redundant with
	// IntroducingPeer.Identity.Nick; it exists so a locally connected
	// client (IntroducingPeer == nil) still has a server name to match
	// against, since a SERVER link's own name already lives in its own
	// Identity.Nick.
	ServerName string
}

// Handle is a stable small-integer reference to a Link, standing in for
// the original's raw pointer/fd (spec.md §9 "arena of Links with stable
// small integer handles").
type Handle int

// Counters tracks per-link traffic and timing, used for the audit log
// (spec.md §4.5, §8 scenario 6).
type Counters struct {
	ConnectTime  time.Time
	LastActivity time.Time
	MsgsSent     int64
	MsgsRecv     int64
	BytesSent    int64
	BytesRecv    int64
}

// Link represents one TCP (or local-domain) endpoint, spec.md §3.
type Link struct {
	mu sync.Mutex

	Handle Handle
	Role   Role
	Flags  Flags

	Identity Identity

	conn     net.Conn
	peerAddr net.Addr

	in  *dbuf // inbound receive queue
	out *dbuf // outbound send queue

	// outbuf stages bytes ahead of compression when Flags&FlagZip is set
	// (spec.md §4.1 "Optional compression"). Nil unless ZIP is negotiated.
	outbuf *dbuf
	zip    *zipStage

	lastsq int // last observed outbound-queue length, in KB

	class *Class

	Counters Counters
	ExitCode ExitCode

	// IntroducingPeer is, for a routed client, the SERVER Link through
	// which it entered (spec.md §3 invariant). Nil for locally connected
	// links and for the introducing SERVER link itself.
	IntroducingPeer *Link

	// ConfigBlock identifies the configuration entry this link is using
	// (its SendQ class is the class field); out of scope to parse, but the
	// core needs somewhere to store the reference handed to it.
	ConfigBlock interface{}

	// ByUID names the local operator/link (by unique ID) that initiated an
	// outbound server connection, so a failed CONNECTING/HANDSHAKE link can
	// receive a courtesy notice (spec.md §4.1 "Flushing").
	ByUID string

	// Capabilities is the negotiated protocol-version bitmask for a SERVER
	// link (spec.md §4.2 "send to servers with/without a given capability
	// bit"), set once during handshake.
	Capabilities uint64

	deadHook func(l *Link, reason ExitCode)
}

// New creates a Link wrapping conn, with SendQ accounting drawn from cls.
func New(handle Handle, conn net.Conn, role Role, cls *Class) *Link {
	l := &Link{
		Handle: handle,
		Role:   role,
		conn:   conn,
		in:     newDbuf(),
		out:    newDbuf(),
		class:  cls,
	}
	if conn != nil {
		l.peerAddr = conn.RemoteAddr()
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			l.Identity.SockHost = tcp.IP.String()
		} else {
			l.Identity.SockHost = conn.RemoteAddr().String()
		}
	}
	l.Counters.ConnectTime = time.Now()
	l.Counters.LastActivity = l.Counters.ConnectTime
	return l
}

// SetDeadHook installs a callback invoked exactly once, the first time
// mark_dead fires on this link. The registry uses this to learn about a
// link's death without BufferedLink importing the registry.
func (l *Link) SetDeadHook(f func(l *Link, reason ExitCode)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadHook = f
}

// IsDead reports whether the link has been marked dead. DEAD is monotonic
// (spec.md §3 invariant): once true, always true.
func (l *Link) IsDead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Flags&FlagDead != 0
}

func (l *Link) hasFlag(f Flags) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Flags&f != 0
}

// HasFlag reports whether f is currently set. Exported for callers outside
// this package (e.g. the orchestration layer deciding when a link has
// finished both DNS and ident/iauth resolution).
func (l *Link) HasFlag(f Flags) bool {
	return l.hasFlag(f)
}

// SetFlag/ClearFlag mutate the lifecycle bitset under the link's lock.
func (l *Link) SetFlag(f Flags) {
	l.mu.Lock()
	l.Flags |= f
	l.mu.Unlock()
}

func (l *Link) ClearFlag(f Flags) {
	l.mu.Lock()
	l.Flags &^= f
	l.mu.Unlock()
}

// Conn exposes the underlying connection for the event loop's readiness
// notifications.
func (l *Link) Conn() net.Conn { return l.conn }

// PeerAddr returns the remote address captured at construction time.
func (l *Link) PeerAddr() net.Addr { return l.peerAddr }

// SendQLen returns the current outbound queue depth in bytes (observable
// to operators, spec.md §4.1).
func (l *Link) SendQLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.out.Len()
	if l.outbuf != nil {
		n += l.outbuf.Len()
	}
	return n
}

// Class returns the SendQ class this link draws its cap from.
func (l *Link) Class() *Class {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.class
}
