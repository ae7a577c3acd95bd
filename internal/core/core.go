// Package core wires BufferedLink, Router, Resolver, AuthAgent, Registry,
// and ServerChannel together into the single context spec.md §9 asks for
// in place of the original's process-wide globals, and owns the
// connection acceptor.
//
// Grounded on ron/server.go's Listen/accept-loop shape (Listen returns
// once the socket is up; Accept runs in its own goroutine per connection).
package core

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/kofany/ircwars/internal/auth"
	"github.com/kofany/ircwars/internal/chantag"
	"github.com/kofany/ircwars/internal/ircdlog"
	"github.com/kofany/ircwars/internal/link"
	"github.com/kofany/ircwars/internal/registry"
	"github.com/kofany/ircwars/internal/resolver"
	"github.com/kofany/ircwars/internal/router"
	"github.com/kofany/ircwars/internal/servchan"
)

// Core is the process-wide context a single ircd instance is built from
// (spec.md §9). All of its fields are plain values wired once at startup.
// Outside Core the module keeps two pieces of package-level state: the
// ircdlog sinks and link's notice sink (which New installs via
// link.SetNotifier).
type Core struct {
	Config Config

	Reg      *registry.Registry
	Router   *router.Router
	Resolver *resolver.Resolver
	Servchan *servchan.Broadcaster
	Audit    *servchan.AuditWriter

	Pool    *link.Pool
	classes map[string]*link.Class

	IAuth *auth.IAuth

	// OnReady is invoked once a link has finished both DNS and ident/iauth
	// resolution and is ready for the (external) command dispatcher to take
	// over registration. It runs synchronously on the goroutine that settled
	// the last of the two: a DNS or ident worker, or the iauth event loop
	// started by AttachIAuth. Optional.
	OnReady func(l *link.Link)

	nextHandle int64
}

// New builds a Core from cfg. It opens the resolver's UDP socket and the
// audit log files; it does not yet listen for client connections (call
// ListenAndServe for that).
func New(cfg Config) (*Core, error) {
	reg := registry.New()
	rt := router.New(reg)

	c := &Core{
		Config:  cfg,
		Reg:     reg,
		Router:  rt,
		classes: make(map[string]*link.Class),
	}

	c.Servchan = servchan.New(reg, rt, cfg.ServerName, nil)
	c.Servchan.EnsureChannels()

	res, err := resolver.New(cfg.Nameservers, cfg.DNSCacheSize, c.notice)
	if err != nil {
		return nil, fmt.Errorf("core: start resolver: %w", err)
	}
	c.Resolver = res

	if cfg.UserAuditLogPath != "" && cfg.ConnAuditLogPath != "" {
		aw, err := servchan.NewAuditWriter(cfg.UserAuditLogPath, cfg.ConnAuditLogPath)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("core: open audit log: %w", err)
		}
		c.Audit = aw
	}

	c.Pool = link.NewPool(cfg.PoolSize, cfg.PoolHardLimit)
	for _, cc := range cfg.Classes {
		c.classes[cc.Name] = link.NewClass(cc.Name, cc.CapBytes, c.Pool)
	}

	link.SetNotifier(c.notice)

	return c, nil
}

func (c *Core) notice(tag, text string) {
	var t chantag.Tag
	for _, candidate := range chantag.All() {
		if string(candidate) == tag {
			t = candidate
			break
		}
	}
	if t == "" {
		t = chantag.Notices
	}
	ircdlog.Info("[%s] %s", tag, text)
	if c.Servchan != nil {
		c.Servchan.Post(t, text)
	}
}

func (c *Core) classFor(name string) *link.Class {
	if cls, ok := c.classes[name]; ok {
		return cls
	}
	return c.classes[c.Config.DefaultClass]
}

// AttachIAuth wires an external iauth helper's transport (a child
// process's stdin/stdout pipes in production, a net.Pipe/io.Pipe in
// tests) and starts consuming its response stream (spec.md §4.4).
func (c *Core) AttachIAuth(a *auth.IAuth) {
	c.IAuth = a
	go func() {
		for ev := range a.Run() {
			c.handleIAuthEvent(ev)
		}
	}()
}

func (c *Core) handleIAuthEvent(ev auth.Event) {
	l, ok := c.Reg.ByHandle(link.Handle(ev.Handle))
	if !ok {
		return
	}
	switch ev.Kind {
	case auth.EventConfirmed, auth.EventConfirmedUntrusted:
		l.Identity.User = ev.Username
		l.SetFlag(link.FlagGotIdent)
		l.ClearFlag(link.FlagDoingAuth)
	case auth.EventKill:
		l.MarkDead(link.ExitARef)
	case auth.EventDone:
		l.ClearFlag(link.FlagExternalAuth)
		l.ClearFlag(link.FlagDoingAuth)
	}
	c.maybeReady(l)
}

// nextConnHandle hands out a monotonically increasing small-integer
// handle, standing in for the original's raw file descriptor (spec.md §9
// "arena of Links with stable small integer handles").
func (c *Core) nextConnHandle() link.Handle {
	return link.Handle(atomic.AddInt64(&c.nextHandle, 1))
}

// ListenAndServe opens the TCP listener with SO_REUSEADDR set on the
// socket before bind (SPEC_FULL.md §3 DOMAIN STACK, golang.org/x/sys/unix),
// wraps it in a netutil.LimitListener to bound concurrently open accepted
// connections (a slot is freed when a connection closes, not when it
// registers), and accepts in a background goroutine (grounded on
// ron/server.go's Listen: return once the socket is up, Accept in its own
// goroutine per connection).
func (c *Core) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", c.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("core: listen on %s: %w", c.Config.ListenAddr, err)
	}

	var accepting net.Listener = ln
	if c.Config.MaxUnregistered > 0 {
		accepting = netutil.LimitListener(ln, c.Config.MaxUnregistered)
	}

	go c.acceptLoop(ctx, accepting)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return nil
}

func (c *Core) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				ircdlog.Error("core: accept: %v", err)
				return
			}
		}
		setNoDelay(conn)
		go c.handleConn(ctx, conn)
	}
}

// setReuseAddr is a net.ListenConfig.Control callback setting SO_REUSEADDR
// before bind.
func setReuseAddr(_, _ string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// setNoDelay sets TCP_NODELAY on an accepted socket via its raw fd
// (SPEC_FULL.md §3: x/sys/unix on listening AND accepted sockets).
func setNoDelay(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return
	}
	rc.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

// handleConn registers a new inbound connection and kicks off its DNS and
// ident/iauth resolution concurrently, calling OnReady once both have
// settled (spec.md §2 "AuthAgent and Resolver ... inform the Registry when
// a link has acquired both a verified hostname and an ident string, at
// which point the link transitions to REGISTERED").
func (c *Core) handleConn(ctx context.Context, conn net.Conn) {
	handle := c.nextConnHandle()
	cls := c.classFor(c.Config.DefaultClass)
	l := link.New(handle, conn, link.RoleClient, cls)
	l.Identity.ServerName = c.Config.ServerName
	c.Reg.Register(l)

	l.SetFlag(link.FlagDoingDNS)
	if c.IAuth != nil {
		l.SetFlag(link.FlagDoingAuth | link.FlagExternalAuth)
	} else {
		l.SetFlag(link.FlagDoingAuth)
	}

	go c.resolveDNS(ctx, l)
	go c.resolveAuth(ctx, l)
}

func (c *Core) resolveDNS(ctx context.Context, l *link.Link) {
	defer func() {
		l.ClearFlag(link.FlagDoingDNS)
		c.maybeReady(l)
	}()

	tcpAddr, ok := l.PeerAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	res, err := c.Resolver.LookupAddr(ctx, tcpAddr.IP.String())
	if err != nil {
		// proceeds on raw IP, matching spec.md §4.3/§5 forward-confirmation
		// failure behavior: the hostname simply stays unresolved. Tell any
		// attached iauth helper DNS has given up (spec.md §4.4 "fd d").
		c.NotifyDNSGiveUp(l)
		return
	}
	l.Identity.Host = res.Name
}

func (c *Core) resolveAuth(ctx context.Context, l *link.Link) {
	tcpAddr, ok := l.PeerAddr().(*net.TCPAddr)
	if !ok {
		l.ClearFlag(link.FlagDoingAuth)
		c.maybeReady(l)
		return
	}

	if c.IAuth != nil {
		localAddr, _ := l.Conn().LocalAddr().(*net.TCPAddr)
		if localAddr == nil {
			localAddr = &net.TCPAddr{}
		}
		c.IAuth.RequestConnect(int(l.Handle), tcpAddr.IP, tcpAddr.Port, localAddr.IP, localAddr.Port)
		return // resolution completes asynchronously via handleIAuthEvent
	}

	defer func() {
		l.ClearFlag(link.FlagDoingAuth)
		c.maybeReady(l)
	}()

	localAddr, _ := l.Conn().LocalAddr().(*net.TCPAddr)
	if localAddr == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.Config.identTimeout())
	defer cancel()

	res, err := auth.ProbeIdent(probeCtx, localAddr, tcpAddr, c.Config.IdentMaxUserLen)
	if err != nil {
		return
	}
	l.Identity.User = res.Username
	if res.Confirmed {
		l.SetFlag(link.FlagGotIdent)
	}
}

// maybeReady invokes OnReady exactly once DNS and auth have both settled.
func (c *Core) maybeReady(l *link.Link) {
	if l.IsDead() {
		return
	}
	if l.HasFlag(link.FlagDoingDNS) || l.HasFlag(link.FlagDoingAuth) {
		return
	}
	if c.OnReady != nil {
		c.OnReady(l)
	}
}

// NotifyDNSGiveUp tells an attached iauth helper that DNS resolution for l
// has given up (spec.md §4.4 "fd d", issued when DNS has given up").
func (c *Core) NotifyDNSGiveUp(l *link.Link) {
	if c.IAuth != nil {
		c.IAuth.RequestDNSGiveUp(int(l.Handle))
	}
}

// Shutdown cancels every in-flight DNS query and closes the resolver and
// audit log.
func (c *Core) Shutdown() {
	c.Resolver.CancelAll()
	c.Resolver.Close()
	if c.Audit != nil {
		c.Audit.Close()
	}
}
