// Command ircd boots a Core (listener, resolver, ident/iauth orchestration)
// and runs until interrupted. Command dispatch/registration is out of
// scope for this binary (spec.md §1/§2) — it exists to prove Core's
// wiring end to end, logging each link as it clears DNS and auth.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kofany/ircwars/internal/core"
	"github.com/kofany/ircwars/internal/ircdlog"
	"github.com/kofany/ircwars/internal/link"
)

var (
	fListen          = flag.String("listen", ":6667", "address to listen on")
	fServerName      = flag.String("server-name", "irc.example.net", "server name used in replies and audit notices")
	fNameservers     = flag.String("nameservers", "", "comma-separated host:port nameserver list")
	fDNSCacheSize    = flag.Int("dns-cache-size", 1024, "resolver cache entry capacity")
	fMaxUnregistered = flag.Int("max-unregistered", 100, "cap on concurrently open client connections, 0 for no cap")
	fIdentMaxUserLen = flag.Int("ident-max-user-len", 10, "max ident username length accepted from a peer")
	fIdentTimeout    = flag.Duration("ident-timeout", 4*time.Second, "RFC 1413 ident probe timeout")
	fPoolSize        = flag.Int("poolsize", 8<<20, "starting aggregate SendQ pool size in bytes")
	fPoolHardLimit   = flag.Int("pool-hard-limit", 0, "hard ceiling on aggregate SendQ allocation, 0 for unbounded")
	fDefaultClass    = flag.String("default-class", "default", "SendQ class new connections draw from")
	fClassCap        = flag.Int("class-cap", 160<<10, "starting SendQ cap in bytes for the default class")
	fUserAuditLog    = flag.String("user-audit-log", "", "path to the per-user audit log, empty to disable")
	fConnAuditLog    = flag.String("conn-audit-log", "", "path to the per-connection audit log, empty to disable")
	fLogLevel        = flag.String("level", "info", "log level: debug, info, warn, error")
	fLogFile         = flag.String("logfile", "", "also log to this file")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	setupLogging()

	cfg := core.Config{
		ListenAddr:       *fListen,
		MaxUnregistered:  *fMaxUnregistered,
		ServerName:       *fServerName,
		Nameservers:      splitNonEmpty(*fNameservers),
		DNSCacheSize:     *fDNSCacheSize,
		IdentMaxUserLen:  *fIdentMaxUserLen,
		IdentTimeout:     *fIdentTimeout,
		Classes:          []core.ClassConfig{{Name: *fDefaultClass, CapBytes: *fClassCap}},
		DefaultClass:     *fDefaultClass,
		PoolSize:         *fPoolSize,
		PoolHardLimit:    *fPoolHardLimit,
		UserAuditLogPath: *fUserAuditLog,
		ConnAuditLogPath: *fConnAuditLog,
	}

	if len(cfg.Nameservers) == 0 {
		ircdlog.Fatal("at least one -nameservers entry is required")
	}

	c, err := core.New(cfg)
	if err != nil {
		ircdlog.Fatal("unable to create core: %v", err)
	}

	c.OnReady = func(l *link.Link) {
		ircdlog.Info("link %d ready: user=%q host=%q sockhost=%s",
			l.Handle, l.Identity.User, l.Identity.Host, l.Identity.SockHost)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		ircdlog.Info("caught signal, tearing down")
		cancel()
		c.Shutdown()
		os.Exit(0)
	}()

	if err := c.ListenAndServe(ctx); err != nil {
		ircdlog.Fatal("listen: %v", err)
	}

	ircdlog.Info("listening on %s (server-name=%s)", cfg.ListenAddr, cfg.ServerName)
	<-ctx.Done()
}

func setupLogging() {
	ircdlog.AddLogger("stderr", os.Stderr, parseLevel(*fLogLevel))
	if *fLogFile != "" {
		f, err := os.OpenFile(*fLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ircd: open logfile: %v\n", err)
			os.Exit(1)
		}
		ircdlog.AddLogger("file", f, parseLevel(*fLogLevel))
	}
}

func parseLevel(s string) int {
	switch strings.ToLower(s) {
	case "debug":
		return ircdlog.DEBUG
	case "warn":
		return ircdlog.WARN
	case "error":
		return ircdlog.ERROR
	default:
		return ircdlog.INFO
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
