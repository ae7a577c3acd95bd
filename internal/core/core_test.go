package core

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kofany/ircwars/internal/auth"
	"github.com/kofany/ircwars/internal/link"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ListenAddr:       "127.0.0.1:0",
		MaxUnregistered:  8,
		ServerName:       "test.ircwars",
		Nameservers:      []string{"127.0.0.1:1"}, // nothing listens; DNS always fails fast under a short ctx
		DNSCacheSize:     64,
		IdentMaxUserLen:  10,
		IdentTimeout:     200 * time.Millisecond,
		Classes:          []ClassConfig{{Name: "default", CapBytes: 1 << 20}},
		DefaultClass:     "default",
		PoolSize:         1 << 22,
	}
}

func TestNewWiresAllComponents(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)
	defer c.Shutdown()

	require.NotNil(t, c.Reg)
	require.NotNil(t, c.Router)
	require.NotNil(t, c.Resolver)
	require.NotNil(t, c.Servchan)
	require.NotNil(t, c.Pool)
	require.NotNil(t, c.classFor("default"))
}

func TestClassForFallsBackToDefault(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)
	defer c.Shutdown()

	require.Equal(t, c.classes["default"], c.classFor("nonexistent"))
}

// TestListenAndServeOnFixedPort exercises the full accept path against a
// real loopback listener: a client dials in, the acceptor sets
// SO_REUSEADDR/TCP_NODELAY and registers a Link, and both the DNS lookup
// (against an unreachable nameserver) and the ident probe (against a
// closed port 113) fail quickly, clearing their Doing flags and firing
// OnReady exactly once.
func TestListenAndServeOnFixedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t)
	cfg.ListenAddr = addr

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	var mu sync.Mutex
	var gotReady *link.Link
	readyCh := make(chan struct{}, 1)
	c.OnReady = func(l *link.Link) {
		mu.Lock()
		gotReady = l
		mu.Unlock()
		select {
		case readyCh <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	require.NoError(t, c.ListenAndServe(ctx))

	// give the listener a moment to actually be accepting.
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady was never called")
	}

	mu.Lock()
	l := gotReady
	mu.Unlock()
	require.NotNil(t, l)
	require.False(t, l.HasFlag(link.FlagDoingDNS))
	require.False(t, l.HasFlag(link.FlagDoingAuth))
}

// TestAttachIAuthConfirmedTriggersReadyAfterDNS drives the iauth event path
// directly: a link is registered by hand with FlagDoingDNS already clear so
// only the iauth confirmation gates readiness.
func TestAttachIAuthConfirmedTriggersReadyAfterDNS(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	server, client := net.Pipe()
	defer client.Close()

	// drain whatever IAuth writes to the helper side (the request lines),
	// since net.Pipe is unbuffered and synchronous.
	go io.Copy(io.Discard, client)

	a := auth.NewIAuth(server, func(string, string) {})
	c.AttachIAuth(a)

	l := link.New(1, nil, link.RoleClient, c.classFor("default"))
	l.SetFlag(link.FlagDoingAuth | link.FlagExternalAuth)
	c.Reg.Register(l)

	readyCh := make(chan struct{}, 1)
	c.OnReady = func(got *link.Link) {
		if got.Handle == l.Handle {
			readyCh <- struct{}{}
		}
	}

	require.NoError(t, a.RequestConnect(int(l.Handle), net.IPv4zero, 0, net.IPv4zero, 0))

	go func() {
		client.Write([]byte("U 1 0.0.0.0 0 alice\n"))
	}()

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("OnReady was never called after iauth confirmation")
	}

	require.Equal(t, "alice", l.Identity.User)
	require.True(t, l.HasFlag(link.FlagGotIdent))
}

// TestResolveDNSNotifiesIAuthOnFailure drives a real accepted connection
// whose DNS lookup can never succeed (testConfig's nameserver is
// unreachable) and checks that the attached iauth helper receives the "fd
// d" DNS-gave-up request (spec.md §4.4), not just a silently unresolved
// hostname.
func TestResolveDNSNotifiesIAuthOnFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t)
	cfg.ListenAddr = addr

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	server, client := net.Pipe()
	defer client.Close()

	var mu sync.Mutex
	var lines []string
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				mu.Lock()
				lines = append(lines, string(buf[:n]))
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	a := auth.NewIAuth(server, func(string, string) {})
	c.AttachIAuth(a)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, c.ListenAndServe(ctx))

	time.Sleep(20 * time.Millisecond)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range lines {
			if strings.Contains(l, "1 d") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected a \"<handle> d\" DNS-gave-up request to iauth")
}
