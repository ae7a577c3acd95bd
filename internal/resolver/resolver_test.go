package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// fakeNameserver is a minimal UDP DNS server for exercising Resolver
// against real wire-format encode/decode without a live network.
type fakeNameserver struct {
	conn    *net.UDPConn
	handler func(q *dns.Msg) *dns.Msg
}

func startFakeNameserver(t *testing.T, handler func(q *dns.Msg) *dns.Msg) *fakeNameserver {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	ns := &fakeNameserver{conn: conn, handler: handler}
	go ns.serve()
	t.Cleanup(func() { conn.Close() })
	return ns
}

func (ns *fakeNameserver) serve() {
	buf := make([]byte, 512)
	for {
		n, from, err := ns.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		q := new(dns.Msg)
		if q.Unpack(buf[:n]) != nil {
			continue
		}
		resp := ns.handler(q)
		if resp == nil {
			continue
		}
		wire, err := resp.Pack()
		if err != nil {
			continue
		}
		ns.conn.WriteToUDP(wire, from)
	}
}

func (ns *fakeNameserver) addr() string {
	return ns.conn.LocalAddr().String()
}

func TestLookupHostScenario4CacheFill(t *testing.T) {
	ns := startFakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP("192.0.2.7"),
		}
		resp.Answer = append(resp.Answer, rr)
		return resp
	})

	r, err := New([]string{ns.addr()}, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := r.LookupHost(ctx, "host.example.")
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.7"}, res.Addrs)

	// TTL 300 is below the 600s floor: re_shortttl must be incremented, and
	// the cache entry must be stored at the floor (spec.md §8 scenario 4).
	require.EqualValues(t, 1, r.Stats().ShortTTL)

	cached, err := r.LookupHost(ctx, "host.example.")
	require.NoError(t, err)
	require.Equal(t, res.Addrs, cached.Addrs)
	require.GreaterOrEqual(t, r.CacheStats().NameHits, int64(1))
}

func TestLookupHostDropsRepliesFromUnknownNameserver(t *testing.T) {
	real := startFakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 600},
			A:   net.ParseIP("192.0.2.9"),
		})
		return resp
	})

	// imposter replies faster than the real nameserver would, but its
	// source address is not in the configured list, so it must be ignored
	// (spec.md §8 boundary: source not in nameserver list -> dropped,
	// re_unkrep incremented).
	imposter, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer imposter.Close()
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := imposter.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if q.Unpack(buf[:n]) != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(q)
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 600},
				A:   net.ParseIP("198.51.100.1"),
			})
			wire, _ := resp.Pack()
			imposter.WriteToUDP(wire, from)
		}
	}()

	r, err := New([]string{real.addr()}, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.LookupHost(ctx, "host.example.")
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.9"}, res.Addrs, "must resolve to the real nameserver's answer, not the imposter's")
}

func TestLookupHostRejectsInvalidHostname(t *testing.T) {
	ns := startFakeNameserver(t, func(q *dns.Msg) *dns.Msg { return nil })
	r, err := New([]string{ns.addr()}, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.LookupHost(context.Background(), "bad host*name")
	require.Error(t, err)
}

func TestLookupAddrForwardConfirmationMismatch(t *testing.T) {
	var notices []string
	notice := func(tag, text string) { notices = append(notices, tag+": "+text) }

	ns := startFakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		switch q.Question[0].Qtype {
		case dns.TypePTR:
			resp.Answer = append(resp.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 600},
				Ptr: "host.example.",
			})
		case dns.TypeA:
			// forward lookup of host.example. returns a DIFFERENT address
			// than the one being reverse-resolved (spec.md §8 scenario 5).
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 600},
				A:   net.ParseIP("192.0.2.8"),
			})
		}
		return resp
	})

	r, err := New([]string{ns.addr()}, 0, notice)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = r.LookupAddr(ctx, "192.0.2.7")
	require.Error(t, err, "mismatched forward confirmation must fail the lookup")

	var sawBadHostnameNotice bool
	for _, n := range notices {
		if n == "ERRORS: Bad hostname returned from nameserver for 192.0.2.7" {
			sawBadHostnameNotice = true
		}
	}
	require.True(t, sawBadHostnameNotice, "expected a Bad hostname &ERRORS notice, got %v", notices)

	_, ok := r.cache.lookupAddr("192.0.2.7")
	require.False(t, ok, "the unconfirmed reverse mapping must not be cached")
}

func TestLookupHostRetriesOnServfailThenSucceeds(t *testing.T) {
	var attempts int32
	ns := startFakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		if atomic.AddInt32(&attempts, 1) == 1 {
			// transient failure (spec.md §4.3 step 3 TRY_AGAIN rcode): the
			// query must stay live and retry rather than fail immediately.
			resp.Rcode = dns.RcodeServerFailure
			return resp
		}
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 600},
			A:   net.ParseIP("192.0.2.42"),
		})
		return resp
	})

	r, err := New([]string{ns.addr()}, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := r.LookupHost(ctx, "retry.example.")
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.42"}, res.Addrs)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestLookupHostFailsImmediatelyOnRefused(t *testing.T) {
	ns := startFakeNameserver(t, func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeRefused
		return resp
	})

	r, err := New([]string{ns.addr()}, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err = r.LookupHost(ctx, "refused.example.")
	require.Error(t, err)
	require.Less(t, time.Since(start), initialTimeout, "NO_RECOVERY rcodes must fail without waiting for a retry timeout")
}

func TestBadHostnameRejectsSpecialCharacters(t *testing.T) {
	require.True(t, badHostname("foo*bar"))
	require.True(t, badHostname("foo?bar"))
	require.True(t, badHostname("foo:bar"))
	require.True(t, badHostname("foo bar"))
	require.True(t, badHostname("foo\x07bar"))
	require.False(t, badHostname("host.example."))
}
