// Package resolver implements the async DNS client of spec.md §4.3: a
// hand-rolled UDP query/retry/cache engine using github.com/miekg/dns only
// for wire-format encode/decode, not its Exchange/Server helpers (spec.md
// §2 "DOMAIN STACK").
package resolver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/kofany/ircwars/internal/chantag"
	"github.com/kofany/ircwars/internal/ircdlog"
)

// initialTimeout and the 2x-per-retry backoff reproduce
// original_source/ircd/res.c's `nreq->timeout = 4` followed by
// `rptr->timeout += rptr->timeout` on each resend (spec.md §8 scenario 4:
// 4s, then 8s, then 16s).
const (
	initialTimeout = 4 * time.Second
	maxRetries     = 3
)

// maxAliases bounds the CNAME chain length accepted from a single answer,
// matching original_source/ircd/res.c's MAXALIASES.
const maxAliases = 15

// NoticeFunc posts a diagnostic to a ServerChannel without this package
// importing router/servchan (mirrors internal/link's NoticeFunc device).
type NoticeFunc func(tag, text string)

// Result is what a completed lookup yields.
type Result struct {
	Name    string
	Addrs   []string
	Aliases []string
	Handle  interface{} // opaque cache handle; see Validate
}

// Stats mirrors the original's reinfo diagnostic counters (spec.md §4.3,
// §7 `m_dns`/`cres_mem`).
type Stats struct {
	Errors, Requests, Replies, Resends, Sent, Timeouts, ShortTTL, UnknownReply int64
}

// queryStage distinguishes the two legs of a reverse lookup so a reply can
// be parsed with the right record type (spec.md §5 forward-confirmation
// invariant, §8 scenario 5).
type queryStage int

const (
	stageForward queryStage = iota // plain A/AAAA lookup
	stagePTR                       // reverse lookup awaiting a PTR answer
	stageConfirm                   // forward A-lookup confirming a PTR candidate
)

type query struct {
	id          uint16
	name        string
	qtype       uint16
	nsIndex     int
	timeout     time.Duration
	sentAt      time.Time
	retries     int
	resultCh    chan queryResult
	stage       queryStage
	forwardName string // the PTR candidate's hostname, pending forward confirmation
	origAddr    string // the address being reverse-resolved, for forward confirmation
}

type queryResult struct {
	res Result
	err error
}

// Resolver is the process-wide async DNS client context (spec.md §9
// "treat process-wide globals ... ircd_res ... as fields of a single Core
// context").
type Resolver struct {
	conn        *net.UDPConn
	nameservers []*net.UDPAddr

	mu       sync.Mutex
	inflight map[uint16]*query
	rng      *rand.Rand

	cache *cache

	statsMu sync.Mutex
	stats   Stats

	notice NoticeFunc

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Resolver bound to the given nameserver host:port list,
// opening one UDP socket for all of them (spec.md §4.3). cacheSize <= 0
// picks a default.
func New(nameservers []string, cacheSize int, notice NoticeFunc) (*Resolver, error) {
	if len(nameservers) == 0 {
		return nil, fmt.Errorf("resolver: no nameservers configured")
	}
	if notice == nil {
		notice = func(tag, text string) { ircdlog.Debug("[%s] %s", tag, text) }
	}

	addrs := make([]*net.UDPAddr, 0, len(nameservers))
	for _, ns := range nameservers {
		a, err := net.ResolveUDPAddr("udp", ns)
		if err != nil {
			return nil, fmt.Errorf("resolver: resolve nameserver %s: %w", ns, err)
		}
		addrs = append(addrs, a)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("resolver: open socket: %w", err)
	}

	r := &Resolver{
		conn:        conn,
		nameservers: addrs,
		inflight:    make(map[uint16]*query),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:       newCache(cacheSize),
		notice:      notice,
		closed:      make(chan struct{}),
	}

	r.wg.Add(2)
	go r.recvLoop()
	go r.retryLoop()

	return r, nil
}

// Close shuts the resolver's socket and background goroutines down.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

// Stats returns a snapshot of the resolver-side diagnostic counters.
func (r *Resolver) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// CacheStats returns a snapshot of the cache-side diagnostic counters.
func (r *Resolver) CacheStats() Stats {
	return r.cache.Snapshot()
}

func (r *Resolver) bump(f func(*Stats)) {
	r.statsMu.Lock()
	f(&r.stats)
	r.statsMu.Unlock()
}

// CancelAll aborts every in-flight query of every caller immediately,
// failing each with a "cancelled" error (Core.Shutdown calls it). A single
// caller abandons its own query by cancelling the context it passed to
// LookupHost/LookupAddr.
func (r *Resolver) CancelAll() {
	r.mu.Lock()
	due := make([]*query, 0, len(r.inflight))
	for id, q := range r.inflight {
		due = append(due, q)
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	for _, q := range due {
		q.resultCh <- queryResult{err: fmt.Errorf("resolver: cancelled")}
	}
}

// Validate reports whether a previously returned Result.Handle still refers
// to a live cache entry (spec.md §9 generation-counter hostp replacement).
func (r *Resolver) Validate(h interface{}) bool {
	hv, ok := h.(handle)
	if !ok {
		return false
	}
	return r.cache.validate(hv)
}

// LookupHost resolves name to its address list, consulting the cache first
// (spec.md §4.3, §8 scenario 4).
func (r *Resolver) LookupHost(ctx context.Context, name string) (Result, error) {
	if badHostname(name) {
		return Result{}, fmt.Errorf("resolver: invalid hostname %q", name)
	}
	fqdn := dns.Fqdn(name)

	if e, ok := r.cache.lookupName(fqdn); ok {
		return Result{Name: e.name, Addrs: e.addrs, Aliases: e.aliases,
			Handle: handle{name: e.name, generation: e.generation}}, nil
	}

	return r.query(ctx, fqdn, dns.TypeA, stageForward, "")
}

// LookupAddr resolves addr (a dotted-quad or IPv6 literal) to a hostname,
// applying forward confirmation: the PTR answer is only trusted, and only
// cached, if a subsequent A-lookup of that hostname contains addr back
// (spec.md §5 invariant, §8 scenario 5).
func (r *Resolver) LookupAddr(ctx context.Context, addr string) (Result, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return Result{}, fmt.Errorf("resolver: invalid address %q", addr)
	}
	rev, err := dns.ReverseAddr(addr)
	if err != nil {
		return Result{}, fmt.Errorf("resolver: reverse name for %s: %w", addr, err)
	}

	if e, ok := r.cache.lookupAddr(addr); ok {
		return Result{Name: e.name, Addrs: e.addrs, Aliases: e.aliases,
			Handle: handle{name: e.name, generation: e.generation}}, nil
	}

	return r.query(ctx, rev, dns.TypePTR, stagePTR, addr)
}

func (r *Resolver) query(ctx context.Context, qname string, qtype uint16, stage queryStage, origAddr string) (Result, error) {
	q := &query{
		name:     qname,
		qtype:    qtype,
		timeout:  initialTimeout,
		resultCh: make(chan queryResult, 1),
		stage:    stage,
		origAddr: origAddr,
	}

	if err := r.register(q); err != nil {
		return Result{}, err
	}
	if err := r.send(q); err != nil {
		r.forget(q.id)
		return Result{}, err
	}

	select {
	case qr := <-q.resultCh:
		return qr.res, qr.err
	case <-ctx.Done():
		r.forget(q.id)
		return Result{}, ctx.Err()
	}
}

// register assigns q a transaction ID, rehashing on collision with an
// already in-flight request (spec.md §4.3 "in-flight request table keyed
// by 16-bit transaction ID with collision-rehash").
func (r *Resolver) register(q *query) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.inflight) >= 1<<16 {
		return fmt.Errorf("resolver: too many in-flight queries")
	}
	for {
		id := uint16(r.rng.Intn(1 << 16))
		if _, taken := r.inflight[id]; taken {
			continue
		}
		q.id = id
		r.inflight[id] = q
		return nil
	}
}

func (r *Resolver) forget(id uint16) *query {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.inflight[id]
	delete(r.inflight, id)
	return q
}

func (r *Resolver) send(q *query) error {
	msg := new(dns.Msg)
	msg.Id = q.id
	msg.RecursionDesired = true
	msg.SetQuestion(q.name, q.qtype)

	wire, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("resolver: pack query: %w", err)
	}

	ns := r.nameservers[q.nsIndex%len(r.nameservers)]
	if _, err := r.conn.WriteToUDP(wire, ns); err != nil {
		return fmt.Errorf("resolver: send to %s: %w", ns, err)
	}

	q.sentAt = time.Now()
	r.bump(func(s *Stats) { s.Sent++; s.Requests++ })
	return nil
}

// retryLoop reproduces original_source/ircd/res.c's timeout_query_list:
// scan the in-flight table once per tick, resend (doubling the timeout)
// anything overdue, and fail it after maxRetries (spec.md §8 scenario 4).
func (r *Resolver) retryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.closed:
			return
		case <-ticker.C:
			r.scanTimeouts()
		}
	}
}

func (r *Resolver) scanTimeouts() {
	now := time.Now()

	r.mu.Lock()
	var due []*query
	for _, q := range r.inflight {
		if now.Sub(q.sentAt) >= q.timeout {
			due = append(due, q)
		}
	}
	r.mu.Unlock()

	for _, q := range due {
		r.bump(func(s *Stats) { s.Timeouts++ })

		if q.retries >= maxRetries {
			r.forget(q.id)
			q.resultCh <- queryResult{err: fmt.Errorf("resolver: timed out resolving %s", q.name)}
			continue
		}

		r.mu.Lock()
		q.retries++
		q.timeout += q.timeout // 4s -> 8s -> 16s
		q.nsIndex++
		q.sentAt = now
		r.mu.Unlock()

		r.bump(func(s *Stats) { s.Resends++ })
		if err := r.send(q); err != nil {
			r.forget(q.id)
			q.resultCh <- queryResult{err: err}
		}
	}
}

// recvLoop reads UDP replies, validates the source is a configured
// nameserver (spec.md §8 boundary "dropped ... re_unkrep"), matches the
// transaction ID, and resolves the waiting query.
func (r *Resolver) recvLoop() {
	defer r.wg.Done()
	buf := make([]byte, 4096)

	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
				r.bump(func(s *Stats) { s.Errors++ })
				continue
			}
		}

		if !r.fromKnownNameserver(from) {
			r.bump(func(s *Stats) { s.UnknownReply++ })
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			r.bump(func(s *Stats) { s.Errors++ })
			continue
		}

		r.bump(func(s *Stats) { s.Replies++ })
		r.handleReply(msg)
	}
}

func (r *Resolver) fromKnownNameserver(from *net.UDPAddr) bool {
	for _, ns := range r.nameservers {
		if ns.IP.Equal(from.IP) {
			return true
		}
	}
	return false
}

// rcodeIsTryAgain classifies a reply rcode the way original_source/ircd/res.c's
// rcode switch does (~lines 790-861): NXDOMAIN/SERVFAIL are transient
// conditions a flaky or restarting nameserver can clear on its own, so the
// query stays live rather than failing immediately: retryAfterRcode resends
// it at once, counting against the same retry limit and doubling the same
// timeout that scanTimeouts uses (spec.md §4.3 step 3). Everything else
// (FORMERR, NOTIMP, REFUSED, ...) is a hard NO_RECOVERY failure.
func rcodeIsTryAgain(rcode int) bool {
	switch rcode {
	case dns.RcodeNameError, dns.RcodeServerFailure:
		return true
	default:
		return false
	}
}

// retryAfterRcode re-arms q for another attempt exactly as scanTimeouts does
// for an overdue query, except q has already been forgotten (its old
// transaction ID was freed by handleReply), so it is re-registered to get a
// fresh ID rather than reinserted under the stale one.
func (r *Resolver) retryAfterRcode(q *query, rcodeErr error) {
	if q.retries >= maxRetries {
		q.resultCh <- queryResult{err: rcodeErr}
		return
	}

	q.retries++
	q.timeout += q.timeout // 4s -> 8s -> 16s
	q.nsIndex++

	if err := r.register(q); err != nil {
		q.resultCh <- queryResult{err: err}
		return
	}

	r.bump(func(s *Stats) { s.Resends++ })
	if err := r.send(q); err != nil {
		r.forget(q.id)
		q.resultCh <- queryResult{err: err}
	}
}

func (r *Resolver) handleReply(msg *dns.Msg) {
	q := r.forget(msg.Id)
	if q == nil {
		r.bump(func(s *Stats) { s.UnknownReply++ })
		return
	}

	if msg.Rcode != dns.RcodeSuccess {
		rcodeErr := fmt.Errorf("resolver: rcode %s for %s", dns.RcodeToString[msg.Rcode], q.name)
		if rcodeIsTryAgain(msg.Rcode) {
			r.retryAfterRcode(q, rcodeErr)
			return
		}
		q.resultCh <- queryResult{err: rcodeErr}
		return
	}

	switch q.stage {
	case stagePTR:
		r.handlePTRReply(q, msg)
	default:
		r.handleForwardReply(q, msg)
	}
}

func (r *Resolver) handleForwardReply(q *query, msg *dns.Msg) {
	var addrs, aliases []string
	var ttl uint32 = math.MaxUint32

	for _, rr := range msg.Answer {
		if len(aliases) >= maxAliases {
			break
		}
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rec.A.String())
			ttl = minTTL(ttl, rec.Hdr.Ttl)
		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA.String())
			ttl = minTTL(ttl, rec.Hdr.Ttl)
		case *dns.CNAME:
			if badHostname(rec.Target) {
				continue
			}
			aliases = append(aliases, rec.Target)
		}
	}

	if len(addrs) == 0 {
		q.resultCh <- queryResult{err: fmt.Errorf("resolver: no address records for %s", q.name)}
		return
	}

	effectiveTTL := time.Duration(ttl) * time.Second
	if effectiveTTL < ttlFloor {
		r.bump(func(s *Stats) { s.ShortTTL++ })
	}

	h := r.cache.store(q.name, addrs, aliases, effectiveTTL)

	if q.stage == stageConfirm {
		// forward-confirmation leg: verify q.origAddr is among addrs before
		// a result is returned; the forward answer is already cached above
		// (spec.md §8 scenario 5).
		confirmed := false
		for _, a := range addrs {
			if a == q.origAddr {
				confirmed = true
				break
			}
		}
		if !confirmed {
			r.notice(string(chantag.Errors), fmt.Sprintf("Bad hostname returned from nameserver for %s", q.origAddr))
			q.resultCh <- queryResult{err: fmt.Errorf("resolver: forward confirmation failed for %s", q.forwardName)}
			return
		}
		q.resultCh <- queryResult{res: Result{Name: q.forwardName, Addrs: addrs, Aliases: aliases, Handle: h}}
		return
	}

	q.resultCh <- queryResult{res: Result{Name: q.name, Addrs: addrs, Aliases: aliases, Handle: h}}
}

// handlePTRReply extracts the candidate hostname from a PTR answer, then
// issues a forward A-lookup to confirm it before a result is returned
// (spec.md §5 invariant, §8 scenario 5). The forward answer is cached under
// the hostname either way; the reverse-resolved address is reachable
// through the cache only if that answer contains it. The forward leg reuses
// handleForwardReply's cache-store/confirm logic via a synthetic follow-up
// query sharing the original resultCh.
func (r *Resolver) handlePTRReply(q *query, msg *dns.Msg) {
	var hostname string
	for _, rr := range msg.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			if badHostname(ptr.Ptr) {
				continue
			}
			hostname = ptr.Ptr
			break
		}
	}
	if hostname == "" {
		q.resultCh <- queryResult{err: fmt.Errorf("resolver: empty PTR answer for %s", q.origAddr)}
		return
	}

	follow := &query{
		name:        dns.Fqdn(hostname),
		qtype:       dns.TypeA,
		timeout:     initialTimeout,
		resultCh:    q.resultCh,
		stage:       stageConfirm,
		forwardName: hostname,
		origAddr:    q.origAddr,
	}
	if err := r.register(follow); err != nil {
		q.resultCh <- queryResult{err: err}
		return
	}
	if err := r.send(follow); err != nil {
		r.forget(follow.id)
		q.resultCh <- queryResult{err: err}
	}
}

func minTTL(cur, candidate uint32) uint32 {
	if candidate < cur {
		return candidate
	}
	return cur
}
