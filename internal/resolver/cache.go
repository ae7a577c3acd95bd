package resolver

import (
	"container/list"
	"sync"
	"time"
)

// ttlFloor is the minimum TTL ircd will honor for a cached answer,
// regardless of what the nameserver returned (spec.md §8 scenario 4,
// original_source/ircd/res.c ~line 1410 "if (rptr->ttl < 600) ... cp->ttl
// = 600").
const ttlFloor = 600 * time.Second

// entry is one cached name<->address mapping (spec.md §4.3 "dual hash-chain
// + LRU cache"). A single entry is indexed from both directions so a
// forward lookup and a PTR lookup of the same host share one eviction
// lifetime and one generation counter.
type entry struct {
	name       string
	addrs      []string // dotted/colon textual addresses, forward order preserved
	aliases    []string
	ttl        time.Duration
	cachedAt   time.Time
	generation uint64

	// elem is the single list.Element shared by this entry's name and every
	// address index, promoted on any name- or address-keyed hit (grounded
	// on jroosing-HydraDNS/internal/resolvers/cache.go's one-elem-per-entry
	// pattern). An entry reached only through its address never looks
	// recently used from the name side otherwise, and gets evicted first
	// despite being live.
	elem *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.cachedAt) >= e.ttl
}

// handle is what a Link caches instead of a raw pointer: an entry
// identifier plus the generation it observed, so that a stale reference
// from before an eviction is detected rather than dereferenced (spec.md §9
// "the hostp clear-on-evict contract becomes: cache entries carry a
// generation counter ... resolution validates the generation").
type handle struct {
	name       string
	generation uint64
}

// Stats mirrors the original's cainfo/reinfo diagnostic counters surfaced
// by the `cres_mem`/`m_dns` numerics (spec.md §4.3, §7).
type Stats struct {
	Adds, Dels, Expires, Lookups, NameHits, AddrHits, Updates int64
}

// cache is the dual-indexed, generation-counted, LRU-bounded store of DNS
// answers (spec.md §4.3). Its zero value is not usable; use newCache.
type cache struct {
	mu sync.Mutex

	maxEntries int
	lru        *list.List // front = least recently used
	byName     map[string]*list.Element
	byAddr     map[string]*list.Element // one element per textual address
	nextGen    uint64

	stats Stats
}

func newCache(maxEntries int) *cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &cache{
		maxEntries: maxEntries,
		lru:        list.New(),
		byName:     make(map[string]*list.Element),
		byAddr:     make(map[string]*list.Element),
	}
}

// lookupName returns the cached entry for name, promoting it in the LRU.
func (c *cache) lookupName(name string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Lookups++

	el, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeLocked(e)
		return nil, false
	}
	c.lru.MoveToBack(e.elem)
	c.stats.NameHits++
	cp := *e
	return &cp, true
}

// lookupAddr returns the cached entry whose address list contains addr.
func (c *cache) lookupAddr(addr string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Lookups++

	el, ok := c.byAddr[addr]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeLocked(e)
		return nil, false
	}
	c.lru.MoveToBack(e.elem)
	c.stats.AddrHits++
	cp := *e
	return &cp, true
}

// store inserts or refreshes the entry for name, applying the 600s TTL
// floor and bumping the generation counter so stale (handle) references
// revalidate as misses (spec.md §4.3 invariant, §8 scenario 4).
func (c *cache) store(name string, addrs, aliases []string, ttl time.Duration) handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl < ttlFloor {
		ttl = ttlFloor
		c.stats.Updates++ // re_shortttl is tracked by the resolver; this
		// bump just keeps cache-side bookkeeping honest about the floor
		// having been applied.
	}

	c.nextGen++
	gen := c.nextGen

	if existing, ok := c.byName[name]; ok {
		c.removeLocked(existing.Value.(*entry))
		c.stats.Updates++
	}

	e := &entry{
		name:       name,
		addrs:      addrs,
		aliases:    aliases,
		ttl:        ttl,
		cachedAt:   time.Now(),
		generation: gen,
	}
	e.elem = c.lru.PushBack(e)
	c.byName[name] = e.elem
	for _, a := range addrs {
		c.byAddr[a] = e.elem
	}

	c.stats.Adds++
	c.evictLocked()

	return handle{name: name, generation: gen}
}

// validate reports whether h still refers to a live cache entry — the
// generation-counter replacement for the original's hostp back-pointer
// clear (spec.md §9).
func (c *cache) validate(h handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byName[h.name]
	if !ok {
		return false
	}
	return el.Value.(*entry).generation == h.generation
}

func (c *cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.byName, e.name)
	for _, a := range e.addrs {
		delete(c.byAddr, a)
	}
	c.stats.Dels++
}

func (c *cache) evictLocked() {
	for len(c.byName) > c.maxEntries {
		front := c.lru.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		c.removeLocked(e)
		c.stats.Expires++
	}
}

// Snapshot returns a copy of the current counters for `cres_mem`-style
// reporting.
func (c *cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
