// Package cache implements the trust-ordered, rdataset-granular cache DB
// the resolver caches answers into. It is content-addressed by owner
// name, refuses to downgrade a cached rdataset's trust, and keeps a
// separate negative-cache entry per covered type.
package cache

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultMinTTL is the shortest duration any positive entry is kept,
	// regardless of the TTL on the wire.
	DefaultMinTTL = 10 * time.Second
	// DefaultMaxTTL is the longest duration any entry is kept, except a
	// successful NS rdataset which is allowed to live up to the wire TTL.
	DefaultMaxTTL = 6 * time.Hour
	// DefaultNXTTL is how long an NXDOMAIN negative-cache entry is kept,
	// whatever SOA minimum the message carried. NXRRSET entries are not
	// covered by it; they go through the MinTTL/MaxTTL clamp instead.
	DefaultNXTTL = time.Hour
)

// DB is the cache database: a set of Nodes keyed by lower-cased owner name.
type DB struct {
	MinTTL time.Duration
	MaxTTL time.Duration
	NXTTL  time.Duration

	mu    sync.RWMutex
	nodes map[string]*Node
	count atomic.Uint64
	hits  atomic.Uint64
}

// New returns an empty cache DB with the default TTL clamps.
func New() *DB {
	return &DB{
		MinTTL: DefaultMinTTL,
		MaxTTL: DefaultMaxTTL,
		NXTTL:  DefaultNXTTL,
		nodes:  make(map[string]*Node),
	}
}

// FindNode returns the Node for name, creating it if create is true and
// it doesn't exist yet. Without create, it returns nil for an unknown name.
func (db *DB) FindNode(name string, create bool) *Node {
	key := strings.ToLower(name)
	db.mu.RLock()
	n := db.nodes[key]
	db.mu.RUnlock()
	if n != nil || !create {
		return n
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if n = db.nodes[key]; n == nil {
		n = newNode(key)
		db.nodes[key] = n
	}
	return n
}

// TTLFor clamps a wire TTL (as computed by MinRdatasetTTL) into the DB's
// configured bounds. NS rdatasets on a successful response are exempted
// from the MaxTTL clamp, matching the teacher's cache package. A
// NameError rcode ignores wireTTL and always yields NXTTL.
func (db *DB) TTLFor(rrtype uint16, rcode int, wireTTL int) time.Duration {
	if rcode == dns.RcodeNameError {
		return db.NXTTL
	}
	ttl := max(db.MinTTL, time.Duration(wireTTL)*time.Second)
	if rrtype != dns.TypeNS || rcode != dns.RcodeSuccess {
		ttl = min(db.MaxTTL, ttl)
	}
	return ttl
}

// HitRatio returns the lookup hit ratio as a percentage.
func (db *DB) HitRatio() (n float64) {
	if count := db.count.Load(); count > 0 {
		n = float64(db.hits.Load()*100) / float64(count)
	}
	return
}

// Entries returns the number of owner-name nodes currently tracked.
func (db *DB) Entries() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.nodes)
}

// recordLookup is called by callers resolving through the cache so
// HitRatio reflects real traffic rather than internal bookkeeping.
func (db *DB) recordLookup(hit bool) {
	db.count.Add(1)
	if hit {
		db.hits.Add(1)
	}
}

// Lookup is a convenience combining a lookup-counted positive and
// negative check for (name, rrtype), used by the resolver's early
// cache probe before a fetch touches the network. When negative is
// true, covers reports which negative entry matched: rrtype itself for
// an NXRRSET, or dns.TypeANY for a whole-name NXDOMAIN.
func (db *DB) Lookup(name string, rrtype uint16, now time.Time) (rrs, sigs []dns.RR, trust Trust, negative bool, covers uint16, ok bool) {
	n := db.FindNode(name, false)
	if n == nil {
		db.recordLookup(false)
		return nil, nil, TrustNone, false, 0, false
	}
	if rrs, sigs, trust, ok = n.Rdataset(rrtype, now); ok {
		db.recordLookup(true)
		return rrs, sigs, trust, false, 0, true
	}
	if trust, ok = n.Negative(rrtype, now); ok {
		db.recordLookup(true)
		return nil, nil, trust, true, rrtype, true
	}
	if trust, ok = n.Negative(dns.TypeANY, now); ok {
		db.recordLookup(true)
		return nil, nil, trust, true, dns.TypeANY, true
	}
	db.recordLookup(false)
	return nil, nil, TrustNone, false, 0, false
}

// Clean removes expired entries from every node; it does not shrink the
// node map itself since node identity (and its lock) may be held elsewhere.
func (db *DB) Clean() {
	now := time.Now()
	db.mu.RLock()
	nodes := make([]*Node, 0, len(db.nodes))
	for _, n := range db.nodes {
		nodes = append(nodes, n)
	}
	db.mu.RUnlock()
	for _, n := range nodes {
		n.mu.Lock()
		for t, e := range n.types {
			if !now.Before(e.expires) {
				delete(n.types, t)
			}
		}
		for c, e := range n.neg {
			if !now.Before(e.expires) {
				delete(n.neg, c)
			}
		}
		n.mu.Unlock()
	}
}

// MinRdatasetTTL returns the smallest TTL among rrs, or -1 if rrs is empty.
// OPT pseudo-records are ignored since their TTL field is an EDNS0
// bit-field, not a cache lifetime.
func MinRdatasetTTL(rrs []dns.RR) int {
	minTTL := math.MaxInt
	for _, rr := range rrs {
		if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		minTTL = min(minTTL, int(rr.Header().Ttl))
	}
	if minTTL == math.MaxInt {
		return -1
	}
	return minTTL
}
